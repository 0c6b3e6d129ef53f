package output

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/torosent/crankswarm/internal/coordinator"
	"github.com/torosent/crankswarm/internal/threshold"
)

// HTMLReportData contains all data needed for the HTML report template.
type HTMLReportData struct {
	GeneratedAt      string
	Target           string
	Report           *coordinator.Report
	Codes            []CodeCount
	Errors           []ErrorCount
	RequestsPerSec   float64
	ThresholdResults []threshold.Result
	ThresholdsPassed int
}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDuration": func(d time.Duration) string {
		return d.Round(time.Millisecond).String()
	},
	"formatFloat": func(f float64) string {
		return fmt.Sprintf("%.2f", f)
	},
	"formatPercent": func(part, total int64) string {
		if total == 0 {
			return "0.0"
		}
		return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
	},
}).Parse(htmlTemplate))

// GenerateHTMLReport writes a standalone HTML page for a consolidated run.
func GenerateHTMLReport(w io.Writer, r *coordinator.Report, results []threshold.Result, target string) error {
	data := HTMLReportData{
		GeneratedAt:      time.Now().Format(time.RFC3339),
		Target:           target,
		Report:           r,
		Codes:            SortedCodes(r.Stats.Codes),
		Errors:           SortedErrors(r.Stats.Errors),
		ThresholdResults: results,
	}
	if secs := r.Duration.Seconds(); secs > 0 {
		data.RequestsPerSec = float64(r.Stats.RequestsCompleted) / secs
	}
	for _, res := range results {
		if res.Pass {
			data.ThresholdsPassed++
		}
	}
	if err := htmlReport.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Crankswarm Load Test Report</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f5f7fa; color: #2c3e50; line-height: 1.6; padding: 20px;
        }
        .container { max-width: 1400px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,0.1); overflow: hidden; }
        header { background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); color: white; padding: 30px 40px; }
        header h1 { font-size: 2rem; margin-bottom: 10px; }
        header .meta { opacity: 0.9; font-size: 0.9rem; }
        .content { padding: 40px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(250px, 1fr)); gap: 20px; margin-bottom: 40px; }
        .card { background: #f8f9fa; border-radius: 8px; padding: 20px; border-left: 4px solid #667eea; }
        .card h3 { font-size: 0.9rem; color: #6c757d; text-transform: uppercase; letter-spacing: 0.5px; margin-bottom: 10px; }
        .card .value { font-size: 2rem; font-weight: bold; }
        .card .subvalue { font-size: 0.85rem; color: #6c757d; margin-top: 5px; }
        .card.success { border-left-color: #10b981; }
        .card.error { border-left-color: #ef4444; }
        .card.warning { border-left-color: #f59e0b; }
        .section { margin-bottom: 40px; }
        .section h2 { font-size: 1.5rem; margin-bottom: 20px; padding-bottom: 10px; border-bottom: 2px solid #e5e7eb; }
        table { width: 100%; border-collapse: collapse; }
        th, td { text-align: left; padding: 12px; border-bottom: 1px solid #e5e7eb; }
        th { background: #f8f9fa; font-weight: 600; color: #4b5563; font-size: 0.9rem; text-transform: uppercase; letter-spacing: 0.5px; }
        .badge { display: inline-block; padding: 4px 12px; border-radius: 12px; font-size: 0.85rem; font-weight: 600; }
        .badge-success { background: #d1fae5; color: #065f46; }
        .badge-error { background: #fee2e2; color: #991b1b; }
        .latency-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); gap: 15px; margin-top: 20px; }
        .latency-item { background: #f8f9fa; padding: 15px; border-radius: 6px; text-align: center; }
        .latency-item .label { font-size: 0.85rem; color: #6c757d; margin-bottom: 5px; }
        .latency-item .value { font-size: 1.3rem; font-weight: bold; }
    </style>
</head>
<body>
<div class="container">
    <header>
        <h1>Crankswarm Load Test Report</h1>
        {{if .Target}}<div class="meta">Target: {{.Target}}</div>{{end}}
        <div class="meta">Run {{.Report.RunID}} | Generated: {{.GeneratedAt}} | Duration: {{formatDuration .Report.Duration}}</div>
    </header>
    <div class="content">
        {{$s := .Report.Stats}}
        <div class="grid">
            <div class="card">
                <h3>Requests Completed</h3>
                <div class="value">{{$s.RequestsCompleted}}</div>
                <div class="subvalue">{{$s.RequestsStarted}} started, {{$s.PendingRequests}} pending</div>
            </div>
            <div class="card success">
                <h3>Scenarios Completed</h3>
                <div class="value">{{$s.ScenariosCompleted}}</div>
                <div class="subvalue">{{formatPercent $s.ScenariosCompleted $s.ScenariosCreated}}% of {{$s.ScenariosCreated}}</div>
            </div>
            <div class="card error">
                <h3>Scenarios Failed</h3>
                <div class="value">{{$s.ScenariosFailed}}</div>
            </div>
            <div class="card">
                <h3>Requests/sec</h3>
                <div class="value">{{formatFloat .RequestsPerSec}}</div>
            </div>
            <div class="card {{if .Report.Incomplete}}warning{{else}}success{{end}}">
                <h3>Workers</h3>
                <div class="value">{{.Report.Finals}} / {{.Report.Workers}}</div>
                <div class="subvalue">final reports received</div>
            </div>
        </div>

        <div class="section">
            <h2>Latency (ms)</h2>
            <div class="latency-grid">
                <div class="latency-item"><div class="label">Min</div><div class="value">{{formatFloat $s.Latency.Min}}</div></div>
                <div class="latency-item"><div class="label">Max</div><div class="value">{{formatFloat $s.Latency.Max}}</div></div>
                <div class="latency-item"><div class="label">Median</div><div class="value">{{formatFloat $s.Latency.Median}}</div></div>
                <div class="latency-item"><div class="label">P95</div><div class="value">{{formatFloat $s.Latency.P95}}</div></div>
                <div class="latency-item"><div class="label">P99</div><div class="value">{{formatFloat $s.Latency.P99}}</div></div>
            </div>
        </div>

        <div class="section">
            <h2>Scenario Duration (ms)</h2>
            <div class="latency-grid">
                <div class="latency-item"><div class="label">Min</div><div class="value">{{formatFloat $s.ScenarioDuration.Min}}</div></div>
                <div class="latency-item"><div class="label">Max</div><div class="value">{{formatFloat $s.ScenarioDuration.Max}}</div></div>
                <div class="latency-item"><div class="label">Median</div><div class="value">{{formatFloat $s.ScenarioDuration.Median}}</div></div>
                <div class="latency-item"><div class="label">P95</div><div class="value">{{formatFloat $s.ScenarioDuration.P95}}</div></div>
                <div class="latency-item"><div class="label">P99</div><div class="value">{{formatFloat $s.ScenarioDuration.P99}}</div></div>
            </div>
        </div>

        {{if .ThresholdResults}}
        <div class="section">
            <h2>Thresholds ({{.ThresholdsPassed}}/{{len .ThresholdResults}} Passed)</h2>
            <table>
                <thead><tr><th>Threshold</th><th>Actual</th><th>Status</th></tr></thead>
                <tbody>
                {{range .ThresholdResults}}
                <tr>
                    <td>{{.Raw}}</td>
                    <td>{{formatFloat .Actual}}</td>
                    <td>{{if .Pass}}<span class="badge badge-success">✓ PASS</span>{{else}}<span class="badge badge-error">✗ FAIL</span>{{end}}</td>
                </tr>
                {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Codes}}
        <div class="section">
            <h2>Codes</h2>
            <table>
                <thead><tr><th>Code</th><th>Count</th></tr></thead>
                <tbody>{{range .Codes}}<tr><td>{{.Code}}</td><td>{{.Count}}</td></tr>{{end}}</tbody>
            </table>
        </div>
        {{end}}

        {{if .Errors}}
        <div class="section">
            <h2>Errors</h2>
            <table>
                <thead><tr><th>Kind</th><th>Count</th></tr></thead>
                <tbody>{{range .Errors}}<tr><td>{{.Kind}}</td><td>{{.Count}}</td></tr>{{end}}</tbody>
            </table>
        </div>
        {{end}}

        {{if .Report.PerWorker}}
        <div class="section">
            <h2>Workers</h2>
            <table>
                <thead><tr><th>Worker</th><th>Requests</th><th>Scenarios</th><th>Failed</th><th>Reports</th><th>Final</th></tr></thead>
                <tbody>
                {{range .Report.PerWorker}}
                <tr>
                    <td><strong>{{.WorkerID}}</strong></td>
                    <td>{{.Stats.RequestsCompleted}}</td>
                    <td>{{.Stats.ScenariosCompleted}}</td>
                    <td>{{.Stats.ScenariosFailed}}</td>
                    <td>{{.Reports}}</td>
                    <td>{{if .Fallback}}<span class="badge badge-error">fallback</span>{{else}}<span class="badge badge-success">ok</span>{{end}}</td>
                </tr>
                {{end}}
                </tbody>
            </table>
        </div>
        {{end}}
    </div>
</div>
</body>
</html>
`
