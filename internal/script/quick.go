package script

import (
	"fmt"
	"net/url"
)

// Quick builds the script used when a run is described only by a target URL:
// one second of arrivals at `connections` per second, each virtual user
// issuing `requests` GETs against the target's path.
func Quick(target string, requests, connections int, insecure bool) (*Script, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("target %q must be an absolute URL", target)
	}
	if requests < 1 {
		return nil, fmt.Errorf("requests must be at least 1, got %d", requests)
	}
	if connections < 1 {
		return nil, fmt.Errorf("connections must be at least 1, got %d", connections)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	rate := float64(connections)
	count := requests
	s := &Script{
		Config: Config{
			Target: u.Scheme + "://" + u.Host,
			Phases: []PhaseSpec{{Duration: 1, ArrivalRate: &rate}},
		},
		Scenarios: []ScenarioSpec{{
			Name:   "quick",
			Engine: DefaultEngine,
			Flow: []StepSpec{{
				Loop:  []StepSpec{{Action: "get", Args: map[string]any{"url": path}}},
				Count: &count,
			}},
		}},
	}
	if insecure {
		reject := false
		s.Config.TLS.RejectUnauthorized = &reject
	}
	s.normalize()
	return s, nil
}
