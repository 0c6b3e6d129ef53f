package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "crankswarm"

// Scenario outcomes used as the outcome label.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Worker holds the metrics of one worker.
type Worker struct {
	pendingScenarios prometheus.Gauge
	pendingRequests  prometheus.Gauge
	scenarios        *prometheus.CounterVec
	requests         prometheus.Counter
	responses        *prometheus.CounterVec
	errors           *prometheus.CounterVec
	matches          *prometheus.CounterVec
	latency          prometheus.Observer
	published        *prometheus.CounterVec
}

// NewWorker registers the worker metric families on reg, reusing families
// another worker already registered there, and returns the children
// labelled with workerID.
func NewWorker(reg prometheus.Registerer, workerID string) (*Worker, error) {
	pendingScenarios, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_scenarios",
		Help:      "Scenario instances started and not yet finished.",
	}, []string{"worker"}))
	if err != nil {
		return nil, err
	}
	pendingRequests, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_requests",
		Help:      "Protocol actions sent and not yet answered.",
	}, []string{"worker"}))
	if err != nil {
		return nil, err
	}
	scenarios, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scenarios_total",
		Help:      "Finished scenario instances by outcome.",
	}, []string{"worker", "outcome"}))
	if err != nil {
		return nil, err
	}
	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Protocol actions sent.",
	}, []string{"worker"}))
	if err != nil {
		return nil, err
	}
	responses, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_total",
		Help:      "Responses received by status code.",
	}, []string{"worker", "code"}))
	if err != nil {
		return nil, err
	}
	errorKinds, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Failed protocol actions by error kind.",
	}, []string{"worker", "kind"}))
	if err != nil {
		return nil, err
	}
	matches, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matches_total",
		Help:      "Response assertions by result.",
	}, []string{"worker", "result"}))
	if err != nil {
		return nil, err
	}
	latency, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "response_latency_seconds",
		Help:      "Time from sending an action to its response.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"worker"}))
	if err != nil {
		return nil, err
	}
	published, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_reports_total",
		Help:      "Stats reports published to the transport by type.",
	}, []string{"worker", "type"}))
	if err != nil {
		return nil, err
	}

	worker := prometheus.Labels{"worker": workerID}
	return &Worker{
		pendingScenarios: pendingScenarios.With(worker),
		pendingRequests:  pendingRequests.With(worker),
		scenarios:        scenarios.MustCurryWith(worker),
		requests:         requests.With(worker),
		responses:        responses.MustCurryWith(worker),
		errors:           errorKinds.MustCurryWith(worker),
		matches:          matches.MustCurryWith(worker),
		latency:          latency.With(worker),
		published:        published.MustCurryWith(worker),
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func (w *Worker) ScenarioStarted() {
	if w == nil {
		return
	}
	w.pendingScenarios.Inc()
}

func (w *Worker) ScenarioFinished(outcome string) {
	if w == nil {
		return
	}
	w.pendingScenarios.Dec()
	w.scenarios.WithLabelValues(outcome).Inc()
}

func (w *Worker) Request() {
	if w == nil {
		return
	}
	w.requests.Inc()
	w.pendingRequests.Inc()
}

func (w *Worker) Response(latency time.Duration, code int) {
	if w == nil {
		return
	}
	w.pendingRequests.Dec()
	w.responses.WithLabelValues(strconv.Itoa(code)).Inc()
	w.latency.Observe(latency.Seconds())
}

func (w *Worker) Error(kind string) {
	if w == nil {
		return
	}
	w.errors.WithLabelValues(kind).Inc()
}

func (w *Worker) Match(passed bool) {
	if w == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "failed"
	}
	w.matches.WithLabelValues(result).Inc()
}

// Unanswered drops requests that will never see a response from the
// pending gauge.
func (w *Worker) Unanswered(n int64) {
	if w == nil || n == 0 {
		return
	}
	w.pendingRequests.Sub(float64(n))
}

func (w *Worker) Published(kind string) {
	if w == nil {
		return
	}
	w.published.WithLabelValues(kind).Inc()
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
