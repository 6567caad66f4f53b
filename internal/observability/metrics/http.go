package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "effisend_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "effisend_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler", "method"})

	toolInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "effisend_tool_invocations_total",
		Help: "Tool invocations dispatched by the agent, by outcome.",
	}, []string{"tool", "status"})

	payments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "effisend_payments_total",
		Help: "Payment state transitions, by operation and state entered.",
	}, []string{"operation", "state"})

	rpcFailovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "effisend_rpc_failovers_total",
		Help: "RPC calls that moved past a failing endpoint.",
	}, []string{"chain"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpDuration,
		toolInvocations,
		payments,
		rpcFailovers,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveToolInvocation counts one tool call with status ok, error or invalid.
func ObserveToolInvocation(tool, status string) {
	toolInvocations.WithLabelValues(tool, status).Inc()
}

// ObservePaymentState counts a payment entering state.
func ObservePaymentState(operation, state string) {
	payments.WithLabelValues(operation, state).Inc()
}

// ObserveRPCFailover counts an endpoint skip on chain. Its signature matches
// ethereum.WithFailoverObserver.
func ObserveRPCFailover(chain, _ string) {
	rpcFailovers.WithLabelValues(chain).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
