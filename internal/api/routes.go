package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nemtdispatch/internal/metrics"
)

// Routes registers every endpoint on a fresh mux wrapped in request metrics.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// IDS
	mux.HandleFunc("/v1/ids/solve", s.SolveHandler)
	mux.HandleFunc("/v1/ids/runs", s.RunsHandler)
	mux.HandleFunc("/v1/ids/runs/", s.RunByIDHandler) // includes /compare
	mux.HandleFunc("/v1/ids/config", s.ConfigHandler)
	mux.HandleFunc("/v1/ids/events/ws", s.EventsWSHandler)

	// Admin
	mux.HandleFunc("/v1/admin/solve-metrics", s.SolveMetricsHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)

	// Health and ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debug/info", s.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		labels := []string{r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status)}
		metrics.HTTPRequests.WithLabelValues(labels...).Inc()
		metrics.HTTPDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

// routeLabel folds run ids out of paths to keep label cardinality bounded.
func routeLabel(path string) string {
	const runs = "/v1/ids/runs/"
	if !strings.HasPrefix(path, runs) {
		return path
	}
	if strings.HasSuffix(path, "/compare") {
		return runs + ":id/compare"
	}
	return runs + ":id"
}
