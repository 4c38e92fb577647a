package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Histogram: gateway HTTP latency in seconds. For streams this is the
	// time until the last frame was written.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"path", "method", "status_code"},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Requests sent to LLM and audio backends by status code.",
		},
		[]string{"provider", "status_code"},
	)

	// Time to response headers; stream bodies are not included.
	UpstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Upstream round-trip latency until response headers, in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	StreamDeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_deltas_total",
			Help: "Text fragments forwarded from upstream streams.",
		},
		[]string{"provider"},
	)

	StreamMalformedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_malformed_events_total",
			Help: "Upstream stream events skipped because they could not be decoded.",
		},
		[]string{"provider"},
	)

	// outcome: allowed | denied
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Rate limit decisions per route class.",
		},
		[]string{"route_class", "outcome"},
	)

	RateLimitActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ratelimit_actors",
			Help: "Number of live per-key rate limit actors.",
		},
	)

	// result: hit | miss | error
	AuthCacheResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_cache_results_total",
			Help: "Subscription cache lookups by result.",
		},
		[]string{"result"},
	)

	// method: subscription | session, outcome: ok | rejected | error
	AuthDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Authentication attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		GatewayLatencySeconds,
		UpstreamRequestsTotal,
		UpstreamLatencySeconds,
		StreamDeltasTotal,
		StreamMalformedEventsTotal,
		AdmissionDecisionsTotal,
		RateLimitActors,
		AuthCacheResultsTotal,
		AuthDecisionsTotal,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request. The path label
// is the matched chi route pattern so ids in URLs do not blow up cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}

		GatewayLatencySeconds.
			WithLabelValues(path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush keeps SSE responses streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
