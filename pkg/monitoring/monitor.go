package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnswerPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbt_answer_pushes_total",
			Help: "Immediate answer pushes by outcome",
		},
		[]string{"outcome"},
	)

	PushFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbt_push_failures_total",
			Help: "Failed answer submissions by error kind",
		},
		[]string{"kind"},
	)

	FlushRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbt_flush_runs_total",
			Help: "Periodic flush runs by outcome",
		},
		[]string{"outcome"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cbt_flush_duration_seconds",
			Help:    "Duration of periodic flushes",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
	)

	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of bridge HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of bridge HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "path"},
	)
)

func Init() {
	prometheus.MustRegister(AnswerPushes)
	prometheus.MustRegister(PushFailures)
	prometheus.MustRegister(FlushRuns)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments bridge requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		RequestCounter.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler { return promhttp.Handler() }
