package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector holds the HTTP metrics of the console and the
// registry they are served from.
type PrometheusCollector struct {
	reqCount    *prometheus.CounterVec
	reqDurHist  *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	registry    *prometheus.Registry
	MetricsPath string
}

// NewPrometheusCollector registers the HTTP metrics plus the Go and process
// collectors with reg. A nil reg gets a fresh registry.
func NewPrometheusCollector(reg *prometheus.Registry, metricsPath string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	reqCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_http_requests_total",
			Help: "HTTP requests served by the console",
		},
		[]string{"method", "route", "status"},
	)
	reqDurHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_http_request_duration_seconds",
			Help:    "Latency of HTTP requests served by the console",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_http_in_flight_requests",
		Help: "HTTP requests currently being served",
	})

	reg.MustRegister(reqCount, reqDurHist, inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &PrometheusCollector{
		reqCount:    reqCount,
		reqDurHist:  reqDurHist,
		inFlight:    inFlight,
		registry:    reg,
		MetricsPath: metricsPath,
	}
}

func (pc *PrometheusCollector) Registry() *prometheus.Registry { return pc.registry }

// PrometheusMiddleware records one sample per request. Unmatched paths are
// folded into a single label value to bound cardinality.
func (pc *PrometheusCollector) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == pc.MetricsPath {
			c.Next()
			return
		}
		start := time.Now()
		pc.inFlight.Inc()
		c.Next()
		pc.inFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		pc.reqCount.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		pc.reqDurHist.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// RegisterMetricsEndpoint serves the registry on MetricsPath.
func (pc *PrometheusCollector) RegisterMetricsEndpoint(engine *gin.Engine) {
	engine.GET(pc.MetricsPath, gin.WrapH(promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{Registry: pc.registry})))
}
