package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/milan604/rtl433dp-console/pkg/logger"
	"github.com/milan604/rtl433dp-console/pkg/server/middleware"
	"github.com/milan604/rtl433dp-console/pkg/validator"
)

// StartOption configures Start.
type StartOption func(*startOptions)

type startOptions struct {
	logger          logger.LogManager
	shutdownTimeout time.Duration
	addr            string
	tlsCertFile     string
	tlsKeyFile      string
	banner          bool
	ready           func(addr string)
}

func StartWithLogger(l logger.LogManager) StartOption {
	return func(o *startOptions) { o.logger = l }
}

// StartWithShutdownTimeout bounds how long in-flight requests may take to finish.
func StartWithShutdownTimeout(d time.Duration) StartOption {
	return func(o *startOptions) { o.shutdownTimeout = d }
}

// StartWithAddr sets the listen address (host:port).
func StartWithAddr(addr string) StartOption {
	return func(o *startOptions) { o.addr = addr }
}

func StartWithTLS(certFile, keyFile string) StartOption {
	return func(o *startOptions) {
		o.tlsCertFile = certFile
		o.tlsKeyFile = keyFile
	}
}

func StartWithBanner(enabled bool) StartOption {
	return func(o *startOptions) { o.banner = enabled }
}

// StartWithReady is called with the bound address once the listener is open.
func StartWithReady(fn func(addr string)) StartOption {
	return func(o *startOptions) { o.ready = fn }
}

// EngineOption configures NewEngine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger        logger.LogManager
	recovery      bool
	cors          *middleware.CorsConfig
	registry      *prometheus.Registry
	metricsPath   string
	tracing       bool
	serviceName   string
	tracer        trace.TracerProvider
	validator     validator.Engine
	addMiddleware []gin.HandlerFunc
}

func WithLogger(l logger.LogManager) EngineOption {
	return func(e *engineOptions) { e.logger = l }
}

func WithRecovery(enabled bool) EngineOption {
	return func(e *engineOptions) { e.recovery = enabled }
}

// WithCors enables CORS for the given config. Without it no CORS headers are sent.
func WithCors(c middleware.CorsConfig) EngineOption {
	return func(e *engineOptions) { e.cors = &c }
}

// WithPrometheus collects HTTP metrics into reg and serves it on /metrics.
func WithPrometheus(reg *prometheus.Registry) EngineOption {
	return func(e *engineOptions) { e.registry = reg }
}

func WithMetricsPath(path string) EngineOption {
	return func(e *engineOptions) { e.metricsPath = path }
}

// WithTracing opens a server span per request using tp.
func WithTracing(serviceName string, tp trace.TracerProvider) EngineOption {
	return func(e *engineOptions) {
		e.tracing = true
		e.serviceName = serviceName
		e.tracer = tp
	}
}

func WithValidator(v validator.Engine) EngineOption {
	return func(e *engineOptions) { e.validator = v }
}

func WithMiddleware(m ...gin.HandlerFunc) EngineOption {
	return func(e *engineOptions) { e.addMiddleware = append(e.addMiddleware, m...) }
}
