// Package server builds the console's gin engine and runs it with graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/logger"
	"github.com/milan604/rtl433dp-console/pkg/observability"
	"github.com/milan604/rtl433dp-console/pkg/server/middleware"
	"github.com/milan604/rtl433dp-console/pkg/validator"
	"github.com/milan604/rtl433dp-console/pkg/version"
)

// NewEngine returns a gin engine with the console's middleware chain:
// request id, tracing, access log, recovery, app logger, CORS, metrics,
// validator, error envelope, then anything passed with WithMiddleware.
func NewEngine(opts ...EngineOption) *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.HandleMethodNotAllowed = true

	var opt engineOptions
	for _, o := range opts {
		o(&opt)
	}
	logMgr := logger.OrNop(opt.logger)

	engine.Use(middleware.RequestIDMiddleware())
	if opt.tracing {
		engine.Use(observability.GinMiddleware(opt.serviceName, opt.tracer))
	}
	engine.Use(middleware.AccessLoggerMiddleware(logMgr))
	if opt.recovery {
		engine.Use(middleware.RecoveryMiddleware(logMgr))
	}
	engine.Use(middleware.AppLoggerMiddleware(logMgr))

	if opt.cors != nil && len(opt.cors.AllowOrigins) > 0 {
		engine.Use(middleware.CORSMiddleware(*opt.cors))
	}

	if opt.registry != nil {
		prom := middleware.NewPrometheusCollector(opt.registry, opt.metricsPath)
		engine.Use(prom.PrometheusMiddleware())
		prom.RegisterMetricsEndpoint(engine)
	}

	vi := opt.validator
	if vi == nil {
		vi = validator.New()
	}
	engine.Use(middleware.ValidatorMiddleware(vi))
	engine.Use(middleware.ErrorHandlerMiddleware())

	for _, m := range opt.addMiddleware {
		engine.Use(m)
	}
	return engine
}

func writeBanner(w io.Writer, addr string, tls bool) {
	scheme := "http"
	if tls {
		scheme = "https"
	}
	fmt.Fprintf(w,
		"\n==============================\n"+
			" rtl433dp-console %s\n"+
			"------------------------------\n"+
			" Listening on: %s://%s\n"+
			"==============================\n",
		version.Get(), scheme, addr,
	)
}

// Start serves handler until ctx is done, then shuts down gracefully. It
// returns early with the error if the address cannot be bound or serving fails.
func Start(ctx context.Context, handler http.Handler, opts ...StartOption) error {
	so := &startOptions{shutdownTimeout: 15 * time.Second, addr: ":8080"}
	for _, o := range opts {
		o(so)
	}
	log := logger.OrNop(so.logger)

	useTLS := so.tlsCertFile != "" && so.tlsKeyFile != ""
	if useTLS {
		for _, f := range []string{so.tlsCertFile, so.tlsKeyFile} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("server: tls file: %w", err)
			}
		}
	}

	ln, err := net.Listen("tcp", so.addr)
	if err != nil {
		log.ErrorF("cannot listen on %s: %v", so.addr, err)
		return fmt.Errorf("server: listen: %w", err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if so.banner {
		writeBanner(os.Stdout, ln.Addr().String(), useTLS)
	}
	if so.ready != nil {
		so.ready(ln.Addr().String())
	}
	log.InfoF("server listening on %s", ln.Addr())

	serveErr := make(chan error, 1)
	go func() {
		if useTLS {
			serveErr <- srv.ServeTLS(ln, so.tlsCertFile, so.tlsKeyFile)
		} else {
			serveErr <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.ErrorF("serve: %v", err)
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	log.InfoF("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), so.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorF("server shutdown: %v", err)
		return fmt.Errorf("server: shutdown: %w", err)
	}
	log.InfoF("server stopped gracefully")
	return nil
}
