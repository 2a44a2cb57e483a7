package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/milan604/rtl433dp-console/pkg/api"
	"github.com/milan604/rtl433dp-console/pkg/audit"
	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
	"github.com/milan604/rtl433dp-console/pkg/config"
	"github.com/milan604/rtl433dp-console/pkg/console"
	"github.com/milan604/rtl433dp-console/pkg/credstore"
	"github.com/milan604/rtl433dp-console/pkg/guard"
	"github.com/milan604/rtl433dp-console/pkg/logger"
	"github.com/milan604/rtl433dp-console/pkg/observability"
	"github.com/milan604/rtl433dp-console/pkg/server"
	"github.com/milan604/rtl433dp-console/pkg/server/middleware"
	"github.com/milan604/rtl433dp-console/pkg/session"
)

const (
	loginPath   = "/login"
	landingPath = "/known-devices"
)

type serveOptions struct {
	tlsCert string
	tlsKey  string
	watch   bool
}

func serveCmd(configFile *string) *cobra.Command {
	var opts serveOptions

	// Flags in this set are named after config keys and override them.
	keyed := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	keyed.String("service.endpoint", "", "Interface to listen on")
	keyed.Int("service.port", 0, "Port to listen on")
	keyed.String("api.base_url", "", "rtl433dp REST API base URL")
	keyed.String("oidc.authority", "", "OpenID provider issuer URL")
	keyed.String("ui.dir", "", "Directory of the built console UI")
	keyed.String("log.level", "", "Log level (debug, info, warn, error)")

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console server",
		Long: `Run the console server until interrupted.

Configuration comes from built-in defaults, the file given with --config,
RTL433DP_* environment variables (RTL433DP_OIDC_CLIENT_ID sets
oidc.client_id) and the flags below, later sources winning.

Examples:
  rtl433dp-console serve -c console.yaml
  rtl433dp-console serve -c console.yaml --service.port=9090 --log.level=debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configFile, onlyChanged(keyed), opts)
		},
	}
	cmd.Flags().AddFlagSet(keyed)
	cmd.Flags().StringVar(&opts.tlsCert, "tls-cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&opts.tlsKey, "tls-key", "", "TLS key file")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Reload the log level when the config file changes")
	return cmd
}

// onlyChanged keeps the flags that were set on the command line so unset
// flags do not mask file or environment values with their zero defaults.
func onlyChanged(fs *pflag.FlagSet) *pflag.FlagSet {
	out := pflag.NewFlagSet(fs.Name(), pflag.ContinueOnError)
	fs.Visit(func(f *pflag.Flag) { out.AddFlag(f) })
	return out
}

func runServe(ctx context.Context, configFile string, flags *pflag.FlagSet, opts serveOptions) error {
	if (opts.tlsCert == "") != (opts.tlsKey == "") {
		return fmt.Errorf("--tls-cert and --tls-key must be given together")
	}

	var extra []config.Option
	if opts.watch && configFile != "" {
		extra = append(extra, config.WithWatch())
	}
	cfg, err := loadConfig(configFile, flags, extra...)
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggerOptions{
		Level:        settings.Log.Level,
		Encoding:     settings.Log.Encoding,
		EnableCaller: true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	cfg.OnChange(func() {
		level := cfg.GetString("log.level")
		if err := log.SetLogLevel(level); err != nil {
			log.WarnF("config reload: log level %q: %v", level, err)
			return
		}
		log.InfoF("config reload: log level %s", level)
	})

	obs, err := observability.New(ctx, settings.Service.Name, settings.Tracing, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.WarnF("tracing shutdown: %v", err)
		}
	}()

	store, err := credstore.New(ctx, credstore.Settings{
		Driver:   settings.CredStore.Driver,
		Addr:     settings.Redis.Addr,
		Password: settings.Redis.Password,
		DB:       settings.Redis.DB,
	}, log)
	if err != nil {
		return err
	}
	defer store.Close()

	provider := oidc.NewProvider(oidcSettings(settings), store, log)
	if err := provider.Discover(ctx); err != nil {
		// Discovery is retried on the first sign-in.
		log.WarnF("oidc discovery at %s failed: %v", settings.OIDC.Authority, err)
	}

	pub := audit.New(settings.Audit, log)
	defer pub.Close()

	reg := prometheus.NewRegistry()
	metrics := session.NewMetrics(reg)

	sessions := session.NewManager(
		func(id string) session.Adapter { return provider.NewUserManager(id) },
		session.ManagerOptions{
			IdleTimeout: settings.Session.IdleTimeout,
			LoginPath:   loginPath,
			Listeners:   []session.HardLogoutListener{audit.HardLogoutListener(pub)},
			Metrics:     metrics,
			Logger:      log,
		},
	)
	defer sessions.Shutdown()
	go sessions.Run(ctx)

	backend, err := api.NewFromSettings(settings.API, log)
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(settings.RateLimit.RPS, settings.RateLimit.Burst)
	go limiter.Run(ctx)

	engineOpts := []server.EngineOption{
		server.WithLogger(log),
		server.WithRecovery(true),
		server.WithTracing(obs.ServiceName(), obs.TracerProvider()),
	}
	if settings.Metrics.Enabled {
		engineOpts = append(engineOpts, server.WithPrometheus(reg))
	}
	if len(settings.UI.AllowedOrigins) > 0 {
		engineOpts = append(engineOpts, server.WithCors(middleware.DefaultCorsConfig(settings.UI.AllowedOrigins...)))
	}
	engine := server.NewEngine(engineOpts...)

	console.New(console.Options{
		Sessions:       sessions,
		Backend:        backend,
		Backchannel:    provider,
		Audit:          pub,
		Metrics:        metrics,
		Logger:         log,
		CookieName:     settings.Session.CookieName,
		CookieSecure:   settings.Session.CookieSecure,
		UIDir:          settings.UI.Dir,
		AllowedOrigins: settings.UI.AllowedOrigins,
		Guard:          guard.Options{LoginPath: loginPath, LandingPath: landingPath},
		AuthLimiter:    limiter,
		Tracing:        obs,
	}).Register(engine)

	startOpts := []server.StartOption{
		server.StartWithLogger(log),
		server.StartWithAddr(net.JoinHostPort(settings.Service.Endpoint, strconv.Itoa(settings.Service.Port))),
		server.StartWithBanner(true),
	}
	if opts.tlsCert != "" {
		startOpts = append(startOpts, server.StartWithTLS(opts.tlsCert, opts.tlsKey))
	}
	return server.Start(ctx, engine, startOpts...)
}

func oidcSettings(s *config.Settings) oidc.Settings {
	return oidc.Settings{
		Authority:             s.OIDC.Authority,
		ClientID:              s.OIDC.ClientID,
		ClientSecret:          s.OIDC.ClientSecret,
		RedirectURI:           s.OIDC.RedirectURI,
		PostLogoutRedirectURI: s.OIDC.PostLogoutRedirectURI,
		Scopes:                s.OIDC.Scopes(),
		ExpiringNotification:  s.OIDC.ExpiringNotification,
		AutomaticSilentRenew:  s.OIDC.AutomaticSilentRenew,
		UserTTL:               s.Session.TTL,
		DiscoveryTimeout:      s.OIDC.Timeout,
		HTTPClient:            &http.Client{Timeout: s.OIDC.Timeout},
	}
}
