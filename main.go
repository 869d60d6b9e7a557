package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"aigateway/internal/admin"
	"aigateway/internal/config"
	"aigateway/internal/db"
	"aigateway/internal/gateway"
	"aigateway/internal/http/handlers"
	"aigateway/internal/keystore"
	"aigateway/internal/ledger"
	"aigateway/internal/metrics"
	"aigateway/internal/quota"
	"aigateway/internal/upstream"
	"aigateway/internal/usagelog"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().Str("environment", cfg.Environment).Msg("Starting AI gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		keys       keystore.Store
		usage      usagelog.Log
		principals admin.PrincipalStore
	)
	if cfg.DatabaseURL != "" {
		conn, err := db.Connect(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect database")
		}
		keys = keystore.NewGormStore(conn)
		usage = usagelog.NewGormLog(conn)
		principals = admin.NewGormPrincipals(conn)
		db.StartRetentionWorker(ctx, conn, cfg.RetentionDays)
		log.Info().Msg("using postgres storage")
	} else {
		keys = keystore.NewMemoryStore()
		usage = usagelog.NewMemoryLog(cfg.UsageLogCapacity)
		principals = admin.NewMemoryPrincipals()
		log.Warn().Int("usage_log_capacity", cfg.UsageLogCapacity).Msg("APP_DATABASE_URL not set, state is kept in memory only")
	}

	if err := admin.EnsureBootstrapAdmin(ctx, principals, cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure bootstrap admin")
	}

	catalog := upstream.DefaultCatalog()
	if cfg.UpstreamConfigPath != "" {
		var err error
		if catalog, err = upstream.LoadCatalog(cfg.UpstreamConfigPath); err != nil {
			log.Fatal().Err(err).Msg("failed to load upstream catalog")
		}
	}
	if missing := catalog.Unconfigured(); len(missing) > 0 {
		log.Warn().
			Strs("endpoints", missing).
			Msg("endpoints have no base_url and will fail; set APP_UPSTREAM_CONFIG (see upstreams.example.yaml)")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	ldg := ledger.New(keys)
	tracker := quota.New(keys)

	dispatcher := gateway.New(keys, ldg, tracker, usage, upstream.NewClient(catalog), gateway.WithMetrics(m))
	controller := admin.NewController(
		admin.NewBcryptVerifier(principals),
		keys, usage, tracker,
		admin.WithKeyTTL(time.Duration(cfg.KeyTTLDays)*24*time.Hour),
	)

	r := router.New()
	handlers.Register(r, handlers.Deps{
		Keys:       keys,
		Dispatcher: dispatcher,
		Admin:      controller,
		Gatherer:   prometheus.DefaultGatherer,
	})

	server := &fasthttp.Server{
		Name:         "aigateway",
		Handler:      handlers.RequestLogger(r.Handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
	if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
