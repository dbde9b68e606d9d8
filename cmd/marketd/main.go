package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"marketchain/config"
	"marketchain/core"
	"marketchain/gateway/middleware"
	"marketchain/gateway/routes"
	"marketchain/native/auction"
	"marketchain/observability/logging"
	"marketchain/observability/metrics"
	telemetry "marketchain/observability/otel"
	"marketchain/storage"
)

const serviceName = "marketd"

func main() {
	cfgPath := flag.String("config", "./config.toml", "path to marketd configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	env := cfg.Environment
	if override := strings.TrimSpace(os.Getenv("MARKET_ENV")); override != "" {
		env = override
	}
	logger := logging.Setup(serviceName, env, logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})

	if err := run(cfg, env, logger); err != nil {
		logger.Error("marketd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir %s: %w", cfg.DataDir, err)
	}
	defer db.Close()

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetrics(metrics.Market()),
	}
	vault, err := cfg.Vault()
	if err != nil {
		return err
	}
	if vault != ([20]byte{}) {
		opts = append(opts, core.WithVaultAddress(vault))
	}
	market := core.NewMarket(db, opts...)

	allocs, err := cfg.GenesisAllocations()
	if err != nil {
		return err
	}
	genesis := make([]core.GenesisAlloc, 0, len(allocs))
	for _, alloc := range allocs {
		genesis = append(genesis, core.GenesisAlloc{Address: alloc.Address, Balance: new(big.Int).Set(alloc.Balance)})
	}
	if err := market.ApplyGenesis(ctx, genesis); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if err := market.VerifyLog(); err != nil {
		return fmt.Errorf("event log corrupt: %w", err)
	}

	scheduler := auction.NewScheduler(market, time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second, logger)
	go scheduler.Run(ctx)

	secret := cfg.Auth.Secret()
	if len(secret) == 0 {
		logger.Warn("token authentication disabled; callers are taken from the " + middleware.HeaderCaller + " header")
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    len(secret) > 0,
		HMACSecret: secret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
	}, logger)
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
		Burst:             cfg.RateLimit.Burst,
	}, logger)
	go limiter.Janitor(ctx)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: serviceName,
		LogRequests: true,
		Enabled:     true,
	}, logger)
	router, err := routes.New(routes.Config{
		Market:        market,
		Scheduler:     scheduler,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}
	handler := http.Handler(router)
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(router, serviceName)
	}

	servers := []*http.Server{{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obs.MetricsHandler())
		servers = append(servers, &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	addrs := make([]string, len(servers))
	for i, srv := range servers {
		addrs[i] = srv.Addr
	}
	listeners, err := listenAll(addrs)
	if err != nil {
		return err
	}
	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		logger.Info("listening", slog.String("address", listeners[i].Addr().String()))
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv, listeners[i])
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("server failed", slog.Any("error", serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", slog.String("address", srv.Addr), slog.Any("error", err))
		}
	}
	return serveErr
}

var listen = net.Listen

// listenAll binds every address before anything serves. On failure the
// listeners opened so far are closed.
func listenAll(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		ln, err := listen("tcp", addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}
