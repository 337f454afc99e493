package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/getsafe360/saas-app/internal/audit"
	"github.com/getsafe360/saas-app/internal/blobstore"
	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/config"
	"github.com/getsafe360/saas-app/internal/cron"
	"github.com/getsafe360/saas-app/internal/engine"
	"github.com/getsafe360/saas-app/internal/gateway"
	"github.com/getsafe360/saas-app/internal/jobs"
	"github.com/getsafe360/saas-app/internal/ledger"
	otelPkg "github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/pairing"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/pricing"
	"github.com/getsafe360/saas-app/internal/quicktest"
	"github.com/getsafe360/saas-app/internal/ratelimit"
	"github.com/getsafe360/saas-app/internal/telemetry"
)

// sampleEngineDelay stands in for analysis time when no engine is configured.
const sampleEngineDelay = 1500 * time.Millisecond

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, job pool and maintenance scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, stderr io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return startupFailure(nil, stderr, "E_CONFIG_LOAD", err)
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, false)
	if err != nil {
		return startupFailure(nil, stderr, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if cfg.NeedsBootstrap {
		if err := writeDefaultConfig(cfg); err != nil {
			return startupFailure(logger, stderr, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if len(cfg.Sessions) == 0 {
		logger.Warn("no session keys configured; only anonymous quick tests and plugin routes will authenticate")
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.CORS.Enabled {
			logger.Warn("cors is disabled on non-loopback bind; browser dashboards on other origins will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	// Initialize OpenTelemetry (no-op when disabled).
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return startupFailure(logger, stderr, "E_OTEL_INIT", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(flushCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return startupFailure(logger, stderr, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return startupFailure(logger, stderr, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if version, _, err := store.SchemaVersion(ctx); err == nil {
		logger.Info("startup phase", "phase", "schema_migrated", "schema_version", version, "db", cfg.DBPath)
	}

	auditLog, err := audit.Open(cfg.HomeDir, store.DB())
	if err != nil {
		return startupFailure(logger, stderr, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	blobs, err := blobstore.NewFS(cfg.BlobDir, cfg.BlobCompression == "zstd")
	if err != nil {
		return startupFailure(logger, stderr, "E_BLOBSTORE_INIT", err)
	}

	instanceID := cfg.Relay.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	busCfg := bus.Config{
		InstanceID:   instanceID,
		PollInterval: time.Duration(cfg.Relay.PollIntervalMS) * time.Millisecond,
		Logger:       logger,
		Metrics:      metrics,
	}
	if cfg.Relay.Enabled {
		busCfg.Relay = store
	}
	eventBus, err := bus.New(busCfg)
	if err != nil {
		return startupFailure(logger, stderr, "E_BUS_INIT", err)
	}
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		if err := eventBus.Run(ctx); err != nil {
			logger.Error("event relay stopped", "error", err)
		}
	}()

	prices := pricing.NewTable(cfg.Costs, cfg.DefaultCost)
	tokens := ledger.New(store, prices,
		ledger.WithAudit(auditLog),
		ledger.WithMetrics(metrics),
		ledger.WithLogger(logger),
	)

	eng, err := newEngine(cfg, otelProvider)
	if err != nil {
		return startupFailure(logger, stderr, "E_ENGINE_INIT", err)
	}

	pairCfg := pairing.Config{CodeTTL: cfg.CodeTTL()}
	if cfg.Pairing.AllowedSiteHostRegex != "" {
		pairCfg.AllowedHosts = regexp.MustCompile(cfg.Pairing.AllowedSiteHostRegex)
	}
	if cfg.Pairing.ProbePlugin {
		pairCfg.Prober = pairing.HTTPProber{Timeout: time.Duration(cfg.Pairing.ProbeTimeoutMillis) * time.Millisecond}
	}
	pairSvc := pairing.New(store, eventBus, pairCfg,
		pairing.WithAudit(auditLog),
		pairing.WithMetrics(metrics),
		pairing.WithLogger(logger),
	)

	limiter := ratelimit.New(store, ratelimit.PoliciesFromConfig(cfg.Limits), metrics, logger)

	manager := jobs.New(store, eng, blobs, jobs.Config{
		Events:     eventBus,
		Ledger:     tokens,
		InstanceID: instanceID,
		Lease:      cfg.Lease(),
		JobTimeout: cfg.JobTimeout(),
	},
		jobs.WithLogger(logger),
		jobs.WithMetrics(metrics),
		jobs.WithTracer(otelProvider.Tracer),
	)
	pool := jobs.NewPool(manager, jobs.PoolConfig{
		WorkerCount:  cfg.WorkerCount,
		PollInterval: cfg.PollInterval(),
	})

	schedCfg := cron.Config{
		Spec:             cfg.Maintenance.SweepSpec,
		Jobs:             manager,
		Store:            store,
		Logger:           logger,
		PairingRetention: time.Duration(cfg.Maintenance.PairingRetentionHours) * time.Hour,
	}
	if cfg.Relay.Enabled {
		schedCfg.RelayRetention = time.Duration(cfg.Relay.RetentionMinutes) * time.Minute
	}
	sched, err := cron.NewScheduler(schedCfg)
	if err != nil {
		return startupFailure(logger, stderr, "E_SCHEDULER_INIT", err)
	}

	quickTests := quicktest.New(eventBus, quicktest.WithLogger(logger))
	defer quickTests.Close()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Jobs:              manager,
		Pool:              pool,
		Ledger:            tokens,
		Pairing:           pairSvc,
		Limiter:           limiter,
		Bus:               eventBus,
		QuickTest:         quickTests,
		Sessions:          cfg.Sessions,
		CORS:              cfg.CORS,
		Throttle:          cfg.Throttle,
		MaxRequestBytes:   int64(cfg.MaxRequestBytes),
		TrustForwardedFor: cfg.TrustForwardedFor,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})
	gw.Throttle().StartEviction(ctx, time.Minute, 10*time.Minute)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return startupFailure(logger, stderr, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "path", ev.Path, "error", err)
				continue
			}
			gw.Auth().Replace(next.Sessions)
			prices.Update(next.Costs, next.DefaultCost)
			level.Set(telemetry.ParseLevel(next.LogLevel))
			logger.Info("config.yaml hot-reloaded", "fingerprint", next.Fingerprint(), "sessions", len(next.Sessions))
		}
	}()

	pool.Start(ctx)
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "workers_started", "workers", cfg.WorkerCount, "instance_id", instanceID)

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with the process context, so Shutdown is not held
		// open by long-lived event subscribers.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		return startupFailure(logger, stderr, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		runErr = err
	}

	// 1. Stop intake.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	// 2. Let claimed jobs finish within the drain budget.
	pool.Drain(cfg.DrainTimeout())
	// 3. Stop maintenance, then end every subscription.
	sched.Stop()
	eventBus.Close()
	<-busDone
	// 4. Telemetry flush and store close run deferred.
	logger.Info("shutdown complete")
	return runErr
}

func newEngine(cfg config.Config, provider *otelPkg.Provider) (engine.Engine, error) {
	if cfg.Engine.BaseURL == "" {
		slog.Warn("engine base_url not set; using the built-in sample engine")
		return engine.Sample{Delay: sampleEngineDelay}, nil
	}
	return engine.NewClient(engine.ClientConfig{
		BaseURL: cfg.Engine.BaseURL,
		APIKey:  cfg.Engine.APIKey,
		Timeout: time.Duration(cfg.Engine.TimeoutSeconds) * time.Second,
		Tracer:  provider.Tracer,
	})
}

// writeDefaultConfig persists the effective defaults so operators have a
// file to edit. Used when serve starts without config.yaml.
func writeDefaultConfig(cfg config.Config) error {
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), data, 0o600); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// startupFailure logs a structured fatal event with an explicit reason code
// and returns an error that exits the process with status 1.
func startupFailure(logger *slog.Logger, stderr io.Writer, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return &exitError{code: 1}
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}
