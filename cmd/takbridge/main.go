// Command takbridge launches the location to Cursor-on-Target bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/takbridge/db/migrations"
	"github.com/coachpo/takbridge/internal/app/bridge"
	"github.com/coachpo/takbridge/internal/domain/destination"
	"github.com/coachpo/takbridge/internal/infra/config"
	"github.com/coachpo/takbridge/internal/infra/persistence/migrations"
	"github.com/coachpo/takbridge/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/takbridge/internal/infra/server/http"
	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	takbridgeLoggerPrefix        = "takbridge "
	bridgeLoggerPrefix           = "bridge "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	bridgeShutdownTimeout        = 15 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	databaseStartupTimeout       = 30 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger(takbridgeLoggerPrefix)
	if err := run(ctx, cancel, logger, resolveConfigPath(parseFlags())); err != nil {
		logger.Fatalf("takbridge: %v", err)
	}
}

// run wires the bridge from configPath and blocks until ctx is cancelled.
func run(ctx context.Context, cancel context.CancelFunc, logger *log.Logger, configPath string) error {
	loaded, err := loadConfiguration(ctx, logger, configPath)
	if err != nil {
		return err
	}
	appCfg := loaded.app.Snapshot()
	runtimeSnapshot := loaded.runtime.Snapshot()

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	destinations, err := openDestinations(ctx, logger, appCfg, filepath.Dir(configPath))
	if err != nil {
		return fmt.Errorf("initialise destinations: %w", err)
	}

	b := bridge.New(runtimeSnapshot, newLogger(bridgeLoggerPrefix), bridge.WithStore(destinations.store))
	report := b.Start(ctx, destinations.initial)
	logger.Printf("destinations started: started=%d skipped=%d failed=%d",
		len(report.Started), len(report.Skipped), len(report.Failed))

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, b, loaded.runtime, loaded.app)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("takbridge started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	began := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		bridge:     b,
		lifecycle:  &lifecycle,
		database:   destinations.database,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(began))
	return nil
}

// configuration is the pair of stores the control API mutates. app persists
// to the YAML file; runtime persists to the snapshot beside it.
type configuration struct {
	app     *config.AppConfigStore
	runtime *config.RuntimeStore
}

// loadConfiguration reads the YAML file (defaults when absent) and overlays
// the runtime snapshot written by earlier hot reloads.
func loadConfiguration(ctx context.Context, logger *log.Logger, configPath string) (configuration, error) {
	appCfg, fromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return configuration{}, fmt.Errorf("load config: %w", err)
	}
	if !fromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s destinations=%d database=%t",
		appCfg.Environment, len(appCfg.Destinations), appCfg.Database.Enabled())

	snapshotPath := deriveRuntimeSnapshotPath(configPath)
	runtimeCfg := appCfg.Runtime
	switch snapshot, err := config.LoadRuntimeSnapshot(snapshotPath); {
	case err == nil:
		runtimeCfg = snapshot
		logger.Printf("runtime snapshot loaded from %s", snapshotPath)
	case !errors.Is(err, os.ErrNotExist):
		return configuration{}, fmt.Errorf("load runtime snapshot: %w", err)
	}

	appStore, err := config.NewAppConfigStore(appCfg, func(cfg config.AppConfig) error {
		return config.SaveAppConfig(configPath, cfg)
	})
	if err != nil {
		return configuration{}, fmt.Errorf("initialise app config store: %w", err)
	}
	runtimeStore, err := config.NewRuntimeStoreWithPersistence(runtimeCfg, func(cfg config.RuntimeConfig) error {
		return config.SaveRuntimeSnapshot(snapshotPath, cfg)
	})
	if err != nil {
		return configuration{}, fmt.Errorf("initialise runtime config: %w", err)
	}
	if err := appStore.SetRuntime(runtimeStore.Snapshot()); err != nil {
		return configuration{}, fmt.Errorf("sync runtime config store: %w", err)
	}
	return configuration{app: appStore, runtime: runtimeStore}, nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// destinationSource is the destination store chosen at startup and the
// destinations to start with it.
type destinationSource struct {
	store    destination.Store
	initial  []destination.Destination
	database *postgres.Store
}

// openDestinations selects PostgreSQL when a DSN is configured and the YAML
// roster otherwise. Certificate paths resolve against baseDir.
func openDestinations(ctx context.Context, logger *log.Logger, appCfg config.AppConfig, baseDir string) (destinationSource, error) {
	fromConfig, err := appCfg.LoadDestinations(baseDir)
	if err != nil {
		return destinationSource{}, fmt.Errorf("load configured destinations: %w", err)
	}
	if !appCfg.Database.Enabled() {
		logger.Printf("destination store: yaml entries=%d", len(fromConfig))
		return destinationSource{store: destination.NewMemoryStore(fromConfig...), initial: fromConfig}, nil
	}

	dbCtx, cancel := context.WithTimeout(ctx, databaseStartupTimeout)
	defer cancel()

	if appCfg.Database.RunMigrations {
		if err := migrations.ApplyFS(dbCtx, appCfg.Database.DSN, dbmigrations.Files, logger); err != nil {
			return destinationSource{}, fmt.Errorf("apply migrations: %w", err)
		}
	}

	pool, err := postgres.Connect(dbCtx, appCfg.Database)
	if err != nil {
		return destinationSource{}, err
	}
	store := postgres.New(pool)

	if appCfg.Database.SeedFromConfig && len(fromConfig) > 0 {
		seeded, err := store.Destinations().Seed(dbCtx, fromConfig)
		if err != nil {
			store.Close()
			return destinationSource{}, fmt.Errorf("seed destinations: %w", err)
		}
		logger.Printf("destination store: seeded=%d", seeded)
	}

	initial, err := store.Destinations().LoadDestinations(dbCtx)
	if err != nil {
		store.Close()
		return destinationSource{}, err
	}
	logger.Printf("destination store: postgres entries=%d", len(initial))
	return destinationSource{store: store.Destinations(), initial: initial, database: store}, nil
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, b *bridge.Bridge, runtimeStore *config.RuntimeStore, appStore *config.AppConfigStore) *http.Server {
	handler := httpserver.NewHandler(env, b, runtimeStore, appStore)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	bridge     *bridge.Bridge
	lifecycle  *conc.WaitGroup
	database   *postgres.Store
	telemetry  *telemetry.Provider
}

type shutdownStep struct {
	name    string
	timeout time.Duration
	run     func(context.Context) error
}

// performGracefulShutdown stops the control API first so no new work is
// accepted, then drains workers before releasing shared resources.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	var steps []shutdownStep
	if cfg.server != nil {
		steps = append(steps, shutdownStep{"stopping control server", controlServerShutdownTimeout, cfg.server.Shutdown})
	}
	steps = append(steps, shutdownStep{"cancelling main context", 0, func(context.Context) error {
		if cfg.mainCancel != nil {
			cfg.mainCancel()
		}
		return nil
	}})
	if cfg.bridge != nil {
		steps = append(steps, shutdownStep{"stopping delivery workers", bridgeShutdownTimeout, cfg.bridge.Shutdown})
	}
	if cfg.lifecycle != nil {
		steps = append(steps, shutdownStep{"waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitGroupDone(stepCtx, cfg.lifecycle)
		}})
	}
	if cfg.database != nil {
		steps = append(steps, shutdownStep{"closing database pool", 0, func(context.Context) error {
			cfg.database.Close()
			return nil
		}})
	}
	if cfg.telemetry != nil {
		steps = append(steps, shutdownStep{"shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown})
	}

	for _, step := range steps {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if step.timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.timeout)
		}
		logger.Printf("shutdown: %s...", step.name)
		if err := step.run(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", step.name, err)
		} else {
			logger.Printf("shutdown: %s completed", step.name)
		}
		cancel()
	}
}

func waitGroupDone(ctx context.Context, wg *conc.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func deriveRuntimeSnapshotPath(configPath string) string {
	cleaned := filepath.Clean(configPath)
	dir := filepath.Dir(cleaned)
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "runtime.snapshot.json")
}
