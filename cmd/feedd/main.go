// Command feedd runs the gridfeed ingestion daemon: it connects every
// configured datasource and reconciles their streams into keyed row stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/nndrao/gridfeed/config"
	"github.com/nndrao/gridfeed/internal/manager"
	"github.com/nndrao/gridfeed/internal/reconcile"
	"github.com/nndrao/gridfeed/internal/schema"
	"github.com/nndrao/gridfeed/internal/telemetry"
	"github.com/nndrao/gridfeed/internal/transport"
	"github.com/nndrao/gridfeed/internal/transport/stomp"
)

const (
	defaultConfigPath        = "config/feedd.yaml"
	feedLoggerPrefix         = "feedd "
	shutdownTimeout          = 30 * time.Second
	managerShutdownTimeout   = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newFeedLogger()
	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, datasources=%d",
		appCfg.Environment, len(appCfg.DataSources))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetryProvider)
	if err != nil {
		logger.Fatalf("initialize metrics: %v", err)
	}

	factory := transport.NewFactory()
	stomp.Register(factory)

	feedManager := manager.New(factory, logger, metrics)
	if err := registerDataSources(feedManager, appCfg, logger); err != nil {
		logger.Fatalf("register datasources: %v", err)
	}

	var lifecycle conc.WaitGroup
	subscribeStatusLog(feedManager, logger)
	consumers := startConsumers(feedManager, appCfg, logger)

	startProviders(ctx, &lifecycle, feedManager, logger)

	logger.Print("feedd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		manager:    feedManager,
		consumers:  consumers,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newFeedLogger() *log.Logger {
	return log.New(os.Stdout, feedLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	provider, err := telemetry.Init(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.EnableMetrics && cfg.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func registerDataSources(m *manager.Manager, appCfg config.AppConfig, logger *log.Logger) error {
	for _, ds := range appCfg.DataSources {
		if _, err := m.CreateProvider(ds); err != nil {
			return fmt.Errorf("datasource %q: %w", ds.ID, err)
		}
		logger.Printf("datasource registered: id=%s url=%s topic=%s",
			ds.ID, ds.Connection.URL, ds.Settings.ListenerTopic)
	}
	return nil
}

// subscribeStatusLog mirrors connection lifecycle onto the daemon log so
// operators can follow reconnects and terminal failures without a UI.
func subscribeStatusLog(m *manager.Manager, logger *log.Logger) {
	_, err := m.Subscribe(manager.SubscriptionOptions{
		Types: []schema.EventType{
			schema.EventTypeStatusChange,
			schema.EventTypeError,
			schema.EventTypeSnapshotComplete,
		},
		Handler: func(evt *schema.Event) {
			switch evt.Type {
			case schema.EventTypeStatusChange:
				logger.Printf("provider %s: status=%s", evt.Provider, evt.Status)
			case schema.EventTypeError:
				logger.Printf("provider %s: error: %v", evt.Provider, evt.Err)
			case schema.EventTypeSnapshotComplete:
				logger.Printf("provider %s: snapshot complete (cycle %d)", evt.Provider, evt.Cycle)
			}
		},
	})
	if err != nil {
		logger.Fatalf("subscribe status log: %v", err)
	}
}

// startConsumers attaches one reconciling consumer per datasource. The daemon
// logs diff summaries; an embedding UI would hand in its own flush callback.
func startConsumers(m *manager.Manager, appCfg config.AppConfig, logger *log.Logger) []*reconcile.GridConsumer {
	consumers := make([]*reconcile.GridConsumer, 0, len(appCfg.DataSources))
	for _, ds := range appCfg.DataSources {
		id := ds.ID
		consumer := reconcile.New(appCfg.Consumer, func(diff reconcile.Diff) {
			logger.Printf("diff %s: reset=%v add=%d update=%d remove=%d",
				id, diff.Reset, len(diff.Add), len(diff.Update), len(diff.Remove))
		}, logger)
		if err := consumer.Attach(m, id); err != nil {
			logger.Fatalf("attach consumer for %q: %v", id, err)
		}
		consumers = append(consumers, consumer)
	}
	return consumers
}

func startProviders(ctx context.Context, lifecycle *conc.WaitGroup, m *manager.Manager, logger *log.Logger) {
	lifecycle.Go(func() {
		if err := m.ConnectAll(ctx); err != nil {
			logger.Printf("connect datasources: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	manager    *manager.Manager
	consumers  []*reconcile.GridConsumer
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", managerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	for _, consumer := range cfg.consumers {
		consumer.Detach()
	}

	if cfg.manager != nil {
		shutdownStep("closing provider manager", managerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.manager.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
