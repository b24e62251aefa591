// Command gateway launches the venuegate execution gateway.
package main

import (
	"context"
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

	"github.com/tradeforge/venuegate/internal/account"
	"github.com/tradeforge/venuegate/internal/config"
	"github.com/tradeforge/venuegate/internal/domain/accountstore"
	"github.com/tradeforge/venuegate/internal/domain/conditionalstore"
	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/infra/persistence/migrations"
	"github.com/tradeforge/venuegate/internal/infra/persistence/postgres"
	httpserver "github.com/tradeforge/venuegate/internal/infra/server/http"
	"github.com/tradeforge/venuegate/internal/monitor"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/orders"
	"github.com/tradeforge/venuegate/internal/risk"
	"github.com/tradeforge/venuegate/internal/venue"
	"github.com/tradeforge/venuegate/internal/venue/conn"
	"github.com/tradeforge/venuegate/internal/venue/gatewayapi"
	"github.com/tradeforge/venuegate/internal/venue/sim"
	"github.com/tradeforge/venuegate/lib/async"
	"github.com/tradeforge/venuegate/lib/telemetry"
)

const (
	defaultConfigPath        = "config/gateway.yaml"
	gatewayLoggerPrefix      = "venuegate "
	persistWorkers           = 4
	persistQueueDepth        = 1024
	accountRefreshInterval   = 30 * time.Second
	shutdownTimeout          = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	stdLog := log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath(cfgPath))
	if err != nil {
		stdLog.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		stdLog.Printf("configuration file not found, using defaults")
	}

	observability.SetLogger(observability.NewStdLogger(stdLog, cfg.Environment == "development"))
	stdLog.Printf("configuration initialised: env=%s, venue=%s", cfg.Environment, cfg.Venue.Mode)

	telemetryShutdown, err := initTelemetry(ctx, stdLog, cfg.Telemetry)
	if err != nil {
		stdLog.Fatalf("initialize telemetry: %v", err)
	}

	stores, storesClose, err := buildStores(ctx, stdLog, cfg)
	if err != nil {
		stdLog.Fatalf("initialise persistence: %v", err)
	}

	client := buildVenueClient(cfg.Venue)
	session := conn.NewManager(client, conn.Options{
		Session: venue.SessionConfig{
			Host:     cfg.Venue.Host,
			Port:     cfg.Venue.Port,
			ClientID: cfg.Venue.ClientID,
			Account:  cfg.Venue.Account,
		},
		ConnectTimeout:    cfg.Venue.ConnectTimeout.Std(),
		MaxRetries:        cfg.Venue.MaxRetries,
		RetryDelay:        cfg.Venue.RetryDelay.Std(),
		MarketDataType:    venue.MarketDataType(cfg.Venue.MarketDataType),
		DispatchPerSecond: cfg.Venue.DispatchPerSecond,
	})

	riskEngine := risk.NewEngine(cfg.Risk, stores.orders, stores.accounts, client)
	orderManager := orders.NewManager(session, stores.orders, riskEngine)
	accountService := account.NewService(session, stores.accounts, cfg.Venue.Account)
	conditionalMonitor := monitor.New(stores.conditionals, session, orderManager, monitor.Options{
		Interval:  cfg.Monitor.Interval.Std(),
		PriceWait: cfg.Monitor.PriceWait.Std(),
	})

	persistPool, err := async.NewPool(persistWorkers, persistQueueDepth)
	if err != nil {
		stdLog.Fatalf("initialise persistence pool: %v", err)
	}

	var lifecycle conc.WaitGroup
	recorder := orders.NewRecorder(stores.orders, persistPool)
	lifecycle.Go(func() { recorder.Consume(ctx, session.Events()) })
	lifecycle.Go(func() { recorder.Consume(ctx, orderManager.Events()) })
	lifecycle.Go(func() { refreshAccountLoop(ctx, accountService) })

	if err := session.Connect(ctx); err != nil {
		// The control API stays up so an operator can retry via /connection/connect.
		stdLog.Printf("venue session unavailable at startup: %v", err)
	} else {
		stdLog.Printf("venue session established: %s:%d clientId=%d",
			cfg.Venue.Host, cfg.Venue.Port, cfg.Venue.ClientID)
	}

	conditionalMonitor.Start()

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           buildHandler(orderManager, conditionalMonitor, riskEngine, session, accountService),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	startAPIServer(&lifecycle, stdLog, apiServer)
	stdLog.Printf("control API listening on %s", apiServer.Addr)

	stdLog.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	stdLog.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, stdLog, gracefulShutdownConfig{
		server:      apiServer,
		mainCancel:  cancel,
		monitor:     conditionalMonitor,
		session:     session,
		lifecycle:   &lifecycle,
		persistPool: persistPool,
		storesClose: storesClose,
		telemetry:   telemetryShutdown,
	})

	stdLog.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	collector, shutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	observability.SetMetrics(collector)
	if cfg.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry export disabled")
	}
	return shutdown, nil
}

type gatewayStores struct {
	orders       orderstore.Store
	accounts     accountstore.Store
	conditionals conditionalstore.Store
}

// buildStores connects to PostgreSQL when a DSN is configured. Sim mode falls
// back to in-memory stores when the database is unreachable; live mode treats
// that as fatal since order state must survive restarts.
func buildStores(ctx context.Context, logger *log.Logger, cfg config.Config) (gatewayStores, func(), error) {
	memory := func() (gatewayStores, func(), error) {
		return gatewayStores{
			orders:       orderstore.NewMemoryStore(),
			accounts:     accountstore.NewMemoryStore(),
			conditionals: conditionalstore.NewMemoryStore(),
		}, func() {}, nil
	}

	if cfg.Database.DSN == "" {
		logger.Print("no database configured, using in-memory stores")
		return memory()
	}

	pool, err := postgres.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		if cfg.Venue.Mode == config.ModeSim {
			logger.Printf("database unreachable, falling back to in-memory stores: %v", err)
			return memory()
		}
		return gatewayStores{}, nil, err
	}

	if err := migrations.Apply(ctx, cfg.Database.DSN); err != nil {
		pool.Close()
		return gatewayStores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Print("connected to PostgreSQL")
	return gatewayStores{
		orders:       postgres.NewOrderStore(pool),
		accounts:     postgres.NewAccountStore(pool),
		conditionals: postgres.NewConditionalStore(pool),
	}, pool.Close, nil
}

func buildVenueClient(cfg config.VenueConfig) venue.Client {
	if cfg.Mode == config.ModeLive {
		return gatewayapi.New()
	}
	return sim.New()
}

func buildHandler(orderManager *orders.Manager, conditionalMonitor *monitor.Monitor, riskEngine *risk.Engine, session *conn.Manager, accountService *account.Service) http.Handler {
	return httpserver.NewHandler(httpserver.Deps{
		Orders:   orderManager,
		Monitor:  conditionalMonitor,
		Risk:     riskEngine,
		Session:  session,
		Accounts: accountService,
	})
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

func refreshAccountLoop(ctx context.Context, svc *account.Service) {
	ticker := time.NewTicker(accountRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.Refresh(ctx)
		}
	}
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	monitor     *monitor.Monitor
	session     *conn.Manager
	lifecycle   *conc.WaitGroup
	persistPool *async.Pool
	storesClose func()
	telemetry   func(context.Context) error
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

	if cfg.server != nil {
		shutdownStep("stopping control server", httpShutdownTimeout, cfg.server.Shutdown)
	}

	if cfg.monitor != nil {
		shutdownStep("stopping conditional monitor", lifecycleShutdownTimeout, func(context.Context) error {
			cfg.monitor.Stop()
			return nil
		})
	}

	if cfg.session != nil {
		shutdownStep("closing venue session", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.session.Disconnect(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
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

	if cfg.persistPool != nil {
		shutdownStep("draining persistence pool", poolShutdownTimeout, cfg.persistPool.Shutdown)
	}

	if cfg.storesClose != nil {
		cfg.storesClose()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
