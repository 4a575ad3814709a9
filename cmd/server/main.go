package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	internalapi "github.com/fintlabs/payment-reconciler/internal/api"
	appconfig "github.com/fintlabs/payment-reconciler/internal/config"
	"github.com/fintlabs/payment-reconciler/internal/dupguard"
	"github.com/fintlabs/payment-reconciler/internal/events"
	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/jobs"
	"github.com/fintlabs/payment-reconciler/internal/poller"
	"github.com/fintlabs/payment-reconciler/internal/receipt"
	"github.com/fintlabs/payment-reconciler/internal/reconcile"
	postgres "github.com/fintlabs/payment-reconciler/internal/storage/postgres"
	"github.com/fintlabs/payment-reconciler/internal/telemetry"
	"github.com/fintlabs/payment-reconciler/internal/webhook"
)

func newLogger(cfg appconfig.Config) *log.Logger {
	prefix := ""
	if cfg.ServiceName != "" {
		prefix = fmt.Sprintf("[%s] ", cfg.ServiceName)
	}
	logger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
	log.SetOutput(os.Stdout)
	log.SetFlags(logger.Flags())
	log.SetPrefix(prefix)
	return logger
}

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config) {
	var cleanup func()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			cleanup = telemetry.InitTracer(cfg.ServiceName)
			return nil
		},
		OnStop: func(context.Context) error {
			if cleanup != nil {
				cleanup()
			}
			return nil
		},
	})
}

func newSQLDB(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) (*sql.DB, error) {
	logger.Printf("Connecting to PostgreSQL database %s@%s:%d", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)
	db, err := postgres.OpenDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

// newKafkaProducer constructs the order-events producer and binds its
// lifecycle to Fx.
func newKafkaProducer(cfg appconfig.Config, lc fx.Lifecycle) *events.Producer {
	prod := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return prod.Close()
		},
	})
	return prod
}

func newScheduler(cfg appconfig.Config, lc fx.Lifecycle, store *postgres.JobStore) jobs.Scheduler {
	sched := jobs.NewKafkaScheduler(cfg.Kafka.Brokers, cfg.Kafka.JobsTopic, store)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sched.Close()
		},
	})
	return sched
}

func newReceiptService() receipt.Service {
	if os.Getenv("SMTP_HOST") != "" || os.Getenv("SMTP_PORT") != "" {
		return receipt.NewSMTPSender()
	}
	return receipt.LogSender{}
}

func registerWebServer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner,
	proc *webhook.Processor, pol *poller.Poller, guard *dupguard.Guard, repo *postgres.Repository) {

	mux := http.NewServeMux()
	internalapi.RegisterWebhookRoutes(mux, proc, pol, cfg.Gateway.CallbackToken)
	internalapi.RegisterCheckoutRoutes(mux, guard, repo, internalapi.NewSessionRegistry())
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Printf("HTTP API listening on %s", cfg.HTTP.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Printf("HTTP server error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})
}

func main() {
	_ = godotenv.Load()

	app := fx.New(
		fx.Provide(
			appconfig.Load,
			newLogger,
			newSQLDB,
			newKafkaProducer,
			func(db *sql.DB) *postgres.Repository { return postgres.NewRepository(db) },
			func(db *sql.DB) *postgres.LockStore { return postgres.NewLockStore(db) },
			func(db *sql.DB) *postgres.EventStore { return postgres.NewEventStore(db) },
			func(db *sql.DB) *postgres.JobStore { return postgres.NewJobStore(db) },
			newScheduler,
			newReceiptService,
			func(cfg appconfig.Config) gateway.APIClient {
				return gateway.NewStripeClient(cfg.Gateway.SecretKey)
			},
			func(cfg appconfig.Config, repo *postgres.Repository, locks *postgres.LockStore, prod *events.Producer) *reconcile.Reconciler {
				return reconcile.New(repo, locks, prod, cfg.Gateway.Settings)
			},
			func(cfg appconfig.Config, repo *postgres.Repository, api gateway.APIClient) *dupguard.Guard {
				return dupguard.New(repo, api, cfg.Gateway.Settings)
			},
			func(cfg appconfig.Config, repo *postgres.Repository, rec *reconcile.Reconciler, receipts receipt.Service) *webhook.Processor {
				return webhook.New(repo, rec, receipts, cfg.Gateway.Settings)
			},
			func(api gateway.APIClient, store *postgres.EventStore, sched jobs.Scheduler, proc *webhook.Processor) *poller.Poller {
				return poller.New(api, store, sched, proc)
			},
		),
		fx.Invoke(
			func(logger *log.Logger, cfg appconfig.Config) {
				logger.Printf("Starting %s...", cfg.ServiceName)
			},
			setupTelemetry,
			registerWebServer,
		),
	)

	app.Run()
}
