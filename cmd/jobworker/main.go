package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	appconfig "github.com/fintlabs/payment-reconciler/internal/config"
	"github.com/fintlabs/payment-reconciler/internal/events"
	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/jobs"
	"github.com/fintlabs/payment-reconciler/internal/poller"
	"github.com/fintlabs/payment-reconciler/internal/receipt"
	"github.com/fintlabs/payment-reconciler/internal/reconcile"
	postgres "github.com/fintlabs/payment-reconciler/internal/storage/postgres"
	"github.com/fintlabs/payment-reconciler/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	log.Println("Job worker starting...")

	cfg, err := appconfig.Load()
	if err != nil {
		log.Fatalf("[jobworker] failed to load config: %v", err)
	}

	db, err := postgres.OpenDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("[jobworker] failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewRepository(db)
	locks := postgres.NewLockStore(db)
	eventStore := postgres.NewEventStore(db)
	jobStore := postgres.NewJobStore(db)

	prod := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
	defer prod.Close()

	sched := jobs.NewKafkaScheduler(cfg.Kafka.Brokers, cfg.Kafka.JobsTopic, jobStore)
	defer sched.Close()

	api := gateway.NewStripeClient(cfg.Gateway.SecretKey)
	rec := reconcile.New(repo, locks, prod, cfg.Gateway.Settings)
	proc := webhook.New(repo, rec, pickReceiptSender(), cfg.Gateway.Settings)
	pol := poller.New(api, eventStore, sched, proc)

	worker := jobs.NewWorker(cfg.Kafka.Brokers, cfg.Kafka.JobsTopic, cfg.Kafka.JobsGroup, jobStore)
	defer worker.Close()

	worker.Register(jobs.ActionProcessEvent, func(ctx context.Context, args map[string]string) error {
		return pol.ProcessEvent(ctx, args["event_id"])
	})
	worker.Register(jobs.ActionFetchEvents, func(ctx context.Context, args map[string]string) error {
		return pol.FetchEventsAndScheduleProcessingJobs(ctx, args["cursor"])
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[jobworker] consumer stopped: %v", err)
	}
	log.Println("[jobworker] shutting down")
}

func pickReceiptSender() receipt.Service {
	// Use SMTP if configured; else fallback to log
	if os.Getenv("SMTP_HOST") != "" || os.Getenv("SMTP_PORT") != "" {
		return receipt.NewSMTPSender()
	}
	return receipt.LogSender{}
}
