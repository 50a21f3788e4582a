package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/internal/database"
	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/queue"
	"github.com/mailfold/mailfold/internal/repository"
	"github.com/mailfold/mailfold/internal/service"
	"github.com/mailfold/mailfold/internal/service/dispatch"
	"github.com/mailfold/mailfold/internal/service/render"
	"github.com/mailfold/mailfold/internal/service/sender"
	"github.com/mailfold/mailfold/pkg/logger"
	"github.com/mailfold/mailfold/pkg/ratelimiter"
	"github.com/mailfold/mailfold/pkg/tracking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.WithField("error", err.Error()).Fatal("worker host exited")
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	db, err := database.Connect(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	jobQueue := queue.NewRedisQueue(redisClient, log)
	defer jobQueue.Close()

	orgs := repository.NewOrganizationRepository(db)
	contacts := repository.NewContactRepository(db)
	lists := repository.NewListRepository(db)
	templates := repository.NewTemplateRepository(db)
	campaigns := repository.NewCampaignRepository(db)
	emailLogs := repository.NewEmailLogRepository(db)
	feedback := repository.NewFeedbackRepository(db)
	automations := repository.NewAutomationRepository(db)

	renderer := render.NewRenderer(tracking.NewURLBuilder(cfg.AppURL))
	suppression := service.NewSuppressionService(feedback, 0)

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("configure email provider: %w", err)
	}

	// Provider-global gate plus one bucket per tenant, sized from the
	// organization's plan on first send.
	limiter := ratelimiter.NewChain(ratelimiter.NewTokenBucket(cfg.Email.RateLimit, time.Second))
	tenants := ratelimiter.NewRegistry()

	orchestrator := dispatch.NewOrchestrator(campaigns, templates, orgs, emailLogs,
		dispatch.NewRecipientFetcher(contacts), jobQueue, renderer, log, &dispatch.Config{
			BatchSize: cfg.Email.CampaignBatchSize,
		})
	sendWorker := sender.NewWorker(emailLogs, campaigns, orgs, suppression, provider, limiter, tenants, log)
	analytics := service.NewAnalyticsService(emailLogs, campaigns, contacts, log)
	webhooks := service.NewWebhookWorker(nil, log)
	listService := service.NewListService(lists, log)
	cleanup := service.NewCleanupWorker(emailLogs, feedback, orgs, listService, log)

	scheduler := service.NewSchedulerService(campaigns, jobQueue, log)
	engine := service.NewAutomationEngine(automations, contacts, templates, orgs,
		emailLogs, jobQueue, renderer, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start automation engine: %w", err)
	}
	defer engine.Stop()

	group, ctx := errgroup.WithContext(ctx)
	consumers := []*queue.Consumer{
		// Campaign dispatch runs single-threaded per worker host.
		queue.NewConsumer(jobQueue, queue.ConsumerConfig{
			Queue:       domain.QueueCampaign,
			Concurrency: 1,
		}, log, orchestrator),
		queue.NewConsumer(jobQueue, queue.ConsumerConfig{
			Queue:       domain.QueueEmail,
			Concurrency: cfg.Email.WorkerConcurrency,
		}, log, sendWorker),
		queue.NewConsumer(jobQueue, queue.ConsumerConfig{
			Queue:       domain.QueueAnalytics,
			Concurrency: cfg.Email.AnalyticsConcurrency,
		}, log, analytics),
		queue.NewConsumer(jobQueue, queue.ConsumerConfig{
			Queue:       domain.QueueWebhook,
			Concurrency: 2,
		}, log, webhooks),
		queue.NewConsumer(jobQueue, queue.ConsumerConfig{
			Queue:       domain.QueueCleanup,
			Concurrency: 1,
		}, log, cleanup),
	}
	for _, consumer := range consumers {
		c := consumer
		group.Go(func() error { return c.Run(ctx) })
	}

	log.Info("worker host started")
	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("worker host stopped")
	return nil
}

// buildProvider selects the outbound driver from configuration.
func buildProvider(cfg *config.Config) (domain.EmailProvider, error) {
	switch cfg.Email.Provider {
	case "ses":
		return domain.NewSESProvider(domain.AmazonSESSettings{
			Region:           cfg.SES.Region,
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
			SandboxMode:      cfg.SES.SandboxMode,
		})
	case "smtp":
		return domain.NewSMTPProvider(domain.SMTPSettings{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Secure:   cfg.SMTP.Secure,
		}), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
	}
}
