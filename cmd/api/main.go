package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/internal/database"
	api "github.com/mailfold/mailfold/internal/http"
	"github.com/mailfold/mailfold/internal/queue"
	"github.com/mailfold/mailfold/internal/repository"
	"github.com/mailfold/mailfold/internal/service"
	"github.com/mailfold/mailfold/internal/service/render"
	"github.com/mailfold/mailfold/pkg/logger"
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
		log.WithField("error", err.Error()).Fatal("api server exited")
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	db, err := database.Connect(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := database.InitializeDatabase(db); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	jobQueue := queue.NewRedisQueue(redisClient, log)
	defer jobQueue.Close()

	users := repository.NewUserRepository(db)
	orgs := repository.NewOrganizationRepository(db)
	contacts := repository.NewContactRepository(db)
	lists := repository.NewListRepository(db)
	segments := repository.NewSegmentRepository(db)
	templates := repository.NewTemplateRepository(db)
	campaigns := repository.NewCampaignRepository(db)
	emailLogs := repository.NewEmailLogRepository(db)
	feedback := repository.NewFeedbackRepository(db)
	automations := repository.NewAutomationRepository(db)

	renderer := render.NewRenderer(tracking.NewURLBuilder(cfg.AppURL))
	suppression := service.NewSuppressionService(feedback, 0)

	authService := service.NewAuthService(users, orgs, service.AuthConfig{
		AccessSecret:  []byte(cfg.JWT.AccessSecret),
		RefreshSecret: []byte(cfg.JWT.RefreshSecret),
		AccessTTL:     cfg.JWT.AccessExpires,
		RefreshTTL:    cfg.JWT.RefreshExpires,
	}, log)

	automationService := service.NewAutomationService(automations, contacts, templates, log)
	contactService := service.NewContactService(contacts, automationService, log)
	listService := service.NewListService(lists, log)
	segmentService := service.NewSegmentService(segments, contacts, log)
	templateService := service.NewTemplateService(templates, orgs, renderer, log)
	campaignService := service.NewCampaignService(campaigns, contacts, templates, emailLogs, jobQueue, log)

	feedbackService := service.NewFeedbackService(feedback, emailLogs, jobQueue, suppression,
		service.NewSNSVerifier(nil), nil, log, cfg.SkipSNSVerification)
	trackingService := service.NewTrackingService(emailLogs, contacts, feedbackService, cfg.AppURL, log)

	handlers := api.Handlers{
		Auth:        api.NewAuthHandler(authService, cfg.IsProduction(), cfg.JWT.RefreshExpires, log),
		Campaigns:   api.NewCampaignHandler(campaignService, log),
		Contacts:    api.NewContactHandler(contactService, log),
		Lists:       api.NewListHandler(listService, log),
		Segments:    api.NewSegmentHandler(segmentService, log),
		Templates:   api.NewTemplateHandler(templateService, log),
		Automations: api.NewAutomationHandler(automationService, log),
		Tracking:    api.NewTrackingHandler(trackingService, log),
		Webhooks:    api.NewWebhookHandler(feedbackService, log),
	}
	router := api.NewRouter(handlers, authService, api.RouterConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverError := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("api server listening")
		serverError <- server.ListenAndServe()
	}()

	select {
	case err := <-serverError:
		return err
	case sig := <-shutdown:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		log.Info("api server stopped")
		return nil
	}
}
