package main

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/controllers"
	"github.com/ManuelReschke/SlotBilling/app/repository"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/archive"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/billing"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/cache"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/checkout"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/database"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/dunning"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/gateway"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/inventory"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/ledger"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/mail"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/metrics"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/notify"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/planchange"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/router"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/usercontext"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/webhook"
)

// Application bundles the HTTP app with the background workers it owns.
type Application struct {
	App     *fiber.App
	manager *jobqueue.Manager
	closers []func()
}

// Close stops background work and releases transports.
func (a *Application) Close() {
	a.manager.Stop()
	for _, fn := range a.closers {
		fn()
	}
}

func NewApplication() *Application {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	collector := metrics.Default()

	// notifications are queued and mailed by the workers
	queue := jobqueue.NewQueue(env.GetEnvInt("JOB_WORKERS", 3))
	queue.Register(jobqueue.JobTypeSendNotification, jobqueue.NotificationHandler(mail.NewSMTPMailer(mail.ConfigFromEnv())))
	notifier, closeNotifier, err := notify.NewFromEnv(queue)
	if err != nil {
		log.Fatalf("notification transport: %v", err)
	}

	gw := gateway.NewStripeGatewayFromEnv()
	catalog := inventory.NewCatalog(db, gw, inventory.CatalogConfigFromEnv())
	checkoutCfg := checkout.ConfigFromEnv()
	bridge := checkout.NewBridge(db, checkoutCfg.CorrelationTTL)
	scheduler := dunning.NewScheduler(db, gw, notifier, dunning.ConfigFromEnv())

	eventRouter := billing.NewRouter(billing.Deps{
		DB:        db,
		Allocator: inventory.NewAllocator(),
		Bridge:    bridge,
		Dunning:   scheduler,
		Notifier:  notifier,
		Metrics:   collector,
	}, billing.ConfigFromEnv())

	manager := jobqueue.NewManager(queue, sweeps(db, scheduler, bridge)...)
	if err := manager.Start(); err != nil {
		log.Printf("Background tasks started with errors: %v", err)
	}

	repos := repository.NewFactory(db).GetRepositories()

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // webhook payloads stay far below 1 MiB
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Deps{
		DB:              db,
		Metrics:         collector,
		Checkout:        controllers.NewCheckoutController(checkout.NewService(db, gw, catalog, bridge, checkoutCfg), collector),
		Webhook:         controllers.NewWebhookController(webhook.NewVerifierFromEnv(), eventRouter),
		Billing:         controllers.NewBillingController(scheduler, planchange.NewService(db, gw, catalog), repos),
		Admin:           controllers.NewAdminBillingController(repos),
		CachePing:       cache.Ping,
		LimiterStorage:  cache.NewFiberStorage(cache.LimiterDatabase),
		InternalToken:   env.GetEnv("INTERNAL_API_TOKEN", ""),
		MonitorUser:     env.GetEnv("MONITOR_USER", ""),
		MonitorPassword: env.GetEnv("MONITOR_PASSWORD", ""),
	})
	if env.GetEnv("INTERNAL_API_TOKEN", "") == "" {
		log.Printf("INTERNAL_API_TOKEN is not set, %s headers are ignored", usercontext.HeaderUserID)
	}

	return &Application{App: app, manager: manager, closers: []func(){closeNotifier}}
}

// sweeps lists the periodic maintenance tasks.
func sweeps(db *gorm.DB, scheduler *dunning.Scheduler, bridge *checkout.Bridge) []jobqueue.Sweep {
	retention := env.GetEnvDuration("LEDGER_RETENTION", ledger.DefaultRetention)

	var archiver ledger.Archiver
	cfg, err := archive.LoadConfig()
	if err != nil {
		log.Printf("Ledger archive disabled: %v", err)
	} else if cfg.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		client, err := archive.NewClient(ctx, cfg)
		cancel()
		if err != nil {
			log.Printf("Ledger archive disabled: %v", err)
		} else {
			archiver = client
		}
	}

	return []jobqueue.Sweep{
		{
			Name:     "dunning-reminders",
			Schedule: env.GetEnv("DUNNING_SWEEP_SCHEDULE", "@every 1h"),
			Run: func(ctx context.Context) error {
				_, err := scheduler.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "checkout-correlations",
			Schedule: env.GetEnv("CORRELATION_SWEEP_SCHEDULE", "@every 30m"),
			Run: func(ctx context.Context) error {
				_, err := bridge.PurgeExpired(ctx)
				return err
			},
		},
		{
			Name:     "ledger-prune",
			Schedule: env.GetEnv("LEDGER_PRUNE_SCHEDULE", "30 3 * * *"),
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := ledger.Prune(ctx, db, time.Now().Add(-retention), archiver)
				return err
			},
		},
	}
}
