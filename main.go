package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"seqmail/config"
	"seqmail/middleware"
	"seqmail/routes"
	"seqmail/store"
	"seqmail/utils"
	"seqmail/worker"
)

func main() {
	logger := log.New(os.Stdout, "SEQMAIL: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize Sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	st := store.NewStore(config.DB)
	mailer := utils.NewSMTPMailer(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
		config.AppConfig.FromName,
		config.AppConfig.FromEmail,
	)

	enroller := worker.NewEnroller(st, st, log.New(os.Stdout, "ENROLLER: ", log.LstdFlags))
	processor := worker.NewProcessor(st, st, mailer, logrus.StandardLogger())
	processor.BatchSize = config.AppConfig.ProcessorBatchSize

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup routes. Wires the processor's outcome feed, so the ticker
	// goroutine below must not start before this.
	routes.SetupRoutes(app, config.DB, enroller, processor)

	// The processor also runs on a fixed interval alongside the HTTP
	// trigger; either can be disabled independently.
	if config.AppConfig.ProcessorInterval > 0 {
		go processor.Start(ctx, config.AppConfig.ProcessorInterval)
	}

	if config.AppConfig.ReplyInbox.Enabled {
		replyWorker := worker.NewReplyWorker(st, config.AppConfig.ReplyInbox,
			log.New(os.Stdout, "REPLIES: ", log.LstdFlags))
		go replyWorker.Start(ctx)
	}

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
