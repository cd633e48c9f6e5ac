package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"gorm.io/gorm"

	controller "seqmail/controllers"
	"seqmail/middleware"
	"seqmail/worker"
)

// SetupRoutes wires the public surface, the admin API and the metrics
// endpoint onto the app.
func SetupRoutes(app *fiber.App, db *gorm.DB, enroller *worker.Enroller, processor *worker.Processor) {
	sequenceController := controller.NewSequenceController(db, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	subscriberController := controller.NewSubscriberController(db, enroller, log.New(os.Stdout, "SUBSCRIBER: ", log.LstdFlags))
	enrollmentController := controller.NewEnrollmentController(db, enroller, log.New(os.Stdout, "ENROLLMENT: ", log.LstdFlags))
	processorController := controller.NewProcessorController(processor, log.New(os.Stdout, "PROCESSOR: ", log.LstdFlags))

	runFeed := controller.NewRunFeed()
	processor.SetOnOutcome(runFeed.Publish)

	// Public endpoints
	app.Post("/auth/login", controller.Login)
	app.Post("/subscribe", middleware.OptInRateLimiter(), subscriberController.OptIn)

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	// Admin API
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.GetSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Put("/:id", sequenceController.UpdateSequence)
	sequences.Delete("/:id", sequenceController.DeleteSequence)
	sequences.Post("/:id/steps", sequenceController.AddStep)
	sequences.Get("/:id/enrollments", enrollmentController.GetEnrollments)
	api.Put("/steps/:id", sequenceController.UpdateStep)

	subscribers := api.Group("/subscribers")
	subscribers.Get("/", subscriberController.GetSubscribers)
	subscribers.Get("/:id", subscriberController.GetSubscriber)
	subscribers.Post("/:id/confirm", subscriberController.ConfirmSubscriber)
	subscribers.Post("/:id/tags", subscriberController.AddTag)
	subscribers.Delete("/:id/tags/:tag", subscriberController.RemoveTag)

	enrollments := api.Group("/enrollments")
	enrollments.Post("/", enrollmentController.CreateEnrollment)
	enrollments.Get("/:id", enrollmentController.GetEnrollment)
	enrollments.Post("/:id/pause", enrollmentController.PauseEnrollment)
	enrollments.Post("/:id/resume", enrollmentController.ResumeEnrollment)

	// Registered for POST only; other methods get 405 from the router
	api.Post("/processor/run", processorController.TriggerRun)

	api.Get("/ws/runs", websocket.New(runFeed.HandleRunFeedWS))

	log.New(os.Stdout, "ROUTES: ", log.LstdFlags).Println("Routes initialized successfully")
}
