package controller

import (
	"fmt"
	"log"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"seqmail/worker"
)

type ProcessorController struct {
	Processor *worker.Processor
	Logger    *log.Logger
}

func NewProcessorController(processor *worker.Processor, logger *log.Logger) *ProcessorController {
	return &ProcessorController{
		Processor: processor,
		Logger:    logger,
	}
}

// TriggerRun invokes one processor run on demand. The route is
// registered for POST only; Fiber answers other methods with 405.
func (pc *ProcessorController) TriggerRun(c *fiber.Ctx) error {
	outcomes, err := pc.Processor.RunOnce(c.Context())
	if err != nil {
		// Only the due-enrollment query failing aborts a run; that is
		// worth an operator's attention.
		sentry.CaptureException(err)
		pc.Logger.Printf("Processor run failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Processor run failed",
			"results": []string{err.Error()},
		})
	}

	results := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		results = append(results, outcome.String())
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Processed %d enrollment(s)", len(outcomes)),
		"results": results,
	})
}
