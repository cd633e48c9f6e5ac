package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"seqmail/models"
	"seqmail/store"
	"seqmail/utils"
	"seqmail/worker"
)

type EnrollmentController struct {
	DB       *gorm.DB
	Enroller *worker.Enroller
	Logger   *log.Logger
}

func NewEnrollmentController(db *gorm.DB, enroller *worker.Enroller, logger *log.Logger) *EnrollmentController {
	return &EnrollmentController{
		DB:       db,
		Enroller: enroller,
		Logger:   logger,
	}
}

// CreateEnrollment enrolls an existing subscriber into a sequence from
// the admin API. Idempotent per (subscriber, sequence) pair.
func (ec *EnrollmentController) CreateEnrollment(c *fiber.Ctx) error {
	var input struct {
		SubscriberID uint `json:"subscriber_id" validate:"required"`
		SequenceID   uint `json:"sequence_id" validate:"required"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var subscriber models.Subscriber
	if err := ec.DB.First(&subscriber, input.SubscriberID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber not found", nil)
	}

	enrollment, created, err := ec.Enroller.Enroll(c.Context(), &subscriber, input.SequenceID)
	if errors.Is(err, store.ErrSequenceNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll subscriber", err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(utils.SuccessResponse(fiber.Map{
		"enrollment": enrollment,
		"created":    created,
	}))
}

// GetEnrollments lists a sequence's enrollments, optionally filtered by status
func (ec *EnrollmentController) GetEnrollments(c *fiber.Ctx) error {
	query := ec.DB.Preload("Subscriber").
		Where("sequence_id = ?", c.Params("id"))
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var enrollments []models.SequenceEnrollment
	if err := query.Order("id ASC").Find(&enrollments).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollments", err)
	}
	return c.JSON(utils.SuccessResponse(enrollments))
}

// GetEnrollment returns one enrollment with its sequence and subscriber
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	var enrollment models.SequenceEnrollment
	if err := ec.DB.Preload("Sequence").Preload("Subscriber").
		First(&enrollment, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// PauseEnrollment suspends an active enrollment, preserving its position
func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	err := ec.Enroller.Pause(c.Context(), id)
	if errors.Is(err, store.ErrEnrollmentNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"paused": true}))
}

// ResumeEnrollment reactivates a paused enrollment; the delay countdown
// restarts at the moment of resume
func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	err := ec.Enroller.Resume(c.Context(), id)
	switch {
	case errors.Is(err, store.ErrEnrollmentNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	case errors.Is(err, worker.ErrNotPaused):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment is not paused", nil)
	case err != nil:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"resumed": true}))
}
