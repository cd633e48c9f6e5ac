package controller

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"seqmail/models"
	"seqmail/utils"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewSequenceController(db *gorm.DB, logger *log.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Logger: logger,
	}
}

type stepInput struct {
	StepOrder int        `json:"step_order"`
	Subject   string     `json:"subject" validate:"required"`
	HTMLBody  string     `json:"html_body" validate:"required"`
	SendMode  string     `json:"send_mode" validate:"omitempty,oneof=delay fixed"`
	DelayDays int        `json:"delay_days" validate:"omitempty,min=0"`
	SendAt    *time.Time `json:"send_at"`
	FromName  string     `json:"from_name"`
	FromEmail string     `json:"from_email" validate:"omitempty,email"`
}

// CreateSequence creates a sequence together with its ordered steps
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input struct {
		Name        string      `json:"name" validate:"required,max=200"`
		Description string      `json:"description"`
		Steps       []stepInput `json:"steps" validate:"dive"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	sequence := models.Sequence{
		Name:        input.Name,
		Description: input.Description,
		IsActive:    true,
	}
	for i, step := range input.Steps {
		sequence.Steps = append(sequence.Steps, models.SequenceEmail{
			StepOrder: i,
			Subject:   step.Subject,
			HTMLBody:  step.HTMLBody,
			SendMode:  sendModeOrDefault(step.SendMode),
			DelayDays: step.DelayDays,
			SendAt:    step.SendAt,
			FromName:  step.FromName,
			FromEmail: step.FromEmail,
		})
	}

	if err := sc.DB.Create(&sequence).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", err)
	}

	sc.Logger.Printf("Created sequence %q with %d steps", sequence.Name, len(sequence.Steps))
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sequence))
}

// GetSequences lists sequences with their steps
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	var sequences []models.Sequence
	if err := sc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).Find(&sequences).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequences", err)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

// GetSequence returns one sequence with its ordered steps
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&sequence, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// UpdateSequence edits name, description and the active flag
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input struct {
		Name        *string `json:"name" validate:"omitempty,max=200"`
		Description *string `json:"description"`
		IsActive    *bool   `json:"is_active"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["name"] = *input.Name
	}
	if input.Description != nil {
		updates["description"] = *input.Description
	}
	if input.IsActive != nil {
		updates["is_active"] = *input.IsActive
	}

	if err := sc.DB.Model(&sequence).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequence", err)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// DeleteSequence soft-deletes a sequence and its steps. Existing
// enrollments are completed defensively by the processor on their next
// due time.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	tx := sc.DB.Begin()
	if err := tx.Where("sequence_id = ?", sequence.ID).Delete(&models.SequenceEmail{}).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete steps", err)
	}
	if err := tx.Delete(&sequence).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", err)
	}
	if err := tx.Commit().Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": sequence.ID}))
}

// AddStep appends a step at the end of the sequence
func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input stepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var maxOrder int64
	if err := sc.DB.Model(&models.SequenceEmail{}).
		Where("sequence_id = ?", sequence.ID).
		Select("COALESCE(MAX(step_order), -1)").Scan(&maxOrder).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add step", err)
	}
	order := int(maxOrder) + 1

	step := models.SequenceEmail{
		SequenceID: sequence.ID,
		StepOrder:  order,
		Subject:    input.Subject,
		HTMLBody:   input.HTMLBody,
		SendMode:   sendModeOrDefault(input.SendMode),
		DelayDays:  input.DelayDays,
		SendAt:     input.SendAt,
		FromName:   input.FromName,
		FromEmail:  input.FromEmail,
	}
	if err := sc.DB.Create(&step).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add step", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// UpdateStep edits a step's content or schedule in place
func (sc *SequenceController) UpdateStep(c *fiber.Ctx) error {
	var step models.SequenceEmail
	if err := sc.DB.First(&step, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
	}

	var input stepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	step.Subject = input.Subject
	step.HTMLBody = input.HTMLBody
	step.SendMode = sendModeOrDefault(input.SendMode)
	step.DelayDays = input.DelayDays
	step.SendAt = input.SendAt
	step.FromName = input.FromName
	step.FromEmail = input.FromEmail

	if err := sc.DB.Save(&step).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update step", err)
	}
	return c.JSON(utils.SuccessResponse(step))
}

func sendModeOrDefault(mode string) string {
	if mode == "" {
		return models.SendModeDelay
	}
	return mode
}
