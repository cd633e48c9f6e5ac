package controller

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"seqmail/config"
	"seqmail/models"
	"seqmail/utils"
	"seqmail/worker"
)

type SubscriberController struct {
	DB       *gorm.DB
	Enroller *worker.Enroller
	Logger   *log.Logger
}

func NewSubscriberController(db *gorm.DB, enroller *worker.Enroller, logger *log.Logger) *SubscriberController {
	return &SubscriberController{
		DB:       db,
		Enroller: enroller,
		Logger:   logger,
	}
}

// OptIn is the public endpoint behind opt-in forms: it creates the
// subscriber when the address is new and enrolls it into the requested
// sequence. Enrolling twice for the same pair is a no-op.
func (sc *SubscriberController) OptIn(c *fiber.Ctx) error {
	var input struct {
		Email      string   `json:"email" validate:"required,email"`
		FirstName  string   `json:"first_name" validate:"omitempty,max=100"`
		LastName   string   `json:"last_name" validate:"omitempty,max=100"`
		SequenceID uint     `json:"sequence_id" validate:"required"`
		Tags       []string `json:"tags" validate:"omitempty,dive,max=50"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := utils.ValidateEmailAddress(input.Email, config.AppConfig.OptInVerifyMX); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}

	email := strings.ToLower(input.Email)

	var subscriber models.Subscriber
	err := sc.DB.Where("email = ?", email).First(&subscriber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		subscriber = models.Subscriber{
			Email:     email,
			FirstName: input.FirstName,
			LastName:  input.LastName,
		}
		if err := sc.DB.Create(&subscriber).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create subscriber", err)
		}
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to look up subscriber", err)
	}

	for _, tag := range input.Tags {
		sc.DB.FirstOrCreate(&models.SubscriberTag{}, models.SubscriberTag{
			SubscriberID: subscriber.ID,
			Tag:          tag,
		})
	}

	enrollment, created, err := sc.Enroller.Enroll(c.Context(), &subscriber, input.SequenceID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(utils.SuccessResponse(fiber.Map{
		"subscriber_id": subscriber.ID,
		"enrollment":    enrollment,
		"created":       created,
	}))
}

// GetSubscribers lists subscribers with pagination
func (sc *SubscriberController) GetSubscribers(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var total int64
	if err := sc.DB.Model(&models.Subscriber{}).Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count subscribers", err)
	}

	var subscribers []models.Subscriber
	if err := sc.DB.Preload("Tags").
		Offset((page - 1) * limit).
		Limit(limit).
		Order("id ASC").
		Find(&subscribers).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch subscribers", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  subscribers,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetSubscriber returns one subscriber with tags and enrollments
func (sc *SubscriberController) GetSubscriber(c *fiber.Ctx) error {
	var subscriber models.Subscriber
	if err := sc.DB.Preload("Tags").Preload("Enrollments").
		First(&subscriber, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber not found", nil)
	}
	return c.JSON(utils.SuccessResponse(subscriber))
}

// ConfirmSubscriber flips the confirmation flag. Confirmation mail
// itself is handled by an external surface.
func (sc *SubscriberController) ConfirmSubscriber(c *fiber.Ctx) error {
	res := sc.DB.Model(&models.Subscriber{}).
		Where("id = ?", c.Params("id")).
		Update("is_confirmed", true)
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to confirm subscriber", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"confirmed": true}))
}

// AddTag attaches a tag to a subscriber
func (sc *SubscriberController) AddTag(c *fiber.Ctx) error {
	var subscriber models.Subscriber
	if err := sc.DB.First(&subscriber, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber not found", nil)
	}

	var input struct {
		Tag string `json:"tag" validate:"required,max=50"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var tag models.SubscriberTag
	if err := sc.DB.FirstOrCreate(&tag, models.SubscriberTag{
		SubscriberID: subscriber.ID,
		Tag:          input.Tag,
	}).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add tag", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(tag))
}

// RemoveTag detaches a tag from a subscriber
func (sc *SubscriberController) RemoveTag(c *fiber.Ctx) error {
	res := sc.DB.Where("subscriber_id = ? AND tag = ?",
		c.Params("id"), c.Params("tag")).
		Delete(&models.SubscriberTag{})
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to remove tag", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Tag not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"removed": true}))
}
