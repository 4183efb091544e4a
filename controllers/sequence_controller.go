package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripline/catalog"
	"dripline/store"
	"dripline/utils"
)

type SequenceController struct {
	Store  *store.Store
	Logger *logrus.Entry
}

func NewSequenceController(st *store.Store, logger *logrus.Logger) *SequenceController {
	return &SequenceController{
		Store:  st,
		Logger: logger.WithField("component", "sequence_controller"),
	}
}

type activeInput struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

func (sc *SequenceController) List(c *fiber.Ctx) error {
	sequences, err := sc.Store.Catalog.List(c.UserContext())
	if err != nil {
		return respondError(c, "sequence_list", err)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

func (sc *SequenceController) Get(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalid(c, "Invalid sequence ID")
	}

	sequence, err := sc.Store.Catalog.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, "sequence_get", err)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// Upsert accepts a sequence definition in the same YAML form the loader reads.
// JSON bodies parse too.
func (sc *SequenceController) Upsert(c *fiber.Ctx) error {
	def, err := catalog.Parse(c.Body())
	if err != nil {
		return invalid(c, err.Error())
	}

	sequence, err := sc.Store.Catalog.Upsert(c.UserContext(), def)
	if err != nil {
		return respondError(c, "sequence_upsert", err)
	}

	sc.Logger.WithFields(logrus.Fields{
		"sequence": sequence.Slug,
		"steps":    len(sequence.Steps),
		"active":   sequence.IsActive,
	}).Info("sequence stored")
	return c.JSON(utils.SuccessResponse(sequence))
}

func (sc *SequenceController) SetActive(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalid(c, "Invalid sequence ID")
	}
	var input activeInput
	if err := c.BodyParser(&input); err != nil {
		return invalid(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return invalid(c, err.Error())
	}

	if err := sc.Store.Catalog.SetActive(c.UserContext(), id, *input.IsActive); err != nil {
		return respondError(c, "sequence_set_active", err)
	}
	sequence, err := sc.Store.Catalog.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, "sequence_get", err)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// SetStepActive toggles one step. Enrollments keep their position: a step they
// already moved past is never replayed, and a deactivated pending step is
// skipped on their next due tick.
func (sc *SequenceController) SetStepActive(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalid(c, "Invalid sequence ID")
	}
	order, err := c.ParamsInt("order")
	if err != nil || order < 0 {
		return invalid(c, "Invalid step order")
	}
	var input activeInput
	if err := c.BodyParser(&input); err != nil {
		return invalid(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return invalid(c, err.Error())
	}

	if err := sc.Store.Catalog.SetStepActive(c.UserContext(), id, order, *input.IsActive); err != nil {
		return respondError(c, "sequence_set_step_active", err)
	}
	sequence, err := sc.Store.Catalog.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, "sequence_get", err)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}
