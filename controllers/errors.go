package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"dripline/backfill"
	"dripline/control"
	"dripline/engine"
	"dripline/store"
	"dripline/trigger"
	"dripline/utils"
)

// respondError maps domain errors onto the typed error body. Anything not
// recognised is reported and returned as a 500.
func respondError(c *fiber.Ctx, errorType string, err error) error {
	var pe *engine.PreconditionError
	switch {
	case errors.As(err, &pe):
		return utils.ErrorResponse(c, fiber.StatusConflict, pe.Kind(), pe.Error())
	case errors.Is(err, store.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, utils.KindNotFound, err.Error())
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrStepsPublished),
		errors.Is(err, backfill.ErrInactiveSequence):
		return utils.ErrorResponse(c, fiber.StatusConflict, utils.KindConflict, err.Error())
	case errors.Is(err, trigger.ErrInvalidEvent),
		errors.Is(err, control.ErrUnknownAction):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, utils.KindInvalidRequest, err.Error())
	}

	utils.LogError(errorType, err, map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, utils.KindInternal, "Internal server error")
}

// invalid writes a 400 for a body or parameter the handler rejected itself.
func invalid(c *fiber.Ctx, message string) error {
	return utils.ErrorResponse(c, fiber.StatusBadRequest, utils.KindInvalidRequest, message)
}
