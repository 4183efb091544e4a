package controller

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"dripline/dispatch"
	"dripline/utils"
)

// Ticker runs one dispatch cycle.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (dispatch.Result, error)
}

type DispatchController struct {
	Cycle Ticker
	Hub   *ProgressHub
}

func NewDispatchController(cycle Ticker, hub *ProgressHub) *DispatchController {
	return &DispatchController{Cycle: cycle, Hub: hub}
}

// Tick runs a dispatch cycle immediately. It is safe alongside the
// background worker because due rows are claimed before they are sent.
func (dc *DispatchController) Tick(c *fiber.Ctx) error {
	result, err := dc.Cycle.Tick(c.UserContext(), time.Now())
	if err != nil {
		return respondError(c, "dispatch_tick", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}
