package controller

import (
	"github.com/gofiber/fiber/v2"

	"dripline/backfill"
	"dripline/utils"
)

type BackfillController struct {
	Reconciler *backfill.Reconciler
}

func NewBackfillController(r *backfill.Reconciler) *BackfillController {
	return &BackfillController{Reconciler: r}
}

// Run reconciles one sequence against recorded subject history.
func (bc *BackfillController) Run(c *fiber.Ctx) error {
	var criteria backfill.Criteria
	if err := c.BodyParser(&criteria); err != nil {
		return invalid(c, "Invalid request body")
	}
	if criteria.SequenceID == 0 && criteria.Slug == "" {
		return invalid(c, "sequence_id or slug is required")
	}
	if err := utils.ValidateStruct(criteria); err != nil {
		return invalid(c, err.Error())
	}

	result, err := bc.Reconciler.Reconcile(c.UserContext(), criteria)
	if err != nil {
		return respondError(c, "backfill", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}
