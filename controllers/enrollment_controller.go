package controller

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripline/control"
	"dripline/models"
	"dripline/store"
	"dripline/utils"
)

type EnrollmentController struct {
	Store   *store.Store
	Control *control.Service
	Logger  *logrus.Entry
}

func NewEnrollmentController(st *store.Store, svc *control.Service, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{
		Store:   st,
		Control: svc,
		Logger:  logger.WithField("component", "enrollment_controller"),
	}
}

// Action applies pause, resume, exit or forward and returns the new state.
func (ec *EnrollmentController) Action(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalid(c, "Invalid enrollment ID")
	}

	var req control.Request
	if err := c.BodyParser(&req); err != nil {
		return invalid(c, "Invalid request body")
	}
	req.Action = control.Action(strings.ToLower(strings.TrimSpace(string(req.Action))))
	if err := utils.ValidateStruct(req); err != nil {
		return invalid(c, err.Error())
	}

	enrollment, err := ec.Control.Do(c.UserContext(), id, req)
	if err != nil {
		return respondError(c, "enrollment_action", err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

func (ec *EnrollmentController) Get(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalid(c, "Invalid enrollment ID")
	}

	enrollment, err := ec.Store.Enrollments.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, "enrollment_get", err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// List filters by subject_id, sequence_id and status.
func (ec *EnrollmentController) List(c *fiber.Ctx) error {
	filter := store.ListFilter{
		SubjectID:  utils.ParseUint(c.Query("subject_id")),
		SequenceID: utils.ParseUint(c.Query("sequence_id")),
		Status:     models.EnrollmentStatus(strings.ToUpper(c.Query("status"))),
		Limit:      c.QueryInt("limit", 50),
		Offset:     c.QueryInt("offset", 0),
	}
	switch filter.Status {
	case "", models.EnrollmentActive, models.EnrollmentPaused, models.EnrollmentCompleted, models.EnrollmentExited:
	default:
		return invalid(c, "status must be one of: active, paused, completed, exited")
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	enrollments, total, err := ec.Store.Enrollments.List(c.UserContext(), filter)
	if err != nil {
		return respondError(c, "enrollment_list", err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:   enrollments,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}))
}
