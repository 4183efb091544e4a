package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripline/models"
	"dripline/trigger"
	"dripline/utils"
)

type TriggerController struct {
	Matcher *trigger.Matcher
	Logger  *logrus.Entry
}

func NewTriggerController(matcher *trigger.Matcher, logger *logrus.Logger) *TriggerController {
	return &TriggerController{
		Matcher: matcher,
		Logger:  logger.WithField("component", "trigger_controller"),
	}
}

// HandleEvent ingests one tag-added or milestone-reached event.
func (tc *TriggerController) HandleEvent(c *fiber.Ctx) error {
	var ev models.TriggerEvent
	if err := c.BodyParser(&ev); err != nil {
		return invalid(c, "Invalid request body")
	}
	if ev.Source == "" {
		ev.Source = "api"
	}

	result, err := tc.Matcher.OnEvent(c.UserContext(), ev)
	if err != nil {
		return respondError(c, "trigger_event", err)
	}

	tc.Logger.WithFields(logrus.Fields{
		"subject_id": ev.SubjectID,
		"event_kind": ev.EventKind,
		"enrolled":   result.Enrolled,
		"matches":    len(result.Matches),
	}).Info("event handled")
	return c.JSON(utils.SuccessResponse(result))
}
