package controller

import (
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripline/delivery"
	"dripline/store"
)

type TrackingController struct {
	Deliveries *store.Deliveries
	Tracker    delivery.Tracker
	Logger     *logrus.Entry
	now        func() time.Time
}

func NewTrackingController(deliveries *store.Deliveries, tracker delivery.Tracker, logger *logrus.Logger) *TrackingController {
	return &TrackingController{
		Deliveries: deliveries,
		Tracker:    tracker,
		Logger:     logger.WithField("component", "tracking"),
		now:        time.Now,
	}
}

// HandleOpen counts an open and always answers with the pixel once the
// token checks out.
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	if !tc.Tracker.Verify(messageID, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	tc.track(c, messageID, store.TrackOpen)

	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Type("gif").Send(transparentPixel())
}

// HandleClick counts a click and redirects to the original link. Only http
// and https targets are followed.
func (tc *TrackingController) HandleClick(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	if !tc.Tracker.Verify(messageID, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	target, err := url.Parse(c.Query("url"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid url")
	}

	tc.track(c, messageID, store.TrackClick)
	return c.Redirect(target.String(), fiber.StatusFound)
}

func (tc *TrackingController) track(c *fiber.Ctx, messageID string, event store.TrackEvent) {
	log := tc.Logger.WithFields(logrus.Fields{
		"message_id": messageID,
		"event":      event,
	})
	first, err := tc.Deliveries.Track(c.UserContext(), messageID, event, tc.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("tracking hit for unknown delivery")
	case err != nil:
		log.WithError(err).Error("record tracking event")
	case first:
		log.Debug("first engagement recorded")
	}
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
