// Package delivery sends rendered sequence steps to subjects.
package delivery

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrInFlight is returned by DedupChannel when another sender holds the key.
var ErrInFlight = errors.New("delivery already in flight for key")

// Content is a rendered step.
type Content struct {
	Subject string
	Body    string
}

// Request is one step delivery. IdempotencyKey is stable for the enrollment,
// generation and step, so adapters can deduplicate replays.
type Request struct {
	SubjectID      uint
	EnrollmentID   uint
	StepOrder      int
	IdempotencyKey string
	To             string
	ToName         string
	Content        Content
}

// Result is what a channel reports back for a Request.
type Result struct {
	Success           bool
	ExternalMessageID string
	Err               error
}

// Channel delivers a request. Send blocks until the channel has accepted or
// rejected the message, or ctx is done.
type Channel interface {
	Send(ctx context.Context, req Request) Result
}

// Delivered reports a successful send.
func Delivered(messageID string) Result {
	return Result{Success: true, ExternalMessageID: messageID}
}

// Failed reports a failed send.
func Failed(err error) Result {
	return Result{Err: err}
}

// LogChannel only logs requests. It is used in development and when no SMTP
// host is configured.
type LogChannel struct {
	log *logrus.Entry
}

func NewLogChannel(logger *logrus.Logger) *LogChannel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogChannel{log: logger.WithField("component", "delivery")}
}

func (c *LogChannel) Send(ctx context.Context, req Request) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	c.log.WithFields(logrus.Fields{
		"subject_id":      req.SubjectID,
		"enrollment_id":   req.EnrollmentID,
		"step_order":      req.StepOrder,
		"to":              req.To,
		"idempotency_key": req.IdempotencyKey,
		"subject":         req.Content.Subject,
	}).Info("delivery logged")
	return Delivered(req.IdempotencyKey)
}
