// Package control applies operator actions to single enrollments.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dripline/engine"
	"dripline/models"
	"dripline/store"
)

// Action is a manual enrollment operation.
type Action string

const (
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionExit    Action = "exit"
	ActionForward Action = "forward"
)

// ErrUnknownAction is returned for actions other than the four above.
var ErrUnknownAction = errors.New("unknown action")

// Request is the body of an action call.
type Request struct {
	Action Action `json:"action" validate:"required,oneof=pause resume exit forward"`
	Reason string `json:"reason" validate:"max=255"`
}

// Service runs manual actions through the same transitions the dispatch
// cycle uses, retrying on concurrent modification.
type Service struct {
	enrollments *store.Enrollments
	log         *logrus.Entry
	now         func() time.Time
}

func NewService(st *store.Store, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		enrollments: st.Enrollments,
		log:         logger.WithField("component", "control"),
		now:         time.Now,
	}
}

// WithClock replaces the service's time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Pause(ctx context.Context, id uint) (*models.Enrollment, error) {
	return s.Do(ctx, id, Request{Action: ActionPause})
}

func (s *Service) Resume(ctx context.Context, id uint) (*models.Enrollment, error) {
	return s.Do(ctx, id, Request{Action: ActionResume})
}

func (s *Service) Exit(ctx context.Context, id uint, reason string) (*models.Enrollment, error) {
	return s.Do(ctx, id, Request{Action: ActionExit, Reason: reason})
}

func (s *Service) Forward(ctx context.Context, id uint) (*models.Enrollment, error) {
	return s.Do(ctx, id, Request{Action: ActionForward})
}

// Do applies req to the enrollment. Precondition failures come back as
// *engine.PreconditionError with nothing written.
func (s *Service) Do(ctx context.Context, id uint, req Request) (*models.Enrollment, error) {
	var mutation store.Mutation
	switch req.Action {
	case ActionPause:
		mutation = func(e *models.Enrollment, _ []models.SequenceStep) (engine.Counter, error) {
			return engine.Pause(e, s.now())
		}
	case ActionResume:
		mutation = func(e *models.Enrollment, steps []models.SequenceStep) (engine.Counter, error) {
			return engine.Resume(e, steps, s.now())
		}
	case ActionExit:
		mutation = func(e *models.Enrollment, _ []models.SequenceStep) (engine.Counter, error) {
			return engine.Exit(e, s.now(), req.Reason)
		}
	case ActionForward:
		mutation = func(e *models.Enrollment, steps []models.SequenceStep) (engine.Counter, error) {
			return engine.Forward(e, steps, s.now())
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, req.Action)
	}

	updated, err := s.enrollments.Apply(ctx, id, mutation)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"enrollment_id": id,
		"action":        req.Action,
		"status":        updated.Status,
		"step_index":    updated.CurrentStepIndex,
	}).Info("enrollment action applied")
	return updated, nil
}
