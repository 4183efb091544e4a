package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"dripline/models"
	"dripline/trigger"
	"dripline/utils"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventHandler receives decoded trigger events.
type EventHandler interface {
	OnEvent(ctx context.Context, ev models.TriggerEvent) (trigger.MatchResult, error)
}

// NewKafkaReader builds a consumer-group reader for the event topics.
func NewKafkaReader(brokers []string, groupID string, topics []string) (*kafka.Reader, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one topic")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	}), nil
}

// EventConsumer feeds trigger events from Kafka into the matcher. Offsets are
// committed after handling, so a crash replays events; enrollment is
// idempotent, which makes the replay harmless.
type EventConsumer struct {
	reader     MessageReader
	handler    EventHandler
	log        *logrus.Entry
	maxRetries int
	backoff    time.Duration
}

func NewEventConsumer(reader MessageReader, handler EventHandler, logger *logrus.Logger) *EventConsumer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventConsumer{
		reader:     reader,
		handler:    handler,
		log:        logger.WithField("component", "event_consumer"),
		maxRetries: 3,
		backoff:    time.Second,
	}
}

// Start blocks until ctx is cancelled, then closes the reader.
func (c *EventConsumer) Start(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.WithError(err).Warn("close kafka reader")
		}
	}()
	c.log.Info("Event consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Event consumer shutting down...")
				return
			}
			c.log.WithError(err).Error("fetch message")
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Error("commit message")
		}
	}
}

func (c *EventConsumer) handle(ctx context.Context, msg kafka.Message) {
	log := c.log.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var ev models.TriggerEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.WithError(err).Warn("malformed event skipped")
		return
	}
	if ev.Source == "" {
		ev.Source = "kafka:" + msg.Topic
	}

	for attempt := 1; ; attempt++ {
		res, err := c.handler.OnEvent(ctx, ev)
		if err == nil {
			if res.Enrolled > 0 {
				log.WithFields(logrus.Fields{
					"subject_id": ev.SubjectID,
					"enrolled":   res.Enrolled,
				}).Info("event enrolled subject")
			}
			return
		}
		if errors.Is(err, trigger.ErrInvalidEvent) {
			log.WithError(err).Warn("invalid event skipped")
			return
		}
		if attempt >= c.maxRetries || !c.sleep(ctx) {
			// The offset is committed anyway. Backfill enrolls the subject
			// later from its recorded tag or milestone history.
			log.WithError(err).WithFields(logrus.Fields{
				"subject_id":        ev.SubjectID,
				"attempts":          attempt,
				"left_for_backfill": true,
			}).Warn("event dropped after retries")
			utils.LogError("event_consumer", err, map[string]interface{}{
				"topic":             msg.Topic,
				"offset":            msg.Offset,
				"subject_id":        ev.SubjectID,
				"event_kind":        ev.EventKind,
				"left_for_backfill": true,
			})
			return
		}
	}
}

func (c *EventConsumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}
