package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripline/dispatch"
	"dripline/models"
	"dripline/trigger"
)

type countingTicker struct {
	mu    sync.Mutex
	ticks int
}

func (c *countingTicker) Tick(context.Context, time.Time) (dispatch.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return dispatch.Result{}, nil
}

func (c *countingTicker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func TestDispatchWorkerTicksUntilCancelled(t *testing.T) {
	ticker := &countingTicker{}
	w := NewDispatchWorker(ticker, 10*time.Millisecond, 0, logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ticker.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeHandler struct {
	mu       sync.Mutex
	events   []models.TriggerEvent
	failures int
}

func (h *fakeHandler) OnEvent(_ context.Context, ev models.TriggerEvent) (trigger.MatchResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return trigger.MatchResult{}, errors.New("database is locked")
	}
	if ev.SubjectID == 0 {
		return trigger.MatchResult{}, trigger.ErrInvalidEvent
	}
	h.events = append(h.events, ev)
	return trigger.MatchResult{Enrolled: 1}, nil
}

func TestEventConsumerHandlesAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "subject-events", Offset: 1, Value: []byte(`{"subject_id":7,"event_kind":"tag-added","tag_id":3}`)},
		{Topic: "subject-events", Offset: 2, Value: []byte(`not json`)},
		{Topic: "subject-events", Offset: 3, Value: []byte(`{"event_kind":"tag-added","tag_id":3}`)},
		{Topic: "subject-events", Offset: 4, Value: []byte(`{"subject_id":8,"event_kind":"milestone-reached","milestone_id":"trial-started","source":"billing"}`)},
	}}
	handler := &fakeHandler{failures: 1}
	c := NewEventConsumer(reader, handler, logrus.New())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits())
	assert.True(t, reader.closed)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.events, 2)
	assert.Equal(t, uint(7), handler.events[0].SubjectID)
	assert.Equal(t, "kafka:subject-events", handler.events[0].Source)
	assert.Equal(t, "billing", handler.events[1].Source)
}

func TestEventConsumerCommitsEventAfterRetriesRunOut(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "subject-events", Offset: 9, Value: []byte(`{"subject_id":7,"event_kind":"tag-added","tag_id":3}`)},
	}}
	handler := &fakeHandler{failures: 10}
	logger, hook := logtest.NewNullLogger()
	c := NewEventConsumer(reader, handler, logger)
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{9}, reader.commits())
	handler.mu.Lock()
	assert.Empty(t, handler.events)
	assert.Equal(t, 7, handler.failures, "three attempts before giving up")
	handler.mu.Unlock()

	var dropped *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Message == "event dropped after retries" {
			dropped = entry
		}
	}
	require.NotNil(t, dropped)
	assert.Equal(t, true, dropped.Data["left_for_backfill"])
	assert.Equal(t, 3, dropped.Data["attempts"])
}
