package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripline/engine"
	"dripline/models"
	"dripline/store"
	"dripline/store/storetest"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	st      *store.Store
	matcher *Matcher
	clock   time.Time
	tag     uint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{st: store.New(storetest.Open(t)), clock: t0}
	f.matcher = NewMatcher(f.st, logrus.New()).WithClock(func() time.Time { return f.clock })

	steps := []models.SequenceStep{
		{Order: 0, Subject: "Hi", IsActive: true},
		{Order: 1, DelayDays: 1, Subject: "Day two", IsActive: true},
	}
	welcome, err := f.st.Catalog.Upsert(ctx, store.SequenceDefinition{
		Slug: "welcome", Name: "Welcome", IsActive: true, TriggerTag: "new-lead", Steps: steps,
	})
	require.NoError(t, err)
	f.tag = *welcome.TriggerTagID

	_, err = f.st.Catalog.Upsert(ctx, store.SequenceDefinition{
		Slug: "nurture", Name: "Nurture", IsActive: true, TriggerTag: "new-lead", Steps: steps,
	})
	require.NoError(t, err)
	_, err = f.st.Catalog.Upsert(ctx, store.SequenceDefinition{
		Slug: "retired", Name: "Retired", IsActive: false, TriggerTag: "new-lead", Steps: steps,
	})
	require.NoError(t, err)
	_, err = f.st.Catalog.Upsert(ctx, store.SequenceDefinition{
		Slug: "trial", Name: "Trial", IsActive: true, TriggerType: "trial-started",
		Steps: []models.SequenceStep{{Order: 0, DelayHours: 2, Subject: "Trial", IsActive: true}},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) tagEvent(subject uint) models.TriggerEvent {
	return models.TriggerEvent{SubjectID: subject, EventKind: models.EventTagAdded, TagID: f.tag, Source: "crm"}
}

func TestTagEventEnrollsIntoActiveSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.matcher.OnEvent(ctx, f.tagEvent(7))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enrolled)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "welcome", res.Matches[0].Slug)
	assert.Equal(t, store.OutcomeCreated, res.Matches[0].Status)
	assert.NotZero(t, res.Matches[0].EnrollmentID)

	e, err := f.st.Enrollments.Get(ctx, res.Matches[0].EnrollmentID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, e.Status)
	assert.Equal(t, 0, e.CurrentStepIndex)
	assert.Equal(t, t0, e.NextSendAt.UTC())
	assert.Equal(t, "crm", e.Source)
}

func TestSameEventTwiceEnrollsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.matcher.OnEvent(ctx, f.tagEvent(7))
	require.NoError(t, err)
	f.clock = t0.Add(time.Minute)
	res, err := f.matcher.OnEvent(ctx, f.tagEvent(7))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Enrolled)
	for _, m := range res.Matches {
		assert.Equal(t, store.OutcomeAlreadyEnrolled, m.Status)
	}
	rows, total, err := f.st.Enrollments.List(ctx, store.ListFilter{SubjectID: 7, Status: models.EnrollmentActive})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, rows, 2)

	seq, err := f.st.Catalog.GetBySlug(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 1, seq.TotalEnrolled)
}

func TestRetriggerReactivatesTerminalEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.matcher.OnEvent(ctx, f.tagEvent(7))
	require.NoError(t, err)
	id := res.Matches[0].EnrollmentID
	_, err = f.st.Enrollments.Apply(ctx, id, func(e *models.Enrollment, steps []models.SequenceStep) (engine.Counter, error) {
		return engine.Exit(e, t0, "manual")
	})
	require.NoError(t, err)

	f.clock = t0.Add(48 * time.Hour)
	res, err = f.matcher.OnEvent(ctx, f.tagEvent(7))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrolled)
	assert.Equal(t, store.OutcomeReactivated, res.Matches[0].Status)

	e, err := f.st.Enrollments.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, e.Status)
	assert.Nil(t, e.ExitedAt)
	assert.Empty(t, e.ExitReason)
	assert.Equal(t, f.clock, e.NextSendAt.UTC())
}

func TestMilestoneEventUsesTriggerType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.matcher.OnEvent(ctx, models.TriggerEvent{
		SubjectID: 3, EventKind: models.EventMilestoneReached, MilestoneID: "trial-started", Source: "billing",
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "trial", res.Matches[0].Slug)

	e, err := f.st.Enrollments.Get(ctx, res.Matches[0].EnrollmentID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), e.NextSendAt.UTC())

	seq, err := f.st.Catalog.GetBySlug(ctx, "trial")
	require.NoError(t, err)
	candidates, err := f.st.Subjects.Qualifying(ctx, store.QualifyQuery{Sequence: seq})
	require.NoError(t, err)
	require.Len(t, candidates, 1, "milestone is kept in the subject's history")
}

func TestUnknownTagIsSkipped(t *testing.T) {
	f := newFixture(t)

	res, err := f.matcher.OnEvent(context.Background(), models.TriggerEvent{
		SubjectID: 1, EventKind: models.EventTagAdded, TagID: 9999,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enrolled)
	assert.Empty(t, res.Matches)
}

func TestInvalidEventIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.matcher.OnEvent(context.Background(), models.TriggerEvent{SubjectID: 1, EventKind: models.EventTagAdded})
	assert.True(t, errors.Is(err, ErrInvalidEvent))

	_, err = f.matcher.OnEvent(context.Background(), models.TriggerEvent{SubjectID: 1, EventKind: "page-view"})
	assert.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestEventWithProfileRegistersSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.tagEvent(42)
	ev.Subject = &models.SubjectProfile{Email: "Ada@Example.com", FirstName: "Ada"}
	res, err := f.matcher.OnEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enrolled)

	subject, err := f.st.Subjects.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", subject.Email)
	assert.Equal(t, "Ada", subject.FirstName)

	f.clock = t0.Add(time.Minute)
	ev.Subject = &models.SubjectProfile{Email: "ada@example.com", FirstName: "Ada", Company: "Analytical"}
	_, err = f.matcher.OnEvent(ctx, ev)
	require.NoError(t, err)

	subject, err = f.st.Subjects.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "Analytical", subject.Company)
}

func TestEventWithInvalidProfileIsRejected(t *testing.T) {
	f := newFixture(t)

	ev := f.tagEvent(42)
	ev.Subject = &models.SubjectProfile{Email: "not-an-email"}
	_, err := f.matcher.OnEvent(context.Background(), ev)
	assert.True(t, errors.Is(err, ErrInvalidEvent))

	_, err = f.st.Subjects.Get(context.Background(), 42)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
