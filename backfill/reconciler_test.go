package backfill

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

func setup(t *testing.T) (*Reconciler, *store.Store, *models.Sequence) {
	t.Helper()
	ctx := context.Background()
	st := store.New(storetest.Open(t))
	seq, err := st.Catalog.Upsert(ctx, store.SequenceDefinition{
		Slug: "trial", Name: "Trial", IsActive: true, TriggerType: "trial-started",
		Steps: []models.SequenceStep{{Order: 0, Subject: "a", IsActive: true}},
	})
	require.NoError(t, err)

	for id := uint(1); id <= 5; id++ {
		require.NoError(t, st.Subjects.RecordMilestone(ctx, id, "trial-started", "import", t0))
	}
	require.NoError(t, st.Subjects.RecordMilestone(ctx, 99, "churned", "import", t0))

	r := NewReconciler(st, logrus.New()).WithClock(func() time.Time { return t0.Add(time.Hour) })
	return r, st, seq
}

func TestReconcileEnrollsMissingSubjects(t *testing.T) {
	r, st, seq := setup(t)
	ctx := context.Background()

	_, err := st.Enrollments.Enroll(ctx, store.EnrollRequest{SubjectID: 2, Sequence: seq, Now: t0})
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, Criteria{Slug: "trial", BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, Result{Sequence: "trial", Checked: 5, Enrolled: 4, Skipped: 1}, res)

	_, total, err := st.Enrollments.List(ctx, store.ListFilter{SequenceID: seq.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)

	again, err := r.Reconcile(ctx, Criteria{SequenceID: seq.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Enrolled, "repeat runs are no-ops")
	assert.Equal(t, 5, again.Skipped)

	reloaded, err := st.Catalog.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.TotalEnrolled)
}

func TestReconcileLeavesTerminalUnlessAsked(t *testing.T) {
	r, st, seq := setup(t)
	ctx := context.Background()

	res, err := st.Enrollments.Enroll(ctx, store.EnrollRequest{SubjectID: 3, Sequence: seq, Now: t0})
	require.NoError(t, err)
	_, err = st.Enrollments.Apply(ctx, res.Enrollment.ID, func(e *models.Enrollment, _ []models.SequenceStep) (engine.Counter, error) {
		return engine.Exit(e, t0, "")
	})
	require.NoError(t, err)

	out, err := r.Reconcile(ctx, Criteria{Slug: "trial"})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Enrolled)
	e, err := st.Enrollments.Get(ctx, res.Enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentExited, e.Status)

	out, err = r.Reconcile(ctx, Criteria{Slug: "trial", ReactivateTerminal: true})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Enrolled)
	e, err = st.Enrollments.Get(ctx, res.Enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, e.Status)
	assert.Equal(t, "backfill", e.Source)
}

func TestReconcileSinceAndInactive(t *testing.T) {
	r, st, seq := setup(t)
	ctx := context.Background()

	require.NoError(t, st.Subjects.RecordMilestone(ctx, 7, "trial-started", "crm", t0.Add(48*time.Hour)))
	since := t0.Add(24 * time.Hour)
	res, err := r.Reconcile(ctx, Criteria{Slug: "trial", Since: &since})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Enrolled)

	require.NoError(t, st.Catalog.SetActive(ctx, seq.ID, false))
	_, err = r.Reconcile(ctx, Criteria{Slug: "trial"})
	assert.True(t, errors.Is(err, ErrInactiveSequence))

	_, err = r.Reconcile(ctx, Criteria{Slug: "missing"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
