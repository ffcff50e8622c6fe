package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convpipe/internal/domain"
)

func schedule(t *testing.T, s *SQLiteStore, counterpart, kind string, at time.Time) *domain.ScheduledMessage {
	t.Helper()
	m := &domain.ScheduledMessage{
		Tenant:             "acme",
		CounterpartAddress: counterpart,
		Kind:               kind,
		Content:            "checking in",
		ScheduledFor:       at,
	}
	require.NoError(t, s.CreateScheduled(context.Background(), m))
	return m
}

func TestCreateScheduled_Defaults(t *testing.T) {
	s := newTestStore(t)
	m := schedule(t, s, "alice", domain.KindReminder, time.Now().Add(time.Hour))

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, domain.StatusPending, m.Status)
	assert.Equal(t, domain.DefaultMaxRetries, m.MaxRetries)

	got, err := s.GetScheduled(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CounterpartAddress)
	assert.Nil(t, got.SentAt)
	assert.Nil(t, got.NextRetryAt)

	_, err = s.GetScheduled(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindDue_OrdersAndLimits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	late := schedule(t, s, "a", domain.KindCustom, now.Add(-time.Minute))
	early := schedule(t, s, "b", domain.KindCustom, now.Add(-time.Hour))
	schedule(t, s, "c", domain.KindCustom, now.Add(time.Hour))

	due, err := s.FindDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	one, err := s.FindDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestUpdateStatus_Conditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := schedule(t, s, "alice", domain.KindCustom, time.Now())

	sentAt := time.Now()
	ok, err := s.UpdateStatus(ctx, m.ID, domain.Transition{
		From:   []domain.ScheduleStatus{domain.StatusPending},
		To:     domain.StatusSent,
		SentAt: &sentAt,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// A second poller racing on the same record loses.
	ok, err = s.UpdateStatus(ctx, m.ID, domain.Transition{
		From: []domain.ScheduleStatus{domain.StatusPending},
		To:   domain.StatusSent,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetScheduled(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
}

func TestUpdateStatus_RetryBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := schedule(t, s, "alice", domain.KindCustom, time.Now())

	ok, err := s.UpdateStatus(ctx, m.ID, domain.Transition{
		From:       []domain.ScheduleStatus{domain.StatusPending},
		To:         domain.StatusFailed,
		RetryCount: m.MaxRetries + 1,
	})
	require.NoError(t, err)
	assert.False(t, ok, "retry count may not exceed max retries")
}

func TestFindRetryDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	retry := schedule(t, s, "a", domain.KindCustom, now.Add(-time.Hour))
	exhausted := schedule(t, s, "b", domain.KindCustom, now.Add(-time.Hour))
	notYet := schedule(t, s, "c", domain.KindCustom, now.Add(-time.Hour))

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	fail := func(id string, count int, next *time.Time) {
		ok, err := s.UpdateStatus(ctx, id, domain.Transition{
			From: []domain.ScheduleStatus{domain.StatusPending}, To: domain.StatusFailed,
			RetryCount: count, NextRetryAt: next, ErrorMessage: "transport down",
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
	fail(retry.ID, 1, &past)
	fail(exhausted.ID, 3, nil)
	fail(notYet.ID, 1, &future)

	due, err := s.FindRetryDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, retry.ID, due[0].ID)
	assert.Equal(t, "transport down", due[0].ErrorMessage)
}

func TestCancelScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := schedule(t, s, "alice", domain.KindFollowUp, now.Add(time.Hour))
	b := schedule(t, s, "alice", domain.KindFollowUp, now.Add(2*time.Hour))
	inFlight := schedule(t, s, "alice", domain.KindFollowUp, now.Add(-time.Minute))
	reminder := schedule(t, s, "alice", domain.KindReminder, now.Add(time.Hour))
	sent := schedule(t, s, "alice", domain.KindFollowUp, now.Add(-time.Hour))
	_, err := s.UpdateStatus(ctx, sent.ID, domain.Transition{
		From: []domain.ScheduleStatus{domain.StatusPending}, To: domain.StatusSent, SentAt: &now,
	})
	require.NoError(t, err)

	f := domain.ScheduleFilter{Tenant: "acme", Counterpart: "alice", Kind: domain.KindFollowUp}
	n, err := s.CancelScheduled(ctx, f, []string{inFlight.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]domain.ScheduleStatus{
		a.ID:        domain.StatusCancelled,
		b.ID:        domain.StatusCancelled,
		inFlight.ID: domain.StatusPending,
		reminder.ID: domain.StatusPending,
		sent.ID:     domain.StatusSent,
	} {
		got, err := s.GetScheduled(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	// Cancelling again changes nothing.
	n, err = s.CancelScheduled(ctx, f, []string{inFlight.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	schedule(t, s, "a", domain.KindCustom, now)
	f := schedule(t, s, "b", domain.KindCustom, now.Add(time.Minute))
	x := schedule(t, s, "c", domain.KindCustom, now.Add(2*time.Minute))
	c := schedule(t, s, "d", domain.KindNurture, now.Add(3*time.Minute))

	next := now.Add(15 * time.Minute)
	_, err := s.UpdateStatus(ctx, f.ID, domain.Transition{
		From: []domain.ScheduleStatus{domain.StatusPending}, To: domain.StatusFailed, RetryCount: 1, NextRetryAt: &next,
	})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, x.ID, domain.Transition{
		From: []domain.ScheduleStatus{domain.StatusPending}, To: domain.StatusFailed, RetryCount: 3,
	})
	require.NoError(t, err)
	_, err = s.CancelScheduled(ctx, domain.ScheduleFilter{ID: c.ID}, nil)
	require.NoError(t, err)

	stats, err := s.ScheduledStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStats{Pending: 1, Failed: 1, Exhausted: 1, Cancelled: 1, Total: 4}, stats)

	other, err := s.ScheduledStats(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, 0, other.Total)

	failed, err := s.ListScheduled(ctx, domain.ScheduleFilter{Status: domain.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, f.ID, failed[0].ID)
	assert.True(t, failed[1].Exhausted())

	nurture, err := s.ListScheduled(ctx, domain.ScheduleFilter{Kind: domain.KindNurture})
	require.NoError(t, err)
	require.Len(t, nurture, 1)
	assert.Equal(t, domain.StatusCancelled, nurture[0].Status)
}
