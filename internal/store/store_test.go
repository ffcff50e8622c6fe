package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convpipe/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "convpipe.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendN(t *testing.T, s *SQLiteStore, convID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := s.AppendMessage(ctx, convID, domain.Message{
			Direction: domain.Inbound,
			Body:      fmt.Sprintf("message %d", i),
			SentBy:    domain.SentByCounterpart,
		})
		require.NoError(t, err)
	}
}

func TestFindOrCreate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.FindOrCreate(ctx, "acme", "+15550001")
	require.NoError(t, err)
	b, err := s.FindOrCreate(ctx, "acme", "+15550001")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.True(t, a.ResponderEnabled, "responder is enabled on first contact")
	assert.Equal(t, 0, a.MessageCount)
	assert.Equal(t, int64(0), a.SummaryVersion)

	other, err := s.FindOrCreate(ctx, "globex", "+15550001")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID, "same address under another tenant is a separate conversation")
}

func TestFindOrCreate_ConcurrentFirstContact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.FindOrCreate(ctx, "acme", "alice")
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, "acme", "alice")
	require.NoError(t, err)

	appendN(t, s, conv.ID, 5)

	all, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.Equal(t, i, m.Seq)
		assert.Equal(t, fmt.Sprintf("message %d", i), m.Body)
		assert.Equal(t, domain.Inbound, m.Direction)
	}

	page, err := s.ListMessages(ctx, conv.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 2, page[0].Seq)
	assert.Equal(t, 3, page[1].Seq)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendMessage(context.Background(), "nope", domain.Message{Body: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestImportHistory_SortsByTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, "acme", "bob")
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n, err := s.ImportHistory(ctx, conv.ID, []domain.Message{
		{Body: "third", CreatedAt: base.Add(2 * time.Minute), Direction: domain.Inbound},
		{Body: "first", CreatedAt: base, Direction: domain.Inbound},
		{Body: "second", CreatedAt: base.Add(time.Minute), Direction: domain.Outbound},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)
	assert.Equal(t, "third", msgs[2].Body)
	assert.True(t, msgs[0].CreatedAt.Equal(base))
}

func TestUpdateSummary_OptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, "acme", "alice")
	require.NoError(t, err)
	appendN(t, s, conv.ID, 12)

	sum := domain.Summary{
		LastSummarizedIndex: 10,
		Text:                "asked about pricing",
		Stage:               "qualifying",
		Facts:               domain.ExtractedFacts{Name: "Alice", Decisions: []string{"wants demo"}},
	}
	require.NoError(t, s.UpdateSummary(ctx, conv.ID, 0, sum))

	// Same expected version again is stale.
	err = s.UpdateSummary(ctx, conv.ID, 0, sum)
	require.Error(t, err)
	assert.True(t, domain.IsVersionConflict(err))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SummaryVersion)
	assert.Equal(t, 10, got.Summary.LastSummarizedIndex)
	assert.Equal(t, "Alice", got.Summary.Facts.Name)
	assert.Equal(t, []string{"wants demo"}, got.Summary.Facts.Decisions)
	assert.False(t, got.Summary.LastUpdated.IsZero())
	assert.Equal(t, 2, got.Unsummarized())
}

func TestUpdateSummary_CursorBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, "acme", "alice")
	require.NoError(t, err)
	appendN(t, s, conv.ID, 4)

	err = s.UpdateSummary(ctx, conv.ID, 0, domain.Summary{LastSummarizedIndex: 5})
	assert.ErrorIs(t, err, domain.ErrInvalidSummary, "cursor past the log")

	require.NoError(t, s.UpdateSummary(ctx, conv.ID, 0, domain.Summary{LastSummarizedIndex: 3}))
	err = s.UpdateSummary(ctx, conv.ID, 1, domain.Summary{LastSummarizedIndex: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidSummary, "cursor moving backwards")
}

func TestSetResponderEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, "acme", "alice")
	require.NoError(t, err)

	require.NoError(t, s.SetResponderEnabled(ctx, conv.ID, false))
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.ResponderEnabled)

	assert.ErrorIs(t, s.SetResponderEnabled(ctx, "missing", true), domain.ErrNotFound)
}

func TestListSummarizedSinceAndTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	for _, who := range []string{"a", "b", "c"} {
		conv, err := s.FindOrCreate(ctx, "acme", who)
		require.NoError(t, err)
		appendN(t, s, conv.ID, 1)
		if who == "c" {
			continue // never summarized
		}
		clock = clock.Add(time.Hour)
		require.NoError(t, s.UpdateSummary(ctx, conv.ID, 0, domain.Summary{LastSummarizedIndex: 1, Text: who}))
	}
	_, err := s.FindOrCreate(ctx, "globex", "z")
	require.NoError(t, err)

	convs, err := s.ListSummarizedSince(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "a", convs[0].Summary.Text)
	assert.Equal(t, "b", convs[1].Summary.Text)

	assert.Less(t, convs[0].SummarySeq, convs[1].SummarySeq)
	later, err := s.ListSummarizedSince(ctx, "acme", convs[0].SummarySeq, 0)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "b", later[0].Summary.Text)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, tenants)
}

func TestListSummarizedSince_SameMillisecondWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	summarize := func(who string) {
		conv, err := s.FindOrCreate(ctx, "acme", who)
		require.NoError(t, err)
		appendN(t, s, conv.ID, 1)
		require.NoError(t, s.UpdateSummary(ctx, conv.ID, 0, domain.Summary{LastSummarizedIndex: 1, Text: who}))
	}

	// Written in reverse id order within one millisecond.
	summarize("zed")
	first, err := s.ListSummarizedSince(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	cursor := first[0].SummarySeq

	summarize("amy")
	next, err := s.ListSummarizedSince(ctx, "acme", cursor, 0)
	require.NoError(t, err)
	require.Len(t, next, 1, "a summary written in the cursor's millisecond must not be skipped")
	assert.Equal(t, "amy", next[0].Summary.Text)
	assert.True(t, next[0].Summary.LastUpdated.Equal(first[0].Summary.LastUpdated))
}

func TestTenantSummary_Versioned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.GetTenantSummary(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Version)
	assert.Empty(t, empty.Text)

	cursor := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	ts := domain.TenantSummary{
		Tenant:               "acme",
		Text:                 "most leads ask about pricing",
		Insights:             []string{"pricing page unclear"},
		ConversationsCovered: 2,
		Cursor:               cursor,
		CursorSeq:            7,
	}
	require.NoError(t, s.UpdateTenantSummary(ctx, 0, ts))

	err = s.UpdateTenantSummary(ctx, 0, ts)
	assert.True(t, domain.IsVersionConflict(err))

	got, err := s.GetTenantSummary(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []string{"pricing page unclear"}, got.Insights)
	assert.True(t, got.Cursor.Equal(cursor))
	assert.Equal(t, int64(7), got.CursorSeq)
	assert.Equal(t, 2, got.ConversationsCovered)
}
