package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratasync.io/internal/syncq"
)

func fixedTracker(t *testing.T, now time.Time) *Tracker {
	t.Helper()
	tr, err := NewTracker(NewInMemory())
	require.NoError(t, err)
	tr.now = func() time.Time { return now }
	return tr
}

func event(itemID, missionID string, action syncq.Action, ts time.Time) syncq.CompletionEvent {
	return syncq.CompletionEvent{
		ItemID:    itemID,
		MissionID: missionID,
		UserID:    "user-1",
		Action:    action,
		Timestamp: ts,
	}
}

func TestRecordEventIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tr := fixedTracker(t, now)
	ctx := context.Background()

	ev := event("item-1", "m1", syncq.ActionValidated, now.Add(-time.Hour))
	require.NoError(t, tr.RecordEvent(ctx, ev))
	require.NoError(t, tr.RecordEvent(ctx, ev)) // duplicate delivery

	stats, err := tr.StatsByMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Validated)
	assert.Equal(t, 1, stats.TotalFeatures)
}

func TestStatsByMission(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tr := fixedTracker(t, now)
	ctx := context.Background()

	require.NoError(t, tr.RecordEvent(ctx, event("item-1", "m1", syncq.ActionValidated, now.Add(-time.Hour))))
	require.NoError(t, tr.RecordEvent(ctx, event("item-2", "m1", syncq.ActionMerged, now.Add(-2*time.Hour))))
	require.NoError(t, tr.RecordEvent(ctx, event("item-2", "m1", syncq.ActionEnriched, now.Add(-3*time.Hour))))
	require.NoError(t, tr.RecordEvent(ctx, event("item-9", "other", syncq.ActionValidated, now.Add(-time.Hour))))

	stats, err := tr.StatsByMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Validated)
	assert.Equal(t, 1, stats.Merged)
	assert.Equal(t, 1, stats.Enriched)
	assert.Equal(t, 2, stats.TotalFeatures, "distinct items, not events")
	assert.InDelta(t, 0.5, stats.CompletionRate, 1e-9)
	assert.InDelta(t, 0.5, stats.EnrichmentRate, 1e-9)
}

func TestStatsEmptyMissionHasZeroRates(t *testing.T) {
	tr := fixedTracker(t, time.Now().UTC())
	stats, err := tr.StatsByMission(context.Background(), "empty")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalFeatures)
	assert.Zero(t, stats.CompletionRate, "division by zero is defined as 0")
	assert.Zero(t, stats.EnrichmentRate)
}

func TestCompletionHistoryExactBucketCount(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tr := fixedTracker(t, now)
	ctx := context.Background()

	history, err := tr.CompletionHistory(ctx, "m1", 30)
	require.NoError(t, err)
	require.Len(t, history, 30, "exactly days buckets even with zero events")
	for i, bucket := range history {
		assert.Zero(t, bucket.Completed)
		if i > 0 {
			assert.True(t, bucket.Date.After(history[i-1].Date), "oldest first")
		}
	}
}

func TestCompletionHistoryBucketsEvents(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tr := fixedTracker(t, now)
	ctx := context.Background()

	require.NoError(t, tr.RecordEvent(ctx, event("item-1", "m1", syncq.ActionValidated, now.Add(-2*time.Hour))))
	require.NoError(t, tr.RecordEvent(ctx, event("item-2", "m1", syncq.ActionMerged, now.Add(-30*time.Hour))))
	// Outside the window: ignored.
	require.NoError(t, tr.RecordEvent(ctx, event("item-3", "m1", syncq.ActionValidated, now.Add(-10*24*time.Hour))))

	history, err := tr.CompletionHistory(ctx, "m1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, 0, history[0].Completed)
	assert.Equal(t, 1, history[1].Completed)
	assert.Equal(t, 1, history[1].Merged)
	assert.Equal(t, 1, history[2].Completed)
	assert.Equal(t, 1, history[2].Validated)
}

func TestCompletionHistoryRejectsNonPositiveDays(t *testing.T) {
	tr := fixedTracker(t, time.Now().UTC())
	_, err := tr.CompletionHistory(context.Background(), "m1", 0)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRunConsumesChannel(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tr := fixedTracker(t, now)

	ch := make(chan syncq.CompletionEvent, 2)
	ch <- event("item-1", "m1", syncq.ActionValidated, now.Add(-time.Hour))
	ch <- event("item-2", "m1", syncq.ActionEnriched, now.Add(-time.Hour))
	close(ch)

	tr.Run(context.Background(), ch)

	stats, err := tr.StatsByMission(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFeatures)
}
