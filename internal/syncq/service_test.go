package syncq

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratasync.io/internal/rbac"
)

type captureObserver struct {
	mu     sync.Mutex
	events []CompletionEvent
}

func (c *captureObserver) SyncCompleted(event CompletionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureObserver) all() []CompletionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CompletionEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newItem(t *testing.T, s *InMemory, role rbac.Role) Item {
	t.Helper()
	item, err := s.RegisterItem(context.Background(), RegisterItemRequest{
		OwnerID:   "owner-1",
		OwnerRole: role,
		MissionID: "mission-1",
		Name:      "layer.geojson",
	})
	require.NoError(t, err)
	return item
}

func enqueue(t *testing.T, s *InMemory, item Item, actor Actor, version int64) Entry {
	t.Helper()
	entry, err := s.Enqueue(context.Background(), EnqueueRequest{
		ItemID:         item.ID,
		SourceDeviceID: "dev-1",
		SourceVersion:  version,
		Requester:      actor,
	})
	require.NoError(t, err)
	return entry
}

func TestRoundTripAdvancesVersion(t *testing.T) {
	obs := &captureObserver{}
	s := NewInMemory(WithObserver(obs))
	ctx := context.Background()

	item := newItem(t, s, rbac.RoleUser)
	require.Equal(t, int64(1), item.Version)
	require.Equal(t, ItemPending, item.Status)

	actor := Actor{UserID: "user-1", Role: rbac.RoleUser}
	enqueue(t, s, item, actor, item.Version)

	entry, ok, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EntryInProgress, entry.Status)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemSyncing, got.Status)

	require.NoError(t, s.MarkCompleted(ctx, entry.ID, ""))

	got, err = s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, ItemSynced, got.Status)
	require.Len(t, obs.all(), 1)
	assert.Equal(t, ActionValidated, obs.all()[0].Action)
	assert.Equal(t, "mission-1", obs.all()[0].MissionID)

	// A second pass with the stale version is a conflict.
	stale := enqueue(t, s, item, actor, 1)
	_, err = s.Start(ctx, stale.ID)
	require.NoError(t, err)
	conflict, err := s.DetectConflict(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, conflict)
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	itemA := newItem(t, s, rbac.RoleUser)
	itemB := newItem(t, s, rbac.RoleUser)
	itemC := newItem(t, s, rbac.RoleUser)

	first := enqueue(t, s, itemA, Actor{UserID: "u1", Role: rbac.RoleUser}, 1)
	second := enqueue(t, s, itemB, Actor{UserID: "u2", Role: rbac.RoleAdmin}, 1)
	third := enqueue(t, s, itemC, Actor{UserID: "u3", Role: rbac.RoleUser}, 1)

	e, ok, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, e.ID, "admin priority wins")

	e, ok, err = s.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, e.ID, "earliest same-priority entry wins")

	e, ok, err = s.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, third.ID, e.ID)

	_, ok, err = s.DequeueNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAtMostOneInFlightPerItem(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	item := newItem(t, s, rbac.RoleUser)
	actor := Actor{UserID: "u1", Role: rbac.RoleUser}
	for i := 0; i < 20; i++ {
		enqueue(t, s, item, actor, 1)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []Entry
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, ok, err := s.DequeueNext(ctx)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			claimed = append(claimed, e)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, claimed, 1, "only one entry per item may be in flight")

	// Finishing the in-flight entry frees the item for the next one.
	require.NoError(t, s.MarkFailed(ctx, claimed[0].ID, FailureTransport))
	_, ok, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnqueueValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	item := newItem(t, s, rbac.RoleUser)

	_, err := s.Enqueue(ctx, EnqueueRequest{
		ItemID:         item.ID,
		SourceDeviceID: "dev-1",
		Requester:      Actor{UserID: "u1", Role: rbac.Role("ghost")},
	})
	require.ErrorIs(t, err, rbac.ErrUnknownRole)

	_, err = s.Enqueue(ctx, EnqueueRequest{
		ItemID:         "missing",
		SourceDeviceID: "dev-1",
		Requester:      Actor{UserID: "u1", Role: rbac.RoleUser},
	})
	require.ErrorIs(t, err, ErrUnknownItem)
}

func TestWithdrawOnlyPending(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	item := newItem(t, s, rbac.RoleUser)
	actor := Actor{UserID: "u1", Role: rbac.RoleUser}

	pending := enqueue(t, s, item, actor, 1)
	require.NoError(t, s.Withdraw(ctx, pending.ID))
	_, err := s.GetEntry(ctx, pending.ID)
	require.ErrorIs(t, err, ErrUnknownEntry)

	started := enqueue(t, s, item, actor, 1)
	_, err = s.Start(ctx, started.ID)
	require.NoError(t, err)
	require.ErrorIs(t, s.Withdraw(ctx, started.ID), ErrInvalidTransition)
}

func TestMarkFailedSetsItemError(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	item := newItem(t, s, rbac.RoleUser)
	entry := enqueue(t, s, item, Actor{UserID: "u1", Role: rbac.RoleUser}, 1)
	_, err := s.Start(ctx, entry.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, entry.ID, FailureTransport))

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemError, got.Status)
	assert.Equal(t, int64(1), got.Version, "failure never bumps the version")
	require.NotEmpty(t, got.Audit)
	assert.Equal(t, "failed", got.Audit[len(got.Audit)-1].Event)
}

func TestTerminalTransitionsRequireInProgress(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	item := newItem(t, s, rbac.RoleUser)
	entry := enqueue(t, s, item, Actor{UserID: "u1", Role: rbac.RoleUser}, 1)

	require.ErrorIs(t, s.MarkCompleted(ctx, entry.ID, ""), ErrInvalidTransition)
	require.ErrorIs(t, s.MarkFailed(ctx, entry.ID, FailureInternal), ErrInvalidTransition)

	_, err := s.Start(ctx, entry.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, entry.ID, ""))
	require.ErrorIs(t, s.MarkCompleted(ctx, entry.ID, ""), ErrInvalidTransition)
}
