// Package stats is the read-side aggregator over the completion event
// stream. It owns no queue state: everything is recomputed from the
// append-only event log.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stratasync.io/internal/syncq"
)

var (
	ErrInvalidInput = errors.New("stats: invalid input")
)

// Store persists completion events append-only. AppendEvent reports false
// when the event identity (item+action+timestamp) was already recorded, which
// makes upstream at-least-once delivery safe.
type Store interface {
	AppendEvent(ctx context.Context, event syncq.CompletionEvent) (bool, error)
	EventsByMission(ctx context.Context, missionID string) ([]syncq.CompletionEvent, error)
}

// Stats are the per-mission completion counters.
type Stats struct {
	Validated      int     `json:"validated"`
	Merged         int     `json:"merged"`
	Enriched       int     `json:"enriched"`
	Modified       int     `json:"modified"`
	TotalFeatures  int     `json:"total_features"`
	CompletionRate float64 `json:"completion_rate"`
	EnrichmentRate float64 `json:"enrichment_rate"`
}

// Bucket is one fixed 24-hour window of completion history.
type Bucket struct {
	Date      time.Time `json:"date"`
	Completed int       `json:"completed"`
	Validated int       `json:"validated"`
	Merged    int       `json:"merged"`
	Enriched  int       `json:"enriched"`
}

// Tracker aggregates completion events per mission.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker constructs a Tracker over the given store.
func NewTracker(store Store) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	return &Tracker{store: store, now: time.Now}, nil
}

// RecordEvent appends a completion event. Duplicate identities count once.
func (t *Tracker) RecordEvent(ctx context.Context, event syncq.CompletionEvent) error {
	if strings.TrimSpace(event.ItemID) == "" {
		return fmt.Errorf("%w: item_id is required", ErrInvalidInput)
	}
	if event.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now().UTC()
	}
	_, err := t.store.AppendEvent(ctx, event)
	return err
}

// SyncCompleted implements syncq.Observer for direct, synchronous wiring into
// the queue. Storage errors are dropped; the event can be replayed.
func (t *Tracker) SyncCompleted(event syncq.CompletionEvent) {
	_ = t.RecordEvent(context.Background(), event)
}

// Run consumes events from a subscription channel until it closes. Intended
// to be launched as a goroutine next to a stream.Bus subscription.
func (t *Tracker) Run(ctx context.Context, events <-chan syncq.CompletionEvent) {
	for event := range events {
		_ = t.RecordEvent(ctx, event)
	}
}

// StatsByMission recomputes the mission counters from the event log.
func (t *Tracker) StatsByMission(ctx context.Context, missionID string) (Stats, error) {
	events, err := t.store.EventsByMission(ctx, missionID)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	items := make(map[string]struct{})
	for _, event := range events {
		items[event.ItemID] = struct{}{}
		switch event.Action {
		case syncq.ActionValidated:
			s.Validated++
		case syncq.ActionMerged:
			s.Merged++
		case syncq.ActionEnriched:
			s.Enriched++
		case syncq.ActionModified:
			s.Modified++
		}
	}
	s.TotalFeatures = len(items)
	s.CompletionRate = rate(s.Validated, s.TotalFeatures)
	s.EnrichmentRate = rate(s.Enriched, s.TotalFeatures)
	return s, nil
}

// CompletionHistory returns exactly `days` 24-hour buckets ending now,
// oldest first. Days without events yield all-zero buckets.
func (t *Tracker) CompletionHistory(ctx context.Context, missionID string, days int) ([]Bucket, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrInvalidInput)
	}
	events, err := t.store.EventsByMission(ctx, missionID)
	if err != nil {
		return nil, err
	}

	end := t.now().UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)

	buckets := make([]Bucket, days)
	for i := range buckets {
		buckets[i].Date = start.Add(time.Duration(i) * 24 * time.Hour)
	}
	for _, event := range events {
		ts := event.Timestamp.UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		idx := int(ts.Sub(start) / (24 * time.Hour))
		if idx < 0 || idx >= days {
			continue
		}
		buckets[idx].Completed++
		switch event.Action {
		case syncq.ActionValidated:
			buckets[idx].Validated++
		case syncq.ActionMerged:
			buckets[idx].Merged++
		case syncq.ActionEnriched:
			buckets[idx].Enriched++
		}
	}
	return buckets, nil
}

// rate divides count by total, defining division by zero as 0.
func rate(count, total int) float64 {
	if total < 1 {
		total = 1
	}
	return float64(count) / float64(total)
}

// InMemory is a process-local Store.
type InMemory struct {
	mu     sync.RWMutex
	events []syncq.CompletionEvent
	seen   map[string]struct{}
}

// NewInMemory creates an empty event store.
func NewInMemory() *InMemory {
	return &InMemory{seen: make(map[string]struct{})}
}

var _ Store = (*InMemory)(nil)

func eventKey(event syncq.CompletionEvent) string {
	return event.ItemID + "|" + string(event.Action) + "|" + event.Timestamp.UTC().Format(time.RFC3339Nano)
}

func (s *InMemory) AppendEvent(ctx context.Context, event syncq.CompletionEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(event)
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	s.seen[key] = struct{}{}
	s.events = append(s.events, event)
	return true, nil
}

func (s *InMemory) EventsByMission(ctx context.Context, missionID string) ([]syncq.CompletionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []syncq.CompletionEvent
	for _, event := range s.events {
		if event.MissionID == missionID {
			out = append(out, event)
		}
	}
	return out, nil
}
