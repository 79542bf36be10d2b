package syncq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stratasync.io/internal/ids"
	"stratasync.io/internal/obs"
	"stratasync.io/internal/rbac"
)

// Service defines the queue's primitive operations. Composite flows
// (ProcessEntry, ProcessNext, SyncAll) are built on top of these and stay
// implementation-agnostic.
type Service interface {
	RegisterItem(ctx context.Context, req RegisterItemRequest) (Item, error)
	GetItem(ctx context.Context, id string) (Item, error)
	GetEntry(ctx context.Context, id string) (Entry, error)

	Enqueue(ctx context.Context, req EnqueueRequest) (Entry, error)
	// DequeueNext claims the highest-priority pending entry whose item has no
	// in-flight entry, atomically marking it IN_PROGRESS.
	DequeueNext(ctx context.Context) (Entry, bool, error)
	// Start claims one specific pending entry under the same exclusion rule.
	Start(ctx context.Context, entryID string) (Entry, error)
	MarkCompleted(ctx context.Context, entryID string, action Action) error
	MarkFailed(ctx context.Context, entryID string, kind FailureKind) error
	DetectConflict(ctx context.Context, entryID string) (bool, error)
	ResolveConflict(ctx context.Context, entryID string, override rbac.Strategy) (Resolution, error)
	ResolveLayerConflict(ctx context.Context, itemID string, decision Decision) (Item, error)
	// Withdraw removes a still-pending entry without side effects.
	Withdraw(ctx context.Context, entryID string) error
	PendingDepth(ctx context.Context) (int, error)
}

// InMemory implements Service with in-process concurrency safety. A single
// mutex guards the scan-and-mark scheduling decision, which is the
// serialization point guaranteeing at most one in-flight entry per item.
type InMemory struct {
	mu       sync.Mutex
	items    map[string]*Item
	entries  map[string]*Entry
	inFlight map[string]string // itemID -> entryID currently IN_PROGRESS
	seq      uint64
	observer Observer
	now      func() time.Time
}

// Option configures InMemory.
type Option func(*InMemory)

// WithObserver injects the completion-event consumer.
func WithObserver(o Observer) Option {
	return func(s *InMemory) { s.observer = o }
}

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates an empty queue.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		items:    make(map[string]*Item),
		entries:  make(map[string]*Entry),
		inFlight: make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) RegisterItem(ctx context.Context, req RegisterItemRequest) (Item, error) {
	if req.OwnerID == "" || req.Name == "" {
		return Item{}, fmt.Errorf("%w: owner_id and name are required", ErrInvalidInput)
	}
	if _, err := rbac.GetProfile(req.OwnerRole); err != nil {
		return Item{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	item := &Item{
		ID:         ids.New(),
		OwnerID:    req.OwnerID,
		MissionID:  req.MissionID,
		Name:       req.Name,
		Version:    1,
		Status:     ItemPending,
		AuthorRole: req.OwnerRole,
		UpdatedAt:  now,
	}
	s.items[item.ID] = item
	return copyItem(item), nil
}

func (s *InMemory) GetItem(ctx context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrUnknownItem
	}
	return copyItem(item), nil
}

func (s *InMemory) GetEntry(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrUnknownEntry
	}
	return *e, nil
}

func (s *InMemory) Enqueue(ctx context.Context, req EnqueueRequest) (Entry, error) {
	if req.ItemID == "" || req.SourceDeviceID == "" {
		return Entry{}, fmt.Errorf("%w: item_id and source_device_id are required", ErrInvalidInput)
	}
	canSync, err := rbac.HasPermission(req.Requester.Role, rbac.PermissionSync)
	if err != nil {
		return Entry{}, err
	}
	if !canSync {
		return Entry{}, fmt.Errorf("%w: role %s cannot sync", ErrPermissionDenied, req.Requester.Role)
	}
	action := req.Action
	if action == "" {
		action = ActionValidated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[req.ItemID]; !ok {
		return Entry{}, ErrUnknownItem
	}

	s.seq++
	entry := &Entry{
		ID:             ids.New(),
		ItemID:         req.ItemID,
		SourceDeviceID: req.SourceDeviceID,
		TargetDeviceID: req.TargetDeviceID,
		SourceVersion:  req.SourceVersion,
		Requester:      req.Requester,
		Action:         action,
		Priority:       rbac.SyncPriority(req.Requester.Role),
		Seq:            s.seq,
		Status:         EntryPending,
		CreatedAt:      s.now().UTC(),
	}
	s.entries[entry.ID] = entry
	obs.SetQueueDepth(s.pendingLocked())
	return *entry, nil
}

func (s *InMemory) DequeueNext(ctx context.Context) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Entry
	for _, e := range s.entries {
		if e.Status != EntryPending {
			continue
		}
		if _, busy := s.inFlight[e.ItemID]; busy {
			continue
		}
		if best == nil || e.Priority > best.Priority || (e.Priority == best.Priority && e.Seq < best.Seq) {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false, nil
	}
	s.startLocked(best)
	return *best, true, nil
}

func (s *InMemory) Start(ctx context.Context, entryID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrUnknownEntry
	}
	if e.Status != EntryPending {
		return Entry{}, fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}
	if _, busy := s.inFlight[e.ItemID]; busy {
		return Entry{}, ErrItemBusy
	}
	s.startLocked(e)
	return *e, nil
}

// startLocked marks an entry IN_PROGRESS. Caller holds s.mu.
func (s *InMemory) startLocked(e *Entry) {
	e.Status = EntryInProgress
	e.StartedAt = s.now().UTC()
	s.inFlight[e.ItemID] = e.ID
	if item, ok := s.items[e.ItemID]; ok {
		item.Status = ItemSyncing
	}
	obs.SetQueueDepth(s.pendingLocked())
}

func (s *InMemory) MarkCompleted(ctx context.Context, entryID string, action Action) error {
	s.mu.Lock()

	e, ok := s.entries[entryID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownEntry
	}
	if e.Status != EntryInProgress {
		s.mu.Unlock()
		return fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}
	item, ok := s.items[e.ItemID]
	if !ok {
		// The referenced item disappeared mid-flight; fail the entry instead.
		s.failLocked(e, FailureNotFound)
		s.mu.Unlock()
		return ErrUnknownItem
	}

	if action == "" {
		action = e.Action
	}
	now := s.now().UTC()
	e.Status = EntryCompleted
	e.FinishedAt = now
	delete(s.inFlight, e.ItemID)

	item.Version++
	item.Status = ItemSynced
	item.AuthorRole = e.Requester.Role
	item.UpdatedAt = now
	item.PendingRemote = nil
	item.Audit = append(item.Audit, AuditEntry{
		At:     now,
		Event:  "completed",
		Detail: fmt.Sprintf("entry %s action %s version %d", e.ID, action, item.Version),
	})

	event := CompletionEvent{
		ItemID:    item.ID,
		MissionID: item.MissionID,
		UserID:    e.Requester.UserID,
		Action:    action,
		Timestamp: now,
		Metadata: map[string]string{
			"entry_id":  e.ID,
			"device_id": e.SourceDeviceID,
			"version":   fmt.Sprintf("%d", item.Version),
		},
	}
	observer := s.observer
	s.mu.Unlock()

	obs.IncCompleted(string(action))
	if observer != nil {
		observer.SyncCompleted(event)
	}
	return nil
}

func (s *InMemory) MarkFailed(ctx context.Context, entryID string, kind FailureKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return ErrUnknownEntry
	}
	if e.Status != EntryInProgress {
		return fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}
	s.failLocked(e, kind)
	return nil
}

// failLocked records a terminal failure. Caller holds s.mu.
func (s *InMemory) failLocked(e *Entry, kind FailureKind) {
	now := s.now().UTC()
	e.Status = EntryFailed
	e.FailureKind = kind
	e.FinishedAt = now
	delete(s.inFlight, e.ItemID)

	item, ok := s.items[e.ItemID]
	if !ok {
		obs.IncFailed(string(kind))
		return
	}
	switch kind {
	case FailureConflict:
		item.Status = ItemConflict
		item.PendingRemote = &RemoteChange{
			DeviceID: e.SourceDeviceID,
			Actor:    e.Requester,
			At:       now,
		}
	case FailureConflictRejected:
		// The stored version stands; the conflict is settled.
		item.Status = ItemSynced
	default:
		item.Status = ItemError
	}
	item.UpdatedAt = now
	item.Audit = append(item.Audit, AuditEntry{
		At:     now,
		Event:  "failed",
		Detail: fmt.Sprintf("entry %s kind %s", e.ID, kind),
	})
	obs.IncFailed(string(kind))
}

func (s *InMemory) DetectConflict(ctx context.Context, entryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return false, ErrUnknownEntry
	}
	item, ok := s.items[e.ItemID]
	if !ok {
		return false, ErrUnknownItem
	}
	return Conflicting(*e, *item), nil
}

func (s *InMemory) ResolveConflict(ctx context.Context, entryID string, override rbac.Strategy) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return Resolution{}, ErrUnknownEntry
	}
	if e.Status != EntryInProgress {
		return Resolution{}, fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}
	item, ok := s.items[e.ItemID]
	if !ok {
		return Resolution{}, ErrUnknownItem
	}

	res, err := Resolve(*e, *item, override, s.now().UTC())
	if err != nil {
		return Resolution{}, err
	}
	item.Audit = append(item.Audit, AuditEntry{
		At:     s.now().UTC(),
		Event:  "resolution",
		Detail: fmt.Sprintf("strategy %s outcome %s entry %s", res.Strategy, res.Outcome, e.ID),
	})
	obs.IncConflict(string(res.Strategy))
	return res, nil
}

func (s *InMemory) ResolveLayerConflict(ctx context.Context, itemID string, decision Decision) (Item, error) {
	s.mu.Lock()

	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return Item{}, ErrUnknownItem
	}
	if item.Status != ItemConflict {
		s.mu.Unlock()
		return Item{}, fmt.Errorf("%w: item is %s", ErrNoResolutionPending, item.Status)
	}

	now := s.now().UTC()
	var event *CompletionEvent
	switch decision {
	case DecisionKeepLocal:
		item.Status = ItemSynced
	case DecisionUseRemote:
		item.Version++
		item.Status = ItemSynced
		if item.PendingRemote != nil {
			item.AuthorRole = item.PendingRemote.Actor.Role
		}
		event = s.manualEventLocked(item, ActionModified, now)
	case DecisionMerge:
		item.Version++
		item.Status = ItemSynced
		if item.PendingRemote != nil {
			item.AuthorRole = rbac.Max(item.AuthorRole, item.PendingRemote.Actor.Role)
		}
		event = s.manualEventLocked(item, ActionMerged, now)
	default:
		s.mu.Unlock()
		return Item{}, fmt.Errorf("%w: unsupported decision %q", ErrInvalidInput, decision)
	}
	item.UpdatedAt = now
	item.Audit = append(item.Audit, AuditEntry{
		At:     now,
		Event:  "manual_resolution",
		Detail: fmt.Sprintf("decision %s version %d", decision, item.Version),
	})
	item.PendingRemote = nil

	out := copyItem(item)
	observer := s.observer
	s.mu.Unlock()

	if event != nil {
		obs.IncCompleted(string(event.Action))
		if observer != nil {
			observer.SyncCompleted(*event)
		}
	}
	return out, nil
}

// manualEventLocked builds the completion event for an accepted manual
// decision. Caller holds s.mu.
func (s *InMemory) manualEventLocked(item *Item, action Action, now time.Time) *CompletionEvent {
	userID := item.OwnerID
	deviceID := ""
	if item.PendingRemote != nil {
		userID = item.PendingRemote.Actor.UserID
		deviceID = item.PendingRemote.DeviceID
	}
	return &CompletionEvent{
		ItemID:    item.ID,
		MissionID: item.MissionID,
		UserID:    userID,
		Action:    action,
		Timestamp: now,
		Metadata: map[string]string{
			"device_id": deviceID,
			"version":   fmt.Sprintf("%d", item.Version),
			"manual":    "true",
		},
	}
}

func (s *InMemory) Withdraw(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return ErrUnknownEntry
	}
	if e.Status != EntryPending {
		return fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}
	delete(s.entries, entryID)
	obs.SetQueueDepth(s.pendingLocked())
	return nil
}

func (s *InMemory) PendingDepth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(), nil
}

// pendingLocked counts pending entries. Caller holds s.mu.
func (s *InMemory) pendingLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.Status == EntryPending {
			n++
		}
	}
	return n
}

func copyItem(item *Item) Item {
	out := *item
	if item.PendingRemote != nil {
		pr := *item.PendingRemote
		out.PendingRemote = &pr
	}
	if len(item.Audit) > 0 {
		out.Audit = make([]AuditEntry, len(item.Audit))
		copy(out.Audit, item.Audit)
	}
	return out
}
