// Package syncq is the synchronization core: a per-item serialized work queue
// with deterministic conflict resolution driven by the role ladder.
package syncq

import (
	"errors"
	"time"

	"stratasync.io/internal/rbac"
)

var (
	ErrUnknownItem         = errors.New("syncq: item not found")
	ErrUnknownEntry        = errors.New("syncq: entry not found")
	ErrPermissionDenied    = errors.New("syncq: permission denied")
	ErrInvalidInput        = errors.New("syncq: invalid input")
	ErrInvalidTransition   = errors.New("syncq: invalid state transition")
	ErrItemBusy            = errors.New("syncq: item already has an entry in progress")
	ErrNoResolutionPending = errors.New("syncq: no resolution pending")
)

// ItemStatus is the sync state of a file/layer.
type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemSyncing  ItemStatus = "syncing"
	ItemSynced   ItemStatus = "synced"
	ItemConflict ItemStatus = "conflict"
	ItemError    ItemStatus = "error"
)

// EntryStatus is the queue state of one sync request.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryInProgress EntryStatus = "in_progress"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
)

// Action labels the value-adding outcome recorded by a completion.
type Action string

const (
	ActionValidated Action = "validated"
	ActionMerged    Action = "merged"
	ActionEnriched  Action = "enriched"
	ActionModified  Action = "modified"
)

// FailureKind classifies terminal failures. Conflict kinds drive the item's
// post-failure status.
type FailureKind string

const (
	FailureNotFound         FailureKind = "not_found"
	FailureConflict         FailureKind = "conflict"          // item moves to CONFLICT, awaits decision
	FailureConflictRejected FailureKind = "conflict_rejected" // resolved by keeping the stored version
	FailureTransport        FailureKind = "transport"
	FailureInternal         FailureKind = "internal"
)

// Decision is the external human choice that settles a MANUAL conflict.
type Decision string

const (
	DecisionKeepLocal Decision = "keep_local"
	DecisionUseRemote Decision = "use_remote"
	DecisionMerge     Decision = "merge"
)

// Outcome is what a resolution strategy decided about the incoming change.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomePending  Outcome = "pending"
)

// Resolution records which strategy ran and what it decided.
type Resolution struct {
	Strategy rbac.Strategy `json:"strategy"`
	Outcome  Outcome       `json:"outcome"`
}

// Actor is the authenticated identity a request acts on behalf of.
type Actor struct {
	UserID string    `json:"user_id"`
	Role   rbac.Role `json:"role"`
}

// AuditEntry is one append-only record on an item's resolution trail.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// RemoteChange captures the suspended incoming write while a MANUAL conflict
// awaits its decision.
type RemoteChange struct {
	DeviceID string    `json:"device_id"`
	Actor    Actor     `json:"actor"`
	At       time.Time `json:"at"`
}

// Item is a syncable file/layer. Version strictly increases on every accepted
// write; Status transitions only through the queue.
type Item struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	MissionID     string        `json:"mission_id"`
	Name          string        `json:"name"`
	Version       int64         `json:"version"`
	Status        ItemStatus    `json:"status"`
	AuthorRole    rbac.Role     `json:"author_role"`
	UpdatedAt     time.Time     `json:"updated_at"`
	PendingRemote *RemoteChange `json:"pending_remote,omitempty"`
	Audit         []AuditEntry  `json:"audit,omitempty"`
}

// Entry is one queued synchronization request. It references its item and
// devices by id and does not own their lifecycle.
type Entry struct {
	ID             string      `json:"id"`
	ItemID         string      `json:"item_id"`
	SourceDeviceID string      `json:"source_device_id"`
	TargetDeviceID string      `json:"target_device_id,omitempty"`
	SourceVersion  int64       `json:"source_version"`
	Requester      Actor       `json:"requester"`
	Action         Action      `json:"action"`
	Priority       int         `json:"priority"`
	Seq            uint64      `json:"seq"`
	Status         EntryStatus `json:"status"`
	FailureKind    FailureKind `json:"failure_kind,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      time.Time   `json:"started_at,omitzero"`
	FinishedAt     time.Time   `json:"finished_at,omitzero"`
}

// CompletionEvent is the immutable record emitted on every COMPLETED
// transition, consumed by the stats tracker.
type CompletionEvent struct {
	ItemID    string            `json:"item_id"`
	MissionID string            `json:"mission_id"`
	UserID    string            `json:"user_id"`
	Action    Action            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Observer receives completion events. The queue calls it synchronously on
// every terminal COMPLETED transition; implementations must not block.
type Observer interface {
	SyncCompleted(event CompletionEvent)
}

// Observers fans one completion event out to several observers in order.
type Observers []Observer

func (os Observers) SyncCompleted(event CompletionEvent) {
	for _, o := range os {
		o.SyncCompleted(event)
	}
}

// RegisterItemRequest creates a new syncable item.
type RegisterItemRequest struct {
	OwnerID   string    `json:"owner_id"`
	OwnerRole rbac.Role `json:"owner_role"`
	MissionID string    `json:"mission_id"`
	Name      string    `json:"name"`
}

// EnqueueRequest asks for one item to be synchronized from a source device.
type EnqueueRequest struct {
	ItemID         string `json:"item_id"`
	SourceDeviceID string `json:"source_device_id"`
	TargetDeviceID string `json:"target_device_id,omitempty"`
	SourceVersion  int64  `json:"source_version"`
	Action         Action `json:"action,omitempty"`
	Requester      Actor  `json:"requester"`
}

// Conflicting is the optimistic-concurrency check: the source device wrote
// against a version that is no longer the authoritative one.
func Conflicting(entry Entry, item Item) bool {
	return entry.SourceVersion != item.Version
}
