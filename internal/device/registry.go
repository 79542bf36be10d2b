package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stratasync.io/internal/ids"
	"stratasync.io/internal/rbac"
)

// Store persists devices. Implementations must be safe for concurrent use.
type Store interface {
	CreateDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, id string) (Device, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	ListByUser(ctx context.Context, userID string) ([]Device, error)
	UpdateDeviceStatus(ctx context.Context, id string, status Status, seenAt time.Time) error
}

// Listener observes every admission decision made by Register. It runs
// inline, so implementations must not block.
type Listener interface {
	DeviceAdmission(userID string, role rbac.Role, t Type, decision Decision)
}

// Option configures a Registry.
type Option func(*Registry)

// WithListener installs a listener invoked after every admission decision,
// allowed or denied.
func WithListener(l Listener) Option {
	return func(r *Registry) { r.listener = l }
}

// Registry admits and tracks devices for authenticated users.
type Registry struct {
	store    Store
	listener Listener
	now      func() time.Time
}

// NewRegistry constructs a Registry over the given store.
func NewRegistry(store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register admits a new device for the user, applying the role's admission
// policy against the user's current device count.
func (r *Registry) Register(ctx context.Context, userID string, role rbac.Role, t Type) (Device, Decision, error) {
	if userID == "" {
		return Device{}, Decision{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	count, err := r.store.CountByUser(ctx, userID)
	if err != nil {
		return Device{}, Decision{}, err
	}
	decision, err := CanAdd(t, role, count)
	if err != nil {
		return Device{}, Decision{}, err
	}
	if !decision.Allowed {
		r.notify(userID, role, t, decision)
		return Device{}, decision, nil
	}

	profile, err := rbac.GetProfile(role)
	if err != nil {
		return Device{}, Decision{}, err
	}
	now := r.now().UTC()
	d := Device{
		ID:        ids.New(),
		UserID:    userID,
		Type:      t,
		Status:    StatusOnline,
		Mobility:  profile.Mobility,
		LastSeen:  now,
		CreatedAt: now,
	}
	if err := r.store.CreateDevice(ctx, d); err != nil {
		return Device{}, Decision{}, err
	}
	r.notify(userID, role, t, decision)
	return d, decision, nil
}

func (r *Registry) notify(userID string, role rbac.Role, t Type, decision Decision) {
	if r.listener != nil {
		r.listener.DeviceAdmission(userID, role, t, decision)
	}
}

// Get looks a device up by id.
func (r *Registry) Get(ctx context.Context, id string) (Device, error) {
	return r.store.GetDevice(ctx, id)
}

// ListByUser returns all devices owned by the user.
func (r *Registry) ListByUser(ctx context.Context, userID string) ([]Device, error) {
	return r.store.ListByUser(ctx, userID)
}

// Heartbeat marks a device online and refreshes its last-seen timestamp.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	return r.store.UpdateDeviceStatus(ctx, id, StatusOnline, r.now().UTC())
}

// MarkOffline records that a device went offline.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	return r.store.UpdateDeviceStatus(ctx, id, StatusOffline, r.now().UTC())
}

// InMemory is a process-local Store used by tests and single-node runs.
type InMemory struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{devices: make(map[string]*Device)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateDevice(ctx context.Context, d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.devices[d.ID] = &cp
	return nil
}

func (s *InMemory) GetDevice(ctx context.Context, id string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, ErrUnknownDevice
	}
	return *d, nil
}

func (s *InMemory) CountByUser(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, d := range s.devices {
		if d.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *InMemory) ListByUser(ctx context.Context, userID string) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Device
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *InMemory) UpdateDeviceStatus(ctx context.Context, id string, status Status, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return ErrUnknownDevice
	}
	d.Status = status
	d.LastSeen = seenAt
	return nil
}
