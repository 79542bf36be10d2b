// Package device enforces per-role admission rules for registered devices.
package device

import (
	"errors"
	"time"

	"stratasync.io/internal/rbac"
)

var (
	ErrUnknownDevice = errors.New("device: not found")
	ErrInvalidInput  = errors.New("device: invalid input")
)

// Type classifies the hardware a user registers.
type Type string

const (
	TypeMobile  Type = "mobile"
	TypeDesktop Type = "desktop"
	TypeServer  Type = "server"
)

// Status is the device's connectivity state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Device belongs to exactly one user. Mobility is copied from the owner's
// role profile at registration and is informational only.
type Device struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Type      Type          `json:"type"`
	Status    Status        `json:"status"`
	Mobility  rbac.Mobility `json:"mobility"`
	LastSeen  time.Time     `json:"last_seen"`
	CreatedAt time.Time     `json:"created_at"`
}

// Decision is a structured admission result. Rejections are values, not errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

const (
	reasonTypeNotAuthorized = "type not authorized for this role"
	reasonLimitReached      = "device limit reached for this role"
)

// ParseType validates a raw device type.
func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case TypeMobile, TypeDesktop, TypeServer:
		return Type(raw), nil
	}
	return "", ErrInvalidInput
}

// CanAdd applies the fixed admission policy. Type gating runs before quota
// gating so the reason reflects the first violated rule when both would fail.
func CanAdd(t Type, role rbac.Role, currentCount int) (Decision, error) {
	profile, err := rbac.GetProfile(role)
	if err != nil {
		return Decision{}, err
	}
	if t == TypeServer && !profile.ServerDevices {
		return Decision{Allowed: false, Reason: reasonTypeNotAuthorized}, nil
	}
	if currentCount >= profile.MaxDevices {
		return Decision{Allowed: false, Reason: reasonLimitReached}, nil
	}
	return Decision{Allowed: true}, nil
}
