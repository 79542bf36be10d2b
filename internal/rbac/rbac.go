// Package rbac defines the fixed role ladder that gates every sync decision.
// The ladder, permission sets and conflict strategies are process constants;
// nothing here is mutated at runtime.
package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownRole = errors.New("rbac: unknown role")

// Role is one rung of the fixed ladder USER < ADMIN < SUPER_ADMIN.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Permission is a capability a role may hold.
type Permission string

const (
	PermissionRead        Permission = "read"
	PermissionWrite       Permission = "write"
	PermissionDelete      Permission = "delete"
	PermissionSync        Permission = "sync"
	PermissionManageUsers Permission = "manage_users"
)

// Mobility classifies the physical permanence of a role's typical devices.
// It is informational metadata; admission is gated elsewhere.
type Mobility string

const (
	MobilityAmovible     Mobility = "amovible"
	MobilitySemiAmovible Mobility = "semi_amovible"
	MobilityNonAmovible  Mobility = "non_amovible"
)

// Strategy selects how divergent writes to the same item are settled.
type Strategy string

const (
	StrategyAuto         Strategy = "auto"
	StrategyManual       Strategy = "manual"
	StrategyHierarchical Strategy = "hierarchical"
)

// Profile carries the static attributes attached to a role.
type Profile struct {
	Role         Role
	Rank         int
	Permissions  map[Permission]struct{}
	Mobility     Mobility
	SyncPriority int
	Strategy     Strategy

	// Device admission policy.
	MaxDevices    int
	ServerDevices bool
}

func perms(list ...Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(list))
	for _, p := range list {
		set[p] = struct{}{}
	}
	return set
}

// ladder is the single source of truth for role attributes.
var ladder = map[Role]Profile{
	RoleUser: {
		Role:          RoleUser,
		Rank:          1,
		Permissions:   perms(PermissionRead, PermissionWrite, PermissionSync),
		Mobility:      MobilityAmovible,
		SyncPriority:  1,
		Strategy:      StrategyManual,
		MaxDevices:    3,
		ServerDevices: false,
	},
	RoleAdmin: {
		Role:          RoleAdmin,
		Rank:          2,
		Permissions:   perms(PermissionRead, PermissionWrite, PermissionDelete, PermissionSync, PermissionManageUsers),
		Mobility:      MobilitySemiAmovible,
		SyncPriority:  5,
		Strategy:      StrategyAuto,
		MaxDevices:    10,
		ServerDevices: true,
	},
	RoleSuperAdmin: {
		Role:          RoleSuperAdmin,
		Rank:          3,
		Permissions:   perms(PermissionRead, PermissionWrite, PermissionDelete, PermissionSync, PermissionManageUsers),
		Mobility:      MobilityNonAmovible,
		SyncPriority:  10,
		Strategy:      StrategyHierarchical,
		MaxDevices:    100,
		ServerDevices: true,
	},
}

// Roles lists the ladder from lowest to highest authority.
func Roles() []Role {
	return []Role{RoleUser, RoleAdmin, RoleSuperAdmin}
}

// Parse normalizes a role name and validates it against the ladder.
func Parse(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := ladder[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, nil
}

// GetProfile returns the static profile for a role.
func GetProfile(role Role) (Profile, error) {
	p, ok := ladder[role]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return p, nil
}

// HasPermission reports whether the role's static permission set contains perm.
func HasPermission(role Role, perm Permission) (bool, error) {
	p, err := GetProfile(role)
	if err != nil {
		return false, err
	}
	_, ok := p.Permissions[perm]
	return ok, nil
}

// Compare orders two roles on the ladder: -1 when a is lower, 0 when equal,
// +1 when a is higher.
func Compare(a, b Role) (int, error) {
	pa, err := GetProfile(a)
	if err != nil {
		return 0, err
	}
	pb, err := GetProfile(b)
	if err != nil {
		return 0, err
	}
	switch {
	case pa.Rank < pb.Rank:
		return -1, nil
	case pa.Rank > pb.Rank:
		return 1, nil
	default:
		return 0, nil
	}
}

// ResolveByRole returns the strictly higher of the two roles. Equal roles
// resolve to the role itself; the secondary tie-break (timestamps, manual
// escalation) belongs to the conflict resolver.
func ResolveByRole(a, b Role) (Role, error) {
	cmp, err := Compare(a, b)
	if err != nil {
		return "", err
	}
	if cmp >= 0 {
		return a, nil
	}
	return b, nil
}

// Max is ResolveByRole for callers that have already validated both roles.
func Max(a, b Role) Role {
	winner, err := ResolveByRole(a, b)
	if err != nil {
		return a
	}
	return winner
}

// SyncPriority returns the queue weight for a role, 0 for unknown roles.
func SyncPriority(role Role) int {
	p, ok := ladder[role]
	if !ok {
		return 0
	}
	return p.SyncPriority
}
