package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionTable(t *testing.T) {
	expected := map[Role]map[Permission]bool{
		RoleUser: {
			PermissionRead:        true,
			PermissionWrite:       true,
			PermissionDelete:      false,
			PermissionSync:        true,
			PermissionManageUsers: false,
		},
		RoleAdmin: {
			PermissionRead:        true,
			PermissionWrite:       true,
			PermissionDelete:      true,
			PermissionSync:        true,
			PermissionManageUsers: true,
		},
		RoleSuperAdmin: {
			PermissionRead:        true,
			PermissionWrite:       true,
			PermissionDelete:      true,
			PermissionSync:        true,
			PermissionManageUsers: true,
		},
	}
	for role, table := range expected {
		for perm, want := range table {
			got, err := HasPermission(role, perm)
			require.NoError(t, err)
			assert.Equal(t, want, got, "role %s perm %s", role, perm)
		}
	}
}

func TestPermissionMonotonicity(t *testing.T) {
	roles := Roles()
	allPerms := []Permission{PermissionRead, PermissionWrite, PermissionDelete, PermissionSync, PermissionManageUsers}
	for i := 0; i < len(roles)-1; i++ {
		lower, higher := roles[i], roles[i+1]
		for _, perm := range allPerms {
			has, err := HasPermission(lower, perm)
			require.NoError(t, err)
			if !has {
				continue
			}
			hasHigher, err := HasPermission(higher, perm)
			require.NoError(t, err)
			assert.True(t, hasHigher, "%s holds %s but %s does not", lower, perm, higher)
		}
	}
}

func TestCompareTotalOrder(t *testing.T) {
	cmp, err := Compare(RoleUser, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = Compare(RoleSuperAdmin, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	cmp, err = Compare(RoleAdmin, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)
}

func TestResolveByRoleCommutative(t *testing.T) {
	roles := Roles()
	for _, a := range roles {
		for _, b := range roles {
			x, err := ResolveByRole(a, b)
			require.NoError(t, err)
			y, err := ResolveByRole(b, a)
			require.NoError(t, err)
			assert.Equal(t, x, y, "resolve(%s,%s) not commutative", a, b)
			assert.True(t, x == a || x == b, "resolve(%s,%s) produced third value %s", a, b, x)
		}
	}
}

func TestParseUnknownRole(t *testing.T) {
	_, err := Parse("operator")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRole))

	role, err := Parse("  Super_Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, role)
}

func TestSyncPriorityAscendsLadder(t *testing.T) {
	roles := Roles()
	for i := 0; i < len(roles)-1; i++ {
		assert.Less(t, SyncPriority(roles[i]), SyncPriority(roles[i+1]))
	}
	assert.Equal(t, 0, SyncPriority(Role("ghost")))
}
