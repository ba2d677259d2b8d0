package auth

import "slices"

// Permission represents a named capability on the admin API.
type Permission string

// Permission constants.
const (
	PermDeviceRead  Permission = "device:read"
	PermDeviceClose Permission = "device:close"
	PermHistoryRead Permission = "history:read"
	PermMetricsRead Permission = "metrics:read"

	// PermRPCConnect allows opening an RPC session over the WebSocket
	// endpoint. The session reaches every registered method.
	PermRPCConnect Permission = "rpc:connect"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceRead,
		PermHistoryRead,
		PermMetricsRead,
	},
	RoleOperator: {
		PermDeviceRead,
		PermDeviceClose,
		PermHistoryRead,
		PermMetricsRead,
		PermRPCConnect,
	},
}

// HasPermission reports whether role grants perm. Unknown roles grant
// nothing.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns a copy of the permissions granted to role, or
// nil for an unknown role.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
