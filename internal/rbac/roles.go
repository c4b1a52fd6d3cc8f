package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleClient     = "client"
	RoleVendor     = "vendor"
	RoleRider      = "rider"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleService    = "service" // hidden role for internal callers
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsAdmin reports whether role may run privileged wallet and payout actions.
func IsAdmin(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }

// OwnsWallet reports whether role holds a wallet of its own.
func OwnsWallet(role string) bool {
	switch role {
	case RoleClient, RoleVendor, RoleRider:
		return true
	}
	return false
}
