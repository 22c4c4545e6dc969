package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleAgent      = "agent"
	RoleAnalyst    = "analyst" // read-only: status and reporting
	RoleSuperAdmin = "super_admin"
)

// CallOperators may place and end calls.
var CallOperators = []string{RoleOwner, RoleAgent, RoleSuperAdmin}

// CallViewers may read call state and reports.
var CallViewers = []string{RoleOwner, RoleAgent, RoleAnalyst, RoleSuperAdmin}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
