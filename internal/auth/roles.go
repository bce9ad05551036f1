package auth

// Role gates what an alarm console user may do. Viewers read alarm lists,
// stats and the event history; operators additionally acknowledge and
// shelve; admins reload rules and export compliance reports.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole maps a JWT role claim onto a known role.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role grants at least the required level.
// Unknown roles grant nothing.
func RoleAtLeast(role, required Role) bool {
	return roleRanks[role] >= roleRanks[required]
}
