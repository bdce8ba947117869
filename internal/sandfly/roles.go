package sandfly

// RequiredRoles lists the roles that admit a collector session. Holding any
// one of them is enough.
var RequiredRoles = []string{"admin", "api_result_read", "api_scan"}

// Identity is the account information captured from the login response.
type Identity struct {
	Username string
	Roles    []string
}

// HasRole reports whether the identity holds role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CheckRoles is the role gate: it returns an *AuthorizationError when roles
// is empty or shares nothing with RequiredRoles.
func CheckRoles(roles []string) error {
	if len(roles) == 0 {
		return &AuthorizationError{Reason: "no roles assigned to account"}
	}
	id := Identity{Roles: roles}
	for _, want := range RequiredRoles {
		if id.HasRole(want) {
			return nil
		}
	}
	return &AuthorizationError{
		Reason:   "insufficient permissions",
		Required: append([]string(nil), RequiredRoles...),
		Detected: append([]string(nil), roles...),
	}
}
