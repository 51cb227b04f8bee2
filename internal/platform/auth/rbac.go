package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Marketplace roles carried in the token's roles claim.
const (
	RoleAdmin  = "admin"
	RoleLawyer = "lawyer"
	RoleClient = "client"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				if HasRole(userRoles, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether roles grants want, treating admin as a superset.
func HasRole(roles []string, want string) bool {
	for _, has := range roles {
		if has == want || has == RoleAdmin {
			return true
		}
	}
	return false
}

// PrimaryRole picks the role a request acts under when a user holds several:
// admin, then lawyer, then client. It returns "" when none apply.
func PrimaryRole(roles []string) string {
	best := ""
	rank := map[string]int{RoleClient: 1, RoleLawyer: 2, RoleAdmin: 3}
	for _, r := range roles {
		if rank[r] > rank[best] {
			best = r
		}
	}
	return best
}
