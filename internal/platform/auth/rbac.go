package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hasAnyRole(RolesFromContext(c.Request().Context()), roles) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequirePatientAccess lets any of roles through, and additionally lets a
// patient-role caller through when the path parameter names their own record.
func RequirePatientAccess(param string, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if hasAnyRole(RolesFromContext(ctx), roles) {
				return next(c)
			}
			if canActAsPatient(RolesFromContext(ctx), PatientIDFromContext(ctx), c.Param(param)) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "access to this patient is not permitted")
		}
	}
}

func hasAnyRole(userRoles, required []string) bool {
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, want := range required {
			if has == want {
				return true
			}
		}
	}
	return false
}

func canActAsPatient(userRoles []string, boundPatient, requested string) bool {
	if boundPatient == "" || requested == "" {
		return false
	}
	for _, r := range userRoles {
		if r == RolePatient {
			return strings.EqualFold(boundPatient, requested)
		}
	}
	return false
}
