package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/medstore/internal/platform/fhir"
)

const (
	RoleAdmin   = "Admin"
	RoleDoctor  = "Doctor"
	RoleNurse   = "Nurse"
	RolePatient = "Patient"
)

// Portal routes that require a specific role.
const (
	RoutePrescriptionSend   = "/prescription/send"
	RoutePatientMedications = "/patient/medications"
)

// routeRoles lists, per protected route, the roles allowed to call it.
var routeRoles = map[string][]string{
	RoutePrescriptionSend:   {RoleAdmin},
	RoutePatientMedications: {RoleAdmin, RoleDoctor},
}

// IsRouteProtected reports whether route needs an authorized role.
func IsRouteProtected(route string) bool {
	_, ok := routeRoles[route]
	return ok
}

// CheckAuthorization decides whether role may call route. Unprotected routes
// are open to everyone.
func CheckAuthorization(role, route string) bool {
	if !IsRouteProtected(route) {
		return true
	}
	for _, allowed := range routeRoles[route] {
		if role == allowed {
			return true
		}
	}
	return false
}

// AnyAuthorized reports whether at least one of roles may call route.
func AnyAuthorized(roles []string, route string) bool {
	if !IsRouteProtected(route) {
		return true
	}
	for _, r := range roles {
		if CheckAuthorization(r, route) {
			return true
		}
	}
	return false
}

// RouteGuard rejects requests whose caller has no role permitted for the
// request path.
func RouteGuard() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Request().URL.Path
			roles := RolesFromContext(c.Request().Context())
			if !AnyAuthorized(roles, route) {
				return c.JSON(http.StatusForbidden,
					fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeForbidden, "role not permitted for "+route))
			}
			return next(c)
		}
	}
}
