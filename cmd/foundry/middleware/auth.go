package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/common/errdefs"
)

// ContextKey types context keys to avoid collisions with other middleware.
type ContextKey string

// ProjectKey is the context key holding the caller's project id.
const ProjectKey ContextKey = "projectID"

// ExtractProject pulls the X-Project-ID header into the request context when
// present. Handlers that need it call RequireProject.
func ExtractProject() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if projectID := c.Request().Header.Get("X-Project-ID"); projectID != "" {
				c.Set(string(ProjectKey), projectID)
			}
			return next(c)
		}
	}
}

// GetProject returns the project id extracted from the request, or "".
func GetProject(c echo.Context) string {
	v := c.Get(string(ProjectKey))
	if v == nil {
		return ""
	}
	return v.(string)
}

// RequireProject returns the project id, or the validation error the
// server's error handler renders as the envelope.
func RequireProject(c echo.Context) (string, error) {
	projectID := GetProject(c)
	if projectID == "" {
		return "", errdefs.New(errdefs.KindValidation, "X-Project-ID header is required")
	}
	return projectID, nil
}
