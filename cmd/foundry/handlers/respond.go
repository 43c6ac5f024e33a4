package handlers

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
)

// ErrorHandler renders every handler error as the taxonomy envelope
// {"error": {"code", "message", "details?"}}. Echo's own routing errors
// (404, 405) keep their status and map onto the closed code set.
func ErrorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   errdefs.Envelope
		)
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			body = errdefs.Envelope{Error: errdefs.WireError{
				Code:    codeForStatus(he.Code),
				Message: fmt.Sprintf("%v", he.Message),
			}}
		} else {
			status, body = errdefs.HTTPResponse(err)
		}

		if status >= http.StatusInternalServerError {
			log.Error("request failed",
				"method", c.Request().Method, "path", c.Path(), "error", err)
		}
		if err := c.JSON(status, body); err != nil {
			log.Error("failed to write error response", "error", err)
		}
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		return "VALIDATION_ERROR"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL_ERROR"
	}
}

// badRequest builds the validation error for malformed request input.
func badRequest(message string) error {
	return errdefs.New(errdefs.KindValidation, message)
}

// pathID parses the named path parameter as a UUID.
func pathID(c echo.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	return id, err == nil
}
