package middleware

import (
	"github.com/labstack/echo/v4"
)

// errorJSON writes the API's error body unless a response is already on the
// wire.
func errorJSON(c echo.Context, status int, code, message string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, map[string]string{"error": code, "message": message})
}
