package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. The payment webhook authenticates with
// the provider's signature instead of a bearer token.
var publicPaths = map[string]bool{
	"/health":                  true,
	"/health/db":               true,
	"/api/v1/payments/webhook": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
