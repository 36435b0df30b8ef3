package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/usercontext"
)

// IdentityMiddleware trusts the user headers of the fronting application when
// the request carries the shared internal token. Without a configured token
// every request is anonymous.
func IdentityMiddleware(token string) fiber.Handler {
	token = strings.TrimSpace(token)
	return func(c *fiber.Ctx) error {
		uc := usercontext.UserContext{}
		if token != "" && validToken(c.Get(usercontext.HeaderInternalToken), token) {
			if id, err := strconv.ParseUint(strings.TrimSpace(c.Get(usercontext.HeaderUserID)), 10, 64); err == nil && id > 0 {
				uc.UserID = uint(id)
				uc.IsLoggedIn = true
				uc.IsAdmin = strings.EqualFold(strings.TrimSpace(c.Get(usercontext.HeaderUserRole)), "admin")
			}
		} else if c.Get(usercontext.HeaderUserID) != "" {
			log.Warnf("[Identity] ignoring user header without valid token from %s", c.IP())
		}
		usercontext.SetUserContext(c, uc)
		return c.Next()
	}
}

// IdentityMiddlewareFromEnv reads INTERNAL_API_TOKEN.
func IdentityMiddlewareFromEnv() fiber.Handler {
	return IdentityMiddleware(env.GetEnv("INTERNAL_API_TOKEN", ""))
}

func validToken(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) == 1
}
