package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// GetClientIP determines the client IP address considering Cloudflare and
// proxy headers.
func GetClientIP(c *fiber.Ctx) string {
	// 1. Cloudflare provides the original client IP
	if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
		return cfIP
	}

	// 2. X-Forwarded-For: the first entry is the original client
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}

	// 3. No proxy headers, unwrap IPv4-mapped IPv6 addresses
	ipAddr := c.IP()
	if strings.HasPrefix(ipAddr, "::ffff:") && strings.Contains(ipAddr, ".") {
		return strings.TrimPrefix(ipAddr, "::ffff:")
	}
	return ipAddr
}

// jsonError writes the error envelope used by every JSON endpoint
func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// invalidRequest reports a body that failed parsing or validation
func invalidRequest(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, strings.ToLower(fe.Field()))
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_request",
			"message": "invalid fields",
			"fields":  fields,
		})
	}
	return jsonError(c, fiber.StatusBadRequest, "invalid_request", "malformed request body")
}

// pagination reads offset and limit query parameters
func pagination(c *fiber.Ctx) (int, int) {
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", strconv.Itoa(defaultPageSize)))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	return offset, limit
}
