package utils

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Error kinds returned in API error bodies.
const (
	KindInvalidRequest = "invalid_request"
	KindNotFound       = "not_found"
	KindConflict       = "conflict"
	KindRateLimited    = "rate_limited"
	KindInternal       = "internal"
)

// ErrorResponse writes the standard typed error body.
func ErrorResponse(c *fiber.Ctx, status int, kind, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error": fiber.Map{
			"kind":    kind,
			"message": message,
		},
	})
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// ParseUint parses a path or query id. Zero means missing or invalid.
func ParseUint(s string) uint {
	i, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint(i)
}

// PaginatedResponse structure for paginated results
type PaginatedResponse struct {
	Data   interface{} `json:"data"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}
