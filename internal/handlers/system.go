package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/lecture-digest/internal/telemetry"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// QueueStats reports queue depth for the health endpoint
type QueueStats interface {
	Pending() int
}

// Health reports liveness and queue depth
func Health(queue QueueStats) fiber.Handler {
	return func(c *fiber.Ctx) error {
		resp := fiber.Map{
			"status":  "healthy",
			"version": Version,
		}
		if queue != nil {
			resp["queued"] = queue.Pending()
		}
		return c.JSON(resp)
	}
}

// Logs returns the recent server log lines
func Logs(buf *telemetry.LogBuffer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"logs": buf.Lines()})
	}
}
