package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cubeops/operator/pkg/config"
	"github.com/cubeops/operator/pkg/recorder"
)

// StatsProvider exposes recorder statistics without coupling the API to the
// concrete recorder type.
type StatsProvider interface {
	Stats() recorder.Stats
}

// HealthHandler reports process liveness.
func HealthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy"})
}

// StatusHandler reports basic service identity.
func StatusHandler(robotID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "online",
			"service":  "cube teleop operator",
			"robot_id": robotID,
		})
	}
}

// RecorderStatsHandler returns aggregate recording statistics. When
// recording is disabled the provider is nil and the endpoint says so.
func RecorderStatsHandler(provider StatsProvider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if provider == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "recording is disabled",
			})
		}
		return c.JSON(provider.Stats())
	}
}

// ConfigHandler returns the effective operator configuration.
func ConfigHandler(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(cfg)
	}
}
