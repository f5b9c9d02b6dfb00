package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"matteragent/internal/database"
	"matteragent/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	db    *database.MongoDB
	cache *services.AgentCacheService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *database.MongoDB, cache *services.AgentCacheService) *HealthHandler {
	return &HealthHandler{db: db, cache: cache}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	dbStatus := "ok"
	healthy := true
	if h.db != nil {
		if err := h.db.Ping(c.Context()); err != nil {
			dbStatus = "unreachable"
			healthy = false
		}
	} else {
		dbStatus = "disabled"
		healthy = false
	}

	body := fiber.Map{
		"status":        "healthy",
		"database":      dbStatus,
		"cached_agents": h.cache.Size(),
		"timestamp":     time.Now().Format(time.RFC3339),
	}
	if !healthy {
		body["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}
