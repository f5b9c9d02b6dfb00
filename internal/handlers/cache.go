package handlers

import (
	"github.com/gofiber/fiber/v2"

	"matteragent/internal/services"
)

// CacheHandler exposes agent cache introspection and manual cleanup.
type CacheHandler struct {
	cache *services.AgentCacheService
}

func NewCacheHandler(cache *services.AgentCacheService) *CacheHandler {
	return &CacheHandler{cache: cache}
}

// Status reports the cached agents with idle times and active flags.
// GET /cache-status
func (h *CacheHandler) Status(c *fiber.Ctx) error {
	return c.JSON(h.cache.Status())
}

// Cleanup triggers an immediate reap sweep.
// POST /cleanup
func (h *CacheHandler) Cleanup(c *fiber.Ctx) error {
	cleaned, skipped := h.cache.Cleanup()
	return c.JSON(fiber.Map{
		"cleaned": cleaned,
		"skipped": skipped,
	})
}
