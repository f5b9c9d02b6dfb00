package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/mongo"

	"matteragent/internal/middleware"
	"matteragent/internal/services"
	"matteragent/internal/tools"
)

// SessionHandler serves session listing, history and deletion.
type SessionHandler struct {
	store services.SessionStore
	cache *services.AgentCacheService
}

func NewSessionHandler(store services.SessionStore, cache *services.AgentCacheService) *SessionHandler {
	return &SessionHandler{store: store, cache: cache}
}

func appNameQuery(c *fiber.Ctx) string {
	if app := c.Query("app_name"); app != "" {
		return app
	}
	return tools.DefaultApp
}

// List returns the caller's sessions for an app, most recent first.
// GET /sessions
func (h *SessionHandler) List(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	sessions, err := h.store.ListSessions(c.Context(), userID, appNameQuery(c))
	if err != nil {
		log.Printf("❌ Failed to list sessions for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list sessions"})
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

// History returns one session's coalesced message history.
// GET /history?session_id=...
func (h *SessionHandler) History(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "session_id is required"})
	}

	session, err := h.store.GetSession(c.Context(), userID, sessionID, appNameQuery(c))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
		}
		log.Printf("❌ Failed to load session %s: %v", sessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load session"})
	}

	return c.JSON(fiber.Map{
		"session_id": session.SessionID,
		"messages":   services.CoalesceEvents(session.Events),
	})
}

// Delete removes a session and evicts its cached agent.
// DELETE /sessions/:sessionId
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	sessionID := c.Params("sessionId")

	h.cache.Evict(userID, sessionID)

	if err := h.store.DeleteSession(c.Context(), userID, sessionID, appNameQuery(c)); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
		}
		log.Printf("❌ Failed to delete session %s: %v", sessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to delete session"})
	}
	return c.JSON(fiber.Map{"message": "Session deleted"})
}
