package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"matteragent/internal/middleware"
	"matteragent/internal/models"
	"matteragent/internal/services"
)

// ChatHandler serves the streaming chat endpoint.
type ChatHandler struct {
	relay *services.StreamRelay
}

func NewChatHandler(relay *services.StreamRelay) *ChatHandler {
	return &ChatHandler{relay: relay}
}

// Stream runs one chat turn over SSE.
// POST /chat/stream
func (h *ChatHandler) Stream(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Authentication required"})
	}

	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "query is required"})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// The stream writer runs after this handler returns, so everything it
	// needs is captured here. The fasthttp request context doubles as the
	// cancellation signal when the client disconnects.
	reqCtx := c.Context()
	reqCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		emit := func(frame models.StreamFrame) error {
			payload, err := json.Marshal(frame)
			if err != nil {
				return fmt.Errorf("failed to encode frame: %w", err)
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
			return w.Flush()
		}

		if err := h.relay.Stream(reqCtx, userID, &req, emit); err != nil {
			log.Printf("⚠️ Stream ended with error for user %s: %v", userID, err)
		}
	}))

	return nil
}
