package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"matteragent/internal/middleware"
	"matteragent/internal/models"
	"matteragent/internal/services"
	"matteragent/pkg/auth"
)

// LocalAuthHandler serves registration, login and token refresh.
type LocalAuthHandler struct {
	manager      *auth.Manager
	users        *services.UserService
	verification *services.VerificationService
}

func NewLocalAuthHandler(manager *auth.Manager, users *services.UserService, verification *services.VerificationService) *LocalAuthHandler {
	return &LocalAuthHandler{
		manager:      manager,
		users:        users,
		verification: verification,
	}
}

// RequestCode sends a verification code to an email about to register.
// POST /auth/request-code
func (h *LocalAuthHandler) RequestCode(c *fiber.Ctx) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Valid email address is required"})
	}

	exists, err := h.users.EmailExists(c.Context(), req.Email)
	if err != nil {
		log.Printf("❌ Email lookup failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process request"})
	}
	if exists {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Email already registered"})
	}

	if err := h.verification.RequestCode(req.Email); err != nil {
		log.Printf("❌ Failed to send verification code: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to send verification code"})
	}
	return c.JSON(fiber.Map{"message": "Verification code sent"})
}

// Register creates an account once the emailed code checks out.
// POST /auth/register
func (h *LocalAuthHandler) Register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Valid email address is required"})
	}
	if req.Username == "" {
		req.Username = strings.SplitN(req.Email, "@", 2)[0]
	}

	if err := h.verification.VerifyCode(req.Email, req.Code); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	user, err := h.users.Create(c.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrEmailTaken) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Email already registered"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	log.Printf("✅ Registered user %s", user.Email)
	return h.respondWithTokens(c, user)
}

// Login authenticates with email and password.
// POST /auth/login
func (h *LocalAuthHandler) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	user, err := h.users.Authenticate(c.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid email or password"})
		}
		log.Printf("❌ Login failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process login"})
	}

	return h.respondWithTokens(c, user)
}

// Refresh exchanges a refresh token for a fresh pair.
// POST /auth/refresh
func (h *LocalAuthHandler) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "refresh_token is required"})
	}

	claims, err := h.manager.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired refresh token"})
	}

	user, err := h.users.GetByID(c.Context(), claims.Subject)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Account no longer exists"})
	}

	return h.respondWithTokens(c, user)
}

// Me returns the authenticated account.
// GET /auth/me
func (h *LocalAuthHandler) Me(c *fiber.Ctx) error {
	user, err := h.users.GetByID(c.Context(), middleware.UserID(c))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Account not found"})
	}
	return c.JSON(user)
}

// ChangePassword updates the caller's password after verifying the
// current one.
// POST /auth/change-password
func (h *LocalAuthHandler) ChangePassword(c *fiber.Ctx) error {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	err := h.users.ChangePassword(c.Context(), middleware.UserID(c), req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Current password is incorrect"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "Password updated"})
}

func (h *LocalAuthHandler) respondWithTokens(c *fiber.Ctx, user *models.User) error {
	access, refresh, err := h.manager.GenerateTokens(user.ID, user.Email, user.Username, user.Role)
	if err != nil {
		log.Printf("❌ Failed to issue tokens: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to issue tokens"})
	}
	return c.JSON(models.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		User:         user,
	})
}
