package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"matteragent/internal/models"
	"matteragent/pkg/auth"
)

func TestRespondWithTokensCarriesPairAndUser(t *testing.T) {
	manager, err := auth.NewManager("0123456789abcdef0123456789abcdef", 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	h := &LocalAuthHandler{manager: manager}

	app := fiber.New()
	c := app.AcquireCtx(&fasthttp.RequestCtx{})
	defer app.ReleaseCtx(c)

	user := &models.User{ID: "u1", Email: "dev@matteragent.io", Username: "dev", Role: "user"}
	if err := h.respondWithTokens(c, user); err != nil {
		t.Fatalf("respondWithTokens failed: %v", err)
	}

	var resp models.TokenResponse
	if err := json.Unmarshal(c.Response().Body(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("token pair must be populated")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type %q, want bearer", resp.TokenType)
	}
	if resp.User == nil || resp.User.ID != "u1" {
		t.Errorf("user payload wrong: %+v", resp.User)
	}
	if _, err := manager.VerifyAccessToken(resp.AccessToken); err != nil {
		t.Errorf("issued access token does not verify: %v", err)
	}
}
