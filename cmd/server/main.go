package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"matteragent/internal/agent"
	"matteragent/internal/config"
	"matteragent/internal/database"
	"matteragent/internal/handlers"
	"matteragent/internal/logging"
	"matteragent/internal/middleware"
	"matteragent/internal/services"
	"matteragent/internal/tools"
	"matteragent/pkg/auth"
)

func main() {
	logging.Init()

	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	cfg := config.Load()

	// MongoDB
	db, err := database.NewMongoDB(cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Initialize(initCtx); err != nil {
		cancel()
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}
	cancel()

	// App/tool registry with hot reload
	registry := tools.NewRegistry(cfg.AppsFile)
	if err := registry.Watch(); err != nil {
		log.Printf("⚠️ Registry hot reload unavailable: %v", err)
	}

	resolver := tools.NewResolver(registry)

	factory := agent.NewFactory(registry, agent.ModelBinding{
		Name:    cfg.ModelName,
		BaseURL: cfg.ModelBaseURL,
		APIKey:  cfg.ModelAPIKey,
	}, cfg.ToolConnectTimeout, cfg.ToolReadTimeout)

	// Agent cache and its reaper
	cache := services.NewAgentCacheService(cfg.SessionTimeout, cfg.CleanupInterval, cfg.CloseTimeout)
	cache.Start()

	services.InitMetrics(cache)

	sessionService := services.NewSessionService(db)
	relay := services.NewStreamRelay(cache, sessionService, resolver,
		func(appName string, descriptors []tools.Descriptor) (services.AgentHandle, error) {
			return factory.Build(appName, descriptors)
		})

	userService := services.NewUserService(db)
	verificationService := services.NewVerificationService(services.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})

	var jwtManager *auth.Manager
	if cfg.JWTSecret != "" {
		jwtManager, err = auth.NewManager(cfg.JWTSecret, cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry)
		if err != nil {
			log.Fatalf("❌ Failed to initialize auth: %v", err)
		}
	} else {
		log.Println("⚠️ JWT_SECRET not set, running without authentication (development only)")
	}

	app := fiber.New(fiber.Config{
		AppName:      "MatterAgent v1.0",
		ReadTimeout:  900 * time.Second, // streaming turns with slow models run long
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  900 * time.Second,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("matteragent")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️ ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	app.Use(middleware.GlobalRateLimiter(cfg.RateLimitMax))

	// Handlers
	healthHandler := handlers.NewHealthHandler(db, cache)
	chatHandler := handlers.NewChatHandler(relay)
	sessionHandler := handlers.NewSessionHandler(sessionService, cache)
	cacheHandler := handlers.NewCacheHandler(cache)
	authHandler := handlers.NewLocalAuthHandler(jwtManager, userService, verificationService)

	// Routes
	app.Get("/health", healthHandler.Handle)

	if jwtManager != nil {
		authGroup := app.Group("/auth", middleware.AuthRateLimiter())
		authGroup.Post("/send-code", authHandler.RequestCode)
		authGroup.Post("/register", authHandler.Register)
		authGroup.Post("/login", authHandler.Login)
		authGroup.Post("/refresh", authHandler.Refresh)
		app.Get("/auth/me", middleware.LocalAuthMiddleware(jwtManager), authHandler.Me)
		app.Post("/auth/change-password", middleware.LocalAuthMiddleware(jwtManager), authHandler.ChangePassword)
	}

	authed := middleware.LocalAuthMiddleware(jwtManager)
	app.Post("/chat/stream", authed, chatHandler.Stream)
	app.Get("/sessions", authed, sessionHandler.List)
	app.Get("/history", authed, sessionHandler.History)
	app.Delete("/sessions/:sessionId", authed, sessionHandler.Delete)
	app.Get("/cache-status", authed, cacheHandler.Status)
	app.Post("/cleanup", authed, cacheHandler.Cleanup)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down server...")

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}

		cache.Shutdown()
		registry.Stop()

		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.Close(closeCtx); err != nil {
			log.Printf("⚠️ Error closing database: %v", err)
		}
	}()

	log.Printf("🚀 Server listening on :%s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
