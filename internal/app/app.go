package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-sync/internal/config"
	"chat-sync/internal/handlers"
	"chat-sync/internal/metrics"
	"chat-sync/internal/services"
	"chat-sync/internal/store"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer wires services and routes over st.
func NewServer(cfg config.Server, st store.Store, log *slog.Logger) *fiber.App {
	if log == nil {
		log = slog.Default()
	}
	metrics.Register(nil)

	// Services
	userService := services.NewUserService(st, cfg.JWTSecret, cfg.TokenTTL)
	chatService := services.NewChatService(st)
	hub := handlers.NewHub(log)
	api := handlers.NewAPI(userService, chatService, handlers.NewNotifier(hub, chatService, log), log)

	// Fiber App
	app := fiber.New(fiber.Config{
		AppName:               "chat-sync devserver",
		ErrorHandler:          handlers.ErrorHandler,
		UnescapePath:          true,
		DisableStartupMessage: true,
	})

	// Middleware
	if cfg.Env == "" || cfg.Env == "development" {
		app.Use(logger.New())
	}
	app.Use(recover.New())
	app.Use(cors.New())

	// Routes
	r := app.Group("/api")

	// Public Routes
	r.Post("/register", api.Register)
	r.Post("/login", api.Login)

	// Protected Routes
	protected := r.Group("/", handlers.AuthMiddleware(userService))
	protected.Post("/rooms/direct", api.CreateDirectRoom)
	protected.Get("/rooms", api.ListRooms)
	protected.Get("/rooms/:roomId/messages", api.GetMessages)
	protected.Post("/rooms/:roomId/messages", api.SendMessage)
	protected.Patch("/rooms/:roomId/read", api.MarkRead)
	protected.Get("/chat/unread-count", api.UnreadCount)

	// Health Check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// WebSocket Route
	// Note: Middleware order matters. WSUpgradeMiddleware checks if it's a WS
	// request, AuthMiddleware checks the token.
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", handlers.AuthMiddleware(userService))
	app.Get("/ws", handlers.WebSocketHandler(hub, log))

	return app
}

// OpenStore returns the store named by cfg.Store.
func OpenStore(ctx context.Context, cfg config.Server) (store.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	app := NewServer(cfg, st, log)

	// Start Server
	errCh := make(chan error, 1)
	go func() {
		log.Info("dev server listening", "port", cfg.Port, "store", cfg.Store)
		errCh <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("listening: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful Shutdown
	log.Info("gracefully shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	log.Info("server shutdown complete")
	return nil
}
