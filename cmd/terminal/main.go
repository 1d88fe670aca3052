package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	httpAdapter "github.com/dumu-tech/mesa-terminal/internal/adapters/http"
	redisAdapter "github.com/dumu-tech/mesa-terminal/internal/adapters/redis"
	"github.com/dumu-tech/mesa-terminal/internal/adapters/remote"
	"github.com/dumu-tech/mesa-terminal/internal/adapters/sqlite"
	"github.com/dumu-tech/mesa-terminal/internal/config"
	"github.com/dumu-tech/mesa-terminal/internal/events"
	"github.com/dumu-tech/mesa-terminal/internal/middleware"
	"github.com/dumu-tech/mesa-terminal/internal/service"
	"github.com/dumu-tech/mesa-terminal/internal/settlement"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	if cfg.RedisPassword != "" {
		redisOpts.Password = cfg.RedisPassword
	}

	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("✓ Redis connection established")

	// Terminal-local activity log
	activityLog, err := sqlite.NewActivityLog(cfg.ActivityDBPath)
	if err != nil {
		log.Fatalf("Failed to open activity log: %v", err)
	}
	log.Println("✓ Activity log ready")

	// Remote order/table/payment API
	apiClient := remote.NewClient(cfg.APIBaseURL, cfg.APIToken)
	ledgerStore := redisAdapter.NewLedgerStore(rdb)
	policy := cfg.BranchPolicy()

	// Push channel
	bus := events.New(events.Options{
		Endpoint: cfg.PushEndpoint,
		Credentials: func(ctx context.Context) (string, error) {
			return cfg.APIToken, nil
		},
		KeepaliveInterval: time.Duration(cfg.PushKeepaliveSeconds) * time.Second,
		Reconnect: events.ReconnectPolicy{
			MaxAttempts: cfg.PushReconnectAttempts,
		},
	})

	// Services
	tableService := service.NewTableService(bus, apiClient, service.NewTableContext(), activityLog)
	reconciler := settlement.New(apiClient, policy)
	orderService := service.NewOrderService(apiClient, ledgerStore, tableService, reconciler, policy, activityLog)

	stopTables := tableService.Start()
	defer stopTables()
	stopOrders := orderService.Start(bus)
	defer stopOrders()

	if err := bus.Connect(context.Background()); err != nil {
		// The terminal still works over the REST API; the board catches up
		// on the next manual refresh.
		log.Printf("Push channel unavailable: %v", err)
	} else {
		log.Println("✓ Push channel connected")
	}
	defer bus.Disconnect()

	if err := tableService.Refresh(context.Background()); err != nil {
		log.Printf("Initial table snapshot failed: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Mesa Terminal",
		ServerHeader: "Fiber",
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Health check route
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"project": "mesa-terminal",
		})
	})

	handler := httpAdapter.NewHandler(tableService, orderService)
	handler.RegisterRoutes(app, middleware.AuthMiddleware(cfg.JWTSecret))

	// Start server
	addr := fmt.Sprintf(":%s", cfg.AppPort)
	log.Printf("🚀 Terminal starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
