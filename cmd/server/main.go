package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/shotline/server/internal/client"
	"github.com/shotline/server/internal/config"
	"github.com/shotline/server/internal/handler"
	"github.com/shotline/server/internal/installer"
	"github.com/shotline/server/internal/jobstore"
	"github.com/shotline/server/internal/middleware"
	"github.com/shotline/server/internal/service"
	"github.com/shotline/server/internal/supervisor"
	"github.com/shotline/server/internal/version"
	ws "github.com/shotline/server/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Installer components
	gate, err := installer.NewVersionGate(version.Version)
	if err != nil {
		log.Fatalf("Invalid server version: %v", err)
	}

	store := jobstore.NewRedisStore(redisClient)
	fetcher := client.NewFetcher(time.Duration(cfg.Installer.HTTPTimeoutSeconds) * time.Second)
	deployer := installer.NewDeployer(cfg.Installer.AddonsDir, cfg.Installer.UnpackWorkers)

	core := installer.NewCore(
		store,
		fetcher,
		gate,
		deployer,
		hub,
		cfg.Installer.DependencyPackagesDir,
		cfg.Installer.InstallersDir,
	)

	// Initialize storage vault (optional - continues if not configured)
	var storageClient client.StorageClient
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		s3Client, err := client.NewS3Client(&cfg.Storage)
		if err != nil {
			log.Printf("Warning: storage client not initialized: %v", err)
		} else {
			storageClient = s3Client
		}
	} else {
		log.Println("Info: archive storage not configured, uploaded zips are not vaulted")
	}

	// Initialize services
	installService := service.NewInstallService(store, core, gate, storageClient, cfg.Installer.AddonsDir)

	// Initialize handlers
	addonHandler := handler.NewAddonHandler(installService, validate, cfg.Installer.MaxUploadMB)
	packageHandler := handler.NewPackageHandler(installService, validate)
	jobHandler := handler.NewJobHandler(installService)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Start the background installer under supervision
	installerSupervisor := supervisor.New("background installer", core.Run)
	installerSupervisor.Start()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: cfg.Installer.MaxUploadMB * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Version,
			"services": fiber.Map{
				"redis":     redisClient.Ping(c.Context()).Err() == nil,
				"installer": installerSupervisor.Running(),
				"storage":   storageClient != nil,
			},
		})
	})

	// API routes — package installation is admin-only
	api := app.Group("/api", authMiddleware.Authenticate())

	addons := api.Group("/addons")
	addons.Get("/", addonHandler.Deployed)
	addons.Get("/install", addonHandler.List)
	addons.Post("/install",
		middleware.RequireAdmin(),
		rateLimiter.InstallLimit(cfg.RateLimit.InstallPerHour),
		addonHandler.Install,
	)

	api.Post("/dependency-packages/install",
		middleware.RequireAdmin(),
		rateLimiter.InstallLimit(cfg.RateLimit.InstallPerHour),
		packageHandler.InstallDependencyPackage,
	)
	api.Post("/installers/install",
		middleware.RequireAdmin(),
		rateLimiter.InstallLimit(cfg.RateLimit.InstallPerHour),
		packageHandler.InstallInstaller,
	)

	api.Get("/jobs/:jobId", jobHandler.Status)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := installerSupervisor.Shutdown(shutdownCtx); err != nil {
			log.Printf("Installer shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
