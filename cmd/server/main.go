package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"worksheet-service/internal/auth"
	"worksheet-service/internal/bundle"
	"worksheet-service/internal/config"
	"worksheet-service/internal/db"
	"worksheet-service/internal/domain"
	"worksheet-service/internal/logger"
	"worksheet-service/internal/markup"
	"worksheet-service/internal/middleware"
	"worksheet-service/internal/user"
	"worksheet-service/internal/worker"
	"worksheet-service/internal/worksheet"
	"worksheet-service/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:          "worksheet-service",
		Short:        "Worksheet management service",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.AddCommand(serve, newMigrateCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()
			conn, err := db.ConnectDb(cfg)
			if err != nil {
				return err
			}
			defer db.CloseDb(conn)
			return db.Migrate(conn)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(setup())
		},
	}
}

func setup() config.Config {
	cfg := config.LoadConfig()
	logger.Init(cfg.Environment, cfg.LogLevel)
	auth.SetSecret(cfg.JWTSecret)
	return cfg
}

func serve(cfg config.Config) error {
	conn, err := db.ConnectDb(cfg)
	if err != nil {
		return err
	}
	defer db.CloseDb(conn)

	if err := db.Migrate(conn); err != nil {
		return err
	}

	cache := redis.InitRedis(context.Background(), cfg.RedisAddress)
	defer cache.Close()

	pool := worker.NewWorkerPool(cfg.WorkerPoolSize, 5*time.Second)
	defer pool.Shutdown()

	// Initialize repository
	userRepo := user.NewRepository(conn)
	worksheetRepo := worksheet.NewRepository(conn)
	// Initialize service
	userService := user.NewService(userRepo, cache)
	bundleClient := bundle.NewClient(cfg.BundleServiceAddress, cfg.BundleServiceSecret)
	worksheetService := worksheet.NewService(
		worksheetRepo,
		userService,
		bundleClient,
		markup.Tokenizer{},
		cache,
		pool,
		cfg.CacheTTL,
	)
	// Initialize handler
	userHandler := user.NewHandler(userService)
	worksheetHandler := worksheet.NewHandler(worksheetService)

	if cfg.Environment == "development" {
		// Seed database with initial data
		db.SeedData(conn, func(u *domain.User) error {
			return userService.Register(context.Background(), u)
		})
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logger.RequestLogger(), middleware.ErrorHandler())

	// cors setting
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}
	if cfg.Environment == "development" {
		// Allow all origins in development
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = []string{cfg.FrontendAddress}
	}
	router.Use(cors.New(corsConfig))

	authMiddleware := &middleware.Auth{
		UserService:    userService,
		InternalSecret: cfg.InternalSecret,
	}
	public := router.Group("/", authMiddleware.OptionalAuth())
	private := router.Group("/", authMiddleware.AuthMiddleWare())
	internal := router.Group("/internal", authMiddleware.InternalAuthMiddleware())

	// User routes
	router.POST("/register", userHandler.Register)
	router.POST("/login", userHandler.Login)
	router.POST("/refresh", userHandler.RefreshToken)
	private.DELETE("/logout", userHandler.Logout)
	private.GET("/profile", userHandler.GetProfile)
	private.DELETE("/profile", userHandler.DeleteProfile)
	private.GET("/users", userHandler.SearchUsers)
	private.POST("/groups", userHandler.CreateGroup)
	private.POST("/groups/:uuid/members", userHandler.AddMember)

	worksheetHandler.RegisterRoutes(public, private, internal)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.ServerPort).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}
	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server shutdown complete")
	return nil
}
