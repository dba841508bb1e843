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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fleettrack/internal/cache"
	"fleettrack/internal/config"
	"fleettrack/internal/datasource"
	"fleettrack/internal/handlers"
	"fleettrack/internal/metrics"
	"fleettrack/internal/middleware"
	"fleettrack/internal/refresh"
	"fleettrack/internal/store"
	"fleettrack/internal/upstream"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Configure logger
	level := zap.NewAtomicLevel()
	logger, err := setupLogger(&cfg.Logger, level)
	if err != nil {
		fmt.Printf("Failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg.Watch(level, logger)

	logger.Info("Starting fleettrack server",
		zap.String("version", "1.0.0"),
		zap.String("address", cfg.Server.GetAddress()),
		zap.String("store", cfg.Store.Backend),
	)

	// Initialize store
	st, err := store.New(&cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		logger.Fatal("Failed to connect to store", zap.Error(err))
	}
	logger.Info("Store connection established successfully")

	m := metrics.New()
	appCache := cache.New(st, cache.WithLogger(logger), cache.WithMetrics(m))
	api := upstream.NewClient(&cfg.Upstream, logger)
	source := datasource.New(appCache, api, &cfg.DataSource, logger)

	// Configure Gin
	if cfg.Logger.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS())

	fleetHandler := handlers.NewFleetHandler(source, appCache, st, logger)
	trackHandler := handlers.NewTrackHandler(source, logger, m,
		refresh.WithInterval(cfg.Refresh.Interval),
	)

	router.GET("/health", fleetHandler.Health)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := router.Group("/api/v1")
	{
		users := v1.Group("/users")
		{
			users.GET("", fleetHandler.ListUsers)
			users.GET("/:id", fleetHandler.GetUser)
			users.GET("/:id/locations", fleetHandler.ListVehicleLocations)
			users.GET("/:id/track", trackHandler.Track)
		}

		v1.GET("/geocode", fleetHandler.ReverseGeocode)
		v1.DELETE("/cache", fleetHandler.ResetCache)
	}

	// Configure HTTP server
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Server starting", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// setupLogger configures the logger according to the configuration. The
// level stays adjustable through level.
func setupLogger(cfg *config.LoggerConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	parsed, err := config.ParseLevel(cfg.Level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	level.SetLevel(parsed)

	config := zap.Config{
		Level:       level,
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: cfg.Format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{cfg.OutputPath},
		ErrorOutputPaths: []string{cfg.OutputPath},
	}

	return config.Build()
}
