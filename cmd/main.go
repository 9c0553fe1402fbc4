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

	"github.com/NicoHurtado/p2c/internal/clients/redis"
	"github.com/NicoHurtado/p2c/internal/db"
	"github.com/NicoHurtado/p2c/internal/handlers"
	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/repos"
	"github.com/NicoHurtado/p2c/internal/server"
	"github.com/NicoHurtado/p2c/internal/services"
	"github.com/NicoHurtado/p2c/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	defer postgresService.Close()
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos...")
	courseRepo := repos.NewCourseRepo(thePG, log)
	generationRunRepo := repos.NewGenerationRunRepo(thePG, log)

	// Cache
	cacheService := redis.NewCacheService(log)
	defer cacheService.Close()

	// Services
	log.Info("Setting up services...")
	aiClient, err := services.NewAIClient(log)
	if err != nil {
		log.Error("Could not init AIClient", "error", err)
		os.Exit(1)
	}
	contentService := services.NewContentService(log, aiClient, cacheService)
	videoProvider := services.NewVideoProviderService(log, cacheService)
	speechProvider := services.NewSpeechProviderService(log)
	bucketService := services.NewBucketService(log)

	courseGenService := services.NewCourseGenerationService(
		log,
		courseRepo,
		generationRunRepo,
		cacheService,
		contentService,
		videoProvider,
		speechProvider,
		bucketService,
	)
	progressService := services.NewProgressService(log, courseRepo, cacheService)

	// Handlers
	log.Info("Setting up handlers...")
	courseHandler := handlers.NewCourseHandler(courseGenService)
	streamHandler := handlers.NewStreamHandler(log, progressService)
	healthHandler := handlers.NewHealthHandler(postgresService, cacheService)

	// Router
	router := server.NewRouter(server.RouterConfig{
		CourseHandler: courseHandler,
		StreamHandler: streamHandler,
		HealthHandler: healthHandler,
	})

	port := utils.GetEnv("PORT", "8000", log)
	srv := &http.Server{Addr: ":" + port, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down, draining in-flight generations...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
	}
	courseGenService.WaitForBackground()
}
