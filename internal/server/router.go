package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/NicoHurtado/p2c/internal/handlers"
	"github.com/NicoHurtado/p2c/internal/utils"
)

type RouterConfig struct {
	CourseHandler *handlers.CourseHandler
	StreamHandler *handlers.StreamHandler
	HealthHandler *handlers.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5173", nil), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-User-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", cfg.HealthHandler.Check)

	api := router.Group("/api")
	{
		courses := api.Group("/courses")
		courses.POST("/generate", cfg.CourseHandler.Generate)
		courses.GET("/stream/:course_id", cfg.StreamHandler.Stream)
		courses.GET("/stats/overview", cfg.CourseHandler.GetStatistics)
		courses.GET("/:course_id", cfg.CourseHandler.GetCourse)
		courses.GET("/:course_id/module/:module_id", cfg.CourseHandler.GetModule)
		courses.POST("/:course_id/generate-module/:module_index", cfg.CourseHandler.GenerateModule)
		courses.POST("/:course_id/audio", cfg.CourseHandler.GenerateAudio)
		courses.GET("/:course_id/generation", cfg.CourseHandler.GetGeneration)
	}

	return router
}
