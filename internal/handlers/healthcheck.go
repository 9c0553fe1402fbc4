package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NicoHurtado/p2c/internal/clients/redis"
	"github.com/NicoHurtado/p2c/internal/db"
)

type HealthHandler struct {
	pg    *db.PostgresService
	cache redis.CacheService
}

func NewHealthHandler(pg *db.PostgresService, cache redis.CacheService) *HealthHandler {
	return &HealthHandler{pg: pg, cache: cache}
}

// GET /healthcheck
func (h *HealthHandler) Check(c *gin.Context) {
	dbStatus := "up"
	status := http.StatusOK
	if !h.pg.HealthCheck() {
		dbStatus = "down"
		status = http.StatusServiceUnavailable
	}

	cacheStatus := "up"
	if !h.cache.Connected() {
		cacheStatus = "disabled"
	} else if err := h.cache.Ping(c.Request.Context()); err != nil {
		cacheStatus = "down"
	}

	c.JSON(status, gin.H{
		"status":   dbStatus,
		"database": dbStatus,
		"cache":    cacheStatus,
	})
}
