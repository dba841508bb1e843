package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleettrack/internal/cache"
	"fleettrack/internal/store"
	"fleettrack/pkg/models"
)

// FleetSource is the data source behind the REST endpoints
type FleetSource interface {
	List(ctx context.Context) ([]models.User, error)
	Get(ctx context.Context, userID int) (*models.User, bool, error)
	ListVehicleLocations(ctx context.Context, userID int) ([]models.VehicleLocation, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (*models.Place, error)
}

// FleetHandler handles the fleet REST API
type FleetHandler struct {
	fleet  FleetSource
	cache  *cache.Cache
	store  store.Store
	logger *zap.Logger
}

// NewFleetHandler creates a new handler
func NewFleetHandler(fleet FleetSource, c *cache.Cache, st store.Store, logger *zap.Logger) *FleetHandler {
	return &FleetHandler{
		fleet:  fleet,
		cache:  c,
		store:  st,
		logger: logger,
	}
}

type userURI struct {
	ID int `uri:"id" binding:"required,min=1"`
}

type geocodeQuery struct {
	Lat *float64 `form:"lat" binding:"required,min=-90,max=90"`
	Lon *float64 `form:"lon" binding:"required,min=-180,max=180"`
}

// ListUsers handles GET /users
func (h *FleetHandler) ListUsers(c *gin.Context) {
	users, err := h.fleet.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list users", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list users"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  users,
		"count": len(users),
	})
}

// GetUser handles GET /users/:id
func (h *FleetHandler) GetUser(c *gin.Context) {
	var uri userURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	user, ok, err := h.fleet.Get(c.Request.Context(), uri.ID)
	if err != nil {
		h.logger.Error("failed to get user", zap.Error(err), zap.Int("user_id", uri.ID))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to get user"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, user)
}

// ListVehicleLocations handles GET /users/:id/locations
func (h *FleetHandler) ListVehicleLocations(c *gin.Context) {
	var uri userURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	locations, err := h.fleet.ListVehicleLocations(c.Request.Context(), uri.ID)
	if err != nil {
		h.logger.Error("failed to list vehicle locations", zap.Error(err), zap.Int("user_id", uri.ID))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list vehicle locations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  locations,
		"count": len(locations),
	})
}

// ReverseGeocode handles GET /geocode?lat=&lon=
func (h *FleetHandler) ReverseGeocode(c *gin.Context) {
	var query geocodeQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.logger.Warn("invalid geocode query", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lon are required"})
		return
	}

	place, err := h.fleet.ReverseGeocode(c.Request.Context(), *query.Lat, *query.Lon)
	if err != nil {
		h.logger.Error("failed to reverse geocode", zap.Error(err),
			zap.Float64("lat", *query.Lat), zap.Float64("lon", *query.Lon))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to resolve address"})
		return
	}

	c.JSON(http.StatusOK, place)
}

// ResetCache handles DELETE /cache
func (h *FleetHandler) ResetCache(c *gin.Context) {
	deleted, err := h.cache.Reset(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to reset cache", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset cache"})
		return
	}

	h.logger.Info("cache reset via API", zap.Int("deleted", deleted))
	c.JSON(http.StatusOK, gin.H{
		"message": "cache cleared successfully",
		"deleted": deleted,
	})
}

// Health handles GET /health
func (h *FleetHandler) Health(c *gin.Context) {
	err := h.store.Ping(c.Request.Context())
	if err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}
