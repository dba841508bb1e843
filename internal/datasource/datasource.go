package datasource

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"fleettrack/internal/cache"
	"fleettrack/pkg/models"
)

// API is the upstream the data source reads through
type API interface {
	ListUsers(ctx context.Context) ([]json.RawMessage, error)
	ListVehicleLocations(ctx context.Context, userID int) ([]models.VehicleLocation, error)
	Reverse(ctx context.Context, lat, lon float64) (*models.Place, error)
}

// Config holds the TTL of each cached query
type Config struct {
	ListTTL      time.Duration `mapstructure:"list_ttl"`
	LocationsTTL time.Duration `mapstructure:"locations_ttl"`
	GeocodeTTL   time.Duration `mapstructure:"geocode_ttl"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListTTL:      5 * time.Minute,
		LocationsTTL: 30 * time.Second,
		GeocodeTTL:   10 * time.Minute,
	}
}

// Service serves fleet data through the TTL cache. Every method is a plain
// get-or-set with its own key, TTL and producer.
type Service struct {
	cache    *cache.Cache
	api      API
	config   *Config
	validate *validator.Validate
	logger   *zap.Logger
}

// New creates a data source
func New(c *cache.Cache, api API, config *Config, logger *zap.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		cache:    c,
		api:      api,
		config:   config,
		validate: validator.New(),
		logger:   logger,
	}
}

const userListKey = "userList"

func locationsKey(userID int) string {
	return "user." + strconv.Itoa(userID) + ".locations"
}

func placeKey(lat, lon float64) string {
	return "place.lat" + strconv.FormatFloat(lat, 'f', -1, 64) + ":lon:" + strconv.FormatFloat(lon, 'f', -1, 64)
}

// List returns all well-formed users
func (s *Service) List(ctx context.Context) ([]models.User, error) {
	return cache.GetOrSet(ctx, s.cache, userListKey, s.listFromAPI, cache.WithTTL(s.config.ListTTL))
}

// Get looks a user up in the list. A missing user is not an error.
func (s *Service) Get(ctx context.Context, userID int) (*models.User, bool, error) {
	users, err := s.List(ctx)
	if err != nil {
		return nil, false, err
	}

	for i := range users {
		if users[i].UserID == userID {
			return &users[i], true, nil
		}
	}
	return nil, false, nil
}

// ListVehicleLocations returns the live locations of a user's vehicles
func (s *Service) ListVehicleLocations(ctx context.Context, userID int) ([]models.VehicleLocation, error) {
	return cache.GetOrSet(ctx, s.cache, locationsKey(userID), func(ctx context.Context) ([]models.VehicleLocation, error) {
		return s.api.ListVehicleLocations(ctx, userID)
	}, cache.WithTTL(s.config.LocationsTTL))
}

// ReverseGeocode returns the place name of a coordinate pair
func (s *Service) ReverseGeocode(ctx context.Context, lat, lon float64) (*models.Place, error) {
	return cache.GetOrSet(ctx, s.cache, placeKey(lat, lon), func(ctx context.Context) (*models.Place, error) {
		return s.api.Reverse(ctx, lat, lon)
	}, cache.WithTTL(s.config.GeocodeTTL))
}

// userRecord mirrors models.User with pointer fields so an absent field can
// be told apart from a zero value.
type userRecord struct {
	UserID   *int              `json:"userid" validate:"required"`
	Owner    *models.Owner     `json:"owner" validate:"required"`
	Vehicles *[]models.Vehicle `json:"vehicles" validate:"required"`
}

func (s *Service) listFromAPI(ctx context.Context) ([]models.User, error) {
	records, err := s.api.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return s.filterUsers(records), nil
}

// filterUsers drops records lacking a user id, an owner or a vehicle list
func (s *Service) filterUsers(records []json.RawMessage) []models.User {
	users := make([]models.User, 0, len(records))
	for i, raw := range records {
		var rec userRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Debug("dropping undecodable user record", zap.Int("index", i), zap.Error(err))
			continue
		}
		if err := s.validate.Struct(rec); err != nil {
			s.logger.Debug("dropping incomplete user record", zap.Int("index", i), zap.Error(err))
			continue
		}

		users = append(users, models.User{
			UserID:   *rec.UserID,
			Owner:    *rec.Owner,
			Vehicles: *rec.Vehicles,
		})
	}

	if dropped := len(records) - len(users); dropped > 0 {
		s.logger.Info("filtered malformed user records", zap.Int("dropped", dropped), zap.Int("kept", len(users)))
	}
	return users
}
