package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleettrack/pkg/models"
)

// Config configuration for the upstream APIs
type Config struct {
	APIURL      string        `mapstructure:"api_url" validate:"required,url"`
	GeocoderURL string        `mapstructure:"geocoder_url" validate:"required,url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		APIURL:      "http://mobi.connectedcar360.net/api/",
		GeocoderURL: "https://nominatim.openstreetmap.org",
		Timeout:     10 * time.Second,
		UserAgent:   "fleettrack/1.0",
	}
}

// StatusError is returned when an upstream answers with a non-2xx status
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// Client talks to the fleet API and the reverse geocoder. It does no caching.
type Client struct {
	httpClient  *http.Client
	apiURL      string
	geocoderURL string
	userAgent   string
	logger      *zap.Logger
}

// NewClient creates a new upstream client
func NewClient(config *Config, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		httpClient:  &http.Client{Timeout: config.Timeout},
		apiURL:      config.APIURL,
		geocoderURL: config.GeocoderURL,
		userAgent:   config.UserAgent,
		logger:      logger,
	}
}

// apiURL joins base and uri with exactly one slash
func apiURL(base, uri string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(uri, "/")
}

type listPayload[T any] struct {
	Data []T `json:"data"`
}

// ListUsers fetches the raw user records. Records are returned undecoded so
// the caller can drop malformed ones instead of failing the whole list.
func (c *Client) ListUsers(ctx context.Context) ([]json.RawMessage, error) {
	var payload listPayload[json.RawMessage]
	if err := c.getJSON(ctx, apiURL(c.apiURL, "?op=list"), &payload); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return payload.Data, nil
}

// ListVehicleLocations fetches the live locations of a user's vehicles
func (c *Client) ListVehicleLocations(ctx context.Context, userID int) ([]models.VehicleLocation, error) {
	uri := "?op=getlocations&userid=" + strconv.Itoa(userID)

	var payload listPayload[models.VehicleLocation]
	if err := c.getJSON(ctx, apiURL(c.apiURL, uri), &payload); err != nil {
		return nil, fmt.Errorf("list vehicle locations of user %d: %w", userID, err)
	}
	if payload.Data == nil {
		payload.Data = []models.VehicleLocation{}
	}
	return payload.Data, nil
}

// Reverse resolves a coordinate pair into a human-readable place
func (c *Client) Reverse(ctx context.Context, lat, lon float64) (*models.Place, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("format", "json")

	var place models.Place
	if err := c.getJSON(ctx, apiURL(c.geocoderURL, "/reverse?"+q.Encode()), &place); err != nil {
		return nil, fmt.Errorf("reverse geocode %v,%v: %w", lat, lon, err)
	}
	return &place, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("upstream request",
		zap.String("url", rawURL),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return nil
}
