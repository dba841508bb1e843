package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fleettrack/internal/datasource"
	"fleettrack/internal/store"
	"fleettrack/internal/upstream"
)

// Config estructura de configuración principal
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Store      store.Config      `mapstructure:"store"`
	Upstream   upstream.Config   `mapstructure:"upstream"`
	DataSource datasource.Config `mapstructure:"datasource"`
	Refresh    RefreshConfig     `mapstructure:"refresh"`
	Logger     LoggerConfig      `mapstructure:"logger"`

	v *viper.Viper
}

// ServerConfig configuración del servidor HTTP
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RefreshConfig configuración del refresco de posiciones
type RefreshConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoggerConfig configuración del logger
type LoggerConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	OutputPath string `mapstructure:"output_path" validate:"required"`
}

// LoadConfig carga la configuración desde archivos de configuración y
// variables de entorno. Sin rutas se buscan ".", "./config" y
// "/etc/fleettrack".
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/fleettrack"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// Variables de entorno: FT_STORE_ADDRESSES, FT_REFRESH_INTERVAL, ...
	v.SetEnvPrefix("FT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Si no se encuentra el archivo, usar valores por defecto
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	// FT_STORE_ADDRESSES llega como una sola cadena separada por comas
	if raw, ok := v.Get("store.addresses").(string); ok && raw != "" {
		addresses := strings.Split(raw, ",")
		for i, addr := range addresses {
			addresses[i] = strings.TrimSpace(addr)
		}
		config.Store.Addresses = addresses
	}

	config.v = v
	return &config, nil
}

// setDefaults establece los valores por defecto
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	storeDefaults := store.DefaultConfig()
	v.SetDefault("store.backend", storeDefaults.Backend)
	v.SetDefault("store.addresses", storeDefaults.Addresses)
	v.SetDefault("store.password", storeDefaults.Password)
	v.SetDefault("store.database", storeDefaults.Database)
	v.SetDefault("store.max_retries", storeDefaults.MaxRetries)
	v.SetDefault("store.pool_size", storeDefaults.PoolSize)
	v.SetDefault("store.min_idle_conns", storeDefaults.MinIdleConns)
	v.SetDefault("store.dial_timeout", storeDefaults.DialTimeout)
	v.SetDefault("store.read_timeout", storeDefaults.ReadTimeout)
	v.SetDefault("store.write_timeout", storeDefaults.WriteTimeout)
	v.SetDefault("store.pool_timeout", storeDefaults.PoolTimeout)

	upstreamDefaults := upstream.DefaultConfig()
	v.SetDefault("upstream.api_url", upstreamDefaults.APIURL)
	v.SetDefault("upstream.geocoder_url", upstreamDefaults.GeocoderURL)
	v.SetDefault("upstream.timeout", upstreamDefaults.Timeout)
	v.SetDefault("upstream.user_agent", upstreamDefaults.UserAgent)

	dsDefaults := datasource.DefaultConfig()
	v.SetDefault("datasource.list_ttl", dsDefaults.ListTTL)
	v.SetDefault("datasource.locations_ttl", dsDefaults.LocationsTTL)
	v.SetDefault("datasource.geocode_ttl", dsDefaults.GeocodeTTL)

	v.SetDefault("refresh.interval", "60s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_path", "stdout")
}

// Validate checks the values viper cannot check by type
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("invalid config: refresh.interval must be positive, got %s", c.Refresh.Interval)
	}
	return nil
}

// File returns the config file in use, empty when running on defaults
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch reloads the config file on change and applies the new log level to
// level. The loaded Config is never modified, so level is the only place the
// current level lives. Other settings need a restart. Does nothing without a
// config file.
func (c *Config) Watch(level zap.AtomicLevel, logger *zap.Logger) {
	if c.File() == "" {
		return
	}
	c.v.OnConfigChange(c.onChange(level, logger))
	c.v.WatchConfig()
	logger.Info("watching config file", zap.String("file", c.File()))
}

func (c *Config) onChange(level zap.AtomicLevel, logger *zap.Logger) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		name := c.v.GetString("logger.level")
		next, err := ParseLevel(name)
		if err != nil {
			logger.Warn("ignoring invalid log level from config",
				zap.String("file", e.Name),
				zap.String("level", name),
			)
			return
		}
		if next == level.Level() {
			return
		}
		level.SetLevel(next)
		logger.Info("log level changed",
			zap.String("file", e.Name),
			zap.String("op", e.Op.String()),
			zap.Stringer("level", next),
		)
	}
}

// ParseLevel maps a configured level name to a zap level
func ParseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// GetAddress devuelve la dirección completa del servidor
func (sc *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", sc.Host, sc.Port)
}
