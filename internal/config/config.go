// Package config loads the service configuration from the environment,
// optionally seeded from .env files.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

type ServerOptions struct {
	Port      int           `env:"PORT" envDefault:"8080"`
	JWTSecret string        `env:"JWT_SECRET"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
	// RateLimitRPS is the per-client request budget. Zero disables the limiter.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	// TrustProxyHeaders keys the limiter on X-Forwarded-For. Enable it only
	// behind a proxy that overwrites the header.
	TrustProxyHeaders bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
}

type MongoOptions struct {
	URI            string        `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	ReplicaURI     string        `env:"MONGO_REPLICA_URI"`
	Database       string        `env:"MONGO_DB" envDefault:"fleet_assistance"`
	ConnectTimeout time.Duration `env:"MONGO_CONNECT_TIMEOUT" envDefault:"10s"`
	CallTimeout    time.Duration `env:"MONGO_CALL_TIMEOUT" envDefault:"5s"`
	RetryAttempts  uint64        `env:"MONGO_RETRY_ATTEMPTS" envDefault:"3"`
}

type WorklogOptions struct {
	Driver     string `env:"WORKLOG_DRIVER" envDefault:"sqlite"`
	DSN        string `env:"WORKLOG_DSN" envDefault:"file:worklog.db?_pragma=busy_timeout(5000)"`
	ReplicaDSN string `env:"WORKLOG_REPLICA_DSN"`
}

// IntegrationOptions configures one outbound HTTP integration.
type IntegrationOptions struct {
	BaseURL           string        `env:"BASE_URL"`
	TokenURL          string        `env:"TOKEN_URL"`
	ClientID          string        `env:"CLIENT_ID"`
	ClientSecret      string        `env:"CLIENT_SECRET"`
	RequestsPerSecond float64       `env:"RPS" envDefault:"5"`
	Timeout           time.Duration `env:"TIMEOUT" envDefault:"10s"`
	SafetyMargin      time.Duration `env:"TOKEN_MARGIN" envDefault:"30s"`
}

// Enabled reports whether the integration has an endpoint.
func (o IntegrationOptions) Enabled() bool { return o.BaseURL != "" }

type MQTTOptions struct {
	Broker      string `env:"MQTT_BROKER"`
	ClientID    string `env:"MQTT_CLIENT_ID" envDefault:"fleet-assistance"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"fleet/assistance"`
}

type MetricsOptions struct {
	Enabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	Path    string `env:"METRICS_PATH" envDefault:"/metrics"`
}

type LogOptions struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type Config struct {
	Server    ServerOptions
	Mongo     MongoOptions
	Worklog   WorklogOptions
	Ticketing IntegrationOptions `envPrefix:"TICKETING_"`
	Assets    IntegrationOptions `envPrefix:"ASSETS_"`
	MQTT      MQTTOptions
	Metrics   MetricsOptions
	Log       LogOptions
}

// Load reads the given .env files that exist, then the environment.
// Variables already set in the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	existing := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, errors.Wrap(err, "load env files")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values env tags cannot express.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return errors.Errorf("PORT must be in 1..65535, got %d", c.Server.Port)
	case c.Server.RateLimitRPS < 0:
		return errors.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.Server.RateLimitRPS)
	case c.Mongo.URI == "":
		return errors.New("MONGO_URI is required")
	case c.Mongo.Database == "":
		return errors.New("MONGO_DB is required")
	case c.Mongo.RetryAttempts == 0:
		return errors.New("MONGO_RETRY_ATTEMPTS must be at least 1")
	case c.Worklog.Driver != "sqlite" && c.Worklog.Driver != "pgx":
		return errors.Errorf("WORKLOG_DRIVER must be sqlite or pgx, got %q", c.Worklog.Driver)
	case c.Worklog.DSN == "":
		return errors.New("WORKLOG_DSN is required")
	case c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/"):
		return errors.Errorf("METRICS_PATH must start with /, got %q", c.Metrics.Path)
	}
	for name, o := range map[string]IntegrationOptions{"TICKETING": c.Ticketing, "ASSETS": c.Assets} {
		if o.Enabled() && o.TokenURL != "" && o.ClientID == "" {
			return errors.Errorf("%s_CLIENT_ID is required with %s_TOKEN_URL", name, name)
		}
	}
	return nil
}

// RequireJWTSecret fails when the server would start without a signing secret.
func (c *Config) RequireJWTSecret() error {
	if c.Server.JWTSecret == "" {
		return errors.New("JWT_SECRET is required to serve the API")
	}
	return nil
}
