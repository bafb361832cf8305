package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full service configuration, read from the environment.
type Config struct {
	LogLevel string         `env:"LOG_LEVEL" envDefault:"info"`
	Service  ServiceConfig  `envPrefix:"SERVICE_"`
	Server   ServerConfig   `envPrefix:"SERVER_"`
	Database DatabaseConfig `envPrefix:"DATABASE_"`
	NATS     NATSConfig     `envPrefix:"NATS_"`
	Sweep    SweepConfig    `envPrefix:"SWEEP_"`
	Engine   EngineConfig   `envPrefix:"ENGINE_"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `env:"NAME" envDefault:"be-travel-approvals"`
	Version     string `env:"VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8086"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9086"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

// DatabaseConfig holds Postgres pool settings.
type DatabaseConfig struct {
	Host        string        `env:"HOST" envDefault:"localhost"`
	Port        int           `env:"PORT" envDefault:"5432"`
	User        string        `env:"USER" envDefault:"postgres"`
	Password    string        `env:"PASSWORD"`
	Database    string        `env:"NAME" envDefault:"travel_approvals"`
	SSLMode     string        `env:"SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"MIN_CONNS" envDefault:"1"`
	MaxConnTime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"30m"`
	HealthCheck time.Duration `env:"HEALTH_CHECK_PERIOD" envDefault:"1m"`
	AutoMigrate bool          `env:"AUTO_MIGRATE" envDefault:"false"`
}

// DSN renders the connection string understood by pgx.
func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// NATSConfig configures the intent publisher. An empty URL disables it.
type NATSConfig struct {
	URL           string        `env:"URL"`
	Stream        string        `env:"STREAM" envDefault:"APPROVALS"`
	SubjectPrefix string        `env:"SUBJECT_PREFIX" envDefault:"approvals.intents"`
	PublishRetry  int           `env:"PUBLISH_RETRY" envDefault:"3"`
	ConnectWait   time.Duration `env:"CONNECT_WAIT" envDefault:"5s"`
}

// SweepConfig configures the periodic expiry/escalation/reminder sweep.
type SweepConfig struct {
	Enabled       bool          `env:"ENABLED" envDefault:"true"`
	Interval      time.Duration `env:"INTERVAL" envDefault:"1m"`
	RatePerSecond int           `env:"RATE_PER_SECOND" envDefault:"20"`
	Workers       int           `env:"WORKERS" envDefault:"4"`
}

// EngineConfig tunes the approval engine.
type EngineConfig struct {
	RetryAttempts        int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryInitialWait     time.Duration `env:"RETRY_INITIAL_WAIT" envDefault:"20ms"`
	RetryMaxWait         time.Duration `env:"RETRY_MAX_WAIT" envDefault:"500ms"`
	MaxEscalations       int           `env:"MAX_ESCALATIONS" envDefault:"3"`
	DefaultDeadlineHours int           `env:"DEFAULT_DEADLINE_HOURS" envDefault:"24"`
}

// Load parses the environment into Config.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	if c.Server.Port == c.Server.GRPCPort {
		return fmt.Errorf("http and grpc ports must differ (both %d)", c.Server.Port)
	}
	if c.Engine.RetryAttempts < 1 {
		return fmt.Errorf("ENGINE_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive when the sweep is enabled")
	}
	return nil
}
