// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Events backends.
const (
	EventsNATS  = "nats"
	EventsRedis = "redis"
	EventsNone  = "none"
)

// Config holds action-gateway configuration.
type Config struct {
	// COMMS: connect to NATS at COMMSURL. Empty disables NATS ingress and NATS events.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"action-gateway"`

	// Subjects
	GatewaySubject     string `envconfig:"GATEWAY_SUBJECT" default:"gateway.v1.request"`
	ChangeEventSubject string `envconfig:"CHANGE_EVENT_SUBJECT" default:"gateway.changed"`

	// Change events
	EventsBackend string `envconfig:"EVENTS_BACKEND" default:"nats"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"gateway.changed"`

	// Timeouts
	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
	DaemonCallTimeout time.Duration `envconfig:"DAEMON_CALL_TIMEOUT" default:"30s"`

	// Workers
	DaemonConflictPolicy string `envconfig:"DAEMON_CONFLICT_POLICY" default:"reject"`
	DaemonProtocol       string `envconfig:"DAEMON_PROTOCOL" default:">=1.0.0, <2.0.0"`
	DaemonRequireKnown   bool   `envconfig:"DAEMON_REQUIRE_KNOWN" default:"false"`

	// Tokens
	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER" default:"action-gateway"`

	// AdminPermission guards the built-in management actions.
	AdminPermission int `envconfig:"GATEWAY_ADMIN_PERMISSION" default:"1"`

	// Bootstrap
	BootstrapFile string `envconfig:"BOOTSTRAP_FILE"`

	// Database (optional; empty disables persistence)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP: health, metrics, listing, WebSocket and REST endpoints
	HTTPAddr           string        `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Per-connection WebSocket message rate; 0 disables limiting.
	ClientRateLimit float64 `envconfig:"CLIENT_RATE_LIMIT" default:"50"`
	ClientRateBurst int     `envconfig:"CLIENT_RATE_BURST" default:"100"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the gateway server.
func (c *Config) ValidateForServe() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%s - JWT_SECRET is required for serve", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.DaemonCallTimeout <= 0 {
		return fmt.Errorf("%s - DAEMON_CALL_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if _, err := action.ParseConflictPolicy(c.DaemonConflictPolicy); err != nil {
		return fmt.Errorf("%s - DAEMON_CONFLICT_POLICY: %w", logPrefix, err)
	}
	if strings.TrimSpace(c.DaemonProtocol) != "" {
		if _, err := semver.NewProtocolChecker(c.DaemonProtocol); err != nil {
			return fmt.Errorf("%s - DAEMON_PROTOCOL: %w", logPrefix, err)
		}
	}
	switch c.Events() {
	case EventsNATS:
		if c.COMMSURL == "" {
			return fmt.Errorf("%s - EVENTS_BACKEND=nats requires COMMS_URL", logPrefix)
		}
	case EventsRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%s - EVENTS_BACKEND=redis requires REDIS_ADDR", logPrefix)
		}
	case EventsNone:
	default:
		return fmt.Errorf("%s - EVENTS_BACKEND %q must be nats, redis or none", logPrefix, c.EventsBackend)
	}
	if c.AdminPermission <= 0 {
		return fmt.Errorf("%s - GATEWAY_ADMIN_PERMISSION must be positive", logPrefix)
	}
	if c.ClientRateLimit < 0 || c.ClientRateBurst < 0 {
		return fmt.Errorf("%s - CLIENT_RATE_LIMIT and CLIENT_RATE_BURST must not be negative", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, seed).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// Events returns the normalized events backend name.
func (c *Config) Events() string {
	return strings.ToLower(strings.TrimSpace(c.EventsBackend))
}
