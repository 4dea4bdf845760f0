package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"collab-sync/internal/party"
	"collab-sync/internal/services/collaboration"

	"github.com/joho/godotenv"
)

type Config struct {
	// Transport as seen by clients
	PartyURL      string
	PartyName     string
	PartyToken    string
	PartyTokenURL string

	ServerPort string
	ServerHost string

	// Empty secret admits every connection
	JWTSecret string

	DBEnabled  bool
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Rooms
	EventLogMaxRetained int
	RoomIdleTTL         time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration

	// Relay
	RelayMessageRate  int
	RelayMessageBurst int
	RelayHistoryLimit int

	// Worker pool configuration
	PersistWorkers   int
	PersistQueueSize int

	// Observability
	TracingEnabled bool
	JaegerEndpoint string
	LogLevel       string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		PartyName:     getEnv("PARTYKIT_PARTY", party.DefaultParty),
		PartyToken:    getEnv("PARTYKIT_TOKEN", ""),
		PartyTokenURL: getEnv("PARTYKIT_TOKEN_URL", ""),

		ServerPort: getEnv("SERVER_PORT", "1999"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		DBEnabled:  getEnvBool("DB_ENABLED", false),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collab_sync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		EventLogMaxRetained: getEnvInt("EVENT_LOG_MAX_RETAINED", collaboration.DefaultMaxRetained),
		RoomIdleTTL:         getEnvDuration("ROOM_IDLE_TTL", collaboration.DefaultIdleTTL),
		ReconnectBaseDelay:  getEnvDuration("RECONNECT_BASE_DELAY", party.DefaultBaseDelay),
		ReconnectMaxDelay:   getEnvDuration("RECONNECT_MAX_DELAY", party.DefaultMaxDelay),

		RelayMessageRate:  getEnvInt("RELAY_MESSAGE_RATE", 50),
		RelayMessageBurst: getEnvInt("RELAY_MESSAGE_BURST", 100),
		RelayHistoryLimit: getEnvInt("RELAY_HISTORY_LIMIT", 200),

		PersistWorkers:   getEnvInt("PERSIST_WORKERS", 2),
		PersistQueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 256),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
	cfg.PartyURL = getEnv("PARTYKIT_URL", "http://"+cfg.ListenAddr())

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.EventLogMaxRetained <= 0 {
		return fmt.Errorf("EVENT_LOG_MAX_RETAINED must be positive, got %d", c.EventLogMaxRetained)
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY (%s) must be at least RECONNECT_BASE_DELAY (%s)", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.PersistWorkers <= 0 {
		return fmt.Errorf("PERSIST_WORKERS must be positive, got %d", c.PersistWorkers)
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ListenAddr is the relay's host:port
func (c *Config) ListenAddr() string {
	return c.ServerHost + ":" + c.ServerPort
}

// RegistryOptions carries the room settings. Dialer and ActorID are left to
// the caller.
func (c *Config) RegistryOptions() collaboration.Options {
	return collaboration.Options{
		MaxRetained: c.EventLogMaxRetained,
		IdleTTL:     c.RoomIdleTTL,
		BaseDelay:   c.ReconnectBaseDelay,
		MaxDelay:    c.ReconnectMaxDelay,
	}
}

// TokenProvider prefers the token endpoint over a static token. Nil when
// neither is set.
func (c *Config) TokenProvider() party.TokenProvider {
	switch {
	case c.PartyTokenURL != "":
		return party.EndpointToken(nil, c.PartyTokenURL)
	case c.PartyToken != "":
		return party.StaticToken(c.PartyToken)
	default:
		return nil
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}
