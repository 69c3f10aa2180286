package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Flag store kinds
const (
	FlagStoreMemory = "memory"
	FlagStoreFile   = "file"
	FlagStoreRedis  = "redis"
)

type Config struct {
	Environment string

	Server   ServerConfig
	Logging  LoggingConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Pairing  PairingConfig
	Trust    TrustConfig
	Cookie   CookieConfig
	Flag     FlagConfig
	Telegram TelegramConfig
	Mail     MailConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AllowedOrigins is used for CORS on the widget host.
	AllowedOrigins []string
	// WidgetIdleTimeout evicts widget instances nobody has touched for this long.
	WidgetIdleTimeout time.Duration
	// WidgetShards is the number of independently locked registry buckets.
	WidgetShards int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// PairingConfig drives the pairing controller and its API client.
type PairingConfig struct {
	BaseURL        string
	DefaultTTL     time.Duration
	PollInterval   time.Duration
	MinTokenLength int
	RequestTimeout time.Duration
}

type TrustConfig struct {
	BaseURL      string
	Hostname     string
	PollInterval time.Duration
}

type CookieConfig struct {
	Name     string
	Path     string
	MaxAge   time.Duration
	Secure   bool
	WidgetID string
}

type FlagConfig struct {
	Store string
	Path  string
	TTL   time.Duration
}

type TelegramConfig struct {
	Token  string
	ChatID int64
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() *Config {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadFile is LoadConfig with an explicit env file; a missing file is an error.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("load env file %s: %w", path, err)
	}
	return fromEnv(), nil
}

func fromEnv() *Config {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:              getEnvInt("SERVER_PORT", 8080),
			TLSPort:           getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:         getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:          getEnvBool("SERVER_AUTO_CERT", false),
			Domain:            getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:          getEnv("SERVER_CERT_FILE", ""),
			KeyFile:           getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:       getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:             getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins:    getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://*"}),
			WidgetIdleTimeout: getEnvDuration("SERVER_WIDGET_IDLE_TIMEOUT", 30*time.Minute),
			WidgetShards:      getEnvInt("SERVER_WIDGET_SHARDS", 16),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "pairing-events"),
		},
		Pairing: PairingConfig{
			BaseURL:        strings.TrimRight(getEnv("PAIRING_BASE_URL", "http://localhost:8000"), "/"),
			DefaultTTL:     getEnvDuration("PAIRING_DEFAULT_TTL", 120*time.Second),
			PollInterval:   getEnvDuration("PAIRING_POLL_INTERVAL", 3*time.Second),
			MinTokenLength: getEnvInt("PAIRING_MIN_TOKEN_LENGTH", 16),
			RequestTimeout: getEnvDuration("PAIRING_REQUEST_TIMEOUT", 10*time.Second),
		},
		Trust: TrustConfig{
			BaseURL:      strings.TrimRight(getEnv("TRUST_BASE_URL", ""), "/"),
			Hostname:     getEnv("TRUST_HOSTNAME", ""),
			PollInterval: getEnvDuration("TRUST_POLL_INTERVAL", 4*time.Second),
		},
		Cookie: CookieConfig{
			Name:     getEnv("COOKIE_NAME", "verified"),
			Path:     getEnv("COOKIE_PATH", "/"),
			MaxAge:   getEnvDuration("COOKIE_MAX_AGE", 365*24*time.Hour),
			Secure:   getEnvBool("COOKIE_SECURE", false),
			WidgetID: getEnv("COOKIE_WIDGET_ID", "widget_id"),
		},
		Flag: FlagConfig{
			Store: getEnv("FLAG_STORE", FlagStoreMemory),
			Path:  getEnv("FLAG_PATH", ""),
			TTL:   getEnvDuration("FLAG_TTL", 365*24*time.Hour),
		},
		Telegram: TelegramConfig{
			Token:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID: getEnvInt64("TELEGRAM_CHAT_ID", 0),
		},
		Mail: MailConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASS", ""),
			From:     getEnv("SMTP_FROM", ""),
			To:       getEnvSlice("SMTP_TO", nil),
		},
	}

	if cfg.Trust.BaseURL == "" {
		cfg.Trust.BaseURL = cfg.Pairing.BaseURL
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg
}

// Get returns the most recently loaded config, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate checks the values the controller and hosts depend on.
func (c *Config) Validate() error {
	var errs []error

	if _, err := url.ParseRequestURI(c.Pairing.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid PAIRING_BASE_URL %q: %w", c.Pairing.BaseURL, err))
	}
	if c.Pairing.DefaultTTL < time.Second {
		errs = append(errs, fmt.Errorf("PAIRING_DEFAULT_TTL must be at least 1s, got %s", c.Pairing.DefaultTTL))
	}
	if c.Pairing.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("PAIRING_POLL_INTERVAL must be positive, got %s", c.Pairing.PollInterval))
	}
	if c.Pairing.MinTokenLength < 1 {
		errs = append(errs, fmt.Errorf("PAIRING_MIN_TOKEN_LENGTH must be at least 1, got %d", c.Pairing.MinTokenLength))
	}
	if c.Trust.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("TRUST_POLL_INTERVAL must be positive, got %s", c.Trust.PollInterval))
	}
	if c.Server.WidgetShards < 1 {
		errs = append(errs, fmt.Errorf("SERVER_WIDGET_SHARDS must be at least 1, got %d", c.Server.WidgetShards))
	}
	if c.Cookie.MaxAge <= c.Pairing.DefaultTTL {
		errs = append(errs, errors.New("COOKIE_MAX_AGE must be longer than PAIRING_DEFAULT_TTL"))
	}

	switch c.Flag.Store {
	case FlagStoreMemory:
	case FlagStoreFile:
		if c.Flag.Path == "" {
			errs = append(errs, errors.New("FLAG_PATH is required when FLAG_STORE=file"))
		}
	case FlagStoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when FLAG_STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid FLAG_STORE value: %q (must be one of: memory, file, redis)", c.Flag.Store))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var parts []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return defaultValue
	}
	return parts
}
