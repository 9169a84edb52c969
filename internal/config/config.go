// File: internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	minGracePeriod = 5 * time.Second
	maxGracePeriod = 15 * time.Second
)

type Config struct {
	ServerPort  string
	Environment string
	NodeName    string
	LogLevel    string

	JWTSecretKey string
	TokenTTL     time.Duration

	// DatabaseURL is a SQLite file path or a postgres:// URL.
	DatabaseURL string
	// RedisURL switches presence and channels to the shared relay when set.
	RedisURL           string
	RedisChannelPrefix string

	KafkaBrokers       []string
	KafkaTopicMessages string

	PresenceGracePeriod time.Duration
	// PresenceNodeTTL is how long a node may miss heartbeats before other
	// nodes reap its connections from the shared registry.
	PresenceNodeTTL     time.Duration
	PublishMaxAttempts  int
	PersistMaxAttempts  int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	PersistTimeout      time.Duration

	TypingTTL      time.Duration
	MaxTextLength  int
	SendRateWindow time.Duration
	SendRateMax    int

	AllowedOrigins []string
}

// fileConfig mirrors the optional YAML file named by CONFIG_FILE.
type fileConfig struct {
	Server struct {
		Port           string   `yaml:"port"`
		NodeName       string   `yaml:"node_name"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Dependencies struct {
		DatabaseURL        string   `yaml:"database_url"`
		RedisURL           string   `yaml:"redis_url"`
		RedisChannelPrefix string   `yaml:"redis_channel_prefix"`
		KafkaBrokers       []string `yaml:"kafka_brokers"`
		KafkaTopicMessages string   `yaml:"kafka_topic_messages"`
	} `yaml:"dependencies"`
	Delivery struct {
		PresenceGraceSeconds int `yaml:"presence_grace_seconds"`
		PublishMaxAttempts   int `yaml:"publish_max_attempts"`
		PersistMaxAttempts   int `yaml:"persist_max_attempts"`
		TypingTTLSeconds     int `yaml:"typing_ttl_seconds"`
		MaxTextLength        int `yaml:"max_text_length"`
	} `yaml:"delivery"`
}

// Load reads configuration from the optional YAML file, the .env file and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	env := os.Getenv("ENV")
	if strings.ToLower(env) != "production" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found; continuing with environment variables")
		}
	}

	cfg := &Config{
		ServerPort:          "8080",
		Environment:         env,
		LogLevel:            "INFO",
		TokenTTL:            24 * time.Hour,
		DatabaseURL:         "smilin.db",
		RedisChannelPrefix:  "smilin",
		KafkaTopicMessages:  "chat.message_sent",
		PresenceGracePeriod: 10 * time.Second,
		PresenceNodeTTL:     30 * time.Second,
		PublishMaxAttempts:  3,
		PersistMaxAttempts:  3,
		RetryInitialDelay:   200 * time.Millisecond,
		RetryMaxDelay:       2 * time.Second,
		PersistTimeout:      5 * time.Second,
		TypingTTL:           3 * time.Second,
		MaxTextLength:       4000,
		SendRateWindow:      10 * time.Second,
		SendRateMax:         30,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.NodeName = getEnv("NODE_NAME", cfg.NodeName)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecretKey = getEnv("JWT_SECRET_KEY", cfg.JWTSecretKey)
	cfg.TokenTTL = getEnvAsDuration("TOKEN_TTL", cfg.TokenTTL)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", cfg.RedisChannelPrefix)
	cfg.KafkaBrokers = getEnvAsCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopicMessages = getEnv("KAFKA_TOPIC_MESSAGES", cfg.KafkaTopicMessages)
	cfg.PresenceGracePeriod = getEnvAsDuration("PRESENCE_GRACE_PERIOD", cfg.PresenceGracePeriod)
	cfg.PresenceNodeTTL = getEnvAsDuration("PRESENCE_NODE_TTL", cfg.PresenceNodeTTL)
	cfg.PublishMaxAttempts = getEnvAsInt("PUBLISH_MAX_ATTEMPTS", cfg.PublishMaxAttempts)
	cfg.PersistMaxAttempts = getEnvAsInt("PERSIST_MAX_ATTEMPTS", cfg.PersistMaxAttempts)
	cfg.RetryInitialDelay = getEnvAsDuration("RETRY_INITIAL_DELAY", cfg.RetryInitialDelay)
	cfg.RetryMaxDelay = getEnvAsDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.PersistTimeout = getEnvAsDuration("PERSIST_TIMEOUT", cfg.PersistTimeout)
	cfg.TypingTTL = getEnvAsDuration("TYPING_TTL", cfg.TypingTTL)
	cfg.MaxTextLength = getEnvAsInt("MAX_TEXT_LENGTH", cfg.MaxTextLength)
	cfg.SendRateWindow = getEnvAsDuration("SEND_RATE_WINDOW", cfg.SendRateWindow)
	cfg.SendRateMax = getEnvAsInt("SEND_RATE_MAX", cfg.SendRateMax)
	cfg.AllowedOrigins = getEnvAsCSV("ALLOWED_ORIGINS", cfg.AllowedOrigins)

	if cfg.NodeName == "" {
		host, _ := os.Hostname()
		cfg.NodeName = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	cfg.PresenceGracePeriod = clampGrace(cfg.PresenceGracePeriod)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the production requirements and sane bounds.
func (c *Config) Validate() error {
	if c.PublishMaxAttempts < 1 {
		return fmt.Errorf("publish_max_attempts must be at least 1")
	}
	if c.PersistMaxAttempts < 1 {
		return fmt.Errorf("persist_max_attempts must be at least 1")
	}
	if c.MaxTextLength <= 0 {
		return fmt.Errorf("max_text_length must be positive")
	}
	if c.IsProduction() {
		missing := []string{}
		if c.JWTSecretKey == "" {
			missing = append(missing, "JWT_SECRET_KEY")
		}
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required production environment variables: %v", missing)
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Distributed reports whether presence and channels go through Redis.
func (c *Config) Distributed() bool {
	return c.RedisURL != ""
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if f.Server.Port != "" {
		c.ServerPort = f.Server.Port
	}
	if f.Server.NodeName != "" {
		c.NodeName = f.Server.NodeName
	}
	if len(f.Server.AllowedOrigins) > 0 {
		c.AllowedOrigins = trimNonEmpty(f.Server.AllowedOrigins)
	}
	if f.Dependencies.DatabaseURL != "" {
		c.DatabaseURL = f.Dependencies.DatabaseURL
	}
	if f.Dependencies.RedisURL != "" {
		c.RedisURL = f.Dependencies.RedisURL
	}
	if f.Dependencies.RedisChannelPrefix != "" {
		c.RedisChannelPrefix = f.Dependencies.RedisChannelPrefix
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		c.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.KafkaTopicMessages != "" {
		c.KafkaTopicMessages = f.Dependencies.KafkaTopicMessages
	}
	if f.Delivery.PresenceGraceSeconds > 0 {
		c.PresenceGracePeriod = time.Duration(f.Delivery.PresenceGraceSeconds) * time.Second
	}
	if f.Delivery.PublishMaxAttempts > 0 {
		c.PublishMaxAttempts = f.Delivery.PublishMaxAttempts
	}
	if f.Delivery.PersistMaxAttempts > 0 {
		c.PersistMaxAttempts = f.Delivery.PersistMaxAttempts
	}
	if f.Delivery.TypingTTLSeconds > 0 {
		c.TypingTTL = time.Duration(f.Delivery.TypingTTLSeconds) * time.Second
	}
	if f.Delivery.MaxTextLength > 0 {
		c.MaxTextLength = f.Delivery.MaxTextLength
	}
	return nil
}

func clampGrace(d time.Duration) time.Duration {
	if d < minGracePeriod {
		return minGracePeriod
	}
	if d > maxGracePeriod {
		return maxGracePeriod
	}
	return d
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an env var as an integer, with a fallback.
func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(strValue)
	if err != nil {
		log.Printf("Warning: could not parse env var %s as integer. Using default value.", key)
		return defaultValue
	}
	return intValue
}

// getEnvAsDuration accepts Go durations ("10s") or plain seconds ("10").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(strValue); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(strValue); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Warning: could not parse env var %s as duration. Using default value.", key)
	return defaultValue
}

func getEnvAsCSV(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
