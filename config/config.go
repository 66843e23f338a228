package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	AppPort       string
	AppMode       string
	LogMode       string
	StoreDriver   string
	DBHost        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPort        string
	DBSSLMode     string
	JWTSecret     string
	JWTExpiryMin  int
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	TypingTTL               time.Duration
	DeleteForEveryoneWindow time.Duration
	MessageRateLimit        int
	MessageRateWindow       time.Duration
	OutboxInterval          time.Duration
	OutboxBatchSize         int
	OutboxMaxRetries        int
	OutboxLease             time.Duration
	DefaultPageLimit        int
	MaxPageLimit            int
}

// ClientConfig configures the terminal client and anything else embedding chatclient.
type ClientConfig struct {
	APIBaseURL     string
	WebsocketURL   string
	AccessToken    string
	QueuePath      string
	LogMode        string
	PageLimit      int
	SeenWindow     int
	RequestTimeout time.Duration
}

func LoadConfig() *Config {
	loadDotEnv()

	return &Config{
		AppPort:       getEnv("APP_PORT", "8080"),
		AppMode:       getEnv("APP_MODE", "debug"),
		LogMode:       getEnv("LOG_MODE", "development"),
		StoreDriver:   getEnv("STORE_DRIVER", StoreDriverPostgres),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "chatsync"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		JWTSecret:     getEnv("JWT_SECRET", "change-me"),
		JWTExpiryMin:  getEnvAsInt("JWT_EXPIRY_MIN", 15),
		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", true),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		TypingTTL:               getEnvAsDuration("TYPING_TTL", 5*time.Second),
		DeleteForEveryoneWindow: getEnvAsDuration("DELETE_FOR_EVERYONE_WINDOW", 24*time.Hour),
		MessageRateLimit:        getEnvAsInt("MESSAGE_RATE_LIMIT", 60),
		MessageRateWindow:       getEnvAsDuration("MESSAGE_RATE_WINDOW", time.Minute),
		OutboxInterval:          getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:         getEnvAsInt("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries:        getEnvAsInt("OUTBOX_MAX_RETRIES", 5),
		OutboxLease:             getEnvAsDuration("OUTBOX_LEASE", 30*time.Second),
		DefaultPageLimit:        getEnvAsInt("DEFAULT_PAGE_LIMIT", 50),
		MaxPageLimit:            getEnvAsInt("MAX_PAGE_LIMIT", 200),
	}
}

func LoadClientConfig() *ClientConfig {
	loadDotEnv()

	return &ClientConfig{
		APIBaseURL:     getEnv("CHAT_API_URL", "http://localhost:8080/v1"),
		WebsocketURL:   getEnv("CHAT_WS_URL", "ws://localhost:8080/ws"),
		AccessToken:    getEnv("CHAT_TOKEN", ""),
		QueuePath:      getEnv("CHAT_QUEUE_PATH", ".chatsync/queue"),
		LogMode:        getEnv("LOG_MODE", "development"),
		PageLimit:      getEnvAsInt("CHAT_PAGE_LIMIT", 50),
		SeenWindow:     getEnvAsInt("CHAT_SEEN_WINDOW", 2048),
		RequestTimeout: getEnvAsDuration("CHAT_REQUEST_TIMEOUT", 15*time.Second),
	}
}

func loadDotEnv() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
