package config

import (
	"crypto/rand"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Server configuration
	ServerPort  string
	Environment string
	LogLevel    string

	// Database configuration
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	// Redis configuration
	RedisAddress string
	CacheTTL     time.Duration

	// JWT configuration
	JWTSecret string

	// Bundle service config
	BundleServiceAddress string
	BundleServiceSecret  string

	// internal secret used for communication between server
	InternalSecret string

	FrontendAddress string

	WorkerPoolSize int
}

// Global application configuration
var AppConfig Config

// LoadConfig loads configuration from environment variables
func LoadConfig() Config {
	// Find .env file
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		// Try to find .env in parent directories
		envPath = filepath.Join("..", ".env")
		if _, err := os.Stat(envPath); os.IsNotExist(err) {
			envPath = filepath.Join("..", "..", ".env")
		}
	}

	// Load .env file if it exists
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Str("path", envPath).Msg("error loading .env file")
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateRandomSecret(32) // Generate a 32-byte random secret if not declared
		log.Info().Msg("generated random JWT secret")
	}

	AppConfig = Config{
		ServerPort:           getEnv("PORT", "8080"),
		Environment:          getEnv("ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DBDriver:             getEnv("DB_DRIVER", "postgres"),
		DBHost:               getEnv("DB_HOST", "localhost"),
		DBPort:               getEnv("DB_PORT", "5432"),
		DBUser:               getEnv("DB_USER", "postgres"),
		DBPassword:           getEnv("DB_PASSWORD", "postgres"),
		DBName:               getEnv("DB_NAME", "worksheets"),
		SQLitePath:           getEnv("SQLITE_PATH", "worksheets.db"),
		RedisAddress:         getEnv("REDIS_ADDRESS", "localhost:6379"),
		CacheTTL:             getDuration("CACHE_TTL", 10*time.Minute),
		BundleServiceAddress: getEnv("BUNDLE_SERVICE_ADDRESS", "http://localhost:2900"),
		BundleServiceSecret:  getEnv("BUNDLE_SERVICE_SECRET", "bundle-internal-secret"),
		JWTSecret:            jwtSecret,
		InternalSecret:       getEnv("INTERNAL_SECRET", "worksheet-internal-secret"),
		FrontendAddress:      getEnv("FRONTEND_ADDRESS", "https://production-frontend.com"),
		WorkerPoolSize:       getInt("WORKER_POOL_SIZE", 4),
	}
	return AppConfig
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

// generateRandomSecret generates a random secret of the specified length
func generateRandomSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	secret := make([]byte, length)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			panic(err)
		}
		secret[i] = charset[n.Int64()]
	}
	return string(secret)
}
