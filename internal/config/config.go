package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Throttle ThrottleConfig
	TwoFA    TwoFAConfig
	Email    EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	QueryTimeout      time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	BaseURL        string // Origin used for redirect validation
	DefaultPage    string // Landing page after login
	AllowedOrigins []string
	TrustedProxies []string
}

type AuthConfig struct {
	JWTSecret           string
	AccessTokenExpiry   time.Duration
	SessionTokenMaxAge  time.Duration
	SessionCookieName   string
	StateCookieName     string
	SessionLifetime     time.Duration
	CookieSecure        bool
	CleanupInterval     time.Duration
	TimingDelayBaseMs   int
	TimingDelayRandomMs int
}

type ThrottleConfig struct {
	BaseDelay      time.Duration // Delay after the first failure
	MaxDelay       time.Duration // Hard cap on the computed delay
	FailureCap     int           // Exponent cap; failures beyond it don't grow the delay
	Window         time.Duration // Sliding window for counting failures
	IdentityWeight float64       // Weight of identity-keyed failures relative to address-keyed
}

type TwoFAConfig struct {
	EncryptionKey []byte // 32-byte AES-256 key for TOTP secrets at rest
	Issuer        string
	PendingExpiry time.Duration
	BackupCodes   int
}

type EmailConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	twoFAKey, err := parseTwoFAKey(getEnv("TWOFA_ENCRYPTION_KEY", ""), env)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "gatehouse"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			QueryTimeout:      getEnvAsDuration("DB_QUERY_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
			DefaultPage:    getEnv("DEFAULT_PAGE", "/home"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: parseList(getEnv("TRUSTED_PROXIES", "")),
		},
		Auth: AuthConfig{
			JWTSecret:           jwtSecret,
			AccessTokenExpiry:   getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			SessionTokenMaxAge:  getEnvAsDuration("SESSION_TOKEN_MAX_AGE", 60*24*time.Hour),
			SessionCookieName:   getEnv("SESSION_COOKIE_NAME", "gh_token"),
			StateCookieName:     getEnv("STATE_COOKIE_NAME", "gh_session"),
			SessionLifetime:     getEnvAsDuration("SESSION_LIFETIME", 24*time.Hour),
			CookieSecure:        env == "production",
			CleanupInterval:     getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			TimingDelayBaseMs:   getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs: getEnvAsInt("TIMING_DELAY_RANDOM_MS", 100),
		},
		Throttle: ThrottleConfig{
			BaseDelay:      getEnvAsDuration("THROTTLE_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:       getEnvAsDuration("THROTTLE_MAX_DELAY", 30*time.Second),
			FailureCap:     getEnvAsInt("THROTTLE_FAILURE_CAP", 8),
			Window:         getEnvAsDuration("THROTTLE_WINDOW", 12*time.Hour),
			IdentityWeight: getEnvAsFloat("THROTTLE_IDENTITY_WEIGHT", 0.5),
		},
		TwoFA: TwoFAConfig{
			EncryptionKey: twoFAKey,
			Issuer:        getEnv("TWOFA_ISSUER", "Gatehouse"),
			PendingExpiry: getEnvAsDuration("TWOFA_PENDING_EXPIRY", 10*time.Minute),
			BackupCodes:   getEnvAsInt("TWOFA_BACKUP_CODES", 10),
		},
		Email: EmailConfig{
			Enabled:     getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM", "no-reply@localhost"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseTwoFAKey decodes the hex-encoded AES key. Development environments get
// a fixed key so the service starts without setup; production must set one.
func parseTwoFAKey(hexKey, env string) ([]byte, error) {
	if hexKey == "" {
		if env == "production" {
			return nil, fmt.Errorf("TWOFA_ENCRYPTION_KEY is required in production")
		}
		return []byte("0123456789abcdef0123456789abcdef"), nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("TWOFA_ENCRYPTION_KEY must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TWOFA_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// validateJWTSecret enforces minimum security standards for the JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{}
		}
		return parseList(originsStr)
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
