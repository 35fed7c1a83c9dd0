package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Session  SessionConfig  `mapstructure:"session"`
	Security SecurityConfig `mapstructure:"security"`
	MFA      MFAConfig      `mapstructure:"mfa"`
	StepUp   StepUpConfig   `mapstructure:"step_up"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// TrustProxy makes X-Forwarded-For / X-Real-IP authoritative for the client IP.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig describes the dashboard session tokens minted by the
// managed backend. Only verification happens here.
type SessionConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys      APIKeyConfig       `mapstructure:"api_keys"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// APIKeyConfig holds bearer credential settings
type APIKeyConfig struct {
	MinTokenLength      int    `mapstructure:"min_token_length"`
	MaxPrefixCandidates int    `mapstructure:"max_prefix_candidates"`
	Argon2Memory        uint32 `mapstructure:"argon2_memory"`
	Argon2Iterations    uint32 `mapstructure:"argon2_iterations"`
	Argon2Parallelism   uint8  `mapstructure:"argon2_parallelism"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	KeyLimit int           `mapstructure:"key_limit"`
	IPLimit  int           `mapstructure:"ip_limit"`
	Window   time.Duration `mapstructure:"window"`
	// MFAVerifyLimit bounds code submissions per client IP on the
	// dashboard verification routes.
	MFAVerifyLimit  int           `mapstructure:"mfa_verify_limit"`
	MFAVerifyWindow time.Duration `mapstructure:"mfa_verify_window"`
}

// MFAConfig holds MFA configuration
type MFAConfig struct {
	TOTP TOTPConfig `mapstructure:"totp"`
}

// TOTPConfig holds TOTP configuration
type TOTPConfig struct {
	Issuer          string `mapstructure:"issuer"`
	Digits          int    `mapstructure:"digits"`
	Period          int    `mapstructure:"period"`
	Skew            int    `mapstructure:"skew"`
	BackupCodeCount int    `mapstructure:"backup_code_count"`
}

// StepUpConfig holds the step-up policy configuration
type StepUpConfig struct {
	Window       time.Duration `mapstructure:"window"`
	ChallengeTTL time.Duration `mapstructure:"challenge_ttl"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	// A missing .env file is fine; real deployments use the environment.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/authcore")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("AUTHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the core cannot run safely with
func (c *Config) Validate() error {
	if c.Security.APIKeys.MinTokenLength < 40 {
		return fmt.Errorf("security.api_keys.min_token_length must be at least 40, got %d", c.Security.APIKeys.MinTokenLength)
	}
	if c.Security.APIKeys.MaxPrefixCandidates < 1 {
		return fmt.Errorf("security.api_keys.max_prefix_candidates must be positive")
	}
	if k := c.Security.APIKeys; k.Argon2Memory == 0 || k.Argon2Iterations == 0 || k.Argon2Parallelism == 0 {
		return fmt.Errorf("security.api_keys argon2 memory, iterations and parallelism must be positive")
	}
	if c.Security.RateLimiting.Enabled && (c.Security.RateLimiting.KeyLimit <= 0 || c.Security.RateLimiting.IPLimit <= 0) {
		return fmt.Errorf("security.rate_limiting limits must be positive when enabled")
	}
	if c.StepUp.Window <= 0 {
		return fmt.Errorf("step_up.window must be positive")
	}
	if c.MFA.TOTP.Period <= 0 || c.MFA.TOTP.Digits <= 0 {
		return fmt.Errorf("mfa.totp period and digits must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "authcore")
	v.SetDefault("database.user", "authcore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("session.jwt_secret", "")
	v.SetDefault("session.issuer", "")
	v.SetDefault("session.audience", "authenticated")

	v.SetDefault("security.api_keys.min_token_length", 40)
	v.SetDefault("security.api_keys.max_prefix_candidates", 4)
	v.SetDefault("security.api_keys.argon2_memory", 65536)
	v.SetDefault("security.api_keys.argon2_iterations", 3)
	v.SetDefault("security.api_keys.argon2_parallelism", 4)

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.key_limit", 100)
	v.SetDefault("security.rate_limiting.ip_limit", 200)
	v.SetDefault("security.rate_limiting.window", "1m")
	v.SetDefault("security.rate_limiting.mfa_verify_limit", 5)
	v.SetDefault("security.rate_limiting.mfa_verify_window", "5m")

	v.SetDefault("mfa.totp.issuer", "PayDash")
	v.SetDefault("mfa.totp.digits", 6)
	v.SetDefault("mfa.totp.period", 30)
	v.SetDefault("mfa.totp.skew", 1)
	v.SetDefault("mfa.totp.backup_code_count", 10)

	v.SetDefault("step_up.window", "300s")
	v.SetDefault("step_up.challenge_ttl", "5m")
}
