package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string  `mapstructure:"PORT"`
	Env            string  `mapstructure:"ENV"`
	DatabaseURL    string  `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32   `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string  `mapstructure:"MIGRATIONS_DIR"`
	JWTSigningKey  string  `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer      string  `mapstructure:"JWT_ISSUER"`
	JWTAudience    string  `mapstructure:"JWT_AUDIENCE"`
	PayersFile     string  `mapstructure:"PAYERS_FILE"`
	AutoThreshold  float64 `mapstructure:"CLAIMS_AUTO_THRESHOLD"`
	SweepMinutes   int     `mapstructure:"FORWARD_SWEEP_MINUTES"`
	RequestTimeout int     `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("PAYERS_FILE", "payers.yaml")
	v.SetDefault("CLAIMS_AUTO_THRESHOLD", 500)
	v.SetDefault("FORWARD_SWEEP_MINUTES", 5)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("JWT_ISSUER")
	v.BindEnv("JWT_AUDIENCE")
	v.BindEnv("PAYERS_FILE")
	v.BindEnv("CLAIMS_AUTO_THRESHOLD")
	v.BindEnv("FORWARD_SWEEP_MINUTES")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SweepInterval returns the gateway reconciliation sweep interval.
func (c *Config) SweepInterval() time.Duration {
	if c.SweepMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SweepMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. Outside development
// mode a JWT signing key is required so that real authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required when ENV is not development (current ENV=%q)", c.Env)
	}
	if c.AutoThreshold < 0 {
		return fmt.Errorf("CLAIMS_AUTO_THRESHOLD must not be negative, got %v", c.AutoThreshold)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive, got %d", c.RequestTimeout)
	}
	return nil
}
