package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration. Policy values (code lengths,
// TTLs, attempt ceilings, thresholds) are deployment-tunable and default to
// the values the flows were designed around.
type Config struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`

	AccessTokenTTL time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`

	LoginPinLength      int           `mapstructure:"LOGIN_PIN_LENGTH"`
	LoginPinTTL         time.Duration `mapstructure:"LOGIN_PIN_TTL"`
	LoginPinMaxAttempts int           `mapstructure:"LOGIN_PIN_MAX_ATTEMPTS"`

	UnlockCodeLength      int           `mapstructure:"UNLOCK_CODE_LENGTH"`
	UnlockCodeTTL         time.Duration `mapstructure:"UNLOCK_CODE_TTL"`
	UnlockCodeMaxAttempts int           `mapstructure:"UNLOCK_CODE_MAX_ATTEMPTS"`

	LockoutDuration time.Duration `mapstructure:"LOCKOUT_DURATION"`

	EventRetention        time.Duration `mapstructure:"EVENT_RETENTION"`
	SuspiciousMaxIPs      int           `mapstructure:"SUSPICIOUS_MAX_IPS"`
	SuspiciousMaxFailures int           `mapstructure:"SUSPICIOUS_MAX_FAILURES"`

	// CleanupSchedule is a cron expression for the expired-entry sweep.
	CleanupSchedule string `mapstructure:"CLEANUP_SCHEDULE"`

	// DebugPinInResponse returns generated codes in API responses. The system
	// has no out-of-band delivery channel, so this defaults to on; turn it
	// off when a delivery channel exists.
	DebugPinInResponse bool `mapstructure:"DEBUG_PIN_IN_RESPONSE"`
}

var keys = []string{
	"PORT", "DATABASE_URL", "JWT_SECRET", "ACCESS_TOKEN_TTL",
	"LOGIN_PIN_LENGTH", "LOGIN_PIN_TTL", "LOGIN_PIN_MAX_ATTEMPTS",
	"UNLOCK_CODE_LENGTH", "UNLOCK_CODE_TTL", "UNLOCK_CODE_MAX_ATTEMPTS",
	"LOCKOUT_DURATION", "EVENT_RETENTION",
	"SUSPICIOUS_MAX_IPS", "SUSPICIOUS_MAX_FAILURES",
	"CLEANUP_SCHEDULE", "DEBUG_PIN_IN_RESPONSE",
}

// Load reads configuration from environment variables. Missing required
// secrets are a startup failure, never a per-request one.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ACCESS_TOKEN_TTL", 24*time.Hour)
	v.SetDefault("LOGIN_PIN_LENGTH", 4)
	v.SetDefault("LOGIN_PIN_TTL", 10*time.Minute)
	v.SetDefault("LOGIN_PIN_MAX_ATTEMPTS", 3)
	v.SetDefault("UNLOCK_CODE_LENGTH", 6)
	v.SetDefault("UNLOCK_CODE_TTL", 30*time.Minute)
	v.SetDefault("UNLOCK_CODE_MAX_ATTEMPTS", 3)
	v.SetDefault("LOCKOUT_DURATION", 15*time.Minute)
	v.SetDefault("EVENT_RETENTION", 24*time.Hour)
	v.SetDefault("SUSPICIOUS_MAX_IPS", 3)
	v.SetDefault("SUSPICIOUS_MAX_FAILURES", 10)
	v.SetDefault("CLEANUP_SCHEDULE", "@hourly")
	v.SetDefault("DEBUG_PIN_IN_RESPONSE", true)

	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	return &cfg, nil
}
