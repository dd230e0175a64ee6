package database

import (
	"errors"
	"fmt"
	"time"
)

// Config defines the database configuration
type Config struct {
	// Connection settings
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"` // disable, require, verify-ca, verify-full

	// Connection pool settings
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// GORM settings
	LogLevel      string        `mapstructure:"log_level"` // silent, error, warn, info
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
	AutoMigrate   bool          `mapstructure:"auto_migrate"`

	Timezone string `mapstructure:"timezone"`
}

// DefaultConfig returns the default database configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		DBName:   "chat",
		SSLMode:  "disable",

		MaxIdleConns:    5,
		MaxOpenConns:    20,
		ConnMaxLifetime: time.Hour,

		LogLevel:      "warn",
		SlowThreshold: 200 * time.Millisecond,
		AutoMigrate:   true,

		Timezone: "UTC",
	}
}

var (
	validSSLModes  = []string{"disable", "require", "verify-ca", "verify-full"}
	validLogLevels = []string{"silent", "error", "warn", "info"}
)

// Validate validates the database configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("database port must be between 1 and 65535")
	}
	if c.User == "" {
		return errors.New("database user is required")
	}
	if c.DBName == "" {
		return errors.New("database name is required")
	}
	if !oneOf(c.SSLMode, validSSLModes) {
		return errors.New("invalid SSL mode, must be one of: disable, require, verify-ca, verify-full")
	}
	if !oneOf(c.LogLevel, validLogLevels) {
		return errors.New("invalid log level, must be one of: silent, error, warn, info")
	}
	if c.MaxIdleConns < 0 || c.MaxOpenConns < 0 {
		return errors.New("connection pool sizes must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return errors.New("max idle connections cannot exceed max open connections")
	}
	if c.ConnMaxLifetime < 0 || c.SlowThreshold < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

// DSN returns the PostgreSQL connection DSN
func (c *Config) DSN() string {
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, tz)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
