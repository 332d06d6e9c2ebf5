package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database configuration
type Config struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	Database        string        `yaml:"database" env:"NAME"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ApplyDefaults fills in pool and connection defaults
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// DSN returns the lib/pq connection string
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// GetTestConfig returns database config for integration tests
func GetTestConfig() Config {
	port, err := strconv.Atoi(getEnv("TEST_DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return Config{
		Host:     getEnv("TEST_DB_HOST", "localhost"),
		Port:     port,
		Database: getEnv("TEST_DB_NAME", "aura_test"),
		User:     getEnv("TEST_DB_USER", "aura"),
		Password: getEnv("TEST_DB_PASSWORD", ""),
		SSLMode:  "disable",
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
