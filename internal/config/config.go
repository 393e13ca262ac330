package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// sessionSecretMinLen is the minimum SESSION_SECRET length. The secret keys
// HS256 session cookies, so anything shorter than the hash output is weak.
const sessionSecretMinLen = 32

// Config holds all environment-based configuration for pipster-identity.
type Config struct {
	// Environment controls log format and development conveniences.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":5001"`

	// IssuerURI is the public base URL placed in the iss claim and the
	// discovery document.
	IssuerURI string `env:"ISSUER_URI" envDefault:"http://localhost:5001"`

	// DBPath is the bbolt database file. Defaults to
	// ~/.pipster-identity/identity.db when empty.
	DBPath string `env:"DB_PATH"`

	// AutoMigrate applies pending schema migrations on startup. Always on
	// in development.
	AutoMigrate bool `env:"AUTO_MIGRATE" envDefault:"false"`

	// CatalogFile is an optional YAML file replacing the built-in client
	// and scope configuration.
	CatalogFile string `env:"CATALOG_FILE"`

	// SigningKeyFile is a PEM private key. When empty an ephemeral ES256
	// key is generated, which is only acceptable outside production.
	SigningKeyFile string `env:"SIGNING_KEY_FILE"`

	SessionSecret   string        `env:"SESSION_SECRET"`
	SessionLifetime time.Duration `env:"SESSION_LIFETIME" envDefault:"2h"`

	// LoginURL is the external login UI. /authorize redirects here when
	// no session exists.
	LoginURL string `env:"LOGIN_URL" envDefault:"/account/login"`

	LockoutThreshold int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutDuration  time.Duration `env:"LOCKOUT_DURATION" envDefault:"5m"`

	HealthTimeout   time.Duration `env:"HEALTH_TIMEOUT" envDefault:"5s"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"10m"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session secret to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.IssuerURI = strings.TrimRight(cfg.IssuerURI, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	dbPath, err := resolveDBPath(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	cfg.DBPath = dbPath

	return cfg, nil
}

// AdminConfig is the subset of configuration the offline admin commands
// need. It does not require the session secret or signing key.
type AdminConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
	DBPath      string `env:"DB_PATH"`
}

// LoadAdmin reads AdminConfig from the environment and .env file.
func LoadAdmin() (*AdminConfig, error) {
	_ = godotenv.Load()

	cfg := &AdminConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	dbPath, err := resolveDBPath(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	cfg.DBPath = dbPath

	return cfg, nil
}

func resolveDBPath(p string) (string, error) {
	if p == "" {
		def, err := DefaultDBPath()
		if err != nil {
			return "", err
		}

		p = def
	}

	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving db path to absolute path: %w", err)
	}

	return absPath, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.IssuerURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ISSUER_URI must be an absolute URL, got %q", c.IssuerURI)
	}

	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("ISSUER_URI must use https in production")
	}

	if len(c.SessionSecret) < sessionSecretMinLen {
		return fmt.Errorf("SESSION_SECRET is required (minimum %d characters)", sessionSecretMinLen)
	}

	if c.SessionLifetime <= 0 {
		return fmt.Errorf("SESSION_LIFETIME must be positive")
	}

	if c.IsProduction() && c.SigningKeyFile == "" {
		return fmt.Errorf("SIGNING_KEY_FILE is required in production")
	}

	if c.LoginURL == "" {
		return fmt.Errorf("LOGIN_URL must not be empty")
	}

	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1")
	}

	if c.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION must be positive")
	}

	if c.HealthTimeout <= 0 {
		return fmt.Errorf("HEALTH_TIMEOUT must be positive")
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}

	return nil
}

// DefaultDBPath returns ~/.pipster-identity/identity.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".pipster-identity", "identity.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ShouldAutoMigrate reports whether serve applies pending migrations
// before accepting traffic.
func (c *Config) ShouldAutoMigrate() bool {
	return c.AutoMigrate || c.Environment == "development"
}
