// Package config holds runtime configuration for the relay daemon.
package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the callrelayd server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	HTTPPort      int
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
	EncryptionKey string // 32-byte hex-encoded key for AES-256-GCM
	JWTSecret     string // hex-encoded 32-byte secret for access token signing
	TokenTTLMin   int    // access token lifetime in minutes
	RateLimit     int    // default per-tenant call commands per minute
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultHTTPPort  = 8443
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultTokenTTL  = 60
	defaultRateLimit = 60
)

// envPrefix is the prefix for all relay daemon environment variables.
const envPrefix = "DIALDESK_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callrelayd", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the tenant database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.EncryptionKey, "encryption-key", "", "hex-encoded 32-byte key for AES-256-GCM encryption of stored API keys")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for access token signing")
	fs.IntVar(&cfg.TokenTTLMin, "token-ttl", defaultTokenTTL, "access token lifetime in minutes")
	fs.IntVar(&cfg.RateLimit, "rate-limit", defaultRateLimit, "default per-tenant call commands per minute")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":       envPrefix + "DATA_DIR",
		"http-port":      envPrefix + "HTTP_PORT",
		"log-level":      envPrefix + "LOG_LEVEL",
		"log-format":     envPrefix + "LOG_FORMAT",
		"encryption-key": envPrefix + "ENCRYPTION_KEY",
		"jwt-secret":     envPrefix + "JWT_SECRET",
		"token-ttl":      envPrefix + "TOKEN_TTL",
		"rate-limit":     envPrefix + "RATE_LIMIT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "encryption-key":
			cfg.EncryptionKey = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "token-ttl":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TokenTTLMin = v
			}
		case "rate-limit":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateLimit = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.TokenTTLMin < 1 {
		return fmt.Errorf("token-ttl must be at least 1 minute, got %d", c.TokenTTLMin)
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("rate-limit must be at least 1, got %d", c.RateLimit)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption-key is required")
	}
	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt-secret is required")
	}
	if _, err := c.JWTSecretBytes(); err != nil {
		return err
	}

	return nil
}

// EncryptionKeyBytes returns the decoded 32-byte encryption key.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
