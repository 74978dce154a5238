package xmpp

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Auth     AuthSection     `toml:"auth"`
	Database DatabaseSection `toml:"database"`
}

type ServerSection struct {
	XMPPPort    int    `toml:"xmpp_port"`
	MetricsPort int    `toml:"metrics_port"`
	Domain      string `toml:"domain"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
}

type AuthSection struct {
	JWTSecret         string `toml:"jwt_secret"`
	AccessTokenHours  int    `toml:"access_token_hours"`
	RefreshTokenHours int    `toml:"refresh_token_hours"`
	ClientTokenHours  int    `toml:"client_token_hours"`
}

type DatabaseSection struct {
	Path string `toml:"path"`
}

// DefaultTOMLConfig returns the default configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			XMPPPort:    80,
			MetricsPort: 9090,
			Domain:      "prod.ol.epicgames.com",
		},
		Limits: LimitsSection{
			MaxMessageLength: 300, // chat body cap, matches the game client
		},
		Auth: AuthSection{
			AccessTokenHours:  8,
			RefreshTokenHours: 24,
			ClientTokenHours:  4,
		},
		Database: DatabaseSection{
			Path: "~/.fortbak/fortbak.db",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one if
// not found, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := ExpandTilde(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions, read-only fs); run on defaults.
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides. XMPP_PORT and
// JWT_SECRET keep their historical names; everything else follows the
// FORTBAK_SECTION_KEY pattern.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("XMPP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.XMPPPort = port
		}
	}
	if val := os.Getenv("JWT_SECRET"); val != "" {
		config.Auth.JWTSecret = val
	}
	if val := os.Getenv("FORTBAK_SERVER_DOMAIN"); val != "" {
		config.Server.Domain = val
	}
	if val := os.Getenv("FORTBAK_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("FORTBAK_DATABASE_PATH"); val != "" {
		config.Database.Path = val
	}
	if val := os.Getenv("FORTBAK_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	return config
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}

// ExpandTilde expands a leading ~/ to the user's home directory.
func ExpandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
