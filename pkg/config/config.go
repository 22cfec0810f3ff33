// Package config loads client-go's process-level configuration from
// environment variables, optionally layered over a .env file (godotenv)
// and a YAML file (viper). Env vars always win; the files are a
// convenience, not a substitute.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/blackholio/client-go/pkg/utils"
)

// Version is this package's semantic version.
const Version = "v0.1.0"

// Config is the unified process configuration, one field per supported
// environment variable.
type Config struct {
	ServerLanguage     string        `mapstructure:"server_language"`
	ServerIP           string        `mapstructure:"server_ip"`
	ServerPort         int           `mapstructure:"server_port"`
	ServerUseSSL       bool          `mapstructure:"server_use_ssl"`
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	LogLevel           string        `mapstructure:"log_level"`
	DBIdentity         string        `mapstructure:"db_identity"`
	Protocol           string        `mapstructure:"protocol"`
}

var validLanguages = map[string]bool{"A": true, "B": true, "C": true, "D": true}
var validLogLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}

// Default returns the configuration used when every variable is unset.
func Default() Config {
	return Config{
		ServerLanguage:    "A",
		ServerIP:          "localhost",
		ServerPort:        3000,
		ServerUseSSL:      false,
		ConnectionTimeout: 30 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    2 * time.Second,
		LogLevel:          "INFO",
		DBIdentity:        "",
		Protocol:          "text",
	}
}

// Load reads the environment variables over Default(), optionally
// layering a YAML file first when BLACKHOLIO_CONFIG_FILE is set; env
// vars still take priority. A .env file in the working directory (or
// the one named by BLACKHOLIO_ENV_FILE) is folded into the environment
// first, without overriding variables already set. Validation failures
// return a fatal configuration error.
func Load() (Config, error) {
	if envFile := utils.EnvOrDefault("BLACKHOLIO_ENV_FILE", ""); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, wrapConfigErr("load env file", err)
		}
	} else {
		_ = godotenv.Load(".env")
	}

	cfg := Default()

	if path := utils.EnvOrDefault("BLACKHOLIO_CONFIG_FILE", ""); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, wrapConfigErr("read config file", err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, wrapConfigErr("unmarshal config file", err)
		}
	}

	if v, ok := utils.EnvLookup("SERVER_LANGUAGE"); ok {
		cfg.ServerLanguage = v
	}
	if v, ok := utils.EnvLookup("SERVER_IP"); ok {
		cfg.ServerIP = v
	}
	if v, ok := utils.EnvLookup("SERVER_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, wrapConfigErr("SERVER_PORT", err)
		}
		cfg.ServerPort = n
	}
	if v, ok := utils.EnvLookup("SERVER_USE_SSL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, wrapConfigErr("SERVER_USE_SSL", err)
		}
		cfg.ServerUseSSL = b
	}
	if v, ok := utils.EnvLookup("CONNECTION_TIMEOUT"); ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, wrapConfigErr("CONNECTION_TIMEOUT", err)
		}
		if secs <= 0 {
			return Config{}, fmt.Errorf("config: CONNECTION_TIMEOUT must be > 0, got %v", secs)
		}
		cfg.ConnectionTimeout = time.Duration(secs * float64(time.Second))
	}
	if v, ok := utils.EnvLookup("RECONNECT_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, wrapConfigErr("RECONNECT_ATTEMPTS", err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("config: RECONNECT_ATTEMPTS must be >= 0, got %d", n)
		}
		cfg.ReconnectAttempts = n
	}
	if v, ok := utils.EnvLookup("RECONNECT_DELAY"); ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, wrapConfigErr("RECONNECT_DELAY", err)
		}
		if secs < 0 {
			return Config{}, fmt.Errorf("config: RECONNECT_DELAY must be >= 0, got %v", secs)
		}
		cfg.ReconnectDelay = time.Duration(secs * float64(time.Second))
	}
	if v, ok := utils.EnvLookup("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToUpper(v)
	}
	if v, ok := utils.EnvLookup("DB_IDENTITY"); ok {
		cfg.DBIdentity = v
	}
	if v, ok := utils.EnvLookup("PROTOCOL"); ok {
		cfg.Protocol = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the fatal-at-startup rules.
func (c Config) Validate() error {
	if !validLanguages[c.ServerLanguage] {
		return fmt.Errorf("config: unknown SERVER_LANGUAGE %q (want A/B/C/D)", c.ServerLanguage)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("config: SERVER_PORT out of range: %d", c.ServerPort)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("config: CONNECTION_TIMEOUT must be positive")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("config: RECONNECT_ATTEMPTS must be non-negative")
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("config: RECONNECT_DELAY must be non-negative")
	}
	if !validLogLevels[strings.ToUpper(c.LogLevel)] {
		return fmt.Errorf("config: unknown LOG_LEVEL %q", c.LogLevel)
	}
	if c.Protocol != "text" && c.Protocol != "binary" {
		return fmt.Errorf("config: unknown PROTOCOL %q (want text/binary)", c.Protocol)
	}
	return nil
}

// Addr returns the host:port address the connection manager dials.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerIP, c.ServerPort)
}

func wrapConfigErr(what string, err error) error {
	return utils.Wrap(err, "config: "+what)
}
