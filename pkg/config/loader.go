package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerUser", 5)
	v.SetDefault("server.connectionLimit.mode", "cycle")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("session.defaultTTL", "2h")
	v.SetDefault("session.maxTTL", "24h")
	v.SetDefault("session.ipPolicy", "log-only")
	v.SetDefault("lock.activityWindow", "30m")
	v.SetDefault("rateguard.window", "60s")
	v.SetDefault("rateguard.maxRequests", 120)
	v.SetDefault("rateguard.editWindow", "10s")
	v.SetDefault("rateguard.editMax", 50)
	v.SetDefault("rateguard.detection.window", "60s")
	v.SetDefault("rateguard.detection.suspiciousThreshold", 50)
	v.SetDefault("rateguard.detection.banThreshold", 100)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "coeditd.db")
	v.SetDefault("sweep.interval", "5m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("COEDITD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
