package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Session   SessionConfig
	Lock      LockConfig
	RateGuard RateGuardConfig `mapstructure:"rateguard"`
	Store     StoreConfig
	Sweep     SweepConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	// JWTSecret signs the service tokens used by the editing UI backend
	// when it calls the REST API.
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
}

type SessionConfig struct {
	DefaultTTL time.Duration `mapstructure:"defaultTTL"`
	MaxTTL     time.Duration `mapstructure:"maxTTL"`
	// IPPolicy controls what happens when a session's bound IP doesn't
	// match the caller's: "strict" rejects, "log-only" logs, "off" ignores.
	IPPolicy string `mapstructure:"ipPolicy"`
}

type LockConfig struct {
	ActivityWindow time.Duration `mapstructure:"activityWindow"`
}

type RateGuardConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"maxRequests"`
	EditWindow  time.Duration `mapstructure:"editWindow"`
	EditMax     int           `mapstructure:"editMax"`
	Detection   DetectionConfig
}

type DetectionConfig struct {
	Window              time.Duration `mapstructure:"window"`
	SuspiciousThreshold int           `mapstructure:"suspiciousThreshold"`
	BanThreshold        int           `mapstructure:"banThreshold"`
}

type StoreConfig struct {
	// Driver selects the persistence backend: "sqlite" or "memory".
	Driver string
	DSN    string
}

type SweepConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}
