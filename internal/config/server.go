package config

import "time"

// GeneralConfig holds node-wide settings.
type GeneralConfig struct {
	Name         string `mapstructure:"NAME"          json:"name"          validate:"required,min=1,max=64"`
	IdentityFile string `mapstructure:"IDENTITY_FILE" json:"identity_file" validate:"omitempty"`
}

// ServerConfig holds WebSocket server and per-connection settings.
type ServerConfig struct {
	WSAddr            string             `mapstructure:"WS_ADDR"            json:"ws_addr"            validate:"required,wsaddr"`
	MaxTTL            int64              `mapstructure:"MAX_TTL"            json:"max_ttl"            validate:"required,min=1,max=2592000"`
	HeartbeatInterval time.Duration      `mapstructure:"HEARTBEAT_INTERVAL" json:"heartbeat_interval" validate:"required,reasonable_duration"`
	WriteTimeout      time.Duration      `mapstructure:"WRITE_TIMEOUT"      json:"write_timeout"      validate:"required,timeout_duration"`
	SendBufferSize    int                `mapstructure:"SEND_BUFFER_SIZE"   json:"send_buffer_size"   validate:"required,min=16,max=65536"`
	MaxMessageSize    int64              `mapstructure:"MAX_MESSAGE_SIZE"   json:"max_message_size"   validate:"required,min=1024,max=33554432"`
	RequireProjectID  bool               `mapstructure:"REQUIRE_PROJECT_ID" json:"require_project_id"`
	Throttle          ThrottleConfig     `mapstructure:"THROTTLE"           json:"throttle"           validate:"required"`
	UpgradeLimit      UpgradeLimitConfig `mapstructure:"UPGRADE_LIMIT"      json:"upgrade_limit"      validate:"required"`
	// Proxy headers are only read from these addresses or CIDRs.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES" json:"trusted_proxies" validate:"omitempty,dive,ip|cidr"`
}

// ThrottleConfig is the per-connection fixed window.
type ThrottleConfig struct {
	MaxMessages int           `mapstructure:"MAX_MESSAGES" json:"max_messages" validate:"required,min=1,max=1000000"`
	Interval    time.Duration `mapstructure:"INTERVAL"     json:"interval"     validate:"required,reasonable_duration"`
}

// UpgradeLimitConfig bounds handshake attempts per client IP.
type UpgradeLimitConfig struct {
	PerSecond float64 `mapstructure:"PER_SECOND" json:"per_second" validate:"gt=0"`
	Burst     int     `mapstructure:"BURST"      json:"burst"      validate:"required,min=1,max=10000"`
}
