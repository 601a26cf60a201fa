package config

import "time"

// StoreConfig holds the shared message store connection.
// The URL scheme picks the backend: redis://, rediss://, postgres://, postgresql:// or memory://.
type StoreConfig struct {
	URL             string        `mapstructure:"URL"              json:"url"              validate:"required,store_url"`
	Username        string        `mapstructure:"USERNAME"         json:"username"         validate:"omitempty"`
	Password        string        `mapstructure:"PASSWORD"         json:"-"                validate:"omitempty"`
	KeyPrefix       string        `mapstructure:"KEY_PREFIX"       json:"key_prefix"       validate:"required,alphanum"`
	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL" json:"cleanup_interval" validate:"required,reasonable_duration"`
}
