package config

import "time"

// AuthConfig holds handshake token policy.
type AuthConfig struct {
	Whitelist      []WhitelistEntry `mapstructure:"WHITELIST"       json:"whitelist"       validate:"omitempty,dive"`
	ValidAudiences []string         `mapstructure:"VALID_AUDIENCES" json:"valid_audiences" validate:"omitempty,dive,required"`
	MaxSessionTTL  time.Duration    `mapstructure:"MAX_SESSION_TTL" json:"max_session_ttl" validate:"required,reasonable_duration"`
}

// WhitelistEntry names a trusted issuer key. The JSON tags match the
// RELAY_AUTH_WHITELIST environment format: [{"name":"...","publicKey":"..."}].
type WhitelistEntry struct {
	Name      string `mapstructure:"NAME"       json:"name"      validate:"required"`
	PublicKey string `mapstructure:"PUBLICKEY"  json:"publicKey" validate:"required,pubkey"`
}
