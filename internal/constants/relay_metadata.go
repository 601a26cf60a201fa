package constants

import (
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/config"
)

// Default relay metadata constants
const (
	DefaultRelaySoftware = "pubsub-relay"
	DefaultRelayName     = "pubsub-relay"
)

// Handshake and session constants
const (
	UnknownOwner         = "Unknown"
	DefaultMaxSessionTTL = 24 * time.Hour
	ProjectIDParam       = "projectId"
)

// Literal replies for frames that never reach the JSON-RPC layer.
const (
	MsgMissingSocketData    = "Missing or invalid socket data"
	MsgInvalidSocketData    = "Socket message is invalid"
	MsgUnsupportedSocketMsg = "Socket message unsupported"
)

// Close frame reasons.
const (
	CloseReasonThrottled = "Too Many Requests"
	CloseReasonExpired   = "session expired"
	CloseReasonShutdown  = "server shutting down"
)

// Postgres pool sizing
const (
	DBPoolMaxConns       = 25
	DBPoolMinConns       = 2
	DBConnMaxLifetime    = 60 * time.Minute
	DBConnMaxIdleTime    = 15 * time.Minute
	DBConnAcquireTimeout = 10 * time.Second
	MaxDBRetries         = 3
	DBRetryDelay         = time.Second
)

// Timeouts
const (
	HealthCheckTimeout  = 5 * time.Second
	StoreOpTimeout      = 5 * time.Second
	UpgradeLimiterIdle  = 10 * time.Minute
	ShutdownGracePeriod = 10 * time.Second
)

// RelayLimitation advertises the limits a client has to respect.
type RelayLimitation struct {
	MaxTTL             int64 `json:"max_ttl"`
	MaxMessageLength   int64 `json:"max_message_length"`
	MaxMessagesPerSpan int   `json:"max_messages_per_interval"`
	ThrottleInterval   int64 `json:"throttle_interval_seconds"`
	MaxSessionTTL      int64 `json:"max_session_ttl"`
	AuthRequired       bool  `json:"auth_required"`
	ProjectIDRequired  bool  `json:"project_id_required"`
}

// RelayInformationDocument is served on /info.
type RelayInformationDocument struct {
	Name       string          `json:"name"`
	NodeID     string          `json:"node_id,omitempty"`
	Software   string          `json:"software"`
	Version    string          `json:"version"`
	Commit     string          `json:"commit"`
	Dialects   []string        `json:"dialects"`
	Limitation RelayLimitation `json:"limitation"`
}

// DefaultRelayMetadata returns the relay information document for cfg.
func DefaultRelayMetadata(cfg *config.Config, nodeID string) RelayInformationDocument {
	name := cfg.General.Name
	if name == "" {
		name = DefaultRelayName
	}

	maxSession := cfg.Auth.MaxSessionTTL
	if maxSession <= 0 {
		maxSession = DefaultMaxSessionTTL
	}

	return RelayInformationDocument{
		Name:     name,
		NodeID:   nodeID,
		Software: DefaultRelaySoftware,
		Version:  config.Version,
		Commit:   config.Commit,
		Dialects: []string{"irn", "waku", "iridium"},
		Limitation: RelayLimitation{
			MaxTTL:             cfg.Server.MaxTTL,
			MaxMessageLength:   cfg.Server.MaxMessageSize,
			MaxMessagesPerSpan: cfg.Server.Throttle.MaxMessages,
			ThrottleInterval:   int64(cfg.Server.Throttle.Interval / time.Second),
			MaxSessionTTL:      int64(maxSession / time.Second),
			AuthRequired:       true,
			ProjectIDRequired:  cfg.Server.RequireProjectID,
		},
	}
}
