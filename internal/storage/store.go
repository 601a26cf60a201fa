// Package storage keeps the TTL-bounded topic log shared by every relay node
// and carries publish notifications between them.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
)

// Message is one published payload.
type Message struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Payload    string    `json:"message"`
	TTL        int64     `json:"ttl"`
	Tag        int64     `json:"tag,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether m is past its expiry at now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// Notification announces a put to every node sharing the store.
type Notification struct {
	Message  Message `json:"message"`
	SocketID string  `json:"socketId"`
	NodeID   string  `json:"node"`
}

// NotificationHandler receives publish notifications in store order.
type NotificationHandler func(Notification)

// Store is the shared message log.
type Store interface {
	// Put appends msg to its topic and notifies every node, the writer included.
	// It fails without storing anything when msg.TTL is above the maximum.
	Put(ctx context.Context, msg Message, socketID string) (Message, error)
	// Get returns the non-expired messages of topic in insertion order.
	Get(ctx context.Context, topic string) ([]Message, error)
	// OnPublish delivers every notification to fn until ctx is done.
	OnPublish(ctx context.Context, fn NotificationHandler) error
	// Ack records that a pushed message was acknowledged.
	Ack(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Options configure every backend.
type Options struct {
	URL             string
	Username        string
	Password        string
	KeyPrefix       string
	MaxTTL          int64
	CleanupInterval time.Duration
	NodeID          string

	// Now overrides the clock used for expiry.
	Now func() time.Time
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

func (o Options) prefix() string {
	if o.KeyPrefix == "" {
		return "relay"
	}
	return o.KeyPrefix
}

// New opens the backend named by the URL scheme.
func New(ctx context.Context, opts Options) (Store, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return NewRedisStore(ctx, opts)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, opts)
	case "memory":
		return NewMemoryStore(opts), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// stamp validates the ttl and fills in the bookkeeping fields of a new message.
func stamp(msg Message, maxTTL int64, now time.Time, newID func() string) (Message, error) {
	if msg.TTL <= 0 {
		return Message{}, relayErrors.InvalidParams(fmt.Errorf("ttl must be positive, got %d", msg.TTL))
	}
	if maxTTL > 0 && msg.TTL > maxTTL {
		return Message{}, relayErrors.TTLExceeded(maxTTL)
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	msg.ReceivedAt = now
	msg.ExpiresAt = now.Add(time.Duration(msg.TTL) * time.Second)
	return msg, nil
}

func observe(operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.StoreOperations.WithLabelValues(operation, status).Inc()
}
