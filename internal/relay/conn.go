package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/auth"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is one authenticated socket. Text frames go out through a bounded queue
// drained by a single writer goroutine; control frames are written directly.
type Conn struct {
	id       string
	ws       *websocket.Conn
	session  *auth.Session
	clientIP string
	started  time.Time
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send         chan []byte
	writeTimeout time.Duration

	alive       atomic.Bool
	busy        atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
	closeReason string
	done        chan struct{}
	expiry      *time.Timer
}

func newConn(ws *websocket.Conn, session *auth.Session, clientIP string, bufferSize int, writeTimeout time.Duration, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:           generateSocketID(),
		ws:           ws,
		session:      session,
		clientIP:     clientIP,
		started:      time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		send:         make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.log = logger.ForSocket(log, c.id).With(
		zap.String("client_ip", clientIP),
		zap.String("owner", c.Owner()),
	)
	c.ctx = logger.WithLogger(ctx, c.log)
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// generateSocketID returns 32 random bytes, hex encoded
func generateSocketID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// ID returns the server assigned socket id.
func (c *Conn) ID() string { return c.id }

// Owner returns the whitelist name the session resolved to.
func (c *Conn) Owner() string { return c.session.Owner }

// ClientID returns the issuer key presented in the handshake.
func (c *Conn) ClientID() string { return c.session.ClientID }

// ExpiresAt is fixed at accept and never extended.
func (c *Conn) ExpiresAt() time.Time { return c.session.ExpiresAt }

// Context is cancelled when the socket closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Closed reports whether the socket has been torn down.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Send queues a text frame. It returns false when the socket is closed. A full
// queue means the client stopped reading, and the socket is terminated.
func (c *Conn) Send(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("Send buffer full, terminating socket", zap.Int("buffered", len(c.send)))
		c.terminate(reasonOverflow)
		return false
	}
}

// writePump drains the send queue until the socket closes.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Write failed, terminating socket", zap.Error(err))
				c.terminate(reasonClient)
				return
			}
			metrics.IncrementMessagesSent(len(frame))
		}
	}
}

// ping sends a liveness ping after clearing the alive flag. It reports false
// when the previous ping went unanswered. A socket in the middle of a request
// is skipped: its pong cannot be read until the request returns.
func (c *Conn) ping() bool {
	if c.busy.Load() {
		return true
	}
	if !c.alive.Swap(false) {
		return false
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
		c.log.Debug("Ping failed", zap.Error(err))
	}
	return true
}

// closeWith sends a close frame with code and text, then terminates.
func (c *Conn) closeWith(code int, text, reason string) {
	if c.closed.Load() {
		return
	}
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout)); err != nil {
		c.log.Debug("Failed to write close frame", zap.Error(err))
	}
	c.terminate(reason)
}

// terminate drops the socket without a closing handshake. Only the first
// reason is kept.
func (c *Conn) terminate(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		c.closed.Store(true)
		close(c.done)
		c.cancel()
		if c.expiry != nil {
			c.expiry.Stop()
		}
		_ = c.ws.Close()
	})
}

// reason returns why the socket closed, once it has.
func (c *Conn) reason() string {
	select {
	case <-c.done:
		return c.closeReason
	default:
		return ""
	}
}
