package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/auth"
	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	"github.com/Shugur-Network/pubsub-relay/internal/domain"
	"github.com/Shugur-Network/pubsub-relay/internal/jsonrpc"
	"github.com/Shugur-Network/pubsub-relay/internal/limiter"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"github.com/Shugur-Network/pubsub-relay/internal/subscription"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close reasons, used as the metrics label.
const (
	reasonClient    = "client"
	reasonThrottled = "throttled"
	reasonHeartbeat = "heartbeat"
	reasonExpired   = "expired"
	reasonOverflow  = "overflow"
	reasonShutdown  = "shutdown"
)

// Manager owns the live socket set, the per-socket throttle windows and the
// heartbeat sweep.
type Manager struct {
	cfg      config.ServerConfig
	registry *subscription.Registry
	handler  domain.PayloadHandler
	log      *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	countersMu sync.Mutex
	counters   map[string]*limiter.Window

	wg sync.WaitGroup
}

var _ domain.Sender = (*Manager)(nil)

// NewManager creates an empty manager. Subscriptions of closed sockets are
// reaped from registry.
func NewManager(cfg config.ServerConfig, registry *subscription.Registry) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		log:      logger.New("ws"),
		conns:    make(map[string]*Conn),
		counters: make(map[string]*limiter.Window),
	}
}

// SetHandler installs the payload handler. It must be called before the first Accept.
func (m *Manager) SetHandler(h domain.PayloadHandler) {
	m.handler = h
}

// Accept registers an upgraded socket and starts serving it. The socket is
// force-closed when the session expires.
func (m *Manager) Accept(ws *websocket.Conn, session *auth.Session, clientIP string) *Conn {
	if m.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(m.cfg.MaxMessageSize)
	}
	c := newConn(ws, session, clientIP, m.sendBufferSize(), m.writeTimeout(), m.log)

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	c.expiry = time.AfterFunc(time.Until(c.ExpiresAt()), func() {
		c.log.Info("Session expired, closing socket")
		c.closeWith(websocket.ClosePolicyViolation, constants.CloseReasonExpired, reasonExpired)
	})

	metrics.IncrementActiveConnections()
	c.log.Info("New socket connected",
		zap.String("client_id", c.ClientID()),
		zap.Time("expires_at", c.ExpiresAt()))

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		c.writePump()
	}()
	go func() {
		defer m.wg.Done()
		m.readLoop(c)
	}()
	return c
}

func (m *Manager) sendBufferSize() int {
	if m.cfg.SendBufferSize > 0 {
		return m.cfg.SendBufferSize
	}
	return 256
}

func (m *Manager) writeTimeout() time.Duration {
	if m.cfg.WriteTimeout > 0 {
		return m.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// readLoop handles inbound frames in arrival order until the socket closes.
// It is the only place a socket is removed, so reaping always runs after the
// last Handle call for that socket has returned.
func (m *Manager) readLoop(c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered from panic in read loop", zap.Any("panic", r))
		}
		c.terminate(reasonClient)
		m.remove(c)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				c.log.Debug("WS read error, disconnecting client", zap.Error(err))
			}
			return
		}
		c.busy.Store(true)
		m.handleMessage(c, data)
		c.busy.Store(false)
		if c.Closed() {
			return
		}
	}
}

// handleMessage guards the frame, hands it to the dispatcher and always counts
// it against the throttle window afterwards.
func (m *Manager) handleMessage(c *Conn, data []byte) {
	metrics.IncrementMessagesReceived(len(data))
	c.alive.Store(true)
	if ce := c.log.Check(zap.DebugLevel, "Incoming socket message"); ce != nil {
		ce.Write(zap.Int("size", len(data)))
	}

	switch payload, err := jsonrpc.Parse(data); {
	case len(bytes.TrimSpace(data)) == 0:
		m.sendTo(c, constants.MsgMissingSocketData)
	case errors.Is(err, jsonrpc.ErrInvalidJSON):
		m.sendTo(c, constants.MsgInvalidSocketData)
	case err != nil:
		m.sendTo(c, constants.MsgUnsupportedSocketMsg)
	case m.handler != nil:
		m.handler.Handle(c.ctx, c.id, payload)
	}

	m.throttle(c)
}

func (m *Manager) throttle(c *Conn) {
	m.countersMu.Lock()
	w, ok := m.counters[c.id]
	if !ok {
		w = limiter.NewWindow(m.cfg.Throttle.MaxMessages, m.cfg.Throttle.Interval)
		m.counters[c.id] = w
	}
	m.countersMu.Unlock()

	if err := w.Increment(); err != nil {
		c.log.Info("Close throttled socket", zap.Error(err))
		metrics.ThrottledConnections.Inc()
		c.closeWith(websocket.CloseTryAgainLater, constants.CloseReasonThrottled, reasonThrottled)
		m.dropCounter(c.id)
	}
}

func (m *Manager) dropCounter(socketID string) {
	m.countersMu.Lock()
	delete(m.counters, socketID)
	m.countersMu.Unlock()
}

// remove forgets a socket and reaps its subscriptions. Metrics and the close
// log are recorded once.
func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	_, ok := m.conns[c.id]
	delete(m.conns, c.id)
	m.mu.Unlock()

	m.dropCounter(c.id)
	reaped := m.registry.RemoveAllForSocket(c.id)
	metrics.AddActiveSubscriptions(-reaped)
	if !ok {
		return
	}

	reason := c.reason()
	if reason == "" {
		reason = reasonClient
	}
	metrics.DecrementActiveConnections(reason)
	c.log.Info("Socket closed",
		zap.String("reason", reason),
		zap.Int("subscriptions_reaped", reaped),
		zap.Duration("connection_duration", time.Since(c.started)))
}

// Sweep runs one heartbeat round: sockets that did not answer the previous
// ping are terminated, the rest are pinged again. The read loop of a
// terminated socket removes it.
func (m *Manager) Sweep() {
	for _, c := range m.snapshot() {
		if c.ping() {
			continue
		}
		c.log.Info("Close inactive socket")
		c.terminate(reasonHeartbeat)
	}
}

// RunHeartbeat sweeps every HEARTBEAT_INTERVAL until ctx is done.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) snapshot() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) get(socketID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[socketID]
	return c, ok
}

// Send writes msg to the socket. It returns false when the socket is gone.
func (m *Manager) Send(socketID string, msg interface{}) bool {
	c, ok := m.get(socketID)
	if !ok {
		m.log.Debug("Socket not found", zap.String("socket_id", socketID))
		return false
	}
	return m.sendTo(c, msg)
}

func (m *Manager) sendTo(c *Conn, msg interface{}) bool {
	var frame []byte
	switch v := msg.(type) {
	case string:
		frame = []byte(v)
	case []byte:
		frame = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			c.log.Error("Failed to encode outgoing message", zap.Error(err))
			return false
		}
		frame = encoded
	}
	return c.Send(frame)
}

// IsConnected reports whether socketID is registered and open.
func (m *Manager) IsConnected(socketID string) bool {
	c, ok := m.get(socketID)
	return ok && !c.Closed()
}

// Count returns the number of live sockets.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Shutdown closes every socket with 1001 and waits for their goroutines, or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	conns := m.snapshot()
	if len(conns) > 0 {
		m.log.Info("Closing WebSocket connections gracefully", zap.Int("connection_count", len(conns)))
	}
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, constants.CloseReasonShutdown, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
