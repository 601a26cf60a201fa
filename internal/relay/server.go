package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/auth"
	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	"github.com/Shugur-Network/pubsub-relay/internal/domain"
	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/Shugur-Network/pubsub-relay/internal/health"
	"github.com/Shugur-Network/pubsub-relay/internal/limiter"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"github.com/Shugur-Network/pubsub-relay/internal/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server is the HTTP surface of the relay: the authenticated WebSocket upgrade
// plus a few plain endpoints.
type Server struct {
	cfg           *config.Config
	node          domain.NodeInterface
	manager       *Manager
	validator     *auth.Validator
	upgrades      *limiter.UpgradeLimiter
	proxies       []netip.Prefix
	healthChecker *health.HealthChecker
	upgrader      websocket.Upgrader
	plain         http.Handler
	httpSrv       *http.Server
	log           *zap.Logger
}

// NewServer constructs a Server. upgrades may be nil to disable per-IP
// upgrade limiting.
func NewServer(cfg *config.Config, node domain.NodeInterface, manager *Manager, validator *auth.Validator, upgrades *limiter.UpgradeLimiter) *Server {
	s := &Server{
		cfg:       cfg,
		node:      node,
		manager:   manager,
		validator: validator,
		upgrades:  upgrades,
		proxies:   parseTrustedProxies(cfg.Server.TrustedProxies),
		healthChecker: health.NewHealthChecker(
			node.Store(),
			node,
			logger.New("health"),
			config.Version,
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
			HandshakeTimeout:  10 * time.Second,
		},
		log: logger.New("server"),
	}
	s.plain = web.Secure(relayErrors.WrapHandler(s.servePlain))
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return relayErrors.RecoveryMiddleware(http.HandlerFunc(s.serveHTTP))
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	}()

	if isWebSocketRequest(r) {
		metrics.HTTPRequests.WithLabelValues("websocket").Inc()
		s.handleWebSocket(w, r)
		return
	}
	s.plain.ServeHTTP(w, r)
}

func (s *Server) servePlain(w http.ResponseWriter, r *http.Request) error {
	switch r.URL.Path {
	case "/", "/hello":
		metrics.HTTPRequests.WithLabelValues("/hello").Inc()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Hello World, this is Relay Server v%s@%s", config.Version, config.Commit)
	case "/info":
		metrics.HTTPRequests.WithLabelValues("/info").Inc()
		body, err := json.Marshal(constants.DefaultRelayMetadata(s.cfg, s.node.NodeID()))
		if err != nil {
			return relayErrors.InternalError("failed to encode relay info", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = w.Write(body)
	case "/health":
		metrics.HTTPRequests.WithLabelValues("/health").Inc()
		s.healthChecker.HandleHealth(w, r)
	default:
		metrics.HTTPRequests.WithLabelValues("other").Inc()
		s.log.Debug("Invalid request path",
			zap.String("path", r.URL.Path),
			zap.String("client_ip", s.clientIP(r)),
			zap.String("request_id", relayErrors.RequestID(r)))
		return relayErrors.NotFoundError(r.URL.Path)
	}
	return nil
}

// handleWebSocket runs every admission check before the upgrade. A rejected
// client never gets a WebSocket frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := s.clientIP(r)

	if s.upgrades != nil && !s.upgrades.Allow(clientIP) {
		s.reject(w, r, clientIP, "rate_limited", relayErrors.RateLimitError("websocket upgrades"))
		return
	}

	if s.cfg.Server.RequireProjectID && r.URL.Query().Get(constants.ProjectIDParam) == "" {
		s.reject(w, r, clientIP, "project_id", relayErrors.ProjectIDMissing())
		return
	}

	session, err := s.validator.Authenticate(r)
	if err != nil {
		s.reject(w, r, clientIP, rejectReason(err), err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		s.log.Debug("WebSocket upgrade failed", zap.String("client_ip", clientIP), zap.Error(err))
		return
	}
	metrics.ConnectionsOpened.Inc()
	s.manager.Accept(ws, session, clientIP)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, clientIP, reason string, err error) {
	metrics.UpgradesRejected.WithLabelValues(reason).Inc()
	s.log.Debug("Handshake rejected",
		zap.String("client_ip", clientIP),
		zap.String("reason", reason),
		zap.Error(err))
	relayErrors.HandleHTTPError(w, r, err)
}

// rejectReason maps a handshake error onto its metrics label.
func rejectReason(err error) string {
	switch {
	case relayErrors.HasCode(err, relayErrors.CodeForbidden):
		return "forbidden"
	case relayErrors.HasCode(err, relayErrors.CodeInvalidToken):
		return "invalid_token"
	default:
		return "unauthenticated"
	}
}

// ListenAndServe serves on addr until ctx is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpSrv.Addr = addr
	s.httpSrv.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownGracePeriod)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Info("Relay WebSocket server listening", zap.String("address", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections. Upgraded sockets are closed by
// the Manager.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// isWebSocketRequest checks if the request is a WebSocket upgrade request
func isWebSocketRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// clientIP returns the address the upgrade limiter keys on.
func (s *Server) clientIP(r *http.Request) string {
	return extractRealClientIP(r, s.proxies)
}

// extractRealClientIP returns RemoteAddr unless the peer is a trusted proxy.
// Behind one, X-Real-IP wins, then the right-most untrusted X-Forwarded-For hop.
func extractRealClientIP(r *http.Request, trusted []netip.Prefix) string {
	remote := normalizeIP(r.RemoteAddr)
	if !isTrusted(remote, trusted) {
		return remote
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return normalizeIP(realIP)
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		ip := normalizeIP(hop)
		if !isTrusted(ip, trusted) {
			return ip
		}
	}
	return remote
}

// parseTrustedProxies accepts bare addresses and CIDRs. Config validation
// rejects anything else, so bad entries are skipped here.
func parseTrustedProxies(entries []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// normalizeIP strips the port and unmaps IPv4-mapped IPv6 addresses.
func normalizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
