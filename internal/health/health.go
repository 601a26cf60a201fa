package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	"github.com/Shugur-Network/pubsub-relay/internal/storage"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	NodeID     string                 `json:"node_id,omitempty"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// StorePinger is the part of the message store a health check needs.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// poolStatter is implemented by stores backed by a connection pool.
type poolStatter interface {
	Stats() storage.DatabaseStats
}

// NodeInterface defines the node operations needed for health checks
type NodeInterface interface {
	GetConnectionCount() int
	GetSubscriptionCount() int
	GetStartTime() time.Time
	NodeID() string
}

// HealthChecker reports on the store, the sockets and the process.
type HealthChecker struct {
	store   StorePinger
	node    NodeInterface
	logger  *zap.Logger
	version string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(store StorePinger, node NodeInterface, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		store:   store,
		node:    node,
		logger:  logger.Named("health"),
		version: version,
	}
}

// CheckHealth performs a comprehensive health check
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	started := time.Now()
	components := []*ComponentStatus{
		h.checkStore(ctx),
		h.checkConnections(),
		h.checkMemory(),
		h.checkSystemResources(),
	}

	return &HealthResponse{
		Status:     h.determineOverallStatus(components),
		Timestamp:  time.Now(),
		Version:    h.version,
		NodeID:     h.node.NodeID(),
		Uptime:     formatUptime(time.Since(h.node.GetStartTime())),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(started).Milliseconds(),
		},
	}
}

// checkStore pings the shared message store
func (h *HealthChecker) checkStore(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "store",
		Details: make(map[string]interface{}),
	}

	pingStart := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Message store unreachable"
		status.Details["error"] = err.Error()
		return status
	}
	status.Details["ping_ms"] = time.Since(pingStart).Milliseconds()

	status.Status = StatusHealthy
	status.Message = "Message store is healthy"

	ps, ok := h.store.(poolStatter)
	if !ok {
		return status
	}
	stats := ps.Stats()
	status.Details["open_connections"] = stats.OpenConnections
	status.Details["in_use"] = stats.InUse
	status.Details["idle"] = stats.Idle
	status.Details["max_open_connections"] = stats.MaxOpenConnections
	if stats.MaxOpenConnections > 0 {
		utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
		status.Details["connection_utilization_percent"] = utilization
		if utilization > 90 {
			status.Status = StatusDegraded
			status.Message = "High store connection utilization"
		}
	}
	return status
}

// checkConnections reports socket and subscription counts
func (h *HealthChecker) checkConnections() *ComponentStatus {
	connections := h.node.GetConnectionCount()
	subscriptions := h.node.GetSubscriptionCount()
	return &ComponentStatus{
		Name:    "connections",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d sockets, %d subscriptions", connections, subscriptions),
		Details: map[string]interface{}{
			"active_connections":   connections,
			"active_subscriptions": subscriptions,
		},
	}
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "memory",
		Details: make(map[string]interface{}),
	}

	allocMB := float64(m.Alloc) / 1024 / 1024
	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = float64(m.Sys) / 1024 / 1024
	status.Details["heap_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	status.Details["num_gc"] = m.NumGC

	const (
		memoryWarningMB  = 500
		memoryCriticalMB = 1000
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	goroutineCount := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name: "system",
		Details: map[string]interface{}{
			"goroutines": goroutineCount,
			"cpus":       runtime.NumCPU(),
		},
	}

	// every socket runs a reader and a writer
	const (
		goroutineWarning  = 20000
		goroutineCritical = 100000
	)

	switch {
	case goroutineCount > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

// determineOverallStatus determines the overall health status from components
func (h *HealthChecker) determineOverallStatus(components []*ComponentStatus) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. With ?ready=1 a degraded
// node still answers 200 but an unhealthy one answers 503; without it only an
// unreachable store fails the check.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if r.URL.Query().Get("ready") == "1" {
		if resp.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
	} else if resp.Components[0].Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
