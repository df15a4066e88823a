package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/brainbolt/internal/domain"
	"github.com/ashureev/brainbolt/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

// Notifier signals that leaderboard data changed.
type Notifier interface {
	Subscribe() (<-chan struct{}, func())
}

// StreamRegistry tracks open leaderboard websocket connections.
type StreamRegistry struct {
	mu     sync.Mutex
	active map[uint64]*websocket.Conn
	nextID uint64
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{active: make(map[uint64]*websocket.Conn)}
}

// Register adds a connection and returns its handle.
func (m *StreamRegistry) Register(conn *websocket.Conn) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.active[m.nextID] = conn
	return m.nextID
}

// Unregister removes a connection.
func (m *StreamRegistry) Unregister(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Count returns the number of open connections.
func (m *StreamRegistry) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CloseAll closes every open connection, e.g. on shutdown.
func (m *StreamRegistry) CloseAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, reason)
		delete(m.active, id)
	}
}

// StreamHandler pushes a leaderboard to websocket clients whenever it changes.
type StreamHandler struct {
	quiz           QuizService
	notifier       Notifier
	registry       *StreamRegistry
	originPatterns []string
}

// NewStreamHandler creates a stream handler. allowedOrigins follows the
// CORS configuration; "*" accepts any origin.
func NewStreamHandler(svc QuizService, notifier Notifier, registry *StreamRegistry, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		quiz:           svc,
		notifier:       notifier,
		registry:       registry,
		originPatterns: originPatterns(allowedOrigins),
	}
}

func originPatterns(origins []string) []string {
	if slices.Contains(origins, "*") {
		return []string{"*"}
	}
	var out []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

// ServeHTTP upgrades to a websocket, sends the current board and then a
// fresh copy after every committed answer. Query: metric (score|streak),
// limit.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metricName := r.URL.Query().Get("metric")
	if metricName == "" {
		metricName = string(domain.MetricScore)
	}
	metric, err := domain.ParseMetric(metricName)
	if err != nil {
		ValidationError(w, map[string][]string{"metric": {"must be score or streak"}})
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Warn("Failed to accept leaderboard stream", "error", err, "ip", identity.IPFromRequest(r))
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close leaderboard stream", "error", closeErr)
		}
	}()

	id := h.registry.Register(ws)
	defer h.registry.Unregister(id)
	slog.Info("Leaderboard stream opened", "metric", metric, "ip", identity.IPFromRequest(r))

	// Clients only receive; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())

	updates, unsubscribe := h.notifier.Subscribe()
	defer unsubscribe()

	if err := h.push(ctx, ws, metric, limit); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Leaderboard stream closed", "metric", metric, "reason", ctx.Err())
			return
		case _, open := <-updates:
			if !open {
				return
			}
			if err := h.push(ctx, ws, metric, limit); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("Leaderboard stream ping failed", "error", err)
				return
			}
		}
	}
}

func (h *StreamHandler) push(ctx context.Context, ws *websocket.Conn, metric domain.Metric, limit int) error {
	items, err := h.quiz.Top(ctx, metric, limit)
	if err != nil {
		slog.Warn("Leaderboard stream query failed", "metric", metric, "error", err)
		items = nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()

	var msg interface{} = leaderboardResponse{Items: items}
	if err != nil {
		msg = map[string]string{"error": "leaderboard unavailable"}
	}
	if werr := wsjson.Write(writeCtx, ws, msg); werr != nil {
		if ctx.Err() == nil {
			slog.Debug("Leaderboard stream write failed", "error", werr)
		}
		return werr
	}
	return nil
}
