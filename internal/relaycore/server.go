// Package relaycore implements the untrusted relay (spec §4.4): the room
// registry, membership broadcast protocol, per-connection rate limiting, and
// the /healthz, /ws, and /metrics HTTP surface. The relay decodes just
// enough of each frame to classify and route it; it never touches
// ciphertext.
package relaycore

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cliprelay/cliprelay/internal/metrics"
)

// MaxRelayMessageBytes is the per-WebSocket-binary-message cap (spec §4.4,
// §6): oversized messages are dropped, not a connection-ending error.
const MaxRelayMessageBytes = 300 * 1024

// wsReadLimitHeadroom lets the transport accept a message slightly larger
// than MaxRelayMessageBytes so the relay can read it, measure it, and drop
// it itself (S2) instead of the WebSocket library hard-closing the
// connection at its own read limit.
const wsReadLimitHeadroom = 4 * 1024

// KeepaliveInterval is how often the write task pings an idle connection.
const KeepaliveInterval = 30 * time.Second

// Options configures the relay's limits (spec §3, §4.4).
type Options struct {
	MaxMessageBytes    int
	MaxDevicesPerRoom  int
	RateLimitCapacity  int
	RateLimitPerSecond int
}

// DefaultOptions returns the spec's literal constants.
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes:    MaxRelayMessageBytes,
		MaxDevicesPerRoom:  10,
		RateLimitCapacity:  24,
		RateLimitPerSecond: 12,
	}
}

// Server holds the relay's entire mutable state: a map of room id to room,
// guarded by a single read-mostly lock (spec §4.4, §5). Writes occur only on
// join/leave; reads occur on every encrypted forward.
type Server struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewServer constructs a relay core ready to be mounted behind an HTTP server.
func NewServer(logger *slog.Logger, m *metrics.Metrics, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		rooms:   make(map[string]*room),
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
}

// Handler returns the relay's HTTP surface: GET /healthz, GET /ws (WebSocket
// upgrade), and GET /metrics (Prometheus exposition, spec.md EXPANSION).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// RoomCount reports the number of currently non-empty rooms, used to drive
// the RoomsActive gauge after join/leave transitions.
func (s *Server) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
