package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	adminrpc "github.com/AnythingTechPro/Syndicate/internal/grpc"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/replay"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

// PresenceProvider exposes the session state the operational endpoints report.
type PresenceProvider interface {
	Counts() (connections, avatars int)
	Snapshot() []session.AvatarState
	Uptime() time.Duration
	Closed() bool
}

// HubStats exposes event hub counters.
type HubStats interface {
	Sequence() uint64
	Subscribers() int
	Dropped() uint64
}

// ReplayDumper flushes the replay recorder and returns the bundle location.
type ReplayDumper interface {
	DumpReplay(ctx context.Context) (string, error)
}

// ReplayDumperFunc adapts a function into a ReplayDumper.
type ReplayDumperFunc func(ctx context.Context) (string, error)

// DumpReplay implements ReplayDumper.
func (f ReplayDumperFunc) DumpReplay(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet. Nil collaborators disable what they back.
type Options struct {
	Logger       *logging.Logger
	Presence     PresenceProvider
	Metrics      func() session.MetricsSnapshot
	Hub          HubStats
	Spectators   func() int64
	Spectator    http.Handler
	Replay       ReplayDumper
	ReplayStats  func() replay.Stats
	StorageStats func() replay.StorageStats
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the server's operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	presence     PresenceProvider
	metrics      func() session.MetricsSnapshot
	hub          HubStats
	spectators   func() int64
	spectator    http.Handler
	replay       ReplayDumper
	replayStats  func() replay.Stats
	storageStats func() replay.StorageStats
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		presence:     opts.Presence,
		metrics:      opts.Metrics,
		hub:          opts.Hub,
		spectators:   opts.Spectators,
		spectator:    opts.Spectator,
		replay:       opts.Replay,
		replayStats:  opts.ReplayStats,
		storageStats: opts.StorageStats,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/api/avatars", h.AvatarsHandler())
	mux.HandleFunc("/replay/dump", h.ReplayDumpHandler())
	if h.spectator != nil {
		mux.Handle("/ws", h.spectator)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the session still accepts connections.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
		Avatars       int     `json:"avatars"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.presence == nil {
			writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Message: "session not started"})
			return
		}
		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.presence.Uptime().Seconds()}
		resp.Connections, resp.Avatars = h.presence.Counts()
		if h.presence.Closed() {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = "session closed"
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.presence != nil {
			connections, avatars := h.presence.Counts()
			writeMetric(w, "syndicate_uptime_seconds", "gauge", "Session uptime in seconds.", fmt.Sprintf("%.0f", h.presence.Uptime().Seconds()))
			writeMetric(w, "syndicate_connections", "gauge", "Current connected TCP clients.", connections)
			writeMetric(w, "syndicate_avatars", "gauge", "Current active avatars.", avatars)
		}
		if h.metrics != nil {
			m := h.metrics()
			writeMetric(w, "syndicate_connections_accepted_total", "counter", "Connections admitted to the session.", m.ConnectionsAccepted)
			writeMetric(w, "syndicate_connections_rejected_total", "counter", "Connections refused because the session was full or closed.", m.ConnectionsRejected)
			writeMetric(w, "syndicate_spawns_total", "counter", "Avatars spawned.", m.Spawns)
			writeMetric(w, "syndicate_spawn_failures_total", "counter", "Spawn requests refused for lack of ids.", m.SpawnFailures)
			writeMetric(w, "syndicate_despawns_total", "counter", "Avatars despawned.", m.Despawns)
			writeMetric(w, "syndicate_moves_total", "counter", "Position updates applied.", m.Moves)
			writeMetric(w, "syndicate_ignored_packets_total", "counter", "Packets ignored for arriving in the wrong state.", m.IgnoredPackets)
			writeMetric(w, "syndicate_spoofs_rejected_total", "counter", "Position updates naming an avatar the sender does not own.", m.SpoofsRejected)
			writeMetric(w, "syndicate_broadcasts_total", "counter", "Messages fanned out to peers.", m.Broadcasts)
			writeMetric(w, "syndicate_deliveries_total", "counter", "Messages queued to individual connections.", m.Deliveries)
			writeMetric(w, "syndicate_dropped_recipients_total", "counter", "Connections dropped for a full send queue.", m.DroppedRecipients)
			writeMetric(w, "syndicate_desyncs_total", "counter", "Connections closed for an unknown packet type.", m.Desyncs)
		}
		if h.hub != nil {
			writeMetric(w, "syndicate_event_sequence", "counter", "Last assigned presence event sequence.", h.hub.Sequence())
			writeMetric(w, "syndicate_event_subscribers", "gauge", "Attached presence event subscribers.", h.hub.Subscribers())
			writeMetric(w, "syndicate_event_subscribers_dropped_total", "counter", "Subscribers dropped for lagging.", h.hub.Dropped())
		}
		if h.spectators != nil {
			writeMetric(w, "syndicate_spectators", "gauge", "Connected WebSocket spectators.", h.spectators())
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			writeMetric(w, "syndicate_replay_events_total", "counter", "Presence events written to the replay bundle.", stats.Events)
			writeMetric(w, "syndicate_replay_frames_total", "counter", "Snapshot frames written to the replay bundle.", stats.Frames)
			writeMetric(w, "syndicate_replay_dumps_total", "counter", "Replay flushes completed successfully.", stats.Dumps)
		}
		if h.storageStats != nil {
			stats := h.storageStats()
			writeMetric(w, "syndicate_replay_bundles", "gauge", "Replay bundles retained on disk.", stats.Bundles)
			writeMetric(w, "syndicate_replay_storage_bytes", "gauge", "Disk footprint of retained replay bundles.", stats.Bytes)
		}
	}
}

// AvatarsHandler renders the current avatars as a protobuf ListValue in JSON form,
// the same shape the gRPC Snapshot call returns.
func (h *HandlerSet) AvatarsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.presence == nil {
			http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
			return
		}
		payload, err := protojson.Marshal(adminrpc.AvatarList(h.presence.Snapshot()))
		if err != nil {
			h.logger.Error("avatar snapshot encoding failed", logging.Error(err))
			http.Error(w, "encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

// ReplayDumpHandler authorises and triggers a replay flush.
func (h *HandlerSet) ReplayDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("replay dump denied: rate limit exceeded")
			if hinted, ok := h.rateLimiter.(interface{ RetryAfter() time.Duration }); ok {
				if wait := hinted.RetryAfter(); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}
			}
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.replay == nil {
			reqLogger.Warn("replay dump denied: no recorder configured")
			http.Error(w, "replay recording is disabled", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.DumpReplay(r.Context())
		if err != nil {
			reqLogger.Error("replay dump failed", logging.Error(err))
			http.Error(w, "failed to flush replay", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay dump completed", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeMetric(w io.Writer, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %v\n", name, value)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
