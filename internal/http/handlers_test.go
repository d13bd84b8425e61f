package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/replay"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

type stubPresence struct {
	connections int
	avatars     []session.AvatarState
	uptime      time.Duration
	closed      bool
}

func (s *stubPresence) Counts() (int, int)              { return s.connections, len(s.avatars) }
func (s *stubPresence) Snapshot() []session.AvatarState { return s.avatars }
func (s *stubPresence) Uptime() time.Duration           { return s.uptime }
func (s *stubPresence) Closed() bool                    { return s.closed }

type stubHub struct{}

func (stubHub) Sequence() uint64 { return 17 }
func (stubHub) Subscribers() int { return 2 }
func (stubHub) Dropped() uint64  { return 1 }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubDumper struct {
	location string
	err      error
	calls    int
}

func (s *stubDumper) DumpReplay(ctx context.Context) (string, error) {
	s.calls++
	return s.location, s.err
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" || payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadinessHandler(t *testing.T) {
	presence := &stubPresence{connections: 3, avatars: []session.AvatarState{{ID: 1}, {ID: 2}}, uptime: 45 * time.Second}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Presence: presence})

	type payload struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
		Avatars       int     `json:"avatars"`
	}
	check := func(wantCode int) payload {
		t.Helper()
		rr := httptest.NewRecorder()
		handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != wantCode {
			t.Fatalf("expected %d, got %d", wantCode, rr.Code)
		}
		var p payload
		if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return p
	}

	ready := check(http.StatusOK)
	if ready.Status != "ok" || ready.Connections != 3 || ready.Avatars != 2 || ready.UptimeSeconds != 45 {
		t.Fatalf("unexpected ready payload %+v", ready)
	}

	presence.closed = true
	closed := check(http.StatusServiceUnavailable)
	if closed.Status != "error" || closed.Message != "session closed" {
		t.Fatalf("unexpected closed payload %+v", closed)
	}

	rr := httptest.NewRecorder()
	NewHandlerSet(Options{Logger: logging.NewTestLogger()}).ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a session, got %d", rr.Code)
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		Presence:   &stubPresence{connections: 2, avatars: []session.AvatarState{{ID: 1}}, uptime: 90 * time.Second},
		Metrics:    func() session.MetricsSnapshot { return session.MetricsSnapshot{Broadcasts: 4, SpoofsRejected: 3, Desyncs: 1} },
		Hub:        stubHub{},
		Spectators: func() int64 { return 5 },
		ReplayStats: func() replay.Stats {
			return replay.Stats{Events: 12, Frames: 6, Dumps: 1}
		},
		StorageStats: func() replay.StorageStats { return replay.StorageStats{Bundles: 3, Bytes: 2048} },
	})

	rr := httptest.NewRecorder()
	handlers.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"syndicate_uptime_seconds 90",
		"syndicate_connections 2",
		"syndicate_avatars 1",
		"syndicate_broadcasts_total 4",
		"syndicate_spoofs_rejected_total 3",
		"syndicate_desyncs_total 1",
		"# TYPE syndicate_desyncs_total counter",
		"syndicate_event_sequence 17",
		"syndicate_event_subscribers 2",
		"syndicate_event_subscribers_dropped_total 1",
		"syndicate_spectators 5",
		"syndicate_replay_events_total 12",
		"syndicate_replay_frames_total 6",
		"syndicate_replay_dumps_total 1",
		"syndicate_replay_bundles 3",
		"syndicate_replay_storage_bytes 2048",
	} {
		if !strings.Contains(body, substr+"\n") {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestAvatarsHandlerRendersListValue(t *testing.T) {
	presence := &stubPresence{avatars: []session.AvatarState{{ID: 1, X: 100, Y: 100}, {ID: 9, X: -3, Y: 7}}}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Presence: presence})

	rr := httptest.NewRecorder()
	handlers.AvatarsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/avatars", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list structpb.ListValue
	if err := protojson.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.GetValues()) != 2 {
		t.Fatalf("expected 2 avatars, got %v", &list)
	}
	second := list.GetValues()[1].GetStructValue().GetFields()
	if second["id"].GetNumberValue() != 9 || second["x"].GetNumberValue() != -3 || second["y"].GetNumberValue() != 7 {
		t.Fatalf("unexpected avatar %v", second)
	}

	rr = httptest.NewRecorder()
	handlers.AvatarsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/avatars", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestReplayDumpHandlerAuthAndRateLimits(t *testing.T) {
	dumper := &stubDumper{location: "/tmp/replays/syndicate-20240101T000000Z"}
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Replay:      dumper,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/replay/dump", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.ReplayDumpHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}
	if resp := makeRequest("wrong"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for wrong token, got %d", resp.Code)
	}
	resp := makeRequest("topsecret")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for authorised request, got %d", resp.Code)
	}
	var payload struct {
		Status   string `json:"status"`
		Location string `json:"location"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Location != dumper.location {
		t.Fatalf("unexpected dump response %+v (%v)", payload, err)
	}
	if dumper.calls != 1 {
		t.Fatalf("expected dumper invoked once, got %d", dumper.calls)
	}
	if resp := makeRequest("topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestReplayDumpHandlerFailures(t *testing.T) {
	request := func(h *HandlerSet, method string) int {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/replay/dump", nil)
		req.Header.Set("X-Admin-Token", "topsecret")
		h.ReplayDumpHandler().ServeHTTP(rr, req)
		return rr.Code
	}
	logger := logging.NewTestLogger()

	if code := request(NewHandlerSet(Options{Logger: logger, Replay: &stubDumper{}}), http.MethodPost); code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin token configured, got %d", code)
	}
	if code := request(NewHandlerSet(Options{Logger: logger, AdminToken: "topsecret"}), http.MethodPost); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without recorder, got %d", code)
	}
	failing := NewHandlerSet(Options{Logger: logger, AdminToken: "topsecret", Replay: &stubDumper{err: errors.New("disk full")}})
	if code := request(failing, http.MethodPost); code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on dump failure, got %d", code)
	}
	if code := request(failing, http.MethodGet); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", code)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, NewMux(handlers), logging.NewTestLogger()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/livez")
	if err != nil {
		t.Fatalf("GET /livez: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestReplayDumpHandlerSetsRetryAfter(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Replay:      &stubDumper{location: "bundle"},
		AdminToken:  "topsecret",
		RateLimiter: NewSlidingWindowLimiter(time.Minute, 1, func() time.Time { return now }),
	})
	request := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/replay/dump", nil)
		req.Header.Set("X-Admin-Token", "topsecret")
		handlers.ReplayDumpHandler().ServeHTTP(rr, req)
		return rr
	}

	if rr := request(); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	now = now.Add(20500 * time.Millisecond)
	rr := request()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "40" {
		t.Fatalf("expected Retry-After 40, got %q", got)
	}
}
