package spectator

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AnythingTechPro/Syndicate/internal/events"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
	subscriberBuf  = 256
)

// Encoding selects the frame format for a spectator.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// Message is one frame on the spectator socket. The first frame is always a
// snapshot; every later frame carries exactly one event.
type Message struct {
	Type    string                `json:"type" msgpack:"type"`
	Avatars []session.AvatarState `json:"avatars,omitempty" msgpack:"avatars,omitempty"`
	Event   *events.Event         `json:"event,omitempty" msgpack:"event,omitempty"`
}

// Source hands out a snapshot together with a subscription that continues it.
type Source interface {
	Watch(buffer int) ([]session.AvatarState, *events.Subscription, error)
}

// Handler streams presence changes to WebSocket viewers.
type Handler struct {
	source       Source
	logger       *logging.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	active       atomic.Int64
}

// NewHandler builds a spectator endpoint. pingInterval <= 0 uses 30s.
func NewHandler(source Source, pingInterval time.Duration, logger *logging.Logger) *Handler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Handler{
		source:       source,
		logger:       logger.With(logging.String("component", "spectator")),
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Active reports the number of connected spectators.
func (h *Handler) Active() int64 { return h.active.Load() }

// ServeHTTP upgrades the request and streams frames until either side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := Encoding(r.URL.Query().Get("encoding"))
	if encoding == "" {
		encoding = EncodingJSON
	}
	if encoding != EncodingJSON && encoding != EncodingMsgpack {
		http.Error(w, "unsupported encoding", http.StatusBadRequest)
		return
	}

	snapshot, sub, err := h.source.Watch(subscriberBuf)
	if err != nil {
		http.Error(w, "presence feed unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Warn("spectator upgrade failed", logging.Error(err))
		return
	}

	h.active.Add(1)
	logger := h.logger.With(logging.String("remote_addr", r.RemoteAddr), logging.String("encoding", string(encoding)))
	logger.Info("spectator connected", logging.Int("snapshot_size", len(snapshot)))

	closed := make(chan struct{})
	go h.readPump(conn, closed)
	h.writePump(conn, encoding, snapshot, sub, closed, logger)

	sub.Close()
	_ = conn.Close()
	h.active.Add(-1)
	logger.Info("spectator disconnected")
}

// readPump services control frames and reports when the peer goes away.
func (h *Handler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	pongWait := h.pingInterval * 2
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, encoding Encoding, snapshot []session.AvatarState, sub *events.Subscription, closed <-chan struct{}, logger *logging.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	if err := writeFrame(conn, encoding, Message{Type: "snapshot", Avatars: snapshot}); err != nil {
		logger.Debug("snapshot write failed", logging.Error(err))
		return
	}
	for {
		select {
		case <-closed:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				//1.- The hub dropped us for lagging; tell the viewer to reconnect.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "fell behind"))
				return
			}
			if err := writeFrame(conn, encoding, Message{Type: "event", Event: &evt}); err != nil {
				logger.Debug("event write failed", logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, encoding Encoding, msg Message) error {
	var (
		payload []byte
		kind    int
		err     error
	)
	switch encoding {
	case EncodingMsgpack:
		payload, err = msgpack.Marshal(msg)
		kind = websocket.BinaryMessage
	default:
		payload, err = json.Marshal(msg)
		kind = websocket.TextMessage
	}
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(kind, payload)
}
