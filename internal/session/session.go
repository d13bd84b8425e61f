package session

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/config"
	"github.com/AnythingTechPro/Syndicate/internal/events"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/protocol"
)

var (
	// ErrSessionFull is returned when the connection limit has been reached.
	ErrSessionFull = errors.New("session connection limit reached")
	// ErrSessionClosed is returned when joining a session that has shut down.
	ErrSessionClosed = errors.New("session closed")
	// ErrNoEventHub is returned by Watch when the session publishes no events.
	ErrNoEventHub = errors.New("session has no event hub")
)

// Session owns the avatar registry and the set of live connections. A single
// mutex guards both so that a broadcast always sees a registry state consistent
// with the peers it is sent to.
type Session struct {
	mu       sync.Mutex
	registry *Registry
	peers    map[*Conn]struct{}
	closed   bool

	spawnPoints    []config.SpawnPoint
	pick           func(n int) int
	maxConnections int
	queueDepth     int
	idleTimeout    time.Duration
	writeTimeout   time.Duration
	stallTimeout   time.Duration

	hub     *events.Hub
	logger  *logging.Logger
	metrics *Metrics
	started time.Time
}

// Option customises a Session.
type Option func(*Session)

// WithSpawnPoints replaces the spawn coordinates. An empty set is ignored.
func WithSpawnPoints(points []config.SpawnPoint) Option {
	return func(s *Session) {
		if len(points) > 0 {
			s.spawnPoints = append([]config.SpawnPoint(nil), points...)
		}
	}
}

// WithRandomSource overrides how a spawn point index is chosen. pick(n) must
// return a value in [0, n).
func WithRandomSource(pick func(n int) int) Option {
	return func(s *Session) {
		if pick != nil {
			s.pick = pick
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventHub publishes every committed registry change to hub.
func WithEventHub(hub *events.Hub) Option {
	return func(s *Session) { s.hub = hub }
}

// WithMaxConnections bounds the number of live connections. Zero disables the limit.
func WithMaxConnections(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxConnections = n
		}
	}
}

// WithQueueDepth sets the per-connection outbound buffer size.
func WithQueueDepth(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// WithIdleTimeout closes connections that send nothing for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.idleTimeout = d
		}
	}
}

// WithWriteTimeout bounds each socket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithStallTimeout bounds how long a connection may sit on an overflow backlog
// before it is dropped. It defaults to the write timeout.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stallTimeout = d
		}
	}
}

// FromConfig maps the server configuration onto session options.
func FromConfig(cfg *config.Config) []Option {
	if cfg == nil {
		return nil
	}
	return []Option{
		WithSpawnPoints(cfg.SpawnPoints),
		WithMaxConnections(cfg.MaxClients),
		WithQueueDepth(cfg.QueueDepth),
		WithIdleTimeout(cfg.IdleTimeout),
		WithWriteTimeout(cfg.WriteTimeout),
	}
}

// New constructs an empty session.
func New(opts ...Option) *Session {
	s := &Session{
		registry:       NewRegistry(),
		peers:          make(map[*Conn]struct{}),
		spawnPoints:    config.DefaultSpawnPoints(),
		pick:           rand.IntN,
		maxConnections: config.DefaultMaxClients,
		queueDepth:     config.DefaultQueueDepth,
		idleTimeout:    config.DefaultIdleTimeout,
		writeTimeout:   config.DefaultWriteTimeout,
		logger:         logging.L(),
		metrics:        &Metrics{},
		started:        time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.stallTimeout == 0 {
		s.stallTimeout = s.writeTimeout
	}
	return s
}

// join registers a connection in the Connected state.
func (s *Session) join(c *Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.maxConnections > 0 && len(s.peers) >= s.maxConnections {
		s.metrics.connectionsRejected.Add(1)
		return ErrSessionFull
	}
	s.peers[c] = struct{}{}
	s.metrics.connectionsAccepted.Add(1)
	return nil
}

// spawn binds an avatar to c. The owner copy, the snapshot of everyone else and
// the announcement to the other peers are all queued under the lock, so every
// connection observes spawns and despawns in the same order.
func (s *Session) spawn(c *Conn) error {
	s.mu.Lock()
	if c.active {
		s.mu.Unlock()
		s.metrics.ignoredPackets.Add(1)
		c.logger.Debug("spawn request ignored, avatar already bound", logging.Int("avatar_id", int(c.avatarID)))
		return nil
	}

	id, err := s.registry.AllocateID()
	if err != nil {
		s.mu.Unlock()
		s.metrics.spawnFailures.Add(1)
		return err
	}
	point := s.spawnPoints[s.pick(len(s.spawnPoints))]
	state := AvatarState{ID: id, X: point.X, Y: point.Y}
	if err := s.registry.Insert(state); err != nil {
		s.mu.Unlock()
		s.metrics.spawnFailures.Add(1)
		return err
	}
	c.avatarID = id
	c.active = true

	//1.- Owner copy first, then every other avatar already present.
	others := s.registry.Snapshot()
	packets := make([]protocol.Packet, 0, len(others))
	packets = append(packets, protocol.Spawn(id, true, state.X, state.Y))
	for _, other := range others {
		if other.ID == id {
			continue
		}
		packets = append(packets, protocol.Spawn(other.ID, false, other.X, other.Y))
	}
	var failed []*Conn
	if !s.enqueueLocked(c, protocol.EncodeAll(packets...)) {
		failed = append(failed, c)
	}
	//2.- Then announce the newcomer to everybody else.
	failed = s.broadcastLocked(c, protocol.Encode(protocol.Spawn(id, false, state.X, state.Y)), failed)
	s.hub.Publish(events.KindSpawn, id, state.X, state.Y)
	s.mu.Unlock()

	s.metrics.spawns.Add(1)
	c.logger.Info("avatar spawned",
		logging.Int("avatar_id", int(id)),
		logging.Int("x", int(state.X)),
		logging.Int("y", int(state.Y)),
		logging.Int("snapshot_size", len(packets)-1),
	)
	s.dropFailed(failed)
	return nil
}

// move applies a position update from c. The claimed id must be the one bound to c.
func (s *Session) move(c *Conn, pkt protocol.Packet) {
	s.mu.Lock()
	if !c.active {
		s.mu.Unlock()
		s.metrics.ignoredPackets.Add(1)
		c.logger.Debug("position update before spawn ignored", logging.Int("claimed_id", int(pkt.AvatarID)))
		return
	}
	if pkt.AvatarID != c.avatarID {
		bound := c.avatarID
		s.mu.Unlock()
		s.metrics.spoofsRejected.Add(1)
		c.logger.Warn("rejected spoofed position update",
			logging.Int("avatar_id", int(bound)),
			logging.Int("claimed_id", int(pkt.AvatarID)),
		)
		return
	}
	if !s.registry.Update(pkt.AvatarID, pkt.X, pkt.Y) {
		s.mu.Unlock()
		s.metrics.ignoredPackets.Add(1)
		return
	}
	failed := s.broadcastLocked(c, protocol.Encode(protocol.PositionUpdate(pkt.AvatarID, pkt.X, pkt.Y)), nil)
	s.hub.Publish(events.KindMove, pkt.AvatarID, pkt.X, pkt.Y)
	s.mu.Unlock()

	s.metrics.moves.Add(1)
	s.dropFailed(failed)
}

// leave moves c to Closed. It runs exactly once per connection, from the
// connection's own goroutine, and is the only place its send queue is closed.
func (s *Session) leave(c *Conn) {
	s.mu.Lock()
	delete(s.peers, c)
	var failed []*Conn
	despawned := false
	if c.active {
		if _, ok := s.registry.Remove(c.avatarID); ok {
			failed = s.broadcastLocked(c, protocol.Encode(protocol.Despawn(c.avatarID)), nil)
			s.hub.Publish(events.KindDespawn, c.avatarID, 0, 0)
			despawned = true
		}
		c.active = false
	}
	if !c.sendClosed {
		c.sendClosed = true
		c.backlog = nil
		close(c.send)
	}
	s.mu.Unlock()

	if despawned {
		s.metrics.despawns.Add(1)
		c.logger.Info("avatar despawned", logging.Int("avatar_id", int(c.avatarID)))
	}
	s.dropFailed(failed)
}

// broadcastLocked queues data for every Active peer except exclude. Peers whose
// queue is full are returned for cleanup once the lock is released.
func (s *Session) broadcastLocked(exclude *Conn, data []byte, failed []*Conn) []*Conn {
	s.metrics.broadcasts.Add(1)
	for peer := range s.peers {
		if peer == exclude || !peer.active || peer.dropped {
			continue
		}
		if !s.enqueueLocked(peer, data) {
			failed = append(failed, peer)
			continue
		}
		s.metrics.deliveries.Add(1)
	}
	return failed
}

// enqueueLocked hands data to c's writer. A full queue spills into an ordered
// backlog; the peer is only dropped once that backlog outgrows its limit or has
// waited longer than the stall timeout.
func (s *Session) enqueueLocked(c *Conn, data []byte) bool {
	if c.sendClosed || c.dropped {
		return false
	}
	if len(c.backlog) == 0 {
		select {
		case c.send <- data:
			return true
		default:
			c.backlogSince = time.Now()
		}
	}
	if len(c.backlog) >= s.queueDepth*backlogFactor ||
		(s.stallTimeout > 0 && time.Since(c.backlogSince) > s.stallTimeout) {
		c.dropped = true
		c.backlog = nil
		return false
	}
	c.backlog = append(c.backlog, data)
	return true
}

// takeBacklog appends c's backlog to pending once the queue ahead of it has
// drained, so the writer never reorders messages.
func (s *Session) takeBacklog(c *Conn, pending []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(c.backlog) == 0 || len(c.send) > 0 || c.dropped {
		return pending
	}
	for _, msg := range c.backlog {
		pending = append(pending, msg...)
	}
	c.backlog = nil
	return pending
}

// dropFailed closes recipients that could not keep up. Their reader goroutines
// then run the normal leave path, including the despawn broadcast.
func (s *Session) dropFailed(failed []*Conn) {
	for _, c := range failed {
		s.metrics.droppedRecipients.Add(1)
		c.logger.Warn("dropping slow connection",
			logging.Int("queue_depth", cap(c.send)),
			logging.Int("backlog_limit", cap(c.send)*backlogFactor),
		)
		c.Close()
	}
}

// Watch returns the current avatars together with a subscription whose first
// event follows that snapshot.
func (s *Session) Watch(buffer int) ([]AvatarState, *events.Subscription, error) {
	if s.hub == nil {
		return nil, nil, ErrNoEventHub
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.hub.Subscribe(buffer)
	if err != nil {
		return nil, nil, err
	}
	return s.registry.Snapshot(), sub, nil
}

// Snapshot returns every active avatar ordered by id.
func (s *Session) Snapshot() []AvatarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Snapshot()
}

// Counts reports live connections and active avatars.
func (s *Session) Counts() (connections, avatars int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers), s.registry.Len()
}

// Closed reports whether CloseAll has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Metrics exposes the session counters.
func (s *Session) Metrics() *Metrics { return s.metrics }

// Uptime reports how long the session has existed.
func (s *Session) Uptime() time.Duration { return time.Since(s.started) }

// Hub returns the event hub, if any.
func (s *Session) Hub() *events.Hub { return s.hub }

// CloseAll refuses new connections and closes every live one.
func (s *Session) CloseAll() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*Conn, 0, len(s.peers))
	for c := range s.peers {
		peers = append(peers, c)
	}
	s.mu.Unlock()
	for _, c := range peers {
		c.Close()
	}
}
