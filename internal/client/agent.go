package client

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/protocol"
)

const (
	defaultQueueDepth   = 64
	defaultWriteTimeout = 5 * time.Second
	flushTimeout        = 2 * time.Second
	readBufferSize      = 4 << 10
)

var (
	// ErrNotSpawned is returned by ReportLocalMove before the server assigned an avatar.
	ErrNotSpawned = errors.New("no locally owned avatar")
	// ErrClosed is returned when sending on a closed agent.
	ErrClosed = errors.New("agent closed")
	// ErrSendQueueFull is returned when the outbound queue cannot take another packet.
	ErrSendQueueFull = errors.New("send queue full")
)

// Avatar is one entry of the local avatar map.
type Avatar struct {
	ID    protocol.AvatarID
	X, Y  int16
	Owner bool
}

// Listener receives the inbound changes after they were applied to the local map.
// Callbacks run on the receive goroutine and must not block for long.
type Listener interface {
	OnSpawn(id protocol.AvatarID, owner bool, x, y int16)
	OnDespawn(id protocol.AvatarID)
	OnPositionUpdate(id protocol.AvatarID, x, y int16)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Spawn          func(id protocol.AvatarID, owner bool, x, y int16)
	Despawn        func(id protocol.AvatarID)
	PositionUpdate func(id protocol.AvatarID, x, y int16)
}

func (f ListenerFuncs) OnSpawn(id protocol.AvatarID, owner bool, x, y int16) {
	if f.Spawn != nil {
		f.Spawn(id, owner, x, y)
	}
}

func (f ListenerFuncs) OnDespawn(id protocol.AvatarID) {
	if f.Despawn != nil {
		f.Despawn(id)
	}
}

func (f ListenerFuncs) OnPositionUpdate(id protocol.AvatarID, x, y int16) {
	if f.PositionUpdate != nil {
		f.PositionUpdate(id, x, y)
	}
}

// Option customises an Agent.
type Option func(*Agent)

// WithListener registers the callbacks for inbound changes.
func WithListener(l Listener) Option {
	return func(a *Agent) { a.listener = l }
}

// WithLogger sets the agent logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithQueueDepth sets how many outbound packets may wait for the writer.
func WithQueueDepth(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.queueDepth = n
		}
	}
}

// Agent keeps a local copy of every avatar the server announced and reports the
// owned avatar's moves. None of its methods block on network I/O.
type Agent struct {
	conn       net.Conn
	listener   Listener
	logger     *logging.Logger
	queueDepth int

	mu      sync.RWMutex
	avatars map[protocol.AvatarID]Avatar
	owned   protocol.AvatarID

	sendMu         sync.Mutex
	send           chan []byte
	spawnRequested bool

	stop       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once

	done      chan struct{}
	err       error
	closing   atomic.Bool
	closeOnce sync.Once
}

// Dial connects to a presence server and starts the agent.
func Dial(ctx context.Context, addr string, opts ...Option) (*Agent, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// New starts an agent on an established connection. The agent owns conn.
func New(conn net.Conn, opts ...Option) *Agent {
	a := &Agent{
		conn:       conn,
		listener:   ListenerFuncs{},
		logger:     logging.L(),
		queueDepth: defaultQueueDepth,
		avatars:    make(map[protocol.AvatarID]Avatar),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.send = make(chan []byte, a.queueDepth)
	go a.receiveLoop()
	go a.writeLoop()
	return a
}

// RequestSpawn asks the server for an avatar. Only the first call sends anything.
func (a *Agent) RequestSpawn() error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.spawnRequested {
		return nil
	}
	if err := a.enqueueLocked(protocol.Encode(protocol.RequestSpawn())); err != nil {
		return err
	}
	a.spawnRequested = true
	return nil
}

// ReportLocalMove records the owned avatar's new position and sends it to the
// server. Nothing is sent when the position did not change.
func (a *Agent) ReportLocalMove(x, y int16) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owned == 0 {
		return false, ErrNotSpawned
	}
	current := a.avatars[a.owned]
	if current.X == x && current.Y == y {
		return false, nil
	}

	a.sendMu.Lock()
	err := a.enqueueLocked(protocol.Encode(protocol.PositionUpdate(a.owned, x, y)))
	a.sendMu.Unlock()
	if err != nil {
		return false, err
	}
	current.X, current.Y = x, y
	a.avatars[a.owned] = current
	return true, nil
}

func (a *Agent) enqueueLocked(data []byte) error {
	select {
	case <-a.done:
		return ErrClosed
	case <-a.stop:
		return ErrClosed
	default:
	}
	select {
	case a.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Snapshot returns the local avatar map ordered by id.
func (a *Agent) Snapshot() []Avatar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Avatar, 0, len(a.avatars))
	for _, avatar := range a.avatars {
		out = append(out, avatar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Owned returns the locally controlled avatar, if the server assigned one.
func (a *Agent) Owned() (Avatar, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.owned == 0 {
		return Avatar{}, false
	}
	avatar, ok := a.avatars[a.owned]
	return avatar, ok
}

// Done is closed once the receive loop has stopped.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Err reports why the receive loop stopped. It is nil after a local Close.
func (a *Agent) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Close flushes packets that were already queued, disconnects from the server
// and waits for the receive loop to stop.
func (a *Agent) Close() error {
	a.stopOnce.Do(func() {
		a.closing.Store(true)
		a.sendMu.Lock()
		close(a.stop)
		a.sendMu.Unlock()
	})
	//1.- The flush is bounded so a stalled server cannot hold Close forever.
	timer := time.NewTimer(flushTimeout)
	select {
	case <-a.writerDone:
	case <-a.done:
	case <-timer.C:
	}
	timer.Stop()

	var err error
	a.closeOnce.Do(func() { err = a.conn.Close() })
	<-a.done
	return err
}

func (a *Agent) receiveLoop() {
	var framer protocol.Framer
	buf := make([]byte, readBufferSize)
	var err error
	for {
		var n int
		n, err = a.conn.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			if derr := framer.Drain(a.apply); derr != nil {
				a.logger.Warn("closing desynchronised server stream", logging.Error(derr))
				err = derr
				break
			}
		}
		if err != nil {
			break
		}
	}
	a.closeOnce.Do(func() { _ = a.conn.Close() })
	if a.closing.Load() {
		err = nil
	}
	a.err = err
	close(a.done)
}

func (a *Agent) writeLoop() {
	defer close(a.writerDone)
	for {
		select {
		case <-a.done:
			return
		case msg := <-a.send:
			if !a.write(msg) {
				return
			}
		case <-a.stop:
			//1.- Close was called: drain what is queued, then stop.
			for {
				select {
				case msg := <-a.send:
					if !a.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) write(msg []byte) bool {
	_ = a.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if _, err := a.conn.Write(msg); err != nil {
		a.logger.Warn("send failed", logging.Error(err))
		a.closeOnce.Do(func() { _ = a.conn.Close() })
		return false
	}
	return true
}

// apply updates the local map and then notifies the listener outside the lock.
// Anomalies such as unknown ids or repeated spawns are dropped.
func (a *Agent) apply(pkt protocol.Packet) error {
	switch pkt.Type {
	case protocol.TypeSpawn:
		a.mu.Lock()
		if _, exists := a.avatars[pkt.AvatarID]; exists {
			a.mu.Unlock()
			a.logger.Debug("ignoring duplicate spawn", logging.Int("avatar_id", int(pkt.AvatarID)))
			return nil
		}
		a.avatars[pkt.AvatarID] = Avatar{ID: pkt.AvatarID, X: pkt.X, Y: pkt.Y, Owner: pkt.Owner}
		if pkt.Owner {
			a.owned = pkt.AvatarID
		}
		a.mu.Unlock()
		a.listener.OnSpawn(pkt.AvatarID, pkt.Owner, pkt.X, pkt.Y)
	case protocol.TypeDespawn:
		a.mu.Lock()
		_, exists := a.avatars[pkt.AvatarID]
		delete(a.avatars, pkt.AvatarID)
		if a.owned == pkt.AvatarID {
			a.owned = 0
		}
		a.mu.Unlock()
		if exists {
			a.listener.OnDespawn(pkt.AvatarID)
		}
	case protocol.TypePositionUpdate:
		a.mu.Lock()
		avatar, exists := a.avatars[pkt.AvatarID]
		if exists {
			avatar.X, avatar.Y = pkt.X, pkt.Y
			a.avatars[pkt.AvatarID] = avatar
		}
		a.mu.Unlock()
		if exists {
			a.listener.OnPositionUpdate(pkt.AvatarID, pkt.X, pkt.Y)
		}
	default:
		a.logger.Debug("ignoring client-bound packet", logging.String("type", pkt.Type.String()))
	}
	return nil
}
