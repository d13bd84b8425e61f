package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/protocol"
)

const (
	readBufferSize = 4 << 10

	// backlogFactor sizes the overflow backlog as a multiple of the queue depth.
	backlogFactor = 16
)

// Conn is one client connection. The reader goroutine is the only place its
// packets are decoded and the writer goroutine is the only writer to the socket.
// avatarID, active, dropped, sendClosed and the backlog are guarded by the
// Session mutex.
type Conn struct {
	id      string
	conn    net.Conn
	session *Session
	logger  *logging.Logger

	send         chan []byte
	backlog      [][]byte
	backlogSince time.Time
	sendClosed   bool
	dropped      bool
	avatarID     protocol.AvatarID
	active       bool

	writerDone chan struct{}
	closeOnce  sync.Once
}

func newConn(s *Session, nc net.Conn) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:      id,
		conn:    nc,
		session: s,
		logger: s.logger.With(
			logging.String(logging.ConnIDField, id),
			logging.String("remote_addr", nc.RemoteAddr().String()),
		),
		send:       make(chan []byte, s.queueDepth),
		writerDone: make(chan struct{}),
	}
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string { return c.id }

// Close tears down the socket, which unblocks the reader and drives the
// connection to Closed. It is safe to call from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Handle runs the connection until the peer goes away or the stream desyncs.
// It blocks and returns after the connection has fully left the session.
func (s *Session) Handle(nc net.Conn) error {
	c := newConn(s, nc)
	if err := s.join(c); err != nil {
		c.logger.Warn("connection rejected", logging.Error(err))
		c.Close()
		return err
	}
	c.logger.Info("connection accepted")

	go c.writePump()
	err := c.readLoop()
	s.leave(c)
	<-c.writerDone
	c.Close()

	switch {
	case errors.Is(err, protocol.ErrUnknownPacketType):
		s.metrics.desyncs.Add(1)
		c.logger.Warn("closing desynchronised connection", logging.Error(err))
	case err != nil && !isClosedErr(err):
		c.logger.Info("connection closed", logging.Error(err))
	default:
		c.logger.Info("connection closed")
	}
	return err
}

func (c *Conn) readLoop() error {
	var framer protocol.Framer
	buf := make([]byte, readBufferSize)
	idle := c.session.idleTimeout
	for {
		if idle > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return err
			}
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			//1.- Buffer the bytes and dispatch every complete packet in arrival order.
			framer.Feed(buf[:n])
			if derr := framer.Drain(c.dispatch); derr != nil {
				return derr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (c *Conn) dispatch(pkt protocol.Packet) error {
	switch pkt.Type {
	case protocol.TypeRequestSpawn:
		if err := c.session.spawn(c); err != nil {
			c.logger.Error("spawn request failed", logging.Error(err))
		}
	case protocol.TypePositionUpdate:
		c.session.move(c, pkt)
	default:
		c.session.metrics.ignoredPackets.Add(1)
		c.logger.Debug("ignoring server-bound packet", logging.String("type", pkt.Type.String()))
	}
	return nil
}

// writePump drains the send queue until leave closes it. Messages queued while a
// write is in flight are coalesced into the next write.
func (c *Conn) writePump() {
	defer close(c.writerDone)
	var pending []byte
	for msg := range c.send {
		pending = append(pending[:0], msg...)
	coalesce:
		for len(pending) < readBufferSize {
			select {
			case more, ok := <-c.send:
				if !ok {
					break coalesce
				}
				pending = append(pending, more...)
			default:
				break coalesce
			}
		}
		//1.- Once the queue is empty, pull in whatever spilled over while it was full.
		pending = c.session.takeBacklog(c, pending)
		if timeout := c.session.writeTimeout; timeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		if _, err := c.conn.Write(pending); err != nil {
			if !isClosedErr(err) {
				c.logger.Warn("write failed", logging.Error(err))
			}
			c.Close()
			//2.- Discard whatever is still queued until leave closes the channel.
			for range c.send {
			}
			return
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
