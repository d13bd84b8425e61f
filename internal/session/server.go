package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/logging"
)

// Serve accepts connections on ln until ctx is cancelled or the listener fails.
// On return every connection it started has left the session.
func (s *Session) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.CloseAll()
	})
	defer stop()

	s.logger.Info("presence server listening", logging.String("addr", ln.Addr().String()))
	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				wg.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				//1.- Back off on transient accept failures like fd exhaustion.
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logger.Warn("accept failed, retrying", logging.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			s.CloseAll()
			wg.Wait()
			return err
		}
		tempDelay = 0
		if tcp, ok := nc.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Handle(nc)
		}()
	}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Session) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
