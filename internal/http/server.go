package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/logging"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// NewMux registers the handler set on a fresh mux.
func NewMux(h *HandlerSet) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Serve runs an HTTP server on ln until ctx is cancelled, then shuts it down
// gracefully. Hijacked spectator sockets are not waited for.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.L()
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP admin listening", logging.String("address", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP admin forced to shut down", logging.Error(err))
		_ = server.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, handler, logger)
}
