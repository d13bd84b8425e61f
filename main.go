package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AnythingTechPro/Syndicate/internal/config"
	"github.com/AnythingTechPro/Syndicate/internal/emitter"
	"github.com/AnythingTechPro/Syndicate/internal/events"
	adminrpc "github.com/AnythingTechPro/Syndicate/internal/grpc"
	httpapi "github.com/AnythingTechPro/Syndicate/internal/http"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/replay"
	"github.com/AnythingTechPro/Syndicate/internal/session"
	"github.com/AnythingTechPro/Syndicate/internal/spectator"
)

const replaySweepInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	lns, err := bind(cfg)
	if err != nil {
		logger.Error("startup failed", logging.Error(err))
		_ = logger.Close()
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, lns, logger)
	stop()
	if err != nil {
		logger.Error("server stopped with error", logging.Error(err))
		_ = logger.Close()
		os.Exit(1)
	}
	logger.Info("server stopped")
	_ = logger.Close()
}

// listeners holds every socket the process serves; nil entries are disabled.
type listeners struct {
	presence net.Listener
	http     net.Listener
	grpc     net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.presence, l.http, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// bind opens every configured listener up front so a bad address fails startup
// before any goroutine runs.
func bind(cfg *config.Config) (listeners, error) {
	var out listeners
	var err error
	if out.presence, err = net.Listen("tcp", cfg.Address); err != nil {
		return out, fmt.Errorf("presence listener: %w", err)
	}
	if cfg.HTTPAddress != "" {
		if out.http, err = net.Listen("tcp", cfg.HTTPAddress); err != nil {
			out.close()
			return out, fmt.Errorf("http listener: %w", err)
		}
	}
	if cfg.GRPCAddress != "" {
		if out.grpc, err = net.Listen("tcp", cfg.GRPCAddress); err != nil {
			out.close()
			return out, fmt.Errorf("grpc listener: %w", err)
		}
	}
	return out, nil
}

// run serves on lns until ctx is cancelled or a server fails, then closes them.
func run(ctx context.Context, cfg *config.Config, lns listeners, logger *logging.Logger) error {
	defer lns.close()

	var writer *replay.Writer
	if cfg.ReplayDir != "" {
		var err error
		if writer, err = replay.NewWriter(cfg.ReplayDir, "syndicate", cfg.ReplayFrameInterval, nil); err != nil {
			return fmt.Errorf("replay writer: %w", err)
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("replay writer close failed", logging.Error(err))
			}
		}()
	}

	hub := events.NewHub()
	sess := session.New(append(session.FromConfig(cfg), session.WithEventHub(hub), session.WithLogger(logger))...)

	g, gctx := errgroup.WithContext(ctx)

	//1.- Closing the hub ends every observer stream so the servers can drain.
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		return nil
	})

	g.Go(func() error { return sess.Serve(gctx, lns.presence) })
	logger.Info("presence server ready", logging.String("url", listenerURL("tcp", lns.presence.Addr().String())))

	opts := httpapi.Options{
		Logger:      logger,
		Presence:    sess,
		Metrics:     sess.Metrics().Snapshot,
		Hub:         hub,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.ReplayDumpWindow, cfg.ReplayDumpBurst, nil),
	}

	//2.- Replay recording is optional; the writer closes after the recorder's final frame.
	if writer != nil {
		recorder := replay.NewRecorder(sess, writer, cfg.ReplayFrameInterval, logger)
		cleaner := replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{
			MaxBundles: cfg.ReplayMaxBundles,
			MaxAge:     cfg.ReplayMaxAge,
		}, logger)
		cleaner.Protect(writer.Directory())

		g.Go(func() error { return recorder.Run(gctx) })
		g.Go(func() error {
			cleaner.Run(gctx, replaySweepInterval)
			return nil
		})
		opts.Replay = httpapi.ReplayDumperFunc(func(context.Context) (string, error) {
			stats, err := recorder.Dump()
			return stats.Directory, err
		})
		opts.ReplayStats = recorder.Stats
		opts.StorageStats = cleaner.Stats
		logger.Info("replay recording enabled", logging.String("bundle", writer.Directory()))
	}

	//3.- An unreachable broker disables the emitter instead of failing startup.
	if cfg.MQTT.Broker != "" {
		mqttEmitter := emitter.NewMQTTEmitter(cfg.MQTT, logger)
		if err := mqttEmitter.Connect(ctx); err != nil {
			logger.Warn("mqtt emitter disabled", logging.Error(err))
		} else {
			defer mqttEmitter.Disconnect()
			g.Go(func() error { return mqttEmitter.Run(gctx, sess) })
		}
	}

	if lns.http != nil {
		viewers := spectator.NewHandler(sess, cfg.PingInterval, logger)
		opts.Spectator = viewers
		opts.Spectators = viewers.Active
		handler := httpapi.NewMux(httpapi.NewHandlerSet(opts))
		g.Go(func() error { return httpapi.Serve(gctx, lns.http, handler, logger) })
		logger.Info("admin endpoints ready", logging.String("url", listenerURL("http", lns.http.Addr().String())))
	}

	if lns.grpc != nil {
		admin := adminrpc.NewServer(sess, cfg.AdminToken, logger)
		g.Go(func() error { return admin.Serve(gctx, lns.grpc) })
		logger.Info("grpc admin ready", logging.String("url", listenerURL("grpc", lns.grpc.Addr().String())))
	}

	return g.Wait()
}
