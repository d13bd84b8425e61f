package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/bots"
	"github.com/AnythingTechPro/Syndicate/internal/config"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
)

const statsInterval = 5 * time.Second

func main() {
	addr := flag.String("addr", "127.0.0.1"+config.DefaultAddr, "Presence server address")
	count := flag.Int("count", 10, "Number of bots to keep connected")
	hz := flag.Float64("hz", 20, "Walk steps per second per bot")
	duration := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	seed := flag.Int64("seed", 1, "Seed for the first bot's walk; later bots increment it")
	level := flag.String("log-level", config.DefaultLogLevel, "Log level")
	logPath := flag.String("log", "syndicate-bot.log", "Log file path")
	flag.Parse()

	logger, err := logging.New(config.LoggingConfig{
		Level:      *level,
		Path:       *logPath,
		MaxSizeMB:  10,
		MaxBackups: 1,
		MaxAgeDays: 1,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(logger, *addr, *count, *hz, *duration, *seed); err != nil {
		logger.Error("bot swarm failed", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(logger *logging.Logger, addr string, count int, hz float64, duration time.Duration, seed int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	swarm := bots.NewSwarm(bots.SwarmConfig{
		Dial:   bots.ClientDialer(addr, logger),
		Walk:   bots.DefaultWalkConfig(),
		TickHz: hz,
		Seed:   seed,
		Logger: logger,
	})
	defer swarm.Close()

	//1.- A partial population keeps running; only a swarm that never connected fails.
	if n, err := swarm.Scale(ctx, count); err != nil {
		if n == 0 {
			return err
		}
		logger.Warn("bot swarm under target", logging.Int("bots", n), logging.Error(err))
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logStats(logger, swarm.Stats(), "bot swarm stopping")
			return nil
		case <-ticker.C:
			//2.- Replace bots whose server connection ended.
			if removed := swarm.Prune(); removed > 0 {
				logger.Warn("bots disconnected", logging.Int("removed", removed))
				if _, err := swarm.Scale(ctx, count); err != nil {
					logger.Warn("bot redial failed", logging.Error(err))
				}
			}
			logStats(logger, swarm.Stats(), "bot swarm stats")
		}
	}
}

func logStats(logger *logging.Logger, stats bots.Stats, message string) {
	logger.Info(message,
		logging.Int("bots", stats.Bots),
		logging.Int64("sent", stats.Sent),
		logging.Int64("skipped", stats.Skipped),
		logging.Int64("errors", stats.Errors),
	)
}
