package bots

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/client"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
)

// Agent is the slice of the client sync agent a bot drives.
type Agent interface {
	RequestSpawn() error
	ReportLocalMove(x, y int16) (bool, error)
	Owned() (client.Avatar, bool)
	Done() <-chan struct{}
	Close() error
}

// DialFunc opens a new agent connection.
type DialFunc func(ctx context.Context) (Agent, error)

// ClientDialer dials real agents against a presence server.
func ClientDialer(addr string, logger *logging.Logger) DialFunc {
	return func(ctx context.Context) (Agent, error) {
		agent, err := client.Dial(ctx, addr, client.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return agent, nil
	}
}

// Stats aggregates the counters of every bot.
type Stats struct {
	Bots    int   `json:"bots"`
	Sent    int64 `json:"sent"`
	Skipped int64 `json:"skipped"`
	Errors  int64 `json:"errors"`
}

// Bot random-walks one avatar the way a presentation loop would: once per frame
// it reads the owned avatar and reports the next position.
type Bot struct {
	agent  Agent
	walker *Walker
	loop   *Loop

	sent    atomic.Int64
	skipped atomic.Int64
	errors  atomic.Int64
}

// NewBot wires an agent to a walker ticking at tickHz.
func NewBot(agent Agent, walker *Walker, tickHz float64) *Bot {
	b := &Bot{agent: agent, walker: walker}
	b.loop = NewLoop(tickHz, b.step)
	return b
}

// Start requests an avatar and begins walking once the server assigns one.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.agent.RequestSpawn(); err != nil {
		return err
	}
	b.loop.Start(ctx)
	return nil
}

// Stop halts the walk and disconnects.
func (b *Bot) Stop() error {
	b.loop.Stop()
	return b.agent.Close()
}

// Done is closed when the agent connection ends.
func (b *Bot) Done() <-chan struct{} { return b.agent.Done() }

func (b *Bot) step(time.Duration) {
	owned, ok := b.agent.Owned()
	if !ok {
		return
	}
	x, y := b.walker.Next(owned.X, owned.Y)
	sent, err := b.agent.ReportLocalMove(x, y)
	switch {
	case err != nil:
		b.errors.Add(1)
	case sent:
		b.sent.Add(1)
	default:
		b.skipped.Add(1)
	}
}

// SwarmConfig configures a bot population.
type SwarmConfig struct {
	Dial   DialFunc
	Walk   WalkConfig
	TickHz float64
	Seed   int64
	Logger *logging.Logger
}

// Swarm keeps the number of connected bots at the requested size.
type Swarm struct {
	mu       sync.Mutex
	cfg      SwarmConfig
	bots     []*Bot
	retired  Stats
	nextSeed int64
}

// NewSwarm constructs an empty swarm.
func NewSwarm(cfg SwarmConfig) *Swarm {
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	return &Swarm{cfg: cfg, nextSeed: cfg.Seed}
}

// Scale adjusts the number of active bots and returns the confirmed population.
func (s *Swarm) Scale(ctx context.Context, target int) (int, error) {
	if s == nil || s.cfg.Dial == nil {
		return 0, errors.New("swarm has no dialer")
	}
	if target < 0 {
		return 0, errors.New("population must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	//1.- Retire the newest bots first when shrinking.
	for len(s.bots) > target {
		last := s.bots[len(s.bots)-1]
		s.bots = s.bots[:len(s.bots)-1]
		s.retireLocked(last)
	}
	//2.- Dial new bots until the target is met or a dial fails.
	for len(s.bots) < target {
		agent, err := s.cfg.Dial(ctx)
		if err != nil {
			return len(s.bots), err
		}
		bot := NewBot(agent, NewWalker(s.cfg.Walk, s.nextSeed), s.cfg.TickHz)
		s.nextSeed++
		if err := bot.Start(ctx); err != nil {
			_ = agent.Close()
			return len(s.bots), err
		}
		s.bots = append(s.bots, bot)
	}
	s.cfg.Logger.Info("bot population reconciled", logging.Int("bots", len(s.bots)))
	return len(s.bots), nil
}

// Prune drops bots whose connection has ended and returns how many were removed.
func (s *Swarm) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.bots[:0]
	removed := 0
	for _, bot := range s.bots {
		select {
		case <-bot.Done():
			s.retireLocked(bot)
			removed++
		default:
			kept = append(kept, bot)
		}
	}
	s.bots = kept
	return removed
}

// Size reports the number of active bots.
func (s *Swarm) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bots)
}

// Stats sums the counters of active and retired bots.
func (s *Swarm) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.retired
	stats.Bots = len(s.bots)
	for _, bot := range s.bots {
		stats.Sent += bot.sent.Load()
		stats.Skipped += bot.skipped.Load()
		stats.Errors += bot.errors.Load()
	}
	return stats
}

// Close stops every bot.
func (s *Swarm) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bot := range s.bots {
		s.retireLocked(bot)
	}
	s.bots = nil
}

func (s *Swarm) retireLocked(bot *Bot) {
	_ = bot.Stop()
	s.retired.Sent += bot.sent.Load()
	s.retired.Skipped += bot.skipped.Load()
	s.retired.Errors += bot.errors.Load()
}
