package bots

import (
	"context"
	"time"
)

// StepFunc advances a bot by one fixed timestep.
type StepFunc func(step time.Duration)

// Loop drives a fixed timestep at the configured target frequency.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewLoop configures a loop that targets the provided ticks per second.
func NewLoop(targetHz float64, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 20
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 20
	}
	return &Loop{step: interval, stepFunc: step}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.step)
		defer ticker.Stop()
		last := time.Now()
		var accumulator time.Duration
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				for accumulator >= l.step {
					l.stepFunc(l.step)
					accumulator -= l.step
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil || l.done == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Done is closed when the loop goroutine exits. It is nil before Start.
func (l *Loop) Done() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.done
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
