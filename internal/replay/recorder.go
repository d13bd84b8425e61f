package replay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/events"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/protocol"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

const subscriberBuffer = 1024

// Source hands out a snapshot together with a subscription that continues it.
type Source interface {
	Watch(buffer int) ([]session.AvatarState, *events.Subscription, error)
}

// Stats summarises recorder health for monitoring endpoints.
type Stats struct {
	Directory    string    `json:"directory"`
	Events       int       `json:"events"`
	Frames       int       `json:"frames"`
	Avatars      int       `json:"avatars"`
	LastSequence uint64    `json:"last_sequence"`
	Resubscribes int64     `json:"resubscribes"`
	Dumps        int64     `json:"dumps"`
	LastDump     time.Time `json:"last_dump,omitempty"`
}

// Recorder mirrors the presence feed into a replay bundle. It keeps its own copy
// of the avatar set so frames can be written without touching the session lock.
type Recorder struct {
	source   Source
	writer   *Writer
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	mu           sync.Mutex
	avatars      map[protocol.AvatarID]session.AvatarState
	lastSeq      uint64
	resubscribes int64
	dumps        int64
	lastDump     time.Time
}

// NewRecorder wires a source to a bundle writer. interval <= 0 uses one second.
func NewRecorder(source Source, writer *Writer, interval time.Duration, logger *logging.Logger) *Recorder {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Recorder{
		source:   source,
		writer:   writer,
		interval: interval,
		logger:   logger.With(logging.String("component", "replay"), logging.String("bundle", writer.Directory())),
		now:      time.Now,
		avatars:  make(map[protocol.AvatarID]session.AvatarState),
	}
}

// Run records until ctx is cancelled or the event hub shuts down. A subscription
// dropped for lagging is replaced and followed by a fresh frame.
func (r *Recorder) Run(ctx context.Context) error {
	recording := false
	for {
		snapshot, sub, err := r.source.Watch(subscriberBuffer)
		if err != nil {
			if errors.Is(err, events.ErrHubClosed) {
				//1.- The hub went away while resubscribing; the recording still gets closed out.
				if recording {
					r.writeFrame()
				}
				return nil
			}
			return err
		}
		recording = true
		r.reset(snapshot)
		r.writeFrame()

		dropped := r.consume(ctx, sub)
		sub.Close()
		//2.- A hub closed during shutdown still gets the final frame.
		if !dropped || ctx.Err() != nil {
			r.writeFrame()
			return nil
		}
		r.mu.Lock()
		r.resubscribes++
		r.mu.Unlock()
		r.logger.Warn("replay recorder fell behind, resubscribing")
	}
}

// consume applies events until ctx ends (false) or the subscription closes (true).
func (r *Recorder) consume(ctx context.Context, sub *events.Subscription) bool {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-sub.Events():
			if !ok {
				return true
			}
			r.apply(evt)
			if err := r.writer.AppendEvent(evt); err != nil {
				r.logger.Warn("replay event write failed", logging.Error(err))
			}
		case <-ticker.C:
			r.writeFrame()
		}
	}
}

func (r *Recorder) reset(snapshot []session.AvatarState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.avatars)
	for _, avatar := range snapshot {
		r.avatars[avatar.ID] = avatar
	}
}

func (r *Recorder) apply(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch evt.Kind {
	case events.KindSpawn, events.KindMove:
		r.avatars[evt.AvatarID] = session.AvatarState{ID: evt.AvatarID, X: evt.X, Y: evt.Y}
	case events.KindDespawn:
		delete(r.avatars, evt.AvatarID)
	}
	r.lastSeq = evt.Sequence
}

// current returns the mirrored avatars ordered by id along with the last sequence.
func (r *Recorder) current() ([]session.AvatarState, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	avatars := make([]session.AvatarState, 0, len(r.avatars))
	for _, avatar := range r.avatars {
		avatars = append(avatars, avatar)
	}
	sort.Slice(avatars, func(i, j int) bool { return avatars[i].ID < avatars[j].ID })
	return avatars, r.lastSeq
}

func (r *Recorder) writeFrame() {
	avatars, seq := r.current()
	if err := r.writer.AppendFrame(seq, avatars); err != nil && !errors.Is(err, ErrWriterClosed) {
		r.logger.Warn("replay frame write failed", logging.Error(err))
	}
}

// Dump writes a frame of the current state and flushes the bundle to disk.
func (r *Recorder) Dump() (Stats, error) {
	r.writeFrame()
	if err := r.writer.Flush(); err != nil {
		return r.Stats(), err
	}
	r.mu.Lock()
	r.dumps++
	r.lastDump = r.now().UTC()
	r.mu.Unlock()
	stats := r.Stats()
	r.logger.Info("replay bundle flushed", logging.Int("events", stats.Events), logging.Int("frames", stats.Frames))
	return stats, nil
}

// Stats copies the counters so monitoring endpoints avoid racing with the writer.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	eventCount, frameCount := r.writer.Counts()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Directory:    r.writer.Directory(),
		Events:       eventCount,
		Frames:       frameCount,
		Avatars:      len(r.avatars),
		LastSequence: r.lastSeq,
		Resubscribes: r.resubscribes,
		Dumps:        r.dumps,
		LastDump:     r.lastDump,
	}
}
