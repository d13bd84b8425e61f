package bots

import (
	"math/rand"
)

// Bounds is the rectangle a walker stays inside, inclusive.
type Bounds struct {
	MinX, MinY int16
	MaxX, MaxY int16
}

// DefaultBounds covers the area around the stock spawn points.
var DefaultBounds = Bounds{MinX: 0, MinY: 0, MaxX: 500, MaxY: 500}

// WalkConfig tunes the random walk.
type WalkConfig struct {
	// Speed is the distance covered per step on each axis.
	Speed int16
	// TurnChance is the probability of picking a new heading on a step.
	TurnChance float64
	Bounds     Bounds
}

// DefaultWalkConfig returns a slow wander that pauses now and then.
func DefaultWalkConfig() WalkConfig {
	return WalkConfig{Speed: 2, TurnChance: 0.1, Bounds: DefaultBounds}
}

// headings includes a zero vector so walkers sometimes stand still.
var headings = [...][2]int16{
	{0, 0},
	{1, 0}, {-1, 0}, {0, 1}, {0, -1},
	{1, 1}, {1, -1}, {-1, 1}, {-1, -1},
}

// Walker produces a random walk one step at a time.
type Walker struct {
	cfg     WalkConfig
	rng     *rand.Rand
	heading [2]int16
}

// NewWalker builds a walker seeded for reproducible paths.
func NewWalker(cfg WalkConfig, seed int64) *Walker {
	if cfg.Speed <= 0 {
		cfg.Speed = DefaultWalkConfig().Speed
	}
	if cfg.Bounds == (Bounds{}) {
		cfg.Bounds = DefaultBounds
	}
	return &Walker{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Next returns the position after one step from (x, y).
func (w *Walker) Next(x, y int16) (int16, int16) {
	if w.rng.Float64() < w.cfg.TurnChance {
		w.heading = headings[w.rng.Intn(len(headings))]
	}
	nx := clamp(int32(x)+int32(w.heading[0])*int32(w.cfg.Speed), w.cfg.Bounds.MinX, w.cfg.Bounds.MaxX)
	ny := clamp(int32(y)+int32(w.heading[1])*int32(w.cfg.Speed), w.cfg.Bounds.MinY, w.cfg.Bounds.MaxY)
	//1.- Bounce off the edges so walkers do not pile up in corners.
	if nx == w.cfg.Bounds.MinX || nx == w.cfg.Bounds.MaxX {
		w.heading[0] = -w.heading[0]
	}
	if ny == w.cfg.Bounds.MinY || ny == w.cfg.Bounds.MaxY {
		w.heading[1] = -w.heading[1]
	}
	return nx, ny
}

func clamp(v int32, lo, hi int16) int16 {
	if v < int32(lo) {
		return lo
	}
	if v > int32(hi) {
		return hi
	}
	return int16(v)
}
