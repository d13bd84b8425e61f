package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/logging"
)

// RetentionPolicy defines how many replay bundles are retained on disk. Zero
// values disable the corresponding limit.
type RetentionPolicy struct {
	MaxBundles int
	MaxAge     time.Duration
}

// StorageStats summarises the disk footprint of persisted replays.
type StorageStats struct {
	Bundles   int       `json:"bundles"`
	Bytes     int64     `json:"bytes"`
	Removed   int       `json:"removed"`
	LastSweep time.Time `json:"last_sweep"`
}

// Cleaner periodically prunes bundles according to a retention policy. The bundle
// currently being recorded is never removed.
type Cleaner struct {
	mu      sync.RWMutex
	dir     string
	policy  RetentionPolicy
	log     *logging.Logger
	now     func() time.Time
	stats   StorageStats
	protect map[string]struct{}
}

// NewCleaner constructs a cleaner for the provided replay root.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{
		dir:     dir,
		policy:  policy,
		log:     logger.With(logging.String("component", "replay_retention")),
		now:     time.Now,
		protect: make(map[string]struct{}),
	}
}

// Protect exempts a bundle directory from retention.
func (c *Cleaner) Protect(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protect[filepath.Clean(path)] = struct{}{}
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Perform an eager sweep so retention applies immediately on startup.
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	bundles := c.collect(entries)
	now := c.now()
	kept := 0
	stats := StorageStats{LastSweep: now}

	c.mu.RLock()
	protected := make(map[string]struct{}, len(c.protect))
	for path := range c.protect {
		protected[path] = struct{}{}
	}
	c.mu.RUnlock()

	for _, b := range bundles {
		_, live := protected[b.path]
		if !live {
			if remove, reasons := c.shouldRemove(b, now, kept); remove {
				if err := os.RemoveAll(b.path); err != nil {
					c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("bundle", b.path))
				} else {
					c.log.Info("replay retention removed bundle", logging.String("bundle", b.path), logging.String("reason", reasons))
					stats.Removed++
					continue
				}
			}
		}
		kept++
		stats.Bundles++
		stats.Bytes += b.size
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// collect returns the bundle directories under the root, newest first.
func (c *Cleaner) collect(entries []os.DirEntry) []bundleDir {
	bundles := make([]bundleDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, manifestName)); err != nil {
			//1.- Directories without a manifest are not ours to delete.
			continue
		}
		size, modTime, err := directoryFootprint(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("bundle", path))
			continue
		}
		bundles = append(bundles, bundleDir{path: path, size: size, modTime: modTime})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })
	return bundles
}

func (c *Cleaner) shouldRemove(b bundleDir, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(b.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxBundles > 0 && kept >= c.policy.MaxBundles {
		reasons = append(reasons, fmt.Sprintf(">=%d bundles", c.policy.MaxBundles))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

// directoryFootprint sums file sizes and finds the newest modification time.
func directoryFootprint(root string) (int64, time.Time, error) {
	var (
		total  int64
		newest time.Time
	)
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, newest, err
}
