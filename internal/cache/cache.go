// Package cache provides the two-tier local object cache: a byte-budgeted
// in-memory LRU for small objects and a disk tier for large ones. Objects
// are keyed by content hash, so a cached entry never goes stale; it can
// only be evicted or explicitly invalidated.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/metrics"
)

// Config controls cache sizing and placement.
type Config struct {
	Dir string // disk tier directory, created if missing

	MemoryBudget  int64 // total bytes the memory tier may hold
	DiskThreshold int64 // objects at or above this size go to disk
	DiskBudget    int64 // total bytes the disk tier may hold, 0 = unbounded
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	MemoryObjects int
	MemoryBytes   int64
	DiskObjects   int
	DiskBytes     int64
}

// Cache is the tiered object cache. Safe for concurrent use.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	lru      *simplelru.LRU[string, []byte]
	memBytes int64
	disk     map[string]*diskEntry
	dskBytes int64
	useSeq   int64 // recency counter for disk eviction
}

type diskEntry struct {
	size int64
	used int64
}

// New opens the cache, creating the disk directory and adopting any
// objects a previous process left behind.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache: directory not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}

	c := &Cache{
		cfg:  cfg,
		disk: make(map[string]*diskEntry),
	}

	// simplelru's capacity bound is entry count; the real bound is the
	// byte budget enforced after every insert. Size the entry cap so it
	// never fires before the byte budget does.
	capHint := int(cfg.MemoryBudget / 1024)
	if capHint < 16 {
		capHint = 16
	}
	lru, err := simplelru.NewLRU(capHint, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru

	if err := c.rescan(); err != nil {
		return nil, err
	}
	return c, nil
}

// rescan adopts disk objects from a previous run. Leftover temp files are
// partial writes and get removed.
func (c *Cache) rescan() error {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("cache: rescan: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "tmp-") {
			os.Remove(filepath.Join(c.cfg.Dir, name))
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		c.useSeq++
		c.disk[name] = &diskEntry{size: info.Size(), used: c.useSeq}
		c.dskBytes += info.Size()
	}
	if len(c.disk) > 0 {
		logging.Info("cache: adopted disk objects",
			zap.Int("objects", len(c.disk)),
			zap.Int64("bytes", c.dskBytes))
	}
	c.publishStats()
	return nil
}

func (c *Cache) onEvict(hash string, data []byte) {
	c.memBytes -= int64(len(data))
	metrics.RecordCacheEviction("memory")
}

// Put stores an object. Objects at or above the disk threshold stream to
// the disk tier; smaller ones are buffered into the memory tier. size must
// be the exact object length.
func (c *Cache) Put(hash string, r io.Reader, size int64) error {
	if size >= c.cfg.DiskThreshold {
		return c.putDisk(hash, r, size)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("cache: read object: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("cache: object %s: got %d bytes, want %d", hash, len(data), size)
	}
	c.PutBytes(hash, data)
	return nil
}

// PutBytes stores a fully materialized small object in the memory tier.
func (c *Cache) PutBytes(hash string, data []byte) {
	size := int64(len(data))
	if size >= c.cfg.DiskThreshold || size > c.cfg.MemoryBudget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Get(hash); ok {
		return
	}
	c.lru.Add(hash, data)
	c.memBytes += size
	for c.memBytes > c.cfg.MemoryBudget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	c.publishStats()
}

func (c *Cache) putDisk(hash string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp(c.cfg.Dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("cache: temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: write object: %w", err)
	}
	if n != size {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: object %s: wrote %d bytes, want %d", hash, n, size)
	}

	final := filepath.Join(c.cfg.Dir, hash)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: publish object: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.disk[hash]; ok {
		c.dskBytes -= prev.size
	}
	c.useSeq++
	c.disk[hash] = &diskEntry{size: size, used: c.useSeq}
	c.dskBytes += size
	c.evictDiskLocked(hash)
	c.publishStats()
	return nil
}

// evictDiskLocked trims the disk tier to its budget, least recently used
// first. keep is never evicted; the object just written must survive its
// own insert.
func (c *Cache) evictDiskLocked(keep string) {
	if c.cfg.DiskBudget <= 0 || c.dskBytes <= c.cfg.DiskBudget {
		return
	}

	type aged struct {
		hash string
		used int64
	}
	candidates := make([]aged, 0, len(c.disk))
	for hash, e := range c.disk {
		if hash == keep {
			continue
		}
		candidates = append(candidates, aged{hash, e.used})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].used < candidates[j].used
	})

	for _, cand := range candidates {
		if c.dskBytes <= c.cfg.DiskBudget {
			break
		}
		c.removeDiskLocked(cand.hash)
		metrics.RecordCacheEviction("disk")
	}
}

func (c *Cache) removeDiskLocked(hash string) {
	e, ok := c.disk[hash]
	if !ok {
		return
	}
	os.Remove(filepath.Join(c.cfg.Dir, hash))
	delete(c.disk, hash)
	c.dskBytes -= e.size
}

// GetRange returns length bytes of the object starting at off, or false if
// the object is not cached. A short range at the object tail is returned
// as-is.
func (c *Cache) GetRange(hash string, off, length int64) ([]byte, bool) {
	c.mu.Lock()
	if data, ok := c.lru.Get(hash); ok {
		c.mu.Unlock()
		if off >= int64(len(data)) {
			return nil, true
		}
		end := off + length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out := make([]byte, end-off)
		copy(out, data[off:end])
		metrics.RecordCacheHit("memory")
		return out, true
	}
	entry, onDisk := c.disk[hash]
	var size int64
	if onDisk {
		c.useSeq++
		entry.used = c.useSeq
		size = entry.size
	}
	c.mu.Unlock()

	if !onDisk {
		metrics.RecordCacheMiss()
		return nil, false
	}

	f, err := os.Open(filepath.Join(c.cfg.Dir, hash))
	if err != nil {
		// the file vanished under us, drop the entry
		c.mu.Lock()
		c.removeDiskLocked(hash)
		c.publishStats()
		c.mu.Unlock()
		metrics.RecordCacheMiss()
		return nil, false
	}
	defer f.Close()

	if off >= size {
		return nil, true
	}
	end := off + length
	if end > size {
		end = size
	}
	buf := make([]byte, end-off)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		metrics.RecordCacheMiss()
		return nil, false
	}

	metrics.RecordCacheHit("disk")
	return buf, true
}

// Contains reports whether the object is resident in either tier.
func (c *Cache) Contains(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(hash) {
		return true
	}
	_, ok := c.disk[hash]
	return ok
}

// Invalidate drops the object from both tiers.
func (c *Cache) Invalidate(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(hash)
	c.removeDiskLocked(hash)
	c.publishStats()
}

// Stats reports current occupancy of both tiers.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MemoryObjects: c.lru.Len(),
		MemoryBytes:   c.memBytes,
		DiskObjects:   len(c.disk),
		DiskBytes:     c.dskBytes,
	}
}

func (c *Cache) publishStats() {
	metrics.SetCacheResidentBytes("memory", c.memBytes)
	metrics.SetCacheResidentBytes("disk", c.dskBytes)
}
