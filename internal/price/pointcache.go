package price

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/fsjson"
)

const pointCacheVersion = 1

// PricePoint is one cached historical observation, bucketed to the UTC day
// boundary. Immutable once written: the first answer for a bucket wins.
type PricePoint struct {
	TokenKey        string    `json:"token_key"`
	TimestampBucket time.Time `json:"timestamp_bucket"`
	Price           float64   `json:"price"`
	SourceProvider  string    `json:"source_provider"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Bucket truncates t to its UTC day boundary, the cache's key granularity.
func Bucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

type pointFile struct {
	Version  int          `json:"version"`
	TokenKey string       `json:"token_key"`
	Points   []PricePoint `json:"points"`
}

// PointCache is the persistent daily-bucket price store under
// DATA_DIR/price_cache/. One JSON file per token; entries append in memory
// and flush atomically at checkpoint boundaries. Historical data never
// expires.
type PointCache struct {
	dir string
	log zerolog.Logger

	mu     sync.Mutex
	points map[string]map[int64]PricePoint
	loaded map[string]bool
	dirty  map[string]bool
}

// NewPointCache opens (or creates) the cache directory. Every existing
// file's version is checked here so an incompatible cache stops the process
// at startup instead of surfacing mid-run.
func NewPointCache(dir string, log zerolog.Logger) (*PointCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("price cache dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("price cache dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var header struct {
			Version int `json:"version"`
		}
		path := filepath.Join(dir, entry.Name())
		if err := fsjson.Read(path, &header); err != nil {
			return nil, err
		}
		if header.Version != pointCacheVersion {
			return nil, fmt.Errorf("%s: have %d, want %d: %w",
				path, header.Version, pointCacheVersion, fsjson.ErrVersionMismatch)
		}
	}
	return &PointCache{
		dir:    dir,
		log:    log.With().Str("component", "point_cache").Logger(),
		points: make(map[string]map[int64]PricePoint),
		loaded: make(map[string]bool),
		dirty:  make(map[string]bool),
	}, nil
}

// Get returns the cached point for (tokenKey, day bucket of at). A hit is
// served from memory or disk and never touches the network path.
func (c *PointCache) Get(tokenKey string, at time.Time) (PricePoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(tokenKey); err != nil {
		c.log.Error().Err(err).Str("token", tokenKey).Msg("Price cache load failed")
		return PricePoint{}, false
	}
	p, ok := c.points[tokenKey][Bucket(at).Unix()]
	return p, ok
}

// Put records a point unless its bucket is already filled. Points are
// immutable once written.
func (c *PointCache) Put(p PricePoint) {
	if p.TokenKey == "" || p.Price <= 0 {
		return
	}
	p.TimestampBucket = Bucket(p.TimestampBucket)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(p.TokenKey); err != nil {
		c.log.Error().Err(err).Str("token", p.TokenKey).Msg("Price cache load failed")
		return
	}
	bucket := p.TimestampBucket.Unix()
	if _, exists := c.points[p.TokenKey][bucket]; exists {
		return
	}
	if c.points[p.TokenKey] == nil {
		c.points[p.TokenKey] = make(map[int64]PricePoint)
	}
	c.points[p.TokenKey][bucket] = p
	c.dirty[p.TokenKey] = true
}

// Flush rewrites every dirty token file atomically. Called at checkpoint
// boundaries and on shutdown.
func (c *PointCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for tokenKey := range c.dirty {
		pts := make([]PricePoint, 0, len(c.points[tokenKey]))
		for _, p := range c.points[tokenKey] {
			pts = append(pts, p)
		}
		sort.Slice(pts, func(i, j int) bool {
			return pts[i].TimestampBucket.Before(pts[j].TimestampBucket)
		})
		file := pointFile{Version: pointCacheVersion, TokenKey: tokenKey, Points: pts}
		if err := fsjson.WriteAtomic(c.path(tokenKey), file); err != nil {
			return fmt.Errorf("flush %s: %w", tokenKey, err)
		}
		delete(c.dirty, tokenKey)
	}
	return nil
}

// ensureLoaded pulls a token's file into memory once. Callers hold c.mu.
func (c *PointCache) ensureLoaded(tokenKey string) error {
	if c.loaded[tokenKey] {
		return nil
	}
	c.loaded[tokenKey] = true

	var file pointFile
	err := fsjson.ReadVersioned(c.path(tokenKey), pointCacheVersion, &file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	m := make(map[int64]PricePoint, len(file.Points))
	for _, p := range file.Points {
		p.TimestampBucket = Bucket(p.TimestampBucket)
		m[p.TimestampBucket.Unix()] = p
	}
	c.points[tokenKey] = m
	return nil
}

func (c *PointCache) path(tokenKey string) string {
	name := strings.NewReplacer(":", "_", "/", "_").Replace(tokenKey)
	return filepath.Join(c.dir, name+".json")
}
