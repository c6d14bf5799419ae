package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// CacheConfig tunes the process-wide idempotency cache.
type CacheConfig struct {
	// MaxBytes caps total cached result content. Default: 16 MiB.
	MaxBytes int

	// DefaultTTL applies to tools marked safe without an explicit TTL.
	// Default: 60s.
	DefaultTTL time.Duration
}

// DefaultCacheConfig returns the default cache tuning.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxBytes:   16 << 20,
		DefaultTTL: 60 * time.Second,
	}
}

type cacheEntry struct {
	result     models.ToolResult
	size       int
	expiresAt  time.Time
	lastAccess time.Time
}

// idempotencyCache stores results of safe tools keyed by a stable
// fingerprint of (tool name, canonical arguments). Entries expire by TTL
// and are evicted oldest-access-first when the byte cap is exceeded.
type idempotencyCache struct {
	mu      sync.Mutex
	config  CacheConfig
	entries map[string]*cacheEntry
	bytes   int

	// inflight coalesces concurrent calls with the same fingerprint so a
	// batch issuing duplicates observes exactly one underlying execution.
	inflight map[string]chan struct{}
}

func newIdempotencyCache(config CacheConfig) *idempotencyCache {
	if config.MaxBytes <= 0 {
		config.MaxBytes = 16 << 20
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 60 * time.Second
	}
	return &idempotencyCache{
		config:   config,
		entries:  make(map[string]*cacheEntry),
		inflight: make(map[string]chan struct{}),
	}
}

// Fingerprint computes a stable hash over the tool name and canonicalized
// JSON arguments. Two argument strings that decode to the same value
// produce the same fingerprint.
func Fingerprint(name string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canonicalJSON(args))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes args with object keys sorted. Invalid JSON is
// hashed as-is.
func canonicalJSON(args json.RawMessage) []byte {
	if len(args) == 0 {
		return []byte("null")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return args
	}
	out, err := json.Marshal(sortValue(decoded))
	if err != nil {
		return args
	}
	return out
}

// sortValue normalizes nested maps for deterministic marshaling.
// encoding/json already sorts map keys; this recursion only ensures nested
// structures are plain maps and slices.
func sortValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = sortValue(val[k])
		}
		return out
	case []any:
		for i := range val {
			val[i] = sortValue(val[i])
		}
		return val
	default:
		return v
	}
}

// Get returns a fresh cached result.
func (c *idempotencyCache) Get(fingerprint string, now time.Time) (models.ToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fingerprint]
	if !ok {
		return models.ToolResult{}, false
	}
	if now.After(entry.expiresAt) {
		c.bytes -= entry.size
		delete(c.entries, fingerprint)
		return models.ToolResult{}, false
	}
	entry.lastAccess = now
	return entry.result, true
}

// Put stores a successful result subject to the byte cap.
func (c *idempotencyCache) Put(fingerprint string, result models.ToolResult, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	size := len(result.Content)
	if size > c.config.MaxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[fingerprint]; ok {
		c.bytes -= old.size
	}
	c.entries[fingerprint] = &cacheEntry{
		result:     result,
		size:       size,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	c.bytes += size
	c.evict(now)
}

// evict drops expired entries first, then least-recently-accessed entries
// until under the byte cap. Caller holds the lock.
func (c *idempotencyCache) evict(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.bytes -= entry.size
			delete(c.entries, key)
		}
	}
	for c.bytes > c.config.MaxBytes {
		var oldestKey string
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.lastAccess.Before(oldest) {
				oldestKey = key
				oldest = entry.lastAccess
			}
		}
		if oldestKey == "" {
			return
		}
		c.bytes -= c.entries[oldestKey].size
		delete(c.entries, oldestKey)
	}
}

// BeginFlight either claims the fingerprint for execution (returns nil) or
// returns a channel that closes when the in-flight execution finishes.
func (c *idempotencyCache) BeginFlight(fingerprint string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.inflight[fingerprint]; ok {
		return ch
	}
	c.inflight[fingerprint] = make(chan struct{})
	return nil
}

// EndFlight releases the claim and wakes waiters.
func (c *idempotencyCache) EndFlight(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.inflight[fingerprint]; ok {
		close(ch)
		delete(c.inflight, fingerprint)
	}
}
