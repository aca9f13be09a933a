package llm

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimerrors"
)

// CacheKeyInput is the shape hashed into an LLM cache key (§4.G).
type CacheKeyInput struct {
	Stage             string
	Provider          string
	ModelName         string
	ModelVersion      string
	PromptVersion     string
	PromptSHA256      string
	MessageFingerprint string
}

// CacheKey returns sha256(jcs({...})) for the given call coordinates.
func CacheKey(in CacheKeyInput) (string, error) {
	return determinism.DecisionHash(map[string]any{
		"stage":               in.Stage,
		"provider":            in.Provider,
		"model_name":          in.ModelName,
		"model_version":       in.ModelVersion,
		"prompt_version":      in.PromptVersion,
		"prompt_sha256":       in.PromptSHA256,
		"message_fingerprint": in.MessageFingerprint,
	})
}

// Cache is a single-writer-per-key, immutable file cache of LLM responses,
// keyed by CacheKey. A rewrite attempt with a different value is fatal --
// the cache never silently serves stale content for a changed key.
type Cache struct {
	dir string
	mu  sync.Mutex
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "llm: read cache entry", err)
	}
	return string(data), true, nil
}

// Put stores value for key. A pre-existing entry with different content is
// an IMMUTABILITY_VIOLATION; an identical write is a no-op.
func (c *Cache) Put(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok, err := c.Get(key); err != nil {
		return err
	} else if ok {
		if existing != value {
			return ieimerrors.New(ieimerrors.KindImmutabilityViolation, "llm: cache entry exists with different content for key "+key)
		}
		return nil
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "llm: mkdir cache dir", err)
	}
	target := c.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "llm: write cache temp file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "llm: atomic rename cache entry", err)
	}
	return nil
}

func (c *Cache) path(key string) string {
	hex := key
	if len(hex) > 7 && hex[:7] == "sha256:" {
		hex = hex[7:]
	}
	return filepath.Join(c.dir, hex+".json")
}

// DailyCounter is a persistent, lock-coordinated read-modify-write counter
// of LLM provider calls made on a given UTC day, enforcing
// max_calls_per_day (§4.G, §5).
type DailyCounter struct {
	path string
	mu   sync.Mutex
}

func NewDailyCounter(path string) *DailyCounter {
	return &DailyCounter{path: path}
}

type counterState struct {
	Day   string
	Count int
}

// IncrementIfUnderCap atomically increments today's count if it is still
// under maxPerDay, returning ok=false with a nil error otherwise.
func (d *DailyCounter) IncrementIfUnderCap(now time.Time, maxPerDay int) (ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := now.UTC().Format("2006-01-02")
	state, err := d.read()
	if err != nil {
		return false, err
	}
	if state.Day != day {
		state = counterState{Day: day, Count: 0}
	}
	if state.Count >= maxPerDay {
		return false, nil
	}
	state.Count++
	if err := d.write(state); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DailyCounter) read() (counterState, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return counterState{}, nil
		}
		return counterState{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "llm: read daily counter", err)
	}
	parts := splitTwo(string(data), '\n')
	count, _ := strconv.Atoi(parts[1])
	return counterState{Day: parts[0], Count: count}, nil
}

func (d *DailyCounter) write(state counterState) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "llm: mkdir counter dir", err)
	}
	data := []byte(state.Day + "\n" + strconv.Itoa(state.Count))
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "llm: write counter temp file", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "llm: atomic rename counter file", err)
	}
	return nil
}

func splitTwo(s string, sep byte) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, "0"}
}
