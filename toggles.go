package grower

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/maxbolgarin/errm"
)

// DisableCommandEnvPrefix is a prefix of environment variables that disable commands.
// Command "grow" is disabled if DISABLE_CMD_GROW is present in the environment (with any value).
const DisableCommandEnvPrefix = "DISABLE_CMD_"

// ErrTogglesPoisoned is returned when a previous write into the toggles cache failed midway.
// The cache cannot be trusted after that and the process should stop serving commands.
var ErrTogglesPoisoned = errm.New("command toggles cache was poisoned")

// ErrEmptyToggleKey is returned by [CommandToggles.Lookup] for an empty key.
var ErrEmptyToggleKey = errm.New("empty toggle key")

// LookupFunc returns a value of an external variable and a flag if it is present.
// It has the same signature as [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// TogglesOption configures [CommandToggles].
type TogglesOption func(*CommandToggles)

// WithLookup sets the source of disable signals. Default is [os.LookupEnv].
func WithLookup(lookup LookupFunc) TogglesOption {
	return func(t *CommandToggles) {
		t.lookup = lookup
	}
}

// WithTogglesLogger sets the logger of the toggles cache.
func WithTogglesLogger(l Logger) TogglesOption {
	return func(t *CommandToggles) {
		t.log = l
	}
}

// WithTogglesMetrics enables Prometheus metrics for the toggles cache.
func WithTogglesMetrics(cfg MetricsConfig) TogglesOption {
	return func(t *CommandToggles) {
		t.metrics = newTogglesMetrics(cfg)
	}
}

// CommandToggles is a process-wide cache of command switches.
// Every key is resolved from the environment once and never changes after that,
// so removing or adding a DISABLE_CMD_* variable takes effect only after restart.
//
// Create it once at startup and share the pointer between handlers.
type CommandToggles struct {
	lookup  LookupFunc
	log     Logger
	metrics *togglesMetrics

	cache    map[string]bool
	mu       sync.RWMutex
	poisoned atomic.Bool
}

// NewCommandToggles creates a new empty toggles cache.
func NewCommandToggles(opts ...TogglesOption) *CommandToggles {
	t := &CommandToggles{
		cache: make(map[string]bool),
	}
	for _, o := range opts {
		o(t)
	}
	if t.lookup == nil {
		t.lookup = os.LookupEnv
	}
	if t.log == nil {
		t.log = noopLogger{}
	}
	if t.metrics == nil {
		t.metrics = newTogglesMetrics(MetricsConfig{})
	}
	return t
}

// Enabled returns true if the command is enabled. Empty key is not a command, it is enabled.
// It panics with [ErrTogglesPoisoned] if the cache is poisoned, use [CommandToggles.Lookup]
// if you want to handle it as an error.
func (t *CommandToggles) Enabled(key string) bool {
	enabled, err := t.Lookup(key)
	switch {
	case errm.Is(err, ErrEmptyToggleKey):
		return true
	case err != nil:
		panic(err)
	}
	return enabled
}

// Lookup returns true if the command is enabled.
// Keys are case-insensitive. Concurrent first lookups of the same key may resolve the
// environment more than once, but all of them return the value that was stored first.
// Empty key returns [ErrEmptyToggleKey] and is never cached.
func (t *CommandToggles) Lookup(key string) (bool, error) {
	if t.poisoned.Load() {
		return false, ErrTogglesPoisoned
	}
	if key == "" {
		return false, ErrEmptyToggleKey
	}
	key = strings.ToLower(key)

	t.mu.RLock()
	enabled, found := t.cache[key]
	t.mu.RUnlock()

	if found {
		t.metrics.incHit()
		return enabled, nil
	}

	enabled = t.resolve(key)
	t.metrics.incResolution(enabled)

	return t.store(key, enabled)
}

// Len returns the number of cached toggles.
func (t *CommandToggles) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cache)
}

func (t *CommandToggles) resolve(key string) bool {
	_, disabled := t.lookup(DisableCommandEnvName(key))
	return !disabled
}

func (t *CommandToggles) store(key string, enabled bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			t.poisoned.Store(true)
			panic(r)
		}
	}()

	if t.poisoned.Load() {
		return false, ErrTogglesPoisoned
	}
	if existing, found := t.cache[key]; found {
		// another goroutine won the race, keep its value
		return existing, nil
	}

	t.cache[key] = enabled
	t.log.Debug("command toggle cached", "key", key, "enabled", enabled)
	t.metrics.setCached(len(t.cache))

	return enabled, nil
}

// DisableCommandEnvName returns the name of the environment variable that disables the command.
func DisableCommandEnvName(key string) string {
	return DisableCommandEnvPrefix + strings.ToUpper(key)
}
