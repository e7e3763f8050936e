package dedupe

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultWindow          = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// Window remembers keys for a fixed duration. It is process local; a
// duplicate delivered to another replica is not detected.
type Window struct {
	cache *cache.Cache
}

func NewWindow(window, cleanupInterval time.Duration) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Window{cache: cache.New(window, cleanupInterval)}
}

// AcquireOnce returns true the first time key is seen within the window.
func (w *Window) AcquireOnce(key string) bool {
	return w.cache.Add(key, struct{}{}, cache.DefaultExpiration) == nil
}

// Release forgets key so a later delivery is processed again.
func (w *Window) Release(key string) {
	w.cache.Delete(key)
}

func (w *Window) Len() int {
	return w.cache.ItemCount()
}

// Key joins the identifying parts of a message.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}
