package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_AcquireOnce(t *testing.T) {
	w := NewWindow(time.Minute, time.Minute)
	key := Key("createDispatch", "d-1", "corr-1")

	assert.True(t, w.AcquireOnce(key))
	assert.False(t, w.AcquireOnce(key))
	assert.True(t, w.AcquireOnce(Key("createDispatch", "d-1", "corr-2")))
	assert.Equal(t, 2, w.Len())
}

func TestWindow_Release(t *testing.T) {
	w := NewWindow(time.Minute, time.Minute)

	assert.True(t, w.AcquireOnce("k"))
	w.Release("k")
	assert.True(t, w.AcquireOnce("k"))
}

func TestWindow_Expires(t *testing.T) {
	w := NewWindow(20*time.Millisecond, time.Millisecond)

	assert.True(t, w.AcquireOnce("k"))
	assert.Eventually(t, func() bool { return w.AcquireOnce("k") }, time.Second, 10*time.Millisecond)
}

func TestWindow_ConcurrentSingleWinner(t *testing.T) {
	w := NewWindow(time.Minute, time.Minute)
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.AcquireOnce("k") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
