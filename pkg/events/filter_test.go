package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestThrottle(window time.Duration) (*Throttle, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	th := NewThrottle(window)
	th.now = clock.now
	return th, clock
}

func TestThrottle_NoRule(t *testing.T) {
	th, _ := newTestThrottle(time.Second)

	for i := 0; i < 100; i++ {
		assert.True(t, th.Allow(EventTypeBusy))
	}
	assert.Zero(t, th.Suppressed(EventTypeBusy))
}

func TestThrottle_DefaultWindow(t *testing.T) {
	th := NewThrottle(0)
	assert.Equal(t, time.Second, th.window)
}

func TestThrottle_MinInterval(t *testing.T) {
	th, clock := newTestThrottle(time.Second)
	th.SetRule(EventTypeBusy, ThrottleRule{MinInterval: 100 * time.Millisecond})

	assert.True(t, th.Allow(EventTypeBusy))

	clock.advance(50 * time.Millisecond)
	assert.False(t, th.Allow(EventTypeBusy))

	clock.advance(50 * time.Millisecond)
	assert.True(t, th.Allow(EventTypeBusy))

	assert.Equal(t, int64(1), th.Suppressed(EventTypeBusy))
	assert.True(t, th.Allow(EventTypeIdle), "其他类型不受影响")
}

func TestThrottle_MaxPerWindow(t *testing.T) {
	th, clock := newTestThrottle(time.Second)
	th.SetRule(EventTypeIdle, ThrottleRule{MaxPerWindow: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, th.Allow(EventTypeIdle))
		clock.advance(100 * time.Millisecond)
	}
	assert.False(t, th.Allow(EventTypeIdle))
	assert.False(t, th.Allow(EventTypeIdle))
	assert.Equal(t, int64(2), th.Suppressed(EventTypeIdle))

	// 第一条放行记录滑出窗口
	clock.advance(800 * time.Millisecond)
	assert.True(t, th.Allow(EventTypeIdle))
	assert.False(t, th.Allow(EventTypeIdle))
}

func TestThrottle_RemoveRule(t *testing.T) {
	th, _ := newTestThrottle(time.Second)
	th.SetRule(EventTypeBusy, ThrottleRule{MaxPerWindow: 1})

	assert.True(t, th.Allow(EventTypeBusy))
	assert.False(t, th.Allow(EventTypeBusy))

	th.SetRule(EventTypeBusy, ThrottleRule{})
	assert.True(t, th.Allow(EventTypeBusy))
}

func TestThrottle_Reset(t *testing.T) {
	th, _ := newTestThrottle(time.Second)
	th.SetRule(EventTypeBusy, ThrottleRule{MaxPerWindow: 1})

	assert.True(t, th.Allow(EventTypeBusy))
	assert.False(t, th.Allow(EventTypeBusy))

	th.Reset()
	assert.Zero(t, th.Suppressed(EventTypeBusy))
	assert.True(t, th.Allow(EventTypeBusy), "规则保留，统计清零")
	assert.False(t, th.Allow(EventTypeBusy))
}

func TestThrottle_Concurrent(t *testing.T) {
	th := NewThrottle(time.Minute)
	th.SetRule(EventTypeBusy, ThrottleRule{MaxPerWindow: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if th.Allow(EventTypeBusy) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, int64(390), th.Suppressed(EventTypeBusy))
}
