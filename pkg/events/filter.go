package events

import (
	"sync"
	"time"
)

// ThrottleRule 单个事件类型的限流规则
type ThrottleRule struct {
	// MinInterval 同类型两次事件之间的最小间隔
	MinInterval time.Duration

	// MaxPerWindow 一个时间窗口内最多放行的事件数，0 表示不限
	MaxPerWindow int
}

// Throttle 按事件类型限流
//
// 目标程序频繁短暂卡顿时，忙碌/空闲事件可能成对涌出。
// 转发到前端之前经过 Throttle，被拦下的事件只计数不排队。
type Throttle struct {
	rules      map[EventType]ThrottleRule
	last       map[EventType]time.Time
	hits       map[EventType][]time.Time
	suppressed map[EventType]int64
	window     time.Duration
	now        func() time.Time

	mu sync.Mutex
}

// NewThrottle 创建限流器
//
// Parameters:
//   - window: 速率统计窗口，非正值时取 1 秒
//
// Returns: *Throttle - 没有任何规则的限流器，所有事件都放行
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = time.Second
	}
	return &Throttle{
		rules:      make(map[EventType]ThrottleRule),
		last:       make(map[EventType]time.Time),
		hits:       make(map[EventType][]time.Time),
		suppressed: make(map[EventType]int64),
		window:     window,
		now:        time.Now,
	}
}

// SetRule 设置事件类型的限流规则，零值规则等于移除
func (t *Throttle) SetRule(eventType EventType, rule ThrottleRule) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rule == (ThrottleRule{}) {
		delete(t.rules, eventType)
		return
	}
	t.rules[eventType] = rule
}

// Allow 判断事件是否放行
//
// 放行的事件计入间隔和速率统计，被拦下的只增加 Suppressed 计数。
func (t *Throttle) Allow(eventType EventType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rule, ok := t.rules[eventType]
	if !ok {
		return true
	}

	now := t.now()

	if rule.MinInterval > 0 {
		if last, seen := t.last[eventType]; seen && now.Sub(last) < rule.MinInterval {
			t.suppressed[eventType]++
			return false
		}
	}

	if rule.MaxPerWindow > 0 {
		hits := t.prune(eventType, now)
		if len(hits) >= rule.MaxPerWindow {
			t.suppressed[eventType]++
			return false
		}
		t.hits[eventType] = append(hits, now)
	}

	t.last[eventType] = now
	return true
}

// Suppressed 事件类型累计被拦下的次数
func (t *Throttle) Suppressed(eventType EventType) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed[eventType]
}

// Reset 清除统计，保留规则
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = make(map[EventType]time.Time)
	t.hits = make(map[EventType][]time.Time)
	t.suppressed = make(map[EventType]int64)
}

// prune 去掉窗口外的放行记录，必须持有 mu
func (t *Throttle) prune(eventType EventType, now time.Time) []time.Time {
	hits := t.hits[eventType]
	cutoff := now.Add(-t.window)

	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	t.hits[eventType] = hits
	return hits
}
