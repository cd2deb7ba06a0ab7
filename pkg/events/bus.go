/**
 * Package events 提供事件总线实现
 *
 * EventBus 是发布-订阅模式的核心实现，支持：
 * - 按类型订阅与通配符订阅
 * - 每个订阅者独立的异步交付通道（发布方永不阻塞）
 * - 中间件链
 * - 优雅关闭
 */

package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"go.uber.org/zap"
)

/**
 * EventHandler 事件处理函数类型
 */
type EventHandler func(event Event) error

/**
 * EventFilter 事件过滤器函数类型
 *
 * 返回 true 表示事件应该被处理，false 表示跳过
 */
type EventFilter func(event Event) bool

/**
 * Middleware 中间件类型
 */
type Middleware func(EventHandler) EventHandler

/**
 * Subscriber 订阅者信息
 */
type Subscriber struct {
	// ID 订阅者唯一标识
	ID string

	// Handler 事件处理函数
	Handler EventHandler

	// Filter 事件过滤器（可选）
	Filter EventFilter

	// Chan 订阅者专用通道
	Chan chan Event

	// mu 保护 Chan 的发送和关闭
	mu sync.RWMutex

	// closed 通道是否已关闭
	closed bool

	// done 处理循环退出时关闭
	done chan struct{}
}

/**
 * EventBus 事件总线
 */
type EventBus struct {
	// subscribers 订阅者映射：事件类型 -> 订阅者列表
	subscribers map[string][]*Subscriber

	// mutex 保护 subscribers 和 middleware
	mutex sync.RWMutex

	// wg 等待所有订阅者处理器退出
	wg sync.WaitGroup

	// stopChan 停止信号通道
	stopChan chan struct{}

	// middleware 中间件链
	middleware []Middleware

	// stopped 原子标志，标记总线是否已停止
	stopped atomic.Bool

	// bufferSize 每个订阅者的缓冲区大小
	bufferSize int

	// nextID 订阅者 ID 计数器
	nextID atomic.Uint64
}

/**
 * Option 配置选项类型
 */
type Option func(*EventBus)

/**
 * WithBufferSize 设置订阅者缓冲区大小
 */
func WithBufferSize(size int) Option {
	return func(bus *EventBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

/**
 * NewEventBus 创建新的事件总线
 *
 * 默认挂载 RecoveryMiddleware，订阅者处理函数中的 panic 不会影响总线
 */
func NewEventBus(opts ...Option) *EventBus {
	bus := &EventBus{
		subscribers: make(map[string][]*Subscriber),
		stopChan:    make(chan struct{}),
		middleware:  []Middleware{RecoveryMiddleware()},
		bufferSize:  256,
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

/**
 * Subscribe 订阅事件
 *
 * Parameters:
 *   - eventType: 事件类型，使用 "*" 订阅所有事件
 *   - handler: 事件处理函数
 *
 * Returns:
 *   - string: 订阅者 ID，用于取消订阅
 */
func (bus *EventBus) Subscribe(eventType string, handler EventHandler) string {
	return bus.SubscribeWithFilter(eventType, handler, nil)
}

/**
 * SubscribeWithFilter 带过滤器订阅事件
 */
func (bus *EventBus) SubscribeWithFilter(eventType string, handler EventHandler, filter EventFilter) string {
	subscriber := &Subscriber{
		ID:      fmt.Sprintf("sub-%d", bus.nextID.Add(1)),
		Handler: handler,
		Filter:  filter,
		Chan:    make(chan Event, bus.bufferSize),
		done:    make(chan struct{}),
	}

	bus.mutex.Lock()
	bus.subscribers[eventType] = append(bus.subscribers[eventType], subscriber)
	bus.mutex.Unlock()

	logger.Debug("订阅事件",
		zap.String("event_type", eventType),
		zap.String("subscriber_id", subscriber.ID),
	)

	bus.wg.Add(1)
	go bus.processSubscriber(subscriber)

	return subscriber.ID
}

/**
 * Unsubscribe 取消订阅
 *
 * 已进入缓冲通道的事件仍会被异步处理完
 */
func (bus *EventBus) Unsubscribe(subscriberID string) {
	bus.remove(subscriberID)
}

/**
 * UnsubscribeAndWait 取消订阅并等待已缓冲的事件处理完
 *
 * Parameters:
 *   - subscriberID: 订阅者 ID
 *   - timeout: 最长等待时间
 *
 * Returns:
 *   - error: 超时返回错误；订阅者不存在时返回 nil
 */
func (bus *EventBus) UnsubscribeAndWait(subscriberID string, timeout time.Duration) error {
	sub := bus.remove(subscriberID)
	if sub == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sub.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for subscriber %s to drain", subscriberID)
	}
}

// remove 移除订阅者并关闭其通道
func (bus *EventBus) remove(subscriberID string) *Subscriber {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	for eventType, subscribers := range bus.subscribers {
		for i, sub := range subscribers {
			if sub.ID != subscriberID {
				continue
			}

			bus.subscribers[eventType] = append(subscribers[:i:i], subscribers[i+1:]...)

			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.Chan)
			}
			sub.mu.Unlock()

			logger.Debug("取消订阅",
				zap.String("event_type", eventType),
				zap.String("subscriber_id", subscriberID),
			)
			return sub
		}
	}
	return nil
}

/**
 * Publish 发布事件
 *
 * 事件被放入每个匹配订阅者的缓冲通道后立即返回；缓冲区满时丢弃并记录告警。
 * 监控线程直接调用此方法，因此它绝不阻塞。
 *
 * Returns:
 *   - error: 总线已停止时返回错误
 */
func (bus *EventBus) Publish(eventType string, event Event) error {
	if bus.stopped.Load() {
		return fmt.Errorf("event bus is stopped")
	}

	bus.mutex.RLock()
	subscribers := bus.getSubscribers(eventType)
	bus.mutex.RUnlock()

	for _, subscriber := range subscribers {
		if subscriber.Filter != nil && !subscriber.Filter(event) {
			continue
		}

		subscriber.mu.RLock()
		if !subscriber.closed {
			select {
			case subscriber.Chan <- event:
			default:
				logger.Warn("事件缓冲区满，丢弃事件",
					zap.String("subscriber_id", subscriber.ID),
					zap.String("event_type", eventType),
				)
			}
		}
		subscriber.mu.RUnlock()
	}

	return nil
}

/**
 * Use 添加中间件
 *
 * 中间件按添加顺序由外向内执行
 */
func (bus *EventBus) Use(middleware Middleware) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.middleware = append(bus.middleware, middleware)
}

/**
 * Stop 优雅停止事件总线
 *
 * Parameters:
 *   - timeout: 等待订阅者处理器退出的超时时间
 *
 * Returns:
 *   - error: 超时返回错误
 */
func (bus *EventBus) Stop(timeout time.Duration) error {
	if bus.stopped.Swap(true) {
		return nil
	}
	close(bus.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for event bus to stop")
	}
}

/**
 * IsStopped 总线是否已停止
 */
func (bus *EventBus) IsStopped() bool {
	return bus.stopped.Load()
}

/**
 * processSubscriber 订阅者处理循环
 */
func (bus *EventBus) processSubscriber(subscriber *Subscriber) {
	defer bus.wg.Done()
	defer close(subscriber.done)

	for {
		select {
		case event, ok := <-subscriber.Chan:
			if !ok {
				return
			}

			handler := bus.applyMiddleware(subscriber.Handler)
			if err := handler(event); err != nil {
				logger.Error("事件处理错误",
					zap.String("subscriber_id", subscriber.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err),
				)
			}

		case <-bus.stopChan:
			return
		}
	}
}

/**
 * getSubscribers 获取事件类型的所有订阅者（包括通配符订阅者）
 *
 * 必须在持有读锁的情况下调用
 */
func (bus *EventBus) getSubscribers(eventType string) []*Subscriber {
	subscribers := make([]*Subscriber, 0, len(bus.subscribers[eventType])+len(bus.subscribers["*"]))
	subscribers = append(subscribers, bus.subscribers[eventType]...)
	if eventType != "*" {
		subscribers = append(subscribers, bus.subscribers["*"]...)
	}
	return subscribers
}

/**
 * applyMiddleware 应用中间件链（洋葱模型）
 */
func (bus *EventBus) applyMiddleware(handler EventHandler) EventHandler {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()

	for i := len(bus.middleware) - 1; i >= 0; i-- {
		handler = bus.middleware[i](handler)
	}
	return handler
}

/**
 * RecoveryMiddleware 恢复中间件
 *
 * 防止事件处理函数中的 panic 导致程序崩溃
 */
func RecoveryMiddleware() Middleware {
	return func(next EventHandler) EventHandler {
		return func(event Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(event)
		}
	}
}

/**
 * LoggingMiddleware 日志中间件
 *
 * 以 Debug 级别记录每个被处理的事件
 */
func LoggingMiddleware() Middleware {
	return func(next EventHandler) EventHandler {
		return func(event Event) error {
			logger.Debug("处理事件",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
			)
			return next(event)
		}
	}
}
