package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenyang-zz/waitcursor/internal/platform"
	"github.com/chenyang-zz/waitcursor/pkg/events"
	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"go.uber.org/zap"
)

const (
	// DefaultDelay 默认探测超时
	DefaultDelay = 25 * time.Millisecond

	// DefaultPollInterval 目标响应后到下一次探测的间隔
	DefaultPollInterval = 25 * time.Millisecond

	// MinDelay 探测超时下限，更小的值会被钳制
	MinDelay = 5 * time.Millisecond
)

// ErrDisposed 监控器已释放
var ErrDisposed = errors.New("state monitor is disposed")

// StateMonitor 应用状态监控器
//
// 后台 goroutine 周期性地用 ResponsivenessProbe 探测目标窗口：
//   - 目标在 Delay 内确认：视为空闲，睡眠 PollInterval 后继续
//   - 目标超时：视为忙碌，切换为忙碌光标，无上限等待目标恢复，然后恢复原光标
//
// 配置字段（启用、延迟、目标窗口、忙碌光标）各自独立原子读写，
// 后台循环每一轮重新读取，修改在下一轮生效。
type StateMonitor struct {
	// probe 响应性探测器
	probe platform.ResponsivenessProbe

	// cursor 光标控制器
	cursor platform.CursorController

	// eventBus 事件总线（可选），用于发布忙碌/空闲/状态事件
	eventBus *events.EventBus

	// log 带组件字段的 logger
	log *zap.Logger

	// ========== 配置（每个字段独立同步） ==========

	enabled      atomic.Bool
	delay        atomic.Int64
	target       atomic.Uintptr
	busyCursor   atomic.Uintptr
	pollInterval atomic.Int64

	// ========== 状态 ==========

	// mu 保护 running / loopAlive，以及"循环是否退出"的判定
	mu sync.Mutex

	// running 是否处于启动状态
	running bool

	// loopAlive 后台 goroutine 是否存活
	loopAlive bool

	// disposed 已释放，永不回退
	disposed atomic.Bool

	// busy 当前是否处于忙碌区间
	busy atomic.Bool

	// epoch 单调时钟基准
	epoch time.Time

	// lastIdle 最近一次空闲时刻（相对 epoch 的纳秒数）
	lastIdle atomic.Int64

	// ctx 由 Dispose 取消，用于打断无上限等待和睡眠
	ctx    context.Context
	cancel context.CancelFunc

	// loopDone 当前后台 goroutine 退出时关闭
	loopDone chan struct{}

	// loopsStarted 累计启动的后台 goroutine 数量
	loopsStarted atomic.Int64
}

// Option 监控器配置选项
type Option func(*StateMonitor)

// WithEventBus 设置事件总线
func WithEventBus(bus *events.EventBus) Option {
	return func(m *StateMonitor) {
		m.eventBus = bus
	}
}

// WithDelay 设置初始探测超时
func WithDelay(delay time.Duration) Option {
	return func(m *StateMonitor) {
		m.SetDelay(delay)
	}
}

// WithPollInterval 设置目标响应后的轮询间隔
func WithPollInterval(interval time.Duration) Option {
	return func(m *StateMonitor) {
		m.SetPollInterval(interval)
	}
}

// WithBusyCursor 设置初始忙碌光标
func WithBusyCursor(cursor platform.CursorHandle) Option {
	return func(m *StateMonitor) {
		m.SetBusyCursor(cursor)
	}
}

// WithTargetWindow 设置初始目标窗口
func WithTargetWindow(target platform.WindowHandle) Option {
	return func(m *StateMonitor) {
		m.SetTargetWindow(target)
	}
}

// NewStateMonitor 创建应用状态监控器
//
// 创建后处于未启动、已启用状态；目标窗口未设置时后台循环只会空转睡眠。
//
// Parameters:
//   - probe: 响应性探测器
//   - cursor: 光标控制器
//   - opts: 配置选项
//
// Returns: *StateMonitor - 监控器实例
func NewStateMonitor(probe platform.ResponsivenessProbe, cursor platform.CursorController, opts ...Option) *StateMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	m := &StateMonitor{
		probe:  probe,
		cursor: cursor,
		log:    logger.With(zap.String("component", "state_monitor")),
		epoch:  time.Now(),
		ctx:    ctx,
		cancel: cancel,
	}
	m.enabled.Store(true)
	m.pollInterval.Store(int64(DefaultPollInterval))
	m.delay.Store(int64(DefaultDelay))

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start 启动监控
//
// 幂等：已在运行时直接返回。上一次 Stop 后旧循环尚未退出时，
// 旧循环会继续运行而不是再创建一个新的 goroutine。
//
// Returns: error - 已释放时返回 ErrDisposed
func (m *StateMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed.Load() {
		return ErrDisposed
	}
	if m.running {
		return nil
	}

	m.running = true
	if !m.loopAlive {
		m.loopAlive = true
		m.loopDone = make(chan struct{})
		m.loopsStarted.Add(1)
		go m.run(m.loopDone)
	}

	m.log.Info("监控器已启动",
		zap.Duration("delay", m.Delay()),
		zap.Uintptr("target", uintptr(m.TargetWindow())),
	)
	m.publishStatus("started")
	return nil
}

// Stop 停止监控
//
// 幂等、建议性：后台循环在下一个边界观察到后退出，不会打断正在进行的探测。
func (m *StateMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	m.log.Info("监控器已停止")
	m.publishStatus("stopped")
}

// Dispose 释放监控器
//
// 幂等、终态，可在任意 goroutine（包括应用关闭钩子）中调用。
// 取消内部上下文，正在进行的无上限等待会尽快返回，光标随后被恢复。
func (m *StateMonitor) Dispose() {
	if m.disposed.Swap(true) {
		return
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.cancel()

	m.log.Info("监控器已释放")
	m.publishStatus("disposed")
}

// Wait 等待当前后台循环退出
//
// Parameters:
//   - timeout: 最长等待时间
//
// Returns: bool - 循环已退出（或从未启动）返回 true
func (m *StateMonitor) Wait(timeout time.Duration) bool {
	m.mu.Lock()
	done := m.loopDone
	m.mu.Unlock()

	if done == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// IsStarted 是否处于启动状态
func (m *StateMonitor) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// IsDisposed 是否已释放
func (m *StateMonitor) IsDisposed() bool {
	return m.disposed.Load()
}

// IsBusy 当前是否显示忙碌光标
func (m *StateMonitor) IsBusy() bool {
	return m.busy.Load()
}

// IdleTime 距离最近一次空闲时刻的时长
//
// 使用单调时钟，永不为负。创建时刻视为第一次空闲。
func (m *StateMonitor) IdleTime() time.Duration {
	idle := time.Since(m.epoch) - time.Duration(m.lastIdle.Load())
	if idle < 0 {
		return 0
	}
	return idle
}

// SetEnabled 启用或禁用光标切换
func (m *StateMonitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled 是否启用
func (m *StateMonitor) Enabled() bool {
	return m.enabled.Load()
}

// SetDelay 设置探测超时
//
// 小于 MinDelay 的值（包括零和负数）被钳制为 MinDelay。
func (m *StateMonitor) SetDelay(delay time.Duration) {
	if delay < MinDelay {
		delay = MinDelay
	}
	m.delay.Store(int64(delay))
}

// Delay 当前探测超时
func (m *StateMonitor) Delay() time.Duration {
	return time.Duration(m.delay.Load())
}

// SetPollInterval 设置目标响应后的轮询间隔，非正值被忽略
func (m *StateMonitor) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		m.pollInterval.Store(int64(interval))
	}
}

// PollInterval 当前轮询间隔
func (m *StateMonitor) PollInterval() time.Duration {
	return time.Duration(m.pollInterval.Load())
}

// SetTargetWindow 设置目标窗口，零值表示未设置
func (m *StateMonitor) SetTargetWindow(target platform.WindowHandle) {
	m.target.Store(uintptr(target))
}

// TargetWindow 当前目标窗口
func (m *StateMonitor) TargetWindow() platform.WindowHandle {
	return platform.WindowHandle(m.target.Load())
}

// SetBusyCursor 设置忙碌光标
func (m *StateMonitor) SetBusyCursor(cursor platform.CursorHandle) {
	m.busyCursor.Store(uintptr(cursor))
}

// BusyCursor 当前忙碌光标
func (m *StateMonitor) BusyCursor() platform.CursorHandle {
	return platform.CursorHandle(m.busyCursor.Load())
}

// run 后台循环
//
// 固定在一个 OS 线程上运行：Windows 的光标属于线程输入队列，
// Attach / Set / Detach 必须发生在同一线程。
func (m *StateMonitor) run(done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	m.log.Debug("后台循环启动")

	for {
		m.iterate()

		if m.exitLoop() {
			m.log.Debug("后台循环退出")
			return
		}
	}
}

// exitLoop 在锁内判定是否退出
//
// 与 Start 共用 mu，保证 Stop → Start 之间不会丢失或多出后台循环。
func (m *StateMonitor) exitLoop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed.Load() || !m.running {
		m.loopAlive = false
		return true
	}
	return false
}

// shouldStop 探测返回后立即观察停止信号
//
// disposed 无锁读取，running 在 mu 内读取
func (m *StateMonitor) shouldStop() bool {
	if m.disposed.Load() {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.running
}

// iterate 执行一轮循环
//
// 单轮中的 panic 被恢复并记录，循环退避一个 Delay 后继续，不会影响宿主进程。
func (m *StateMonitor) iterate() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("监控循环发生 panic，已恢复",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			m.sleep(m.Delay())
		}
	}()

	delay := m.Delay()
	target := m.TargetWindow()

	if !m.Enabled() || target == 0 {
		m.sleep(delay)
		return
	}

	if m.probe.Probe(m.ctx, target, delay) == platform.ProbeResponsive {
		m.sleep(m.PollInterval())
		return
	}

	if m.shouldStop() {
		return
	}

	if !m.busyInterval(target) {
		// 无上限等待未得到确认（目标已消失或被取消），退回空闲轮询
		m.sleep(delay)
	}
}

// cursorSwap 一次忙碌区间内的光标切换记录
type cursorSwap struct {
	target platform.WindowHandle
	start  time.Time

	// saved 被替换下来的光标
	saved platform.CursorHandle

	// installed 已读到 saved，恢复时需要写回
	installed bool
}

// busyInterval 执行一次完整的忙碌区间
//
// 切换光标 → 无上限等待 → 恢复光标。恢复在任何控制器调用之前注册，
// 切换本身 panic、中途被禁用或取消都会执行。
//
// Returns: bool - 目标最终确认了消息返回 true
func (m *StateMonitor) busyInterval(target platform.WindowHandle) (acknowledged bool) {
	swap := &cursorSwap{target: target, start: time.Now()}
	m.busy.Store(true)
	defer m.swapOut(swap)

	m.swapIn(swap)

	m.publish(events.EventTypeBusy, map[string]interface{}{
		"target": uint64(target),
		"start":  swap.start,
	})

	return m.probe.Probe(m.ctx, target, platform.InfiniteTimeout) == platform.ProbeResponsive
}

// swapIn 关联目标窗口、保存当前光标并安装忙碌光标
func (m *StateMonitor) swapIn(swap *cursorSwap) {
	if err := m.cursor.Attach(swap.target); err != nil {
		m.log.Warn("关联目标窗口输入失败，光标可能不生效",
			zap.Uintptr("target", uintptr(swap.target)),
			zap.Error(err),
		)
	}

	swap.saved = m.cursor.Current()
	swap.installed = true
	if err := m.cursor.Set(m.BusyCursor()); err != nil {
		m.log.Warn("设置忙碌光标失败", zap.Error(err))
	}

	m.log.Debug("目标应用忙碌，已切换光标",
		zap.Uintptr("target", uintptr(swap.target)),
		zap.Uintptr("saved_cursor", uintptr(swap.saved)),
	)
}

// swapOut 恢复光标、解除关联并记录空闲时刻
//
// 控制器调用 panic 时，解除关联和忙碌标记仍会执行。
func (m *StateMonitor) swapOut(swap *cursorSwap) {
	defer m.finishInterval(swap)
	defer func() {
		if err := m.cursor.Detach(); err != nil {
			m.log.Warn("解除输入关联失败", zap.Error(err))
		}
	}()

	if swap.installed {
		if err := m.cursor.Set(swap.saved); err != nil {
			m.log.Warn("恢复光标失败", zap.Error(err))
		}
	}
}

// finishInterval 清除忙碌标记并发布空闲事件
func (m *StateMonitor) finishInterval(swap *cursorSwap) {
	end := time.Now()
	m.lastIdle.Store(int64(end.Sub(m.epoch)))
	m.busy.Store(false)

	data := events.BusyIntervalData{
		Target:   uint64(swap.target),
		Start:    swap.start,
		End:      end,
		Duration: end.Sub(swap.start),
	}
	m.publish(events.EventTypeIdle, data.ToMap())

	m.log.Debug("目标应用恢复响应，已恢复光标",
		zap.Uintptr("target", uintptr(swap.target)),
		zap.Duration("busy", data.Duration),
	)
}

// sleep 睡眠 d，Dispose 时提前返回
func (m *StateMonitor) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-m.ctx.Done():
	}
}

// publish 发布事件到事件总线（未配置总线时忽略）
func (m *StateMonitor) publish(eventType events.EventType, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := events.NewEvent(eventType, data)
	if err := m.eventBus.Publish(string(eventType), *event); err != nil {
		m.log.Debug("发布事件失败", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

// publishStatus 发布状态事件
func (m *StateMonitor) publishStatus(status string) {
	m.publish(events.EventTypeStatus, map[string]interface{}{
		"status": status,
	})
}

// String 返回监控器的简要描述
func (m *StateMonitor) String() string {
	return fmt.Sprintf("StateMonitor{started=%t disposed=%t busy=%t target=%#x delay=%s}",
		m.IsStarted(), m.IsDisposed(), m.IsBusy(), uintptr(m.TargetWindow()), m.Delay())
}
