// Package platform 定义与宿主 GUI 系统交互的能力接口
//
// 监控核心只通过这里的窄接口访问宿主窗口系统：
//   - ResponsivenessProbe：向目标窗口发送空消息，探测其消息循环是否响应
//   - CursorController：读取和设置全局光标，并处理线程亲和性
//   - WindowFinder：按标题查找窗口句柄
//
// 具体实现按平台拆分（backend_windows.go / backend_linux.go / backend_stub.go）。
package platform

import (
	"context"
	"errors"
	"math"
	"time"
)

// WindowHandle 不透明的窗口句柄
//
// Windows 上对应 HWND，X11 上对应 Window ID。零值表示未设置。
type WindowHandle uintptr

// CursorHandle 不透明的光标句柄
//
// Windows 上对应 HCURSOR，X11 上对应 Cursor ID。零值表示"无"（继承默认光标）。
type CursorHandle uintptr

// InfiniteTimeout 无上限等待
//
// 传给 Probe 时表示一直阻塞，直到目标窗口确认或上下文被取消。
const InfiniteTimeout time.Duration = math.MaxInt64

var (
	// ErrUnsupported 当前平台没有可用的后端
	ErrUnsupported = errors.New("platform: no backend for this platform")

	// ErrWindowNotFound 按标题未找到窗口
	ErrWindowNotFound = errors.New("platform: window not found")
)

// ProbeResult 探测结果
type ProbeResult int

const (
	// ProbeResponsive 目标窗口在时限内确认了消息
	ProbeResponsive ProbeResult = iota

	// ProbeTimedOut 目标窗口未在时限内确认（或句柄无效）
	ProbeTimedOut
)

// String 返回探测结果的字符串表示
func (r ProbeResult) String() string {
	switch r {
	case ProbeResponsive:
		return "responsive"
	case ProbeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ResponsivenessProbe 响应性探测器接口
type ResponsivenessProbe interface {
	// Probe 向目标窗口的消息队列发送一条无副作用的消息并等待确认
	//
	// timeout 为 InfiniteTimeout 时无上限等待；ctx 被取消时尽快返回 ProbeTimedOut。
	// 句柄无效或底层调用失败时返回 ProbeTimedOut，不会 panic，也不返回错误。
	// Parameters:
	//   - ctx: 取消信号
	//   - target: 目标窗口句柄
	//   - timeout: 最长等待时间
	// Returns: ProbeResult - 探测结果
	Probe(ctx context.Context, target WindowHandle, timeout time.Duration) ProbeResult
}

// CursorController 光标控制器接口
//
// 光标状态在某些平台上是线程亲和的（Windows 的光标属于输入队列）。
// 调用方必须在同一个 OS 线程上按 Attach → Current/Set → Detach 的顺序调用。
type CursorController interface {
	// Attach 将当前线程关联到目标窗口的输入上下文
	// 之后在当前线程上设置的光标会对目标窗口生效。
	// Returns: error - 关联失败时返回错误（光标设置可能不生效，但不致命）
	Attach(target WindowHandle) error

	// Current 获取当前显示的光标
	Current() CursorHandle

	// Set 设置当前显示的光标
	Set(cursor CursorHandle) error

	// Detach 解除 Attach 建立的关联
	Detach() error
}

// WindowFinder 窗口查找接口
type WindowFinder interface {
	// FindWindow 按窗口标题精确查找顶层窗口
	// Returns: WindowHandle - 窗口句柄；error - 未找到时返回 ErrWindowNotFound
	FindWindow(title string) (WindowHandle, error)
}

// Backend 平台后端
//
// 汇总一个平台上的全部能力，由 NewBackend 按编译平台创建。
type Backend interface {
	ResponsivenessProbe
	CursorController
	WindowFinder

	// Name 后端名称，如 "win32"、"x11"
	Name() string

	// BusyCursor 平台默认的忙碌光标
	BusyCursor() CursorHandle

	// Close 释放后端持有的系统资源
	Close() error
}
