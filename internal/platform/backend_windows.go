//go:build windows

package platform

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")

	procSendMessageTimeoutW      = user32.NewProc("SendMessageTimeoutW")
	procAttachThreadInput        = user32.NewProc("AttachThreadInput")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")
	procIsWindow                 = user32.NewProc("IsWindow")
	procGetCursor                = user32.NewProc("GetCursor")
	procSetCursor                = user32.NewProc("SetCursor")
	procLoadCursorW              = user32.NewProc("LoadCursorW")
	procFindWindowW              = user32.NewProc("FindWindowW")
)

const (
	wmNull    = 0x0000
	smtoBlock = 0x0001
	idcWait   = 32514

	// waitSlice 无上限等待被切成的单次 SendMessageTimeout 时长
	// 每个切片结束后检查一次取消信号
	waitSlice = 250 * time.Millisecond
)

// Win32Backend Win32 平台后端
//
// 探测使用 SendMessageTimeout(WM_NULL, SMTO_BLOCK)；
// 光标通过 AttachThreadInput 关联到目标窗口所属线程的输入队列后再 SetCursor。
type Win32Backend struct {
	// busyCursor 系统等待光标 (IDC_WAIT)
	busyCursor CursorHandle

	// mu 保护 attach 状态
	mu sync.Mutex

	// attachedFrom 调用 Attach 的线程 ID
	attachedFrom uint32

	// attachedTo 目标窗口所属的 GUI 线程 ID
	attachedTo uint32
}

// NewBackend 创建 Win32 后端
//
// Returns: Backend - 后端实例；error - user32 不可用时返回错误
func NewBackend() (Backend, error) {
	if err := user32.Load(); err != nil {
		return nil, err
	}

	cursor, _, _ := procLoadCursorW.Call(0, uintptr(idcWait))

	logger.Info("创建 Win32 平台后端", zap.Uint64("busy_cursor", uint64(cursor)))

	return &Win32Backend{busyCursor: CursorHandle(cursor)}, nil
}

// Name 返回后端名称
func (b *Win32Backend) Name() string {
	return "win32"
}

// BusyCursor 返回系统等待光标
func (b *Win32Backend) BusyCursor() CursorHandle {
	return b.busyCursor
}

// Probe 探测目标窗口是否响应
func (b *Win32Backend) Probe(ctx context.Context, target WindowHandle, timeout time.Duration) ProbeResult {
	if timeout != InfiniteTimeout {
		if sendNull(target, timeout) {
			return ProbeResponsive
		}
		return ProbeTimedOut
	}

	// 无上限等待：切片调用，保证 Dispose 能在一个切片内生效
	for ctx.Err() == nil {
		if sendNull(target, waitSlice) {
			return ProbeResponsive
		}
		if !isWindow(target) {
			return ProbeTimedOut
		}
	}
	return ProbeTimedOut
}

// Attach 将调用线程的输入队列关联到目标窗口所属线程
//
// 必须在调用 Current/Set 的同一 OS 线程上调用（调用方需 runtime.LockOSThread）。
func (b *Win32Backend) Attach(target WindowHandle) error {
	to, _, _ := procGetWindowThreadProcessId.Call(uintptr(target), 0)
	if to == 0 {
		return windows.ERROR_INVALID_WINDOW_HANDLE
	}
	from := windows.GetCurrentThreadId()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.attachedFrom = from
	b.attachedTo = uint32(to)

	if from == uint32(to) {
		return nil
	}

	ret, _, err := procAttachThreadInput.Call(uintptr(from), to, 1)
	if ret == 0 {
		return err
	}
	return nil
}

// Current 返回当前光标
func (b *Win32Backend) Current() CursorHandle {
	cursor, _, _ := procGetCursor.Call()
	return CursorHandle(cursor)
}

// Set 设置当前光标
func (b *Win32Backend) Set(cursor CursorHandle) error {
	procSetCursor.Call(uintptr(cursor))
	return nil
}

// Detach 解除输入队列关联
func (b *Win32Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	from, to := b.attachedFrom, b.attachedTo
	b.attachedFrom, b.attachedTo = 0, 0

	if from == 0 || to == 0 || from == to {
		return nil
	}

	ret, _, err := procAttachThreadInput.Call(uintptr(from), uintptr(to), 0)
	if ret == 0 {
		return err
	}
	return nil
}

// FindWindow 按标题查找顶层窗口
func (b *Win32Backend) FindWindow(title string) (WindowHandle, error) {
	titlePtr, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return 0, err
	}

	hwnd, _, _ := procFindWindowW.Call(0, uintptr(unsafe.Pointer(titlePtr)))
	if hwnd == 0 {
		return 0, ErrWindowNotFound
	}
	return WindowHandle(hwnd), nil
}

// Close Win32 后端不持有需要释放的资源
func (b *Win32Backend) Close() error {
	return nil
}

// sendNull 发送 WM_NULL 并等待最多 timeout
//
// Returns: bool - 目标线程在时限内处理了消息返回 true
func sendNull(target WindowHandle, timeout time.Duration) bool {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if ms > 0x7fffffff {
		ms = 0x7fffffff
	}

	var result uintptr
	ret, _, _ := procSendMessageTimeoutW.Call(
		uintptr(target),
		wmNull,
		0,
		0,
		smtoBlock,
		uintptr(ms),
		uintptr(unsafe.Pointer(&result)),
	)
	return ret != 0
}

// isWindow 检查句柄是否仍指向存在的窗口
func isWindow(target WindowHandle) bool {
	ret, _, _ := procIsWindow.Call(uintptr(target))
	return ret != 0
}
