//go:build linux

package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"go.uber.org/zap"
)

// xcWatch cursor 字体中的 "watch" 字形
const xcWatch = 150

// X11Backend X11 平台后端
//
// 探测使用 EWMH 的 _NET_WM_PING 协议：向目标窗口发送 WM_PROTOCOLS/_NET_WM_PING
// 客户端消息，窗口所属客户端的事件循环空闲时会把消息原样回送到根窗口。
// 光标通过目标窗口的 cursor 属性设置，X 服务器不依赖调用线程，Attach 只记录目标。
type X11Backend struct {
	conn *xgb.Conn
	root xproto.Window

	// atoms 启动时预先注册的原子
	atoms map[string]xproto.Atom

	// busyCursor 从 cursor 字体创建的 watch 光标
	busyCursor xproto.Cursor

	// token 递增的 ping 令牌，用于匹配回送消息
	token atomic.Uint32

	// mu 保护 waiters / target / cursors
	mu sync.Mutex

	// waiters 等待回送的 ping：令牌 → 通知通道
	waiters map[uint32]chan struct{}

	// target Attach 关联的目标窗口
	target xproto.Window

	// cursors 每个窗口上最后设置的光标（X11 无法读回窗口的 cursor 属性）
	cursors map[xproto.Window]xproto.Cursor

	// closed 连接已关闭
	closed atomic.Bool
}

// NewBackend 创建 X11 后端
//
// 连接 $DISPLAY，注册所需原子，创建忙碌光标，并开始监听根窗口上的回送消息。
//
// Returns: Backend - 后端实例；error - 无法连接 X 服务器时返回错误
func NewBackend() (Backend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("连接 X 服务器失败: %w", err)
	}

	b := &X11Backend{
		conn:    conn,
		root:    xproto.Setup(conn).DefaultScreen(conn).Root,
		atoms:   make(map[string]xproto.Atom),
		waiters: make(map[uint32]chan struct{}),
		cursors: make(map[xproto.Window]xproto.Cursor),
	}

	atomNames := []string{
		"WM_PROTOCOLS",
		"_NET_WM_PING",
		"_NET_CLIENT_LIST",
		"_NET_WM_NAME",
		"UTF8_STRING",
	}
	for _, name := range atomNames {
		reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("注册原子 %s 失败: %w", name, err)
		}
		b.atoms[name] = reply.Atom
	}

	if err := b.createBusyCursor(); err != nil {
		conn.Close()
		return nil, err
	}

	// ping 回送发到根窗口，需要监听根窗口的 SubstructureNotify
	if err := xproto.ChangeWindowAttributesChecked(conn, b.root, xproto.CwEventMask,
		[]uint32{xproto.EventMaskSubstructureNotify}).Check(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("监听根窗口失败: %w", err)
	}

	go b.eventLoop()

	logger.Info("创建 X11 平台后端", zap.Uint32("root", uint32(b.root)))
	return b, nil
}

// createBusyCursor 从标准 cursor 字体创建 watch 光标
func (b *X11Backend) createBusyCursor() error {
	font, err := xproto.NewFontId(b.conn)
	if err != nil {
		return err
	}
	if err := xproto.OpenFontChecked(b.conn, font, uint16(len("cursor")), "cursor").Check(); err != nil {
		return fmt.Errorf("打开 cursor 字体失败: %w", err)
	}
	defer xproto.CloseFont(b.conn, font)

	cursor, err := xproto.NewCursorId(b.conn)
	if err != nil {
		return err
	}
	if err := xproto.CreateGlyphCursorChecked(b.conn, cursor, font, font,
		xcWatch, xcWatch+1, 0, 0, 0, 0xffff, 0xffff, 0xffff).Check(); err != nil {
		return fmt.Errorf("创建忙碌光标失败: %w", err)
	}

	b.busyCursor = cursor
	return nil
}

// Name 返回后端名称
func (b *X11Backend) Name() string {
	return "x11"
}

// BusyCursor 返回 watch 光标
func (b *X11Backend) BusyCursor() CursorHandle {
	return CursorHandle(b.busyCursor)
}

// Probe 通过 _NET_WM_PING 探测目标窗口
//
// 目标窗口不存在或发送失败时返回 ProbeTimedOut。
// 窗口存在但未声明 _NET_WM_PING 时无法探测，视为 ProbeResponsive。
func (b *X11Backend) Probe(ctx context.Context, target WindowHandle, timeout time.Duration) ProbeResult {
	if b.closed.Load() || target == 0 {
		return ProbeTimedOut
	}

	window := xproto.Window(target)
	supported, err := b.supportsPing(window)
	if err != nil {
		return ProbeTimedOut
	}
	if !supported {
		return ProbeResponsive
	}

	token := b.token.Add(1)
	done := make(chan struct{})

	b.mu.Lock()
	b.waiters[token] = done
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, token)
		b.mu.Unlock()
	}()

	ping := xproto.ClientMessageEvent{
		Format: 32,
		Window: window,
		Type:   b.atoms["WM_PROTOCOLS"],
		Data: xproto.ClientMessageDataUnionData32New([]uint32{
			uint32(b.atoms["_NET_WM_PING"]),
			token,
			uint32(window),
			0,
			0,
		}),
	}
	if err := xproto.SendEventChecked(b.conn, false, window, xproto.EventMaskNoEvent,
		string(ping.Bytes())).Check(); err != nil {
		logger.Debug("发送 _NET_WM_PING 失败",
			zap.Uint32("window", uint32(window)),
			zap.Error(err),
		)
		return ProbeTimedOut
	}

	var expired <-chan time.Time
	if timeout != InfiniteTimeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
		return ProbeResponsive
	case <-expired:
		return ProbeTimedOut
	case <-ctx.Done():
		return ProbeTimedOut
	}
}

// supportsPing 检查窗口的 WM_PROTOCOLS 是否包含 _NET_WM_PING
//
// 窗口不存在时返回错误
func (b *X11Backend) supportsPing(window xproto.Window) (bool, error) {
	reply, err := xproto.GetProperty(b.conn, false, window, b.atoms["WM_PROTOCOLS"],
		xproto.AtomAtom, 0, 32).Reply()
	if err != nil {
		return false, err
	}
	if reply == nil {
		return false, nil
	}

	ping := b.atoms["_NET_WM_PING"]
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		if xproto.Atom(xgb.Get32(reply.Value[i:])) == ping {
			return true, nil
		}
	}
	return false, nil
}

// eventLoop 读取 X 事件，把回送的 ping 分发给等待者
func (b *X11Backend) eventLoop() {
	for {
		ev, err := b.conn.WaitForEvent()
		if ev == nil && err == nil {
			b.closed.Store(true)
			logger.Debug("X11 连接已关闭，事件循环退出")
			return
		}
		if err != nil {
			continue
		}

		msg, ok := ev.(xproto.ClientMessageEvent)
		if !ok || msg.Type != b.atoms["WM_PROTOCOLS"] || msg.Format != 32 {
			continue
		}
		data := msg.Data.Data32
		if len(data) < 2 || xproto.Atom(data[0]) != b.atoms["_NET_WM_PING"] {
			continue
		}

		b.mu.Lock()
		if done, exists := b.waiters[data[1]]; exists {
			close(done)
			delete(b.waiters, data[1])
		}
		b.mu.Unlock()
	}
}

// Attach 记录后续 Set 作用的目标窗口
func (b *X11Backend) Attach(target WindowHandle) error {
	if target == 0 {
		return ErrWindowNotFound
	}
	b.mu.Lock()
	b.target = xproto.Window(target)
	b.mu.Unlock()
	return nil
}

// Current 返回目标窗口上最后设置的光标，未设置过时为 0（继承父窗口光标）
func (b *X11Backend) Current() CursorHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CursorHandle(b.cursors[b.target])
}

// Set 设置目标窗口的 cursor 属性
func (b *X11Backend) Set(cursor CursorHandle) error {
	b.mu.Lock()
	target := b.target
	b.mu.Unlock()

	if target == 0 {
		return ErrWindowNotFound
	}

	if err := xproto.ChangeWindowAttributesChecked(b.conn, target, xproto.CwCursor,
		[]uint32{uint32(cursor)}).Check(); err != nil {
		return fmt.Errorf("设置窗口光标失败: %w", err)
	}

	b.mu.Lock()
	if cursor == 0 {
		delete(b.cursors, target)
	} else {
		b.cursors[target] = xproto.Cursor(cursor)
	}
	b.mu.Unlock()
	return nil
}

// Detach 清除目标窗口
func (b *X11Backend) Detach() error {
	b.mu.Lock()
	b.target = 0
	b.mu.Unlock()
	return nil
}

// FindWindow 在 _NET_CLIENT_LIST 中按 _NET_WM_NAME / WM_NAME 查找窗口
func (b *X11Backend) FindWindow(title string) (WindowHandle, error) {
	reply, err := xproto.GetProperty(b.conn, false, b.root, b.atoms["_NET_CLIENT_LIST"],
		xproto.AtomWindow, 0, 1024).Reply()
	if err != nil {
		return 0, fmt.Errorf("读取 _NET_CLIENT_LIST 失败: %w", err)
	}

	for i := 0; i+4 <= len(reply.Value); i += 4 {
		window := xproto.Window(xgb.Get32(reply.Value[i:]))
		if b.windowName(window) == title {
			return WindowHandle(window), nil
		}
	}
	return 0, ErrWindowNotFound
}

// windowName 读取窗口标题，优先 _NET_WM_NAME
func (b *X11Backend) windowName(window xproto.Window) string {
	reply, err := xproto.GetProperty(b.conn, false, window, b.atoms["_NET_WM_NAME"],
		b.atoms["UTF8_STRING"], 0, 256).Reply()
	if err == nil && len(reply.Value) > 0 {
		return strings.TrimRight(string(reply.Value), "\x00")
	}

	reply, err = xproto.GetProperty(b.conn, false, window, xproto.AtomWmName,
		xproto.AtomString, 0, 256).Reply()
	if err == nil && len(reply.Value) > 0 {
		return strings.TrimRight(string(reply.Value), "\x00")
	}
	return ""
}

// Close 释放光标并关闭连接
func (b *X11Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	xproto.FreeCursor(b.conn, b.busyCursor)
	b.conn.Close()
	return nil
}
