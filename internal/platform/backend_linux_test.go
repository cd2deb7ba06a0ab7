//go:build linux

package platform

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBackend 创建 X11 后端，没有 X 服务器时跳过测试
func newTestBackend(t *testing.T) Backend {
	t.Helper()
	if os.Getenv("DISPLAY") == "" {
		t.Skip("未设置 DISPLAY，跳过 X11 测试")
	}

	backend, err := NewBackend()
	if err != nil {
		t.Skipf("无法连接 X 服务器，跳过测试: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

// TestX11Backend_Basics 测试后端基础属性
func TestX11Backend_Basics(t *testing.T) {
	backend := newTestBackend(t)

	assert.Equal(t, "x11", backend.Name())
	assert.NotZero(t, backend.BusyCursor())
}

// TestX11Backend_ProbeInvalidWindow 无效窗口必须返回 TimedOut 而不是报错
func TestX11Backend_ProbeInvalidWindow(t *testing.T) {
	backend := newTestBackend(t)

	start := time.Now()
	result := backend.Probe(context.Background(), WindowHandle(0x7ffffff0), 50*time.Millisecond)
	assert.Equal(t, ProbeTimedOut, result)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, ProbeTimedOut, backend.Probe(context.Background(), 0, InfiniteTimeout))
}

// TestX11Backend_FindWindowNotFound 测试查找不存在的窗口
func TestX11Backend_FindWindowNotFound(t *testing.T) {
	backend := newTestBackend(t)

	_, err := backend.FindWindow("waitcursor-test-window-that-does-not-exist")
	require.Error(t, err)
}

// TestX11Backend_SetWithoutAttach 未关联目标窗口时设置光标应返回错误
func TestX11Backend_SetWithoutAttach(t *testing.T) {
	backend := newTestBackend(t)

	assert.ErrorIs(t, backend.Set(backend.BusyCursor()), ErrWindowNotFound)
	assert.Equal(t, CursorHandle(0), backend.Current())
	assert.NoError(t, backend.Detach())
}
