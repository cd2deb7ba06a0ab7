package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestProbeResult_String 测试探测结果的字符串表示
func TestProbeResult_String(t *testing.T) {
	assert.Equal(t, "responsive", ProbeResponsive.String())
	assert.Equal(t, "timed_out", ProbeTimedOut.String())
	assert.Equal(t, "unknown", ProbeResult(42).String())
}

// TestInfiniteTimeout 无上限等待必须大于任何实际使用的延迟
func TestInfiniteTimeout(t *testing.T) {
	assert.Greater(t, InfiniteTimeout, 24*365*time.Hour)
}
