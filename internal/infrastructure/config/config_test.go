package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFile 写入临时配置文件
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadDefault 默认配置可用且通过校验
func TestLoadDefault(t *testing.T) {
	cfg, err := LoadDefault()
	require.NoError(t, err)

	assert.Equal(t, "WaitCursor", cfg.Application.Name)
	assert.True(t, cfg.Monitor.Enabled)
	assert.True(t, cfg.Monitor.AutoStart)
	assert.Equal(t, 25*time.Millisecond, cfg.Monitor.DelayDuration())
	assert.Equal(t, 25*time.Millisecond, cfg.Monitor.PollIntervalDuration())
	assert.Equal(t, 7*24*time.Hour, cfg.Storage.RetentionDuration())
	assert.NotContains(t, cfg.Storage.SQLite.Path, "${HOME}", "环境变量应该被展开")
}

// TestLoadFile 测试按扩展名解析配置
//
// 测试场景：
//  1. YAML：缺失字段保留默认值
//  2. TOML
//  3. JSON
func TestLoadFile(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		path := writeFile(t, "config.yaml", `
monitor:
  enabled: false
  delay: 100ms
  window_title: Notepad
logging:
  level: debug
`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.False(t, cfg.Monitor.Enabled)
		assert.Equal(t, 100*time.Millisecond, cfg.Monitor.DelayDuration())
		assert.Equal(t, "Notepad", cfg.Monitor.WindowTitle)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 25*time.Millisecond, cfg.Monitor.PollIntervalDuration(), "未配置的字段保留默认值")
		assert.Equal(t, 50, cfg.Storage.BatchSize)
	})

	t.Run("TOML", func(t *testing.T) {
		path := writeFile(t, "config.toml", `
[monitor]
delay = "40ms"
poll_interval = "10ms"

[storage.retention]
intervals_days = 30
`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, 40*time.Millisecond, cfg.Monitor.DelayDuration())
		assert.Equal(t, 10*time.Millisecond, cfg.Monitor.PollIntervalDuration())
		assert.Equal(t, 30, cfg.Storage.Retention.IntervalsDays)
		assert.True(t, cfg.Monitor.Enabled)
	})

	t.Run("JSON", func(t *testing.T) {
		path := writeFile(t, "config.json", `{"monitor": {"delay": "60ms"}}`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 60*time.Millisecond, cfg.Monitor.DelayDuration())
	})
}

// TestLoadFile_NotExist 文件不存在时返回默认配置
func TestLoadFile_NotExist(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Monitor.Delay, cfg.Monitor.Delay)
}

// TestLoadFile_Invalid 解析或校验失败返回错误
func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"YAML 语法错误", "config.yaml", "monitor: [unclosed"},
		{"TOML 语法错误", "config.toml", "[monitor\n"},
		{"无效时长", "config.yaml", "monitor:\n  delay: fast\n"},
		{"未知日志级别", "config.yaml", "logging:\n  level: verbose\n"},
		{"未知日志格式", "config.yaml", "logging:\n  format: xml\n"},
		{"负数保留天数", "config.yaml", "storage:\n  retention:\n    intervals_days: -1\n"},
		{"负数轮询间隔", "config.yaml", "monitor:\n  poll_interval: -5ms\n"},
		{"存储路径为空", "config.yaml", "storage:\n  sqlite:\n    path: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}
}

// TestValidate_ClampDelay 过小的延迟被钳制为下限
func TestValidate_ClampDelay(t *testing.T) {
	for _, delay := range []string{"0s", "1ms", "-10ms"} {
		cfg := DefaultConfig()
		cfg.Monitor.Delay = delay
		require.NoError(t, cfg.Validate())
		assert.Equal(t, minDelay, cfg.Monitor.DelayDuration(), delay)
	}
}

// TestExpandEnvVars 路径中的环境变量被展开
func TestExpandEnvVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WAITCURSOR_TEST_DIR", dir)

	path := writeFile(t, "config.yaml", `
storage:
  sqlite:
    path: ${WAITCURSOR_TEST_DIR}/history.db
logging:
  file:
    path: $WAITCURSOR_TEST_DIR/app.log
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, dir+"/history.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, dir+"/app.log", cfg.Logging.File.Path)
}

// TestLoadOrCreate 首次加载写入默认配置文件
func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)
	assert.Equal(t, "25ms", cfg.Monitor.Delay)

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

// TestLoggerOptions 日志配置转换
func TestLoggerOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.File.Path = "/tmp/waitcursor.log"

	opts := cfg.Logging.LoggerOptions()
	assert.Equal(t, "info", opts.Level)
	assert.Equal(t, "/tmp/waitcursor.log", opts.File)
	assert.Equal(t, 10, opts.MaxSizeMB)
	assert.Equal(t, 3, opts.MaxBackups)
}
