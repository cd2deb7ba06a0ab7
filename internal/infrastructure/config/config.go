/**
 * Package config 提供配置管理功能
 *
 * 负责加载、校验和热更新应用的配置信息
 */

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"gopkg.in/yaml.v3"
)

const (
	// DirName 用户配置目录名
	DirName = ".waitcursor"

	// FileName 默认配置文件名
	FileName = "config.yaml"

	// minDelay 探测超时下限
	minDelay = 5 * time.Millisecond
)

/**
 * Config 应用配置结构体
 */
type Config struct {
	// Application 应用基本配置
	Application ApplicationConfig `yaml:"application" toml:"application" json:"application"`

	// Monitor 监控配置
	Monitor MonitorConfig `yaml:"monitor" toml:"monitor" json:"monitor"`

	// Storage 存储配置
	Storage StorageConfig `yaml:"storage" toml:"storage" json:"storage"`

	// Logging 日志配置
	Logging LoggingConfig `yaml:"logging" toml:"logging" json:"logging"`
}

/**
 * ApplicationConfig 应用基本配置
 */
type ApplicationConfig struct {
	/** 应用名称，同时也是主窗口标题 */
	Name string `yaml:"name" toml:"name" json:"name"`

	/** 应用版本 */
	Version string `yaml:"version" toml:"version" json:"version"`

	/** 是否启用调试模式 */
	Debug bool `yaml:"debug" toml:"debug" json:"debug"`
}

/**
 * MonitorConfig 监控配置
 */
type MonitorConfig struct {
	/** 是否切换光标 */
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled"`

	/** 启动后是否立即开始监控 */
	AutoStart bool `yaml:"auto_start" toml:"auto_start" json:"auto_start"`

	/** 探测超时，如 "25ms" */
	Delay string `yaml:"delay" toml:"delay" json:"delay"`

	/** 目标响应后的轮询间隔 */
	PollInterval string `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`

	/** 目标窗口标题，为空时使用应用自身窗口 */
	WindowTitle string `yaml:"window_title" toml:"window_title" json:"window_title"`
}

/**
 * StorageConfig 存储配置
 */
type StorageConfig struct {
	/** 是否记录忙碌区间历史 */
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled"`

	/** SQLite 配置 */
	SQLite SQLiteConfig `yaml:"sqlite" toml:"sqlite" json:"sqlite"`

	/** 数据保留策略 */
	Retention RetentionConfig `yaml:"retention" toml:"retention" json:"retention"`

	/** 批量写入大小 */
	BatchSize int `yaml:"batch_size" toml:"batch_size" json:"batch_size"`

	/** 批量刷新间隔 */
	FlushInterval string `yaml:"flush_interval" toml:"flush_interval" json:"flush_interval"`
}

/**
 * SQLiteConfig SQLite 配置
 */
type SQLiteConfig struct {
	/** 数据库文件路径，支持 ${HOME} 等环境变量 */
	Path string `yaml:"path" toml:"path" json:"path"`

	/** 最大打开连接数 */
	MaxOpenConns int `yaml:"max_open_conns" toml:"max_open_conns" json:"max_open_conns"`

	/** 最大空闲连接数 */
	MaxIdleConns int `yaml:"max_idle_conns" toml:"max_idle_conns" json:"max_idle_conns"`

	/** 连接最大生命周期 */
	ConnMaxLifetime string `yaml:"conn_max_lifetime" toml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

/**
 * RetentionConfig 数据保留配置
 */
type RetentionConfig struct {
	/** 忙碌区间保留天数，0 表示永久保留 */
	IntervalsDays int `yaml:"intervals_days" toml:"intervals_days" json:"intervals_days"`
}

/**
 * LoggingConfig 日志配置
 */
type LoggingConfig struct {
	/** 日志级别 */
	Level string `yaml:"level" toml:"level" json:"level"`

	/** 日志格式：console / json */
	Format string `yaml:"format" toml:"format" json:"format"`

	/** 文件配置 */
	File FileConfig `yaml:"file" toml:"file" json:"file"`
}

/**
 * FileConfig 日志文件配置
 */
type FileConfig struct {
	/** 日志文件路径，为空时只输出到标准输出 */
	Path string `yaml:"path" toml:"path" json:"path"`

	/** 单个文件最大大小（MB） */
	MaxSizeMB int `yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`

	/** 最大备份文件数 */
	MaxBackups int `yaml:"max_backups" toml:"max_backups" json:"max_backups"`

	/** 最大保留天数 */
	MaxAgeDays int `yaml:"max_age_days" toml:"max_age_days" json:"max_age_days"`

	/** 是否压缩 */
	Compress bool `yaml:"compress" toml:"compress" json:"compress"`
}

/**
 * DefaultConfig 默认配置
 */
func DefaultConfig() *Config {
	return &Config{
		Application: ApplicationConfig{
			Name:    "WaitCursor",
			Version: "1.0.0",
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			AutoStart:    true,
			Delay:        "25ms",
			PollInterval: "25ms",
		},
		Storage: StorageConfig{
			Enabled: true,
			SQLite: SQLiteConfig{
				Path:            filepath.Join("${HOME}", DirName, "history.db"),
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				ConnMaxLifetime: "1h",
			},
			Retention:     RetentionConfig{IntervalsDays: 7},
			BatchSize:     50,
			FlushInterval: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File: FileConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

/**
 * DefaultPath 默认配置文件路径 ~/.waitcursor/config.yaml
 */
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("获取用户主目录失败: %w", err)
	}
	return filepath.Join(homeDir, DirName, FileName), nil
}

/**
 * Load 从默认路径加载配置
 *
 * 配置文件不存在时返回默认配置
 *
 * Returns:
 *   - *Config: 加载的配置
 *   - error: 错误信息
 */
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

/**
 * LoadDefault 加载默认配置
 *
 * 返回已展开环境变量并通过校验的默认配置
 */
func LoadDefault() (*Config, error) {
	cfg := DefaultConfig()
	expandEnvVars(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

/**
 * LoadFile 从指定文件加载配置
 *
 * 按扩展名选择解析器（.yaml / .yml / .toml / .json），文件中缺失的字段保留默认值。
 * 文件不存在时返回默认配置。
 *
 * Parameters:
 *   - path: 配置文件路径
 *
 * Returns:
 *   - *Config: 加载的配置
 *   - error: 读取、解析或校验失败
 */
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("配置文件不存在，使用默认配置")
			return LoadDefault()
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	expandEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

/**
 * LoadOrCreate 加载配置，文件不存在时写入默认配置
 *
 * Returns:
 *   - *Config: 配置
 *   - bool: 是否新建了配置文件
 *   - error: 错误信息
 */
func LoadOrCreate(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := DefaultConfig().Save(path); err != nil {
			return nil, false, err
		}
		cfg, err := LoadFile(path)
		return cfg, true, err
	}

	cfg, err := LoadFile(path)
	return cfg, false, err
}

/**
 * Save 以 YAML 格式写入配置文件
 */
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

/**
 * Validate 校验配置
 *
 * 过小的探测超时被钳制为下限；无法解析的时长、未知的日志级别和负数参数返回错误
 */
func (c *Config) Validate() error {
	delay, err := parseDuration("monitor.delay", c.Monitor.Delay)
	if err != nil {
		return err
	}
	if c.Monitor.Delay != "" && delay < minDelay {
		c.Monitor.Delay = minDelay.String()
	}

	poll, err := parseDuration("monitor.poll_interval", c.Monitor.PollInterval)
	if err != nil {
		return err
	}
	if c.Monitor.PollInterval != "" && poll <= 0 {
		return fmt.Errorf("monitor.poll_interval 必须大于 0: %s", c.Monitor.PollInterval)
	}

	if _, err := parseDuration("storage.flush_interval", c.Storage.FlushInterval); err != nil {
		return err
	}
	if c.Storage.SQLite.ConnMaxLifetime != "" {
		if _, err := parseDuration("storage.sqlite.conn_max_lifetime", c.Storage.SQLite.ConnMaxLifetime); err != nil {
			return err
		}
	}
	if c.Storage.Enabled && c.Storage.SQLite.Path == "" {
		return errors.New("storage.sqlite.path 不能为空")
	}
	if c.Storage.Retention.IntervalsDays < 0 {
		return fmt.Errorf("storage.retention.intervals_days 不能为负数: %d", c.Storage.Retention.IntervalsDays)
	}
	if c.Storage.BatchSize < 0 {
		return fmt.Errorf("storage.batch_size 不能为负数: %d", c.Storage.BatchSize)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("未知的日志级别: %s", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("未知的日志格式: %s", c.Logging.Format)
	}

	return nil
}

/**
 * DelayDuration 探测超时
 */
func (m MonitorConfig) DelayDuration() time.Duration {
	return durationOr(m.Delay, 25*time.Millisecond)
}

/**
 * PollIntervalDuration 轮询间隔
 */
func (m MonitorConfig) PollIntervalDuration() time.Duration {
	return durationOr(m.PollInterval, 25*time.Millisecond)
}

/**
 * FlushIntervalDuration 批量刷新间隔
 */
func (s StorageConfig) FlushIntervalDuration() time.Duration {
	return durationOr(s.FlushInterval, 5*time.Second)
}

/**
 * RetentionDuration 保留时长，0 表示永久
 */
func (s StorageConfig) RetentionDuration() time.Duration {
	return time.Duration(s.Retention.IntervalsDays) * 24 * time.Hour
}

/**
 * ConnMaxLifetimeDuration 连接最大生命周期
 */
func (s SQLiteConfig) ConnMaxLifetimeDuration() time.Duration {
	return durationOr(s.ConnMaxLifetime, 0)
}

/**
 * LoggerOptions 转换为日志系统选项
 */
func (l LoggingConfig) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File.Path,
		MaxSizeMB:  l.File.MaxSizeMB,
		MaxBackups: l.File.MaxBackups,
		MaxAgeDays: l.File.MaxAgeDays,
		Compress:   l.File.Compress,
	}
}

// decode 按扩展名解析配置
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("解析 TOML 失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 失败: %w", err)
		}
	}
	return nil
}

// expandEnvVars 展开路径中的环境变量，如 ${HOME}
//
// Windows 上没有 HOME 时回退到 USERPROFILE
func expandEnvVars(cfg *Config) {
	expand := func(s string) string {
		return os.Expand(s, func(key string) string {
			if key == "HOME" {
				if home, err := os.UserHomeDir(); err == nil {
					return home
				}
			}
			return os.Getenv(key)
		})
	}

	cfg.Storage.SQLite.Path = expand(cfg.Storage.SQLite.Path)
	cfg.Logging.File.Path = expand(cfg.Logging.File.Path)
}

// parseDuration 解析时长字段，空字符串视为 0
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s 不是有效的时长 %q: %w", field, value, err)
	}
	return d, nil
}

// durationOr 解析时长，失败或为空时返回 fallback
func durationOr(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}
