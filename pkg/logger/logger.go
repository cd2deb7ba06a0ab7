/**
 * Package logger 提供结构化日志功能
 *
 * 基于 uber-go/zap 实现的结构化日志系统，文件输出由 lumberjack 负责滚动。
 * 支持开发环境和生产环境的不同配置。
 */
package logger

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// logger 全局日志实例
	logger *zap.Logger

	// once 确保日志只初始化一次
	once sync.Once

	// sugar 全局 sugared logger 实例
	sugar *zap.SugaredLogger
)

// Options 日志配置
//
// 由配置文件的 logging 段映射而来；零值字段回退到环境变量或默认值。
type Options struct {
	// Level 日志级别（debug/info/warn/error）
	Level string

	// Format 输出格式（console/json）
	Format string

	// File 日志文件路径，为空时只输出到控制台
	File string

	// MaxSizeMB 单个日志文件最大大小（MB）
	MaxSizeMB int

	// MaxBackups 保留的旧日志文件数量
	MaxBackups int

	// MaxAgeDays 旧日志文件保留天数
	MaxAgeDays int

	// Compress 是否压缩旧日志文件
	Compress bool
}

// InitLogger 初始化日志系统
//
// 根据环境变量配置日志系统：
//   - ENV: 环境类型（development/production），默认为 development
//   - LOG_LEVEL: 日志级别，默认根据环境自动设置
//   - LOG_FILE: 日志文件路径（生产环境），配合 LOG_MAX_SIZE / LOG_MAX_BACKUPS /
//     LOG_MAX_AGE / LOG_COMPRESS 控制滚动
//
// Returns: error - 初始化失败时返回错误
func InitLogger() error {
	return InitWithOptions(envOptions())
}

// envOptions 从环境变量构造日志配置
func envOptions() Options {
	if getEnv("ENV", "development") == "production" {
		return Options{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     "json",
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE", 28),
			Compress:   getEnvBool("LOG_COMPRESS", false),
		}
	}

	return Options{
		Level:  getEnv("LOG_LEVEL", "debug"),
		Format: "console",
	}
}

// InitWithOptions 使用显式配置初始化日志系统
//
// 与 InitLogger 共享同一个 sync.Once，先调用者生效。
//
// Parameters:
//   - opts: 日志配置
//
// Returns: error - 初始化失败时返回错误
func InitWithOptions(opts Options) error {
	var initErr error
	once.Do(func() {
		logger, initErr = build(opts)
		if initErr != nil {
			return
		}
		sugar = logger.Sugar()
	})

	return initErr
}

// build 根据配置构造 zap logger
func build(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if opts.Format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.999"),
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	}

	atomicLevel := zap.NewAtomicLevelAt(level)
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), atomicLevel),
	}

	// 文件输出交给 lumberjack 滚动
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), atomicLevel))
	}

	return zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// GetLogger 获取全局 logger 实例
//
// 如果日志系统未初始化，会按环境变量自动初始化。
//
// Returns: *zap.Logger - 全局 logger 实例
func GetLogger() *zap.Logger {
	once.Do(func() {
		logger, _ = build(envOptions())
		if logger != nil {
			sugar = logger.Sugar()
		}
	})
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// GetSugaredLogger 获取全局 sugared logger 实例
//
// Returns: *zap.SugaredLogger - 全局 sugared logger 实例
func GetSugaredLogger() *zap.SugaredLogger {
	return GetLogger().Sugar()
}

// Sync 刷新日志缓冲区
//
// 应用退出前应该调用此方法确保所有日志都已写入。
func Sync() error {
	return GetLogger().Sync()
}

// Debug 记录 Debug 级别日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Info 记录 Info 级别日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 记录 Warn 级别日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 记录 Error 级别日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// With 创建带有预设字段的 logger
//
// Parameters:
//   - fields: 预设的日志字段，如 zap.String("component", "monitor")
//
// Returns: *zap.Logger - 带有预设字段的 logger
func With(fields ...zap.Field) *zap.Logger {
	return GetLogger().With(fields...)
}

// getEnv 获取环境变量，不存在时返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 获取整数环境变量，解析失败时返回默认值
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvBool 获取布尔环境变量
//
// 接受 true/1/yes 与 false/0/no（大小写不敏感），其他值返回默认值。
func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
