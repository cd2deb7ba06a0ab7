/**
 * Package app 提供 Wails App 层的实现
 *
 * App 层职责：
 * - 组装配置、平台后端、状态监控器和历史存储
 * - 作为前后端通信的桥梁，暴露状态查询与设置方法
 * - 将后端事件通过 Wails 推送到前端
 * - 应用退出时释放监控器，保证光标被恢复
 */

package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chenyang-zz/waitcursor/internal/infrastructure/config"
	"github.com/chenyang-zz/waitcursor/internal/infrastructure/storage"
	"github.com/chenyang-zz/waitcursor/internal/monitor"
	"github.com/chenyang-zz/waitcursor/internal/platform"
	"github.com/chenyang-zz/waitcursor/pkg/events"
	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"
)

// EventPrefix 推送到前端的事件名前缀
const EventPrefix = "waitcursor:"

// ErrMonitorUnavailable 当前平台没有可用的监控后端
var ErrMonitorUnavailable = errors.New("monitor is unavailable on this platform")

// ErrHistoryDisabled 历史记录未启用
var ErrHistoryDisabled = errors.New("busy history is disabled")

// forwardPerSecond 每种忙碌/空闲事件每秒最多推送到前端的次数
const forwardPerSecond = 10

// Emitter 向前端推送事件
type Emitter func(ctx context.Context, name string, data ...interface{})

/**
 * App 是 Wails 应用的主结构体
 */
type App struct {
	// ctx 是 Wails 运行时上下文
	ctx context.Context

	// configPath 配置文件路径，为空时使用默认路径
	configPath string

	// config 当前生效的配置
	config *config.Config

	// watcher 配置热更新
	watcher *config.Watcher

	// eventBus 应用内部事件总线
	eventBus *events.EventBus

	// backend 平台后端
	backend platform.Backend

	// monitor 应用状态监控器
	monitor *monitor.StateMonitor

	// ========== 历史存储 ==========

	db       *sql.DB
	repo     storage.IntervalRepository
	writer   *storage.BatchWriter
	recorder *monitor.HistoryRecorder

	// emit 前端事件推送，默认 runtime.EventsEmit
	emit Emitter

	// throttle 前端推送限流，状态事件不限流
	throttle *events.Throttle

	// forwardID 事件转发订阅 ID
	forwardID string

	mu           sync.Mutex
	shutdownOnce sync.Once
}

/**
 * Option App 配置选项
 */
type Option func(*App)

/**
 * WithConfig 使用给定配置（不再从文件加载）
 */
func WithConfig(cfg *config.Config) Option {
	return func(a *App) {
		a.config = cfg
	}
}

/**
 * WithConfigPath 指定配置文件路径
 */
func WithConfigPath(path string) Option {
	return func(a *App) {
		a.configPath = path
	}
}

/**
 * WithBackend 指定平台后端
 */
func WithBackend(backend platform.Backend) Option {
	return func(a *App) {
		a.backend = backend
	}
}

/**
 * WithEmitter 指定前端事件推送函数
 */
func WithEmitter(emit Emitter) Option {
	return func(a *App) {
		a.emit = emit
	}
}

/**
 * New 创建一个新的 App 实例
 *
 * Returns:
 *   - *App: 未启动的 App 实例
 */
func New(opts ...Option) *App {
	throttle := events.NewThrottle(time.Second)
	throttle.SetRule(events.EventTypeBusy, events.ThrottleRule{MaxPerWindow: forwardPerSecond})
	throttle.SetRule(events.EventTypeIdle, events.ThrottleRule{MaxPerWindow: forwardPerSecond})

	a := &App{
		eventBus: events.NewEventBus(),
		emit:     runtime.EventsEmit,
		throttle: throttle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

/**
 * Startup 应用启动时的初始化
 *
 * 负责：
 * 1. 加载配置并初始化日志
 * 2. 创建平台后端与状态监控器
 * 3. 打开历史数据库并启动记录器
 * 4. 启动配置热更新与事件转发
 *
 * 平台后端不可用、历史数据库打开失败都只记录告警，应用继续运行。
 *
 * Parameters:
 *   - ctx: Wails 启动上下文
 *
 * Returns:
 *   - error: 配置加载失败
 */
func (a *App) Startup(ctx context.Context) error {
	a.ctx = ctx

	created, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.InitWithOptions(a.config.Logging.LoggerOptions()); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	if created {
		logger.Info("已写入默认配置文件", zap.String("path", a.configPath))
	}

	if logger.GetLogger().Core().Enabled(zap.DebugLevel) {
		a.eventBus.Use(events.LoggingMiddleware())
	}

	logger.Info("应用启动",
		zap.String("name", a.config.Application.Name),
		zap.String("version", a.config.Application.Version),
	)

	a.startForwarding()

	a.initMonitor()
	a.initHistory()
	a.initWatcher()

	if a.monitor != nil && a.config.Monitor.AutoStart {
		if err := a.monitor.Start(); err != nil {
			logger.Warn("启动监控器失败", zap.Error(err))
		}
	}

	return nil
}

/**
 * DomReady 前端 DOM 就绪
 *
 * 此时主窗口已创建，按标题解析目标窗口
 */
func (a *App) DomReady(ctx context.Context) {
	if err := a.resolveTarget(); err != nil {
		logger.Warn("解析目标窗口失败", zap.Error(err))
	}
}

/**
 * Shutdown 应用关闭时的清理
 *
 * 幂等。先释放监控器（恢复光标），再依次关闭配置监听、历史记录和事件总线。
 */
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		logger.Info("应用正在关闭")

		if a.monitor != nil {
			a.monitor.Dispose()
			if !a.monitor.Wait(2 * time.Second) {
				logger.Warn("等待监控循环退出超时")
			}
		}

		if a.watcher != nil {
			if err := a.watcher.Close(); err != nil {
				logger.Warn("关闭配置监听失败", zap.Error(err))
			}
		}

		if a.recorder != nil {
			a.recorder.Stop()
		}
		if a.writer != nil {
			a.writer.Stop()
		}
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				logger.Warn("关闭数据库失败", zap.Error(err))
			}
		}

		if a.forwardID != "" {
			a.eventBus.Unsubscribe(a.forwardID)
		}
		if err := a.eventBus.Stop(time.Second); err != nil {
			logger.Warn("停止事件总线失败", zap.Error(err))
		}

		if a.backend != nil {
			if err := a.backend.Close(); err != nil {
				logger.Warn("关闭平台后端失败", zap.Error(err))
			}
		}

		_ = logger.Sync()
	})
}

// ========== 导出方法（前端可调用） ==========

/**
 * StatusInfo 监控器状态
 */
type StatusInfo struct {
	Available      bool   `json:"available"`
	Backend        string `json:"backend"`
	Started        bool   `json:"started"`
	Enabled        bool   `json:"enabled"`
	Busy           bool   `json:"busy"`
	Suppressed     int64  `json:"suppressed"`
	DelayMs        int64  `json:"delayMs"`
	PollIntervalMs int64  `json:"pollIntervalMs"`
	TargetWindow   uint64 `json:"targetWindow"`
	IdleMs         int64  `json:"idleMs"`
}

/**
 * GetStatus 获取监控器状态
 */
func (a *App) GetStatus() StatusInfo {
	m := a.monitor
	if m == nil {
		return StatusInfo{}
	}

	return StatusInfo{
		Available:      true,
		Backend:        a.backend.Name(),
		Started:        m.IsStarted(),
		Enabled:        m.Enabled(),
		Busy:           m.IsBusy(),
		Suppressed:     a.throttle.Suppressed(events.EventTypeBusy) + a.throttle.Suppressed(events.EventTypeIdle),
		DelayMs:        m.Delay().Milliseconds(),
		PollIntervalMs: m.PollInterval().Milliseconds(),
		TargetWindow:   uint64(m.TargetWindow()),
		IdleMs:         m.IdleTime().Milliseconds(),
	}
}

/**
 * StartMonitor 启动监控
 */
func (a *App) StartMonitor() error {
	if a.monitor == nil {
		return ErrMonitorUnavailable
	}
	return a.monitor.Start()
}

/**
 * StopMonitor 停止监控
 */
func (a *App) StopMonitor() error {
	if a.monitor == nil {
		return ErrMonitorUnavailable
	}
	a.monitor.Stop()
	return nil
}

/**
 * SetEnabled 启用或禁用光标切换
 */
func (a *App) SetEnabled(enabled bool) error {
	if a.monitor == nil {
		return ErrMonitorUnavailable
	}
	a.monitor.SetEnabled(enabled)
	logger.Info("光标切换状态已修改", zap.Bool("enabled", enabled))
	return nil
}

/**
 * SetDelay 设置探测超时
 *
 * Parameters:
 *   - delayMs: 毫秒数，小于下限时被钳制
 *
 * Returns:
 *   - int64: 实际生效的毫秒数
 *   - error: 监控器不可用
 */
func (a *App) SetDelay(delayMs int64) (int64, error) {
	if a.monitor == nil {
		return 0, ErrMonitorUnavailable
	}
	a.monitor.SetDelay(millis(delayMs))
	return a.monitor.Delay().Milliseconds(), nil
}

/**
 * SetTargetWindowTitle 按标题切换目标窗口
 *
 * 空标题表示使用应用自身窗口
 */
func (a *App) SetTargetWindowTitle(title string) error {
	a.mu.Lock()
	a.config.Monitor.WindowTitle = title
	a.mu.Unlock()
	return a.resolveTarget()
}

/**
 * GetBusyHistory 获取最近的忙碌区间
 *
 * Parameters:
 *   - limit: 最大返回数量，非正值时取 50
 */
func (a *App) GetBusyHistory(limit int) ([]storage.BusyInterval, error) {
	if a.repo == nil {
		return nil, ErrHistoryDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	if a.writer != nil {
		a.writer.ForceFlush()
	}
	return a.repo.FindRecent(limit)
}

/**
 * GetBusyHistoryRange 按开始时间范围查询忙碌区间
 *
 * Parameters:
 *   - startMs: 起始时间（Unix 毫秒，含）
 *   - endMs: 结束时间（Unix 毫秒，含）
 *
 * Returns:
 *   - []storage.BusyInterval: 从旧到新排列
 *   - error: 历史记录未启用或范围无效
 */
func (a *App) GetBusyHistoryRange(startMs, endMs int64) ([]storage.BusyInterval, error) {
	if a.repo == nil {
		return nil, ErrHistoryDisabled
	}
	if endMs < startMs {
		return nil, fmt.Errorf("invalid range: end %d before start %d", endMs, startMs)
	}
	if a.writer != nil {
		a.writer.ForceFlush()
	}
	return a.repo.FindByTimeRange(time.UnixMilli(startMs), time.UnixMilli(endMs))
}

/**
 * GetBusyStats 获取忙碌区间统计
 */
func (a *App) GetBusyStats() (*storage.IntervalStats, error) {
	if a.repo == nil {
		return nil, ErrHistoryDisabled
	}
	if a.writer != nil {
		a.writer.ForceFlush()
	}
	return a.repo.GetStats()
}

// ========== 私有方法 ==========

// loadConfig 加载配置，日志系统此时尚未按配置初始化
//
// Returns: bool - 是否新建了配置文件
func (a *App) loadConfig() (bool, error) {
	if a.config != nil {
		return false, nil
	}

	if a.configPath == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return false, err
		}
		a.configPath = path
	}

	cfg, created, err := config.LoadOrCreate(a.configPath)
	if err != nil {
		return false, err
	}
	a.config = cfg
	return created, nil
}

// initMonitor 创建平台后端和状态监控器
func (a *App) initMonitor() {
	if a.backend == nil {
		backend, err := platform.NewBackend()
		if err != nil {
			logger.Warn("平台后端不可用，光标监控已禁用", zap.Error(err))
			return
		}
		a.backend = backend
	}

	cfg := a.config.Monitor
	a.monitor = monitor.NewStateMonitor(a.backend, a.backend,
		monitor.WithEventBus(a.eventBus),
		monitor.WithDelay(cfg.DelayDuration()),
		monitor.WithPollInterval(cfg.PollIntervalDuration()),
		monitor.WithBusyCursor(a.backend.BusyCursor()),
	)
	a.monitor.SetEnabled(cfg.Enabled)

	logger.Info("状态监控器已创建", zap.String("backend", a.backend.Name()))
}

// initHistory 打开历史数据库并启动记录器
func (a *App) initHistory() {
	cfg := a.config.Storage
	if !cfg.Enabled {
		return
	}

	db, err := storage.NewSQLiteDB(storage.SQLiteConfig{
		Path:            cfg.SQLite.Path,
		MaxOpenConns:    cfg.SQLite.MaxOpenConns,
		MaxIdleConns:    cfg.SQLite.MaxIdleConns,
		ConnMaxLifetime: cfg.SQLite.ConnMaxLifetimeDuration(),
	})
	if err != nil {
		logger.Warn("打开历史数据库失败，历史记录已禁用", zap.Error(err))
		return
	}
	if err := storage.RunMigrations(db); err != nil {
		db.Close()
		logger.Warn("历史数据库迁移失败，历史记录已禁用", zap.Error(err))
		return
	}

	repo := storage.NewSQLiteIntervalRepository(db)
	writer := storage.NewBatchWriter(repo, storage.BatchWriterConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushIntervalDuration(),
	})
	writer.Start()

	history := monitor.DefaultHistoryConfig()
	history.Retention = cfg.RetentionDuration()
	recorder := monitor.NewHistoryRecorder(a.eventBus, writer, repo, history)
	recorder.Start()

	a.db = db
	a.repo = repo
	a.writer = writer
	a.recorder = recorder
}

// initWatcher 启动配置热更新
func (a *App) initWatcher() {
	if a.configPath == "" {
		return
	}

	w := config.NewWatcher(a.configPath, a.config)
	w.OnChange(a.applyConfig)
	if err := w.Start(); err != nil {
		logger.Warn("配置热更新不可用", zap.Error(err))
		return
	}
	a.watcher = w
}

// applyConfig 把新配置应用到运行中的监控器，下一轮循环生效
func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	titleChanged := a.config == nil || a.config.Monitor.WindowTitle != cfg.Monitor.WindowTitle
	a.config = cfg
	a.mu.Unlock()

	if a.monitor == nil {
		return
	}

	a.monitor.SetEnabled(cfg.Monitor.Enabled)
	a.monitor.SetDelay(cfg.Monitor.DelayDuration())
	a.monitor.SetPollInterval(cfg.Monitor.PollIntervalDuration())

	if titleChanged {
		if err := a.resolveTarget(); err != nil {
			logger.Warn("解析目标窗口失败", zap.Error(err))
		}
	}
}

// resolveTarget 按配置的窗口标题（默认应用名称）查找并设置目标窗口
func (a *App) resolveTarget() error {
	if a.monitor == nil {
		return ErrMonitorUnavailable
	}

	a.mu.Lock()
	title := a.config.Monitor.WindowTitle
	if title == "" {
		title = a.config.Application.Name
	}
	a.mu.Unlock()

	hwnd, err := a.backend.FindWindow(title)
	if err != nil {
		return fmt.Errorf("find window %q: %w", title, err)
	}

	a.monitor.SetTargetWindow(hwnd)
	logger.Info("目标窗口已设置",
		zap.String("title", title),
		zap.Uint64("window", uint64(hwnd)),
	)
	return nil
}

// startForwarding 订阅全部事件并经限流推送到前端
func (a *App) startForwarding() {
	a.forwardID = a.eventBus.SubscribeWithFilter("*", a.forwardEvent, a.allowForward)
}

// allowForward 限流过滤，被拦下的事件直接丢弃，前端靠轮询 GetStatus 追上状态
func (a *App) allowForward(event events.Event) bool {
	return a.throttle.Allow(event.Type)
}

// forwardEvent 把总线事件推送到前端
func (a *App) forwardEvent(event events.Event) error {
	if a.ctx == nil || a.emit == nil {
		return nil
	}
	a.emit(a.ctx, EventPrefix+string(event.Type), event)
	return nil
}

// millis 毫秒数转换为 Duration，超出范围时饱和
func millis(ms int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Millisecond)
	switch {
	case ms > limit:
		ms = limit
	case ms < -limit:
		ms = -limit
	}
	return time.Duration(ms) * time.Millisecond
}
