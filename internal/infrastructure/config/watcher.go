package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce 连续写入合并为一次重新加载的窗口
const DefaultDebounce = 100 * time.Millisecond

/**
 * Watcher 配置文件热更新
 *
 * 监听配置文件所在目录，文件被写入或重新创建后重新加载并校验，
 * 成功时依次调用注册的回调；失败时保留旧配置并把错误发送到 Errors()。
 */
type Watcher struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	config   *Config
	onChange []func(*Config)

	watcher *fsnotify.Watcher
	errChan chan error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	timerMu sync.Mutex
	timer   *time.Timer
}

/**
 * NewWatcher 创建配置监听器
 *
 * Parameters:
 *   - path: 配置文件路径
 *   - initial: 当前生效的配置（可为 nil）
 */
func NewWatcher(path string, initial *Config) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		config:   initial,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

/**
 * Config 当前生效的配置
 */
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

/**
 * OnChange 注册配置变化回调
 *
 * 回调在监听 goroutine 中按注册顺序执行
 */
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, cb)
}

/**
 * Errors 重新加载失败时的错误通道（满时丢弃）
 */
func (w *Watcher) Errors() <-chan error {
	return w.errChan
}

/**
 * Start 开始监听
 *
 * 监听的是文件所在目录，以便感知编辑器“写临时文件再重命名”的保存方式
 */
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("监听配置目录失败: %w", err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.watchLoop()

	logger.Info("配置热更新已启动", zap.String("path", w.path))
	return nil
}

/**
 * Close 停止监听，幂等
 */
func (w *Watcher) Close() error {
	w.cancel()

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
		w.watcher = nil
	}
	w.wg.Wait()
	return err
}

// watchLoop 处理文件系统事件
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	events := w.watcher.Events
	errs := w.watcher.Errors
	target := filepath.Clean(w.path)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.schedule()

		case err, ok := <-errs:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

// schedule 合并短时间内的多次写入
func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload 重新加载配置并通知回调
func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}

	cfg, err := LoadFile(w.path)
	if err != nil {
		logger.Warn("重新加载配置失败，保留旧配置", zap.Error(err))
		w.sendError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}

	w.mu.Lock()
	w.config = cfg
	callbacks := append([]func(*Config){}, w.onChange...)
	w.mu.Unlock()

	logger.Info("配置已重新加载",
		zap.Bool("enabled", cfg.Monitor.Enabled),
		zap.Duration("delay", cfg.Monitor.DelayDuration()),
	)

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// sendError 非阻塞地发送错误
func (w *Watcher) sendError(err error) {
	select {
	case w.errChan <- err:
	default:
	}
}
