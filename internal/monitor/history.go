package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/chenyang-zz/waitcursor/internal/infrastructure/storage"
	"github.com/chenyang-zz/waitcursor/pkg/events"
	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"go.uber.org/zap"
)

// IntervalWriter 接收忙碌区间的写入端
type IntervalWriter interface {
	Write(interval storage.BusyInterval) bool
}

// IntervalPruner 删除过期区间
type IntervalPruner interface {
	DeleteOlderThan(cutoff time.Time) (int64, error)
}

// HistoryConfig 历史记录配置
type HistoryConfig struct {
	// Retention 保留时长，零值表示永久保留
	Retention time.Duration

	// PruneInterval 清理间隔
	PruneInterval time.Duration
}

// drainTimeout 停止时等待已缓冲 idle 事件处理完的上限
const drainTimeout = 2 * time.Second

// DefaultHistoryConfig 默认配置：保留 7 天，每小时清理一次
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Retention:     7 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// HistoryRecorder 忙碌区间历史记录器
//
// 订阅事件总线上的 idle 事件，把每个完整的忙碌区间交给 IntervalWriter；
// 配置了保留时长时定期清理过期记录。
type HistoryRecorder struct {
	bus    *events.EventBus
	writer IntervalWriter
	pruner IntervalPruner
	config HistoryConfig
	log    *zap.Logger

	mu           sync.Mutex
	subscriberID string
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewHistoryRecorder 创建历史记录器
//
// Parameters:
//   - bus: 事件总线
//   - writer: 区间写入端（通常是 storage.BatchWriter）
//   - pruner: 过期清理（可为 nil）
//   - config: 配置
func NewHistoryRecorder(bus *events.EventBus, writer IntervalWriter, pruner IntervalPruner, config HistoryConfig) *HistoryRecorder {
	return &HistoryRecorder{
		bus:    bus,
		writer: writer,
		pruner: pruner,
		config: config,
		log:    logger.With(zap.String("component", "history_recorder")),
	}
}

// Start 开始记录，重复调用无效果
func (h *HistoryRecorder) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscriberID != "" {
		return
	}

	h.subscriberID = h.bus.Subscribe(string(events.EventTypeIdle), h.handleIdle)

	if h.pruner != nil && h.config.Retention > 0 && h.config.PruneInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.wg.Add(1)
		go h.pruneLoop(ctx)
	}

	h.log.Info("历史记录器已启动", zap.Duration("retention", h.config.Retention))
}

// Stop 停止记录
//
// 返回前处理完已收到的 idle 事件
func (h *HistoryRecorder) Stop() {
	h.mu.Lock()
	if h.subscriberID == "" {
		h.mu.Unlock()
		return
	}
	id := h.subscriberID
	h.subscriberID = ""
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	// 已发布的 idle 事件交给写入端后才返回，调用方随后可以安全停止写入端
	if err := h.bus.UnsubscribeAndWait(id, drainTimeout); err != nil {
		h.log.Warn("等待 idle 事件处理完超时", zap.Error(err))
	}

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	h.log.Info("历史记录器已停止")
}

// handleIdle 处理 idle 事件
func (h *HistoryRecorder) handleIdle(event events.Event) error {
	data, ok := events.BusyIntervalFromEvent(event)
	if !ok {
		h.log.Warn("idle 事件数据不完整", zap.String("event_id", event.ID))
		return nil
	}

	interval := storage.NewBusyInterval(data)
	if !h.writer.Write(interval) {
		h.log.Warn("忙碌区间写入失败",
			zap.String("interval_id", interval.ID),
			zap.Duration("duration", interval.Duration),
		)
	}
	return nil
}

// Prune 立即删除超过保留时长的记录
//
// Returns: int64 - 删除的记录数
func (h *HistoryRecorder) Prune() (int64, error) {
	if h.pruner == nil || h.config.Retention <= 0 {
		return 0, nil
	}
	return h.pruner.DeleteOlderThan(time.Now().Add(-h.config.Retention))
}

// pruneLoop 定期清理
func (h *HistoryRecorder) pruneLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.PruneInterval)
	defer ticker.Stop()

	for {
		if _, err := h.Prune(); err != nil {
			h.log.Error("清理过期忙碌区间失败", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
