package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"go.uber.org/zap"
)

/**
 * BatchWriterConfig 批量写入器配置
 */
type BatchWriterConfig struct {
	// BatchSize 批量大小（达到此数量时自动刷新）
	BatchSize int

	// FlushInterval 刷新间隔（定时刷新）
	FlushInterval time.Duration

	// Buffer 通道容量
	Buffer int
}

/**
 * DefaultBatchWriterConfig 默认配置
 */
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     50,
		FlushInterval: 5 * time.Second,
		Buffer:        500,
	}
}

/**
 * BatchWriterStats 批量写入器统计信息
 */
type BatchWriterStats struct {
	// Received 收到的区间数
	Received int64 `json:"received"`

	// Persisted 成功持久化的区间数
	Persisted int64 `json:"persisted"`

	// Failed 写入失败的区间数
	Failed int64 `json:"failed"`

	// Dropped 通道满被丢弃的区间数
	Dropped int64 `json:"dropped"`
}

/**
 * BatchWriter 批量写入器
 *
 * 缓冲忙碌区间并批量写入数据库。Write 非阻塞，可以在事件总线的订阅者中直接调用。
 */
type BatchWriter struct {
	repo   IntervalRepository
	config BatchWriterConfig

	// intervalChan 待写入的区间
	intervalChan chan BusyInterval

	// buffer 批量缓冲区，由 mu 保护
	buffer []BusyInterval

	received  atomic.Int64
	persisted atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	mu sync.Mutex

	// writeMu 让 Write 的检查与发送和 Stop 的置位互斥
	writeMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
}

/**
 * NewBatchWriter 创建批量写入器
 *
 * Parameters:
 *   - repo: 区间仓储
 *   - config: 配置（非正值字段使用默认值）
 *
 * Returns: *BatchWriter - 批量写入器实例
 */
func NewBatchWriter(repo IntervalRepository, config BatchWriterConfig) *BatchWriter {
	defaults := DefaultBatchWriterConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.Buffer <= 0 {
		config.Buffer = defaults.Buffer
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &BatchWriter{
		repo:         repo,
		config:       config,
		intervalChan: make(chan BusyInterval, config.Buffer),
		buffer:       make([]BusyInterval, 0, config.BatchSize),
		ctx:          ctx,
		cancel:       cancel,
	}
}

/**
 * Start 启动批量写入器
 *
 * 重复调用和停止后调用都被忽略
 */
func (bw *BatchWriter) Start() {
	if bw.stopped.Load() || bw.started.Swap(true) {
		return
	}

	bw.wg.Add(1)
	go bw.run()

	logger.Info("批量写入器已启动",
		zap.Int("batch_size", bw.config.BatchSize),
		zap.Duration("flush_interval", bw.config.FlushInterval),
		zap.Int("buffer", bw.config.Buffer),
	)
}

/**
 * Stop 停止批量写入器
 *
 * 停止接收新区间，把通道和缓冲区中剩余的区间全部写入后返回。幂等。
 */
func (bw *BatchWriter) Stop() {
	bw.writeMu.Lock()
	alreadyStopped := bw.stopped.Swap(true)
	bw.writeMu.Unlock()
	if alreadyStopped {
		return
	}

	logger.Info("正在停止批量写入器...")

	bw.cancel()
	bw.wg.Wait()

	// 未启动时通道里也可能有数据
	bw.drain()
	bw.ForceFlush()

	logger.Info("批量写入器已停止",
		zap.Int64("persisted", bw.persisted.Load()),
		zap.Int64("failed", bw.failed.Load()),
	)
}

/**
 * Write 写入单个区间
 *
 * Returns: bool - 是否被接收（已停止或通道满时返回 false）
 */
func (bw *BatchWriter) Write(interval BusyInterval) bool {
	bw.writeMu.RLock()
	defer bw.writeMu.RUnlock()

	if bw.stopped.Load() {
		return false
	}

	select {
	case bw.intervalChan <- interval:
		bw.received.Add(1)
		return true
	default:
		bw.dropped.Add(1)
		logger.Warn("批量写入器通道已满，区间丢弃",
			zap.String("interval_id", interval.ID),
		)
		return false
	}
}

/**
 * ForceFlush 立即把缓冲区写入数据库
 */
func (bw *BatchWriter) ForceFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.flush()
}

/**
 * BufferSize 当前缓冲区中的区间数量
 */
func (bw *BatchWriter) BufferSize() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

/**
 * IsStarted 是否已启动且未停止
 */
func (bw *BatchWriter) IsStarted() bool {
	return bw.started.Load() && !bw.stopped.Load()
}

/**
 * Stats 获取统计信息快照
 */
func (bw *BatchWriter) Stats() BatchWriterStats {
	return BatchWriterStats{
		Received:  bw.received.Load(),
		Persisted: bw.persisted.Load(),
		Failed:    bw.failed.Load(),
		Dropped:   bw.dropped.Load(),
	}
}

// run 接收区间并定时刷新
func (bw *BatchWriter) run() {
	defer bw.wg.Done()

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.ctx.Done():
			return

		case interval := <-bw.intervalChan:
			bw.mu.Lock()
			bw.buffer = append(bw.buffer, interval)
			if len(bw.buffer) >= bw.config.BatchSize {
				bw.flush()
			}
			bw.mu.Unlock()

		case <-ticker.C:
			bw.ForceFlush()
		}
	}
}

// drain 把通道中剩余的区间移入缓冲区
func (bw *BatchWriter) drain() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	for {
		select {
		case interval := <-bw.intervalChan:
			bw.buffer = append(bw.buffer, interval)
		default:
			return
		}
	}
}

// flush 写入缓冲区，必须持有 mu
//
// 写入失败时丢弃整批并计数，避免一条坏数据阻塞后续写入
func (bw *BatchWriter) flush() {
	if len(bw.buffer) == 0 {
		return
	}

	startTime := time.Now()
	count := len(bw.buffer)

	if err := bw.repo.SaveBatch(bw.buffer); err != nil {
		bw.failed.Add(int64(count))
		logger.Error("批量写入失败",
			zap.Int("count", count),
			zap.Error(err),
		)
	} else {
		bw.persisted.Add(int64(count))
		logger.Debug("批量刷新完成",
			zap.Int("count", count),
			zap.Duration("duration", time.Since(startTime)),
		)
	}

	bw.buffer = bw.buffer[:0]
}
