package storage

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingRepo 总是写入失败的仓储
type failingRepo struct {
	IntervalRepository
	calls atomic.Int32
}

func (r *failingRepo) SaveBatch(intervals []BusyInterval) error {
	r.calls.Add(1)
	return errors.New("disk full")
}

// countingRepo 只计数的仓储
type countingRepo struct {
	IntervalRepository
	saved atomic.Int64
}

func (r *countingRepo) SaveBatch(intervals []BusyInterval) error {
	r.saved.Add(int64(len(intervals)))
	return nil
}

// TestBatchWriter_StartStop 测试启动和停止
func TestBatchWriter_StartStop(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))
	bw := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 10, FlushInterval: 100 * time.Millisecond})

	assert.False(t, bw.IsStarted())
	bw.Start()
	bw.Start()
	assert.True(t, bw.IsStarted())

	bw.Stop()
	bw.Stop()
	assert.False(t, bw.IsStarted())

	bw.Start()
	assert.False(t, bw.IsStarted(), "停止后不能再次启动")
	assert.False(t, bw.Write(newInterval(1, time.Now(), time.Second)))
}

// TestBatchWriter_FlushOnBatchSize 达到批量大小立即写入
func TestBatchWriter_FlushOnBatchSize(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))
	bw := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 3, FlushInterval: time.Hour})
	bw.Start()
	defer bw.Stop()

	for i := 0; i < 3; i++ {
		require.True(t, bw.Write(newInterval(1, time.Now(), time.Second)))
	}

	assert.Eventually(t, func() bool {
		stats, err := repo.GetStats()
		return err == nil && stats.TotalCount == 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, bw.BufferSize())
}

// TestBatchWriter_FlushOnInterval 未达到批量大小时定时写入
func TestBatchWriter_FlushOnInterval(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))
	bw := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 100, FlushInterval: 50 * time.Millisecond})
	bw.Start()
	defer bw.Stop()

	require.True(t, bw.Write(newInterval(1, time.Now(), time.Second)))

	assert.Eventually(t, func() bool {
		return bw.Stats().Persisted == 1
	}, time.Second, 10*time.Millisecond)
}

// TestBatchWriter_StopFlushesRemaining 停止时写入剩余数据
func TestBatchWriter_StopFlushesRemaining(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))
	bw := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 100, FlushInterval: time.Hour})
	bw.Start()

	for i := 0; i < 7; i++ {
		require.True(t, bw.Write(newInterval(1, time.Now(), time.Second)))
	}
	bw.Stop()

	stats, err := repo.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.TotalCount)
	assert.Equal(t, int64(7), bw.Stats().Received)
	assert.Equal(t, int64(7), bw.Stats().Persisted)
}

// TestBatchWriter_ChannelFull 通道满时丢弃而不阻塞
func TestBatchWriter_ChannelFull(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))
	bw := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 100, FlushInterval: time.Hour, Buffer: 2})

	// 未启动，通道不会被消费
	assert.True(t, bw.Write(newInterval(1, time.Now(), time.Second)))
	assert.True(t, bw.Write(newInterval(1, time.Now(), time.Second)))
	assert.False(t, bw.Write(newInterval(1, time.Now(), time.Second)))
	assert.Equal(t, int64(1), bw.Stats().Dropped)

	bw.Stop()
	assert.Equal(t, int64(2), bw.Stats().Persisted)
}

// TestBatchWriter_FailedBatch 写入失败时计数并清空缓冲区
func TestBatchWriter_FailedBatch(t *testing.T) {
	repo := &failingRepo{}
	bw := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 2, FlushInterval: time.Hour})
	bw.Start()

	bw.Write(newInterval(1, time.Now(), time.Second))
	bw.Write(newInterval(1, time.Now(), time.Second))

	assert.Eventually(t, func() bool { return bw.Stats().Failed == 2 }, time.Second, 10*time.Millisecond)
	bw.Stop()

	assert.Equal(t, 0, bw.BufferSize())
	assert.Equal(t, int32(1), repo.calls.Load())
}

// TestBatchWriter_StopRacesWrite 与 Stop 并发的写入要么被拒绝，要么被持久化
func TestBatchWriter_StopRacesWrite(t *testing.T) {
	for round := 0; round < 20; round++ {
		repo := &countingRepo{}
		bw := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 10, FlushInterval: time.Hour, Buffer: 100000})
		bw.Start()

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for bw.Write(newInterval(1, time.Now(), time.Millisecond)) {
					accepted.Add(1)
				}
			}()
		}

		time.Sleep(2 * time.Millisecond)
		bw.Stop()
		wg.Wait()

		stats := bw.Stats()
		assert.Zero(t, stats.Dropped)
		assert.Equal(t, accepted.Load(), stats.Received)
		assert.Equal(t, accepted.Load(), repo.saved.Load())
		assert.Equal(t, stats.Received, stats.Persisted)
	}
}
