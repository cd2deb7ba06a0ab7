package monitor

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chenyang-zz/waitcursor/internal/infrastructure/storage"
	"github.com/chenyang-zz/waitcursor/internal/platform"
	"github.com/chenyang-zz/waitcursor/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter 记录写入的区间
type recordingWriter struct {
	mu        sync.Mutex
	intervals []storage.BusyInterval
}

func (w *recordingWriter) Write(interval storage.BusyInterval) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intervals = append(w.intervals, interval)
	return true
}

func (w *recordingWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.intervals)
}

// TestHistoryRecorder_RecordsIdleEvents idle 事件被转换为区间记录
func TestHistoryRecorder_RecordsIdleEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop(time.Second)

	writer := &recordingWriter{}
	recorder := NewHistoryRecorder(bus, writer, nil, HistoryConfig{})
	recorder.Start()
	recorder.Start()
	defer recorder.Stop()

	start := time.Now()
	data := events.BusyIntervalData{Target: 7, Start: start, End: start.Add(300 * time.Millisecond)}
	require.NoError(t, bus.Publish(string(events.EventTypeIdle), *events.NewEvent(events.EventTypeIdle, data.ToMap())))

	// 数据不完整的事件被忽略
	require.NoError(t, bus.Publish(string(events.EventTypeIdle), *events.NewEvent(events.EventTypeIdle, nil)))
	// 其他类型不订阅
	require.NoError(t, bus.Publish(string(events.EventTypeBusy), *events.NewEvent(events.EventTypeBusy, data.ToMap())))

	require.Eventually(t, func() bool { return writer.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, writer.len())

	writer.mu.Lock()
	got := writer.intervals[0]
	writer.mu.Unlock()
	assert.Equal(t, uint64(7), got.Target)
	assert.Equal(t, 300*time.Millisecond, got.Duration)
	assert.NotEmpty(t, got.ID)
}

// TestHistoryRecorder_Stop 停止后不再记录
func TestHistoryRecorder_Stop(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop(time.Second)

	writer := &recordingWriter{}
	recorder := NewHistoryRecorder(bus, writer, nil, HistoryConfig{})
	recorder.Start()
	recorder.Stop()
	recorder.Stop()

	data := events.BusyIntervalData{Start: time.Now(), End: time.Now()}
	_ = bus.Publish(string(events.EventTypeIdle), *events.NewEvent(events.EventTypeIdle, data.ToMap()))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, writer.len())
}

// TestHistoryRecorder_Prune 清理超过保留时长的记录
func TestHistoryRecorder_Prune(t *testing.T) {
	db, err := storage.NewSQLiteDB(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.RunMigrations(db))

	repo := storage.NewSQLiteIntervalRepository(db)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.Save(storage.NewBusyInterval(events.BusyIntervalData{Start: old, End: old.Add(time.Second)})))
	require.NoError(t, repo.Save(storage.NewBusyInterval(events.BusyIntervalData{Start: time.Now(), End: time.Now()})))

	recorder := NewHistoryRecorder(events.NewEventBus(), &recordingWriter{}, repo, HistoryConfig{Retention: 24 * time.Hour})
	deleted, err := recorder.Prune()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	unbounded := NewHistoryRecorder(events.NewEventBus(), &recordingWriter{}, repo, HistoryConfig{})
	deleted, err = unbounded.Prune()
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

// TestHistoryRecorder_EndToEnd 监控器产生的忙碌区间最终写入 SQLite
func TestHistoryRecorder_EndToEnd(t *testing.T) {
	db, err := storage.NewSQLiteDB(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.RunMigrations(db))

	repo := storage.NewSQLiteIntervalRepository(db)
	writer := storage.NewBatchWriter(repo, storage.BatchWriterConfig{BatchSize: 1, FlushInterval: time.Second})
	writer.Start()
	defer writer.Stop()

	bus := events.NewEventBus()
	defer bus.Stop(time.Second)

	recorder := NewHistoryRecorder(bus, writer, repo, DefaultHistoryConfig())
	recorder.Start()
	defer recorder.Stop()

	m, probe, _ := newTestMonitor(t, WithTargetWindow(testTarget), WithEventBus(bus))
	probe.setBusyFor(100 * time.Millisecond)
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool {
		stats, err := repo.GetStats()
		return err == nil && stats.TotalCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	recent, err := repo.FindRecent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(platform.WindowHandle(testTarget)), recent[0].Target)
	assert.Greater(t, recent[0].Duration, 50*time.Millisecond)
}

// TestHistoryRecorder_ShutdownDuringBusy 忙碌中关闭，被中断的区间仍然落盘
func TestHistoryRecorder_ShutdownDuringBusy(t *testing.T) {
	db, err := storage.NewSQLiteDB(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.RunMigrations(db))

	repo := storage.NewSQLiteIntervalRepository(db)
	writer := storage.NewBatchWriter(repo, storage.BatchWriterConfig{BatchSize: 50, FlushInterval: time.Hour})
	writer.Start()

	bus := events.NewEventBus()
	defer bus.Stop(time.Second)

	recorder := NewHistoryRecorder(bus, writer, repo, HistoryConfig{})
	recorder.Start()

	m, probe, _ := newTestMonitor(t, WithTargetWindow(testTarget), WithEventBus(bus))
	probe.setBusyFor(time.Hour)
	require.NoError(t, m.Start())
	require.Eventually(t, m.IsBusy, time.Second, time.Millisecond)

	// 与应用关闭顺序一致
	m.Dispose()
	require.True(t, m.Wait(time.Second))
	recorder.Stop()
	writer.Stop()

	stats, err := repo.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCount)
	assert.Equal(t, writer.Stats().Received, writer.Stats().Persisted)
}
