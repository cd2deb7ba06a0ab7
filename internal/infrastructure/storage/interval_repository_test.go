package storage

import (
	"testing"
	"time"

	"github.com/chenyang-zz/waitcursor/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newInterval 创建从 start 开始、持续 d 的区间
func newInterval(target uint64, start time.Time, d time.Duration) BusyInterval {
	return NewBusyInterval(events.BusyIntervalData{
		Target: target,
		Start:  start,
		End:    start.Add(d),
	})
}

// TestIntervalRepository_Save 测试保存和读取
func TestIntervalRepository_Save(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))

	start := time.Now().Truncate(time.Millisecond)
	interval := newInterval(0x1234, start, 250*time.Millisecond)
	require.NoError(t, repo.Save(interval))

	got, err := repo.FindRecent(10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, interval.ID, got[0].ID)
	assert.Equal(t, uint64(0x1234), got[0].Target)
	assert.True(t, start.Equal(got[0].Start))
	assert.Equal(t, 250*time.Millisecond, got[0].Duration)

	assert.Error(t, repo.Save(interval), "重复 ID 应该失败")
}

// TestIntervalRepository_LargeHandle 高位被置位的句柄能原样读回
func TestIntervalRepository_LargeHandle(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))

	target := uint64(0xFFFF_FFFF_FFFF_FFF0)
	require.NoError(t, repo.Save(newInterval(target, time.Now(), time.Second)))

	got, err := repo.FindRecent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, target, got[0].Target)
}

// TestIntervalRepository_SaveBatch 批量保存与排序
func TestIntervalRepository_SaveBatch(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))
	base := time.Now().Add(-time.Hour)

	intervals := make([]BusyInterval, 0, 5)
	for i := 0; i < 5; i++ {
		intervals = append(intervals, newInterval(1, base.Add(time.Duration(i)*time.Minute), 100*time.Millisecond))
	}
	require.NoError(t, repo.SaveBatch(intervals))
	require.NoError(t, repo.SaveBatch(nil))

	recent, err := repo.FindRecent(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, intervals[4].ID, recent[0].ID, "最新的在前")
	assert.Equal(t, intervals[2].ID, recent[2].ID)

	ranged, err := repo.FindByTimeRange(base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, ranged, 3)
	assert.Equal(t, intervals[1].ID, ranged[0].ID, "最旧的在前")
	assert.Equal(t, intervals[3].ID, ranged[2].ID)
}

// TestIntervalRepository_SaveBatch_Rollback 任一条失败整批回滚
func TestIntervalRepository_SaveBatch_Rollback(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))

	first := newInterval(1, time.Now(), time.Second)
	dup := first
	err := repo.SaveBatch([]BusyInterval{first, newInterval(2, time.Now(), time.Second), dup})
	assert.Error(t, err)

	stats, err := repo.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCount)
}

// TestIntervalRepository_DeleteOlderThan 测试清理旧数据
func TestIntervalRepository_DeleteOlderThan(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))
	now := time.Now()

	require.NoError(t, repo.SaveBatch([]BusyInterval{
		newInterval(1, now.Add(-48*time.Hour), time.Second),
		newInterval(1, now.Add(-36*time.Hour), time.Second),
		newInterval(1, now.Add(-time.Hour), time.Second),
	}))

	deleted, err := repo.DeleteOlderThan(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = repo.DeleteOlderThan(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

// TestIntervalRepository_GetStats 测试统计信息
func TestIntervalRepository_GetStats(t *testing.T) {
	repo := NewSQLiteIntervalRepository(setupTestDB(t))

	t.Run("空表", func(t *testing.T) {
		stats, err := repo.GetStats()
		require.NoError(t, err)
		assert.Zero(t, stats.TotalCount)
		assert.Zero(t, stats.AverageBusy)
		assert.Nil(t, stats.OldestStart)
		assert.Nil(t, stats.NewestStart)
	})

	t.Run("有数据", func(t *testing.T) {
		base := time.Now().Truncate(time.Millisecond)
		require.NoError(t, repo.SaveBatch([]BusyInterval{
			newInterval(1, base, 100*time.Millisecond),
			newInterval(1, base.Add(time.Second), 300*time.Millisecond),
		}))

		stats, err := repo.GetStats()
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TotalCount)
		assert.Equal(t, 400*time.Millisecond, stats.TotalBusy)
		assert.Equal(t, 300*time.Millisecond, stats.LongestBusy)
		assert.Equal(t, 200*time.Millisecond, stats.AverageBusy)
		require.NotNil(t, stats.OldestStart)
		assert.True(t, base.Equal(*stats.OldestStart))
		require.NotNil(t, stats.NewestStart)
		assert.True(t, base.Add(time.Second).Equal(*stats.NewestStart))
	})
}
