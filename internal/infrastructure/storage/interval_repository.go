package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chenyang-zz/waitcursor/pkg/events"
	"github.com/chenyang-zz/waitcursor/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

/**
 * BusyInterval 一条持久化的忙碌区间
 */
type BusyInterval struct {
	// ID 记录唯一标识
	ID string `json:"id"`

	// Target 目标窗口句柄
	Target uint64 `json:"target"`

	// Start 光标切换为忙碌的时间
	Start time.Time `json:"start"`

	// End 光标恢复的时间
	End time.Time `json:"end"`

	// Duration 区间时长
	Duration time.Duration `json:"duration"`
}

/**
 * NewBusyInterval 从事件数据创建忙碌区间记录
 */
func NewBusyInterval(data events.BusyIntervalData) BusyInterval {
	return BusyInterval{
		ID:       uuid.New().String(),
		Target:   data.Target,
		Start:    data.Start,
		End:      data.End,
		Duration: data.End.Sub(data.Start),
	}
}

/**
 * IntervalRepository 忙碌区间存储接口
 */
type IntervalRepository interface {
	// Save 保存单条区间
	Save(interval BusyInterval) error

	// SaveBatch 批量保存区间
	SaveBatch(intervals []BusyInterval) error

	// FindRecent 查询最近的区间（从新到旧）
	FindRecent(limit int) ([]BusyInterval, error)

	// FindByTimeRange 按开始时间范围查询（从旧到新）
	FindByTimeRange(start, end time.Time) ([]BusyInterval, error)

	// DeleteOlderThan 删除开始时间早于 cutoff 的区间
	DeleteOlderThan(cutoff time.Time) (int64, error)

	// GetStats 获取统计信息
	GetStats() (*IntervalStats, error)
}

/**
 * IntervalStats 忙碌区间统计
 */
type IntervalStats struct {
	// TotalCount 区间总数
	TotalCount int64 `json:"total_count"`

	// TotalBusy 累计忙碌时长
	TotalBusy time.Duration `json:"total_busy"`

	// LongestBusy 最长一次忙碌
	LongestBusy time.Duration `json:"longest_busy"`

	// AverageBusy 平均忙碌时长
	AverageBusy time.Duration `json:"average_busy"`

	// OldestStart 最早区间开始时间
	OldestStart *time.Time `json:"oldest_start,omitempty"`

	// NewestStart 最新区间开始时间
	NewestStart *time.Time `json:"newest_start,omitempty"`
}

/**
 * SQLiteIntervalRepository SQLite 忙碌区间仓储实现
 *
 * 时间以 Unix 毫秒存储，避免驱动对时间格式的差异
 */
type SQLiteIntervalRepository struct {
	db *sql.DB
}

/**
 * NewSQLiteIntervalRepository 创建 SQLite 忙碌区间仓储
 */
func NewSQLiteIntervalRepository(db *sql.DB) *SQLiteIntervalRepository {
	return &SQLiteIntervalRepository{db: db}
}

const insertIntervalSQL = `
	INSERT INTO busy_intervals (uuid, target, start_ms, end_ms, duration_ms)
	VALUES (?, ?, ?, ?, ?)
`

const selectIntervalColumns = `SELECT uuid, target, start_ms, end_ms, duration_ms FROM busy_intervals`

/**
 * Save 保存单条区间
 */
func (r *SQLiteIntervalRepository) Save(interval BusyInterval) error {
	if _, err := r.db.Exec(insertIntervalSQL, intervalArgs(interval)...); err != nil {
		logger.Error("保存忙碌区间失败",
			zap.String("interval_id", interval.ID),
			zap.Error(err),
		)
		return fmt.Errorf("保存忙碌区间失败: %w", err)
	}
	return nil
}

/**
 * SaveBatch 批量保存区间
 *
 * 使用事务和预处理语句，任一条失败则整批回滚
 */
func (r *SQLiteIntervalRepository) SaveBatch(intervals []BusyInterval) error {
	if len(intervals) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertIntervalSQL)
	if err != nil {
		return fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	for _, interval := range intervals {
		if _, err := stmt.Exec(intervalArgs(interval)...); err != nil {
			logger.Error("插入忙碌区间失败",
				zap.String("interval_id", interval.ID),
				zap.Error(err),
			)
			return fmt.Errorf("插入忙碌区间失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	logger.Debug("批量保存忙碌区间成功", zap.Int("count", len(intervals)))
	return nil
}

/**
 * FindRecent 查询最近的区间
 *
 * Parameters:
 *   - limit: 返回数量限制
 *
 * Returns: []BusyInterval - 按开始时间从新到旧排列
 */
func (r *SQLiteIntervalRepository) FindRecent(limit int) ([]BusyInterval, error) {
	rows, err := r.db.Query(selectIntervalColumns+` ORDER BY start_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询最近忙碌区间失败: %w", err)
	}
	defer rows.Close()

	return scanIntervals(rows)
}

/**
 * FindByTimeRange 按开始时间范围查询
 *
 * Returns: []BusyInterval - 开始时间落在 [start, end] 内，从旧到新排列
 */
func (r *SQLiteIntervalRepository) FindByTimeRange(start, end time.Time) ([]BusyInterval, error) {
	rows, err := r.db.Query(
		selectIntervalColumns+` WHERE start_ms >= ? AND start_ms <= ? ORDER BY start_ms ASC, id ASC`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("按时间范围查询忙碌区间失败: %w", err)
	}
	defer rows.Close()

	return scanIntervals(rows)
}

/**
 * DeleteOlderThan 删除旧区间
 *
 * Returns: int64 - 删除的记录数
 */
func (r *SQLiteIntervalRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM busy_intervals WHERE start_ms < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("删除旧忙碌区间失败: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("获取删除行数失败: %w", err)
	}

	if count > 0 {
		logger.Info("删除旧忙碌区间",
			zap.Int64("count", count),
			zap.Time("cutoff", cutoff),
		)
	}
	return count, nil
}

/**
 * GetStats 获取统计信息
 */
func (r *SQLiteIntervalRepository) GetStats() (*IntervalStats, error) {
	var (
		count              int64
		total, longest     sql.NullInt64
		oldestMs, newestMs sql.NullInt64
	)

	err := r.db.QueryRow(`
		SELECT COUNT(*), SUM(duration_ms), MAX(duration_ms), MIN(start_ms), MAX(start_ms)
		FROM busy_intervals
	`).Scan(&count, &total, &longest, &oldestMs, &newestMs)
	if err != nil {
		return nil, fmt.Errorf("查询忙碌区间统计失败: %w", err)
	}

	stats := &IntervalStats{
		TotalCount:  count,
		TotalBusy:   time.Duration(total.Int64) * time.Millisecond,
		LongestBusy: time.Duration(longest.Int64) * time.Millisecond,
	}
	if count > 0 {
		stats.AverageBusy = stats.TotalBusy / time.Duration(count)
	}
	if oldestMs.Valid {
		oldest := time.UnixMilli(oldestMs.Int64)
		stats.OldestStart = &oldest
	}
	if newestMs.Valid {
		newest := time.UnixMilli(newestMs.Int64)
		stats.NewestStart = &newest
	}
	return stats, nil
}

// intervalArgs 区间对应的插入参数
//
// SQLite 整数是有符号 64 位，句柄按位转换存储
func intervalArgs(interval BusyInterval) []interface{} {
	return []interface{}{
		interval.ID,
		int64(interval.Target),
		interval.Start.UnixMilli(),
		interval.End.UnixMilli(),
		interval.Duration.Milliseconds(),
	}
}

// scanIntervals 扫描查询结果
func scanIntervals(rows *sql.Rows) ([]BusyInterval, error) {
	intervals := make([]BusyInterval, 0)

	for rows.Next() {
		var (
			interval                   BusyInterval
			target                     int64
			startMs, endMs, durationMs int64
		)
		if err := rows.Scan(&interval.ID, &target, &startMs, &endMs, &durationMs); err != nil {
			return nil, fmt.Errorf("扫描忙碌区间失败: %w", err)
		}

		interval.Target = uint64(target)
		interval.Start = time.UnixMilli(startMs)
		interval.End = time.UnixMilli(endMs)
		interval.Duration = time.Duration(durationMs) * time.Millisecond
		intervals = append(intervals, interval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历忙碌区间失败: %w", err)
	}
	return intervals, nil
}
