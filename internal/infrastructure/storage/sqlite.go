/**
 * Package storage 提供数据持久化功能
 *
 * 负责将忙碌区间历史持久化到 SQLite
 */

package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chenyang-zz/waitcursor/pkg/logger"
	_ "github.com/mattn/go-sqlite3" // SQLite 驱动
	"go.uber.org/zap"
)

/**
 * SQLiteConfig SQLite 配置
 */
type SQLiteConfig struct {
	// Path 数据库文件路径，":memory:" 表示内存数据库
	Path string

	// MaxOpenConns 最大打开连接数
	MaxOpenConns int

	// MaxIdleConns 最大空闲连接数
	MaxIdleConns int

	// ConnMaxLifetime 连接最大生命周期
	ConnMaxLifetime time.Duration
}

/**
 * NewSQLiteDB 创建 SQLite 数据库连接
 *
 * 文件数据库会先创建父目录，并启用 WAL 模式
 *
 * Parameters:
 *   - config: SQLite 配置
 *
 * Returns: *sql.DB - 数据库连接实例, error - 错误信息
 */
func NewSQLiteDB(config SQLiteConfig) (*sql.DB, error) {
	logger.Info("创建 SQLite 数据库连接",
		zap.String("path", config.Path),
	)

	inMemory := config.Path == ":memory:"

	// 内存数据库使用共享缓存，保证连接池中的连接看到同一个库
	dataSourceName := config.Path
	if inMemory {
		dataSourceName = "file::memory:?mode=memory&cache=shared"
	} else if dir := filepath.Dir(config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("创建数据库目录失败", zap.String("dir", dir), zap.Error(err))
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		logger.Error("打开数据库失败", zap.Error(err))
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 配置连接池
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if !inMemory {
		pragmas := []struct {
			sql  string
			desc string
		}{
			{"PRAGMA journal_mode=WAL", "WAL 模式"},
			{"PRAGMA synchronous=NORMAL", "同步模式"},
			{"PRAGMA busy_timeout=5000", "忙等待超时"},
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p.sql); err != nil {
				db.Close()
				logger.Error("配置"+p.desc+"失败", zap.Error(err))
				return nil, fmt.Errorf("配置%s失败: %w", p.desc, err)
			}
		}
	}

	// 验证连接
	if err := db.Ping(); err != nil {
		db.Close()
		logger.Error("数据库连接验证失败", zap.Error(err))
		return nil, fmt.Errorf("数据库连接验证失败: %w", err)
	}

	logger.Info("SQLite 数据库连接成功")
	return db, nil
}
