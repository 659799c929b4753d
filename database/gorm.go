package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TableName ledger 表名
func (LedgerEntry) TableName() string { return "ledger" }

// TableName robots 表名
func (Robot) TableName() string { return "robots" }

// TableName events 表名
func (EventRecord) TableName() string { return "events" }

// GormDatabase GORM 数据库实现
// 嵌入式引擎（SQLite）不支持并发写入，所有写操作在全局互斥锁下执行，
// 遇到 "database is locked" 时退避重试
type GormDatabase struct {
	db      *gorm.DB
	writeMu sync.Mutex
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&Robot{},
		&LedgerEntry{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// isBusyError 嵌入式数据库被其他写入者占用
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

// isDuplicateError 唯一索引冲突
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}

// withWriteLock 在全局锁下执行写操作，busy 时退避重试
func (g *GormDatabase) withWriteLock(fn func() error) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		err = fn()
		if !isBusyError(err) {
			return err
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return err
}

// GetRobots 加载某市场的机器人定义，按 SORT 排序
func (g *GormDatabase) GetRobots(ctx context.Context, market string) ([]*Robot, error) {
	var robots []*Robot
	query := g.db.WithContext(ctx).Model(&Robot{})
	if market != "" {
		query = query.Where("market = ?", market)
	}
	if err := query.Order("sort").Find(&robots).Error; err != nil {
		return nil, err
	}
	return robots, nil
}

// SaveRobot 保存机器人定义
func (g *GormDatabase) SaveRobot(ctx context.Context, robot *Robot) error {
	return g.withWriteLock(func() error {
		return g.db.WithContext(ctx).Save(robot).Error
	})
}

// InsertLedger 插入账本记录，以 EXECID 去重
// 重复的 EXECID 返回 inserted=false 且不报错，保证历史回填可以重复摄入
func (g *GormDatabase) InsertLedger(ctx context.Context, entry *LedgerEntry) (bool, error) {
	err := g.withWriteLock(func() error {
		return g.db.WithContext(ctx).Create(entry).Error
	})
	if err != nil {
		if isDuplicateError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasExecID 检查执行ID是否已经入账
func (g *GormDatabase) HasExecID(ctx context.Context, execID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("execid = ?", execID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetLedger 查询账本记录
func (g *GormDatabase) GetLedger(ctx context.Context, filter *LedgerFilter) ([]*LedgerEntry, error) {
	query := g.db.WithContext(ctx).Model(&LedgerEntry{})

	if filter.Market != "" {
		query = query.Where("market = ?", filter.Market)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.EMI != "" {
		query = query.Where("emi = ?", filter.EMI)
	}
	if filter.Side != "" {
		query = query.Where("side = ?", filter.Side)
	}
	if filter.Account != 0 {
		query = query.Where("account = ?", filter.Account)
	}
	if filter.StartTime != nil {
		query = query.Where("ttime >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("ttime <= ?", filter.EndTime)
	}

	query = query.Order("ttime DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var entries []*LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CountLedger 账本总行数
func (g *GormDatabase) CountLedger(ctx context.Context) (int64, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&LedgerEntry{}).Count(&count).Error
	return count, err
}

// NetPositions 按 EMI/品种/分类分组的非零净持仓（资金费不计入持仓）
func (g *GormDatabase) NetPositions(ctx context.Context, market string, account int64) ([]*NetPosition, error) {
	rows := []*NetPosition{}
	err := g.db.WithContext(ctx).Raw(
		`SELECT emi, symbol, category, SUM(qty) AS pos
		 FROM ledger
		 WHERE market = ? AND account = ? AND side <> 'Fund'
		 GROUP BY emi, symbol, category
		 HAVING SUM(qty) <> 0`,
		market, account,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RobotAggregate 机器人的账本聚合：净持仓、成交量、已实现盈亏、手续费、最近成交时间
func (g *GormDatabase) RobotAggregate(ctx context.Context, market, emi, category string, account int64) (*Aggregate, error) {
	var row struct {
		SumReal decimal.Decimal
		Pos     decimal.Decimal
		Vol     decimal.Decimal
		Commiss decimal.Decimal
		LTime   sql.NullTime
	}
	err := g.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(sum_real), 0) AS sum_real,
		        COALESCE(SUM(CASE WHEN side = 'Fund' THEN 0 ELSE qty END), 0) AS pos,
		        COALESCE(SUM(CASE WHEN side = 'Fund' THEN 0 ELSE ABS(qty) END), 0) AS vol,
		        COALESCE(SUM(commiss), 0) AS commiss,
		        MAX(ttime) AS l_time
		 FROM ledger
		 WHERE market = ? AND emi = ? AND category = ? AND account = ?`,
		market, emi, category, account,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{
		SumReal: row.SumReal,
		Pos:     row.Pos,
		Vol:     row.Vol,
		Commiss: row.Commiss,
	}
	if row.LTime.Valid {
		agg.LTime = row.LTime.Time
	}
	return agg, nil
}

// SymbolVolume 某品种的账本累计成交量（绝对值求和，不含资金费）
func (g *GormDatabase) SymbolVolume(ctx context.Context, market, symbol string, account int64) (decimal.Decimal, error) {
	var row struct {
		Vol decimal.Decimal
	}
	err := g.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(ABS(qty)), 0) AS vol
		 FROM ledger
		 WHERE market = ? AND symbol = ? AND account = ? AND side <> 'Fund'`,
		market, symbol, account,
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Vol, nil
}

// CurrencyTotals 币种维度的账本累计，资金费与交易按 SIDE 拆分
func (g *GormDatabase) CurrencyTotals(ctx context.Context, market, currency string, account int64) (*CurrencyTotals, error) {
	var row struct {
		Funding decimal.Decimal
		Trading decimal.Decimal
		Commiss decimal.Decimal
	}
	err := g.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN side = 'Fund' THEN sum_real ELSE 0 END), 0) AS funding,
		        COALESCE(SUM(CASE WHEN side = 'Fund' THEN 0 ELSE sum_real END), 0) AS trading,
		        COALESCE(SUM(commiss), 0) AS commiss
		 FROM ledger
		 WHERE market = ? AND currency = ? AND account = ?`,
		market, currency, account,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &CurrencyTotals{Funding: row.Funding, Trading: row.Trading, Commiss: row.Commiss}, nil
}

// UpdateLedgerEMI 账本 EMI 改名
func (g *GormDatabase) UpdateLedgerEMI(ctx context.Context, oldEMI, newEMI string) error {
	return g.withWriteLock(func() error {
		return g.db.WithContext(ctx).Model(&LedgerEntry{}).
			Where("emi = ?", oldEMI).Update("emi", newEMI).Error
	})
}

// SaveEvent 保存事件记录
func (g *GormDatabase) SaveEvent(ctx context.Context, event *EventRecord) error {
	return g.withWriteLock(func() error {
		return g.db.WithContext(ctx).Create(event).Error
	})
}

// GetEvents 查询事件记录
func (g *GormDatabase) GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error) {
	query := g.db.WithContext(ctx).Model(&EventRecord{})

	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Exchange != "" {
		query = query.Where("exchange = ?", filter.Exchange)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var events []*EventRecord
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CleanupOldEvents 按保留策略清理旧事件：超过保留天数或超过最大条数的部分删除
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, severity string, maxCount, maxDays int) error {
	return g.withWriteLock(func() error {
		if maxDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -maxDays)
			if err := g.db.WithContext(ctx).
				Where("severity = ? AND created_at < ?", severity, cutoff).
				Delete(&EventRecord{}).Error; err != nil {
				return err
			}
		}

		if maxCount > 0 {
			var total int64
			if err := g.db.WithContext(ctx).Model(&EventRecord{}).
				Where("severity = ?", severity).Count(&total).Error; err != nil {
				return err
			}
			if total > int64(maxCount) {
				// 找到第 maxCount 条（按时间倒序）的边界 ID，删除更旧的
				var boundary EventRecord
				if err := g.db.WithContext(ctx).Model(&EventRecord{}).
					Where("severity = ?", severity).
					Order("created_at DESC").
					Offset(maxCount - 1).Limit(1).
					First(&boundary).Error; err != nil {
					return err
				}
				if err := g.db.WithContext(ctx).
					Where("severity = ? AND created_at < ?", severity, boundary.CreatedAt).
					Delete(&EventRecord{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
