package database

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Database 数据库接口
// 账本（ledger）是所有成交、资金费和结算的唯一持久化事实来源，
// 只有对账引擎和行情推送的成交回调会写入
type Database interface {
	// 机器人定义
	GetRobots(ctx context.Context, market string) ([]*Robot, error)
	SaveRobot(ctx context.Context, robot *Robot) error

	// 账本记录
	// InsertLedger 以 EXECID 唯一索引去重，重复插入返回 inserted=false 且无错误
	InsertLedger(ctx context.Context, entry *LedgerEntry) (inserted bool, err error)
	HasExecID(ctx context.Context, execID string) (bool, error)
	GetLedger(ctx context.Context, filter *LedgerFilter) ([]*LedgerEntry, error)
	CountLedger(ctx context.Context) (int64, error)

	// 对账聚合查询
	// NetPositions 返回账本中按 EMI/品种/分类分组的非零净持仓（不含资金费）
	NetPositions(ctx context.Context, market string, account int64) ([]*NetPosition, error)
	// RobotAggregate 返回单个机器人的累计持仓、成交量、已实现盈亏、手续费和最近成交时间
	RobotAggregate(ctx context.Context, market, emi, category string, account int64) (*Aggregate, error)
	// SymbolVolume 返回某品种在账本中的累计成交量（绝对值求和，不含资金费）
	SymbolVolume(ctx context.Context, market, symbol string, account int64) (decimal.Decimal, error)
	// CurrencyTotals 返回某币种的账本累计：资金费与交易的已实现现金流按 SIDE 拆分
	CurrencyTotals(ctx context.Context, market, currency string, account int64) (*CurrencyTotals, error)
	// UpdateLedgerEMI 将账本中某个 EMI 改名（对账时孤儿策略归并到品种名）
	UpdateLedgerEMI(ctx context.Context, oldEMI, newEMI string) error

	// 事件记录（展示层查询用）
	SaveEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error)
	CleanupOldEvents(ctx context.Context, severity string, maxCount, maxDays int) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// Robot 机器人（策略）定义，对应 robots 表
type Robot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EMI       string    `gorm:"uniqueIndex;size:100" json:"emi"`
	Symbol    string    `gorm:"size:50" json:"symbol"`
	Category  string    `gorm:"size:20" json:"category"`
	Market    string    `gorm:"size:50" json:"market"`
	Sort      int       `json:"sort"`
	Timefr    int       `json:"timefr"`  // K线周期（分钟），0表示不订阅
	Capital   float64   `json:"capital"` // 分配资金
	Margin    float64   `json:"margin"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry 账本记录（成交、资金费或结算），对应 ledger 表
// EXECID 上的唯一索引是历史回填重复摄入时的去重机制
type LedgerEntry struct {
	ID         int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ExecID     string          `gorm:"column:execid;uniqueIndex;size:100" json:"execid"`
	EMI        string          `gorm:"column:emi;index:idx_emi_qty;size:100" json:"emi"`
	Refer      string          `gorm:"size:100" json:"refer"`
	Market     string          `gorm:"size:50" json:"market"`
	Currency   string          `gorm:"size:20" json:"currency"`
	Symbol     string          `gorm:"size:50" json:"symbol"`
	Category   string          `gorm:"size:20" json:"category"`
	Side       string          `gorm:"index;size:10" json:"side"` // Buy, Sell, Fund
	Qty        decimal.Decimal `gorm:"column:qty;type:decimal(30,10);index:idx_emi_qty" json:"qty"`
	QtyRest    decimal.Decimal `gorm:"type:decimal(30,10)" json:"qty_rest"`
	Price      decimal.Decimal `gorm:"type:decimal(30,10)" json:"price"`
	TheorPrice decimal.Decimal `gorm:"type:decimal(30,10)" json:"theor_price"`
	TradePrice decimal.Decimal `gorm:"type:decimal(30,10)" json:"trade_price"`
	SumReal    decimal.Decimal `gorm:"type:decimal(30,10)" json:"sumreal"`
	Commiss    decimal.Decimal `gorm:"type:decimal(30,10)" json:"commiss"`
	TTime      time.Time       `gorm:"column:ttime;index" json:"ttime"`
	ClOrdID    string          `gorm:"column:clordid;size:100" json:"clordid"`
	Account    int64           `gorm:"index" json:"account"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index;size:20" json:"severity"`
	Exchange  string    `gorm:"size:50" json:"exchange"`
	Symbol    string    `gorm:"size:50" json:"symbol"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// NetPosition 账本净持仓聚合行
type NetPosition struct {
	EMI      string
	Symbol   string
	Category string
	Pos      decimal.Decimal
}

// CurrencyTotals 币种维度的账本累计
type CurrencyTotals struct {
	Funding decimal.Decimal // SIDE = Fund 的已实现现金流
	Trading decimal.Decimal // 其余成交的已实现现金流
	Commiss decimal.Decimal
}

// Aggregate 机器人账本聚合结果
type Aggregate struct {
	SumReal decimal.Decimal
	Pos     decimal.Decimal
	Vol     decimal.Decimal
	Commiss decimal.Decimal
	LTime   time.Time
}

// 过滤器

// LedgerFilter 账本查询过滤器
type LedgerFilter struct {
	Market    string
	Symbol    string
	EMI       string
	Side      string
	Account   int64
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// EventFilter 事件查询过滤器
type EventFilter struct {
	Type      string
	Severity  string
	Exchange  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}
