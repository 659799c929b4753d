package exchange

import (
	"context"
	"time"

	"tradelink/errcode"
)

// Handler 推送回调接口
// 适配器把归一化后的推送交给 Handler，由装配层写入注册表、账本和事件总线
type Handler interface {
	OnInstrument(inst *Instrument)
	OnExecution(exec *Execution)
	OnOrder(order *Order)
	OnAccount(acc *Account)
	OnPosition(pos *Position)
	OnKline(k *Kline)

	// KnownOrderID 判断交易所订单号是否已登记
	// 状态为 New 但订单号已知的推送按改单成功（Replaced）归一化
	KnownOrderID(orderID string) bool
}

// Exchange 交易所适配器接口
type Exchange interface {
	// Name 交易所名（"Bybit"、"Bitmex"、"Deribit"）
	Name() string

	// Level 该交易所会话的严重级别
	Level() *errcode.Level

	// Instruments 拉取全部品种定义
	Instruments(ctx context.Context) ([]*Instrument, error)

	// Wallet 拉取资金账户快照
	Wallet(ctx context.Context) ([]*Account, error)

	// Positions 拉取持仓快照
	Positions(ctx context.Context) ([]*Position, error)

	// OpenOrders 拉取未结订单
	OpenOrders(ctx context.Context) ([]*Order, error)

	// TradeHistory 拉取成交/资金费历史，startTime 起按时间升序，单页最多 limit 条
	TradeHistory(ctx context.Context, startTime time.Time, limit int) ([]*Execution, error)

	// Klines 拉取K线
	Klines(ctx context.Context, symbol string, category Category, timeframe, limit int) ([]*Kline, error)

	// PlaceOrder 下单，成功返回交易所订单号
	PlaceOrder(ctx context.Context, req *OrderRequest) (string, error)

	// ReplaceOrder 改单
	ReplaceOrder(ctx context.Context, req *OrderRequest) (string, error)

	// CancelOrder 撤单
	CancelOrder(ctx context.Context, req *OrderRequest) (string, error)

	// StartStreams 建立行情和私有推送会话并订阅 symbols
	StartStreams(ctx context.Context, symbols []*Instrument) error

	// SubscribeKlines 订阅K线推送（机器人定义的周期）
	SubscribeKlines(symbol string, category Category, timeframe int) error

	// UnsubscribeKlines 退订K线推送，对未订阅的主题调用是安全的
	UnsubscribeKlines(symbol string, category Category, timeframe int) error

	// StopStreams 关闭推送会话
	StopStreams()
}
