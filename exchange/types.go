package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category 交易品种分类
type Category string

const (
	CategorySpot    Category = "spot"
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
	CategoryOption  Category = "option"
	CategoryFuture  Category = "future" // Deribit 交割合约
	CategoryQuanto  Category = "quanto" // BitMEX 双币种合约
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
	SideFund Side = "Fund" // 资金费记录
)

// OrderStatus 归一化订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCanceled        OrderStatus = "Canceled"
	OrderStatusReplaced        OrderStatus = "Replaced"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// ExecType 成交回报类型
type ExecType string

const (
	ExecTypeTrade      ExecType = "Trade"
	ExecTypeFunding    ExecType = "Funding"
	ExecTypeSettlement ExecType = "Settlement"
	ExecTypeNew        ExecType = "New"
	ExecTypeCanceled   ExecType = "Canceled"
	ExecTypeReplaced   ExecType = "Replaced"
)

// InstrumentState 品种交易状态
type InstrumentState string

const (
	InstrumentStateOpen     InstrumentState = "Open"
	InstrumentStateClosed   InstrumentState = "Closed"
	InstrumentStateSettled  InstrumentState = "Settled"
	InstrumentStateDelisted InstrumentState = "Delisted"
)

// PriceLevel 订单簿价位
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// InstrumentKey 品种唯一键
type InstrumentKey struct {
	Symbol   string
	Category Category
	Market   string
}

// Instrument 交易品种定义与实时行情
type Instrument struct {
	Symbol   string          `json:"symbol"`
	Category Category        `json:"category"`
	Market   string          `json:"market"`
	State    InstrumentState `json:"state"`

	BaseCoin   string `json:"base_coin"`
	QuoteCoin  string `json:"quote_coin"`
	SettlCurr  string `json:"settl_curr"`
	Multiplier int64  `json:"multiplier"` // 合约乘数，现货为1

	TickSize    decimal.Decimal `json:"tick_size"`
	MinOrderQty decimal.Decimal `json:"min_order_qty"`
	QtyStep     decimal.Decimal `json:"qty_step"`
	PricePrec   int32           `json:"price_prec"` // 价格小数位
	QtyPrec     int32           `json:"qty_prec"`   // 数量小数位

	Expire      time.Time       `json:"expire"` // 永续合约为零值
	FundingRate decimal.Decimal `json:"funding_rate"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Bids        []PriceLevel    `json:"bids"` // 买盘降序
	Asks        []PriceLevel    `json:"asks"` // 卖盘升序
	Volume24h   decimal.Decimal `json:"volume_24h"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Key 返回品种唯一键
func (i *Instrument) Key() InstrumentKey {
	return InstrumentKey{Symbol: i.Symbol, Category: i.Category, Market: i.Market}
}

// IsSpot 是否现货品种
func (i *Instrument) IsSpot() bool {
	return i.Category == CategorySpot
}

// AccountKey 资金账户唯一键（按结算货币区分）
type AccountKey struct {
	Currency string
	Market   string
}

// Account 资金账户快照
// 字段在收到首个账户快照前无意义，以 Seen 标记
type Account struct {
	Currency        string          `json:"currency"`
	Market          string          `json:"market"`
	AccountID       int64           `json:"account_id"`
	WalletBalance   decimal.Decimal `json:"wallet_balance"`
	OrderMargin     decimal.Decimal `json:"order_margin"`
	PositionMargin  decimal.Decimal `json:"position_margin"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	MarginBalance   decimal.Decimal `json:"margin_balance"`
	UnrealisedPnl   decimal.Decimal `json:"unrealised_pnl"`
	Seen            bool            `json:"seen"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Position 交易所侧持仓快照
type Position struct {
	Symbol    string          `json:"symbol"`
	Category  Category        `json:"category"`
	Market    string          `json:"market"`
	Size      decimal.Decimal `json:"size"` // 有符号，负为空头
	AvgPrice  decimal.Decimal `json:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OrderRequest 下单/改单请求
type OrderRequest struct {
	Symbol   string
	Category Category
	Side     Side
	Qty      decimal.Decimal
	Price    decimal.Decimal
	ClOrdID  string
	OrderID  string // 改单/撤单时指定
}

// Order 订单快照
type Order struct {
	OrderID   string          `json:"order_id"`
	ClOrdID   string          `json:"clordid"`
	EMI       string          `json:"emi"`
	Symbol    string          `json:"symbol"`
	Category  Category        `json:"category"`
	Market    string          `json:"market"`
	Side      Side            `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	LeavesQty decimal.Decimal `json:"leaves_qty"`
	Price     decimal.Decimal `json:"price"`
	Status    OrderStatus     `json:"status"`
	TransTime time.Time       `json:"trans_time"`
}

// Execution 成交/资金费回报，摄入账本前的归一化形态
type Execution struct {
	ExecID     string
	OrderID    string
	ClOrdID    string
	Symbol     string
	Category   Category
	Market     string
	Currency   string
	Side       Side
	ExecType   ExecType
	LastQty    decimal.Decimal
	LeavesQty  decimal.Decimal
	LastPrice  decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal // 费率或费用（交易所语义不同，由适配器归一化为费用金额）
	SumReal    decimal.Decimal // 已实现现金流增量
	OrderQty   decimal.Decimal
	TradeTime  time.Time
	IsMaker    bool
	FeeCurr    string
	Status     OrderStatus
}

// Kline K线
type Kline struct {
	Symbol    string
	Category  Category
	Timeframe int // 分钟
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Confirmed bool
}
