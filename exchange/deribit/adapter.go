package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/errcode"
	"tradelink/exchange"
	"tradelink/rest"
	"tradelink/stream"
)

// Name 工厂注册名
const Name = "Deribit"

func init() {
	exchange.Register(Name, New)
}

// 参与快照和历史拉取的币种
var currencies = []string{"BTC", "ETH", "USDC", "USDT"}

// Adapter Deribit v2 适配器（JSON-RPC over HTTP/WS）
type Adapter struct {
	cfg      *exchange.Config
	deps     *exchange.Deps
	level    *errcode.Level
	pipeline *rest.Pipeline

	instMu      sync.RWMutex
	instruments map[string]*exchange.Instrument

	sessMu  sync.Mutex
	session *stream.Session

	uidOnce sync.Once
	uid     int64
}

// New 创建适配器
func New(cfg *exchange.Config, deps *exchange.Deps) (exchange.Exchange, error) {
	level := &errcode.Level{}
	a := &Adapter{
		cfg:         cfg,
		deps:        deps,
		level:       level,
		instruments: make(map[string]*exchange.Instrument),
	}
	a.pipeline = rest.NewPipeline(rest.Options{
		Exchange:   Name,
		BaseURL:    baseURL(cfg.Testnet),
		Signer:     &signer{clientID: cfg.ClientID, clientSecret: cfg.SecretKey},
		Classifier: &classifier{},
		Level:      level,
		Bus:        deps.Bus,
		Timeout:    cfg.Timeout,
		MaxRetry:   cfg.MaxRetry,
	})
	return a, nil
}

func (a *Adapter) Name() string          { return Name }
func (a *Adapter) Level() *errcode.Level { return a.level }

// get 执行查询并解出 result
func (a *Adapter) get(ctx context.Context, path, endpoint string, query url.Values, out interface{}) error {
	res, err := a.pipeline.Do(ctx, &rest.Request{
		Method:   http.MethodGet,
		Path:     path,
		Query:    query,
		Endpoint: endpoint,
	})
	if err != nil {
		return err
	}
	return unmarshalResult(res.Body, out)
}

// mutate 执行变更请求
// Deribit 的下单、改单、撤单也走 GET，超时语义与 POST 一致
func (a *Adapter) mutate(ctx context.Context, path, endpoint string, query url.Values, out interface{}) error {
	res, err := a.pipeline.Do(ctx, &rest.Request{
		Method:   http.MethodGet,
		Path:     path,
		Query:    query,
		Mutating: true,
		Endpoint: endpoint,
	})
	if err != nil {
		return err
	}
	return unmarshalResult(res.Body, out)
}

func unmarshalResult(body []byte, out interface{}) error {
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("响应解析失败: %w", err)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// precision 小数位数（步长 0.001 -> 3）
func precision(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 0
	}
	if e := step.Exponent(); e < 0 {
		return -e
	}
	return 0
}

type rawInstrument struct {
	InstrumentName      string  `json:"instrument_name"`
	Kind                string  `json:"kind"`
	IsActive            bool    `json:"is_active"`
	BaseCurrency        string  `json:"base_currency"`
	QuoteCurrency       string  `json:"quote_currency"`
	SettlementCurrency  string  `json:"settlement_currency"`
	SettlementPeriod    string  `json:"settlement_period"`
	TickSize            float64 `json:"tick_size"`
	MinTradeAmount      float64 `json:"min_trade_amount"`
	ContractSize        float64 `json:"contract_size"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
}

// deriveCategory 由品种属性推导分类
// 交割合约统一归为 future，永续按结算货币分反向/线性
func deriveCategory(r *rawInstrument) exchange.Category {
	switch r.Kind {
	case "spot":
		return exchange.CategorySpot
	case "option":
		return exchange.CategoryOption
	case "future":
		if r.SettlementPeriod != "perpetual" {
			return exchange.CategoryFuture
		}
		if r.SettlementCurrency == r.BaseCurrency {
			return exchange.CategoryInverse
		}
		return exchange.CategoryLinear
	}
	return ""
}

func (r *rawInstrument) normalize() *exchange.Instrument {
	category := deriveCategory(r)
	if category == "" {
		return nil
	}

	state := exchange.InstrumentStateClosed
	if r.IsActive {
		state = exchange.InstrumentStateOpen
	}

	settl := r.SettlementCurrency
	if category == exchange.CategorySpot {
		settl = r.QuoteCurrency
	}

	tickSize := decimal.NewFromFloat(r.TickSize)
	qtyStep := decimal.NewFromFloat(r.MinTradeAmount)

	var expire time.Time
	// 永续的到期时间戳是占位值，不作为到期处理
	if r.SettlementPeriod != "perpetual" && r.ExpirationTimestamp > 0 {
		expire = time.UnixMilli(r.ExpirationTimestamp).UTC()
	}

	return &exchange.Instrument{
		Symbol:      r.InstrumentName,
		Category:    category,
		Market:      Name,
		State:       state,
		BaseCoin:    r.BaseCurrency,
		QuoteCoin:   r.QuoteCurrency,
		SettlCurr:   settl,
		Multiplier:  1,
		TickSize:    tickSize,
		MinOrderQty: qtyStep,
		QtyStep:     qtyStep,
		PricePrec:   precision(tickSize),
		QtyPrec:     precision(qtyStep),
		Expire:      expire,
	}
}

// Instruments 拉取全部品种定义，逐币种查询
func (a *Adapter) Instruments(ctx context.Context) ([]*exchange.Instrument, error) {
	var out []*exchange.Instrument

	for _, currency := range currencies {
		query := url.Values{}
		query.Set("currency", currency)
		query.Set("expired", "false")

		var raws []rawInstrument
		if err := a.get(ctx, "/public/get_instruments", "instruments", query, &raws); err != nil {
			return nil, err
		}
		for i := range raws {
			if inst := raws[i].normalize(); inst != nil {
				out = append(out, inst)
			}
		}
	}

	a.instMu.Lock()
	for _, inst := range out {
		a.instruments[inst.Symbol] = inst
	}
	a.instMu.Unlock()

	return out, nil
}

// instrument 读取缓存的品种定义（品种名全站唯一）
func (a *Adapter) instrument(symbol string) (*exchange.Instrument, bool) {
	a.instMu.RLock()
	defer a.instMu.RUnlock()
	inst, ok := a.instruments[symbol]
	return inst, ok
}

type accountSummaries struct {
	ID        int64 `json:"id"`
	Summaries []struct {
		Currency          string  `json:"currency"`
		Balance           float64 `json:"balance"`
		Equity            float64 `json:"equity"`
		AvailableFunds    float64 `json:"available_funds"`
		InitialMargin     float64 `json:"initial_margin"`
		MaintenanceMargin float64 `json:"maintenance_margin"`
		SessionUpl        float64 `json:"session_upl"`
	} `json:"summaries"`
}

// fetchUID 懒加载账户 ID（账本的 ACCOUNT 字段）
func (a *Adapter) fetchUID(ctx context.Context) int64 {
	a.uidOnce.Do(func() {
		query := url.Values{}
		query.Set("extended", "true")
		var result accountSummaries
		if err := a.get(ctx, "/private/get_account_summaries", "account_summaries", query, &result); err == nil {
			a.uid = result.ID
		}
	})
	return a.uid
}

// Wallet 拉取全币种资金快照
func (a *Adapter) Wallet(ctx context.Context) ([]*exchange.Account, error) {
	query := url.Values{}
	query.Set("extended", "true")

	var result accountSummaries
	if err := a.get(ctx, "/private/get_account_summaries", "wallet", query, &result); err != nil {
		return nil, err
	}
	a.uidOnce.Do(func() { a.uid = result.ID })

	now := time.Now()
	out := make([]*exchange.Account, 0, len(result.Summaries))
	for _, s := range result.Summaries {
		out = append(out, &exchange.Account{
			Currency:        s.Currency,
			Market:          Name,
			AccountID:       result.ID,
			WalletBalance:   decimal.NewFromFloat(s.Balance),
			PositionMargin:  decimal.NewFromFloat(s.InitialMargin),
			AvailableMargin: decimal.NewFromFloat(s.AvailableFunds),
			MarginBalance:   decimal.NewFromFloat(s.Equity),
			UnrealisedPnl:   decimal.NewFromFloat(s.SessionUpl),
			Seen:            true,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

type rawPosition struct {
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Size           float64 `json:"size"`
	AveragePrice   float64 `json:"average_price"`
}

func (a *Adapter) normalizePosition(r *rawPosition, now time.Time) *exchange.Position {
	category := exchange.CategoryLinear
	if inst, ok := a.instrument(r.InstrumentName); ok {
		category = inst.Category
	}
	size := decimal.NewFromFloat(r.Size)
	// size 已带符号，方向字段只做兜底
	if r.Direction == "sell" && size.IsPositive() {
		size = size.Neg()
	}
	return &exchange.Position{
		Symbol:    r.InstrumentName,
		Category:  category,
		Market:    Name,
		Size:      size,
		AvgPrice:  decimal.NewFromFloat(r.AveragePrice),
		UpdatedAt: now,
	}
}

// Positions 拉取持仓快照，逐币种查询
func (a *Adapter) Positions(ctx context.Context) ([]*exchange.Position, error) {
	var out []*exchange.Position
	now := time.Now()

	for _, currency := range currencies {
		query := url.Values{}
		query.Set("currency", currency)

		var raws []rawPosition
		if err := a.get(ctx, "/private/get_positions", "positions", query, &raws); err != nil {
			return nil, err
		}
		for i := range raws {
			out = append(out, a.normalizePosition(&raws[i], now))
		}
	}
	return out, nil
}

type rawOrder struct {
	OrderID             string  `json:"order_id"`
	Label               string  `json:"label"`
	InstrumentName      string  `json:"instrument_name"`
	Direction           string  `json:"direction"`
	Amount              float64 `json:"amount"`
	FilledAmount        float64 `json:"filled_amount"`
	Price               float64 `json:"price"`
	OrderState          string  `json:"order_state"`
	LastUpdateTimestamp int64   `json:"last_update_timestamp"`
}

// normalizeOrder 归一化订单推送/快照
// 返回 nil 表示该条目只需记日志（如 rejected）
func (a *Adapter) normalizeOrder(r *rawOrder) *exchange.Order {
	var status exchange.OrderStatus
	switch r.OrderState {
	case "open", "untriggered":
		if r.FilledAmount > 0 {
			status = exchange.OrderStatusPartiallyFilled
		} else if a.deps.Handler != nil && a.deps.Handler.KnownOrderID(r.OrderID) {
			// 改单成功后状态仍为 open：订单号已登记时归一化为 Replaced
			status = exchange.OrderStatusReplaced
		} else {
			status = exchange.OrderStatusNew
		}
	case "filled":
		status = exchange.OrderStatusFilled
	case "cancelled":
		status = exchange.OrderStatusCanceled
	case "rejected":
		return nil
	default:
		status = exchange.OrderStatus(r.OrderState)
	}

	category := exchange.CategoryLinear
	if inst, ok := a.instrument(r.InstrumentName); ok {
		category = inst.Category
	}

	side := exchange.SideBuy
	if r.Direction == "sell" {
		side = exchange.SideSell
	}

	amount := decimal.NewFromFloat(r.Amount)
	return &exchange.Order{
		OrderID:   r.OrderID,
		ClOrdID:   r.Label,
		Symbol:    r.InstrumentName,
		Category:  category,
		Market:    Name,
		Side:      side,
		Qty:       amount,
		LeavesQty: amount.Sub(decimal.NewFromFloat(r.FilledAmount)),
		Price:     decimal.NewFromFloat(r.Price),
		Status:    status,
		TransTime: time.UnixMilli(r.LastUpdateTimestamp).UTC(),
	}
}

// OpenOrders 拉取全部未结订单，逐币种查询
func (a *Adapter) OpenOrders(ctx context.Context) ([]*exchange.Order, error) {
	var out []*exchange.Order

	for _, currency := range currencies {
		query := url.Values{}
		query.Set("currency", currency)

		var raws []rawOrder
		if err := a.get(ctx, "/private/get_open_orders_by_currency", "open_orders", query, &raws); err != nil {
			return nil, err
		}
		for i := range raws {
			if order := a.normalizeOrder(&raws[i]); order != nil {
				out = append(out, order)
			}
		}
	}
	return out, nil
}

// TradeHistory 拉取成交历史，按成交时间升序返回
// 资金费不在成交接口内，不参与账本摄入
func (a *Adapter) TradeHistory(ctx context.Context, startTime time.Time, limit int) ([]*exchange.Execution, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var out []*exchange.Execution
	for _, currency := range currencies {
		query := url.Values{}
		query.Set("currency", currency)
		query.Set("start_timestamp", strconv.FormatInt(startTime.UnixMilli(), 10))
		query.Set("end_timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query.Set("count", strconv.Itoa(limit))
		query.Set("sorting", "asc")

		var result struct {
			Trades []rawTrade `json:"trades"`
		}
		if err := a.get(ctx, "/private/get_user_trades_by_currency_and_time", "trade_history", query, &result); err != nil {
			return nil, err
		}
		for i := range result.Trades {
			if exec := a.normalizeTrade(&result.Trades[i]); exec != nil {
				out = append(out, exec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TradeTime.Before(out[j].TradeTime) })
	return out, nil
}

// resolutions 分钟周期到图表接口 resolution 的映射
var resolutions = map[int]string{
	1:    "1",
	3:    "3",
	5:    "5",
	10:   "10",
	15:   "15",
	30:   "30",
	60:   "60",
	120:  "120",
	180:  "180",
	360:  "360",
	720:  "720",
	1440: "1D",
}

// Klines 拉取K线，按时间升序返回
func (a *Adapter) Klines(ctx context.Context, symbol string, category exchange.Category, timeframe, limit int) ([]*exchange.Kline, error) {
	resolution, ok := resolutions[timeframe]
	if !ok {
		return nil, fmt.Errorf("不支持的K线周期: %d 分钟", timeframe)
	}

	end := time.Now()
	start := end.Add(-time.Duration(timeframe*limit) * time.Minute)

	query := url.Values{}
	query.Set("instrument_name", symbol)
	query.Set("resolution", resolution)
	query.Set("start_timestamp", strconv.FormatInt(start.UnixMilli(), 10))
	query.Set("end_timestamp", strconv.FormatInt(end.UnixMilli(), 10))

	var result struct {
		Status string    `json:"status"`
		Ticks  []int64   `json:"ticks"`
		Open   []float64 `json:"open"`
		High   []float64 `json:"high"`
		Low    []float64 `json:"low"`
		Close  []float64 `json:"close"`
		Volume []float64 `json:"volume"`
	}
	if err := a.get(ctx, "/public/get_tradingview_chart_data", "klines", query, &result); err != nil {
		return nil, err
	}
	if result.Status == "no_data" {
		return nil, nil
	}

	n := len(result.Ticks)
	if len(result.Open) < n || len(result.High) < n || len(result.Low) < n ||
		len(result.Close) < n || len(result.Volume) < n {
		return nil, fmt.Errorf("K线列长度不一致")
	}

	out := make([]*exchange.Kline, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &exchange.Kline{
			Symbol:    symbol,
			Category:  category,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(result.Ticks[i]).UTC(),
			Open:      decimal.NewFromFloat(result.Open[i]),
			High:      decimal.NewFromFloat(result.High[i]),
			Low:       decimal.NewFromFloat(result.Low[i]),
			Close:     decimal.NewFromFloat(result.Close[i]),
			Volume:    decimal.NewFromFloat(result.Volume[i]),
			Confirmed: true,
		})
	}
	if len(out) > 0 {
		out[len(out)-1].Confirmed = false // 最新一根尚未收盘
	}
	return out, nil
}

type orderResult struct {
	Order struct {
		OrderID string `json:"order_id"`
	} `json:"order"`
}

// PlaceOrder 限价下单（label 承载客户端订单号）
func (a *Adapter) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	path := "/private/buy"
	if req.Side == exchange.SideSell {
		path = "/private/sell"
	}

	query := url.Values{}
	query.Set("instrument_name", req.Symbol)
	query.Set("amount", req.Qty.String())
	query.Set("price", req.Price.String())
	query.Set("type", "limit")
	query.Set("label", req.ClOrdID)

	var result orderResult
	if err := a.mutate(ctx, path, "order_create", query, &result); err != nil {
		return "", err
	}
	return result.Order.OrderID, nil
}

// ReplaceOrder 改单（改价/改量）
func (a *Adapter) ReplaceOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	query := url.Values{}
	query.Set("order_id", req.OrderID)
	query.Set("amount", req.Qty.String())
	query.Set("price", req.Price.String())

	var result orderResult
	if err := a.mutate(ctx, "/private/edit", "order_amend", query, &result); err != nil {
		return "", err
	}
	return result.Order.OrderID, nil
}

// CancelOrder 撤单
func (a *Adapter) CancelOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	if req.OrderID == "" {
		// 订单号未知时按 label 撤
		query := url.Values{}
		query.Set("label", req.ClOrdID)
		if err := a.mutate(ctx, "/private/cancel_by_label", "order_cancel", query, nil); err != nil {
			return "", err
		}
		return "", nil
	}

	query := url.Values{}
	query.Set("order_id", req.OrderID)

	var result struct {
		OrderID string `json:"order_id"`
	}
	if err := a.mutate(ctx, "/private/cancel", "order_cancel", query, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}
