package bitmex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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
const Name = "Bitmex"

func init() {
	exchange.Register(Name, New)
}

// Adapter BitMEX 适配器
// 公共行情和私有推送共用一条 WebSocket 连接
type Adapter struct {
	cfg      *exchange.Config
	deps     *exchange.Deps
	level    *errcode.Level
	pipeline *rest.Pipeline

	instMu      sync.RWMutex
	instruments map[string]*exchange.Instrument // BitMEX 品种名全局唯一

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
		BaseURL:    baseURL(cfg.Testnet) + apiPrefix,
		Signer:     &signer{apiKey: cfg.APIKey, secretKey: cfg.SecretKey},
		Classifier: newClassifier(),
		Level:      level,
		Bus:        deps.Bus,
		Timeout:    cfg.Timeout,
		MaxRetry:   cfg.MaxRetry,
	})
	return a, nil
}

func (a *Adapter) Name() string          { return Name }
func (a *Adapter) Level() *errcode.Level { return a.level }

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
	return json.Unmarshal(res.Body, out)
}

func (a *Adapter) mutate(ctx context.Context, method, path, endpoint string, query url.Values, body interface{}, out interface{}) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	res, err := a.pipeline.Do(ctx, &rest.Request{
		Method:   method,
		Path:     path,
		Query:    query,
		Body:     data,
		Mutating: true,
		Endpoint: endpoint,
	})
	if err != nil {
		return err
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	// 404 撤单按成功处理时响应体不是订单对象
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil
	}
	return json.Unmarshal(res.Body, out)
}

type rawInstrument struct {
	Symbol         string  `json:"symbol"`
	Typ            string  `json:"typ"`
	State          string  `json:"state"`
	Underlying     string  `json:"underlying"`
	QuoteCurrency  string  `json:"quoteCurrency"`
	SettlCurrency  string  `json:"settlCurrency"`
	TickSize       float64 `json:"tickSize"`
	LotSize        float64 `json:"lotSize"`
	Multiplier     int64   `json:"multiplier"`
	IsInverse      bool    `json:"isInverse"`
	IsQuanto       bool    `json:"isQuanto"`
	Expiry         string  `json:"expiry"`
	FundingRate    float64 `json:"fundingRate"`
	MarkPrice      float64 `json:"markPrice"`
	BidPrice       float64 `json:"bidPrice"`
	AskPrice       float64 `json:"askPrice"`
	Volume24h      float64 `json:"volume24h"`
}

// deriveCategory BitMEX 没有显式分类，从合约属性推导
func deriveCategory(r *rawInstrument) exchange.Category {
	switch {
	case r.Typ == "IFXXXP":
		return exchange.CategorySpot
	case r.IsInverse:
		return exchange.CategoryInverse
	case r.IsQuanto:
		return exchange.CategoryQuanto
	default:
		return exchange.CategoryLinear
	}
}

func (r *rawInstrument) normalize() *exchange.Instrument {
	category := deriveCategory(r)

	state := exchange.InstrumentStateClosed
	if r.State == "Open" {
		state = exchange.InstrumentStateOpen
	}

	var expire time.Time
	if r.Expiry != "" {
		if t, err := time.Parse(time.RFC3339, r.Expiry); err == nil {
			expire = t.UTC()
		}
	}

	tickSize := decimal.NewFromFloat(r.TickSize)
	qtyStep := decimal.NewFromFloat(r.LotSize)

	return &exchange.Instrument{
		Symbol:      r.Symbol,
		Category:    category,
		Market:      Name,
		State:       state,
		BaseCoin:    r.Underlying,
		QuoteCoin:   r.QuoteCurrency,
		SettlCurr:   settleSymbol(r.SettlCurrency),
		Multiplier:  r.Multiplier,
		TickSize:    tickSize,
		MinOrderQty: qtyStep,
		QtyStep:     qtyStep,
		PricePrec:   precision(tickSize),
		QtyPrec:     precision(qtyStep),
		Expire:      expire,
		FundingRate: decimal.NewFromFloat(r.FundingRate),
		MarkPrice:   decimal.NewFromFloat(r.MarkPrice),
		Bid:         decimal.NewFromFloat(r.BidPrice),
		Ask:         decimal.NewFromFloat(r.AskPrice),
		Volume24h:   decimal.NewFromFloat(r.Volume24h),
	}
}

func precision(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 0
	}
	if e := step.Exponent(); e < 0 {
		return -e
	}
	return 0
}

// Instruments 拉取全部活跃品种
func (a *Adapter) Instruments(ctx context.Context) ([]*exchange.Instrument, error) {
	var raws []rawInstrument
	if err := a.get(ctx, "/instrument/active", "instruments", nil, &raws); err != nil {
		return nil, err
	}

	out := make([]*exchange.Instrument, 0, len(raws))
	a.instMu.Lock()
	for i := range raws {
		inst := raws[i].normalize()
		a.instruments[inst.Symbol] = inst
		out = append(out, inst)
	}
	a.instMu.Unlock()
	return out, nil
}

func (a *Adapter) instrument(symbol string) (*exchange.Instrument, bool) {
	a.instMu.RLock()
	defer a.instMu.RUnlock()
	inst, ok := a.instruments[symbol]
	return inst, ok
}

// fetchUID 懒加载账户 ID
func (a *Adapter) fetchUID(ctx context.Context) int64 {
	a.uidOnce.Do(func() {
		var user struct {
			ID int64 `json:"id"`
		}
		if err := a.get(ctx, "/user", "user", nil, &user); err == nil {
			a.uid = user.ID
		}
	})
	return a.uid
}

// Wallet 拉取全币种保证金快照，金额从最小单位换算
func (a *Adapter) Wallet(ctx context.Context) ([]*exchange.Account, error) {
	query := url.Values{}
	query.Set("currency", "all")

	var raws []struct {
		Account        int64  `json:"account"`
		Currency       string `json:"currency"`
		WalletBalance  int64  `json:"walletBalance"`
		MarginBalance  int64  `json:"marginBalance"`
		AvailableMargin int64 `json:"availableMargin"`
		OrderMargin    int64  `json:"initMargin"`
		MaintMargin    int64  `json:"maintMargin"`
		UnrealisedPnl  int64  `json:"unrealisedPnl"`
	}
	if err := a.get(ctx, "/user/margin", "wallet", query, &raws); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]*exchange.Account, 0, len(raws))
	for _, r := range raws {
		scale := currencyScale(r.Currency)
		out = append(out, &exchange.Account{
			Currency:        settleSymbol(r.Currency),
			Market:          Name,
			AccountID:       r.Account,
			WalletBalance:   decimal.New(r.WalletBalance, 0).Div(scale),
			OrderMargin:     decimal.New(r.OrderMargin, 0).Div(scale),
			PositionMargin:  decimal.New(r.MaintMargin, 0).Div(scale),
			AvailableMargin: decimal.New(r.AvailableMargin, 0).Div(scale),
			MarginBalance:   decimal.New(r.MarginBalance, 0).Div(scale),
			UnrealisedPnl:   decimal.New(r.UnrealisedPnl, 0).Div(scale),
			Seen:            true,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

// Positions 拉取持仓快照
func (a *Adapter) Positions(ctx context.Context) ([]*exchange.Position, error) {
	query := url.Values{}
	query.Set("count", "500")

	var raws []struct {
		Symbol        string  `json:"symbol"`
		CurrentQty    float64 `json:"currentQty"`
		AvgEntryPrice float64 `json:"avgEntryPrice"`
	}
	if err := a.get(ctx, "/position", "positions", query, &raws); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]*exchange.Position, 0, len(raws))
	for _, r := range raws {
		category := exchange.CategoryLinear
		if inst, ok := a.instrument(r.Symbol); ok {
			category = inst.Category
		}
		out = append(out, &exchange.Position{
			Symbol:    r.Symbol,
			Category:  category,
			Market:    Name,
			Size:      decimal.NewFromFloat(r.CurrentQty),
			AvgPrice:  decimal.NewFromFloat(r.AvgEntryPrice),
			UpdatedAt: now,
		})
	}
	return out, nil
}

type rawOrder struct {
	OrderID      string  `json:"orderID"`
	ClOrdID      string  `json:"clOrdID"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	OrderQty     float64 `json:"orderQty"`
	LeavesQty    float64 `json:"leavesQty"`
	Price        float64 `json:"price"`
	OrdStatus    string  `json:"ordStatus"`
	TransactTime string  `json:"transactTime"`
}

func (a *Adapter) normalizeOrder(r *rawOrder) *exchange.Order {
	var status exchange.OrderStatus
	switch r.OrdStatus {
	case "New":
		if a.deps.Handler != nil && a.deps.Handler.KnownOrderID(r.OrderID) {
			status = exchange.OrderStatusReplaced
		} else {
			status = exchange.OrderStatusNew
		}
	case "PartiallyFilled":
		status = exchange.OrderStatusPartiallyFilled
	case "Filled":
		status = exchange.OrderStatusFilled
	case "Canceled", "Cancelled":
		status = exchange.OrderStatusCanceled
	case "Rejected":
		return nil
	default:
		status = exchange.OrderStatus(r.OrdStatus)
	}

	var transTime time.Time
	if t, err := time.Parse(time.RFC3339, r.TransactTime); err == nil {
		transTime = t.UTC()
	}

	category := exchange.CategoryLinear
	if inst, ok := a.instrument(r.Symbol); ok {
		category = inst.Category
	}

	return &exchange.Order{
		OrderID:   r.OrderID,
		ClOrdID:   r.ClOrdID,
		Symbol:    r.Symbol,
		Category:  category,
		Market:    Name,
		Side:      exchange.Side(r.Side),
		Qty:       decimal.NewFromFloat(r.OrderQty),
		LeavesQty: decimal.NewFromFloat(r.LeavesQty),
		Price:     decimal.NewFromFloat(r.Price),
		Status:    status,
		TransTime: transTime,
	}
}

// OpenOrders 拉取未结订单
func (a *Adapter) OpenOrders(ctx context.Context) ([]*exchange.Order, error) {
	query := url.Values{}
	query.Set("filter", `{"open":true}`)
	query.Set("count", "500")

	var raws []rawOrder
	if err := a.get(ctx, "/order", "open_orders", query, &raws); err != nil {
		return nil, err
	}

	var out []*exchange.Order
	for i := range raws {
		if order := a.normalizeOrder(&raws[i]); order != nil {
			out = append(out, order)
		}
	}
	return out, nil
}

// TradeHistory 拉取成交历史，按时间升序返回
func (a *Adapter) TradeHistory(ctx context.Context, startTime time.Time, limit int) ([]*exchange.Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	query := url.Values{}
	query.Set("count", strconv.Itoa(limit))
	query.Set("startTime", startTime.UTC().Format(time.RFC3339))
	query.Set("reverse", "false")

	var raws []rawExecution
	if err := a.get(ctx, "/execution/tradeHistory", "trade_history", query, &raws); err != nil {
		return nil, err
	}

	var out []*exchange.Execution
	for i := range raws {
		if exec := a.normalizeExecution(&raws[i]); exec != nil {
			out = append(out, exec)
		}
	}
	return out, nil
}

// binSizes 支持的K线周期
var binSizes = map[int]string{
	1:    "1m",
	5:    "5m",
	60:   "1h",
	1440: "1d",
}

// Klines 拉取K线（trade/bucketed）
func (a *Adapter) Klines(ctx context.Context, symbol string, category exchange.Category, timeframe, limit int) ([]*exchange.Kline, error) {
	binSize, ok := binSizes[timeframe]
	if !ok {
		return nil, fmt.Errorf("不支持的K线周期: %d 分钟", timeframe)
	}

	query := url.Values{}
	query.Set("binSize", binSize)
	query.Set("symbol", symbol)
	query.Set("count", strconv.Itoa(limit))
	query.Set("reverse", "false")
	query.Set("partial", "true")

	var raws []struct {
		Timestamp string  `json:"timestamp"`
		Open      float64 `json:"open"`
		High      float64 `json:"high"`
		Low       float64 `json:"low"`
		Close     float64 `json:"close"`
		Volume    float64 `json:"volume"`
	}
	if err := a.get(ctx, "/trade/bucketed", "klines", query, &raws); err != nil {
		return nil, err
	}

	out := make([]*exchange.Kline, 0, len(raws))
	for i, r := range raws {
		t, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			continue
		}
		out = append(out, &exchange.Kline{
			Symbol:    symbol,
			Category:  category,
			Timeframe: timeframe,
			OpenTime:  t.UTC(),
			Open:      decimal.NewFromFloat(r.Open),
			High:      decimal.NewFromFloat(r.High),
			Low:       decimal.NewFromFloat(r.Low),
			Close:     decimal.NewFromFloat(r.Close),
			Volume:    decimal.NewFromFloat(r.Volume),
			Confirmed: i < len(raws)-1,
		})
	}
	return out, nil
}

// PlaceOrder 限价下单
func (a *Adapter) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	qty, _ := req.Qty.Float64()
	price, _ := req.Price.Float64()
	body := map[string]interface{}{
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"orderQty": qty,
		"price":    price,
		"clOrdID":  req.ClOrdID,
		"ordType":  "Limit",
	}

	var result struct {
		OrderID string `json:"orderID"`
	}
	if err := a.mutate(ctx, http.MethodPost, "/order", "order_create", nil, body, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// ReplaceOrder 改单
func (a *Adapter) ReplaceOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	body := map[string]interface{}{}
	if req.OrderID != "" {
		body["orderID"] = req.OrderID
	} else {
		body["origClOrdID"] = req.ClOrdID
	}
	if !req.Qty.IsZero() {
		qty, _ := req.Qty.Float64()
		body["orderQty"] = qty
	}
	if !req.Price.IsZero() {
		price, _ := req.Price.Float64()
		body["price"] = price
	}

	var result struct {
		OrderID string `json:"orderID"`
	}
	if err := a.mutate(ctx, http.MethodPut, "/order", "order_amend", nil, body, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// CancelOrder 撤单
func (a *Adapter) CancelOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	query := url.Values{}
	if req.OrderID != "" {
		query.Set("orderID", req.OrderID)
	} else {
		query.Set("clOrdID", req.ClOrdID)
	}

	var result []struct {
		OrderID string `json:"orderID"`
	}
	if err := a.mutate(ctx, http.MethodDelete, "/order", "order_cancel", query, nil, &result); err != nil {
		return "", err
	}
	if len(result) > 0 {
		return result[0].OrderID, nil
	}
	return req.OrderID, nil
}
