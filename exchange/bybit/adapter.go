package bybit

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
const Name = "Bybit"

func init() {
	exchange.Register(Name, New)
}

// 参与快照和历史拉取的品种分类
var categories = []exchange.Category{
	exchange.CategorySpot,
	exchange.CategoryLinear,
	exchange.CategoryInverse,
	exchange.CategoryOption,
}

// Adapter Bybit V5 适配器
type Adapter struct {
	cfg      *exchange.Config
	deps     *exchange.Deps
	level    *errcode.Level
	pipeline *rest.Pipeline

	instMu      sync.RWMutex
	instruments map[instKey]*exchange.Instrument

	sessMu  sync.Mutex
	public  map[exchange.Category]*stream.Session
	private *stream.Session

	uidOnce sync.Once
	uid     int64
}

type instKey struct {
	symbol   string
	category exchange.Category
}

// New 创建适配器
func New(cfg *exchange.Config, deps *exchange.Deps) (exchange.Exchange, error) {
	level := &errcode.Level{}
	a := &Adapter{
		cfg:         cfg,
		deps:        deps,
		level:       level,
		instruments: make(map[instKey]*exchange.Instrument),
		public:      make(map[exchange.Category]*stream.Session),
	}
	a.pipeline = rest.NewPipeline(rest.Options{
		Exchange:   Name,
		BaseURL:    baseURL(cfg.Testnet),
		Signer:     &signer{apiKey: cfg.APIKey, secretKey: cfg.SecretKey},
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

// get 执行 GET 并解出 result
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

// post 执行 POST（变更请求）并解出 result
func (a *Adapter) post(ctx context.Context, path, endpoint string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	res, err := a.pipeline.Do(ctx, &rest.Request{
		Method:   http.MethodPost,
		Path:     path,
		Body:     data,
		Mutating: true,
		Endpoint: endpoint,
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return unmarshalResult(res.Body, out)
}

func unmarshalResult(body []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("响应解析失败: %w", err)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// dec 宽容地解析十进制字符串，空串和非法值归零
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
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

// Instruments 拉取全部品种定义，逐分类分页
func (a *Adapter) Instruments(ctx context.Context) ([]*exchange.Instrument, error) {
	var out []*exchange.Instrument

	for _, category := range categories {
		cursor := ""
		for {
			query := url.Values{}
			query.Set("category", string(category))
			query.Set("limit", "1000")
			if cursor != "" {
				query.Set("cursor", cursor)
			}

			var result struct {
				List           []rawInstrument `json:"list"`
				NextPageCursor string          `json:"nextPageCursor"`
			}
			if err := a.get(ctx, "/v5/market/instruments-info", "instruments", query, &result); err != nil {
				return nil, err
			}

			for i := range result.List {
				out = append(out, result.List[i].normalize(category))
			}

			if result.NextPageCursor == "" {
				break
			}
			cursor = result.NextPageCursor
		}
	}

	a.instMu.Lock()
	for _, inst := range out {
		a.instruments[instKey{inst.Symbol, inst.Category}] = inst
	}
	a.instMu.Unlock()

	return out, nil
}

type rawInstrument struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	SettleCoin   string `json:"settleCoin"`
	DeliveryTime string `json:"deliveryTime"`
	PriceFilter  struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep       string `json:"qtyStep"`
		BasePrecision string `json:"basePrecision"`
		MinOrderQty   string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
}

func (r *rawInstrument) normalize(category exchange.Category) *exchange.Instrument {
	state := exchange.InstrumentStateClosed
	if r.Status == "Trading" {
		state = exchange.InstrumentStateOpen
	}

	settl := r.SettleCoin
	if category == exchange.CategorySpot {
		settl = r.QuoteCoin
	}

	qtyStep := dec(r.LotSizeFilter.QtyStep)
	if qtyStep.IsZero() {
		qtyStep = dec(r.LotSizeFilter.BasePrecision)
	}
	tickSize := dec(r.PriceFilter.TickSize)

	var expire time.Time
	if ms, err := strconv.ParseInt(r.DeliveryTime, 10, 64); err == nil && ms > 0 {
		expire = time.UnixMilli(ms).UTC()
	}

	return &exchange.Instrument{
		Symbol:      r.Symbol,
		Category:    category,
		Market:      Name,
		State:       state,
		BaseCoin:    r.BaseCoin,
		QuoteCoin:   r.QuoteCoin,
		SettlCurr:   settl,
		Multiplier:  1,
		TickSize:    tickSize,
		MinOrderQty: dec(r.LotSizeFilter.MinOrderQty),
		QtyStep:     qtyStep,
		PricePrec:   precision(tickSize),
		QtyPrec:     precision(qtyStep),
		Expire:      expire,
	}
}

// instrument 读取缓存的品种定义
func (a *Adapter) instrument(symbol string, category exchange.Category) (*exchange.Instrument, bool) {
	a.instMu.RLock()
	defer a.instMu.RUnlock()
	inst, ok := a.instruments[instKey{symbol, category}]
	return inst, ok
}

// fetchUID 懒加载账户 ID（账本的 ACCOUNT 字段）
func (a *Adapter) fetchUID(ctx context.Context) int64 {
	a.uidOnce.Do(func() {
		var result struct {
			UserID int64 `json:"userID"`
		}
		if err := a.get(ctx, "/v5/user/query-api", "api_key_info", nil, &result); err == nil {
			a.uid = result.UserID
		}
	})
	return a.uid
}

// Wallet 拉取统一账户资金快照
func (a *Adapter) Wallet(ctx context.Context) ([]*exchange.Account, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	var result struct {
		List []struct {
			AccountType string `json:"accountType"`
			Coin        []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				Equity              string `json:"equity"`
				UnrealisedPnl       string `json:"unrealisedPnl"`
				TotalOrderIM        string `json:"totalOrderIM"`
				TotalPositionIM     string `json:"totalPositionIM"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := a.get(ctx, "/v5/account/wallet-balance", "wallet", query, &result); err != nil {
		return nil, err
	}

	uid := a.fetchUID(ctx)
	now := time.Now()
	var out []*exchange.Account
	for _, list := range result.List {
		for _, c := range list.Coin {
			out = append(out, &exchange.Account{
				Currency:        c.Coin,
				Market:          Name,
				AccountID:       uid,
				WalletBalance:   dec(c.WalletBalance),
				OrderMargin:     dec(c.TotalOrderIM),
				PositionMargin:  dec(c.TotalPositionIM),
				AvailableMargin: dec(c.AvailableToWithdraw),
				MarginBalance:   dec(c.Equity),
				UnrealisedPnl:   dec(c.UnrealisedPnl),
				Seen:            true,
				UpdatedAt:       now,
			})
		}
	}
	return out, nil
}

// positionQueries 持仓查询组合：linear 需要 settleCoin 限定
var positionQueries = []struct {
	category   exchange.Category
	settleCoin string
}{
	{exchange.CategoryLinear, "USDT"},
	{exchange.CategoryLinear, "USDC"},
	{exchange.CategoryInverse, ""},
}

// Positions 拉取合约持仓快照
func (a *Adapter) Positions(ctx context.Context) ([]*exchange.Position, error) {
	var out []*exchange.Position
	now := time.Now()

	for _, pq := range positionQueries {
		cursor := ""
		for {
			query := url.Values{}
			query.Set("category", string(pq.category))
			query.Set("limit", "200")
			if pq.settleCoin != "" {
				query.Set("settleCoin", pq.settleCoin)
			}
			if cursor != "" {
				query.Set("cursor", cursor)
			}

			var result struct {
				List []struct {
					Symbol   string `json:"symbol"`
					Side     string `json:"side"`
					Size     string `json:"size"`
					AvgPrice string `json:"avgPrice"`
				} `json:"list"`
				NextPageCursor string `json:"nextPageCursor"`
			}
			if err := a.get(ctx, "/v5/position/list", "positions", query, &result); err != nil {
				return nil, err
			}

			for _, p := range result.List {
				size := dec(p.Size)
				if p.Side == "Sell" {
					size = size.Neg()
				}
				out = append(out, &exchange.Position{
					Symbol:    p.Symbol,
					Category:  pq.category,
					Market:    Name,
					Size:      size,
					AvgPrice:  dec(p.AvgPrice),
					UpdatedAt: now,
				})
			}

			if result.NextPageCursor == "" {
				break
			}
			cursor = result.NextPageCursor
		}
	}
	return out, nil
}

// openOrderQueries 未结订单查询组合
var openOrderQueries = []struct {
	category   exchange.Category
	settleCoin string
}{
	{exchange.CategorySpot, ""},
	{exchange.CategoryLinear, "USDT"},
	{exchange.CategoryLinear, "USDC"},
	{exchange.CategoryInverse, ""},
}

// OpenOrders 拉取全部未结订单
func (a *Adapter) OpenOrders(ctx context.Context) ([]*exchange.Order, error) {
	var out []*exchange.Order

	for _, oq := range openOrderQueries {
		cursor := ""
		for {
			query := url.Values{}
			query.Set("category", string(oq.category))
			query.Set("limit", "50")
			if oq.settleCoin != "" {
				query.Set("settleCoin", oq.settleCoin)
			}
			if cursor != "" {
				query.Set("cursor", cursor)
			}

			var result struct {
				List           []rawOrder `json:"list"`
				NextPageCursor string     `json:"nextPageCursor"`
			}
			if err := a.get(ctx, "/v5/order/realtime", "open_orders", query, &result); err != nil {
				return nil, err
			}

			for i := range result.List {
				if order := a.normalizeOrder(&result.List[i], oq.category); order != nil {
					out = append(out, order)
				}
			}

			if result.NextPageCursor == "" {
				break
			}
			cursor = result.NextPageCursor
		}
	}
	return out, nil
}

type rawOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Qty         string `json:"qty"`
	LeavesQty   string `json:"leavesQty"`
	Price       string `json:"price"`
	OrderStatus string `json:"orderStatus"`
	Category    string `json:"category"`
	UpdatedTime string `json:"updatedTime"`
}

// normalizeOrder 归一化订单推送/快照
// 返回 nil 表示该条目只需记日志（如 Rejected）
func (a *Adapter) normalizeOrder(r *rawOrder, category exchange.Category) *exchange.Order {
	if category == "" {
		category = exchange.Category(r.Category)
	}

	var status exchange.OrderStatus
	switch r.OrderStatus {
	case "New", "Untriggered":
		// 改单成功的推送状态仍为 New：订单号已登记时归一化为 Replaced
		if a.deps.Handler != nil && a.deps.Handler.KnownOrderID(r.OrderID) {
			status = exchange.OrderStatusReplaced
		} else {
			status = exchange.OrderStatusNew
		}
	case "PartiallyFilled":
		status = exchange.OrderStatusPartiallyFilled
	case "Filled":
		status = exchange.OrderStatusFilled
	case "Cancelled", "Deactivated":
		status = exchange.OrderStatusCanceled
	case "Rejected":
		return nil
	default:
		status = exchange.OrderStatus(r.OrderStatus)
	}

	var transTime time.Time
	if ms, err := strconv.ParseInt(r.UpdatedTime, 10, 64); err == nil && ms > 0 {
		transTime = time.UnixMilli(ms).UTC()
	}

	return &exchange.Order{
		OrderID:   r.OrderID,
		ClOrdID:   r.OrderLinkID,
		Symbol:    r.Symbol,
		Category:  category,
		Market:    Name,
		Side:      exchange.Side(r.Side),
		Qty:       dec(r.Qty),
		LeavesQty: dec(r.LeavesQty),
		Price:     dec(r.Price),
		Status:    status,
		TransTime: transTime,
	}
}

// TradeHistory 拉取成交和资金费历史，按成交时间升序返回
func (a *Adapter) TradeHistory(ctx context.Context, startTime time.Time, limit int) ([]*exchange.Execution, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var out []*exchange.Execution
	for _, category := range []exchange.Category{
		exchange.CategorySpot, exchange.CategoryLinear, exchange.CategoryInverse, exchange.CategoryOption,
	} {
		query := url.Values{}
		query.Set("category", string(category))
		query.Set("startTime", strconv.FormatInt(startTime.UnixMilli(), 10))
		query.Set("limit", strconv.Itoa(limit))

		var result struct {
			List []rawExecution `json:"list"`
		}
		if err := a.get(ctx, "/v5/execution/list", "trade_history", query, &result); err != nil {
			return nil, err
		}

		for i := range result.List {
			if exec := a.normalizeExecution(&result.List[i], category); exec != nil {
				out = append(out, exec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TradeTime.Before(out[j].TradeTime) })
	return out, nil
}

// Klines 拉取K线，按时间升序返回
func (a *Adapter) Klines(ctx context.Context, symbol string, category exchange.Category, timeframe, limit int) ([]*exchange.Kline, error) {
	query := url.Values{}
	query.Set("category", string(category))
	query.Set("symbol", symbol)
	query.Set("interval", strconv.Itoa(timeframe))
	query.Set("limit", strconv.Itoa(limit))

	var result struct {
		List [][]string `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/kline", "klines", query, &result); err != nil {
		return nil, err
	}

	// 接口返回最新在前
	out := make([]*exchange.Kline, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, &exchange.Kline{
			Symbol:    symbol,
			Category:  category,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(ms).UTC(),
			Open:      dec(row[1]),
			High:      dec(row[2]),
			Low:       dec(row[3]),
			Close:     dec(row[4]),
			Volume:    dec(row[5]),
			Confirmed: true,
		})
	}
	if len(out) > 0 {
		out[len(out)-1].Confirmed = false // 最新一根尚未收盘
	}
	return out, nil
}

// PlaceOrder 限价下单
func (a *Adapter) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	body := map[string]interface{}{
		"category":    string(req.Category),
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   "Limit",
		"qty":         req.Qty.String(),
		"price":       req.Price.String(),
		"orderLinkId": req.ClOrdID,
		"timeInForce": "GTC",
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := a.post(ctx, "/v5/order/create", "order_create", body, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// ReplaceOrder 改单（改价/改量）
func (a *Adapter) ReplaceOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	body := map[string]interface{}{
		"category": string(req.Category),
		"symbol":   req.Symbol,
	}
	if req.OrderID != "" {
		body["orderId"] = req.OrderID
	} else {
		body["orderLinkId"] = req.ClOrdID
	}
	if !req.Qty.IsZero() {
		body["qty"] = req.Qty.String()
	}
	if !req.Price.IsZero() {
		body["price"] = req.Price.String()
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := a.post(ctx, "/v5/order/amend", "order_amend", body, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// CancelOrder 撤单
func (a *Adapter) CancelOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	body := map[string]interface{}{
		"category": string(req.Category),
		"symbol":   req.Symbol,
	}
	if req.OrderID != "" {
		body["orderId"] = req.OrderID
	} else {
		body["orderLinkId"] = req.ClOrdID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := a.post(ctx, "/v5/order/cancel", "order_cancel", body, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}
