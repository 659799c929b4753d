package bitmex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/exchange"
	"tradelink/logger"
	"tradelink/stream"
)

// StartStreams 建立推送会话：公共行情和私有数据共用一条连接
func (a *Adapter) StartStreams(ctx context.Context, symbols []*exchange.Instrument) error {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()

	topics := make([]string, 0, 2*len(symbols)+4)
	for _, inst := range symbols {
		topics = append(topics, "instrument:"+inst.Symbol, "orderBook10:"+inst.Symbol)
	}
	if a.cfg.APIKey != "" {
		topics = append(topics, "execution", "order", "margin", "position")
	}

	a.session = stream.NewSession(stream.Options{
		Exchange:     Name,
		StreamType:   "realtime",
		URL:          streamURL(a.cfg.Testnet),
		PingInterval: a.cfg.PingInterval,
		Bus:          a.deps.Bus,
		Hooks: stream.Hooks{
			OnOpen: func(s *stream.Session) error {
				if a.cfg.APIKey == "" {
					return nil
				}
				return s.SendJSON(map[string]interface{}{
					"op":   "authKeyExpires",
					"args": wsAuthArgs(a.cfg.APIKey, a.cfg.SecretKey),
				})
			},
			Subscribe: func(s *stream.Session, topics []string) error {
				return s.SendJSON(map[string]interface{}{"op": "subscribe", "args": topics})
			},
			Unsubscribe: func(s *stream.Session, topics []string) error {
				return s.SendJSON(map[string]interface{}{"op": "unsubscribe", "args": topics})
			},
			Ping:      func(s *stream.Session) error { return s.Send([]byte("ping")) },
			IsPong:    func(msg []byte) bool { return bytes.Equal(msg, []byte("pong")) },
			OnMessage: a.handleMessage,
		},
	})
	if err := a.session.Subscribe(topics...); err != nil {
		return err
	}
	a.session.Start()
	return nil
}

// StopStreams 关闭推送会话
func (a *Adapter) StopStreams() {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	if a.session != nil {
		a.session.Close()
		a.session = nil
	}
}

// SubscribeKlines 订阅K线推送（tradeBin 主题）
func (a *Adapter) SubscribeKlines(symbol string, category exchange.Category, timeframe int) error {
	binSize, ok := binSizes[timeframe]
	if !ok {
		return fmt.Errorf("不支持的K线周期: %d 分钟", timeframe)
	}

	a.sessMu.Lock()
	session := a.session
	a.sessMu.Unlock()
	if session == nil {
		return stream.ErrNotConnected
	}
	return session.Subscribe("tradeBin" + binSize + ":" + symbol)
}

// UnsubscribeKlines 退订K线推送
func (a *Adapter) UnsubscribeKlines(symbol string, category exchange.Category, timeframe int) error {
	binSize, ok := binSizes[timeframe]
	if !ok {
		return nil
	}

	a.sessMu.Lock()
	session := a.session
	a.sessMu.Unlock()
	if session == nil {
		return nil
	}
	return session.Unsubscribe("tradeBin" + binSize + ":" + symbol)
}

type tableMessage struct {
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Success   *bool           `json:"success"`
	Error     string          `json:"error"`
	Subscribe string          `json:"subscribe"`
}

func (a *Adapter) handleMessage(msg []byte) {
	var m tableMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		logger.Warn("⚠️ [Bitmex] 推送消息解析失败: %v", err)
		return
	}

	if m.Error != "" {
		logger.Error("❌ [Bitmex] 推送错误: %s", m.Error)
		return
	}
	if m.Success != nil {
		return // 订阅/认证确认
	}

	switch {
	case m.Table == "instrument":
		a.handleInstrument(m.Data)
	case m.Table == "orderBook10":
		a.handleOrderBook(m.Data)
	case m.Table == "execution":
		a.handleExecution(m.Data)
	case m.Table == "order":
		a.handleOrder(m.Data)
	case m.Table == "margin":
		a.handleMargin(m.Data)
	case m.Table == "position":
		a.handlePosition(m.Data)
	case len(m.Table) > 8 && m.Table[:8] == "tradeBin":
		a.handleTradeBin(m.Table[8:], m.Data)
	}
}

// wsInstrument 行情增量：指针字段区分"未推送"和"推送为零"
type wsInstrument struct {
	Symbol      string   `json:"symbol"`
	State       *string  `json:"state"`
	BidPrice    *float64 `json:"bidPrice"`
	AskPrice    *float64 `json:"askPrice"`
	MarkPrice   *float64 `json:"markPrice"`
	FundingRate *float64 `json:"fundingRate"`
	Volume24h   *float64 `json:"volume24h"`
}

func (a *Adapter) handleInstrument(data json.RawMessage) {
	var rows []wsInstrument
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	for _, row := range rows {
		a.instMu.Lock()
		inst, ok := a.instruments[row.Symbol]
		if !ok {
			a.instMu.Unlock()
			continue
		}
		if row.State != nil {
			if *row.State == "Open" {
				inst.State = exchange.InstrumentStateOpen
			} else {
				inst.State = exchange.InstrumentStateClosed
			}
		}
		if row.BidPrice != nil {
			inst.Bid = decimal.NewFromFloat(*row.BidPrice)
		}
		if row.AskPrice != nil {
			inst.Ask = decimal.NewFromFloat(*row.AskPrice)
		}
		if row.MarkPrice != nil {
			inst.MarkPrice = decimal.NewFromFloat(*row.MarkPrice)
		}
		if row.FundingRate != nil {
			inst.FundingRate = decimal.NewFromFloat(*row.FundingRate)
		}
		if row.Volume24h != nil {
			inst.Volume24h = decimal.NewFromFloat(*row.Volume24h)
		}
		inst.UpdatedAt = time.Now()
		cp := *inst
		a.instMu.Unlock()

		if a.deps.Handler != nil {
			a.deps.Handler.OnInstrument(&cp)
		}
	}
}

type wsOrderBook struct {
	Symbol string       `json:"symbol"`
	Bids   [][2]float64 `json:"bids"`
	Asks   [][2]float64 `json:"asks"`
}

func bookLevels(rows [][2]float64) []exchange.PriceLevel {
	out := make([]exchange.PriceLevel, 0, len(rows))
	for _, r := range rows {
		out = append(out, exchange.PriceLevel{
			Price: decimal.NewFromFloat(r[0]),
			Size:  decimal.NewFromFloat(r[1]),
		})
	}
	return out
}

// handleOrderBook 十档全量快照，整体替换后重排（买盘降序、卖盘升序）
func (a *Adapter) handleOrderBook(data json.RawMessage) {
	var rows []wsOrderBook
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	for _, row := range rows {
		a.instMu.Lock()
		inst, ok := a.instruments[row.Symbol]
		if !ok {
			a.instMu.Unlock()
			continue
		}
		inst.Bids = bookLevels(row.Bids)
		inst.Asks = bookLevels(row.Asks)
		sort.Slice(inst.Bids, func(i, j int) bool { return inst.Bids[i].Price.GreaterThan(inst.Bids[j].Price) })
		sort.Slice(inst.Asks, func(i, j int) bool { return inst.Asks[i].Price.LessThan(inst.Asks[j].Price) })
		if len(inst.Bids) > 0 {
			inst.Bid = inst.Bids[0].Price
		}
		if len(inst.Asks) > 0 {
			inst.Ask = inst.Asks[0].Price
		}
		inst.UpdatedAt = time.Now()
		cp := *inst
		a.instMu.Unlock()

		if a.deps.Handler != nil {
			a.deps.Handler.OnInstrument(&cp)
		}
	}
}

func (a *Adapter) handleExecution(data json.RawMessage) {
	var rows []rawExecution
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for i := range rows {
		if exec := a.normalizeExecution(&rows[i]); exec != nil && a.deps.Handler != nil {
			a.deps.Handler.OnExecution(exec)
		}
	}
}

func (a *Adapter) handleOrder(data json.RawMessage) {
	var rows []rawOrder
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for i := range rows {
		order := a.normalizeOrder(&rows[i])
		if order == nil {
			logger.Warn("⚠️ [Bitmex] 订单被拒绝: %s %s", rows[i].Symbol, rows[i].ClOrdID)
			continue
		}
		if a.deps.Handler != nil {
			a.deps.Handler.OnOrder(order)
		}
	}
}

func (a *Adapter) handleMargin(data json.RawMessage) {
	var rows []struct {
		Account         int64  `json:"account"`
		Currency        string `json:"currency"`
		WalletBalance   *int64 `json:"walletBalance"`
		MarginBalance   *int64 `json:"marginBalance"`
		AvailableMargin *int64 `json:"availableMargin"`
		UnrealisedPnl   *int64 `json:"unrealisedPnl"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	now := time.Now()
	for _, row := range rows {
		// 增量推送缺少关键字段时跳过，等下一个全量
		if row.WalletBalance == nil || a.deps.Handler == nil {
			continue
		}
		scale := currencyScale(row.Currency)
		acc := &exchange.Account{
			Currency:      settleSymbol(row.Currency),
			Market:        Name,
			AccountID:     row.Account,
			WalletBalance: decimal.New(*row.WalletBalance, 0).Div(scale),
			Seen:          true,
			UpdatedAt:     now,
		}
		if row.MarginBalance != nil {
			acc.MarginBalance = decimal.New(*row.MarginBalance, 0).Div(scale)
		}
		if row.AvailableMargin != nil {
			acc.AvailableMargin = decimal.New(*row.AvailableMargin, 0).Div(scale)
		}
		if row.UnrealisedPnl != nil {
			acc.UnrealisedPnl = decimal.New(*row.UnrealisedPnl, 0).Div(scale)
		}
		a.deps.Handler.OnAccount(acc)
	}
}

func (a *Adapter) handlePosition(data json.RawMessage) {
	var rows []struct {
		Symbol        string   `json:"symbol"`
		CurrentQty    *float64 `json:"currentQty"`
		AvgEntryPrice *float64 `json:"avgEntryPrice"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	now := time.Now()
	for _, row := range rows {
		if row.CurrentQty == nil || a.deps.Handler == nil {
			continue
		}
		category := exchange.CategoryLinear
		if inst, ok := a.instrument(row.Symbol); ok {
			category = inst.Category
		}
		pos := &exchange.Position{
			Symbol:    row.Symbol,
			Category:  category,
			Market:    Name,
			Size:      decimal.NewFromFloat(*row.CurrentQty),
			UpdatedAt: now,
		}
		if row.AvgEntryPrice != nil {
			pos.AvgPrice = decimal.NewFromFloat(*row.AvgEntryPrice)
		}
		a.deps.Handler.OnPosition(pos)
	}
}

// handleTradeBin 表名后缀为 binSize（如 tradeBin5m）
func (a *Adapter) handleTradeBin(binSize string, data json.RawMessage) {
	timeframe := 0
	for tf, bs := range binSizes {
		if bs == binSize {
			timeframe = tf
			break
		}
	}
	if timeframe == 0 {
		return
	}

	var rows []struct {
		Timestamp string  `json:"timestamp"`
		Symbol    string  `json:"symbol"`
		Open      float64 `json:"open"`
		High      float64 `json:"high"`
		Low       float64 `json:"low"`
		Close     float64 `json:"close"`
		Volume    float64 `json:"volume"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	for _, row := range rows {
		t, err := time.Parse(time.RFC3339, row.Timestamp)
		if err != nil || a.deps.Handler == nil {
			continue
		}
		category := exchange.CategoryLinear
		if inst, ok := a.instrument(row.Symbol); ok {
			category = inst.Category
		}
		a.deps.Handler.OnKline(&exchange.Kline{
			Symbol:    row.Symbol,
			Category:  category,
			Timeframe: timeframe,
			OpenTime:  t.UTC(),
			Open:      decimal.NewFromFloat(row.Open),
			High:      decimal.NewFromFloat(row.High),
			Low:       decimal.NewFromFloat(row.Low),
			Close:     decimal.NewFromFloat(row.Close),
			Volume:    decimal.NewFromFloat(row.Volume),
			Confirmed: true, // tradeBin 只推已收盘的K线
		})
	}
}
