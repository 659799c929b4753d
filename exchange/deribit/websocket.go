package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/exchange"
	"tradelink/logger"
	"tradelink/stream"
)

var rpcID atomic.Int64

// rpcRequest JSON-RPC 请求外层
func rpcRequest(method string, params interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      rpcID.Add(1),
		"method":  method,
		"params":  params,
	}
}

// StartStreams 建立推送会话：公共行情和私有数据共用一条 JSON-RPC 连接
func (a *Adapter) StartStreams(ctx context.Context, symbols []*exchange.Instrument) error {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()

	topics := make([]string, 0, len(symbols)+4)
	for _, inst := range symbols {
		topics = append(topics, "ticker."+inst.Symbol+".100ms")
	}
	if a.cfg.ClientID != "" {
		topics = append(topics,
			"user.orders.any.any.raw",
			"user.trades.any.any.raw",
			"user.portfolio.any",
			"user.changes.any.any.raw",
		)
	}

	a.session = stream.NewSession(stream.Options{
		Exchange:     Name,
		StreamType:   "jsonrpc",
		URL:          streamURL(a.cfg.Testnet),
		PingInterval: a.cfg.PingInterval,
		Bus:          a.deps.Bus,
		Hooks: stream.Hooks{
			OnOpen: func(s *stream.Session) error {
				if a.cfg.ClientID != "" {
					if err := s.SendJSON(rpcRequest("public/auth", map[string]interface{}{
						"grant_type":    "client_credentials",
						"client_id":     a.cfg.ClientID,
						"client_secret": a.cfg.SecretKey,
					})); err != nil {
						return err
					}
				}
				// 服务端心跳：超时未应答会被断开，触发重连
				return s.SendJSON(rpcRequest("public/set_heartbeat", map[string]interface{}{
					"interval": 30,
				}))
			},
			Subscribe: func(s *stream.Session, topics []string) error {
				var public, private []string
				for _, topic := range topics {
					if strings.HasPrefix(topic, "user.") {
						private = append(private, topic)
					} else {
						public = append(public, topic)
					}
				}
				if len(public) > 0 {
					if err := s.SendJSON(rpcRequest("public/subscribe", map[string]interface{}{
						"channels": public,
					})); err != nil {
						return err
					}
				}
				if len(private) > 0 {
					return s.SendJSON(rpcRequest("private/subscribe", map[string]interface{}{
						"channels": private,
					}))
				}
				return nil
			},
			Unsubscribe: func(s *stream.Session, topics []string) error {
				var public, private []string
				for _, topic := range topics {
					if strings.HasPrefix(topic, "user.") {
						private = append(private, topic)
					} else {
						public = append(public, topic)
					}
				}
				if len(public) > 0 {
					if err := s.SendJSON(rpcRequest("public/unsubscribe", map[string]interface{}{
						"channels": public,
					})); err != nil {
						return err
					}
				}
				if len(private) > 0 {
					return s.SendJSON(rpcRequest("private/unsubscribe", map[string]interface{}{
						"channels": private,
					}))
				}
				return nil
			},
			Ping: func(s *stream.Session) error {
				return s.SendJSON(rpcRequest("public/test", nil))
			},
			IsPong: func(msg []byte) bool {
				// public/test 的应答带服务端版本号
				return bytes.Contains(msg, []byte(`"version"`))
			},
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

// SubscribeKlines 订阅K线推送（chart.trades 频道）
func (a *Adapter) SubscribeKlines(symbol string, category exchange.Category, timeframe int) error {
	resolution, ok := resolutions[timeframe]
	if !ok {
		return fmt.Errorf("不支持的K线周期: %d 分钟", timeframe)
	}

	a.sessMu.Lock()
	session := a.session
	a.sessMu.Unlock()
	if session == nil {
		return stream.ErrNotConnected
	}
	return session.Subscribe("chart.trades." + symbol + "." + resolution)
}

// UnsubscribeKlines 退订K线推送
func (a *Adapter) UnsubscribeKlines(symbol string, category exchange.Category, timeframe int) error {
	resolution, ok := resolutions[timeframe]
	if !ok {
		return nil
	}

	a.sessMu.Lock()
	session := a.session
	a.sessMu.Unlock()
	if session == nil {
		return nil
	}
	return session.Unsubscribe("chart.trades." + symbol + "." + resolution)
}

type wsMessage struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params struct {
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
	Error *rpcError `json:"error"`
}

func (a *Adapter) handleMessage(msg []byte) {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		logger.Warn("⚠️ [Deribit] 推送消息解析失败: %v", err)
		return
	}

	if m.Error != nil {
		logger.Error("❌ [Deribit] 推送错误 %d: %s", m.Error.Code, m.Error.Message)
		return
	}

	switch m.Method {
	case "heartbeat":
		if m.Params.Type == "test_request" {
			a.sessMu.Lock()
			session := a.session
			a.sessMu.Unlock()
			if session != nil {
				_ = session.SendJSON(rpcRequest("public/test", nil))
			}
		}
	case "subscription":
		a.dispatch(m.Params.Channel, m.Params.Data)
	}
}

func (a *Adapter) dispatch(channel string, data json.RawMessage) {
	switch {
	case strings.HasPrefix(channel, "ticker."):
		a.handleTicker(data)
	case strings.HasPrefix(channel, "chart.trades."):
		a.handleChart(channel, data)
	case strings.HasPrefix(channel, "user.orders."):
		a.handleOrder(data)
	case strings.HasPrefix(channel, "user.trades."):
		a.handleTrades(data)
	case strings.HasPrefix(channel, "user.portfolio."):
		a.handlePortfolio(data)
	case strings.HasPrefix(channel, "user.changes."):
		a.handleChanges(data)
	}
}

// wsTicker 行情快照：指针字段区分"未推送"和"推送为零"
type wsTicker struct {
	InstrumentName string   `json:"instrument_name"`
	State          *string  `json:"state"`
	BestBidPrice   *float64 `json:"best_bid_price"`
	BestAskPrice   *float64 `json:"best_ask_price"`
	MarkPrice      *float64 `json:"mark_price"`
	CurrentFunding *float64 `json:"current_funding"`
	Stats          struct {
		Volume *float64 `json:"volume"`
	} `json:"stats"`
}

func (a *Adapter) handleTicker(data json.RawMessage) {
	var row wsTicker
	if err := json.Unmarshal(data, &row); err != nil {
		return
	}

	a.instMu.Lock()
	inst, ok := a.instruments[row.InstrumentName]
	if !ok {
		a.instMu.Unlock()
		return
	}
	if row.State != nil {
		if *row.State == "open" {
			inst.State = exchange.InstrumentStateOpen
		} else {
			inst.State = exchange.InstrumentStateClosed
		}
	}
	if row.BestBidPrice != nil {
		inst.Bid = decimal.NewFromFloat(*row.BestBidPrice)
	}
	if row.BestAskPrice != nil {
		inst.Ask = decimal.NewFromFloat(*row.BestAskPrice)
	}
	if row.MarkPrice != nil {
		inst.MarkPrice = decimal.NewFromFloat(*row.MarkPrice)
	}
	if row.CurrentFunding != nil {
		inst.FundingRate = decimal.NewFromFloat(*row.CurrentFunding)
	}
	if row.Stats.Volume != nil {
		inst.Volume24h = decimal.NewFromFloat(*row.Stats.Volume)
	}
	inst.UpdatedAt = time.Now()
	cp := *inst
	a.instMu.Unlock()

	if a.deps.Handler != nil {
		a.deps.Handler.OnInstrument(&cp)
	}
}

// handleChart 频道名形如 chart.trades.BTC-PERPETUAL.5
func (a *Adapter) handleChart(channel string, data json.RawMessage) {
	parts := strings.Split(channel, ".")
	if len(parts) != 4 {
		return
	}
	symbol := parts[2]
	timeframe := 0
	for tf, res := range resolutions {
		if res == parts[3] {
			timeframe = tf
			break
		}
	}
	if timeframe == 0 || a.deps.Handler == nil {
		return
	}

	var row struct {
		Tick   int64   `json:"tick"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return
	}

	category := exchange.CategoryLinear
	if inst, ok := a.instrument(symbol); ok {
		category = inst.Category
	}
	a.deps.Handler.OnKline(&exchange.Kline{
		Symbol:    symbol,
		Category:  category,
		Timeframe: timeframe,
		OpenTime:  time.UnixMilli(row.Tick).UTC(),
		Open:      decimal.NewFromFloat(row.Open),
		High:      decimal.NewFromFloat(row.High),
		Low:       decimal.NewFromFloat(row.Low),
		Close:     decimal.NewFromFloat(row.Close),
		Volume:    decimal.NewFromFloat(row.Volume),
		Confirmed: false, // 频道持续推送当前K线，收盘以下一根开出为准
	})
}

func (a *Adapter) handleOrder(data json.RawMessage) {
	var row rawOrder
	if err := json.Unmarshal(data, &row); err != nil {
		return
	}
	order := a.normalizeOrder(&row)
	if order == nil {
		logger.Warn("⚠️ [Deribit] 订单被拒绝: %s %s", row.InstrumentName, row.Label)
		return
	}
	if a.deps.Handler != nil {
		a.deps.Handler.OnOrder(order)
	}
}

func (a *Adapter) handleTrades(data json.RawMessage) {
	var rows []rawTrade
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for i := range rows {
		if exec := a.normalizeTrade(&rows[i]); exec != nil && a.deps.Handler != nil {
			a.deps.Handler.OnExecution(exec)
		}
	}
}

func (a *Adapter) handlePortfolio(data json.RawMessage) {
	var row struct {
		Currency       string  `json:"currency"`
		Balance        float64 `json:"balance"`
		Equity         float64 `json:"equity"`
		AvailableFunds float64 `json:"available_funds"`
		InitialMargin  float64 `json:"initial_margin"`
		SessionUpl     float64 `json:"session_upl"`
	}
	if err := json.Unmarshal(data, &row); err != nil || a.deps.Handler == nil {
		return
	}

	a.deps.Handler.OnAccount(&exchange.Account{
		Currency:        row.Currency,
		Market:          Name,
		AccountID:       a.fetchUID(context.Background()),
		WalletBalance:   decimal.NewFromFloat(row.Balance),
		PositionMargin:  decimal.NewFromFloat(row.InitialMargin),
		AvailableMargin: decimal.NewFromFloat(row.AvailableFunds),
		MarginBalance:   decimal.NewFromFloat(row.Equity),
		UnrealisedPnl:   decimal.NewFromFloat(row.SessionUpl),
		Seen:            true,
		UpdatedAt:       time.Now(),
	})
}

// handleChanges 只取持仓增量，订单和成交已有专属频道
func (a *Adapter) handleChanges(data json.RawMessage) {
	var row struct {
		Positions []rawPosition `json:"positions"`
	}
	if err := json.Unmarshal(data, &row); err != nil || a.deps.Handler == nil {
		return
	}

	now := time.Now()
	for i := range row.Positions {
		a.deps.Handler.OnPosition(a.normalizePosition(&row.Positions[i], now))
	}
}
