package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradelink/exchange"
	"tradelink/logger"
	"tradelink/stream"
)

// StartStreams 建立行情推送（每个分类一条公共连接）和私有推送
func (a *Adapter) StartStreams(ctx context.Context, symbols []*exchange.Instrument) error {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()

	// 按分类聚合订阅主题
	topicsByCategory := make(map[exchange.Category][]string)
	for _, inst := range symbols {
		topicsByCategory[inst.Category] = append(topicsByCategory[inst.Category],
			"tickers."+inst.Symbol, "orderbook.50."+inst.Symbol)
	}

	for category, topics := range topicsByCategory {
		cat := category
		session := stream.NewSession(stream.Options{
			Exchange:     Name,
			StreamType:   "public_" + string(cat),
			URL:          streamURL(a.cfg.Testnet, "public/"+string(cat)),
			PingInterval: a.cfg.PingInterval,
			Bus:          a.deps.Bus,
			Hooks: stream.Hooks{
				Subscribe:   subscribeOp,
				Unsubscribe: unsubscribeOp,
				Ping:        pingOp,
				IsPong:      isPong,
				OnMessage:   func(msg []byte) { a.handlePublic(cat, msg) },
			},
		})
		if err := session.Subscribe(topics...); err != nil {
			return err
		}
		session.Start()
		a.public[cat] = session
	}

	if a.cfg.APIKey != "" {
		a.private = stream.NewSession(stream.Options{
			Exchange:     Name,
			StreamType:   "private",
			URL:          streamURL(a.cfg.Testnet, "private"),
			PingInterval: a.cfg.PingInterval,
			Bus:          a.deps.Bus,
			Hooks: stream.Hooks{
				OnOpen: func(s *stream.Session) error {
					return s.SendJSON(map[string]interface{}{
						"op":   "auth",
						"args": wsAuthArgs(a.cfg.APIKey, a.cfg.SecretKey),
					})
				},
				Subscribe:   subscribeOp,
				Unsubscribe: unsubscribeOp,
				Ping:        pingOp,
				IsPong:      isPong,
				OnMessage:   a.handlePrivate,
			},
		})
		if err := a.private.Subscribe("execution", "order", "wallet", "position"); err != nil {
			return err
		}
		a.private.Start()
	}

	return nil
}

// StopStreams 关闭全部推送会话
func (a *Adapter) StopStreams() {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()

	for _, session := range a.public {
		session.Close()
	}
	a.public = make(map[exchange.Category]*stream.Session)

	if a.private != nil {
		a.private.Close()
		a.private = nil
	}
}

// SubscribeKlines 在对应分类的公共连接上订阅K线
func (a *Adapter) SubscribeKlines(symbol string, category exchange.Category, timeframe int) error {
	a.sessMu.Lock()
	session, ok := a.public[category]
	a.sessMu.Unlock()
	if !ok {
		return fmt.Errorf("分类 %s 没有活跃的公共连接", category)
	}
	return session.Subscribe(fmt.Sprintf("kline.%d.%s", timeframe, symbol))
}

// UnsubscribeKlines 退订K线推送
func (a *Adapter) UnsubscribeKlines(symbol string, category exchange.Category, timeframe int) error {
	a.sessMu.Lock()
	session, ok := a.public[category]
	a.sessMu.Unlock()
	if !ok {
		return nil
	}
	return session.Unsubscribe(fmt.Sprintf("kline.%d.%s", timeframe, symbol))
}

func subscribeOp(s *stream.Session, topics []string) error {
	return s.SendJSON(map[string]interface{}{"op": "subscribe", "args": topics})
}

func unsubscribeOp(s *stream.Session, topics []string) error {
	return s.SendJSON(map[string]interface{}{"op": "unsubscribe", "args": topics})
}

func pingOp(s *stream.Session) error {
	return s.SendJSON(map[string]interface{}{"op": "ping"})
}

func isPong(msg []byte) bool {
	return bytes.Contains(msg, []byte(`"pong"`))
}

type pushMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"` // snapshot / delta
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Data    json.RawMessage `json:"data"`
}

// handlePublic 处理公共流消息
func (a *Adapter) handlePublic(category exchange.Category, msg []byte) {
	var push pushMessage
	if err := json.Unmarshal(msg, &push); err != nil {
		logger.Warn("⚠️ [Bybit] 公共流消息解析失败: %v", err)
		return
	}

	if push.Success != nil && !*push.Success {
		logger.Error("❌ [Bybit] 操作失败: op=%s %s", push.Op, push.RetMsg)
		return
	}

	switch {
	case strings.HasPrefix(push.Topic, "tickers."):
		a.handleTicker(category, push.Data)
	case strings.HasPrefix(push.Topic, "orderbook."):
		a.handleOrderbook(category, push.Type, push.Data)
	case strings.HasPrefix(push.Topic, "kline."):
		a.handleKline(category, push.Topic, push.Data)
	}
}

type rawOrderbook struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

// mergeLevels 按增量合并价位：数量为零删除，否则更新或插入
// 返回新切片，调用方负责排序
func mergeLevels(book []exchange.PriceLevel, updates [][2]string) []exchange.PriceLevel {
	out := make([]exchange.PriceLevel, 0, len(book)+len(updates))
	out = append(out, book...)

	for _, u := range updates {
		price, size := dec(u[0]), dec(u[1])
		idx := -1
		for i := range out {
			if out[i].Price.Equal(price) {
				idx = i
				break
			}
		}
		switch {
		case size.IsZero() && idx >= 0:
			out = append(out[:idx], out[idx+1:]...)
		case idx >= 0:
			out[idx].Size = size
		case !size.IsZero():
			out = append(out, exchange.PriceLevel{Price: price, Size: size})
		}
	}
	return out
}

func levelsFromRaw(updates [][2]string) []exchange.PriceLevel {
	out := make([]exchange.PriceLevel, 0, len(updates))
	for _, u := range updates {
		if size := dec(u[1]); !size.IsZero() {
			out = append(out, exchange.PriceLevel{Price: dec(u[0]), Size: size})
		}
	}
	return out
}

// handleOrderbook 快照全量替换，增量合并后重排（买盘降序、卖盘升序）
func (a *Adapter) handleOrderbook(category exchange.Category, pushType string, data json.RawMessage) {
	var ob rawOrderbook
	if err := json.Unmarshal(data, &ob); err != nil || ob.Symbol == "" {
		return
	}

	a.instMu.Lock()
	inst, ok := a.instruments[instKey{ob.Symbol, category}]
	if !ok {
		a.instMu.Unlock()
		return
	}

	if pushType == "snapshot" {
		inst.Bids = levelsFromRaw(ob.Bids)
		inst.Asks = levelsFromRaw(ob.Asks)
	} else {
		inst.Bids = mergeLevels(inst.Bids, ob.Bids)
		inst.Asks = mergeLevels(inst.Asks, ob.Asks)
	}
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

type rawTicker struct {
	Symbol      string `json:"symbol"`
	Bid1Price   string `json:"bid1Price"`
	Ask1Price   string `json:"ask1Price"`
	MarkPrice   string `json:"markPrice"`
	FundingRate string `json:"fundingRate"`
	Volume24h   string `json:"volume24h"`
}

// handleTicker 行情增量更新：只覆盖推送里带值的字段
func (a *Adapter) handleTicker(category exchange.Category, data json.RawMessage) {
	var t rawTicker
	if err := json.Unmarshal(data, &t); err != nil || t.Symbol == "" {
		return
	}

	a.instMu.Lock()
	inst, ok := a.instruments[instKey{t.Symbol, category}]
	if !ok {
		// 行情早于品种快照到达：丢弃
		a.instMu.Unlock()
		return
	}
	if t.Bid1Price != "" {
		inst.Bid = dec(t.Bid1Price)
	}
	if t.Ask1Price != "" {
		inst.Ask = dec(t.Ask1Price)
	}
	if t.MarkPrice != "" {
		inst.MarkPrice = dec(t.MarkPrice)
	}
	if t.FundingRate != "" {
		inst.FundingRate = dec(t.FundingRate)
	}
	if t.Volume24h != "" {
		inst.Volume24h = dec(t.Volume24h)
	}
	inst.UpdatedAt = time.Now()
	cp := *inst
	a.instMu.Unlock()

	if a.deps.Handler != nil {
		a.deps.Handler.OnInstrument(&cp)
	}
}

type rawKline struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

// handleKline 主题格式 kline.{interval}.{symbol}
func (a *Adapter) handleKline(category exchange.Category, topic string, data json.RawMessage) {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 {
		return
	}
	timeframe, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}
	symbol := parts[2]

	var rows []rawKline
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	if a.deps.Handler == nil {
		return
	}
	for _, row := range rows {
		a.deps.Handler.OnKline(&exchange.Kline{
			Symbol:    symbol,
			Category:  category,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(row.Start).UTC(),
			Open:      dec(row.Open),
			High:      dec(row.High),
			Low:       dec(row.Low),
			Close:     dec(row.Close),
			Volume:    dec(row.Volume),
			Confirmed: row.Confirm,
		})
	}
}

// handlePrivate 处理私有流消息
func (a *Adapter) handlePrivate(msg []byte) {
	var push pushMessage
	if err := json.Unmarshal(msg, &push); err != nil {
		logger.Warn("⚠️ [Bybit] 私有流消息解析失败: %v", err)
		return
	}

	if push.Op == "auth" {
		if push.Success != nil && !*push.Success {
			logger.Error("❌ [Bybit] 私有流认证失败: %s", push.RetMsg)
		}
		return
	}
	if push.Success != nil && !*push.Success {
		logger.Error("❌ [Bybit] 操作失败: op=%s %s", push.Op, push.RetMsg)
		return
	}

	switch push.Topic {
	case "execution":
		a.handleExecutionPush(push.Data)
	case "order":
		a.handleOrderPush(push.Data)
	case "wallet":
		a.handleWalletPush(push.Data)
	case "position":
		a.handlePositionPush(push.Data)
	}
}

func (a *Adapter) handleExecutionPush(data json.RawMessage) {
	var rows []rawExecution
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for i := range rows {
		if exec := a.normalizeExecution(&rows[i], ""); exec != nil && a.deps.Handler != nil {
			a.deps.Handler.OnExecution(exec)
		}
	}
}

func (a *Adapter) handleOrderPush(data json.RawMessage) {
	var rows []rawOrder
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}
	for i := range rows {
		order := a.normalizeOrder(&rows[i], "")
		if order == nil {
			// Rejected 只记日志，不改变订单表
			logger.Warn("⚠️ [Bybit] 订单被拒绝: %s %s", rows[i].Symbol, rows[i].OrderLinkID)
			continue
		}
		if a.deps.Handler != nil {
			a.deps.Handler.OnOrder(order)
		}
	}
}

func (a *Adapter) handleWalletPush(data json.RawMessage) {
	var rows []struct {
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
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	now := time.Now()
	for _, row := range rows {
		for _, c := range row.Coin {
			if a.deps.Handler == nil {
				continue
			}
			a.deps.Handler.OnAccount(&exchange.Account{
				Currency:        c.Coin,
				Market:          Name,
				AccountID:       a.uid,
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
}

func (a *Adapter) handlePositionPush(data json.RawMessage) {
	var rows []struct {
		Category   string `json:"category"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Size       string `json:"size"`
		EntryPrice string `json:"entryPrice"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	now := time.Now()
	for _, row := range rows {
		size := dec(row.Size)
		if row.Side == "Sell" {
			size = size.Neg()
		}
		if a.deps.Handler == nil {
			continue
		}
		a.deps.Handler.OnPosition(&exchange.Position{
			Symbol:    row.Symbol,
			Category:  exchange.Category(row.Category),
			Market:    Name,
			Size:      size,
			AvgPrice:  dec(row.EntryPrice),
			UpdatedAt: now,
		})
	}
}
