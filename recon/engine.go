package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/database"
	"tradelink/event"
	"tradelink/exchange"
	"tradelink/logger"
	"tradelink/metrics"
	"tradelink/registry"
)

// Engine 对账引擎
// 启动时和每次强制重连后运行，完成前该交易所不允许下单：
//  1. 装载机器人定义，并为订阅品种和账本孤儿合成条目
//  2. 摄入交易所未结订单，为外部订单合成 clOrdID
//  3. 从水位起回填成交/资金费历史，EXECID 去重
//  4. 从账本重算每个机器人的聚合
type Engine struct {
	db      database.Database
	reg     *registry.Registry
	marks   *Watermarks
	bus     *event.EventBus
	metrics *metrics.PrometheusMetrics

	lookback   time.Duration
	batchLimit int
}

// Options 引擎配置
type Options struct {
	DB         database.Database
	Registry   *registry.Registry
	Watermarks *Watermarks
	Bus        *event.EventBus

	// Lookback 无水位时回填的时间窗口，默认30天
	Lookback time.Duration
	// BatchLimit 单页历史条数，默认100
	BatchLimit int
}

// NewEngine 创建对账引擎
func NewEngine(opts Options) *Engine {
	if opts.Lookback <= 0 {
		opts.Lookback = 30 * 24 * time.Hour
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	return &Engine{
		db:         opts.DB,
		reg:        opts.Registry,
		marks:      opts.Watermarks,
		bus:        opts.Bus,
		metrics:    metrics.GetPrometheusMetrics(),
		lookback:   opts.Lookback,
		batchLimit: opts.BatchLimit,
	}
}

// Run 对单个交易所执行完整对账
// subscribed 为该交易所订阅的品种，account 为账本归属账户
// 任何不可恢复的拉取失败都会中止对账，调用方不得开启交易
func (e *Engine) Run(ctx context.Context, ex exchange.Exchange, subscribed []*exchange.Instrument, account int64) error {
	market := ex.Name()
	started := time.Now()

	e.publish(event.EventTypeReconStarted, map[string]interface{}{"exchange": market})
	logger.Info("🚀 [%s] 对账开始", market)

	if err := e.LoadRobots(ctx, market, subscribed, account); err != nil {
		return fmt.Errorf("机器人装载失败: %w", err)
	}
	if err := e.LoadOrders(ctx, ex, subscribed); err != nil {
		return fmt.Errorf("未结订单摄入失败: %w", err)
	}
	if err := e.BackfillHistory(ctx, ex, account); err != nil {
		return fmt.Errorf("历史回填失败: %w", err)
	}
	if err := e.RefreshAggregates(ctx, market, account); err != nil {
		return fmt.Errorf("聚合重算失败: %w", err)
	}
	e.DeleteUnused(ex, subscribed)

	elapsed := time.Since(started)
	e.metrics.RecordReconciliation(market, elapsed)
	e.publish(event.EventTypeReconCompleted, map[string]interface{}{
		"exchange": market,
		"elapsed":  elapsed.String(),
	})
	logger.Info("✅ [%s] 对账完成, 耗时 %s", market, elapsed)
	return nil
}

// LoadRobots 装载机器人表并合成保留/孤儿条目
//
// WORK      robots 表中定义的策略
// RESERVED  每个订阅品种一个，EMI 取品种名，吸收无主成交
// NOT DEFINED / NOT IN LIST 账本净持仓指向的未知 EMI，
// 按品种是否订阅区分；净持仓为零的未知 EMI 不装载
func (e *Engine) LoadRobots(ctx context.Context, market string, subscribed []*exchange.Instrument, account int64) error {
	rows, err := e.db.GetRobots(ctx, market)
	if err != nil {
		return err
	}
	for _, row := range rows {
		e.reg.Robots.Put(&registry.Robot{
			EMI:      row.EMI,
			Symbol:   row.Symbol,
			Category: exchange.Category(row.Category),
			Market:   row.Market,
			Status:   registry.StatusWork,
			Sort:     row.Sort,
			Timefr:   row.Timefr,
			Capital:  row.Capital,
		})
	}

	subscribedSymbols := make(map[string]*exchange.Instrument, len(subscribed))
	for _, inst := range subscribed {
		subscribedSymbols[inst.Symbol] = inst

		// 保留槽位与品种同名，已定义为策略的不覆盖
		if _, ok := e.reg.Robots.Get(inst.Symbol); ok {
			continue
		}
		e.reg.Robots.Put(&registry.Robot{
			EMI:      inst.Symbol,
			Symbol:   inst.Symbol,
			Category: inst.Category,
			Market:   market,
			Status:   registry.StatusReserved,
		})
	}

	nets, err := e.db.NetPositions(ctx, market, account)
	if err != nil {
		return err
	}
	orphans := 0
	for _, net := range nets {
		if _, ok := e.reg.Robots.Get(net.EMI); ok {
			continue
		}
		if net.Pos.IsZero() {
			continue
		}
		status := registry.StatusNotInList
		if _, ok := subscribedSymbols[net.Symbol]; ok {
			status = registry.StatusNotDefined
		}
		e.reg.Robots.Put(&registry.Robot{
			EMI:      net.EMI,
			Symbol:   net.Symbol,
			Category: exchange.Category(net.Category),
			Market:   market,
			Status:   status,
		})
		orphans++
		logger.Warn("⚠️ [%s] 账本中的未知策略 %s (%s), 状态 %s, 净持仓 %s",
			market, net.EMI, net.Symbol, status, net.Pos)
	}
	e.metrics.SetReconciliationOrphans(market, orphans)
	return nil
}

// LoadOrders 摄入交易所未结订单
// 无 clOrdID 的外部订单补发本地序号；指向未知 EMI 的订单合成 NOT DEFINED 条目
func (e *Engine) LoadOrders(ctx context.Context, ex exchange.Exchange, subscribed []*exchange.Instrument) error {
	orders, err := ex.OpenOrders(ctx)
	if err != nil {
		return err
	}
	market := ex.Name()

	categories := make(map[string]exchange.Category, len(subscribed))
	for _, inst := range subscribed {
		categories[inst.Symbol] = inst.Category
	}

	for _, order := range orders {
		if order.ClOrdID == "" {
			// 系统外下的单：归到品种的保留槽位
			order.ClOrdID = e.reg.Orders.NextClOrdID(order.Symbol)
			logger.Info("📋 [%s] 外部订单 %s 补发 clOrdID %s", market, order.OrderID, order.ClOrdID)
		}
		e.reg.Orders.Put(order)

		_, emi, ok := registry.ParseClOrdID(order.ClOrdID)
		if !ok || emi == "" {
			continue
		}
		if _, exists := e.reg.Robots.Get(emi); exists {
			continue
		}
		category := order.Category
		if category == "" {
			category = categories[order.Symbol]
		}
		e.reg.Robots.Put(&registry.Robot{
			EMI:      emi,
			Symbol:   order.Symbol,
			Category: category,
			Market:   market,
			Status:   registry.StatusNotDefined,
		})
		logger.Warn("⚠️ [%s] 未结订单 %s 指向未知策略 %s, 已合成 NOT DEFINED 条目",
			market, order.ClOrdID, emi)
	}
	return nil
}

// RefreshAggregates 从账本重算每个机器人的聚合
// 现货策略没有库存概念，持仓和盈亏不参与回填
func (e *Engine) RefreshAggregates(ctx context.Context, market string, account int64) error {
	for _, robot := range e.reg.Robots.ByMarket(market) {
		agg, err := e.db.RobotAggregate(ctx, market, robot.EMI, string(robot.Category), account)
		if err != nil {
			return err
		}
		pos := agg.Pos
		pnl := e.markToMarket(robot, agg)
		if robot.Category == exchange.CategorySpot {
			// 现货保持未定义
			pos = robot.Pos
			pnl = robot.PNL
		}
		e.reg.Robots.UpdateAggregates(robot.EMI, pos, agg.Vol, agg.SumReal, agg.Commiss, pnl, agg.LTime)
	}
	return nil
}

// markToMarket 已实现盈亏加上持仓按标记价格的折算
// 反向合约以币计价，折算取 Pos/MarkPrice；标记价格未知时只剩已实现部分
func (e *Engine) markToMarket(robot *registry.Robot, agg *database.Aggregate) decimal.Decimal {
	pnl := agg.SumReal
	if agg.Pos.IsZero() {
		return pnl
	}
	inst, ok := e.reg.GetInstrument(exchange.InstrumentKey{
		Symbol:   robot.Symbol,
		Category: robot.Category,
		Market:   robot.Market,
	})
	if !ok || inst.MarkPrice.IsZero() {
		return pnl
	}
	if robot.Category == exchange.CategoryInverse {
		return pnl.Add(agg.Pos.Div(inst.MarkPrice))
	}
	return pnl.Add(agg.Pos.Mul(inst.MarkPrice))
}

// DeleteUnused 清理失去存在意义的合成条目
// 只删除满足全部条件的：状态既非 WORK 也非 OFF、品种未订阅、
// 净持仓为零、且没有未结订单引用其 EMI
// 条目订阅过K线的，删除时一并退订
func (e *Engine) DeleteUnused(ex exchange.Exchange, subscribed []*exchange.Instrument) {
	market := ex.Name()

	subs := make(map[string]bool, len(subscribed))
	for _, inst := range subscribed {
		subs[inst.Symbol] = true
	}

	referenced := make(map[string]bool)
	for _, order := range e.reg.Orders.Snapshot() {
		if order.EMI != "" {
			referenced[order.EMI] = true
		}
	}

	for _, robot := range e.reg.Robots.ByMarket(market) {
		if robot.Status == registry.StatusWork || robot.Status == registry.StatusOff {
			continue
		}
		if subs[robot.Symbol] || !robot.Pos.IsZero() || referenced[robot.EMI] {
			continue
		}
		if robot.Timefr > 0 {
			if err := ex.UnsubscribeKlines(robot.Symbol, robot.Category, robot.Timefr); err != nil {
				logger.Warn("⚠️ [%s] K线退订失败 %s %dm: %v", market, robot.Symbol, robot.Timefr, err)
			}
		}
		e.reg.Robots.Remove(robot.EMI)
		logger.Info("🧹 [%s] 清理无用策略条目 %s", market, robot.EMI)
	}
}

// IngestExecution 把归一化成交写入账本，EXECID 去重
// 对账回填和行情推送的成交回调共用此入口
func (e *Engine) IngestExecution(ctx context.Context, exec *exchange.Execution, account int64, source string) (bool, error) {
	entry := toLedgerEntry(exec, account)
	inserted, err := e.db.InsertLedger(ctx, entry)
	if err != nil {
		return false, err
	}
	if !inserted {
		e.metrics.RecordLedgerDuplicate(exec.Market, source)
		return false, nil
	}
	e.metrics.RecordLedgerInsert(exec.Market, source)

	eventType := event.EventTypeTradeIngested
	if exec.ExecType == exchange.ExecTypeFunding || exec.ExecType == exchange.ExecTypeSettlement {
		eventType = event.EventTypeFundingIngested
	}
	e.publish(eventType, map[string]interface{}{
		"exchange": exec.Market,
		"symbol":   exec.Symbol,
		"emi":      entry.EMI,
		"qty":      exec.LastQty.String(),
		"price":    exec.LastPrice.String(),
	})
	return true, nil
}

// toLedgerEntry 成交到账本记录的映射
// clOrdID 解析不出 EMI 的记录（外部成交、资金费）归到品种的保留槽位
func toLedgerEntry(exec *exchange.Execution, account int64) *database.LedgerEntry {
	emi := exec.Symbol
	if _, parsed, ok := registry.ParseClOrdID(exec.ClOrdID); ok && parsed != "" {
		emi = parsed
	}
	return &database.LedgerEntry{
		ExecID:     exec.ExecID,
		EMI:        emi,
		Refer:      exec.OrderID,
		Market:     exec.Market,
		Currency:   exec.Currency,
		Symbol:     exec.Symbol,
		Category:   string(exec.Category),
		Side:       string(exec.Side),
		Qty:        exec.LastQty,
		QtyRest:    exec.LeavesQty,
		Price:      exec.Price,
		TradePrice: exec.LastPrice,
		SumReal:    exec.SumReal,
		Commiss:    exec.Commission,
		TTime:      exec.TradeTime,
		ClOrdID:    exec.ClOrdID,
		Account:    account,
	}
}

func (e *Engine) publish(eventType event.EventType, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&event.Event{Type: eventType, Data: data})
}
