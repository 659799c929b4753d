package recon

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/database"
	"tradelink/errcode"
	"tradelink/exchange"
	"tradelink/registry"
)

// fakeDB 内存账本，按 EXECID 去重
type fakeDB struct {
	robots  []*database.Robot
	ledger  map[string]*database.LedgerEntry
	order   []string // 插入顺序
	nets    []*database.NetPosition
	netsErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{ledger: make(map[string]*database.LedgerEntry)}
}

func (db *fakeDB) GetRobots(ctx context.Context, market string) ([]*database.Robot, error) {
	return db.robots, nil
}
func (db *fakeDB) SaveRobot(ctx context.Context, robot *database.Robot) error { return nil }

func (db *fakeDB) InsertLedger(ctx context.Context, entry *database.LedgerEntry) (bool, error) {
	if _, ok := db.ledger[entry.ExecID]; ok {
		return false, nil
	}
	db.ledger[entry.ExecID] = entry
	db.order = append(db.order, entry.ExecID)
	return true, nil
}

func (db *fakeDB) HasExecID(ctx context.Context, execID string) (bool, error) {
	_, ok := db.ledger[execID]
	return ok, nil
}

func (db *fakeDB) GetLedger(ctx context.Context, filter *database.LedgerFilter) ([]*database.LedgerEntry, error) {
	return nil, nil
}

func (db *fakeDB) CountLedger(ctx context.Context) (int64, error) {
	return int64(len(db.ledger)), nil
}

func (db *fakeDB) NetPositions(ctx context.Context, market string, account int64) ([]*database.NetPosition, error) {
	return db.nets, db.netsErr
}

func (db *fakeDB) RobotAggregate(ctx context.Context, market, emi, category string, account int64) (*database.Aggregate, error) {
	agg := &database.Aggregate{}
	for _, entry := range db.ledger {
		if entry.EMI != emi || entry.Market != market {
			continue
		}
		if entry.Side == string(exchange.SideFund) {
			agg.SumReal = agg.SumReal.Add(entry.SumReal)
			continue
		}
		qty := entry.Qty
		if entry.Side == string(exchange.SideSell) {
			qty = qty.Neg()
		}
		agg.Pos = agg.Pos.Add(qty)
		agg.Vol = agg.Vol.Add(entry.Qty.Abs())
		agg.SumReal = agg.SumReal.Add(entry.SumReal)
		agg.Commiss = agg.Commiss.Add(entry.Commiss)
		if entry.TTime.After(agg.LTime) {
			agg.LTime = entry.TTime
		}
	}
	return agg, nil
}

func (db *fakeDB) SymbolVolume(ctx context.Context, market, symbol string, account int64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (db *fakeDB) CurrencyTotals(ctx context.Context, market, currency string, account int64) (*database.CurrencyTotals, error) {
	return &database.CurrencyTotals{}, nil
}
func (db *fakeDB) UpdateLedgerEMI(ctx context.Context, oldEMI, newEMI string) error { return nil }
func (db *fakeDB) SaveEvent(ctx context.Context, e *database.EventRecord) error     { return nil }
func (db *fakeDB) GetEvents(ctx context.Context, f *database.EventFilter) ([]*database.EventRecord, error) {
	return nil, nil
}
func (db *fakeDB) CleanupOldEvents(ctx context.Context, severity string, maxCount, maxDays int) error {
	return nil
}
func (db *fakeDB) Ping(ctx context.Context) error { return nil }
func (db *fakeDB) Close() error                   { return nil }

// fakeExchange 只实现对账用到的操作
type fakeExchange struct {
	name         string
	level        errcode.Level
	openOrders   []*exchange.Order
	batches      [][]*exchange.Execution
	historyCalls int
	repeatLast   bool // 批次耗尽后一直重复最后一批（模拟时间戳不前进）
	unsubscribed []string
}

func (f *fakeExchange) Name() string          { return f.name }
func (f *fakeExchange) Level() *errcode.Level { return &f.level }

func (f *fakeExchange) Instruments(ctx context.Context) ([]*exchange.Instrument, error) {
	return nil, nil
}
func (f *fakeExchange) Wallet(ctx context.Context) ([]*exchange.Account, error)     { return nil, nil }
func (f *fakeExchange) Positions(ctx context.Context) ([]*exchange.Position, error) { return nil, nil }
func (f *fakeExchange) OpenOrders(ctx context.Context) ([]*exchange.Order, error) {
	return f.openOrders, nil
}

func (f *fakeExchange) TradeHistory(ctx context.Context, startTime time.Time, limit int) ([]*exchange.Execution, error) {
	f.historyCalls++
	if f.historyCalls > 50 {
		panic("回填循环未终止")
	}
	idx := f.historyCalls - 1
	if idx >= len(f.batches) {
		if f.repeatLast && len(f.batches) > 0 {
			return f.batches[len(f.batches)-1], nil
		}
		return nil, nil
	}
	return f.batches[idx], nil
}

func (f *fakeExchange) Klines(ctx context.Context, symbol string, category exchange.Category, timeframe, limit int) ([]*exchange.Kline, error) {
	return nil, nil
}
func (f *fakeExchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	return "", nil
}
func (f *fakeExchange) ReplaceOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	return "", nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, req *exchange.OrderRequest) (string, error) {
	return "", nil
}
func (f *fakeExchange) StartStreams(ctx context.Context, symbols []*exchange.Instrument) error {
	return nil
}
func (f *fakeExchange) SubscribeKlines(symbol string, category exchange.Category, timeframe int) error {
	return nil
}
func (f *fakeExchange) UnsubscribeKlines(symbol string, category exchange.Category, timeframe int) error {
	f.unsubscribed = append(f.unsubscribed, fmt.Sprintf("%s.%d", symbol, timeframe))
	return nil
}
func (f *fakeExchange) StopStreams() {}

func newTestEngine(t *testing.T, db database.Database) (*Engine, *registry.Registry) {
	t.Helper()
	marks, err := LoadWatermarks(filepath.Join(t.TempDir(), "history.ini"))
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.NewRegistry()
	return NewEngine(Options{DB: db, Registry: reg, Watermarks: marks, BatchLimit: 2}), reg
}

func TestLoadRobotsSynthesizesOrphans(t *testing.T) {
	db := newFakeDB()
	db.robots = []*database.Robot{
		{EMI: "mybot", Symbol: "XBTUSD", Category: "inverse", Market: "Bitmex", Sort: 1, Timefr: 5},
	}
	db.nets = []*database.NetPosition{
		{EMI: "7.BTCUSD", Symbol: "XBTUSD", Category: "inverse", Pos: decimal.NewFromFloat(0.5)},
		{EMI: "ghost", Symbol: "ETHUSD", Category: "linear", Pos: decimal.NewFromInt(3)},
		{EMI: "flat", Symbol: "XBTUSD", Category: "inverse", Pos: decimal.Zero},
	}

	engine, reg := newTestEngine(t, db)
	subscribed := []*exchange.Instrument{
		{Symbol: "XBTUSD", Category: exchange.CategoryInverse, Market: "Bitmex"},
	}
	if err := engine.LoadRobots(context.Background(), "Bitmex", subscribed, 1); err != nil {
		t.Fatal(err)
	}

	if robot, ok := reg.Robots.Get("mybot"); !ok || robot.Status != registry.StatusWork {
		t.Error("robots 表中的策略应为 WORK")
	}
	if robot, ok := reg.Robots.Get("XBTUSD"); !ok || robot.Status != registry.StatusReserved {
		t.Error("订阅品种应有 RESERVED 槽位")
	}
	if robot, ok := reg.Robots.Get("7.BTCUSD"); !ok || robot.Status != registry.StatusNotDefined {
		t.Error("订阅品种上的未知 EMI 应为 NOT DEFINED")
	}
	if robot, ok := reg.Robots.Get("ghost"); !ok || robot.Status != registry.StatusNotInList {
		t.Error("未订阅品种上的未知 EMI 应为 NOT IN LIST")
	}
	if _, ok := reg.Robots.Get("flat"); ok {
		t.Error("净持仓为零的未知 EMI 不应装载")
	}
}

func TestReconciliationNotDefinedAggregate(t *testing.T) {
	db := newFakeDB()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, row := range []struct {
		qty  float64
		side string
	}{
		{1.0, "Buy"}, {0.7, "Buy"}, {1.2, "Sell"},
	} {
		execID := fmt.Sprintf("e%d", i+1)
		db.ledger[execID] = &database.LedgerEntry{
			ExecID: execID, EMI: "7.BTCUSD", Market: "Bitmex",
			Symbol: "XBTUSD", Category: "inverse", Side: row.side,
			Qty: decimal.NewFromFloat(row.qty), TTime: base.Add(time.Duration(i) * time.Minute),
		}
	}
	db.nets = []*database.NetPosition{
		{EMI: "7.BTCUSD", Symbol: "XBTUSD", Category: "inverse", Pos: decimal.NewFromFloat(0.5)},
	}

	engine, reg := newTestEngine(t, db)
	ex := &fakeExchange{name: "Bitmex"}
	subscribed := []*exchange.Instrument{
		{Symbol: "XBTUSD", Category: exchange.CategoryInverse, Market: "Bitmex"},
	}
	if err := engine.Run(context.Background(), ex, subscribed, 1); err != nil {
		t.Fatal(err)
	}

	robot, ok := reg.Robots.Get("7.BTCUSD")
	if !ok {
		t.Fatal("对账后应存在 7.BTCUSD 条目")
	}
	if robot.Status != registry.StatusNotDefined {
		t.Errorf("状态应为 NOT DEFINED, 得到 %s", robot.Status)
	}
	if !robot.Pos.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("净持仓应为 +0.5, 得到 %s", robot.Pos)
	}
}

func TestLoadOrdersSynthesizesClOrdID(t *testing.T) {
	db := newFakeDB()
	engine, reg := newTestEngine(t, db)
	reg.Orders.SeedSequence(10)

	ex := &fakeExchange{
		name: "Bybit",
		openOrders: []*exchange.Order{
			{OrderID: "ext-1", Symbol: "BTCUSDT", Category: exchange.CategoryLinear, Market: "Bybit"},
			{OrderID: "ext-2", Symbol: "BTCUSDT", Category: exchange.CategoryLinear, Market: "Bybit"},
			{OrderID: "o-3", ClOrdID: "42.strange", Symbol: "ETHUSDT", Category: exchange.CategoryLinear, Market: "Bybit"},
		},
	}
	subscribed := []*exchange.Instrument{
		{Symbol: "BTCUSDT", Category: exchange.CategoryLinear, Market: "Bybit"},
	}
	if err := engine.LoadOrders(context.Background(), ex, subscribed); err != nil {
		t.Fatal(err)
	}

	// 外部订单拿到递增且唯一的 clOrdID
	o1, ok1 := reg.Orders.GetByOrderID("ext-1")
	o2, ok2 := reg.Orders.GetByOrderID("ext-2")
	if !ok1 || !ok2 {
		t.Fatal("外部订单应已登记")
	}
	if o1.ClOrdID == o2.ClOrdID {
		t.Error("合成的 clOrdID 必须唯一")
	}
	if o1.ClOrdID != "11.BTCUSDT" || o2.ClOrdID != "12.BTCUSDT" {
		t.Errorf("clOrdID 应从播种值递增, 得到 %s, %s", o1.ClOrdID, o2.ClOrdID)
	}

	// 未知 EMI 的订单合成 NOT DEFINED 条目
	if robot, ok := reg.Robots.Get("strange"); !ok || robot.Status != registry.StatusNotDefined {
		t.Error("未知 EMI 的未结订单应合成 NOT DEFINED 条目")
	}
}

func TestRefreshAggregatesMarksPNLToMarket(t *testing.T) {
	db := newFakeDB()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	// 买入 0.5 BTC 花费 20000 USDT
	db.ledger["p1"] = &database.LedgerEntry{
		ExecID: "p1", EMI: "mybot", Market: "Bybit",
		Symbol: "BTCUSDT", Category: "linear", Side: "Buy",
		Qty: decimal.NewFromFloat(0.5), SumReal: decimal.NewFromInt(-20000),
		TTime: base,
	}
	// 反向合约：买入 1000 张花费 0.025 BTC
	db.ledger["p2"] = &database.LedgerEntry{
		ExecID: "p2", EMI: "invbot", Market: "Bybit",
		Symbol: "BTCUSD", Category: "inverse", Side: "Buy",
		Qty: decimal.NewFromInt(1000), SumReal: decimal.NewFromFloat(-0.025),
		TTime: base,
	}

	engine, reg := newTestEngine(t, db)
	reg.UpsertInstrument(&exchange.Instrument{
		Symbol: "BTCUSDT", Category: exchange.CategoryLinear, Market: "Bybit",
		MarkPrice: decimal.NewFromInt(50000),
	})
	reg.UpsertInstrument(&exchange.Instrument{
		Symbol: "BTCUSD", Category: exchange.CategoryInverse, Market: "Bybit",
		MarkPrice: decimal.NewFromInt(50000),
	})
	reg.Robots.Put(&registry.Robot{
		EMI: "mybot", Symbol: "BTCUSDT", Category: exchange.CategoryLinear,
		Market: "Bybit", Status: registry.StatusWork,
	})
	reg.Robots.Put(&registry.Robot{
		EMI: "invbot", Symbol: "BTCUSD", Category: exchange.CategoryInverse,
		Market: "Bybit", Status: registry.StatusWork,
	})
	reg.Robots.Put(&registry.Robot{
		EMI: "nomark", Symbol: "ETHUSDT", Category: exchange.CategoryLinear,
		Market: "Bybit", Status: registry.StatusWork,
	})

	if err := engine.RefreshAggregates(context.Background(), "Bybit", 1); err != nil {
		t.Fatal(err)
	}

	// 线性合约：-20000 + 0.5 * 50000 = 5000
	robot, _ := reg.Robots.Get("mybot")
	if !robot.PNL.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("线性合约盈亏应为 5000, 得到 %s", robot.PNL)
	}
	// 反向合约：-0.025 + 1000 / 50000 = -0.005
	robot, _ = reg.Robots.Get("invbot")
	if !robot.PNL.Equal(decimal.NewFromFloat(-0.005)) {
		t.Errorf("反向合约盈亏应为 -0.005, 得到 %s", robot.PNL)
	}
	// 无标记价格时只剩已实现部分（此处为零）
	robot, _ = reg.Robots.Get("nomark")
	if !robot.PNL.IsZero() {
		t.Errorf("无标记价格时盈亏应只含已实现部分, 得到 %s", robot.PNL)
	}
}

func TestDeleteUnusedUnsubscribesKlines(t *testing.T) {
	db := newFakeDB()
	engine, reg := newTestEngine(t, db)
	ex := &fakeExchange{name: "Bybit"}

	reg.Robots.Put(&registry.Robot{
		EMI: "stale", Symbol: "SOLUSDT", Category: exchange.CategoryLinear,
		Market: "Bybit", Status: registry.StatusNotInList, Timefr: 5,
	})
	reg.Robots.Put(&registry.Robot{
		EMI: "keeper", Symbol: "BTCUSDT", Category: exchange.CategoryLinear,
		Market: "Bybit", Status: registry.StatusWork, Timefr: 15,
	})

	engine.DeleteUnused(ex, []*exchange.Instrument{
		{Symbol: "BTCUSDT", Category: exchange.CategoryLinear, Market: "Bybit"},
	})

	if _, ok := reg.Robots.Get("stale"); ok {
		t.Error("无用条目应被清理")
	}
	if len(ex.unsubscribed) != 1 || ex.unsubscribed[0] != "SOLUSDT.5" {
		t.Errorf("清理订阅过K线的条目应退订其主题, 得到 %v", ex.unsubscribed)
	}
	if _, ok := reg.Robots.Get("keeper"); !ok {
		t.Error("WORK 状态的条目不应被清理")
	}
}

func TestIngestExecutionDeduplicates(t *testing.T) {
	db := newFakeDB()
	engine, _ := newTestEngine(t, db)

	exec := &exchange.Execution{
		ExecID: "dup-1", Market: "Bybit", Symbol: "BTCUSDT",
		Category: exchange.CategoryLinear, Side: exchange.SideBuy,
		ExecType: exchange.ExecTypeTrade, ClOrdID: "5.mybot",
		LastQty: decimal.NewFromInt(1), TradeTime: time.Now(),
	}

	for i := 0; i < 2; i++ {
		if _, err := engine.IngestExecution(context.Background(), exec, 1, "stream"); err != nil {
			t.Fatal(err)
		}
	}
	if len(db.ledger) != 1 {
		t.Errorf("重复摄入后账本应只有1条, 得到 %d", len(db.ledger))
	}
	if db.ledger["dup-1"].EMI != "mybot" {
		t.Errorf("EMI 应从 clOrdID 解析, 得到 %s", db.ledger["dup-1"].EMI)
	}
}

func TestIngestExecutionFallsBackToSymbol(t *testing.T) {
	db := newFakeDB()
	engine, _ := newTestEngine(t, db)

	exec := &exchange.Execution{
		ExecID: "fund-1", Market: "Bitmex", Symbol: "XBTUSD",
		Category: exchange.CategoryInverse, Side: exchange.SideFund,
		ExecType: exchange.ExecTypeFunding, TradeTime: time.Now(),
	}
	if _, err := engine.IngestExecution(context.Background(), exec, 1, "backfill"); err != nil {
		t.Fatal(err)
	}
	if db.ledger["fund-1"].EMI != "XBTUSD" {
		t.Errorf("无 clOrdID 的记录应归到品种槽位, 得到 %s", db.ledger["fund-1"].EMI)
	}
}
