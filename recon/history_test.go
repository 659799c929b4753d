package recon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/exchange"
)

func trade(execID string, ttime time.Time) *exchange.Execution {
	return &exchange.Execution{
		ExecID: execID, Market: "Bitmex", Symbol: "XBTUSD",
		Category: exchange.CategoryInverse, Side: exchange.SideBuy,
		ExecType: exchange.ExecTypeTrade,
		LastQty:  decimal.NewFromInt(100), TradeTime: ttime,
	}
}

func TestBackfillTerminatesWithoutProgress(t *testing.T) {
	db := newFakeDB()
	engine, _ := newTestEngine(t, db)

	// 历史源永远返回同一批：最新时间戳不再前进
	ttime := time.Now().Add(-time.Hour).UTC()
	ex := &fakeExchange{
		name:       "Bitmex",
		batches:    [][]*exchange.Execution{{trade("a", ttime), trade("b", ttime)}},
		repeatLast: true,
	}

	if err := engine.BackfillHistory(context.Background(), ex, 1); err != nil {
		t.Fatal(err)
	}
	if ex.historyCalls != 2 {
		t.Errorf("时间戳不前进应在一次额外迭代内终止, 实际调用 %d 次", ex.historyCalls)
	}
	if len(db.ledger) != 2 {
		t.Errorf("账本应有2条, 得到 %d", len(db.ledger))
	}
}

func TestBackfillContinuesOnCollidingTimestamps(t *testing.T) {
	db := newFakeDB()
	engine, _ := newTestEngine(t, db)

	// 同一时间戳上的两页不同成交：时间不前进但执行ID集合有新成员,
	// 不能提前终止
	ttime := time.Now().Add(-time.Hour).UTC()
	ex := &fakeExchange{
		name: "Bitmex",
		batches: [][]*exchange.Execution{
			{trade("a", ttime), trade("b", ttime)},
			{trade("c", ttime), trade("d", ttime)},
		},
		repeatLast: true,
	}

	if err := engine.BackfillHistory(context.Background(), ex, 1); err != nil {
		t.Fatal(err)
	}
	if len(db.ledger) != 4 {
		t.Errorf("撞时间戳的两页都应入账, 得到 %d 条", len(db.ledger))
	}
	if ex.historyCalls != 3 {
		t.Errorf("第二页重复后应终止, 实际调用 %d 次", ex.historyCalls)
	}
}

func TestBackfillReingestLeavesLedgerUnchanged(t *testing.T) {
	db := newFakeDB()
	engine, _ := newTestEngine(t, db)

	ttime := time.Now().Add(-time.Hour).UTC()
	ex := &fakeExchange{
		name:    "Bitmex",
		batches: [][]*exchange.Execution{{trade("a", ttime), trade("b", ttime)}},
	}
	if err := engine.BackfillHistory(context.Background(), ex, 1); err != nil {
		t.Fatal(err)
	}

	// 水位归零后重跑同一批：唯一索引去重, 行数不变
	engine.marks.marks = map[string]time.Time{}
	ex.historyCalls = 0
	if err := engine.BackfillHistory(context.Background(), ex, 1); err != nil {
		t.Fatal(err)
	}
	if len(db.ledger) != 2 {
		t.Errorf("重复摄入后账本行数应不变, 得到 %d", len(db.ledger))
	}
}

func TestBackfillAdvancesWatermark(t *testing.T) {
	db := newFakeDB()
	engine, _ := newTestEngine(t, db)

	ttime := time.Date(2026, 8, 28, 15, 30, 0, 0, time.UTC)
	ex := &fakeExchange{
		name:    "Bitmex",
		batches: [][]*exchange.Execution{{trade("a", ttime)}},
	}
	if err := engine.BackfillHistory(context.Background(), ex, 1); err != nil {
		t.Fatal(err)
	}

	mark, ok := engine.marks.Get("Bitmex")
	if !ok {
		t.Fatal("回填后应有水位")
	}
	if !mark.Equal(ttime) {
		t.Errorf("水位应推进到最新成交时间, 得到 %s", mark)
	}
}

func TestWatermarksRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.ini")

	w, err := LoadWatermarks(path)
	if err != nil {
		t.Fatal(err)
	}
	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	if err := w.Advance("Bitmex", t1); err != nil {
		t.Fatal(err)
	}
	if err := w.Advance("Bybit", t2); err != nil {
		t.Fatal(err)
	}

	// 旧时间不回退水位
	if err := w.Advance("Bitmex", t1.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadWatermarks(path)
	if err != nil {
		t.Fatal(err)
	}
	if mark, ok := reloaded.Get("Bitmex"); !ok || !mark.Equal(t1) {
		t.Errorf("Bitmex 水位应为 %s, 得到 %s", t1, mark)
	}
	if mark, ok := reloaded.Get("Bybit"); !ok || !mark.Equal(t2) {
		t.Errorf("Bybit 水位应为 %s, 得到 %s", t2, mark)
	}
}
