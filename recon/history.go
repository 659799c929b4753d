package recon

import (
	"context"
	"time"

	"tradelink/event"
	"tradelink/exchange"
	"tradelink/logger"
)

// BackfillHistory 从水位起回填成交/资金费历史
//
// 终止判定：单看最新时间戳不前进会在亚秒级成交撞时间戳时误判，
// 既可能提前终止也可能在同时间戳的页上打转。这里附加执行ID集合
// 比对：时间戳不前进且本批没有带来任何新执行ID时才终止。
// 水位只有在批次完整入账后才推进（至少一次 + 幂等插入）。
func (e *Engine) BackfillHistory(ctx context.Context, ex exchange.Exchange, account int64) error {
	market := ex.Name()

	start, ok := e.marks.Get(market)
	if !ok {
		start = time.Now().Add(-e.lookback).UTC()
		logger.Info("📋 [%s] 无历史水位, 从 %s 开始回填", market, start.Format(watermarkLayout))
	}

	totalRows := 0
	prevIDs := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		execs, err := ex.TradeHistory(ctx, start, e.batchLimit)
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			break
		}

		inserted := 0
		batchIDs := make(map[string]bool, len(execs))
		fresh := false
		for _, exec := range execs {
			batchIDs[exec.ExecID] = true
			if !prevIDs[exec.ExecID] {
				fresh = true
			}
			ok, err := e.IngestExecution(ctx, exec, account, "backfill")
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		totalRows += inserted

		newest := execs[len(execs)-1].TradeTime
		if err := e.marks.Advance(market, newest); err != nil {
			return err
		}

		if !newest.After(start) && !fresh {
			break
		}
		if newest.After(start) {
			start = newest
		}
		prevIDs = batchIDs

		// 不足一整页说明已追到最新
		if len(execs) < e.batchLimit {
			break
		}
	}

	if totalRows > 0 {
		e.metrics.RecordHistoryBackfill(market, totalRows)
		e.publish(event.EventTypeHistoryBackfill, map[string]interface{}{
			"exchange": market,
			"rows":     totalRows,
		})
	}
	logger.Info("✅ [%s] 历史回填完成, 新入账 %d 条", market, totalRows)
	return nil
}
