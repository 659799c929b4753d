package bybit

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/exchange"
	"tradelink/logger"
)

type rawExecution struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecType    string `json:"execType"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecFee     string `json:"execFee"`
	OrderQty    string `json:"orderQty"`
	LeavesQty   string `json:"leavesQty"`
	ExecTime    string `json:"execTime"`
	IsMaker     bool   `json:"isMaker"`
}

// normalizeExecution 把 Bybit 成交回报归一化为账本可摄入的形态
// 返回 nil 表示该回报类型不参与账本（如爆仓回购）
func (a *Adapter) normalizeExecution(r *rawExecution, category exchange.Category) *exchange.Execution {
	if category == "" {
		category = exchange.Category(r.Category)
	}

	qty := dec(r.ExecQty)
	price := dec(r.ExecPrice)
	fee := dec(r.ExecFee)

	var tradeTime time.Time
	if ms, err := strconv.ParseInt(r.ExecTime, 10, 64); err == nil && ms > 0 {
		tradeTime = time.UnixMilli(ms).UTC()
	}

	inst, _ := a.instrument(r.Symbol, category)
	currency := ""
	if inst != nil {
		currency = inst.SettlCurr
	}

	exec := &exchange.Execution{
		ExecID:    r.ExecID,
		OrderID:   r.OrderID,
		ClOrdID:   r.OrderLinkID,
		Symbol:    r.Symbol,
		Category:  category,
		Market:    Name,
		Currency:  currency,
		LastQty:   qty,
		LeavesQty: dec(r.LeavesQty),
		LastPrice: price,
		Price:     price,
		OrderQty:  dec(r.OrderQty),
		TradeTime: tradeTime,
		IsMaker:   r.IsMaker,
	}

	switch r.ExecType {
	case "Trade":
		exec.ExecType = exchange.ExecTypeTrade
		exec.Side = exchange.Side(r.Side)
		exec.SumReal = signedCashFlow(category, exec.Side, qty, price)
		exec.Commission = fee
		exec.FeeCurr = feeCurrency(category, exec.Side, inst, currency)

	case "Funding":
		// 资金费：方向体现在持仓符号上，现金流为 -execFee
		exec.ExecType = exchange.ExecTypeFunding
		exec.Side = exchange.SideFund
		if r.Side == "Sell" {
			exec.LastQty = qty.Neg()
		}
		exec.SumReal = fee.Neg()
		exec.Commission = decimal.Zero
		exec.FeeCurr = currency

	case "Settle":
		exec.ExecType = exchange.ExecTypeSettlement
		exec.Side = exchange.SideFund
		exec.SumReal = fee.Neg()
		exec.Commission = decimal.Zero
		exec.FeeCurr = currency

	default:
		logger.Debug("跳过不参与账本的回报类型: %s %s", r.ExecType, r.ExecID)
		return nil
	}

	return exec
}

// signedCashFlow 成交的现金流增量（结算货币计）
// 买入为支出（负），卖出为收入（正）；反向合约以币计价
func signedCashFlow(category exchange.Category, side exchange.Side, qty, price decimal.Decimal) decimal.Decimal {
	var value decimal.Decimal
	if category == exchange.CategoryInverse {
		if price.IsZero() {
			return decimal.Zero
		}
		value = qty.Div(price)
	} else {
		value = qty.Mul(price)
	}
	if side == exchange.SideBuy {
		return value.Neg()
	}
	return value
}

// feeCurrency 手续费计价货币
// 现货买入按基础货币收费，卖出按计价货币收费；合约按结算货币
func feeCurrency(category exchange.Category, side exchange.Side, inst *exchange.Instrument, settl string) string {
	if category != exchange.CategorySpot || inst == nil {
		return settl
	}
	if side == exchange.SideBuy {
		return inst.BaseCoin
	}
	return inst.QuoteCoin
}
