package bitmex

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/exchange"
	"tradelink/logger"
)

type rawExecution struct {
	ExecID          string  `json:"execID"`
	OrderID         string  `json:"orderID"`
	ClOrdID         string  `json:"clOrdID"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	ExecType        string  `json:"execType"`
	LastQty         float64 `json:"lastQty"`
	LastPx          float64 `json:"lastPx"`
	OrderQty        float64 `json:"orderQty"`
	LeavesQty       float64 `json:"leavesQty"`
	HomeNotional    float64 `json:"homeNotional"`
	ForeignNotional float64 `json:"foreignNotional"`
	ExecComm        int64   `json:"execComm"`
	SettlCurrency   string  `json:"settlCurrency"`
	OrdStatus       string  `json:"ordStatus"`
	TransactTime    string  `json:"transactTime"`
}

// normalizeExecution 把 BitMEX 成交回报归一化为账本可摄入的形态
// 金额字段以结算货币最小单位返回，统一换算；
// 现金流取合约名义价值（反向合约为基础货币名义，线性为计价货币名义）
func (a *Adapter) normalizeExecution(r *rawExecution) *exchange.Execution {
	var tradeTime time.Time
	if t, err := time.Parse(time.RFC3339, r.TransactTime); err == nil {
		tradeTime = t.UTC()
	}

	inst, _ := a.instrument(r.Symbol)
	category := exchange.CategoryLinear
	if inst != nil {
		category = inst.Category
	}

	scale := currencyScale(r.SettlCurrency)
	currency := settleSymbol(r.SettlCurrency)
	qty := decimal.NewFromFloat(r.LastQty)
	price := decimal.NewFromFloat(r.LastPx)

	exec := &exchange.Execution{
		ExecID:    r.ExecID,
		OrderID:   r.OrderID,
		ClOrdID:   r.ClOrdID,
		Symbol:    r.Symbol,
		Category:  category,
		Market:    Name,
		Currency:  currency,
		LastQty:   qty,
		LeavesQty: decimal.NewFromFloat(r.LeavesQty),
		LastPrice: price,
		Price:     price,
		OrderQty:  decimal.NewFromFloat(r.OrderQty),
		TradeTime: tradeTime,
		FeeCurr:   currency,
	}

	switch r.ExecType {
	case "Trade":
		exec.ExecType = exchange.ExecTypeTrade
		exec.Side = exchange.Side(r.Side)

		notional := r.ForeignNotional
		if category == exchange.CategoryInverse {
			notional = r.HomeNotional
		}
		flow := decimal.NewFromFloat(math.Abs(notional))
		if exec.Side == exchange.SideBuy {
			flow = flow.Neg()
		}
		exec.SumReal = flow
		exec.Commission = decimal.New(r.ExecComm, 0).Div(scale)

	case "Funding":
		exec.ExecType = exchange.ExecTypeFunding
		exec.Side = exchange.SideFund
		if r.Side == "Sell" {
			exec.LastQty = qty.Neg()
		}
		exec.SumReal = decimal.New(r.ExecComm, 0).Div(scale).Neg()
		exec.Commission = decimal.Zero

	case "Settlement":
		exec.ExecType = exchange.ExecTypeSettlement
		exec.Side = exchange.SideFund
		exec.SumReal = decimal.New(r.ExecComm, 0).Div(scale).Neg()
		exec.Commission = decimal.Zero

	default:
		// New/Canceled/Replaced 等订单生命周期回报不进账本
		logger.Debug("跳过不参与账本的回报类型: %s %s", r.ExecType, r.ExecID)
		return nil
	}

	return exec
}
