package deribit

import (
	"time"

	"github.com/shopspring/decimal"

	"tradelink/exchange"
)

type rawTrade struct {
	TradeID        string  `json:"trade_id"`
	OrderID        string  `json:"order_id"`
	Label          string  `json:"label"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
	Fee            float64 `json:"fee"`
	FeeCurrency    string  `json:"fee_currency"`
	Liquidity      string  `json:"liquidity"`
	Timestamp      int64   `json:"timestamp"`
	OrderState     string  `json:"state"`
}

// normalizeTrade 把成交归一化为账本可摄入的形态
// 反向合约 amount 以计价货币计，现金流取 amount/price；
// 线性和现货取 amount*price；买入现金流为负
func (a *Adapter) normalizeTrade(r *rawTrade) *exchange.Execution {
	inst, ok := a.instrument(r.InstrumentName)
	category := exchange.CategoryLinear
	currency := r.FeeCurrency
	if ok {
		category = inst.Category
		currency = inst.SettlCurr
	}

	side := exchange.SideBuy
	if r.Direction == "sell" {
		side = exchange.SideSell
	}

	amount := decimal.NewFromFloat(r.Amount)
	price := decimal.NewFromFloat(r.Price)

	var flow decimal.Decimal
	if category == exchange.CategoryInverse {
		if !price.IsZero() {
			flow = amount.Div(price)
		}
	} else {
		flow = amount.Mul(price)
	}
	if side == exchange.SideBuy {
		flow = flow.Neg()
	}

	return &exchange.Execution{
		ExecID:     r.TradeID,
		OrderID:    r.OrderID,
		ClOrdID:    r.Label,
		Symbol:     r.InstrumentName,
		Category:   category,
		Market:     Name,
		Currency:   currency,
		Side:       side,
		ExecType:   exchange.ExecTypeTrade,
		LastQty:    amount,
		LastPrice:  price,
		Price:      price,
		SumReal:    flow,
		Commission: decimal.NewFromFloat(r.Fee),
		FeeCurr:    r.FeeCurrency,
		IsMaker:    r.Liquidity == "M",
		TradeTime:  time.UnixMilli(r.Timestamp).UTC(),
	}
}
