package deribit

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"tradelink/errcode"
	"tradelink/exchange"
	"tradelink/rest"
)

func TestSignerSetsBasicAuth(t *testing.T) {
	s := &signer{clientID: "test-id", clientSecret: "test-secret"}

	req, _ := http.NewRequest(http.MethodGet, "https://www.deribit.com/api/v2/private/get_positions", nil)
	if err := s.Sign(req, nil); err != nil {
		t.Fatal(err)
	}

	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("test-id:test-secret"))
	if got := req.Header.Get("Authorization"); got != expected {
		t.Errorf("Authorization 头错误: 得到 %q", got)
	}
}

func TestSignerSkipsWithoutCredentials(t *testing.T) {
	s := &signer{}
	req, _ := http.NewRequest(http.MethodGet, "https://www.deribit.com/api/v2/public/get_instruments", nil)
	if err := s.Sign(req, nil); err != nil {
		t.Fatal(err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("无凭证时不应设置认证头")
	}
}

func TestClassifierRPCCodes(t *testing.T) {
	c := &classifier{}
	req := &rest.Request{Method: http.MethodGet, Mutating: true}

	tests := []struct {
		name     string
		body     string
		decision rest.Decision
		severity errcode.Severity
	}{
		{"限频", `{"error":{"code":10028,"message":"too_many_requests"}}`,
			rest.DecisionRetry, errcode.SeverityWarn},
		{"订单已关闭", `{"error":{"code":10010,"message":"already_closed"}}`,
			rest.DecisionOK, errcode.SeverityWarn},
		{"余额不足", `{"error":{"code":10009,"message":"not_enough_funds"}}`,
			rest.DecisionFail, errcode.SeverityBlock},
		{"凭证无效", `{"error":{"code":13004,"message":"invalid_credentials"}}`,
			rest.DecisionFail, errcode.SeverityShutdown},
		{"未登记错误码", `{"error":{"code":99999,"message":"novel"}}`,
			rest.DecisionFail, errcode.SeverityReconnect},
	}

	for _, tt := range tests {
		disp := c.Classify(req, http.StatusBadRequest, []byte(tt.body))
		if disp.Decision != tt.decision || disp.Severity != tt.severity {
			t.Errorf("%s: 得到 (%v, %s), 期望 (%v, %s)",
				tt.name, disp.Decision, disp.Severity, tt.decision, tt.severity)
		}
	}
}

func TestClassifierFallsBackToHTTPRules(t *testing.T) {
	c := &classifier{}
	req := &rest.Request{Method: http.MethodGet}

	// 无 RPC 错误对象时按通用 HTTP 规则处理
	disp := c.Classify(req, http.StatusTooManyRequests, []byte("slow down"))
	if disp.Decision != rest.DecisionRetry {
		t.Errorf("429 应重试, 得到 %v", disp.Decision)
	}
}

func TestDeriveCategory(t *testing.T) {
	tests := []struct {
		raw      rawInstrument
		expected exchange.Category
	}{
		{rawInstrument{Kind: "spot", BaseCurrency: "BTC", QuoteCurrency: "USDC"}, exchange.CategorySpot},
		{rawInstrument{Kind: "option", SettlementPeriod: "month"}, exchange.CategoryOption},
		{rawInstrument{Kind: "future", SettlementPeriod: "perpetual",
			BaseCurrency: "BTC", SettlementCurrency: "BTC"}, exchange.CategoryInverse},
		{rawInstrument{Kind: "future", SettlementPeriod: "perpetual",
			BaseCurrency: "BTC", SettlementCurrency: "USDC"}, exchange.CategoryLinear},
		{rawInstrument{Kind: "future", SettlementPeriod: "month",
			BaseCurrency: "BTC", SettlementCurrency: "BTC"}, exchange.CategoryFuture},
		{rawInstrument{Kind: "future_combo"}, exchange.Category("")},
	}

	for _, tt := range tests {
		if got := deriveCategory(&tt.raw); got != tt.expected {
			t.Errorf("deriveCategory(%+v) = %q, want %q", tt.raw, got, tt.expected)
		}
	}
}

type fakeHandler struct {
	knownIDs map[string]bool
}

func (h *fakeHandler) OnInstrument(*exchange.Instrument) {}
func (h *fakeHandler) OnExecution(*exchange.Execution)   {}
func (h *fakeHandler) OnOrder(*exchange.Order)           {}
func (h *fakeHandler) OnAccount(*exchange.Account)       {}
func (h *fakeHandler) OnPosition(*exchange.Position)     {}
func (h *fakeHandler) OnKline(*exchange.Kline)           {}
func (h *fakeHandler) KnownOrderID(id string) bool       { return h.knownIDs[id] }

func newTestAdapter(t *testing.T, handler exchange.Handler) *Adapter {
	t.Helper()
	ex, err := New(&exchange.Config{}, &exchange.Deps{Handler: handler})
	if err != nil {
		t.Fatal(err)
	}
	return ex.(*Adapter)
}

func TestNormalizeOrderStatusMapping(t *testing.T) {
	a := newTestAdapter(t, &fakeHandler{knownIDs: map[string]bool{"known-1": true}})

	// open 且订单号已登记：改单成功
	order := a.normalizeOrder(&rawOrder{OrderID: "known-1", OrderState: "open"})
	if order.Status != exchange.OrderStatusReplaced {
		t.Errorf("已登记订单号的 open 应为 Replaced, 得到 %s", order.Status)
	}

	// open 且订单号未登记：新订单
	order = a.normalizeOrder(&rawOrder{OrderID: "fresh-1", OrderState: "open"})
	if order.Status != exchange.OrderStatusNew {
		t.Errorf("新订单号的 open 应为 New, 得到 %s", order.Status)
	}

	// 部分成交优先于改单判定
	order = a.normalizeOrder(&rawOrder{OrderID: "known-1", OrderState: "open", FilledAmount: 5})
	if order.Status != exchange.OrderStatusPartiallyFilled {
		t.Errorf("有成交量的 open 应为 PartiallyFilled, 得到 %s", order.Status)
	}

	order = a.normalizeOrder(&rawOrder{OrderID: "x", OrderState: "cancelled"})
	if order.Status != exchange.OrderStatusCanceled {
		t.Errorf("cancelled 应为 Canceled, 得到 %s", order.Status)
	}

	if a.normalizeOrder(&rawOrder{OrderID: "x", OrderState: "rejected"}) != nil {
		t.Error("rejected 只记日志, 应返回 nil")
	}
}

func TestNormalizeTradeInverseCashFlow(t *testing.T) {
	a := newTestAdapter(t, &fakeHandler{})
	a.instruments["BTC-PERPETUAL"] = &exchange.Instrument{
		Symbol:   "BTC-PERPETUAL",
		Category: exchange.CategoryInverse,
		Market:   Name,
		BaseCoin: "BTC", QuoteCoin: "USD", SettlCurr: "BTC",
	}

	// 反向合约: 1000 USD / 50000 = 0.02 BTC, 买入为负
	exec := a.normalizeTrade(&rawTrade{
		TradeID: "t1", InstrumentName: "BTC-PERPETUAL", Direction: "buy",
		Amount: 1000, Price: 50000, Fee: 0.0000025, FeeCurrency: "BTC",
		Liquidity: "M", Timestamp: 1756400000000,
	})

	if !exec.SumReal.Equal(decimal.NewFromFloat(-0.02)) {
		t.Errorf("反向合约买入现金流应为 -0.02, 得到 %s", exec.SumReal)
	}
	if exec.Currency != "BTC" {
		t.Errorf("结算货币应为 BTC, 得到 %s", exec.Currency)
	}
	if !exec.IsMaker {
		t.Error("liquidity=M 应为挂单方")
	}
}

func TestNormalizeTradeLinearCashFlow(t *testing.T) {
	a := newTestAdapter(t, &fakeHandler{})
	a.instruments["BTC_USDC"] = &exchange.Instrument{
		Symbol:   "BTC_USDC",
		Category: exchange.CategorySpot,
		Market:   Name,
		BaseCoin: "BTC", QuoteCoin: "USDC", SettlCurr: "USDC",
	}

	// 现货卖出: 0.5 * 50000 = 25000 USDC, 正向现金流
	exec := a.normalizeTrade(&rawTrade{
		TradeID: "t2", InstrumentName: "BTC_USDC", Direction: "sell",
		Amount: 0.5, Price: 50000, Fee: 2.5, FeeCurrency: "USDC",
		Timestamp: 1756400000000,
	})

	if !exec.SumReal.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("现货卖出现金流应为 25000, 得到 %s", exec.SumReal)
	}
	if exec.Side != exchange.SideSell {
		t.Errorf("方向应为 Sell, 得到 %s", exec.Side)
	}
}
