package bitmex

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"tradelink/errcode"
	"tradelink/exchange"
	"tradelink/rest"
)

func TestSignerSetsHeaders(t *testing.T) {
	s := &signer{apiKey: "test-key", secretKey: "test-secret"}

	req, _ := http.NewRequest(http.MethodDelete, "https://www.bitmex.com/api/v1/order?clOrdID=1.mybot", nil)
	if err := s.Sign(req, nil); err != nil {
		t.Fatal(err)
	}

	if req.Header.Get("api-key") != "test-key" {
		t.Error("api-key 头缺失")
	}
	if req.Header.Get("api-expires") == "" {
		t.Error("api-expires 头缺失")
	}
	if sig := req.Header.Get("api-signature"); len(sig) != 64 {
		t.Errorf("签名应为64位十六进制, 得到 %q", sig)
	}
}

func TestClassifierSubstringRules(t *testing.T) {
	c := newClassifier()

	tests := []struct {
		name     string
		method   string
		body     string
		decision rest.Decision
		severity errcode.Severity
	}{
		{"clOrdID 重复", http.MethodPost, `{"error":{"message":"Duplicate clOrdID"}}`,
			rest.DecisionFail, errcode.SeverityReconnect},
		{"余额不足", http.MethodPost, `{"error":{"message":"Account has insufficient Available Balance"}}`,
			rest.DecisionFail, errcode.SeverityReconnect},
		{"签名过期", http.MethodPost, `{"error":{"message":"Request has expired"}}`,
			rest.DecisionRetry, errcode.SeverityWarn},
		{"订单数超限", http.MethodPost, `{"error":{"message":"Too many open orders"}}`,
			rest.DecisionFail, errcode.SeverityWarn},
		{"改单遇终态", http.MethodPut, `{"error":{"message":"Invalid ordStatus"}}`,
			rest.DecisionOK, errcode.SeverityWarn},
		{"未登记的400", http.MethodPost, `{"error":{"message":"something novel"}}`,
			rest.DecisionFail, errcode.SeverityReconnect},
	}

	for _, tt := range tests {
		req := &rest.Request{Method: tt.method, Mutating: true}
		disp := c.Classify(req, http.StatusBadRequest, []byte(tt.body))
		if disp.Decision != tt.decision || disp.Severity != tt.severity {
			t.Errorf("%s: 得到 (%v, %s), 期望 (%v, %s)",
				tt.name, disp.Decision, disp.Severity, tt.decision, tt.severity)
		}
	}
}

func TestInvalidOrdStatusOnlyAppliesToPut(t *testing.T) {
	c := newClassifier()

	// 同一子串在 POST 上不是终态竞争，按未登记 400 处理
	req := &rest.Request{Method: http.MethodPost, Mutating: true}
	disp := c.Classify(req, http.StatusBadRequest, []byte(`{"error":{"message":"Invalid ordStatus"}}`))
	if disp.Decision != rest.DecisionFail {
		t.Errorf("POST 上的 invalid ordstatus 应为失败, 得到 %v", disp.Decision)
	}
}

func TestDeriveCategory(t *testing.T) {
	tests := []struct {
		raw      rawInstrument
		expected exchange.Category
	}{
		{rawInstrument{Typ: "IFXXXP"}, exchange.CategorySpot},
		{rawInstrument{Typ: "FFWCSX", IsInverse: true}, exchange.CategoryInverse},
		{rawInstrument{Typ: "FFWCSX", IsQuanto: true}, exchange.CategoryQuanto},
		{rawInstrument{Typ: "FFWCSX"}, exchange.CategoryLinear},
	}

	for _, tt := range tests {
		if got := deriveCategory(&tt.raw); got != tt.expected {
			t.Errorf("deriveCategory(%+v) = %s, want %s", tt.raw, got, tt.expected)
		}
	}
}

func TestCurrencyScale(t *testing.T) {
	// XBt 以聪计: 1e8
	v := decimal.New(50000000, 0).Div(currencyScale("XBt"))
	if !v.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("5000万聪应为0.5 BTC, 得到 %s", v)
	}
	if settleSymbol("XBt") != "BTC" {
		t.Error("XBt 应展示为 BTC")
	}
	if settleSymbol("USDt") != "USDT" {
		t.Error("USDt 应展示为 USDT")
	}
}

func TestNormalizeExecutionFundingNegation(t *testing.T) {
	ex, err := New(&exchange.Config{}, &exchange.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	a := ex.(*Adapter)

	exec := a.normalizeExecution(&rawExecution{
		ExecID: "f1", Symbol: "XBTUSD", Side: "Sell", ExecType: "Funding",
		LastQty: 100, ExecComm: 1000, SettlCurrency: "XBt",
		TransactTime: "2026-08-01T12:00:00.000Z",
	})

	if exec.Side != exchange.SideFund {
		t.Errorf("方向应为 Fund, 得到 %s", exec.Side)
	}
	if !exec.LastQty.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("空头资金费数量应为 -100, 得到 %s", exec.LastQty)
	}
	// 1000聪 = 0.00001 BTC，支付方向为负
	if !exec.SumReal.Equal(decimal.NewFromFloat(-0.00001)) {
		t.Errorf("资金费现金流应为 -0.00001, 得到 %s", exec.SumReal)
	}
}
