package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tradelink/exchange"
	"tradelink/registry"
)

func newTestServer() (*Server, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	s := &Server{
		reg:       registry.NewRegistry(),
		startedAt: time.Now(),
	}
	r := gin.New()
	s.setupRoutes(r)
	return s, r
}

func TestInstrumentsEndpoint(t *testing.T) {
	s, r := newTestServer()
	s.reg.UpsertInstrument(&exchange.Instrument{
		Symbol: "BTCUSDT", Category: exchange.CategoryLinear, Market: "Bybit",
		State: exchange.InstrumentStateOpen,
	})
	s.reg.UpsertInstrument(&exchange.Instrument{
		Symbol: "XBTUSD", Category: exchange.CategoryInverse, Market: "Bitmex",
		State: exchange.InstrumentStateOpen,
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/instruments?exchange=Bybit", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("状态码应为200, 得到 %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 {
		t.Errorf("按交易所过滤后应为1个品种, 得到 %d", resp.Count)
	}
}

func TestRobotsEndpointSpotPositionUndefined(t *testing.T) {
	s, r := newTestServer()
	s.reg.Robots.Put(&registry.Robot{
		EMI: "spotbot", Symbol: "BTCUSDT", Category: exchange.CategorySpot,
		Market: "Bybit", Status: registry.StatusWork,
		Pos: decimal.NewFromInt(1),
	})
	s.reg.Robots.Put(&registry.Robot{
		EMI: "permbot", Symbol: "XBTUSD", Category: exchange.CategoryInverse,
		Market: "Bitmex", Status: registry.StatusWork,
		Pos: decimal.NewFromInt(-3),
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/robots", nil)
	r.ServeHTTP(w, req)

	var resp struct {
		Robots []map[string]interface{} `json:"robots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Robots) != 2 {
		t.Fatalf("应有2个机器人, 得到 %d", len(resp.Robots))
	}

	for _, row := range resp.Robots {
		switch row["emi"] {
		case "spotbot":
			if row["pos"] != nil || row["pnl"] != nil {
				t.Error("现货策略的持仓和盈亏应为 null")
			}
		case "permbot":
			if row["pos"] == nil {
				t.Error("合约策略的持仓不应为 null")
			}
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, r := newTestServer()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("状态码应为200, 得到 %d", w.Code)
	}
	var resp struct {
		OrdersActive int    `json:"orders_active"`
		Uptime       string `json:"uptime"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Uptime == "" {
		t.Error("状态应包含运行时长")
	}
}
