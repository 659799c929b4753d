package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradelink/errcode"
)

func newTestPipeline(t *testing.T, serverURL string, level *errcode.Level, rules []SubstringRule, timeout time.Duration) *Pipeline {
	t.Helper()
	return NewPipeline(Options{
		Exchange:   "Test",
		BaseURL:    serverURL,
		Classifier: &HTTPClassifier{Rules: rules},
		Level:      level,
		Timeout:    timeout,
		MaxRetry:   3,
		RatePerSec: 1000,
		RateBurst:  1000,
	})
}

func TestDuplicateClOrdIDFailsWithoutRetry(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Duplicate clOrdID"}}`))
	}))
	defer server.Close()

	level := &errcode.Level{}
	rules := []SubstringRule{
		{Match: "duplicate clordid", Disposition: Disposition{
			Decision: DecisionFail, Severity: errcode.SeverityReconnect, Reason: "duplicate_clordid",
		}},
	}
	p := newTestPipeline(t, server.URL, level, rules, 0)

	_, err := p.Do(context.Background(), &Request{
		Method: http.MethodPost, Path: "/order", Mutating: true, Endpoint: "order_create",
	})
	if err == nil {
		t.Fatal("重复 clOrdID 应返回错误")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("应为 APIError, 得到 %T", err)
	}
	if apiErr.Reason != "duplicate_clordid" {
		t.Errorf("原因错误: %s", apiErr.Reason)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("不可恢复错误不应重试, 请求次数 %d", n)
	}
	if level.Load() != errcode.SeverityReconnect {
		t.Errorf("级别应升至 RECONNECT, 得到 %s", level.Load())
	}
}

func TestCancelNotFoundTreatedAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Not Found"}`))
	}))
	defer server.Close()

	level := &errcode.Level{}
	p := newTestPipeline(t, server.URL, level, nil, 0)

	res, err := p.Do(context.Background(), &Request{
		Method: http.MethodDelete, Path: "/order", Mutating: true, Endpoint: "order_cancel",
	})
	if err != nil {
		t.Fatalf("撤单遇 404 应按成功处理: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("状态码应保留: %d", res.StatusCode)
	}
	if level.Load() != errcode.SeverityWarn {
		t.Errorf("级别应为 WARN, 得到 %s", level.Load())
	}
	if !level.TradingAllowed() {
		t.Error("WARN 级别应允许继续交易")
	}
}

func TestRateLimitedRetriesThenSucceeds(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	level := &errcode.Level{}
	p := newTestPipeline(t, server.URL, level, nil, 0)

	res, err := p.Do(context.Background(), &Request{
		Method: http.MethodGet, Path: "/instruments", Endpoint: "instruments",
	})
	if err != nil {
		t.Fatalf("限流后重试应成功: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("状态码错误: %d", res.StatusCode)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("应请求2次, 得到 %d", n)
	}
}

func TestReadOnlyRetryBounded(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	level := &errcode.Level{}
	p := newTestPipeline(t, server.URL, level, nil, 0)

	_, err := p.Do(context.Background(), &Request{
		Method: http.MethodGet, Path: "/trades", Endpoint: "trade_history",
	})
	if err == nil {
		t.Fatal("重试耗尽应返回错误")
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Errorf("应重试至上限3次, 得到 %d", n)
	}
	if level.Load() != errcode.SeverityReconnect {
		t.Errorf("重试耗尽应升级为 RECONNECT, 得到 %s", level.Load())
	}
}

func TestMutatingTimeoutReturnsUnknownOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	level := &errcode.Level{}
	p := newTestPipeline(t, server.URL, level, nil, 50*time.Millisecond)

	_, err := p.Do(context.Background(), &Request{
		Method: http.MethodPost, Path: "/order", Mutating: true, Endpoint: "order_create",
	})
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("变更请求超时应返回 ErrUnknownOutcome, 得到 %v", err)
	}
	if level.Load() != errcode.SeverityWarn {
		t.Errorf("级别应为 WARN, 得到 %s", level.Load())
	}
}

func TestUnauthorizedEscalatesToShutdown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	level := &errcode.Level{}
	p := newTestPipeline(t, server.URL, level, nil, 0)

	_, err := p.Do(context.Background(), &Request{
		Method: http.MethodGet, Path: "/wallet", Endpoint: "wallet",
	})
	if err == nil {
		t.Fatal("401 应返回错误")
	}
	if level.Load() != errcode.SeverityShutdown {
		t.Errorf("401 应升级为 SHUTDOWN, 得到 %s", level.Load())
	}
	if level.TradingAllowed() {
		t.Error("SHUTDOWN 级别不应允许交易")
	}
}

// fatalLevelGauge 从默认注册表取指定交易所的告警级别
func fatalLevelGauge(t *testing.T, exchange string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "tradelink_fatal_level" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "exchange" && lp.GetValue() == exchange {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("指标中没有交易所 %s 的告警级别", exchange)
	return 0
}

func TestEscalationUpdatesFatalLevelGauge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	level := &errcode.Level{}
	p := NewPipeline(Options{
		Exchange:   "GaugeTest",
		BaseURL:    server.URL,
		Classifier: &HTTPClassifier{},
		Level:      level,
		MaxRetry:   3,
		RatePerSec: 1000,
		RateBurst:  1000,
	})

	if _, err := p.Do(context.Background(), &Request{
		Method: http.MethodGet, Path: "/wallet", Endpoint: "wallet",
	}); err == nil {
		t.Fatal("401 应返回错误")
	}
	if got := fatalLevelGauge(t, "GaugeTest"); got != float64(errcode.SeverityShutdown) {
		t.Errorf("告警级别指标应随升级更新为 %d, 得到 %v", errcode.SeverityShutdown, got)
	}
}

func TestExpiredRequestRetriedForMutating(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"request has expired"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	level := &errcode.Level{}
	rules := []SubstringRule{
		{Match: "request has expired", Disposition: Disposition{
			Decision: DecisionRetry, Severity: errcode.SeverityWarn, Reason: ReasonExpired,
		}},
	}
	p := newTestPipeline(t, server.URL, level, rules, 0)

	// 签名过期时请求未被执行，变更请求也可安全重发
	_, err := p.Do(context.Background(), &Request{
		Method: http.MethodPost, Path: "/order", Mutating: true, Endpoint: "order_create",
	})
	if err != nil {
		t.Fatalf("签名过期重试后应成功: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("应请求2次, 得到 %d", n)
	}
}
