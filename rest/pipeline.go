package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"tradelink/errcode"
	"tradelink/event"
	"tradelink/logger"
	"tradelink/metrics"
)

// ErrUnknownOutcome 变更请求（下单/改单/撤单）超时，结果未知
// 调用方不能假设订单失败，必须等待推送或对账确认
var ErrUnknownOutcome = errors.New("mutating request timed out, outcome unknown")

// Request REST 请求描述
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Body     []byte
	Mutating bool   // 下单/改单/撤单等有副作用的请求
	Endpoint string // 指标标签，如 "order_create"
}

// Result REST 响应
type Result struct {
	StatusCode int
	Body       []byte
}

// Signer 请求签名接口，各交易所实现自己的 HMAC 方案
type Signer interface {
	Sign(req *http.Request, body []byte) error
}

// Pipeline 统一 REST 请求管道
// 限速、签名、执行、错误归类、退避重试和严重级别升级都在这里处理，
// 各交易所适配器只提供 Signer 和 Classifier
type Pipeline struct {
	Exchange string

	baseURL    string
	client     *http.Client
	signer     Signer
	classifier Classifier
	limiter    *rate.Limiter
	level      *errcode.Level
	pm         *metrics.PrometheusMetrics
	bus        *event.EventBus
	maxRetry   int
}

// Options 管道配置
type Options struct {
	Exchange   string
	BaseURL    string
	Signer     Signer
	Classifier Classifier
	Level      *errcode.Level
	Bus        *event.EventBus

	Timeout     time.Duration // 默认 7s
	MaxRetry    int           // 默认 3
	RatePerSec  float64       // 默认 10
	RateBurst   int           // 默认 20
}

// NewPipeline 创建 REST 管道
func NewPipeline(opts Options) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = 7 * time.Second
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 3
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}

	return &Pipeline{
		Exchange:   opts.Exchange,
		baseURL:    opts.BaseURL,
		client:     &http.Client{Timeout: opts.Timeout},
		signer:     opts.Signer,
		classifier: opts.Classifier,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
		level:      opts.Level,
		pm:         metrics.GetPrometheusMetrics(),
		bus:        opts.Bus,
		maxRetry:   opts.MaxRetry,
	}
}

// escalate 升级严重级别并同步到 fatal level 指标
func (p *Pipeline) escalate(s errcode.Severity) {
	p.level.Escalate(s)
	p.pm.SetFatalLevel(p.Exchange, int32(p.level.Load()))
}

// APIError 归类后的接口错误
type APIError struct {
	Exchange string
	Endpoint string
	Status   int
	Reason   string
	Severity errcode.Severity
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status=%d %s (%s)", e.Exchange, e.Endpoint, e.Status, e.Reason, e.Message)
}

// Do 执行请求
// 只读请求在暂时性错误上最多重试 maxRetry 次；
// 变更请求超时返回 ErrUnknownOutcome，由推送或对账确认结果
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Result, error) {
	attempt := 0
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		status, body, err := p.execute(ctx, req)
		elapsed := time.Since(start)

		if err != nil {
			if req.Mutating {
				// 超时/网络错误时订单可能已被交易所接受
				p.escalate(errcode.SeverityWarn)
				p.pm.RecordOrderUnknownOutcome(p.Exchange, req.Endpoint)
				p.pm.RecordAPICall(p.Exchange, req.Endpoint, "unknown", elapsed)
				p.publish(event.EventTypeOrderUnknown, map[string]interface{}{
					"exchange": p.Exchange,
					"endpoint": req.Endpoint,
					"error":    err.Error(),
				})
				logger.Error("❌ [%s] 变更请求超时，结果未知: %s %v", p.Exchange, req.Endpoint, err)
				return nil, fmt.Errorf("%s %s: %v: %w", p.Exchange, req.Endpoint, err, ErrUnknownOutcome)
			}

			attempt++
			p.pm.RecordAPIRetry(p.Exchange, req.Endpoint, "network")
			if attempt >= p.maxRetry {
				p.escalate(errcode.SeverityReconnect)
				p.pm.RecordAPICall(p.Exchange, req.Endpoint, "error", elapsed)
				p.publish(event.EventTypeAPIRequestFailed, map[string]interface{}{
					"exchange": p.Exchange,
					"endpoint": req.Endpoint,
					"error":    err.Error(),
				})
				return nil, fmt.Errorf("%s %s: %w", p.Exchange, req.Endpoint, err)
			}
			logger.Warn("⚠️ [%s] 请求失败，退避重试 %d/%d: %s %v", p.Exchange, attempt, p.maxRetry, req.Endpoint, err)
			if err := p.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		disp := p.classifier.Classify(req, status, body)
		if disp.Severity > errcode.SeverityNone {
			p.escalate(disp.Severity)
		}

		switch disp.Decision {
		case DecisionOK:
			p.pm.RecordAPICall(p.Exchange, req.Endpoint, "ok", elapsed)
			if disp.Reason != "" {
				logger.Warn("⚠️ [%s] %s 按成功处理: %s", p.Exchange, req.Endpoint, disp.Reason)
			}
			return &Result{StatusCode: status, Body: body}, nil

		case DecisionRetry:
			attempt++
			p.pm.RecordAPIRetry(p.Exchange, req.Endpoint, disp.Reason)
			if disp.Reason == ReasonRateLimited {
				p.pm.RecordAPIRateLimitHit(p.Exchange)
				p.publish(event.EventTypeAPIRateLimited, map[string]interface{}{
					"exchange": p.Exchange,
					"endpoint": req.Endpoint,
				})
			}
			if attempt >= p.maxRetry {
				p.escalate(errcode.SeverityReconnect)
				p.pm.RecordAPICall(p.Exchange, req.Endpoint, "error", elapsed)
				return nil, p.fail(req, status, disp, body)
			}
			logger.Warn("⚠️ [%s] %s 退避重试 %d/%d: %s", p.Exchange, req.Endpoint, attempt, p.maxRetry, disp.Reason)
			if err := p.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue

		default: // DecisionFail
			p.pm.RecordAPICall(p.Exchange, req.Endpoint, "error", elapsed)
			if disp.Severity >= errcode.SeverityShutdown {
				p.publish(event.EventTypeAPIUnauthorized, map[string]interface{}{
					"exchange": p.Exchange,
					"endpoint": req.Endpoint,
					"error":    disp.Reason,
				})
			} else {
				p.publish(event.EventTypeAPIRequestFailed, map[string]interface{}{
					"exchange": p.Exchange,
					"endpoint": req.Endpoint,
					"error":    disp.Reason,
				})
			}
			return nil, p.fail(req, status, disp, body)
		}
	}
}

// execute 单次 HTTP 请求
func (p *Pipeline) execute(ctx context.Context, req *Request) (int, []byte, error) {
	u := p.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if p.signer != nil {
		if err := p.signer.Sign(httpReq, req.Body); err != nil {
			return 0, nil, fmt.Errorf("签名失败: %w", err)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (p *Pipeline) fail(req *Request, status int, disp Disposition, body []byte) error {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	logger.Error("❌ [%s] %s 失败: status=%d %s", p.Exchange, req.Endpoint, status, disp.Reason)
	return &APIError{
		Exchange: p.Exchange,
		Endpoint: req.Endpoint,
		Status:   status,
		Reason:   disp.Reason,
		Severity: disp.Severity,
		Message:  msg,
	}
}

// backoff 指数退避，受 ctx 取消控制
func (p *Pipeline) backoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * 500 * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (p *Pipeline) publish(eventType event.EventType, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(&event.Event{Type: eventType, Data: data})
}
