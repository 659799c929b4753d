package rest

import (
	"net/http"
	"strings"

	"tradelink/errcode"
)

// Decision 归类结果
type Decision int

const (
	DecisionOK    Decision = iota // 按成功处理
	DecisionRetry                 // 退避后重试
	DecisionFail                  // 放弃，按 Severity 升级
)

// 常用归类原因（指标标签）
const (
	ReasonRateLimited        = "rate_limited"
	ReasonServiceUnavailable = "service_unavailable"
	ReasonUnauthorized       = "unauthorized"
	ReasonNotFound           = "not_found"
	ReasonAlreadyGone        = "already_gone"
	ReasonExpired            = "request_expired"
	ReasonBadRequest         = "bad_request"
	ReasonServerError        = "server_error"
)

// Disposition 对一次响应的处理决定
type Disposition struct {
	Decision Decision
	Severity errcode.Severity
	Reason   string
}

// Classifier 响应归类接口
// 各交易所在通用 HTTP 规则之上叠加自己的错误码表和响应体子串规则
type Classifier interface {
	Classify(req *Request, status int, body []byte) Disposition
}

// SubstringRule 400 响应体子串规则
// Match 必须为小写，匹配时响应体会先转小写
type SubstringRule struct {
	Match       string
	Methods     []string // 限定 HTTP 方法，空表示全部
	Disposition Disposition
}

func (r *SubstringRule) applies(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// HTTPClassifier 通用 HTTP 状态码归类器
// 处理所有交易所共同的状态码语义，400 响应体交给子串规则表
type HTTPClassifier struct {
	Rules []SubstringRule
}

// Classify 按状态码归类
func (c *HTTPClassifier) Classify(req *Request, status int, body []byte) Disposition {
	switch {
	case status >= 200 && status < 300:
		return Disposition{Decision: DecisionOK}

	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		// 凭证错误：停止该交易所的交易，重试无意义
		return Disposition{Decision: DecisionFail, Severity: errcode.SeverityShutdown, Reason: ReasonUnauthorized}

	case status == http.StatusNotFound:
		// 撤单/改单遇到 404 表示订单已不在交易所（已成交或已撤销），
		// 推送流随后会带来终态，按成功处理
		if req.Mutating && (req.Method == http.MethodDelete || req.Method == http.MethodPut) {
			return Disposition{Decision: DecisionOK, Severity: errcode.SeverityWarn, Reason: ReasonAlreadyGone}
		}
		return Disposition{Decision: DecisionFail, Severity: errcode.SeverityWarn, Reason: ReasonNotFound}

	case status == http.StatusTooManyRequests:
		return Disposition{Decision: DecisionRetry, Severity: errcode.SeverityWarn, Reason: ReasonRateLimited}

	case status == http.StatusServiceUnavailable:
		// 交易所过载时请求未被处理，变更请求也可安全重发
		return Disposition{Decision: DecisionRetry, Severity: errcode.SeverityWarn, Reason: ReasonServiceUnavailable}

	case status == http.StatusBadRequest:
		lower := strings.ToLower(string(body))
		for i := range c.Rules {
			if c.Rules[i].applies(req.Method) && strings.Contains(lower, c.Rules[i].Match) {
				return c.Rules[i].Disposition
			}
		}
		// 未登记的 400 一律按不可恢复处理
		return Disposition{Decision: DecisionFail, Severity: errcode.SeverityReconnect, Reason: ReasonBadRequest}

	case status >= 500:
		return Disposition{Decision: DecisionRetry, Severity: errcode.SeverityWarn, Reason: ReasonServerError}

	default:
		return Disposition{Decision: DecisionFail, Severity: errcode.SeverityReconnect, Reason: ReasonBadRequest}
	}
}
