package bitmex

import (
	"net/http"

	"tradelink/errcode"
	"tradelink/rest"
)

// newClassifier BitMEX 的应用级错误随 HTTP 400 返回，
// 按响应体子串归类，未命中的 400 一律按不可恢复处理
func newClassifier() rest.Classifier {
	return &rest.HTTPClassifier{
		Rules: []rest.SubstringRule{
			{
				// clOrdID 重复意味着本地序号状态已经和交易所脱节
				Match: "duplicate clordid",
				Disposition: rest.Disposition{
					Decision: rest.DecisionFail, Severity: errcode.SeverityReconnect, Reason: "duplicate_clordid",
				},
			},
			{
				Match: "insufficient available balance",
				Disposition: rest.Disposition{
					Decision: rest.DecisionFail, Severity: errcode.SeverityReconnect, Reason: "insufficient_balance",
				},
			},
			{
				// 签名过期：请求未被执行，变更请求也可安全重发
				Match: "request has expired",
				Disposition: rest.Disposition{
					Decision: rest.DecisionRetry, Severity: errcode.SeverityWarn, Reason: rest.ReasonExpired,
				},
			},
			{
				Match: "too many open orders",
				Disposition: rest.Disposition{
					Decision: rest.DecisionFail, Severity: errcode.SeverityWarn, Reason: "too_many_open_orders",
				},
			},
			{
				// 改单时订单已进入终态，推送流随后带来真实状态
				Match:   "invalid ordstatus",
				Methods: []string{http.MethodPut},
				Disposition: rest.Disposition{
					Decision: rest.DecisionOK, Severity: errcode.SeverityWarn, Reason: rest.ReasonAlreadyGone,
				},
			},
			{
				Match: "invalid orderid",
				Disposition: rest.Disposition{
					Decision: rest.DecisionOK, Severity: errcode.SeverityWarn, Reason: rest.ReasonAlreadyGone,
				},
			},
			{
				Match: "unable to cancel order due to existing state",
				Disposition: rest.Disposition{
					Decision: rest.DecisionOK, Severity: errcode.SeverityWarn, Reason: rest.ReasonAlreadyGone,
				},
			},
		},
	}
}
