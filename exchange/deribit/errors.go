package deribit

import (
	"encoding/json"

	"tradelink/errcode"
	"tradelink/rest"
)

// rpcCodes Deribit JSON-RPC 错误码表
// 未登记的错误码由 Table.Classify 归为 FATAL
var rpcCodes = errcode.Table{
	10004: errcode.Ignore, // order_not_found（撤单竞争）
	10009: errcode.Block,  // not_enough_funds
	10010: errcode.Ignore, // already_closed
	10028: errcode.Retry,  // too_many_requests
	10029: errcode.Cancel, // not_owner_of_order
	10040: errcode.Retry,  // retry（撮合引擎忙）
	10041: errcode.Retry,  // settlement_in_progress
	10043: errcode.Block,  // price_too_high
	10044: errcode.Block,  // price_too_low
	10066: errcode.Block,  // too_many_open_orders
	11029: errcode.Block,  // invalid_arguments
	11044: errcode.Ignore, // not_open_order（改单竞争）
	13004: errcode.Fatal,  // invalid_credentials
	13009: errcode.Fatal,  // unauthorized
	13777: errcode.Retry,  // temporarily_unavailable

	-32602: errcode.Block, // invalid params
}

// 凭证类错误升级为 SHUTDOWN
var credentialCodes = map[int]bool{
	13004: true,
	13009: true,
}

// classifier Deribit 的错误以 JSON-RPC error 对象返回，
// HTTP 状态码（通常 400）不承载语义，以 error.code 为准
type classifier struct {
	http rest.HTTPClassifier
}

func (c *classifier) Classify(req *rest.Request, status int, body []byte) rest.Disposition {
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		// 没有 RPC 错误对象时按通用 HTTP 规则处理
		return c.http.Classify(req, status, body)
	}

	category := rpcCodes.Classify(env.Error.Code)
	switch category {
	case errcode.Retry:
		reason := "retryable"
		if env.Error.Code == 10028 {
			reason = rest.ReasonRateLimited
		}
		return rest.Disposition{Decision: rest.DecisionRetry, Severity: errcode.SeverityWarn, Reason: reason}
	case errcode.Ignore:
		return rest.Disposition{Decision: rest.DecisionOK, Severity: errcode.SeverityWarn, Reason: rest.ReasonAlreadyGone}
	case errcode.Block:
		return rest.Disposition{Decision: rest.DecisionFail, Severity: errcode.SeverityBlock, Reason: env.Error.Message}
	case errcode.Cancel:
		return rest.Disposition{Decision: rest.DecisionFail, Severity: errcode.SeverityCancel, Reason: env.Error.Message}
	default:
		severity := errcode.SeverityReconnect
		if credentialCodes[env.Error.Code] {
			severity = errcode.SeverityShutdown
		}
		return rest.Disposition{Decision: rest.DecisionFail, Severity: severity, Reason: env.Error.Message}
	}
}
