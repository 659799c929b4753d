package bybit

import (
	"encoding/json"

	"tradelink/errcode"
	"tradelink/rest"
)

// retCodes Bybit V5 应用级错误码表
// 未登记的错误码由 Table.Classify 归为 FATAL
var retCodes = errcode.Table{
	10001: errcode.Block,  // 参数错误
	10002: errcode.Retry,  // 请求时间戳超出 recv_window
	10003: errcode.Fatal,  // API key 无效
	10004: errcode.Fatal,  // 签名错误
	10005: errcode.Fatal,  // 权限不足
	10006: errcode.Retry,  // 访问频率超限
	10010: errcode.Fatal,  // IP 不在白名单
	10016: errcode.Retry,  // 服务器内部错误
	10018: errcode.Retry,  // 超出 IP 频率限制

	110001: errcode.Ignore, // 订单不存在或已终态（撤单竞争）
	110003: errcode.Block,  // 价格超出允许范围
	110004: errcode.Block,  // 钱包余额不足
	110007: errcode.Block,  // 可用余额不足
	110012: errcode.Block,  // 可用余额不足
	110017: errcode.Block,  // 只减仓规则拒绝
	110020: errcode.Block,  // 未结订单数量超限
	110072: errcode.Fatal,  // orderLinkId 重复
	110079: errcode.Cancel, // 订单处理中，无法操作

	170130: errcode.Block,  // 现货订单参数错误
	170131: errcode.Block,  // 现货余额不足
	170213: errcode.Ignore, // 现货订单不存在（撤单竞争）
}

// 凭证类错误：升级为 SHUTDOWN 而不是重连，重试没有意义
var credentialCodes = map[int]bool{
	10003: true,
	10004: true,
	10005: true,
	10010: true,
}

// classifier 在通用 HTTP 规则之上叠加 Bybit retCode 归类
// Bybit 的应用级错误在 2xx 响应体里，HTTP 状态码只覆盖网关层错误
type classifier struct {
	http rest.HTTPClassifier
}

func (c *classifier) Classify(req *rest.Request, status int, body []byte) rest.Disposition {
	disp := c.http.Classify(req, status, body)
	if disp.Decision != rest.DecisionOK || status < 200 || status >= 300 {
		return disp
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return rest.Disposition{Decision: rest.DecisionFail, Severity: errcode.SeverityReconnect, Reason: "malformed_response"}
	}
	if env.RetCode == 0 {
		return rest.Disposition{Decision: rest.DecisionOK}
	}

	category := retCodes.Classify(env.RetCode)
	switch category {
	case errcode.Retry:
		reason := "retryable"
		if env.RetCode == 10006 || env.RetCode == 10018 {
			reason = rest.ReasonRateLimited
		}
		return rest.Disposition{Decision: rest.DecisionRetry, Severity: errcode.SeverityWarn, Reason: reason}
	case errcode.Ignore:
		return rest.Disposition{Decision: rest.DecisionOK, Severity: errcode.SeverityWarn, Reason: rest.ReasonAlreadyGone}
	case errcode.Block:
		return rest.Disposition{Decision: rest.DecisionFail, Severity: errcode.SeverityBlock, Reason: env.RetMsg}
	case errcode.Cancel:
		return rest.Disposition{Decision: rest.DecisionFail, Severity: errcode.SeverityCancel, Reason: env.RetMsg}
	default:
		severity := errcode.SeverityReconnect
		if credentialCodes[env.RetCode] {
			severity = errcode.SeverityShutdown
		}
		return rest.Disposition{Decision: rest.DecisionFail, Severity: severity, Reason: env.RetMsg}
	}
}
