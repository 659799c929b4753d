package errcode

import "sync/atomic"

// Category 错误分类
// 每个交易所维护一张静态错误码表，REST 管道和行情推送分发器都会查询该表
type Category string

const (
	Retry  Category = "RETRY"  // 暂时性错误，退避后可安全重发
	Block  Category = "BLOCK"  // 账户级限制，中止当前操作但保持连接
	Cancel Category = "CANCEL" // 认证/不存在类错误，中止并要求重新认证
	Fatal  Category = "FATAL"  // 不可恢复错误，必须升级为完全重连
	Ignore Category = "IGNORE" // 预期内的良性错误（如撤单竞争时的"订单不存在"），仅记录日志
)

// Table 交易所错误码表：接口错误码 -> 分类
type Table map[int]Category

// Classify 查询错误码分类，未登记的错误码一律按 FATAL 处理
// （宁可失败也不能在未知错误上静默继续）
func (t Table) Classify(code int) Category {
	if c, ok := t[code]; ok {
		return c
	}
	return Fatal
}

// Severity 交易所会话的严重级别
// 取代原实现中与魔法数字比较的 logNumFatal 计数器，
// 级别只升不降，由会话所有者检查并决定是否重连或停机
type Severity int32

const (
	SeverityNone      Severity = iota // 正常
	SeverityWarn                      // 已出现告警（限速、时间戳过期等），可继续
	SeverityBlock                     // 账户受限，当前操作中止
	SeverityCancel                    // 认证失效，需要重新认证
	SeverityReconnect                 // 需要强制重连该交易所会话
	SeverityShutdown                  // 凭证错误等，必须停止该交易所的交易
)

// String 返回严重级别的字符串表示
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityWarn:
		return "WARN"
	case SeverityBlock:
		return "BLOCK"
	case SeverityCancel:
		return "CANCEL"
	case SeverityReconnect:
		return "RECONNECT"
	case SeverityShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// FromCategory 错误分类对应的严重级别
func FromCategory(c Category) Severity {
	switch c {
	case Retry, Ignore:
		return SeverityNone
	case Block:
		return SeverityBlock
	case Cancel:
		return SeverityCancel
	case Fatal:
		return SeverityReconnect
	default:
		return SeverityReconnect
	}
}

// Level 某个交易所会话当前的严重级别（并发安全，只升不降）
type Level struct {
	v atomic.Int32
}

// Escalate 升级严重级别，低于当前级别的调用不生效
func (l *Level) Escalate(s Severity) {
	for {
		cur := l.v.Load()
		if int32(s) <= cur {
			return
		}
		if l.v.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Load 读取当前严重级别
func (l *Level) Load() Severity {
	return Severity(l.v.Load())
}

// Reset 恢复正常级别（仅在重连成功、对账完成后调用）
func (l *Level) Reset() {
	l.v.Store(int32(SeverityNone))
}

// TradingAllowed 当前级别是否允许继续交易
func (l *Level) TradingAllowed() bool {
	return l.Load() < SeverityReconnect
}
