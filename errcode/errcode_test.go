package errcode

import "testing"

func TestClassifyDefaultsToFatal(t *testing.T) {
	table := Table{
		10001: Retry,
		10002: Ignore,
	}

	if c := table.Classify(10001); c != Retry {
		t.Errorf("分类错误: 期望 RETRY, 得到 %s", c)
	}
	if c := table.Classify(10002); c != Ignore {
		t.Errorf("分类错误: 期望 IGNORE, 得到 %s", c)
	}

	// 未登记的错误码必须按 FATAL 处理
	if c := table.Classify(99999); c != Fatal {
		t.Errorf("未知错误码应为 FATAL, 得到 %s", c)
	}
}

func TestLevelEscalateOnly(t *testing.T) {
	var level Level

	if level.Load() != SeverityNone {
		t.Fatal("初始级别应为 NONE")
	}

	level.Escalate(SeverityReconnect)
	if level.Load() != SeverityReconnect {
		t.Errorf("升级失败: 得到 %s", level.Load())
	}

	// 低级别不能覆盖高级别
	level.Escalate(SeverityWarn)
	if level.Load() != SeverityReconnect {
		t.Errorf("级别被降级: 得到 %s", level.Load())
	}

	if level.TradingAllowed() {
		t.Error("RECONNECT 级别不应允许交易")
	}

	level.Reset()
	if level.Load() != SeverityNone {
		t.Error("Reset 后级别应为 NONE")
	}
	if !level.TradingAllowed() {
		t.Error("NONE 级别应允许交易")
	}
}

func TestFromCategory(t *testing.T) {
	cases := []struct {
		category Category
		severity Severity
	}{
		{Retry, SeverityNone},
		{Ignore, SeverityNone},
		{Block, SeverityBlock},
		{Cancel, SeverityCancel},
		{Fatal, SeverityReconnect},
	}
	for _, c := range cases {
		if got := FromCategory(c.category); got != c.severity {
			t.Errorf("%s: 期望 %s, 得到 %s", c.category, c.severity, got)
		}
	}
}
