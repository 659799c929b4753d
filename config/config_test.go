package config

import (
	"testing"
)

func createValidConfig() *Config {
	cfg := &Config{}
	cfg.Exchanges = map[string]ExchangeConfig{
		"bybit": {
			Enabled:   true,
			APIKey:    "test_key",
			SecretKey: "test_secret",
			Testnet:   true,
		},
		"bitmex": {
			Enabled: false,
		},
	}
	cfg.Symbols = []SymbolConfig{
		{Symbol: "BTCUSDT", Category: "linear", Exchange: "bybit", Timeframes: []int{5}},
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	// 有效配置
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("有效配置验证失败: %v", err)
	}

	// 未启用任何交易所应该报错
	invalidCfg1 := createValidConfig()
	ex := invalidCfg1.Exchanges["bybit"]
	ex.Enabled = false
	invalidCfg1.Exchanges["bybit"] = ex
	if err := invalidCfg1.Validate(); err == nil {
		t.Error("未启用任何交易所应该报错")
	}

	// 缺少凭证应该报错
	invalidCfg2 := createValidConfig()
	ex = invalidCfg2.Exchanges["bybit"]
	ex.SecretKey = ""
	invalidCfg2.Exchanges["bybit"] = ex
	if err := invalidCfg2.Validate(); err == nil {
		t.Error("缺少 secret_key 应该报错")
	}

	// 品种引用未启用的交易所应该报错
	invalidCfg3 := createValidConfig()
	invalidCfg3.Symbols = append(invalidCfg3.Symbols, SymbolConfig{
		Symbol: "XBTUSD", Category: "inverse", Exchange: "bitmex",
	})
	if err := invalidCfg3.Validate(); err == nil {
		t.Error("品种引用未启用的交易所应该报错")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Trading.RequestTimeout != 7 {
		t.Errorf("期望默认请求超时为7, 得到 %d", cfg.Trading.RequestTimeout)
	}
	if cfg.Trading.MaxRetry != 3 {
		t.Errorf("期望默认重试次数为3, 得到 %d", cfg.Trading.MaxRetry)
	}
	if cfg.Trading.HistoryBatchSize != 500 {
		t.Errorf("期望默认回填批大小为500, 得到 %d", cfg.Trading.HistoryBatchSize)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("期望默认数据库类型为 sqlite, 得到 %s", cfg.Database.Type)
	}
	if cfg.Web.Port != 28686 {
		t.Errorf("期望默认端口为28686, 得到 %d", cfg.Web.Port)
	}
}

func TestLoadConfigFromBytes(t *testing.T) {
	yamlData := []byte(`
exchanges:
  bybit:
    enabled: true
    api_key: key
    secret_key: secret
    testnet: true
symbols:
  - symbol: BTCUSDT
    category: linear
    exchange: bybit
trading:
  request_timeout: 10
system:
  log_level: debug
`)
	cfg, err := LoadConfigFromBytes(yamlData)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Trading.RequestTimeout != 10 {
		t.Errorf("request_timeout 解析错误: %d", cfg.Trading.RequestTimeout)
	}
	if len(cfg.SymbolsFor("bybit")) != 1 {
		t.Error("SymbolsFor 应返回1个品种")
	}
	if len(cfg.SymbolsFor("bitmex")) != 0 {
		t.Error("SymbolsFor 对未订阅交易所应返回空")
	}

	names := cfg.ExchangeNames()
	if len(names) != 1 || names[0] != "bybit" {
		t.Errorf("ExchangeNames 错误: %v", names)
	}
}
