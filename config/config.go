package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig 单个交易所的接入配置
type ExchangeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	ClientID  string `yaml:"client_id"` // Deribit 使用 client_id/client_secret
	Testnet   bool   `yaml:"testnet"`
}

// SymbolConfig 订阅的交易品种
type SymbolConfig struct {
	Symbol   string `yaml:"symbol"`
	Category string `yaml:"category"` // spot, linear, inverse, option
	Exchange string `yaml:"exchange"`
	// 机器人K线订阅周期（分钟），为空表示不订阅K线
	Timeframes []int `yaml:"timeframes"`
}

// Config 系统配置
type Config struct {
	// 启用的交易所列表及其凭证
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`

	// 订阅的品种列表
	Symbols []SymbolConfig `yaml:"symbols"`

	Trading struct {
		// REST 请求超时（秒），默认7
		RequestTimeout int `yaml:"request_timeout"`
		// 只读请求最大重试次数，默认3
		MaxRetry int `yaml:"max_retry"`
		// 历史回填单批条数，默认500
		HistoryBatchSize int `yaml:"history_batch_size"`
		// 回填检查点文件路径，默认 ./data/history.ini
		CheckpointFile string `yaml:"checkpoint_file"`
		// 行情心跳间隔（秒），默认20
		PingInterval int `yaml:"ping_interval"`
		// K线初始加载根数，默认500
		CandleNumber int `yaml:"candle_number"`
	} `yaml:"trading"`

	System struct {
		LogLevel string `yaml:"log_level"`
		Timezone string `yaml:"timezone"` // 时区，如 "Asia/Shanghai"
	} `yaml:"system"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/tradelink.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 分布式锁配置（多实例部署时保护账本写入）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`     // 是否启用分布式锁，默认false（单实例模式）
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "tradelink:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 默认锁过期时间（秒），默认5

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// 只读快照接口（供展示层使用）
	Web struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"` // 默认 28686
	} `yaml:"web"`

	// 系统资源采集
	Metrics struct {
		Enabled         bool `yaml:"enabled"`
		CollectInterval int  `yaml:"collect_interval"` // 采集间隔（秒），默认15
	} `yaml:"metrics"`
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	enabled := 0
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		enabled++
		if ex.APIKey == "" || ex.SecretKey == "" {
			return fmt.Errorf("交易所 %s 缺少 api_key 或 secret_key", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("至少需要启用一个交易所")
	}

	for i, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("symbols[%d] 缺少 symbol", i)
		}
		if s.Exchange == "" {
			return fmt.Errorf("symbols[%d] (%s) 缺少 exchange", i, s.Symbol)
		}
		ex, ok := c.Exchanges[s.Exchange]
		if !ok || !ex.Enabled {
			return fmt.Errorf("品种 %s 引用了未启用的交易所 %s", s.Symbol, s.Exchange)
		}
		if s.Category == "" {
			c.Symbols[i].Category = "linear"
		}
	}

	// 默认值
	if c.Trading.RequestTimeout <= 0 {
		c.Trading.RequestTimeout = 7
	}
	if c.Trading.MaxRetry <= 0 {
		c.Trading.MaxRetry = 3
	}
	if c.Trading.HistoryBatchSize <= 0 {
		c.Trading.HistoryBatchSize = 500
	}
	if c.Trading.CheckpointFile == "" {
		c.Trading.CheckpointFile = "./data/history.ini"
	}
	if c.Trading.PingInterval <= 0 {
		c.Trading.PingInterval = 20
	}
	if c.Trading.CandleNumber <= 0 {
		c.Trading.CandleNumber = 500
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "./data/tradelink.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "tradelink:lock:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 5
	}
	if c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if c.DistributedLock.Redis.PoolSize <= 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 28686
	}
	if c.Metrics.CollectInterval <= 0 {
		c.Metrics.CollectInterval = 15
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}

	return nil
}

// ExchangeNames 返回所有启用的交易所名称（规范化为小写）
func (c *Config) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			names = append(names, strings.ToLower(name))
		}
	}
	return names
}

// SymbolsFor 返回指定交易所订阅的品种
func (c *Config) SymbolsFor(exchange string) []SymbolConfig {
	var out []SymbolConfig
	for _, s := range c.Symbols {
		if strings.EqualFold(s.Exchange, exchange) {
			out = append(out, s)
		}
	}
	return out
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}
