package exchange

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tradelink/event"
)

// Config 适配器配置
type Config struct {
	APIKey       string
	SecretKey    string
	ClientID     string // Deribit 使用
	Testnet      bool
	Timeout      time.Duration
	MaxRetry     int
	PingInterval time.Duration
}

// Deps 适配器依赖
type Deps struct {
	Handler Handler
	Bus     *event.EventBus
}

// Constructor 适配器构造函数
type Constructor func(cfg *Config, deps *Deps) (Exchange, error)

var (
	regMu        sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register 注册适配器构造函数，各交易所子包在 init 中调用
func Register(name string, c Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	constructors[name] = c
}

// New 按名称创建适配器
func New(name string, cfg *Config, deps *Deps) (Exchange, error) {
	regMu.RLock()
	c, ok := constructors[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
	return c(cfg, deps)
}

// Names 返回已注册的交易所名称
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
