package registry

import (
	"sort"
	"sync"
	"time"

	"tradelink/exchange"
)

// Registry 运行时状态注册表
// 保存品种、账户、持仓的最新快照，行情推送和 REST 快照都写到这里。
// 所有读取返回副本，调用方不会看到后续更新。
type Registry struct {
	mu          sync.RWMutex
	instruments map[exchange.InstrumentKey]*exchange.Instrument
	accounts    map[exchange.AccountKey]*exchange.Account
	positions   map[exchange.InstrumentKey]*exchange.Position

	Orders *OrderStore
	Robots *RobotStore
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[exchange.InstrumentKey]*exchange.Instrument),
		accounts:    make(map[exchange.AccountKey]*exchange.Account),
		positions:   make(map[exchange.InstrumentKey]*exchange.Position),
		Orders:      NewOrderStore(),
		Robots:      NewRobotStore(),
	}
}

// UpsertInstrument 写入品种快照（全量替换）
func (r *Registry) UpsertInstrument(inst *exchange.Instrument) {
	if inst == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *inst
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	r.instruments[cp.Key()] = &cp
}

// UpdateInstrumentTicker 仅更新行情字段，保留合约定义
// 快照尚不存在时忽略（行情到达早于品种定义的情况）
func (r *Registry) UpdateInstrumentTicker(key exchange.InstrumentKey, update func(*exchange.Instrument)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instruments[key]
	if !ok {
		return false
	}
	update(inst)
	inst.UpdatedAt = time.Now()
	return true
}

// GetInstrument 读取品种快照
func (r *Registry) GetInstrument(key exchange.InstrumentKey) (*exchange.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instruments[key]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// Instruments 返回全部品种快照，按 market/symbol 排序
func (r *Registry) Instruments() []*exchange.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*exchange.Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// InstrumentsByMarket 返回某交易所的全部品种
func (r *Registry) InstrumentsByMarket(market string) []*exchange.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*exchange.Instrument
	for _, inst := range r.instruments {
		if inst.Market == market {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpsertAccount 写入账户快照
func (r *Registry) UpsertAccount(acc *exchange.Account) {
	if acc == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *acc
	cp.Seen = true
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	r.accounts[exchange.AccountKey{Currency: cp.Currency, Market: cp.Market}] = &cp
}

// GetAccount 读取账户快照；首个快照到达前返回 ok=false
func (r *Registry) GetAccount(key exchange.AccountKey) (*exchange.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[key]
	if !ok || !acc.Seen {
		return nil, false
	}
	cp := *acc
	return &cp, true
}

// Accounts 返回全部账户快照
func (r *Registry) Accounts() []*exchange.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*exchange.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

// UpsertPosition 写入持仓快照
func (r *Registry) UpsertPosition(pos *exchange.Position) {
	if pos == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *pos
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	key := exchange.InstrumentKey{Symbol: cp.Symbol, Category: cp.Category, Market: cp.Market}
	r.positions[key] = &cp
}

// GetPosition 读取持仓快照
func (r *Registry) GetPosition(key exchange.InstrumentKey) (*exchange.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pos, ok := r.positions[key]
	if !ok {
		return nil, false
	}
	cp := *pos
	return &cp, true
}

// Positions 返回全部持仓快照
func (r *Registry) Positions() []*exchange.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*exchange.Position, 0, len(r.positions))
	for _, pos := range r.positions {
		cp := *pos
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
