package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tradelink/exchange"
)

// OrderStore 活跃订单表，按 clOrdID 索引
// clOrdID 格式为 "<序号>.<EMI>"，序号全局单调递增，
// 启动时用账本和交易所未结订单中的最大序号播种
type OrderStore struct {
	mu      sync.RWMutex
	byClOrd map[string]*exchange.Order
	byOrder map[string]string // orderID -> clOrdID
	seq     int64
}

// NewOrderStore 创建订单表
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byClOrd: make(map[string]*exchange.Order),
		byOrder: make(map[string]string),
	}
}

// SeedSequence 播种序号：只接受更大的值，可安全重复调用
func (s *OrderStore) SeedSequence(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.seq {
		s.seq = n
	}
}

// NextClOrdID 生成下一个 clOrdID
func (s *OrderStore) NextClOrdID(emi string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%d.%s", s.seq, emi)
}

// ParseClOrdID 从 clOrdID 中解析序号和 EMI
// 不符合 "<序号>.<EMI>" 格式时返回 ok=false（交易所生成的外部单）
func ParseClOrdID(clOrdID string) (seq int64, emi string, ok bool) {
	idx := strings.Index(clOrdID, ".")
	if idx <= 0 || idx == len(clOrdID)-1 {
		return 0, "", false
	}
	n, err := strconv.ParseInt(clOrdID[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, clOrdID[idx+1:], true
}

// Put 写入或更新订单
func (s *OrderStore) Put(order *exchange.Order) {
	if order == nil || order.ClOrdID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *order
	if cp.EMI == "" {
		if _, emi, ok := ParseClOrdID(cp.ClOrdID); ok {
			cp.EMI = emi
		}
	}
	s.byClOrd[cp.ClOrdID] = &cp
	if cp.OrderID != "" {
		s.byOrder[cp.OrderID] = cp.ClOrdID
	}

	// 摄入交易所已有订单时，序号不能落后于已见过的最大值
	if seq, _, ok := ParseClOrdID(cp.ClOrdID); ok && seq > s.seq {
		s.seq = seq
	}
}

// Remove 移除订单（终态：成交、撤销、拒绝）
func (s *OrderStore) Remove(clOrdID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order, ok := s.byClOrd[clOrdID]; ok {
		delete(s.byOrder, order.OrderID)
		delete(s.byClOrd, clOrdID)
	}
}

// GetByClOrdID 按 clOrdID 查找
func (s *OrderStore) GetByClOrdID(clOrdID string) (*exchange.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.byClOrd[clOrdID]
	if !ok {
		return nil, false
	}
	cp := *order
	return &cp, true
}

// GetByOrderID 按交易所 orderID 查找
func (s *OrderStore) GetByOrderID(orderID string) (*exchange.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clOrdID, ok := s.byOrder[orderID]
	if !ok {
		return nil, false
	}
	order, ok := s.byClOrd[clOrdID]
	if !ok {
		return nil, false
	}
	cp := *order
	return &cp, true
}

// KnownOrderID 判断 orderID 是否已登记
// 状态为 New 但 orderID 已知的推送按改单成功处理
func (s *OrderStore) KnownOrderID(orderID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byOrder[orderID]
	return ok
}

// Snapshot 返回全部活跃订单，按 clOrdID 排序
func (s *OrderStore) Snapshot() []*exchange.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*exchange.Order, 0, len(s.byClOrd))
	for _, order := range s.byClOrd {
		cp := *order
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClOrdID < out[j].ClOrdID })
	return out
}

// Len 活跃订单数量
func (s *OrderStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byClOrd)
}
