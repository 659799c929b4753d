package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/exchange"
)

// RobotStatus 机器人运行状态
type RobotStatus string

const (
	// StatusWork robots 表中定义的正常策略
	StatusWork RobotStatus = "WORK"
	// StatusReserved 每个订阅品种合成的保留槽位，吸收无主成交
	StatusReserved RobotStatus = "RESERVED"
	// StatusNotDefined 账本中出现、但 robots 表没有定义且品种已订阅的 EMI
	StatusNotDefined RobotStatus = "NOT DEFINED"
	// StatusNotInList 账本中出现、且品种未订阅的 EMI
	StatusNotInList RobotStatus = "NOT IN LIST"
	// StatusOff 已停用
	StatusOff RobotStatus = "OFF"
)

// Robot 机器人运行时条目：定义 + 账本聚合
type Robot struct {
	EMI      string            `json:"emi"`
	Symbol   string            `json:"symbol"`
	Category exchange.Category `json:"category"`
	Market   string            `json:"market"`
	Status   RobotStatus       `json:"status"`
	Sort     int               `json:"sort"`
	Timefr   int               `json:"timefr"`
	Capital  float64           `json:"capital"`

	// 账本聚合，由对账引擎回填
	Pos     decimal.Decimal `json:"pos"`
	Vol     decimal.Decimal `json:"vol"`
	SumReal decimal.Decimal `json:"sumreal"`
	Commiss decimal.Decimal `json:"commiss"`
	PNL     decimal.Decimal `json:"pnl"`
	LTime   time.Time       `json:"ltime"`
}

// RobotStore 机器人运行时表，按 EMI 索引
type RobotStore struct {
	mu     sync.RWMutex
	robots map[string]*Robot
}

// NewRobotStore 创建机器人表
func NewRobotStore() *RobotStore {
	return &RobotStore{robots: make(map[string]*Robot)}
}

// Put 写入或更新机器人条目
func (s *RobotStore) Put(robot *Robot) {
	if robot == nil || robot.EMI == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *robot
	s.robots[cp.EMI] = &cp
}

// Get 按 EMI 查找
func (s *RobotStore) Get(emi string) (*Robot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	robot, ok := s.robots[emi]
	if !ok {
		return nil, false
	}
	cp := *robot
	return &cp, true
}

// Remove 移除条目
func (s *RobotStore) Remove(emi string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.robots, emi)
}

// UpdateAggregates 回填账本聚合
func (s *RobotStore) UpdateAggregates(emi string, pos, vol, sumReal, commiss, pnl decimal.Decimal, ltime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	robot, ok := s.robots[emi]
	if !ok {
		return false
	}
	robot.Pos = pos
	robot.Vol = vol
	robot.SumReal = sumReal
	robot.Commiss = commiss
	robot.PNL = pnl
	robot.LTime = ltime
	return true
}

// Snapshot 返回全部条目，按 Sort 再按 EMI 排序
func (s *RobotStore) Snapshot() []*Robot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Robot, 0, len(s.robots))
	for _, robot := range s.robots {
		cp := *robot
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sort != out[j].Sort {
			return out[i].Sort < out[j].Sort
		}
		return out[i].EMI < out[j].EMI
	})
	return out
}

// ByMarket 返回某交易所的全部条目
func (s *RobotStore) ByMarket(market string) []*Robot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Robot
	for _, robot := range s.robots {
		if robot.Market == market {
			cp := *robot
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EMI < out[j].EMI })
	return out
}

// Len 条目数量
func (s *RobotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.robots)
}
