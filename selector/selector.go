// Package selector 按静态优先级排序候选供应商，
// 并在排序时剔除熔断器处于打开状态的供应商。
package selector

import (
	"sort"
	"sync"

	"github.com/BaSui01/speechflow/circuitbreaker"
	"github.com/BaSui01/speechflow/types"
	"go.uber.org/zap"
)

// Candidate 一个可参与兜底的供应商
// Priority 数值越小优先级越高；同优先级按注册顺序稳定排序。
type Candidate struct {
	Name     string
	Priority int
}

// StateFunc 查询供应商熔断器当前状态
type StateFunc func(provider string) circuitbreaker.State

// Selector 供应商选择器
// 候选列表在注册阶段固定，运行期只做过滤，不做动态权重调整。
type Selector struct {
	mu         sync.RWMutex
	candidates map[types.Operation][]Candidate
	state      StateFunc
	logger     *zap.Logger
}

// New 创建选择器
// state 为 nil 时不做熔断过滤（测试用）。
func New(state StateFunc, logger *zap.Logger) *Selector {
	return &Selector{
		candidates: make(map[types.Operation][]Candidate),
		state:      state,
		logger:     logger,
	}
}

// Register 注册一个候选供应商
func (s *Selector) Register(op types.Operation, name string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.candidates[op], Candidate{Name: name, Priority: priority})
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority < list[j].Priority
	})
	s.candidates[op] = list
}

// Order 返回本次请求的供应商尝试顺序
// eligible 为按优先级排好序的可用供应商，
// skipped 为因熔断打开被剔除的供应商（供上层记录失败明细）。
func (s *Selector) Order(op types.Operation) (eligible []string, skipped []string) {
	s.mu.RLock()
	list := s.candidates[op]
	s.mu.RUnlock()

	for _, c := range list {
		if s.state != nil && s.state(c.Name) == circuitbreaker.StateOpen {
			skipped = append(skipped, c.Name)
			continue
		}
		eligible = append(eligible, c.Name)
	}

	if len(skipped) > 0 && s.logger != nil {
		s.logger.Debug("剔除熔断打开的供应商",
			zap.String("operation", string(op)),
			zap.Strings("skipped", skipped),
			zap.Strings("eligible", eligible))
	}
	return eligible, skipped
}

// Candidates 返回某操作的全部候选（按优先级排序，不做过滤）
func (s *Selector) Candidates(op types.Operation) []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Candidate, len(s.candidates[op]))
	copy(out, s.candidates[op])
	return out
}
