package balance

import (
	"sync"

	"github.com/shopspring/decimal"

	bCtx "github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain/balance"
)

// Static answers from a fixed table, for local runs without an identity
// service
type Static struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	fallback decimal.Decimal
}

var _ balance.Provider = (*Static)(nil)

// NewStatic returns fallback for every user missing from balances
func NewStatic(balances map[string]decimal.Decimal, fallback decimal.Decimal) *Static {
	copied := make(map[string]decimal.Decimal, len(balances))
	for k, v := range balances {
		copied[k] = v
	}
	return &Static{balances: copied, fallback: fallback}
}

func (s *Static) GetBalance(ctx bCtx.Ctx, userId string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.balances[userId]; ok {
		return v, nil
	}
	return s.fallback, nil
}

func (s *Static) Set(userId string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userId] = amount
}
