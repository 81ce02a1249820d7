package registry

import (
	"context"
	"math/big"
	"sync"
)

type memoryRegistry struct {
	mu         sync.RWMutex
	agreements map[string]Agreement
}

// NewMemoryRegistry constructs an in-memory registry for tests and dev mode.
func NewMemoryRegistry() Registry {
	return &memoryRegistry{agreements: make(map[string]Agreement)}
}

func (r *memoryRegistry) Get(_ context.Context, id string) (Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agreement, ok := r.agreements[id]
	if !ok {
		return Agreement{}, ErrAgreementNotFound
	}
	return agreement, nil
}

func (r *memoryRegistry) Create(_ context.Context, agreement Agreement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agreements[agreement.ID]; exists {
		return ErrAgreementExists
	}
	if agreement.TotalTokenSupply == nil {
		agreement.TotalTokenSupply = new(big.Int)
	}
	r.agreements[agreement.ID] = agreement
	return nil
}
