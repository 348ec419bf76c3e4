package fraud

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Result
	byAccount map[string][]*Result // accountID → results, oldest first
}

// NewMemoryStore creates an in-memory result store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Result),
		byAccount: make(map[string][]*Result),
	}
}

func (s *MemoryStore) Record(ctx context.Context, result *Result) error {
	r := cloneResult(result)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A retried transaction id keeps the latest verdict.
	if old, ok := s.byID[r.TransactionID]; ok {
		s.byAccount[old.AccountID] = slices.DeleteFunc(s.byAccount[old.AccountID], func(x *Result) bool {
			return x == old
		})
	}
	s.byID[r.TransactionID] = r
	s.byAccount[r.AccountID] = append(s.byAccount[r.AccountID], r)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, transactionID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneResult(r), nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byAccount[accountID]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := max(len(all)-limit, 0)
	out := make([]*Result, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		out = append(out, cloneResult(all[i]))
	}
	return out, nil
}

func cloneResult(r *Result) *Result {
	c := *r
	c.Signals = slices.Clone(r.Signals)
	return &c
}
