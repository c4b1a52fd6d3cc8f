package audit

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *MemoryRepo) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// ByReference returns records for one provider reference in append order.
func (r *MemoryRepo) ByReference(provider, ref string) []Record {
	out := make([]Record, 0)
	for _, rec := range r.Records() {
		if rec.Provider == provider && rec.ProviderReference == ref {
			out = append(out, rec)
		}
	}
	return out
}
