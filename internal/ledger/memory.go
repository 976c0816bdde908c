package ledger

import (
	"context"
	"sync"
)

// Memory is a process-local ledger. It is only correct for a single
// replica and forgets everything on restart.
type Memory struct {
	records sync.Map // nonce -> Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) TryConsume(_ context.Context, rec Record) (Outcome, error) {
	if _, loaded := m.records.LoadOrStore(rec.Nonce, rec); loaded {
		return AlreadyConsumed, nil
	}
	return Consumed, nil
}

func (m *Memory) Lookup(_ context.Context, nonce string) (Record, error) {
	v, ok := m.records.Load(nonce)
	if !ok {
		return Record{}, ErrNotFound
	}
	return v.(Record), nil
}

func (m *Memory) Close() error { return nil }
