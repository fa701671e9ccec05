package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store with the same record semantics as
// RedisStore. It backs single-node deployments without a KV service and all
// store-dependent tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]map[string]string{}}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	record, ok := m.records[id]
	if ok {
		record = copyRecord(record)
	}
	m.mu.Unlock()
	if !ok {
		return New(id), nil
	}
	sess, err := decodeRecord(id, record)
	if err != nil {
		return nil, fmt.Errorf("session: memory load %s: %w", id, err)
	}
	return sess, nil
}

// Persist implements Store.
func (m *MemoryStore) Persist(_ context.Context, sess *Session) error {
	record, err := encodeRecord(sess)
	if err != nil {
		return fmt.Errorf("session: memory persist %s: %w", sess.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[sess.ID]
	if !ok {
		m.records[sess.ID] = record
		return nil
	}
	for field, v := range record {
		existing[field] = v
	}
	return nil
}

// GetContextKey implements Store.
func (m *MemoryStore) GetContextKey(ctx context.Context, id, key string) (any, bool, error) {
	sess, err := m.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	v, ok := sess.Context[key]
	return v, ok, nil
}

// SetContextKey implements Store.
func (m *MemoryStore) SetContextKey(_ context.Context, id, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("session: memory set ctx key %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		record = map[string]string{}
		m.records[id] = record
	}
	record[ctxFieldPrefix+key] = string(raw)
	return nil
}

// Refresh implements Store.
func (m *MemoryStore) Refresh(ctx context.Context, sess *Session) (RefreshReport, error) {
	stored, err := m.Load(ctx, sess.ID)
	if err != nil {
		return RefreshReport{}, err
	}
	return diff(sess, stored), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func copyRecord(record map[string]string) map[string]string {
	cp := make(map[string]string, len(record))
	for k, v := range record {
		cp[k] = v
	}
	return cp
}
