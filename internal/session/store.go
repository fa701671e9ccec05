package session

import "context"

// RefreshReport says which persisted parts differ from the in-memory copy.
// Owners use it to reconcile selectively while keeping their queue state.
type RefreshReport struct {
	Context   bool
	Histories bool
	Queue     bool
}

// Changed reports whether anything differs.
func (r RefreshReport) Changed() bool {
	return r.Context || r.Histories || r.Queue
}

// Store persists sessions in a shared key-value service.
//
// Implementations must be safe for concurrent use across sessions and must
// bound every operation with a per-call timeout so the audio path never
// blocks on the KV service.
type Store interface {
	// Load fetches the session for id. When no record exists, or the read
	// fails transiently, it returns a fresh session (logging the fault);
	// hard errors such as context cancellation are returned.
	Load(ctx context.Context, id string) (*Session, error)

	// Persist writes the session's histories and context. Write errors are
	// returned; the caller decides whether to retry.
	Persist(ctx context.Context, s *Session) error

	// GetContextKey reads one context value without loading the session.
	// ok is false when neither an overlay nor the persisted context has it.
	GetContextKey(ctx context.Context, id, key string) (value any, ok bool, err error)

	// SetContextKey atomically writes one context value as its own field,
	// never read-modify-writing the whole context. This is the only legal
	// fast path for cross-owner live flags.
	SetContextKey(ctx context.Context, id, key string, value any) error

	// Refresh compares the persisted record against s and reports what
	// differs. It does not mutate s.
	Refresh(ctx context.Context, s *Session) (RefreshReport, error)

	// Delete removes the session record.
	Delete(ctx context.Context, id string) error

	// Ping verifies connectivity to the backing service.
	Ping(ctx context.Context) error
}
