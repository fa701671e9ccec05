package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "session:"

	fieldHistories = "histories"
	fieldContext   = "context"
	fieldQueue     = "queue"

	// ctxFieldPrefix marks field-level context overlays written by
	// SetContextKey. Overlays take precedence over the context blob on Load.
	ctxFieldPrefix = "ctx:"

	defaultOpTimeout = time.Second
)

// RedisOption is a functional option for RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the record expiry applied on every Persist. Zero keeps records
// forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithOpTimeout bounds each KV operation. Defaults to one second.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.opTimeout = d
	}
}

// WithLogger sets the logger for transient-fault warnings.
func WithLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.log = log
	}
}

// RedisStore implements Store on a Redis hash per session.
//
// Layout: key "session:<id>" with fields "histories" (JSON array map),
// "context" (JSON object), "queue" (JSON array) and one "ctx:<key>" field per
// live flag written through SetContextKey.
type RedisStore struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	opTimeout time.Duration
	log       *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:       rdb,
		opTimeout: defaultOpTimeout,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) key(id string) string { return keyPrefix + id }

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Load implements Store. A transient Redis fault yields a fresh session with
// a warning, so a flaky KV service never stalls call setup.
func (s *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	record, err := s.rdb.HGetAll(opCtx, s.key(id)).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("session: load %s: %w", id, ctx.Err())
		}
		s.log.Warn("session load failed, starting fresh", "session_id", id, "err", err)
		return New(id), nil
	}
	if len(record) == 0 {
		return New(id), nil
	}

	sess, err := decodeRecord(id, record)
	if err != nil {
		s.log.Warn("session record corrupt, starting fresh", "session_id", id, "err", err)
		return New(id), nil
	}
	return sess, nil
}

// Persist implements Store.
func (s *RedisStore) Persist(ctx context.Context, sess *Session) error {
	record, err := encodeRecord(sess)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", sess.ID, err)
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(opCtx, s.key(sess.ID), record)
	if s.ttl > 0 {
		pipe.Expire(opCtx, s.key(sess.ID), s.ttl)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("session: persist %s: %w", sess.ID, err)
	}
	return nil
}

// GetContextKey implements Store. The "ctx:<key>" overlay wins over the
// context blob.
func (s *RedisStore) GetContextKey(ctx context.Context, id, key string) (any, bool, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.rdb.HGet(opCtx, s.key(id), ctxFieldPrefix+key).Result()
	switch {
	case err == nil:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false, fmt.Errorf("session: decode ctx key %q: %w", key, err)
		}
		return v, true, nil
	case !errors.Is(err, redis.Nil):
		return nil, false, fmt.Errorf("session: get ctx key %q: %w", key, err)
	}

	blob, err := s.rdb.HGet(opCtx, s.key(id), fieldContext).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session: get context: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return nil, false, fmt.Errorf("session: decode context: %w", err)
	}
	v, ok := m[key]
	return v, ok, nil
}

// SetContextKey implements Store. The value is written as its own hash field,
// atomic with respect to concurrent Persist calls.
func (s *RedisStore) SetContextKey(ctx context.Context, id, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("session: encode ctx key %q: %w", key, err)
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.rdb.HSet(opCtx, s.key(id), ctxFieldPrefix+key, string(raw)).Err(); err != nil {
		return fmt.Errorf("session: set ctx key %q: %w", key, err)
	}
	return nil
}

// Refresh implements Store.
func (s *RedisStore) Refresh(ctx context.Context, sess *Session) (RefreshReport, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	record, err := s.rdb.HGetAll(opCtx, s.key(sess.ID)).Result()
	if err != nil {
		return RefreshReport{}, fmt.Errorf("session: refresh %s: %w", sess.ID, err)
	}
	stored, err := decodeRecord(sess.ID, record)
	if err != nil {
		return RefreshReport{}, fmt.Errorf("session: refresh %s: %w", sess.ID, err)
	}
	return diff(sess, stored), nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.rdb.Del(opCtx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.rdb.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("session: ping: %w", err)
	}
	return nil
}

// ─── record codec ───

// encodeRecord serializes a session into hash fields.
func encodeRecord(sess *Session) (map[string]string, error) {
	histories, err := json.Marshal(sess.Histories)
	if err != nil {
		return nil, fmt.Errorf("marshal histories: %w", err)
	}
	ctxMap := sess.Context
	if sess.ActiveAgent != "" {
		// The active agent rides along in the context blob so that Load can
		// restore it without a dedicated field.
		ctxMap = make(map[string]any, len(sess.Context)+1)
		for k, v := range sess.Context {
			ctxMap[k] = v
		}
		ctxMap["active_agent"] = sess.ActiveAgent
	}
	contextBlob, err := json.Marshal(ctxMap)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	queue, err := json.Marshal(sess.MessageQueue)
	if err != nil {
		return nil, fmt.Errorf("marshal queue: %w", err)
	}
	return map[string]string{
		fieldHistories: string(histories),
		fieldContext:   string(contextBlob),
		fieldQueue:     string(queue),
	}, nil
}

// decodeRecord rebuilds a session from hash fields, applying ctx overlays on
// top of the context blob.
func decodeRecord(id string, record map[string]string) (*Session, error) {
	sess := New(id)

	if raw, ok := record[fieldHistories]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Histories); err != nil {
			return nil, fmt.Errorf("unmarshal histories: %w", err)
		}
	}
	if raw, ok := record[fieldContext]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if raw, ok := record[fieldQueue]; ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &sess.MessageQueue); err != nil {
			return nil, fmt.Errorf("unmarshal queue: %w", err)
		}
	}

	for field, raw := range record {
		if !strings.HasPrefix(field, ctxFieldPrefix) {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("unmarshal ctx overlay %q: %w", field, err)
		}
		sess.Context[strings.TrimPrefix(field, ctxFieldPrefix)] = v
	}

	if sess.Histories == nil {
		sess.Histories = map[string][]Turn{}
	}
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	if agent, ok := sess.Context["active_agent"].(string); ok {
		sess.ActiveAgent = agent
		delete(sess.Context, "active_agent")
	}
	return sess, nil
}

// diff compares the in-memory session with the stored copy field by field.
// Comparison is by canonical JSON, sidestepping int/float64 round-trip noise.
func diff(mem, stored *Session) RefreshReport {
	return RefreshReport{
		Context:   !jsonEqual(mem.Context, stored.Context),
		Histories: !jsonEqual(mem.Histories, stored.Histories),
		Queue:     !jsonEqual(mem.MessageQueue, stored.MessageQueue),
	}
}

func jsonEqual(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}
