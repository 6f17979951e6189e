// Package store is the key-addressed document store that holds canonical
// run records. Documents are JSON values stored in Redis under a common
// prefix; multi-key writes go through a session executed as MULTI/EXEC.
//
// Concurrent writes to the same key are last-write-wins.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// KeyPrefix namespaces every document key in Redis.
const KeyPrefix = "ci:doc:"

const scanBatch = 200

var ciStoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ci_store_operations_total",
	Help: "Total document store operations by operation and status",
}, []string{"operation", "status"})

// Document is a raw stored value and its key.
type Document struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the document value into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Value, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.Key, err)
	}
	return nil
}

// Session collects writes that are applied atomically when the session
// function returns nil and discarded otherwise.
type Session interface {
	Set(key string, v any) error
	Delete(key string)
}

// Store provides key-addressed document persistence.
type Store interface {
	// Get decodes the document at key into v. It reports false when the
	// key does not exist.
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	SetMany(ctx context.Context, docs map[string]any) error
	// Query returns every document whose key starts with prefix, ordered by key.
	Query(ctx context.Context, prefix string) ([]Document, error)
	Delete(ctx context.Context, keys ...string) error
	Session(ctx context.Context, fn func(Session) error) error
}

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis strings.
type RedisStore struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore creates a store. A zero ttl keeps documents forever.
func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("store: redis client is required")
	}
	return &RedisStore{
		redis:  redisClient,
		ttl:    ttl,
		logger: log.With().Str("component", "store").Logger(),
	}
}

func record(op string, err error) error {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ciStoreOperationsTotal.WithLabelValues(op, status).Inc()
	return err
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.redis.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		record("get", nil)
		return false, nil
	}
	if err != nil {
		return false, record("get", fmt.Errorf("get %s: %w", key, err))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, record("get", fmt.Errorf("decode %s: %w", key, err))
	}
	return true, record("get", nil)
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return record("set", fmt.Errorf("encode %s: %w", key, err))
	}
	if err := s.redis.Set(ctx, KeyPrefix+key, data, s.ttl).Err(); err != nil {
		return record("set", fmt.Errorf("set %s: %w", key, err))
	}
	return record("set", nil)
}

// SetMany implements Store. All documents are written in one transaction.
func (s *RedisStore) SetMany(ctx context.Context, docs map[string]any) error {
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return s.Session(ctx, func(sess Session) error {
		for _, k := range keys {
			if err := sess.Set(k, docs[k]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query implements Store using SCAN, so it never blocks Redis on large keyspaces.
func (s *RedisStore) Query(ctx context.Context, prefix string) ([]Document, error) {
	pattern := KeyPrefix + escapeGlob(prefix) + "*"

	var keys []string
	iter := s.redis.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, record("query", fmt.Errorf("scan %s: %w", prefix, err))
	}
	sort.Strings(keys)

	docs := make([]Document, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		vals, err := s.redis.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, record("query", fmt.Errorf("mget %s: %w", prefix, err))
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Expired or deleted between SCAN and MGET.
				continue
			}
			docs = append(docs, Document{
				Key:   strings.TrimPrefix(keys[start+i], KeyPrefix),
				Value: json.RawMessage(str),
			})
		}
	}

	s.logger.Debug().Str("prefix", prefix).Int("documents", len(docs)).Msg("Query complete")
	return docs, record("query", nil)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = KeyPrefix + k
	}
	if err := s.redis.Del(ctx, full...).Err(); err != nil {
		return record("delete", fmt.Errorf("delete: %w", err))
	}
	return record("delete", nil)
}

// Session implements Store. Writes are queued on a MULTI/EXEC pipeline and
// only sent when fn succeeds.
func (s *RedisStore) Session(ctx context.Context, fn func(Session) error) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&txSession{ctx: ctx, pipe: pipe, ttl: s.ttl})
	})
	if err != nil {
		return record("session", fmt.Errorf("session: %w", err))
	}
	return record("session", nil)
}

type txSession struct {
	ctx  context.Context
	pipe redis.Pipeliner
	ttl  time.Duration
}

func (t *txSession) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	t.pipe.Set(t.ctx, KeyPrefix+key, data, t.ttl)
	return nil
}

func (t *txSession) Delete(key string) {
	t.pipe.Del(t.ctx, KeyPrefix+key)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
