package core

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// IdempotencyStatus is the lifecycle state of an Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
)

// DefaultIdempotencyTTL is how long a completed response stays replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// ErrIdempotencyKeyExists is returned by Create when the key is already held.
var ErrIdempotencyKeyExists = errors.New("idempotency key already exists")

// IdempotencyRecord is the stored state of one key.
type IdempotencyRecord struct {
	Key          string
	Path         string
	Status       IdempotencyStatus
	ResponseCode int
	ResponseBody []byte
}

// MemoryIdempotencyStore keeps keys in a process-local go-cache. Replays are
// honoured only by the instance that served the original request.
type MemoryIdempotencyStore struct {
	c *cache.Cache
}

// NewMemoryIdempotencyStore creates a store whose entries expire after ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{c: cache.New(ttl, ttl/4)}
}

func idempotencyCacheKey(key, scope string) string {
	return scope + "\x00" + key
}

func (m *MemoryIdempotencyStore) Get(_ context.Context, key, scope string) (*IdempotencyRecord, error) {
	v, ok := m.c.Get(idempotencyCacheKey(key, scope))
	if !ok {
		return nil, nil
	}
	rec := *v.(*IdempotencyRecord)
	return &rec, nil
}

func (m *MemoryIdempotencyStore) Create(_ context.Context, key, scope, path string) error {
	rec := &IdempotencyRecord{Key: key, Path: path, Status: IdempotencyStatusProcessing}
	if err := m.c.Add(idempotencyCacheKey(key, scope), rec, cache.DefaultExpiration); err != nil {
		return ErrIdempotencyKeyExists
	}
	return nil
}

func (m *MemoryIdempotencyStore) Complete(_ context.Context, key, scope string, status int, body []byte) error {
	ck := idempotencyCacheKey(key, scope)
	path := ""
	if v, ok := m.c.Get(ck); ok {
		path = v.(*IdempotencyRecord).Path
	}
	m.c.SetDefault(ck, &IdempotencyRecord{
		Key:          key,
		Path:         path,
		Status:       IdempotencyStatusCompleted,
		ResponseCode: status,
		ResponseBody: append([]byte(nil), body...),
	})
	return nil
}

func (m *MemoryIdempotencyStore) Fail(_ context.Context, key, scope string) error {
	m.c.Delete(idempotencyCacheKey(key, scope))
	return nil
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
