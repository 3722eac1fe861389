package db

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"membership/internal/types"
)

// MemorySubscriptionStore is an in-process subscription store used in local
// mode and tests. Update holds a per-subscription mutex across read, mutate
// and write; the one-controlling-per-user rule is checked under the map lock.
type MemorySubscriptionStore struct {
	clock types.Clock

	mu    sync.RWMutex
	rows  map[string]*types.Subscription
	locks map[string]*sync.Mutex
}

// NewMemorySubscriptionStore returns an empty store.
func NewMemorySubscriptionStore(clock types.Clock) *MemorySubscriptionStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemorySubscriptionStore{
		clock: clock,
		rows:  make(map[string]*types.Subscription),
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *MemorySubscriptionStore) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// controllingConflict reports whether another row of userID is controlling.
// Caller holds m.mu.
func (m *MemorySubscriptionStore) controllingConflict(userID, exceptID string) bool {
	for id, s := range m.rows {
		if id != exceptID && s.UserID == userID && s.Status.Controlling() {
			return true
		}
	}
	return false
}

func duplicateErr(userID string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeDuplicateSubscription,
		"user already has an active subscription", nil, map[string]any{"user_id": userID})
}

func notFound(msg string) error {
	return types.NewAppError(types.ErrCodeNotFoundSubscription, msg, nil)
}

// Create stores a copy of s at version 1.
func (m *MemorySubscriptionStore) Create(_ context.Context, s *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.rows[s.ID]; exists {
		return types.NewAppError(types.ErrCodeDuplicateSubscription, "subscription already exists", nil)
	}
	if s.Status.Controlling() && m.controllingConflict(s.UserID, s.ID) {
		return duplicateErr(s.UserID)
	}
	if s.ExternalSubscriptionID != "" {
		for _, other := range m.rows {
			if other.ExternalSubscriptionID == s.ExternalSubscriptionID {
				return types.NewAppError(types.ErrCodeDuplicateSubscription, "subscription already exists", nil)
			}
		}
	}

	now := m.clock.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Version = 1
	m.rows[s.ID] = s.Clone()
	return nil
}

// Get returns a copy of the subscription.
func (m *MemorySubscriptionStore) Get(_ context.Context, id string) (*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, notFound("subscription not found")
	}
	return s.Clone(), nil
}

func (m *MemorySubscriptionStore) filter(keep func(*types.Subscription) bool) []*types.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Subscription
	for _, s := range m.rows {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// FindControlling returns the user's controlling subscription.
func (m *MemorySubscriptionStore) FindControlling(_ context.Context, userID string) (*types.Subscription, error) {
	found := m.filter(func(s *types.Subscription) bool {
		return s.UserID == userID && s.Status.Controlling()
	})
	if len(found) == 0 {
		return nil, notFound("no active subscription")
	}
	return found[0], nil
}

// FindLatestEnded returns the cancelled or expired row with the latest end date.
func (m *MemorySubscriptionStore) FindLatestEnded(_ context.Context, userID string) (*types.Subscription, error) {
	found := m.filter(func(s *types.Subscription) bool {
		return s.UserID == userID && s.Status.Terminal()
	})
	if len(found) == 0 {
		return nil, notFound("no cancelled subscription found")
	}
	sort.Slice(found, func(i, j int) bool { return found[i].EndDate.After(found[j].EndDate) })
	return found[0], nil
}

// FindByExternalID resolves a gateway subscription id.
func (m *MemorySubscriptionStore) FindByExternalID(_ context.Context, externalID string) (*types.Subscription, error) {
	found := m.filter(func(s *types.Subscription) bool {
		return externalID != "" && s.ExternalSubscriptionID == externalID
	})
	if len(found) == 0 {
		return nil, notFound("subscription not found")
	}
	return found[0], nil
}

// ListByUser returns all of the user's rows, newest first.
func (m *MemorySubscriptionStore) ListByUser(_ context.Context, userID string) ([]*types.Subscription, error) {
	found := m.filter(func(s *types.Subscription) bool { return s.UserID == userID })
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return found, nil
}

// ListDueDowngrades returns controlling rows whose downgrade is due.
func (m *MemorySubscriptionStore) ListDueDowngrades(_ context.Context, now time.Time) ([]*types.Subscription, error) {
	return m.filter(func(s *types.Subscription) bool {
		return s.Status.Controlling() && s.DowngradeTargetTier != "" &&
			s.DowngradeScheduledFor != nil && !s.DowngradeScheduledFor.After(now)
	}), nil
}

// ListLapsed returns non-renewing trial/active rows that ended before cutoff.
func (m *MemorySubscriptionStore) ListLapsed(_ context.Context, cutoff time.Time) ([]*types.Subscription, error) {
	return m.filter(func(s *types.Subscription) bool {
		return (s.Status == types.StatusTrial || s.Status == types.StatusActive) &&
			!s.AutoRenew && s.EndDate.Before(cutoff)
	}), nil
}

var errNotControlling = errors.New("subscription no longer controlling")

// ResetMonthlyUsage zeroes ordersThisMonth on controlling rows. Each row goes
// through Update so a concurrent writer cannot restore a stale counter.
func (m *MemorySubscriptionStore) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rows))
	for id, s := range m.rows {
		if s.Status.Controlling() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var n int64
	for _, id := range ids {
		_, err := m.Update(ctx, id, func(s *types.Subscription) error {
			if !s.Status.Controlling() {
				return errNotControlling
			}
			s.Usage.OrdersThisMonth = 0
			return nil
		})
		if errors.Is(err, errNotControlling) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Update applies mutate to a copy under the subscription's mutex.
func (m *MemorySubscriptionStore) Update(ctx context.Context, id string, mutate func(*types.Subscription) error) (*types.Subscription, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if next.Status.Controlling() && m.controllingConflict(next.UserID, next.ID) {
		return nil, duplicateErr(next.UserID)
	}
	m.rows[id] = next.Clone()
	return next, nil
}

// MemoryWebhookEventStore mirrors WebhookEventRepository in memory.
type MemoryWebhookEventStore struct {
	mu     sync.Mutex
	events map[string]string
}

// NewMemoryWebhookEventStore returns an empty store.
func NewMemoryWebhookEventStore() *MemoryWebhookEventStore {
	return &MemoryWebhookEventStore{events: make(map[string]string)}
}

func eventKey(provider types.GatewayProvider, eventID string) string {
	return string(provider) + ":" + eventID
}

// Lookup returns the recorded state of an event, or "" if unseen.
func (m *MemoryWebhookEventStore) Lookup(_ context.Context, provider types.GatewayProvider, eventID string) (string, error) {
	return m.Status(provider, eventID), nil
}

// Claim returns true for an unseen or previously failed event.
func (m *MemoryWebhookEventStore) Claim(_ context.Context, provider types.GatewayProvider, eventID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey(provider, eventID)
	if status, ok := m.events[k]; ok && status != WebhookEventFailed {
		return false, nil
	}
	m.events[k] = WebhookEventProcessing
	return true, nil
}

// Complete marks the event processed.
func (m *MemoryWebhookEventStore) Complete(_ context.Context, provider types.GatewayProvider, eventID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventKey(provider, eventID)] = WebhookEventProcessed
	return nil
}

// Fail releases the event for redelivery.
func (m *MemoryWebhookEventStore) Fail(_ context.Context, provider types.GatewayProvider, eventID string, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventKey(provider, eventID)] = WebhookEventFailed
	return nil
}

// Status returns the recorded state of an event, or "" if unseen.
func (m *MemoryWebhookEventStore) Status(provider types.GatewayProvider, eventID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[eventKey(provider, eventID)]
}

// MemoryAuditLog keeps audit entries in memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []types.AuditEvent
}

// Log appends a copy of e.
func (m *MemoryAuditLog) Log(_ context.Context, e *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.entries = append(m.entries, *e)
	return nil
}

// Entries returns a snapshot of everything logged so far.
func (m *MemoryAuditLog) Entries() []types.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuditEvent, len(m.entries))
	copy(out, m.entries)
	return out
}
