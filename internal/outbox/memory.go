package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/trading"
)

// MemoryStore keeps messages in process. It is used by the simulation and tests.
type MemoryStore struct {
	mu   sync.Mutex
	msgs map[string]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]*Message)}
}

func (s *MemoryStore) Insert(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(msgs)
}

func (s *MemoryStore) insertLocked(msgs []Message) error {
	for _, m := range msgs {
		if _, exists := s.msgs[m.ID]; exists {
			return fmt.Errorf("outbox message %s already exists", m.ID)
		}
	}
	for _, m := range msgs {
		m := m
		s.msgs[m.ID] = &m
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) FetchDue(_ context.Context, now time.Time, limit int) ([]Message, error) {
	return s.filter(limit, func(m *Message) bool {
		return m.PublishedAt == nil && m.DeadLetteredAt == nil &&
			(m.NextAttemptAt == nil || !m.NextAttemptAt.After(now))
	}), nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.PublishedAt != nil || m.DeadLetteredAt != nil {
		return false, nil
	}
	m.PublishedAt = &at
	m.NextAttemptAt = nil
	return true, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, attempts int, lastErr string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.PublishedAt != nil || m.DeadLetteredAt != nil {
		return nil
	}
	m.Attempts = attempts
	m.LastError = &lastErr
	m.NextAttemptAt = &next
	return nil
}

func (s *MemoryStore) MarkDeadLettered(_ context.Context, id string, attempts int, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.PublishedAt != nil || m.DeadLetteredAt != nil {
		return nil
	}
	m.Attempts = attempts
	m.LastError = &lastErr
	m.NextAttemptAt = nil
	m.DeadLetteredAt = &at
	return nil
}

func (s *MemoryStore) FetchDeadLettered(_ context.Context, limit int) ([]Message, error) {
	return s.filter(limit, func(m *Message) bool {
		return m.DeadLetteredAt != nil
	}), nil
}

func (s *MemoryStore) Redrive(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.DeadLetteredAt == nil {
		return false, nil
	}
	m.Attempts = 0
	m.PublishedAt = nil
	m.DeadLetteredAt = nil
	m.NextAttemptAt = &now
	return true, nil
}

func (s *MemoryStore) ListByAggregate(_ context.Context, aggregateID string) ([]Message, error) {
	return s.filter(0, func(m *Message) bool {
		return m.AggregateID == aggregateID
	}), nil
}

func (s *MemoryStore) Counts(_ context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, m := range s.msgs {
		switch m.State() {
		case StatePublished:
			c.Published++
		case StateDeadLettered:
			c.DeadLettered++
		default:
			c.Pending++
		}
	}
	return c, nil
}

// All returns every message oldest first
func (s *MemoryStore) All() []Message {
	return s.filter(0, func(*Message) bool { return true })
}

func (s *MemoryStore) filter(limit int, keep func(m *Message) bool) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0)
	for _, m := range s.msgs {
		if keep(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MemoryUnitOfWork stages order and message writes and applies them only
// when the whole unit succeeds. Units run one at a time.
type MemoryUnitOfWork struct {
	store *MemoryStore

	mu     sync.Mutex
	orders map[string]trading.Snapshot
}

func NewMemoryUnitOfWork(store *MemoryStore) *MemoryUnitOfWork {
	return &MemoryUnitOfWork{
		store:  store,
		orders: make(map[string]trading.Snapshot),
	}
}

func (u *MemoryUnitOfWork) Do(ctx context.Context, fn func(tx Tx) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	tx := &memoryTx{committed: u.orders, staged: make(map[string]trading.Snapshot)}
	if err := fn(tx); err != nil {
		return err
	}

	u.store.mu.Lock()
	err := u.store.insertLocked(tx.msgs)
	u.store.mu.Unlock()
	if err != nil {
		return err
	}
	for id, snap := range tx.staged {
		u.orders[id] = snap
	}
	return nil
}

// Order returns the committed state of an order
func (u *MemoryUnitOfWork) Order(id string) (*trading.Order, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	snap, ok := u.orders[id]
	if !ok {
		return nil, false
	}
	return trading.Rehydrate(snap), true
}

type memoryTx struct {
	committed map[string]trading.Snapshot
	staged    map[string]trading.Snapshot
	msgs      []Message
}

func (t *memoryTx) SaveOrder(_ context.Context, order *trading.Order) error {
	current, ok := t.staged[order.ID()]
	if !ok {
		current, ok = t.committed[order.ID()]
	}
	if order.IsNew() {
		if ok {
			return fmt.Errorf("%w: order %s already exists", trading.ErrVersionConflict, order.ID())
		}
	} else if !ok || current.Version != order.PersistedVersion() {
		return fmt.Errorf("%w: order %s expected version %d", trading.ErrVersionConflict, order.ID(), order.PersistedVersion())
	}
	t.staged[order.ID()] = order.Snapshot()
	return nil
}

func (t *memoryTx) InsertMessages(_ context.Context, msgs []Message) error {
	t.msgs = append(t.msgs, msgs...)
	return nil
}
