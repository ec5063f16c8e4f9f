package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
)

// MemoryStore keeps notifications in a map behind one mutex, which is the
// row lock Mutate relies on.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*model.Notification)}
}

func (s *MemoryStore) Insert(_ context.Context, scope tenant.Scope, n *model.Notification) error {
	if err := scope.Check("notify.insert"); err != nil {
		return err
	}
	if n.TenantID != scope.TenantID() {
		return errs.TenantIsolation(scope.TenantID(), n.TenantID, "notify.insert")
	}
	if err := model.CheckNotificationInvariants(n); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.rows[n.ID]; dup {
		return errs.Validation("id", "notification %s already exists", n.ID)
	}
	s.rows[n.ID] = n.Clone()
	return nil
}

// lookup returns the scope's row. Caller holds s.mu.
func (s *MemoryStore) lookup(scope tenant.Scope, id uuid.UUID) (*model.Notification, error) {
	n, ok := s.rows[id]
	if !ok || n.TenantID != scope.TenantID() {
		return nil, errs.NotFound("notification", id.String())
	}
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, scope tenant.Scope, id uuid.UUID) (*model.Notification, error) {
	if err := scope.Check("notify.get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(scope, id)
	if err != nil {
		return nil, err
	}
	return n.Clone(), nil
}

func (s *MemoryStore) Mutate(_ context.Context, scope tenant.Scope, id uuid.UUID, fn MutateFunc) (*model.Notification, error) {
	if err := scope.Check("notify.mutate"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.lookup(scope, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if !changed {
		return cur.Clone(), nil
	}
	if err := model.CheckNotificationInvariants(next); err != nil {
		return nil, err
	}
	s.rows[id] = next
	return next.Clone(), nil
}

// scan returns the scope's rows matching q in list order. Caller holds s.mu.
func (s *MemoryStore) scan(scope tenant.Scope, q model.NotificationQuery) []*model.Notification {
	var out []*model.Notification
	for _, n := range s.rows {
		if n.TenantID != scope.TenantID() || !q.Matches(n) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return model.NotificationBefore(out[i], out[j]) })
	return out
}

func (s *MemoryStore) List(_ context.Context, scope tenant.Scope, q model.NotificationQuery) ([]*model.Notification, error) {
	if err := scope.Check("notify.list"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.scan(scope, q)
	if q.Offset >= len(rows) {
		return []*model.Notification{}, nil
	}
	rows = rows[q.Offset:]
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]*model.Notification, len(rows))
	for i, n := range rows {
		out[i] = n.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, scope tenant.Scope, q model.NotificationQuery) (int64, error) {
	if err := scope.Check("notify.count"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.scan(scope, q))), nil
}

func (s *MemoryStore) ListActionable(_ context.Context, now time.Time, limit int) ([]Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var picked []*model.Notification
	for _, n := range s.rows {
		if n.Dismissed || !n.HasPending() {
			continue
		}
		if n.Expired(now) || n.Due(now) {
			picked = append(picked, n)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return model.NotificationBefore(picked[i], picked[j]) })
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	refs := make([]Ref, len(picked))
	for i, n := range picked {
		refs[i] = Ref{TenantID: n.TenantID, ID: n.ID}
	}
	return refs, nil
}
