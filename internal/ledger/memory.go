package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
)

// arena holds the rows of one partition.
type arena struct {
	mu   sync.RWMutex
	meta model.Partition
	rows []*model.ActivityEvent
	byID map[uuid.UUID]*model.ActivityEvent
}

func newArena(p model.Partition) *arena {
	return &arena{meta: p, byID: make(map[uuid.UUID]*model.ActivityEvent)}
}

// scan is the scoped iterator: rows of other tenants are skipped before fn
// ever sees them. Caller holds a.mu.
func (a *arena) scan(tenantID string, fn func(*model.ActivityEvent)) {
	for _, e := range a.rows {
		if e.TenantID != tenantID {
			continue
		}
		fn(e)
	}
}

// MemoryStore is the in-process Store: an arena per partition plus a router.
// Appends to different partitions only share the index read lock.
type MemoryStore struct {
	clock clock.Clock

	mu         sync.RWMutex // guards router, arenas and catalog
	router     *Router
	arenas     map[string]*arena
	catalog    map[string]model.Partition // every partition ever created, dropped included
	exceptions *arena
}

// NewMemoryStore creates an empty store with no partitions.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStore{
		clock:   clk,
		router:  NewRouter(nil),
		arenas:  make(map[string]*arena),
		catalog: make(map[string]model.Partition),
		exceptions: newArena(model.Partition{
			Name:  model.ExceptionsPartition,
			State: model.PartitionActive,
		}),
	}
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Insert(_ context.Context, scope tenant.Scope, e *model.ActivityEvent) error {
	if err := scope.Check("ledger.insert"); err != nil {
		return err
	}
	if e.TenantID != scope.TenantID() {
		return errs.TenantIsolation(scope.TenantID(), e.TenantID, "ledger.insert")
	}

	s.mu.RLock()
	p, ok := s.router.Route(e.OccurredAt)
	var a *arena
	if ok {
		a = s.arenas[p.Name]
	}
	s.mu.RUnlock()
	if a == nil {
		return errs.NoCoveringPartition(e.OccurredAt.Format(time.RFC3339Nano))
	}

	row := e.Clone()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.byID == nil {
		return errs.NoCoveringPartition(e.OccurredAt.Format(time.RFC3339Nano))
	}
	if a.meta.State == model.PartitionArchived {
		at := *a.meta.ArchivedAt
		row.Archived = true
		row.ArchivedAt = &at
		e.Archived = true
		e.ArchivedAt = &at
	}
	a.rows = append(a.rows, row)
	a.byID[row.ID] = row
	return nil
}

// scopedArenas returns the arenas a query over [from, to) must visit.
func (s *MemoryStore) scopedArenas(from, to time.Time, includeExceptions bool) []*arena {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*arena
	for _, p := range s.router.Overlapping(from, to) {
		out = append(out, s.arenas[p.Name])
	}
	if includeExceptions {
		out = append(out, s.exceptions)
	}
	return out
}

func (s *MemoryStore) Query(_ context.Context, scope tenant.Scope, q model.EventQuery) ([]*model.ActivityEvent, error) {
	if err := scope.Check("ledger.query"); err != nil {
		return nil, err
	}

	var out []*model.ActivityEvent
	seen := make(map[uuid.UUID]struct{})
	for _, a := range s.scopedArenas(q.From, q.To, q.IncludeArchived) {
		a.mu.RLock()
		a.scan(scope.TenantID(), func(e *model.ActivityEvent) {
			if !q.Matches(e) || !model.AfterCursor(e, q.After) {
				return
			}
			if _, dup := seen[e.ID]; dup {
				return
			}
			seen[e.ID] = struct{}{}
			out = append(out, e.Clone())
		})
		a.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return model.Before(out[i], out[j]) })
	if q.Limit > 0 && len(out) > q.Limit+1 {
		out = out[:q.Limit+1]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, scope tenant.Scope, id uuid.UUID) (*model.ActivityEvent, error) {
	if err := scope.Check("ledger.get"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	arenas := make([]*arena, 0, len(s.arenas)+1)
	for _, a := range s.arenas {
		arenas = append(arenas, a)
	}
	arenas = append(arenas, s.exceptions)
	s.mu.RUnlock()

	for _, a := range arenas {
		a.mu.RLock()
		e, ok := a.byID[id]
		if ok && e.TenantID == scope.TenantID() {
			cp := e.Clone()
			a.mu.RUnlock()
			return cp, nil
		}
		a.mu.RUnlock()
	}
	return nil, errs.NotFound("activity event", id.String())
}

func (s *MemoryStore) Aggregate(_ context.Context, scope tenant.Scope, from, to time.Time) (*model.EventAggregate, error) {
	if err := scope.Check("ledger.aggregate"); err != nil {
		return nil, err
	}

	acc := newAggregator()
	for _, a := range s.scopedArenas(from, to, false) {
		a.mu.RLock()
		a.scan(scope.TenantID(), func(e *model.ActivityEvent) {
			if e.Archived || e.OccurredAt.Before(from) || !e.OccurredAt.Before(to) {
				return
			}
			acc.add(e)
		})
		a.mu.RUnlock()
	}
	return acc.result(), nil
}

func (s *MemoryStore) CreatePartition(_ context.Context, p model.Partition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.catalog[p.Name]; exists {
		return false, nil
	}
	if overlapping := s.router.Overlapping(p.Start, p.End); len(overlapping) > 0 {
		return false, errs.Validation("partition", "%s overlaps %s", p.Name, overlapping[0].Name)
	}
	if p.State == "" {
		p.State = model.PartitionPlanned
	}
	p.CreatedAt = s.clock.Now()
	s.catalog[p.Name] = p
	s.arenas[p.Name] = newArena(p)
	s.router.Put(p)
	return true, nil
}

func (s *MemoryStore) ListPartitions(_ context.Context) ([]model.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Partition, 0, len(s.catalog))
	for name, p := range s.catalog {
		if a, ok := s.arenas[name]; ok {
			a.mu.RLock()
			p = a.meta
			a.mu.RUnlock()
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// withArena runs fn with the named arena write-locked and publishes the new
// metadata to the catalog and router afterwards.
func (s *MemoryStore) withArena(name string, fn func(a *arena) error) error {
	s.mu.RLock()
	a, ok := s.arenas[name]
	s.mu.RUnlock()
	if !ok {
		return errs.NotFound("partition", name)
	}

	a.mu.Lock()
	err := fn(a)
	meta := a.meta
	a.mu.Unlock()

	s.mu.Lock()
	s.catalog[name] = meta
	s.router.Put(meta)
	s.mu.Unlock()
	return err
}

func (s *MemoryStore) SetPartitionState(_ context.Context, name string, state model.PartitionState, at time.Time) error {
	if state == model.PartitionDropped {
		return errs.Validation("state", "use DropPartition to drop %s", name)
	}
	return s.withArena(name, func(a *arena) error {
		applyState(&a.meta, state, at)
		return nil
	})
}

func (s *MemoryStore) ArchivePartition(_ context.Context, name string, at time.Time) (int64, error) {
	var changed int64
	err := s.withArena(name, func(a *arena) error {
		stamp := at
		if a.meta.ArchivedAt != nil {
			stamp = *a.meta.ArchivedAt
		}
		for _, e := range a.rows {
			if e.Archived {
				continue
			}
			t := stamp
			e.Archived = true
			e.ArchivedAt = &t
			changed++
		}
		applyState(&a.meta, model.PartitionArchived, stamp)
		a.meta.RowCount = int64(len(a.rows))
		return nil
	})
	return changed, err
}

func (s *MemoryStore) MigrateExceptions(_ context.Context, name string, severities []model.Severity, at time.Time) (int64, error) {
	s.mu.RLock()
	a, ok := s.arenas[name]
	s.mu.RUnlock()
	if !ok {
		return 0, errs.NotFound("partition", name)
	}

	exempt := make(map[model.Severity]bool, len(severities))
	for _, sev := range severities {
		exempt[sev] = true
	}

	a.mu.RLock()
	var picked []*model.ActivityEvent
	for _, e := range a.rows {
		if exempt[e.Severity] {
			picked = append(picked, e.Clone())
		}
	}
	a.mu.RUnlock()

	x := s.exceptions
	x.mu.Lock()
	defer x.mu.Unlock()
	var moved int64
	for _, e := range picked {
		if _, dup := x.byID[e.ID]; dup {
			continue
		}
		if !e.Archived {
			t := at
			e.Archived = true
			e.ArchivedAt = &t
		}
		x.rows = append(x.rows, e)
		x.byID[e.ID] = e
		moved++
	}
	return moved, nil
}

func (s *MemoryStore) DropPartition(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.catalog[name]
	if !ok {
		return errs.NotFound("partition", name)
	}
	if a, live := s.arenas[name]; live {
		a.mu.Lock()
		p = a.meta
		a.rows = nil
		a.byID = nil
		a.mu.Unlock()
		delete(s.arenas, name)
	}
	if p.State != model.PartitionDropped {
		applyState(&p, model.PartitionDropped, at)
	}
	s.catalog[name] = p
	s.router.Put(p)
	return nil
}

func (s *MemoryStore) ExportPartition(_ context.Context, name string, fn func(*model.ActivityEvent) error) error {
	s.mu.RLock()
	a, ok := s.arenas[name]
	s.mu.RUnlock()
	if !ok {
		return errs.NotFound("partition", name)
	}

	a.mu.RLock()
	rows := make([]*model.ActivityEvent, len(a.rows))
	for i, e := range a.rows {
		rows[i] = e.Clone()
	}
	a.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return model.Before(rows[i], rows[j]) })
	for _, e := range rows {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) SetColdKey(_ context.Context, name, key string) error {
	return s.withArena(name, func(a *arena) error {
		a.meta.ColdKey = key
		return nil
	})
}

// applyState moves p to state, stamping the transition time once.
func applyState(p *model.Partition, state model.PartitionState, at time.Time) {
	p.State = state
	t := at
	switch state {
	case model.PartitionActive:
		if p.ActivatedAt == nil {
			p.ActivatedAt = &t
		}
	case model.PartitionArchived:
		if p.ArchivedAt == nil {
			p.ArchivedAt = &t
		}
	case model.PartitionDropped:
		if p.DroppedAt == nil {
			p.DroppedAt = &t
		}
	}
}
