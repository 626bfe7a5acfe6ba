// Package availability maintains a read-optimized snapshot of who can
// take work right now. Readers get a consistent immutable view; writers
// build a replacement and swap one pointer, so scoring never blocks on
// a rebuild.
package availability

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fieldops/internal/model"
	"fieldops/internal/store"
)

// TechDay is one technician's standing for a service date.
type TechDay struct {
	Technician model.Technician
	JobCount   int
	WorkOrders []model.WorkOrder
}

type snapshot struct {
	date    string
	byTech  map[string]*TechDay
	byCat   map[model.ServiceCategory][]string // sorted technician ids
	builtAt time.Time
}

// Index is the swap-pointer availability view for a single tenant and
// date. A full Rebuild runs on a timer; Apply folds individual
// assignment changes in between rebuilds so the view does not go stale
// for the common case.
type Index struct {
	tenantID string
	st       store.Store
	log      zerolog.Logger

	snap atomic.Pointer[snapshot]
}

func NewIndex(tenantID string, st store.Store, log zerolog.Logger) *Index {
	ix := &Index{tenantID: tenantID, st: st, log: log}
	ix.snap.Store(&snapshot{byTech: map[string]*TechDay{}, byCat: map[model.ServiceCategory][]string{}})
	return ix
}

// Rebuild constructs a fresh snapshot for the date from the store and
// swaps it in. Readers holding the old snapshot keep a consistent view.
func (ix *Index) Rebuild(ctx context.Context, date string) error {
	techs, err := ix.st.ListTechnicians(ctx, ix.tenantID)
	if err != nil {
		return err
	}
	assigned, err := ix.st.ListAssignedForDate(ctx, ix.tenantID, date)
	if err != nil {
		return err
	}
	s := &snapshot{
		date:    date,
		byTech:  make(map[string]*TechDay, len(techs)),
		byCat:   map[model.ServiceCategory][]string{},
		builtAt: time.Now().UTC(),
	}
	for _, t := range techs {
		if !t.Active {
			continue
		}
		s.byTech[t.ID] = &TechDay{Technician: t}
	}
	for _, wo := range assigned {
		if td, ok := s.byTech[wo.TechnicianID]; ok {
			td.JobCount++
			td.WorkOrders = append(td.WorkOrders, wo)
		}
	}
	for _, c := range model.Categories() {
		for _, t := range techs {
			if t.Active && t.HasSkill(c) {
				s.byCat[c] = append(s.byCat[c], t.ID)
			}
		}
	}
	ix.snap.Store(s)
	ix.log.Debug().Str("date", date).Int("technicians", len(s.byTech)).Msg("availability snapshot rebuilt")
	return nil
}

// CandidatesFor returns active technicians skilled for the category, in
// stable id order. The returned slice is freshly built per call; the
// snapshot itself is never mutated by readers.
func (ix *Index) CandidatesFor(category model.ServiceCategory) []TechDay {
	s := ix.snap.Load()
	ids := s.byCat[category]
	out := make([]TechDay, 0, len(ids))
	for _, id := range ids {
		if td, ok := s.byTech[id]; ok {
			out = append(out, *td)
		}
	}
	return out
}

// ScheduleOf returns the technician's day view, ok=false when unknown.
func (ix *Index) ScheduleOf(technicianID string) (TechDay, bool) {
	s := ix.snap.Load()
	td, ok := s.byTech[technicianID]
	if !ok {
		return TechDay{}, false
	}
	return *td, true
}

// Date returns the service date of the current snapshot.
func (ix *Index) Date() string { return ix.snap.Load().date }

// Apply folds a committed assignment change into a copied snapshot and
// swaps it in. oldTech is empty for a first assignment; wo may be the
// zero value when only releasing.
func (ix *Index) Apply(oldTech, newTech string, wo model.WorkOrder) {
	cur := ix.snap.Load()
	s := &snapshot{date: cur.date, byTech: make(map[string]*TechDay, len(cur.byTech)), byCat: cur.byCat, builtAt: cur.builtAt}
	for id, td := range cur.byTech {
		cp := *td
		cp.WorkOrders = append([]model.WorkOrder(nil), td.WorkOrders...)
		s.byTech[id] = &cp
	}
	if td, ok := s.byTech[oldTech]; ok {
		kept := td.WorkOrders[:0]
		for _, w := range td.WorkOrders {
			if w.ID != wo.ID {
				kept = append(kept, w)
			}
		}
		td.WorkOrders = kept
		td.JobCount = len(kept)
	}
	if td, ok := s.byTech[newTech]; ok && wo.ID != "" {
		td.WorkOrders = append(td.WorkOrders, wo)
		td.JobCount = len(td.WorkOrders)
	}
	ix.snap.Store(s)
}

// Run rebuilds on the interval until ctx is cancelled. Errors are
// logged and retried on the next tick; the previous snapshot stays
// serving in the meantime.
func (ix *Index) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			date := now.UTC().Format("2006-01-02")
			if err := ix.Rebuild(ctx, date); err != nil {
				ix.log.Error().Err(err).Msg("availability rebuild failed")
			}
		}
	}
}

// Set keys one Index per tenant, materialized on first use. Scoring
// always reads the caller's tenant, so one business's work is never
// offered to another business's technicians.
type Set struct {
	st  store.Store
	log zerolog.Logger

	mu       sync.Mutex
	byTenant map[string]*Index
}

func NewSet(st store.Store, log zerolog.Logger) *Set {
	return &Set{st: st, log: log, byTenant: map[string]*Index{}}
}

// For returns the tenant's index, building its first snapshot for
// today's service date when the tenant has not been seen yet. A tenant
// whose first build fails is not registered; the next call retries.
func (s *Set) For(ctx context.Context, tenantID string) (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ix, ok := s.byTenant[tenantID]; ok {
		return ix, nil
	}
	ix := NewIndex(tenantID, s.st, s.log)
	if err := ix.Rebuild(ctx, time.Now().UTC().Format("2006-01-02")); err != nil {
		return nil, err
	}
	s.byTenant[tenantID] = ix
	return ix, nil
}

// Tenants returns the tenants materialized so far, in stable order.
// Background loops use it to cover every tenant with live traffic.
func (s *Set) Tenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byTenant))
	for t := range s.byTenant {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run rebuilds every materialized index on the interval until ctx is
// cancelled.
func (s *Set) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			date := now.UTC().Format("2006-01-02")
			s.mu.Lock()
			ixs := make([]*Index, 0, len(s.byTenant))
			for _, ix := range s.byTenant {
				ixs = append(ixs, ix)
			}
			s.mu.Unlock()
			for _, ix := range ixs {
				if err := ix.Rebuild(ctx, date); err != nil {
					s.log.Error().Err(err).Str("tenant", ix.tenantID).Msg("availability rebuild failed")
				}
			}
		}
	}
}
