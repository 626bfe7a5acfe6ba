// Package dispatch owns the work order lifecycle: qualification,
// technician selection, and status transitions.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fieldops/internal/availability"
	"fieldops/internal/config"
	"fieldops/internal/metrics"
	"fieldops/internal/model"
	"fieldops/internal/scoring"
	"fieldops/internal/store"
	"fieldops/internal/travel"
)

var (
	// ErrNoEligibleTechnician means every candidate was hard-filtered:
	// wrong trade or beyond the travel ceiling.
	ErrNoEligibleTechnician = errors.New("no eligible technician")
	// ErrUnqualifiedLead means the work order failed qualification and
	// stays in created for manual triage.
	ErrUnqualifiedLead = errors.New("unqualified lead")
)

// Events receives lifecycle notifications. The API layer fans these to
// SSE, webhooks, and MQTT; the scheduler does not know or care.
type Events interface {
	Publish(ctx context.Context, tenantID, eventType string, payload map[string]any)
}

// NopEvents discards events, used by tests and batch tools.
type NopEvents struct{}

func (NopEvents) Publish(context.Context, string, string, map[string]any) {}

// Scheduler drives work orders through the lifecycle. All writes go
// through the store's optimistic version checks; a lost race is retried
// with fresh data up to CommitRetries times.
type Scheduler struct {
	cfg    config.DispatchConfig
	st     store.Store
	idx    *availability.Set
	est    travel.Estimator
	events Events
	log    zerolog.Logger

	now func() time.Time
}

func NewScheduler(cfg config.DispatchConfig, st store.Store, idx *availability.Set, est travel.Estimator, events Events, log zerolog.Logger) *Scheduler {
	if events == nil {
		events = NopEvents{}
	}
	return &Scheduler{cfg: cfg, st: st, idx: idx, est: est, events: events, log: log, now: time.Now}
}

func (s *Scheduler) weights() scoring.Weights {
	return scoring.Weights{
		Skill:       s.cfg.SkillWeight,
		Travel:      s.cfg.TravelWeight,
		Workload:    s.cfg.WorkloadWeight,
		History:     s.cfg.HistoryWeight,
		LocationAge: s.cfg.LocationAgeWeight,
	}
}

// Qualify validates a created work order and moves it to qualified.
// A lead with no skilled technician inside the service area fails with
// ErrUnqualifiedLead and stays in created for manual triage.
func (s *Scheduler) Qualify(ctx context.Context, tenantID, workOrderID string) (model.WorkOrder, error) {
	wo, err := s.st.GetWorkOrder(ctx, tenantID, workOrderID)
	if err != nil {
		return model.WorkOrder{}, err
	}
	if wo.Status != model.StatusCreated {
		return model.WorkOrder{}, store.ErrInvalidTransition
	}
	if !model.ValidCategory(wo.Category) || !model.ValidPriority(wo.Priority) {
		return model.WorkOrder{}, ErrUnqualifiedLead
	}
	prop, err := s.st.GetProperty(ctx, tenantID, wo.PropertyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.WorkOrder{}, ErrUnqualifiedLead
		}
		return model.WorkOrder{}, err
	}
	ix, err := s.idx.For(ctx, tenantID)
	if err != nil {
		return model.WorkOrder{}, err
	}
	if !s.inServiceArea(ix, prop.Location, wo.Category) {
		return model.WorkOrder{}, ErrUnqualifiedLead
	}
	updated, err := s.st.UpdateWorkOrderStatus(ctx, tenantID, workOrderID, wo.Version, model.StatusQualified, "")
	if err != nil {
		return model.WorkOrder{}, err
	}
	s.events.Publish(ctx, tenantID, "workorder.status_changed", statusPayload(updated, wo.Status))
	return updated, nil
}

// inServiceArea reports whether any skilled technician's base is within
// the configured radius of the property.
func (s *Scheduler) inServiceArea(ix *availability.Index, at model.GeoPoint, category model.ServiceCategory) bool {
	radiusM := float64(s.cfg.ServiceAreaRadiusKm) * 1000
	for _, td := range ix.CandidatesFor(category) {
		base := basePoint(td.Technician)
		if base == nil {
			continue
		}
		if travel.HaversineMeters(*base, at) <= radiusM {
			return true
		}
	}
	return false
}

func basePoint(t model.Technician) *model.GeoPoint {
	if t.HomeBase != nil {
		return t.HomeBase
	}
	if t.Location != nil {
		return &t.Location.Point
	}
	return nil
}

// Assign selects the best technician for a qualified work order and
// commits the assignment. Emergency priority scores travel from live
// technician positions instead of home base.
//
// Concurrent assigns of the same work order are resolved by the version
// check: the first commit wins, later ones observe the assigned status
// and return the winner's assignment.
func (s *Scheduler) Assign(ctx context.Context, tenantID, workOrderID string) (model.WorkOrder, model.Assignment, error) {
	start := s.now()
	ix, err := s.idx.For(ctx, tenantID)
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	for attempt := 0; attempt <= s.cfg.CommitRetries; attempt++ {
		wo, err := s.st.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return model.WorkOrder{}, model.Assignment{}, err
		}
		if wo.Status == model.StatusAssigned {
			a, err := s.st.ActiveAssignment(ctx, tenantID, workOrderID)
			if err != nil {
				return model.WorkOrder{}, model.Assignment{}, err
			}
			return wo, a, nil
		}
		if wo.Status != model.StatusQualified {
			return model.WorkOrder{}, model.Assignment{}, store.ErrInvalidTransition
		}
		prop, err := s.st.GetProperty(ctx, tenantID, wo.PropertyID)
		if err != nil {
			return model.WorkOrder{}, model.Assignment{}, err
		}
		best, err := s.selectBest(ctx, ix, wo, prop)
		if err != nil {
			if errors.Is(err, ErrNoEligibleTechnician) {
				metrics.AssignmentOutcomes.WithLabelValues("no_eligible").Inc()
				if wo.Priority == model.PriorityEmergency {
					s.events.Publish(ctx, tenantID, "escalation.oncall", map[string]any{
						"workOrderId": wo.ID, "category": string(wo.Category), "reason": "no eligible technician",
					})
				}
			}
			return model.WorkOrder{}, model.Assignment{}, err
		}
		a := model.Assignment{
			TechnicianID: best.TechnicianID,
			Score:        best.Value,
			Breakdown:    best.Breakdown,
			Reason:       assignReason(wo.Priority),
		}
		updated, committed, err := s.st.CommitAssignment(ctx, tenantID, workOrderID, wo.Version, a)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.AssignmentOutcomes.WithLabelValues("conflict_retry").Inc()
			s.log.Debug().Str("workOrder", workOrderID).Int("attempt", attempt).Msg("assignment commit lost race, retrying")
			continue
		}
		if err != nil {
			metrics.AssignmentOutcomes.WithLabelValues("error").Inc()
			return model.WorkOrder{}, model.Assignment{}, err
		}
		metrics.AssignmentOutcomes.WithLabelValues("committed").Inc()
		metrics.AssignmentDuration.Observe(s.now().Sub(start).Seconds())
		ix.Apply("", committed.TechnicianID, updated)
		s.events.Publish(ctx, tenantID, "assignment.created", map[string]any{
			"workOrderId": updated.ID, "assignmentId": committed.ID,
			"technicianId": committed.TechnicianID, "score": committed.Score,
			"priority": string(updated.Priority),
		})
		s.events.Publish(ctx, tenantID, "workorder.status_changed", statusPayload(updated, model.StatusQualified))
		return updated, committed, nil
	}
	return model.WorkOrder{}, model.Assignment{}, store.ErrVersionConflict
}

func assignReason(p model.Priority) string {
	if p == model.PriorityEmergency {
		return "emergency_insert"
	}
	return "batch_score"
}

// Reassign releases the active assignment and selects again, excluding
// nobody: the scorer may well pick the same technician when conditions
// have not changed.
func (s *Scheduler) Reassign(ctx context.Context, tenantID, workOrderID string) (model.WorkOrder, model.Assignment, error) {
	wo, err := s.st.GetWorkOrder(ctx, tenantID, workOrderID)
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	if wo.Status != model.StatusAssigned {
		return model.WorkOrder{}, model.Assignment{}, store.ErrInvalidTransition
	}
	ix, err := s.idx.For(ctx, tenantID)
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	prev := wo.TechnicianID
	released, err := s.st.ReleaseAssignment(ctx, tenantID, workOrderID, wo.Version)
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	ix.Apply(prev, "", released)
	s.events.Publish(ctx, tenantID, "assignment.superseded", map[string]any{
		"workOrderId": workOrderID, "technicianId": prev,
	})
	return s.Assign(ctx, tenantID, workOrderID)
}

type scored struct {
	res scoring.Result
}

// selectBest scores candidates concurrently and picks the winner. A
// candidate whose travel lookup fails is skipped, not fatal: one flaky
// technician must not block dispatch. Ties go to the lexically smaller
// technician id so reruns are deterministic.
func (s *Scheduler) selectBest(ctx context.Context, ix *availability.Index, wo model.WorkOrder, prop model.Property) (scoring.Result, error) {
	cands := ix.CandidatesFor(wo.Category)
	if len(cands) == 0 {
		return scoring.Result{}, ErrNoEligibleTechnician
	}
	metrics.CandidatesScored.Observe(float64(len(cands)))

	departAt := s.now()
	if wo.Window != nil && wo.Window.Start.After(departAt) && wo.Priority != model.PriorityEmergency {
		departAt = wo.Window.Start
	}
	stale := time.Duration(s.cfg.LocationStaleMin) * time.Minute
	ceiling := time.Duration(s.cfg.TravelCeilingMin) * time.Minute

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ScoreWorkers)
	var mu sync.Mutex
	results := []scored{}
	for _, cand := range cands {
		cand := cand
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			// One live emergency per technician. A second emergency
			// competing for the same person escalates to on-call rather
			// than double-booking; the earlier-created job keeps them.
			if wo.Priority == model.PriorityEmergency && holdsActiveEmergency(cand) {
				return nil
			}
			res, ok, err := s.scoreCandidate(gctx, wo, prop, cand, departAt, stale, ceiling)
			if err != nil {
				s.log.Warn().Err(err).Str("technician", cand.Technician.ID).Str("workOrder", wo.ID).Msg("candidate scoring failed, skipping")
				return nil
			}
			if !ok {
				return nil
			}
			mu.Lock()
			results = append(results, scored{res: res})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return scoring.Result{}, err
	}
	if len(results) == 0 {
		return scoring.Result{}, ErrNoEligibleTechnician
	}
	sort.Slice(results, func(i, j int) bool {
		ri, rj := results[i].res, results[j].res
		if ri.Value == rj.Value {
			return ri.TechnicianID < rj.TechnicianID
		}
		return ri.Value > rj.Value
	})
	return results[0].res, nil
}

func holdsActiveEmergency(cand availability.TechDay) bool {
	for _, w := range cand.WorkOrders {
		if w.Priority == model.PriorityEmergency && !w.Status.Terminal() {
			return true
		}
	}
	return false
}

func (s *Scheduler) scoreCandidate(ctx context.Context, wo model.WorkOrder, prop model.Property, cand availability.TechDay, departAt time.Time, stale, ceiling time.Duration) (scoring.Result, bool, error) {
	t := cand.Technician
	in := scoring.Input{
		ExistingJobs:  cand.JobCount,
		TravelCeiling: ceiling,
		LocationStale: stale,
	}
	if t.Location != nil {
		in.HasLocation = true
		in.LocationAge = s.now().Sub(t.Location.TS)
	}

	// Emergencies travel from where the technician is right now; batch
	// work travels from base.
	origin := basePoint(t)
	if wo.Priority == model.PriorityEmergency && in.HasLocation && in.LocationAge < stale {
		origin = &t.Location.Point
	}
	if origin == nil {
		return scoring.Result{}, false, nil
	}
	est, err := s.estimate(ctx, wo.Priority, *origin, prop.Location, departAt)
	if err != nil {
		if errors.Is(err, travel.ErrRouteUnavailable) {
			return scoring.Result{}, false, nil
		}
		return scoring.Result{}, false, err
	}
	in.Travel = est

	served, err := s.st.HasServedCustomer(ctx, wo.TenantID, t.ID, wo.CustomerID)
	if err != nil {
		return scoring.Result{}, false, err
	}
	in.ServedBefore = served

	res, ok := scoring.Score(wo, t, in, s.weights())
	return res, ok, nil
}

// estimate prices a travel leg. Emergencies bypass any cache layer so
// the ETA reflects current conditions, never a value cached earlier.
func (s *Scheduler) estimate(ctx context.Context, p model.Priority, origin, dest model.GeoPoint, departAt time.Time) (travel.Estimate, error) {
	if p == model.PriorityEmergency {
		if f, ok := s.est.(travel.FreshEstimator); ok {
			return f.EstimateFresh(ctx, origin, dest, departAt)
		}
	}
	return s.est.Estimate(ctx, origin, dest, departAt)
}

// Transition applies a lifecycle edge requested over the API or from a
// device sync. expectVersion < 0 skips the optimistic check.
func (s *Scheduler) Transition(ctx context.Context, tenantID, workOrderID string, expectVersion int, to model.Status, reason string) (model.WorkOrder, error) {
	prev, err := s.st.GetWorkOrder(ctx, tenantID, workOrderID)
	if err != nil {
		return model.WorkOrder{}, err
	}
	updated, err := s.st.UpdateWorkOrderStatus(ctx, tenantID, workOrderID, expectVersion, to, reason)
	if err != nil {
		return model.WorkOrder{}, err
	}
	if to == model.StatusCompleted {
		s.markEquipmentServiced(ctx, updated)
	}
	if to.Terminal() && prev.TechnicianID != "" {
		if ix, err := s.idx.For(ctx, tenantID); err == nil {
			ix.Apply(prev.TechnicianID, "", updated)
		} else {
			s.log.Warn().Err(err).Str("tenant", tenantID).Msg("availability index unavailable, skipping apply")
		}
	}
	s.events.Publish(ctx, tenantID, "workorder.status_changed", statusPayload(updated, prev.Status))
	return updated, nil
}

func (s *Scheduler) markEquipmentServiced(ctx context.Context, wo model.WorkOrder) {
	now := s.now().UTC()
	for _, eqID := range wo.EquipmentIDs {
		if err := s.st.MarkEquipmentServiced(ctx, wo.TenantID, eqID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str("equipment", eqID).Msg("mark serviced failed")
		}
	}
}

// Cancel is a Transition to cancelled with a required reason.
func (s *Scheduler) Cancel(ctx context.Context, tenantID, workOrderID string, expectVersion int, reason string) (model.WorkOrder, error) {
	return s.Transition(ctx, tenantID, workOrderID, expectVersion, model.StatusCancelled, reason)
}

func statusPayload(wo model.WorkOrder, from model.Status) map[string]any {
	return map[string]any{
		"workOrderId": wo.ID,
		"from":        string(from),
		"to":          string(wo.Status),
		"version":     wo.Version,
	}
}

// priorityRank orders batch processing: emergencies drain first.
var priorityRank = map[model.Priority]int{
	model.PriorityEmergency:   0,
	model.PriorityUrgent:      1,
	model.PriorityRoutine:     2,
	model.PriorityMaintenance: 3,
}

// RunBatch assigns every qualified work order for the tenant, in
// priority then age order. Per-order failures are logged and the batch
// keeps going; an emergency arriving mid-batch gets picked up by the
// next cycle or by the synchronous emergency path in the API.
func (s *Scheduler) RunBatch(ctx context.Context, tenantID string) (assigned, failed int) {
	wos, _, err := s.st.ListWorkOrders(ctx, tenantID, model.StatusQualified, "", 500)
	if err != nil {
		s.log.Error().Err(err).Msg("batch list failed")
		return 0, 0
	}
	sort.SliceStable(wos, func(i, j int) bool {
		if priorityRank[wos[i].Priority] != priorityRank[wos[j].Priority] {
			return priorityRank[wos[i].Priority] < priorityRank[wos[j].Priority]
		}
		return wos[i].CreatedAt.Before(wos[j].CreatedAt)
	})
	for _, wo := range wos {
		if ctx.Err() != nil {
			return assigned, failed
		}
		if _, _, err := s.Assign(ctx, tenantID, wo.ID); err != nil {
			if !errors.Is(err, ErrNoEligibleTechnician) {
				s.log.Warn().Err(err).Str("workOrder", wo.ID).Msg("batch assign failed")
			}
			failed++
			continue
		}
		assigned++
	}
	return assigned, failed
}
