package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fieldops/internal/availability"
	"fieldops/internal/config"
	"fieldops/internal/model"
	"fieldops/internal/store"
	"fieldops/internal/travel"
)

var propertyPoint = model.GeoPoint{Lat: 39.7392, Lng: -104.9903}

// ptAtKm offsets the property point roughly n km north.
func ptAtKm(n float64) *model.GeoPoint {
	return &model.GeoPoint{Lat: propertyPoint.Lat + n/111.0, Lng: propertyPoint.Lng}
}

type recordedEvent struct {
	Type    string
	Payload map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(_ context.Context, _, eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, Payload: payload})
}

func (r *eventRecorder) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	st    *store.Memory
	set   *availability.Set
	sched *Scheduler
	rec   *eventRecorder
}

func newFixture(t *testing.T, techs []model.Technician) *fixture {
	return newFixtureEst(t, techs, travel.NewHaversine(35))
}

func newFixtureEst(t *testing.T, techs []model.Technician, est travel.Estimator) *fixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	_, _ = m.CreateCustomer(ctx, model.Customer{ID: "cust-1", TenantID: "t1", Name: "Pat"})
	_, _ = m.UpsertProperty(ctx, model.Property{ID: "prop-1", TenantID: "t1", CustomerID: "cust-1", Location: propertyPoint})
	for _, tech := range techs {
		if _, err := m.UpsertTechnician(ctx, tech); err != nil {
			t.Fatal(err)
		}
	}
	set := availability.NewSet(m, zerolog.Nop())
	if _, err := set.For(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default().Dispatch
	rec := &eventRecorder{}
	sched := NewScheduler(cfg, m, set, est, rec, zerolog.Nop())
	return &fixture{st: m, set: set, sched: sched, rec: rec}
}

func (f *fixture) qualifiedWO(t *testing.T, priority model.Priority) model.WorkOrder {
	t.Helper()
	ctx := context.Background()
	created, _, err := f.st.CreateWorkOrders(ctx, "t1", []model.WorkOrderIn{{
		CustomerID: "cust-1", PropertyID: "prop-1",
		Category: model.CategoryHVAC, Priority: priority, DurationSec: 3600,
	}})
	if err != nil {
		t.Fatal(err)
	}
	wo, err := f.sched.Qualify(ctx, "t1", created[0].ID)
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	return wo
}

func hvac(id string, base *model.GeoPoint) model.Technician {
	return model.Technician{ID: id, TenantID: "t1", Skills: []model.ServiceCategory{model.CategoryHVAC}, Active: true, HomeBase: base}
}

func TestAssignPicksClosestTechnician(t *testing.T) {
	f := newFixture(t, []model.Technician{
		hvac("tech-far", ptAtKm(30)),
		hvac("tech-near", ptAtKm(2)),
	})
	wo := f.qualifiedWO(t, model.PriorityRoutine)
	updated, a, err := f.sched.Assign(context.Background(), "t1", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.TechnicianID != "tech-near" {
		t.Fatalf("want tech-near, got %s", a.TechnicianID)
	}
	if updated.Status != model.StatusAssigned || updated.TechnicianID != "tech-near" {
		t.Fatalf("work order not assigned: %+v", updated)
	}
	if !f.rec.has("assignment.created") {
		t.Fatal("assignment.created event not published")
	}
}

func TestAssignTieBreaksOnTechnicianID(t *testing.T) {
	// Identical base, skills, and workload: scores are equal, so the
	// lexically smaller id must win on every run.
	f := newFixture(t, []model.Technician{
		hvac("tech-b", ptAtKm(5)),
		hvac("tech-a", ptAtKm(5)),
	})
	wo := f.qualifiedWO(t, model.PriorityRoutine)
	_, a, err := f.sched.Assign(context.Background(), "t1", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.TechnicianID != "tech-a" {
		t.Fatalf("tie must go to tech-a, got %s", a.TechnicianID)
	}
}

func TestAssignNoEligibleTechnician(t *testing.T) {
	// The only hvac technician is beyond the 60-minute travel ceiling at
	// fallback speed.
	f := newFixture(t, []model.Technician{
		hvac("tech-remote", ptAtKm(70)),
	})
	wo := f.qualifiedWO(t, model.PriorityRoutine)
	_, _, err := f.sched.Assign(context.Background(), "t1", wo.ID)
	if !errors.Is(err, ErrNoEligibleTechnician) {
		t.Fatalf("want ErrNoEligibleTechnician, got %v", err)
	}
	got, _ := f.st.GetWorkOrder(context.Background(), "t1", wo.ID)
	if got.Status != model.StatusQualified {
		t.Fatalf("order must stay qualified, got %s", got.Status)
	}
}

func TestEmergencyUsesLiveLocation(t *testing.T) {
	// Base is out of range but the live fix is next door. Routine work
	// scores from base and filters out; an emergency travels from the
	// fresh live position and gets assigned.
	tech := hvac("tech-live", ptAtKm(70))
	tech.Location = &model.Location{Point: *ptAtKm(2), TS: time.Now()}
	f := newFixture(t, []model.Technician{tech})

	routine := f.qualifiedWO(t, model.PriorityRoutine)
	if _, _, err := f.sched.Assign(context.Background(), "t1", routine.ID); !errors.Is(err, ErrNoEligibleTechnician) {
		t.Fatalf("routine from remote base must filter, got %v", err)
	}

	emergency := f.qualifiedWO(t, model.PriorityEmergency)
	_, a, err := f.sched.Assign(context.Background(), "t1", emergency.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.TechnicianID != "tech-live" || a.Reason != "emergency_insert" {
		t.Fatalf("unexpected assignment %+v", a)
	}
}

func TestEmergencyNoEligibleEscalates(t *testing.T) {
	f := newFixture(t, []model.Technician{
		hvac("tech-remote", ptAtKm(70)),
	})
	wo := f.qualifiedWO(t, model.PriorityEmergency)
	_, _, err := f.sched.Assign(context.Background(), "t1", wo.ID)
	if !errors.Is(err, ErrNoEligibleTechnician) {
		t.Fatal(err)
	}
	if !f.rec.has("escalation.oncall") {
		t.Fatal("emergency with no eligible technician must escalate")
	}
}

func TestCompetingEmergenciesEscalateSecond(t *testing.T) {
	// One emergency-capable technician, two emergencies. The first takes
	// them; the second must escalate rather than double-book.
	f := newFixture(t, []model.Technician{hvac("tech-only", ptAtKm(2))})
	ctx := context.Background()
	first := f.qualifiedWO(t, model.PriorityEmergency)
	second := f.qualifiedWO(t, model.PriorityEmergency)

	if _, _, err := f.sched.Assign(ctx, "t1", first.ID); err != nil {
		t.Fatal(err)
	}
	_, _, err := f.sched.Assign(ctx, "t1", second.ID)
	if !errors.Is(err, ErrNoEligibleTechnician) {
		t.Fatalf("second emergency must not double-book, got %v", err)
	}
	if !f.rec.has("escalation.oncall") {
		t.Fatal("second emergency must escalate to on-call")
	}
	got, _ := f.st.GetWorkOrder(ctx, "t1", second.ID)
	if got.Status != model.StatusQualified {
		t.Fatalf("losing emergency must stay qualified, got %s", got.Status)
	}
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	f := newFixture(t, []model.Technician{
		hvac("tech-a", ptAtKm(2)),
		hvac("tech-b", ptAtKm(4)),
	})
	wo := f.qualifiedWO(t, model.PriorityRoutine)

	const n = 20
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, a, err := f.sched.Assign(context.Background(), "t1", wo.ID)
			ids[i], errs[i] = a.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("assign %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("divergent assignments: %s vs %s", ids[i], ids[0])
		}
	}
	active, err := f.st.ActiveAssignment(context.Background(), "t1", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != ids[0] {
		t.Fatalf("store active %s does not match winner %s", active.ID, ids[0])
	}
}

func TestQualifyRejectsOutOfArea(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []model.Technician{
		hvac("tech-a", ptAtKm(2)),
	})
	_, _ = f.st.UpsertProperty(ctx, model.Property{
		ID: "prop-remote", TenantID: "t1", CustomerID: "cust-1",
		Location: *ptAtKm(200),
	})
	created, _, _ := f.st.CreateWorkOrders(ctx, "t1", []model.WorkOrderIn{{
		CustomerID: "cust-1", PropertyID: "prop-remote",
		Category: model.CategoryHVAC, Priority: model.PriorityRoutine,
	}})
	if _, err := f.sched.Qualify(ctx, "t1", created[0].ID); !errors.Is(err, ErrUnqualifiedLead) {
		t.Fatalf("want ErrUnqualifiedLead, got %v", err)
	}
	got, _ := f.st.GetWorkOrder(ctx, "t1", created[0].ID)
	if got.Status != model.StatusCreated {
		t.Fatalf("unqualified lead must stay created, got %s", got.Status)
	}
}

func TestQualifyRejectsNoSkilledTechnician(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []model.Technician{
		{ID: "tech-p", TenantID: "t1", Skills: []model.ServiceCategory{model.CategoryPlumbing}, Active: true, HomeBase: ptAtKm(2)},
	})
	created, _, _ := f.st.CreateWorkOrders(ctx, "t1", []model.WorkOrderIn{{
		CustomerID: "cust-1", PropertyID: "prop-1",
		Category: model.CategoryHVAC, Priority: model.PriorityRoutine,
	}})
	if _, err := f.sched.Qualify(ctx, "t1", created[0].ID); !errors.Is(err, ErrUnqualifiedLead) {
		t.Fatalf("want ErrUnqualifiedLead, got %v", err)
	}
}

func TestReassignSupersedesAndReselects(t *testing.T) {
	f := newFixture(t, []model.Technician{
		hvac("tech-a", ptAtKm(2)),
		hvac("tech-b", ptAtKm(4)),
	})
	ctx := context.Background()
	wo := f.qualifiedWO(t, model.PriorityRoutine)
	_, first, err := f.sched.Assign(ctx, "t1", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	_, second, err := f.sched.Reassign(ctx, "t1", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("reassign must create a new assignment record")
	}
	if !f.rec.has("assignment.superseded") {
		t.Fatal("assignment.superseded event not published")
	}
}

func TestTransitionEnforcesLifecycle(t *testing.T) {
	f := newFixture(t, []model.Technician{hvac("tech-a", ptAtKm(2))})
	ctx := context.Background()
	wo := f.qualifiedWO(t, model.PriorityRoutine)
	wo, _, err := f.sched.Assign(ctx, "t1", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.Transition(ctx, "t1", wo.ID, wo.Version, model.StatusCompleted, ""); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("assigned -> completed must fail, got %v", err)
	}
	wo, err = f.sched.Transition(ctx, "t1", wo.ID, wo.Version, model.StatusEnRoute, "")
	if err != nil {
		t.Fatal(err)
	}
	wo, err = f.sched.Transition(ctx, "t1", wo.ID, wo.Version, model.StatusInProgress, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.Transition(ctx, "t1", wo.ID, wo.Version, model.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
}

func TestCompletionMarksEquipmentServiced(t *testing.T) {
	f := newFixture(t, []model.Technician{hvac("tech-a", ptAtKm(2))})
	ctx := context.Background()
	past := time.Now().AddDate(0, 0, -200)
	_, _ = f.st.UpsertEquipment(ctx, model.Equipment{ID: "eq-1", TenantID: "t1", PropertyID: "prop-1", Type: "furnace", InstalledAt: past, ServiceIntervalDays: 90})

	created, _, _ := f.st.CreateWorkOrders(ctx, "t1", []model.WorkOrderIn{{
		CustomerID: "cust-1", PropertyID: "prop-1",
		Category: model.CategoryHVAC, Priority: model.PriorityRoutine,
		EquipmentIDs: []string{"eq-1"},
	}})
	wo, err := f.sched.Qualify(ctx, "t1", created[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	wo, _, err = f.sched.Assign(ctx, "t1", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	wo, _ = f.sched.Transition(ctx, "t1", wo.ID, wo.Version, model.StatusInProgress, "")
	if _, err := f.sched.Transition(ctx, "t1", wo.ID, wo.Version, model.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	due, _ := f.st.ListEquipmentDue(ctx, "t1", time.Now())
	if len(due) != 0 {
		t.Fatalf("completion must reset the service clock, still due: %+v", due)
	}
}

func TestCancelRequiresNonTerminal(t *testing.T) {
	f := newFixture(t, []model.Technician{hvac("tech-a", ptAtKm(2))})
	ctx := context.Background()
	wo := f.qualifiedWO(t, model.PriorityRoutine)
	wo, err := f.sched.Cancel(ctx, "t1", wo.ID, wo.Version, "customer rescheduled")
	if err != nil {
		t.Fatal(err)
	}
	if wo.Status != model.StatusCancelled {
		t.Fatalf("want cancelled, got %s", wo.Status)
	}
	if _, err := f.sched.Cancel(ctx, "t1", wo.ID, wo.Version, "again"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("cancelling a terminal order must fail, got %v", err)
	}
}

func TestAssignScopedToTenant(t *testing.T) {
	// The store holds two tenants. Tenant t2's work order must never be
	// offered t1's technicians, even though they are skilled and close.
	ctx := context.Background()
	f := newFixture(t, []model.Technician{hvac("tech-t1", ptAtKm(2))})
	_, _ = f.st.CreateCustomer(ctx, model.Customer{ID: "cust-2", TenantID: "t2", Name: "Lee"})
	_, _ = f.st.UpsertProperty(ctx, model.Property{ID: "prop-2", TenantID: "t2", CustomerID: "cust-2", Location: propertyPoint})
	created, _, err := f.st.CreateWorkOrders(ctx, "t2", []model.WorkOrderIn{{
		CustomerID: "cust-2", PropertyID: "prop-2",
		Category: model.CategoryHVAC, Priority: model.PriorityRoutine,
	}})
	if err != nil {
		t.Fatal(err)
	}
	wo := created[0]
	wo, err = f.st.UpdateWorkOrderStatus(ctx, "t2", wo.ID, wo.Version, model.StatusQualified, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := f.sched.Assign(ctx, "t2", wo.ID); !errors.Is(err, ErrNoEligibleTechnician) {
		t.Fatalf("another tenant's technicians must not be eligible, got %v", err)
	}

	// With its own technician the tenant assigns normally.
	own := hvac("tech-t2", ptAtKm(4))
	own.TenantID = "t2"
	if _, err := f.st.UpsertTechnician(ctx, own); err != nil {
		t.Fatal(err)
	}
	ix, err := f.set.For(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Rebuild(ctx, time.Now().UTC().Format("2006-01-02")); err != nil {
		t.Fatal(err)
	}
	_, a, err := f.sched.Assign(ctx, "t2", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.TechnicianID != "tech-t2" {
		t.Fatalf("want tech-t2, got %s", a.TechnicianID)
	}
}

type countingEstimator struct {
	mu     sync.Mutex
	cached int
	fresh  int
	inner  *travel.Haversine
}

func (e *countingEstimator) Estimate(ctx context.Context, o, d model.GeoPoint, at time.Time) (travel.Estimate, error) {
	e.mu.Lock()
	e.cached++
	e.mu.Unlock()
	return e.inner.Estimate(ctx, o, d, at)
}

func (e *countingEstimator) EstimateFresh(ctx context.Context, o, d model.GeoPoint, at time.Time) (travel.Estimate, error) {
	e.mu.Lock()
	e.fresh++
	e.mu.Unlock()
	return e.inner.Estimate(ctx, o, d, at)
}

func TestEmergencyEstimatesBypassCache(t *testing.T) {
	est := &countingEstimator{inner: travel.NewHaversine(35)}
	f := newFixtureEst(t, []model.Technician{hvac("tech-a", ptAtKm(2))}, est)
	ctx := context.Background()

	emergency := f.qualifiedWO(t, model.PriorityEmergency)
	if _, _, err := f.sched.Assign(ctx, "t1", emergency.ID); err != nil {
		t.Fatal(err)
	}
	if est.fresh == 0 || est.cached != 0 {
		t.Fatalf("emergency must price travel fresh: fresh=%d cached=%d", est.fresh, est.cached)
	}

	routine := f.qualifiedWO(t, model.PriorityRoutine)
	if _, _, err := f.sched.Assign(ctx, "t1", routine.ID); err != nil {
		t.Fatal(err)
	}
	if est.cached == 0 {
		t.Fatal("routine work must use the cacheable path")
	}
}

func TestRunBatchDrainsEmergenciesFirst(t *testing.T) {
	f := newFixture(t, []model.Technician{hvac("tech-a", ptAtKm(2))})
	ctx := context.Background()
	routine := f.qualifiedWO(t, model.PriorityRoutine)
	emergency := f.qualifiedWO(t, model.PriorityEmergency)

	assigned, failed := f.sched.RunBatch(ctx, "t1")
	if assigned != 2 || failed != 0 {
		t.Fatalf("batch: assigned=%d failed=%d", assigned, failed)
	}
	ra, _ := f.st.ActiveAssignment(ctx, "t1", routine.ID)
	ea, _ := f.st.ActiveAssignment(ctx, "t1", emergency.ID)
	if !ea.CreatedAt.Before(ra.CreatedAt) && !ea.CreatedAt.Equal(ra.CreatedAt) {
		t.Fatal("emergency must be assigned before routine work")
	}
}
