package routeopt

import (
	"context"
	"testing"
	"time"

	"fieldops/internal/model"
	"fieldops/internal/travel"
)

var depot = model.GeoPoint{Lat: 39.7392, Lng: -104.9903}

// jobAtKm places a job roughly n km north of the depot.
func jobAtKm(id string, n float64) Job {
	return Job{
		WorkOrderID: id,
		Location:    model.GeoPoint{Lat: depot.Lat + n/111.0, Lng: depot.Lng},
		DurationSec: 1800,
	}
}

func newOpt() *Optimizer { return New(travel.NewHaversine(40)) }

func day(hour int) time.Time {
	return time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC)
}

func TestPlanEmptyDay(t *testing.T) {
	plan, err := newOpt().Plan(context.Background(), "tech-1", "2026-03-02", depot, day(8), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Feasible || len(plan.Visits) != 0 {
		t.Fatalf("empty day should be a feasible empty plan: %+v", plan)
	}
}

func TestPlanOrdersFlexibleJobsByTravel(t *testing.T) {
	// Jobs along a line north of the depot: any order other than
	// nearest-first backtracks.
	jobs := []Job{jobAtKm("wo-far", 30), jobAtKm("wo-near", 5), jobAtKm("wo-mid", 15)}
	plan, err := newOpt().Plan(context.Background(), "tech-1", "2026-03-02", depot, day(8), jobs)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"wo-near", "wo-mid", "wo-far"}
	if len(plan.Visits) != 3 {
		t.Fatalf("want 3 visits, got %d", len(plan.Visits))
	}
	for i, v := range plan.Visits {
		if v.WorkOrderID != want[i] {
			t.Fatalf("visit %d = %s, want %s", i, v.WorkOrderID, want[i])
		}
	}
	if !plan.Feasible {
		t.Fatal("unwindowed plan is always feasible")
	}
}

func TestPlanHonorsHardWindows(t *testing.T) {
	// The far job has the earlier window, so it must come first even
	// though travel alone would visit the near one first.
	far := jobAtKm("wo-far", 20)
	far.Window = &model.TimeWindow{Start: day(9), End: day(11)}
	near := jobAtKm("wo-near", 5)
	near.Window = &model.TimeWindow{Start: day(13), End: day(15)}
	plan, err := newOpt().Plan(context.Background(), "tech-1", "2026-03-02", depot, day(8), []Job{near, far})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Visits[0].WorkOrderID != "wo-far" {
		t.Fatalf("windowed order wrong: %s first", plan.Visits[0].WorkOrderID)
	}
	if !plan.Feasible {
		t.Fatalf("both windows are servable: %+v", plan)
	}
	// Arriving before 13:00 at wo-near waits until the window opens.
	if plan.Visits[1].Arrival.Before(day(13)) {
		t.Fatalf("arrival %v precedes window start", plan.Visits[1].Arrival)
	}
}

func TestPlanInfeasibleNamesViolatingJob(t *testing.T) {
	// 70 km at 40 kph is over 100 minutes of travel; a window closing
	// 30 minutes after departure cannot be met.
	late := jobAtKm("wo-impossible", 70)
	late.Window = &model.TimeWindow{Start: day(8), End: day(8).Add(30 * time.Minute)}
	plan, err := newOpt().Plan(context.Background(), "tech-1", "2026-03-02", depot, day(8), []Job{late})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Feasible {
		t.Fatal("plan must be infeasible")
	}
	if plan.ViolatingJobID != "wo-impossible" {
		t.Fatalf("violating job = %q", plan.ViolatingJobID)
	}
	// Infeasible plans still return the full visit sequence for triage.
	if len(plan.Visits) != 1 {
		t.Fatalf("visits dropped: %+v", plan.Visits)
	}
}

func TestPlanAnchoredOrderSurvivesOptimization(t *testing.T) {
	// Two anchored stops committed in an order that pure travel
	// optimization would reverse. Flexible work may slot around them,
	// but their relative order is pinned.
	first := jobAtKm("wo-1", 30)
	first.Anchored = true
	second := jobAtKm("wo-2", 5)
	second.Anchored = true
	jobs := []Job{second, first, jobAtKm("wo-flex-a", 10), jobAtKm("wo-flex-b", 20)}
	plan, err := newOpt().Plan(context.Background(), "tech-1", "2026-03-02", depot, day(8), jobs)
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, v := range plan.Visits {
		pos[v.WorkOrderID] = i
	}
	if len(pos) != 4 {
		t.Fatalf("visits missing: %+v", plan.Visits)
	}
	if pos["wo-1"] > pos["wo-2"] {
		t.Fatalf("anchored order reversed: %+v", plan.Visits)
	}
}

func TestPlanWaitNotCountedAsTravel(t *testing.T) {
	j := jobAtKm("wo-1", 5)
	j.Window = &model.TimeWindow{Start: day(12), End: day(14)}
	plan, err := newOpt().Plan(context.Background(), "tech-1", "2026-03-02", depot, day(8), []Job{j})
	if err != nil {
		t.Fatal(err)
	}
	// 5 km at 40 kph is under 10 minutes of travel; the hours-long wait
	// for the window must not inflate the total.
	if plan.TotalTravelSec > 900 {
		t.Fatalf("wait leaked into travel: %d sec", plan.TotalTravelSec)
	}
	if plan.Visits[0].Arrival != day(12) {
		t.Fatalf("arrival should snap to window start, got %v", plan.Visits[0].Arrival)
	}
}

func TestPlanFlagsApproximateLegs(t *testing.T) {
	plan, err := newOpt().Plan(context.Background(), "tech-1", "2026-03-02", depot, day(8), []Job{jobAtKm("wo-1", 5)})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Visits[0].Approximate {
		t.Fatal("haversine legs must be flagged approximate")
	}
}
