// Package routeopt sequences a technician's day. It is a bounded
// insertion heuristic with a 2-opt polish, not a full solver: daily job
// counts are small enough that marginal-cost insertion gets within a
// few percent of optimal.
package routeopt

import (
	"context"
	"sort"
	"time"

	"fieldops/internal/model"
	"fieldops/internal/travel"
)

// Job is one stop to sequence.
type Job struct {
	WorkOrderID string
	Location    model.GeoPoint
	Window      *model.TimeWindow
	DurationSec int
	// Anchored pins the job at its committed slot; emergencies are never
	// moved by optimization passes.
	Anchored bool
}

// Optimizer builds day plans from pairwise travel estimates.
type Optimizer struct {
	Est travel.Estimator
}

func New(est travel.Estimator) *Optimizer { return &Optimizer{Est: est} }

type stop struct {
	job       Job
	arrival   time.Time
	departure time.Time
	travelSec int
	approx    bool
}

// Plan sequences jobs for a technician starting from origin at startAt.
//
// Anchored and hard-windowed jobs are seeded in chronological order;
// flexible jobs are inserted where they add the least travel. The 2-opt
// pass only considers segments with no anchored stop. When a windowed
// job cannot be served inside its window the plan is returned with
// Feasible=false and the first violating job named, so dispatch can
// surface exactly which commitment breaks.
func (o *Optimizer) Plan(ctx context.Context, technicianID, date string, origin model.GeoPoint, startAt time.Time, jobs []Job) (model.RoutePlan, error) {
	plan := model.RoutePlan{TechnicianID: technicianID, Date: date, Feasible: true, ComputedAt: time.Now().UTC()}
	if len(jobs) == 0 {
		plan.Visits = []model.Visit{}
		return plan, nil
	}

	var seeded, flexible []Job
	for _, j := range jobs {
		if j.Anchored || (j.Window != nil && !j.Window.Flexible()) {
			seeded = append(seeded, j)
		} else {
			flexible = append(flexible, j)
		}
	}
	sort.SliceStable(seeded, func(i, k int) bool {
		si, sk := windowStart(seeded[i]), windowStart(seeded[k])
		if si.Equal(sk) {
			return seeded[i].WorkOrderID < seeded[k].WorkOrderID
		}
		return si.Before(sk)
	})

	route := make([]Job, len(seeded))
	copy(route, seeded)

	for _, j := range flexible {
		best := -1
		bestDelta := time.Duration(1<<63 - 1)
		for pos := 0; pos <= len(route); pos++ {
			delta, err := o.insertionDelta(ctx, origin, route, j, pos)
			if err != nil {
				return model.RoutePlan{}, err
			}
			if delta < bestDelta {
				bestDelta = delta
				best = pos
			}
		}
		route = insertAt(route, j, best)
	}

	route, err := o.twoOpt(ctx, origin, route)
	if err != nil {
		return model.RoutePlan{}, err
	}

	stops, err := o.schedule(ctx, origin, startAt, route)
	if err != nil {
		return model.RoutePlan{}, err
	}
	for _, s := range stops {
		plan.Visits = append(plan.Visits, model.Visit{
			WorkOrderID: s.job.WorkOrderID,
			Arrival:     s.arrival,
			Departure:   s.departure,
			TravelSec:   s.travelSec,
			Approximate: s.approx,
		})
		plan.TotalTravelSec += s.travelSec
		if s.job.Window != nil && !s.job.Window.End.IsZero() && s.arrival.After(s.job.Window.End) {
			if plan.Feasible {
				plan.Feasible = false
				plan.ViolatingJobID = s.job.WorkOrderID
			}
		}
	}
	return plan, nil
}

func windowStart(j Job) time.Time {
	if j.Window != nil {
		return j.Window.Start
	}
	return time.Time{}
}

func insertAt(route []Job, j Job, pos int) []Job {
	if pos < 0 || pos > len(route) {
		pos = len(route)
	}
	out := make([]Job, 0, len(route)+1)
	out = append(out, route[:pos]...)
	out = append(out, j)
	out = append(out, route[pos:]...)
	return out
}

// insertionDelta is the extra travel from placing j at pos: the two new
// legs minus the leg they replace.
func (o *Optimizer) insertionDelta(ctx context.Context, origin model.GeoPoint, route []Job, j Job, pos int) (time.Duration, error) {
	prev := origin
	if pos > 0 {
		prev = route[pos-1].Location
	}
	in, err := o.leg(ctx, prev, j.Location)
	if err != nil {
		return 0, err
	}
	if pos >= len(route) {
		return in, nil
	}
	next := route[pos].Location
	out, err := o.leg(ctx, j.Location, next)
	if err != nil {
		return 0, err
	}
	old, err := o.leg(ctx, prev, next)
	if err != nil {
		return 0, err
	}
	return in + out - old, nil
}

func (o *Optimizer) leg(ctx context.Context, a, b model.GeoPoint) (time.Duration, error) {
	est, err := o.Est.Estimate(ctx, a, b, time.Time{})
	if err != nil {
		return 0, err
	}
	return est.Duration, nil
}

// twoOpt reverses segments that shorten total travel. Segments touching
// an anchored or hard-windowed stop are skipped; reordering those would
// break commitments the insertion pass already honored.
func (o *Optimizer) twoOpt(ctx context.Context, origin model.GeoPoint, route []Job) ([]Job, error) {
	if len(route) < 4 {
		return route, nil
	}
	improved := true
	for improved {
		improved = false
		for i := 0; i < len(route)-1; i++ {
			for k := i + 1; k < len(route); k++ {
				if segmentPinned(route, i, k) {
					continue
				}
				delta, err := o.reversalDelta(ctx, origin, route, i, k)
				if err != nil {
					return nil, err
				}
				if delta < -time.Second {
					reverse(route, i, k)
					improved = true
				}
			}
		}
	}
	return route, nil
}

func segmentPinned(route []Job, i, k int) bool {
	for n := i; n <= k; n++ {
		if route[n].Anchored || (route[n].Window != nil && !route[n].Window.Flexible()) {
			return true
		}
	}
	return false
}

func (o *Optimizer) reversalDelta(ctx context.Context, origin model.GeoPoint, route []Job, i, k int) (time.Duration, error) {
	prev := origin
	if i > 0 {
		prev = route[i-1].Location
	}
	oldIn, err := o.leg(ctx, prev, route[i].Location)
	if err != nil {
		return 0, err
	}
	newIn, err := o.leg(ctx, prev, route[k].Location)
	if err != nil {
		return 0, err
	}
	delta := newIn - oldIn
	if k < len(route)-1 {
		next := route[k+1].Location
		oldOut, err := o.leg(ctx, route[k].Location, next)
		if err != nil {
			return 0, err
		}
		newOut, err := o.leg(ctx, route[i].Location, next)
		if err != nil {
			return 0, err
		}
		delta += newOut - oldOut
	}
	return delta, nil
}

func reverse(route []Job, i, k int) {
	for i < k {
		route[i], route[k] = route[k], route[i]
		i++
		k--
	}
}

// schedule propagates ETAs down the ordered route. Arrival before a
// window start waits; the wait is not counted as travel.
func (o *Optimizer) schedule(ctx context.Context, origin model.GeoPoint, startAt time.Time, route []Job) ([]stop, error) {
	stops := make([]stop, 0, len(route))
	at := origin
	now := startAt
	for _, j := range route {
		est, err := o.Est.Estimate(ctx, at, j.Location, now)
		if err != nil {
			return nil, err
		}
		arrival := now.Add(est.Duration)
		if j.Window != nil && arrival.Before(j.Window.Start) {
			arrival = j.Window.Start
		}
		departure := arrival.Add(time.Duration(j.DurationSec) * time.Second)
		stops = append(stops, stop{
			job:       j,
			arrival:   arrival,
			departure: departure,
			travelSec: int(est.Duration / time.Second),
			approx:    est.Approximate,
		})
		at = j.Location
		now = departure
	}
	return stops, nil
}
