// Package scoring computes suitability scores for (job, technician)
// pairs. Score is a pure function: no I/O, no clocks, deterministic for
// identical inputs.
package scoring

import (
	"time"

	"fieldops/internal/model"
	"fieldops/internal/travel"
)

// Weights configure the factor mix. They are passed explicitly so tests
// and tenants can vary them; they must sum to 1.
type Weights struct {
	Skill       float64
	Travel      float64
	Workload    float64
	History     float64
	LocationAge float64
}

// DefaultWeights returns the production factor mix.
func DefaultWeights() Weights {
	return Weights{Skill: 0.40, Travel: 0.25, Workload: 0.20, History: 0.10, LocationAge: 0.05}
}

// Input carries everything the scorer needs beyond the job and
// technician themselves. The caller resolves travel and workload up
// front so scoring stays side-effect free.
type Input struct {
	Travel        travel.Estimate
	ExistingJobs  int  // already-assigned jobs that day
	ServedBefore  bool // technician previously served this customer/property
	LocationAge   time.Duration
	HasLocation   bool
	TravelCeiling time.Duration
	LocationStale time.Duration
}

// Result is the score with its per-factor breakdown, kept on the
// Assignment for auditability.
type Result struct {
	TechnicianID string             `json:"technicianId"`
	Value        float64            `json:"value"` // 0..100
	Breakdown    map[string]float64 `json:"breakdown"`
	Approximate  bool               `json:"approximate,omitempty"`
}

const (
	skillExact       = 100.0
	skillGeneral     = 80.0
	workloadPenalty  = 15.0
	approxConfidence = 0.85
	freshFixWindow   = 5 * time.Minute
)

// Score returns the weighted result for the pair, or ok=false when the
// technician is hard-filtered: missing the required skill, or travel
// beyond the ceiling (an absurd assignment, not merely a low score).
func Score(job model.WorkOrder, tech model.Technician, in Input, w Weights) (Result, bool) {
	skill := skillFactor(job.Category, tech)
	if skill == 0 {
		return Result{}, false
	}
	if in.TravelCeiling > 0 && in.Travel.Duration > in.TravelCeiling {
		return Result{}, false
	}

	tv := travelFactor(in)
	wl := workloadFactor(in.ExistingJobs)
	hist := 0.0
	if in.ServedBefore {
		hist = 100
	}
	loc := locationFactor(in)

	breakdown := map[string]float64{
		"skill":       w.Skill * skill,
		"travel":      w.Travel * tv,
		"workload":    w.Workload * wl,
		"history":     w.History * hist,
		"locationAge": w.LocationAge * loc,
	}
	total := 0.0
	for _, v := range breakdown {
		total += v
	}
	return Result{
		TechnicianID: tech.ID,
		Value:        total,
		Breakdown:    breakdown,
		Approximate:  in.Travel.Approximate,
	}, true
}

func skillFactor(c model.ServiceCategory, tech model.Technician) float64 {
	hasExact := false
	hasGeneral := false
	for _, s := range tech.Skills {
		if s == c {
			hasExact = true
		}
		if s == model.CategoryGeneral {
			hasGeneral = true
		}
	}
	switch {
	case hasExact:
		return skillExact
	case hasGeneral:
		return skillGeneral
	}
	return 0
}

func travelFactor(in Input) float64 {
	if in.TravelCeiling <= 0 {
		return 100
	}
	v := 100 * (1 - float64(in.Travel.Duration)/float64(in.TravelCeiling))
	if v < 0 {
		v = 0
	}
	if in.Travel.Approximate {
		v *= approxConfidence
	}
	return v
}

func workloadFactor(existing int) float64 {
	v := 100 - workloadPenalty*float64(existing)
	if v < 0 {
		v = 0
	}
	return v
}

func locationFactor(in Input) float64 {
	if !in.HasLocation || in.LocationStale <= 0 {
		return 0
	}
	if in.LocationAge >= in.LocationStale {
		return 0
	}
	if in.LocationAge <= freshFixWindow {
		return 100
	}
	span := float64(in.LocationStale - freshFixWindow)
	return 100 * (1 - float64(in.LocationAge-freshFixWindow)/span)
}
