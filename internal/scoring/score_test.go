package scoring

import (
	"testing"
	"time"

	"fieldops/internal/model"
	"fieldops/internal/travel"
)

func baseInput() Input {
	return Input{
		Travel:        travel.Estimate{Duration: 20 * time.Minute},
		ExistingJobs:  2,
		ServedBefore:  true,
		LocationAge:   3 * time.Minute,
		HasLocation:   true,
		TravelCeiling: 60 * time.Minute,
		LocationStale: 30 * time.Minute,
	}
}

func hvacTech(id string) model.Technician {
	return model.Technician{ID: id, Skills: []model.ServiceCategory{model.CategoryHVAC}}
}

func TestScoreDeterministic(t *testing.T) {
	job := model.WorkOrder{Category: model.CategoryHVAC}
	tech := hvacTech("tech-1")
	in := baseInput()
	r1, ok1 := Score(job, tech, in, DefaultWeights())
	r2, ok2 := Score(job, tech, in, DefaultWeights())
	if !ok1 || !ok2 {
		t.Fatal("expected eligible")
	}
	if r1.Value != r2.Value {
		t.Fatalf("identical inputs scored differently: %v vs %v", r1.Value, r2.Value)
	}
	for k, v := range r1.Breakdown {
		if r2.Breakdown[k] != v {
			t.Fatalf("breakdown %s differs", k)
		}
	}
}

func TestScoreSkillFilter(t *testing.T) {
	job := model.WorkOrder{Category: model.CategoryElectrical}
	tech := hvacTech("tech-1")
	if _, ok := Score(job, tech, baseInput(), DefaultWeights()); ok {
		t.Fatal("technician without the trade must be filtered, not scored low")
	}
}

func TestScoreGeneralSkillDiscount(t *testing.T) {
	job := model.WorkOrder{Category: model.CategoryElectrical}
	exact := model.Technician{ID: "a", Skills: []model.ServiceCategory{model.CategoryElectrical}}
	general := model.Technician{ID: "b", Skills: []model.ServiceCategory{model.CategoryGeneral}}
	re, ok1 := Score(job, exact, baseInput(), DefaultWeights())
	rg, ok2 := Score(job, general, baseInput(), DefaultWeights())
	if !ok1 || !ok2 {
		t.Fatal("both should be eligible")
	}
	if re.Value <= rg.Value {
		t.Fatalf("exact skill %v should beat general %v", re.Value, rg.Value)
	}
}

func TestScoreTravelCeiling(t *testing.T) {
	job := model.WorkOrder{Category: model.CategoryHVAC}
	in := baseInput()
	in.Travel.Duration = 61 * time.Minute
	if _, ok := Score(job, hvacTech("t"), in, DefaultWeights()); ok {
		t.Fatal("travel beyond ceiling must hard-filter")
	}
	in.Travel.Duration = 60 * time.Minute
	if _, ok := Score(job, hvacTech("t"), in, DefaultWeights()); !ok {
		t.Fatal("travel at the ceiling is still eligible")
	}
}

func TestScoreApproximateDiscount(t *testing.T) {
	job := model.WorkOrder{Category: model.CategoryHVAC}
	in := baseInput()
	exact, _ := Score(job, hvacTech("t"), in, DefaultWeights())
	in.Travel.Approximate = true
	approx, _ := Score(job, hvacTech("t"), in, DefaultWeights())
	if approx.Value >= exact.Value {
		t.Fatalf("approximate travel should discount: %v >= %v", approx.Value, exact.Value)
	}
	if !approx.Approximate {
		t.Fatal("result must carry the approximate flag")
	}
}

func TestScoreWorkloadPenalty(t *testing.T) {
	job := model.WorkOrder{Category: model.CategoryHVAC}
	light := baseInput()
	light.ExistingJobs = 0
	heavy := baseInput()
	heavy.ExistingJobs = 6
	rl, _ := Score(job, hvacTech("t"), light, DefaultWeights())
	rh, _ := Score(job, hvacTech("t"), heavy, DefaultWeights())
	if rl.Value <= rh.Value {
		t.Fatalf("lighter workload should score higher: %v vs %v", rl.Value, rh.Value)
	}
}

func TestScoreStaleLocationZeroFactor(t *testing.T) {
	job := model.WorkOrder{Category: model.CategoryHVAC}
	in := baseInput()
	in.LocationAge = 31 * time.Minute
	r, _ := Score(job, hvacTech("t"), in, DefaultWeights())
	if r.Breakdown["locationAge"] != 0 {
		t.Fatalf("stale fix must zero the location factor, got %v", r.Breakdown["locationAge"])
	}
}
