package model

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusQualified, true},
		{StatusCreated, StatusAssigned, false},
		{StatusQualified, StatusAssigned, true},
		{StatusAssigned, StatusEnRoute, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusOnHold, true},
		{StatusEnRoute, StatusInProgress, true},
		{StatusEnRoute, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusOnHold, true},
		{StatusOnHold, StatusAssigned, true},
		{StatusOnHold, StatusInProgress, true},
		{StatusCompleted, StatusInProgress, false},
		{StatusCancelled, StatusQualified, false},
		{StatusCreated, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestHasSkill(t *testing.T) {
	tech := Technician{Skills: []ServiceCategory{CategoryPlumbing}}
	if !tech.HasSkill(CategoryPlumbing) {
		t.Fatal("exact skill")
	}
	if tech.HasSkill(CategoryHVAC) {
		t.Fatal("missing skill must not qualify")
	}
	gen := Technician{Skills: []ServiceCategory{CategoryGeneral}}
	if !gen.HasSkill(CategoryHVAC) {
		t.Fatal("general covers any category")
	}
}

func TestWindowFlexible(t *testing.T) {
	if !(TimeWindow{}).Flexible() {
		t.Fatal("zero end means flexible")
	}
}
