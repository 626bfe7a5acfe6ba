package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldops/internal/model"
)

func seedWO(t *testing.T, m *Memory, tenant string) model.WorkOrder {
	t.Helper()
	created, _, err := m.CreateWorkOrders(context.Background(), tenant, []model.WorkOrderIn{{
		CustomerID: "cust-1", PropertyID: "prop-1",
		Category: model.CategoryHVAC, Priority: model.PriorityRoutine,
	}})
	if err != nil || len(created) != 1 {
		t.Fatalf("seed: %v", err)
	}
	return created[0]
}

func seedTech(t *testing.T, m *Memory, tenant, id string) {
	t.Helper()
	if _, err := m.UpsertTechnician(context.Background(), model.Technician{
		ID: id, TenantID: tenant,
		Skills: []model.ServiceCategory{model.CategoryHVAC}, Active: true,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateWorkOrdersDedupesExternalRef(t *testing.T) {
	m := NewMemory()
	in := []model.WorkOrderIn{{ExternalRef: "crm-9", CustomerID: "c", PropertyID: "p", Category: model.CategoryHVAC, Priority: model.PriorityRoutine}}
	if _, skipped, _ := m.CreateWorkOrders(context.Background(), "t1", in); skipped != 0 {
		t.Fatal("first insert must not skip")
	}
	_, skipped, _ := m.CreateWorkOrders(context.Background(), "t1", in)
	if skipped != 1 {
		t.Fatalf("duplicate externalRef should skip, got %d", skipped)
	}
}

func TestUpdateStatusVersionConflict(t *testing.T) {
	m := NewMemory()
	wo := seedWO(t, m, "t1")
	if _, err := m.UpdateWorkOrderStatus(context.Background(), "t1", wo.ID, wo.Version+5, model.StatusQualified, ""); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
	updated, err := m.UpdateWorkOrderStatus(context.Background(), "t1", wo.ID, wo.Version, model.StatusQualified, "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != wo.Version+1 {
		t.Fatalf("version must bump, got %d", updated.Version)
	}
}

func TestUpdateStatusRejectsIllegalEdge(t *testing.T) {
	m := NewMemory()
	wo := seedWO(t, m, "t1")
	if _, err := m.UpdateWorkOrderStatus(context.Background(), "t1", wo.ID, wo.Version, model.StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("created -> completed must fail, got %v", err)
	}
}

func TestCommitAssignmentSupersedesPrior(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedTech(t, m, "t1", "tech-a")
	seedTech(t, m, "t1", "tech-b")
	wo := seedWO(t, m, "t1")
	wo, _ = m.UpdateWorkOrderStatus(ctx, "t1", wo.ID, wo.Version, model.StatusQualified, "")

	wo, a1, err := m.CommitAssignment(ctx, "t1", wo.ID, wo.Version, model.Assignment{TechnicianID: "tech-a", Score: 80})
	if err != nil {
		t.Fatal(err)
	}
	if wo.Status != model.StatusAssigned || wo.TechnicianID != "tech-a" {
		t.Fatalf("commit result wrong: %+v", wo)
	}

	// Stale version must lose.
	if _, _, err := m.CommitAssignment(ctx, "t1", wo.ID, wo.Version-1, model.Assignment{TechnicianID: "tech-b"}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale commit must conflict, got %v", err)
	}

	// Reassign: release then commit a successor.
	wo, err = m.ReleaseAssignment(ctx, "t1", wo.ID, wo.Version)
	if err != nil {
		t.Fatal(err)
	}
	wo, a2, err := m.CommitAssignment(ctx, "t1", wo.ID, wo.Version, model.Assignment{TechnicianID: "tech-b", Score: 75})
	if err != nil {
		t.Fatal(err)
	}
	active, err := m.ActiveAssignment(ctx, "t1", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != a2.ID || active.TechnicianID != "tech-b" {
		t.Fatalf("active assignment should be the successor, got %+v", active)
	}
	if active.ID == a1.ID {
		t.Fatal("first assignment must no longer be active")
	}
}

func TestCommitAssignmentRejectsForeignTechnician(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedTech(t, m, "t1", "tech-a")
	wo := seedWO(t, m, "t2")
	wo, _ = m.UpdateWorkOrderStatus(ctx, "t2", wo.ID, wo.Version, model.StatusQualified, "")

	if _, _, err := m.CommitAssignment(ctx, "t2", wo.ID, wo.Version, model.Assignment{TechnicianID: "tech-a"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("technician from another tenant must be rejected, got %v", err)
	}
	got, err := m.GetWorkOrder(ctx, "t2", wo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusQualified || got.TechnicianID != "" {
		t.Fatalf("rejected commit must leave the order untouched: %+v", got)
	}
}

func TestTerminalTransitionClosesAssignment(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedTech(t, m, "t1", "tech-a")
	wo := seedWO(t, m, "t1")
	wo, _ = m.UpdateWorkOrderStatus(ctx, "t1", wo.ID, wo.Version, model.StatusQualified, "")
	wo, _, _ = m.CommitAssignment(ctx, "t1", wo.ID, wo.Version, model.Assignment{TechnicianID: "tech-a"})
	wo, _ = m.UpdateWorkOrderStatus(ctx, "t1", wo.ID, wo.Version, model.StatusInProgress, "")
	wo, err := m.UpdateWorkOrderStatus(ctx, "t1", wo.ID, wo.Version, model.StatusCompleted, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ActiveAssignment(ctx, "t1", wo.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("completed order must have no active assignment")
	}
}

func TestTenantIsolation(t *testing.T) {
	m := NewMemory()
	wo := seedWO(t, m, "t1")
	if _, err := m.GetWorkOrder(context.Background(), "t2", wo.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("cross-tenant read must miss")
	}
}

func TestListEquipmentDue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	past := time.Now().AddDate(0, 0, -100)
	_, _ = m.UpsertEquipment(ctx, model.Equipment{ID: "eq-due", TenantID: "t1", PropertyID: "p", Type: "furnace", InstalledAt: past, ServiceIntervalDays: 90})
	_, _ = m.UpsertEquipment(ctx, model.Equipment{ID: "eq-fresh", TenantID: "t1", PropertyID: "p", Type: "ac", InstalledAt: past, ServiceIntervalDays: 365})
	due, err := m.ListEquipmentDue(ctx, "t1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "eq-due" {
		t.Fatalf("want only eq-due, got %+v", due)
	}
	if err := m.MarkEquipmentServiced(ctx, "t1", "eq-due", time.Now()); err != nil {
		t.Fatal(err)
	}
	due, _ = m.ListEquipmentDue(ctx, "t1", time.Now())
	if len(due) != 0 {
		t.Fatal("serviced equipment is no longer due")
	}
}

func TestSyncOutcomeRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, ok, _ := m.GetSyncOutcome(ctx, "t1", "key-1"); ok {
		t.Fatal("unknown key must miss")
	}
	out := SyncOutcome{IdempotencyKey: "key-1", State: model.SyncSynced, AppliedVersion: 3}
	if err := m.SaveSyncOutcome(ctx, "t1", out); err != nil {
		t.Fatal(err)
	}
	got, ok, _ := m.GetSyncOutcome(ctx, "t1", "key-1")
	if !ok || got.AppliedVersion != 3 {
		t.Fatalf("round trip failed: %+v", got)
	}
}
