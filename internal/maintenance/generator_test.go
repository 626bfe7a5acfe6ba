package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fieldops/internal/model"
	"fieldops/internal/store"
)

func TestCategoryFor(t *testing.T) {
	cases := map[string]model.ServiceCategory{
		"furnace":      model.CategoryHVAC,
		"heat_pump":    model.CategoryHVAC,
		"water_heater": model.CategoryPlumbing,
		"panel":        model.CategoryElectrical,
		"doorbell":     model.CategoryGeneral,
	}
	for equip, want := range cases {
		if got := categoryFor(equip); got != want {
			t.Errorf("categoryFor(%s) = %s, want %s", equip, got, want)
		}
	}
}

func TestRunOnceCreatesAndDedupes(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	_, _ = m.CreateCustomer(ctx, model.Customer{ID: "cust-1", TenantID: "t1", Name: "Pat"})
	_, _ = m.UpsertProperty(ctx, model.Property{ID: "prop-1", TenantID: "t1", CustomerID: "cust-1"})
	overdue := time.Now().AddDate(0, 0, -120)
	_, _ = m.UpsertEquipment(ctx, model.Equipment{
		ID: "eq-1", TenantID: "t1", PropertyID: "prop-1",
		Type: "furnace", Make: "Carrier", Model: "59TP6",
		InstalledAt: overdue, ServiceIntervalDays: 90,
	})

	g := NewGenerator(m, zerolog.Nop())
	created, err := g.RunOnce(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if created != 1 {
		t.Fatalf("want 1 order, got %d", created)
	}
	wos, _, _ := m.ListWorkOrders(ctx, "t1", "", "", 10)
	if len(wos) != 1 {
		t.Fatalf("store has %d orders", len(wos))
	}
	wo := wos[0]
	if wo.Priority != model.PriorityMaintenance || wo.Category != model.CategoryHVAC {
		t.Fatalf("order shape wrong: %+v", wo)
	}
	if len(wo.EquipmentIDs) != 1 || wo.EquipmentIDs[0] != "eq-1" {
		t.Fatalf("equipment link missing: %+v", wo)
	}

	// A rerun finds the same due equipment but the external ref dedupes.
	created, err = g.RunOnce(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Fatalf("rerun must create nothing, got %d", created)
	}
}

func TestRunOnceSkipsOrphanedEquipment(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	overdue := time.Now().AddDate(0, 0, -120)
	_, _ = m.UpsertEquipment(ctx, model.Equipment{
		ID: "eq-orphan", TenantID: "t1", PropertyID: "prop-gone",
		Type: "boiler", InstalledAt: overdue, ServiceIntervalDays: 90,
	})
	g := NewGenerator(m, zerolog.Nop())
	created, err := g.RunOnce(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Fatalf("orphaned equipment must be skipped, got %d", created)
	}
}
