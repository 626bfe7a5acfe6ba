// Package maintenance turns equipment service intervals into
// maintenance-priority work orders.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fieldops/internal/model"
	"fieldops/internal/store"
)

// Generator scans for equipment past its service interval and creates
// one maintenance work order per unit. The external ref
// maint:<equipmentId>:<dueDate> makes reruns idempotent through the
// store's dedup on (tenant, externalRef).
type Generator struct {
	st  store.Store
	log zerolog.Logger

	// Lookahead creates orders this far before the due date.
	Lookahead time.Duration
}

func NewGenerator(st store.Store, log zerolog.Logger) *Generator {
	return &Generator{st: st, log: log, Lookahead: 7 * 24 * time.Hour}
}

// categoryFor maps equipment type to the trade that services it.
func categoryFor(equipType string) model.ServiceCategory {
	switch equipType {
	case "furnace", "ac", "heat_pump", "air_handler":
		return model.CategoryHVAC
	case "water_heater", "sump_pump", "boiler":
		return model.CategoryPlumbing
	case "panel", "generator":
		return model.CategoryElectrical
	}
	return model.CategoryGeneral
}

// RunOnce creates work orders for everything due within the lookahead.
// Returns the count of newly created orders.
func (g *Generator) RunOnce(ctx context.Context, tenantID string) (int, error) {
	due, err := g.st.ListEquipmentDue(ctx, tenantID, time.Now().Add(g.Lookahead))
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	in := make([]model.WorkOrderIn, 0, len(due))
	for _, e := range due {
		prop, err := g.st.GetProperty(ctx, tenantID, e.PropertyID)
		if err != nil {
			g.log.Warn().Err(err).Str("equipment", e.ID).Msg("skipping equipment without property")
			continue
		}
		last := e.InstalledAt
		if e.LastServicedAt != nil {
			last = *e.LastServicedAt
		}
		dueDate := last.AddDate(0, 0, e.ServiceIntervalDays).Format("2006-01-02")
		in = append(in, model.WorkOrderIn{
			ExternalRef:  fmt.Sprintf("maint:%s:%s", e.ID, dueDate),
			CustomerID:   prop.CustomerID,
			PropertyID:   e.PropertyID,
			Category:     categoryFor(e.Type),
			Priority:     model.PriorityMaintenance,
			DurationSec:  3600,
			EquipmentIDs: []string{e.ID},
			Description:  fmt.Sprintf("Scheduled service for %s %s %s", e.Make, e.Model, e.Type),
		})
	}
	created, skipped, err := g.st.CreateWorkOrders(ctx, tenantID, in)
	if err != nil {
		return 0, err
	}
	if len(created) > 0 {
		g.log.Info().Int("created", len(created)).Int("skipped", skipped).Msg("maintenance orders generated")
	}
	return len(created), nil
}
