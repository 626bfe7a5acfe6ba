// Package syncq applies offline-originated changes from technician
// devices. Items are idempotent by device-generated key and conflicts
// are resolved per field, not per record.
package syncq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"fieldops/internal/config"
	"fieldops/internal/dispatch"
	"fieldops/internal/metrics"
	"fieldops/internal/model"
	"fieldops/internal/store"
)

// Field conflict policy:
//   - status: the technician was on site; a legal transition applies
//     regardless of server version. An illegal one goes to manual review.
//   - notes, attachments: merged unconditionally, last write wins for
//     notes, attachments accumulate.
//   - everything else: applies only when the item's base version still
//     matches the server; otherwise manual review.
var (
	mergeFields     = map[string]bool{"notes": true, "attachments": true}
	versionedFields = map[string]bool{"description": true}
)

// Coordinator applies queued device changes against the store.
type Coordinator struct {
	cfg    config.SyncConfig
	st     store.Store
	sched  *dispatch.Scheduler
	events dispatch.Events
	log    zerolog.Logger

	now func() time.Time
}

func NewCoordinator(cfg config.SyncConfig, st store.Store, sched *dispatch.Scheduler, events dispatch.Events, log zerolog.Logger) *Coordinator {
	if events == nil {
		events = dispatch.NopEvents{}
	}
	return &Coordinator{cfg: cfg, st: st, sched: sched, events: events, log: log, now: time.Now}
}

// Upload applies a device's queued items in priority then age order and
// returns one outcome per item, in the same order as the input.
// Replayed idempotency keys return the recorded outcome without
// re-applying anything.
func (c *Coordinator) Upload(ctx context.Context, tenantID, deviceID string, items []model.SyncQueueItem) ([]store.SyncOutcome, error) {
	ordered := make([]int, len(items))
	for i := range items {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		ia, ib := items[ordered[a]], items[ordered[b]]
		if ia.Priority != ib.Priority {
			return ia.Priority > ib.Priority
		}
		return ia.CreatedAt.Before(ib.CreatedAt)
	})

	outcomes := make([]store.SyncOutcome, len(items))
	for _, i := range ordered {
		item := items[i]
		item.TenantID = tenantID
		item.DeviceID = deviceID
		out, err := c.applyOne(ctx, item)
		if err != nil {
			return nil, err
		}
		outcomes[i] = out
	}
	return outcomes, nil
}

func (c *Coordinator) applyOne(ctx context.Context, item model.SyncQueueItem) (store.SyncOutcome, error) {
	if item.IdempotencyKey == "" {
		return store.SyncOutcome{}, errors.New("missing idempotency key")
	}
	if prev, ok, err := c.st.GetSyncOutcome(ctx, item.TenantID, item.IdempotencyKey); err != nil {
		return store.SyncOutcome{}, err
	} else if ok {
		metrics.SyncItems.WithLabelValues("duplicate").Inc()
		return prev, nil
	}

	out := c.apply(ctx, item)
	out.IdempotencyKey = item.IdempotencyKey
	out.AppliedAt = c.now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = out.AppliedAt
	}
	if out.State == model.SyncFailedRetry {
		// Transient failure: no outcome is recorded, so a device replay
		// re-applies instead of getting the failure back as a duplicate.
		// The item is parked under its idempotency key for RetryFailed;
		// a repeated park overwrites the same row.
		item.ID = item.IdempotencyKey
		item.State = model.SyncFailedRetry
		item.LastError = out.Error
		item.LastAttemptAt = out.AppliedAt
		if err := c.st.SaveSyncItem(ctx, item); err != nil {
			return store.SyncOutcome{}, err
		}
		return out, nil
	}
	if err := c.st.SaveSyncOutcome(ctx, item.TenantID, out); err != nil {
		return store.SyncOutcome{}, err
	}
	if out.State == model.SyncManualReview {
		item.State = model.SyncManualReview
		item.LastError = out.Error
		if err := c.st.SaveSyncItem(ctx, item); err != nil {
			return store.SyncOutcome{}, err
		}
		c.events.Publish(ctx, item.TenantID, "sync.conflict", map[string]any{
			"entityType": item.EntityType, "entityId": item.EntityID,
			"deviceId": item.DeviceID, "reason": out.Error,
		})
	}
	return out, nil
}

func (c *Coordinator) apply(ctx context.Context, item model.SyncQueueItem) store.SyncOutcome {
	switch item.EntityType {
	case "work_order":
		return c.applyWorkOrder(ctx, item)
	default:
		metrics.SyncItems.WithLabelValues("manual_review").Inc()
		return store.SyncOutcome{State: model.SyncManualReview, Error: fmt.Sprintf("unsupported entity type %q", item.EntityType)}
	}
}

func (c *Coordinator) applyWorkOrder(ctx context.Context, item model.SyncQueueItem) store.SyncOutcome {
	wo, err := c.st.GetWorkOrder(ctx, item.TenantID, item.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.SyncItems.WithLabelValues("manual_review").Inc()
			return store.SyncOutcome{State: model.SyncManualReview, Error: "work order not found"}
		}
		metrics.SyncItems.WithLabelValues("error").Inc()
		return store.SyncOutcome{State: model.SyncFailedRetry, Error: err.Error()}
	}

	// Split the payload by policy. A field the policy does not know is
	// a review case, not a silent drop: reporting synced while ignoring
	// it would lie to the device.
	var statusTo model.Status
	merge := map[string]any{}
	versioned := map[string]any{}
	var unknown []string
	for k, v := range item.Fields {
		switch {
		case k == "status":
			if s, ok := v.(string); ok {
				statusTo = model.Status(s)
			}
		case mergeFields[k]:
			merge[k] = v
		case versionedFields[k]:
			versioned[k] = v
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		metrics.SyncItems.WithLabelValues("conflict").Inc()
		return store.SyncOutcome{State: model.SyncManualReview,
			Error: fmt.Sprintf("unsupported fields %v", unknown)}
	}

	if len(versioned) > 0 && item.BaseVersion > 0 && item.BaseVersion != wo.Version {
		metrics.SyncItems.WithLabelValues("conflict").Inc()
		return store.SyncOutcome{State: model.SyncManualReview,
			Error: fmt.Sprintf("base version %d behind server %d for fields %v", item.BaseVersion, wo.Version, keys(versioned))}
	}

	applied := wo
	if statusTo != "" {
		// Technician-wins: the device observed reality on site, so the
		// version check is skipped. Only the state machine can refuse.
		updated, err := c.sched.Transition(ctx, item.TenantID, item.EntityID, -1, statusTo, "")
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				metrics.SyncItems.WithLabelValues("manual_review").Inc()
				return store.SyncOutcome{State: model.SyncManualReview,
					Error: fmt.Sprintf("illegal transition %s -> %s", wo.Status, statusTo)}
			}
			metrics.SyncItems.WithLabelValues("error").Inc()
			return store.SyncOutcome{State: model.SyncFailedRetry, Error: err.Error()}
		}
		applied = updated
	}
	patch := map[string]any{}
	for k, v := range merge {
		patch[k] = v
	}
	for k, v := range versioned {
		patch[k] = v
	}
	if len(patch) > 0 {
		updated, err := c.st.PatchWorkOrderFields(ctx, item.TenantID, item.EntityID, patch)
		if err != nil {
			metrics.SyncItems.WithLabelValues("error").Inc()
			return store.SyncOutcome{State: model.SyncFailedRetry, Error: err.Error()}
		}
		applied = updated
	}
	metrics.SyncItems.WithLabelValues("applied").Inc()
	return store.SyncOutcome{State: model.SyncSynced, AppliedVersion: applied.Version}
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RetryFailed re-applies items parked in failed_retry with doubling
// backoff from the last attempt, abandoning after MaxAttempts.
func (c *Coordinator) RetryFailed(ctx context.Context, tenantID string) error {
	items, err := c.st.ListSyncItems(ctx, tenantID, model.SyncFailedRetry, 200)
	if err != nil {
		return err
	}
	now := c.now()
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A device replay may have applied this key while it was parked.
		if _, ok, err := c.st.GetSyncOutcome(ctx, tenantID, item.IdempotencyKey); err != nil {
			return err
		} else if ok {
			item.State = model.SyncSynced
			if err := c.st.SaveSyncItem(ctx, item); err != nil {
				return err
			}
			continue
		}
		last := item.LastAttemptAt
		if last.IsZero() {
			last = item.CreatedAt
		}
		if last.Add(c.cfg.BackoffInitial << item.Attempts).After(now) {
			continue
		}
		if item.Attempts >= c.cfg.MaxAttempts {
			item.State = model.SyncFailedAbandoned
			metrics.SyncItems.WithLabelValues("abandoned").Inc()
			if err := c.st.SaveSyncItem(ctx, item); err != nil {
				return err
			}
			continue
		}
		out := c.apply(ctx, item)
		item.Attempts++
		item.LastAttemptAt = now.UTC()
		item.State = out.State
		item.LastError = out.Error
		if out.State == model.SyncSynced || out.State == model.SyncManualReview {
			out.IdempotencyKey = item.IdempotencyKey
			out.AppliedAt = now.UTC()
			if err := c.st.SaveSyncOutcome(ctx, tenantID, out); err != nil {
				return err
			}
		}
		if out.State == model.SyncManualReview {
			c.events.Publish(ctx, tenantID, "sync.conflict", map[string]any{
				"entityType": item.EntityType, "entityId": item.EntityID,
				"deviceId": item.DeviceID, "reason": out.Error,
			})
		}
		if err := c.st.SaveSyncItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}
