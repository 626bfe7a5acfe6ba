package store

import (
	"context"
	"errors"
	"time"

	"fieldops/internal/model"
)

// Store is the persistence interface used by the scheduler, sync
// coordinator, and API server. Implementations must enforce the
// optimistic version check on every WorkOrder write and, inside
// CommitAssignment, the one-active-assignment invariant and that the
// technician belongs to the work order's tenant.
type Store interface {
	// Customers, properties, equipment
	CreateCustomer(ctx context.Context, c model.Customer) (model.Customer, error)
	GetCustomer(ctx context.Context, tenantID, id string) (model.Customer, error)
	SoftDeleteCustomer(ctx context.Context, tenantID, id string) error
	UpsertProperty(ctx context.Context, p model.Property) (model.Property, error)
	GetProperty(ctx context.Context, tenantID, id string) (model.Property, error)
	UpsertEquipment(ctx context.Context, e model.Equipment) (model.Equipment, error)
	ListEquipmentDue(ctx context.Context, tenantID string, by time.Time) ([]model.Equipment, error)
	MarkEquipmentServiced(ctx context.Context, tenantID, id string, at time.Time) error

	// Technicians
	UpsertTechnician(ctx context.Context, t model.Technician) (model.Technician, error)
	GetTechnician(ctx context.Context, tenantID, id string) (model.Technician, error)
	ListTechnicians(ctx context.Context, tenantID string) ([]model.Technician, error)
	UpdateTechnicianLocation(ctx context.Context, tenantID, id string, loc model.Location) error
	HasServedCustomer(ctx context.Context, tenantID, technicianID, customerID string) (bool, error)

	// Work orders
	CreateWorkOrders(ctx context.Context, tenantID string, in []model.WorkOrderIn) (created []model.WorkOrder, skipped int, err error)
	GetWorkOrder(ctx context.Context, tenantID, id string) (model.WorkOrder, error)
	ListWorkOrders(ctx context.Context, tenantID string, status model.Status, cursor string, limit int) ([]model.WorkOrder, string, error)
	ListAssignedForDate(ctx context.Context, tenantID, date string) ([]model.WorkOrder, error)
	// UpdateWorkOrderStatus applies a lifecycle transition. expectVersion
	// < 0 skips the version check (technician-wins sync writes).
	UpdateWorkOrderStatus(ctx context.Context, tenantID, id string, expectVersion int, to model.Status, reason string) (model.WorkOrder, error)
	PatchWorkOrderFields(ctx context.Context, tenantID, id string, fields map[string]any) (model.WorkOrder, error)

	// Assignments
	CommitAssignment(ctx context.Context, tenantID, workOrderID string, expectVersion int, a model.Assignment) (model.WorkOrder, model.Assignment, error)
	ReleaseAssignment(ctx context.Context, tenantID, workOrderID string, expectVersion int) (model.WorkOrder, error)
	ActiveAssignment(ctx context.Context, tenantID, workOrderID string) (model.Assignment, error)
	ListAssignmentsForTechnician(ctx context.Context, tenantID, technicianID, date string) ([]model.Assignment, error)

	// Route plans
	SaveRoutePlan(ctx context.Context, tenantID string, plan model.RoutePlan) error
	GetRoutePlan(ctx context.Context, tenantID, technicianID, date string) (model.RoutePlan, error)

	// Offline sync bookkeeping
	GetSyncOutcome(ctx context.Context, tenantID, idempotencyKey string) (SyncOutcome, bool, error)
	SaveSyncOutcome(ctx context.Context, tenantID string, out SyncOutcome) error
	SaveSyncItem(ctx context.Context, item model.SyncQueueItem) error
	ListSyncItems(ctx context.Context, tenantID string, state model.SyncState, limit int) ([]model.SyncQueueItem, error)

	// Webhook subscriptions and deliveries
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error
}

// SyncOutcome records the result of applying a sync item, keyed by its
// idempotency key so retried uploads return the recorded result.
type SyncOutcome struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	State          model.SyncState `json:"state"`
	AppliedVersion int             `json:"appliedVersion,omitempty"`
	Error          string          `json:"error,omitempty"`
	AppliedAt      time.Time       `json:"appliedAt"`
}

// WebhookDelivery is one pending or attempted outbound delivery.
type WebhookDelivery struct {
	ID             string
	TenantID       string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

var (
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// WorkOrderDate returns the YYYY-MM-DD service date of a work order:
// the window start when present, otherwise the creation date.
func WorkOrderDate(wo model.WorkOrder) string {
	if wo.Window != nil && !wo.Window.Start.IsZero() {
		return wo.Window.Start.UTC().Format("2006-01-02")
	}
	return wo.CreatedAt.UTC().Format("2006-01-02")
}
