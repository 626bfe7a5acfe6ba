package model

import "time"

// ServiceCategory is the trade a work order requires.
type ServiceCategory string

const (
	CategoryHVAC       ServiceCategory = "hvac"
	CategoryPlumbing   ServiceCategory = "plumbing"
	CategoryElectrical ServiceCategory = "electrical"
	CategoryGeneral    ServiceCategory = "general"
)

// Categories lists every supported service category.
func Categories() []ServiceCategory {
	return []ServiceCategory{CategoryHVAC, CategoryPlumbing, CategoryElectrical, CategoryGeneral}
}

// ValidCategory reports whether c is a supported category.
func ValidCategory(c ServiceCategory) bool {
	switch c {
	case CategoryHVAC, CategoryPlumbing, CategoryElectrical, CategoryGeneral:
		return true
	}
	return false
}

// Priority orders work for dispatch. Emergency bypasses batching.
type Priority string

const (
	PriorityEmergency   Priority = "emergency"
	PriorityUrgent      Priority = "urgent"
	PriorityRoutine     Priority = "routine"
	PriorityMaintenance Priority = "maintenance"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityEmergency, PriorityUrgent, PriorityRoutine, PriorityMaintenance:
		return true
	}
	return false
}

// Status is the work order lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusQualified  Status = "qualified"
	StatusAssigned   Status = "assigned"
	StatusEnRoute    Status = "en_route"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusOnHold     Status = "on_hold"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// CanTransition reports whether from -> to is a legal lifecycle edge.
// Cancellation is reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	switch from {
	case StatusCreated:
		return to == StatusQualified
	case StatusQualified:
		return to == StatusAssigned
	case StatusAssigned:
		return to == StatusEnRoute || to == StatusInProgress || to == StatusOnHold || to == StatusQualified
	case StatusEnRoute:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusOnHold
	case StatusOnHold:
		return to == StatusAssigned || to == StatusInProgress
	}
	return false
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TimeWindow is the earliest/latest acceptable visit time for a job.
// A zero End means the window is open-ended (flexible job).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Flexible reports whether the window imposes no hard deadline.
func (w TimeWindow) Flexible() bool { return w.End.IsZero() }

// Location is a technician GPS fix. Fixes older than the configured
// staleness threshold are ignored by scoring and routing.
type Location struct {
	Point GeoPoint  `json:"point"`
	TS    time.Time `json:"ts"`
}

type Customer struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	Email     string     `json:"email,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"` // soft delete only
}

type Property struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId"`
	CustomerID  string   `json:"customerId"`
	Address     string   `json:"address"`
	Location    GeoPoint `json:"location"`
	AccessNotes string   `json:"accessNotes,omitempty"`
	Hazards     []string `json:"hazards,omitempty"`
}

type Equipment struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId"`
	PropertyID          string     `json:"propertyId"`
	Type                string     `json:"type"`
	Make                string     `json:"make,omitempty"`
	Model               string     `json:"model,omitempty"`
	InstalledAt         time.Time  `json:"installedAt"`
	ServiceIntervalDays int        `json:"serviceIntervalDays,omitempty"`
	LastServicedAt      *time.Time `json:"lastServicedAt,omitempty"`
}

// WorkOrderIn is the inbound shape for creating work orders.
type WorkOrderIn struct {
	ExternalRef  string          `json:"externalRef,omitempty"`
	CustomerID   string          `json:"customerId"`
	PropertyID   string          `json:"propertyId"`
	Category     ServiceCategory `json:"category"`
	Priority     Priority        `json:"priority"`
	Window       *TimeWindow     `json:"window,omitempty"`
	DurationSec  int             `json:"durationSec,omitempty"`
	EquipmentIDs []string        `json:"equipmentIds,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// WorkOrder is one unit of dispatchable field work.
//
// Invariants: status assigned or later implies a non-empty TechnicianID;
// completed and cancelled are terminal. Version backs the optimistic
// concurrency check on every write.
type WorkOrder struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	ExternalRef  string          `json:"externalRef,omitempty"`
	CustomerID   string          `json:"customerId"`
	PropertyID   string          `json:"propertyId"`
	Category     ServiceCategory `json:"category"`
	Priority     Priority        `json:"priority"`
	Status       Status          `json:"status"`
	Window       *TimeWindow     `json:"window,omitempty"`
	TechnicianID string          `json:"technicianId,omitempty"`
	DurationSec  int             `json:"durationSec"`
	EquipmentIDs []string        `json:"equipmentIds,omitempty"`
	Description  string          `json:"description,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Attachments  []string        `json:"attachments,omitempty"`
	CancelReason string          `json:"cancelReason,omitempty"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type Technician struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	Name           string            `json:"name"`
	Skills         []ServiceCategory `json:"skills"`
	Certifications []string          `json:"certifications,omitempty"`
	Active         bool              `json:"active"`
	HomeBase       *GeoPoint         `json:"homeBase,omitempty"`
	Location       *Location         `json:"location,omitempty"`
}

// HasSkill reports whether the technician can legally take jobs of the
// given category, either by exact trade or the general cross-training.
func (t Technician) HasSkill(c ServiceCategory) bool {
	for _, s := range t.Skills {
		if s == c || s == CategoryGeneral {
			return true
		}
	}
	return false
}

// Assignment binds a WorkOrder to a Technician at a point in time with
// the score that justified the choice. Immutable once created; a
// reassignment closes the active record and creates a successor.
type Assignment struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenantId"`
	WorkOrderID  string             `json:"workOrderId"`
	TechnicianID string             `json:"technicianId"`
	Score        float64            `json:"score"`
	Breakdown    map[string]float64 `json:"breakdown,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Active       bool               `json:"active"`
	SupersededBy string             `json:"supersededBy,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	ClosedAt     *time.Time         `json:"closedAt,omitempty"`
}

// SyncState is the server-side lifecycle of an offline change.
type SyncState string

const (
	SyncPending         SyncState = "pending"
	SyncSyncing         SyncState = "syncing"
	SyncSynced          SyncState = "synced"
	SyncFailedRetry     SyncState = "failed_retry"
	SyncFailedAbandoned SyncState = "failed_abandoned"
	SyncManualReview    SyncState = "manual_review"
)

// SyncQueueItem is one pending offline-originated change. The
// idempotency key is generated on the device; re-applying the same key
// must not duplicate side effects.
type SyncQueueItem struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	DeviceID       string         `json:"deviceId"`
	IdempotencyKey string         `json:"idempotencyKey"`
	EntityType     string         `json:"entityType"` // work_order, customer, ...
	EntityID       string         `json:"entityId"`
	Op             string         `json:"op"` // update, attach
	Fields         map[string]any `json:"fields,omitempty"`
	BaseVersion    int            `json:"baseVersion,omitempty"`
	Priority       int            `json:"priority,omitempty"` // higher first per device
	Attempts       int            `json:"attempts"`
	State          SyncState      `json:"state"`
	LastError      string         `json:"lastError,omitempty"`
	LastAttemptAt  time.Time      `json:"lastAttemptAt"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Visit is one stop in a technician's ordered day route.
type Visit struct {
	WorkOrderID string    `json:"workOrderId"`
	Arrival     time.Time `json:"arrival"`
	Departure   time.Time `json:"departure"`
	TravelSec   int       `json:"travelSec"`
	Approximate bool      `json:"approximate,omitempty"`
}

// RoutePlan is the ordered visit sequence for one technician and date.
type RoutePlan struct {
	TechnicianID   string    `json:"technicianId"`
	Date           string    `json:"date"` // YYYY-MM-DD
	Visits         []Visit   `json:"visits"`
	TotalTravelSec int       `json:"totalTravelSec"`
	Feasible       bool      `json:"feasible"`
	ViolatingJobID string    `json:"violatingJobId,omitempty"`
	ComputedAt     time.Time `json:"computedAt"`
}

// SubscriptionRequest registers a webhook endpoint for event types.
type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}
