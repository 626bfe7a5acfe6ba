package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldops/internal/model"
)

// Memory is the in-memory store used when no store.dsn is configured.
// All methods take the single mutex; the dataset is small enough that
// coarse locking beats juggling per-map locks.
type Memory struct {
	mu sync.Mutex

	customers  map[string]model.Customer
	properties map[string]model.Property
	equipment  map[string]model.Equipment
	techs      map[string]model.Technician

	wos      map[string]model.WorkOrder
	woByTen  map[string][]string
	assigns  map[string][]model.Assignment // workOrderID -> history, last active
	routes   map[string]model.RoutePlan    // tenant|tech|date
	syncOut  map[string]SyncOutcome        // tenant|idemKey
	syncItem map[string]model.SyncQueueItem

	subs       map[string][]model.Subscription
	deliveries map[string]*memDelivery
	delByTen   map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		customers:  map[string]model.Customer{},
		properties: map[string]model.Property{},
		equipment:  map[string]model.Equipment{},
		techs:      map[string]model.Technician{},
		wos:        map[string]model.WorkOrder{},
		woByTen:    map[string][]string{},
		assigns:    map[string][]model.Assignment{},
		routes:     map[string]model.RoutePlan{},
		syncOut:    map[string]SyncOutcome{},
		syncItem:   map[string]model.SyncQueueItem{},
		subs:       map[string][]model.Subscription{},
		deliveries: map[string]*memDelivery{},
		delByTen:   map[string][]string{},
	}
}

type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

// Customers, properties, equipment

func (m *Memory) CreateCustomer(ctx context.Context, c model.Customer) (model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.customers[c.ID] = c
	return c, nil
}

func (m *Memory) GetCustomer(ctx context.Context, tenantID, id string) (model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok || c.TenantID != tenantID {
		return model.Customer{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) SoftDeleteCustomer(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	c.UpdatedAt = now
	m.customers[id] = c
	return nil
}

func (m *Memory) UpsertProperty(ctx context.Context, p model.Property) (model.Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	m.properties[p.ID] = p
	return p, nil
}

func (m *Memory) GetProperty(ctx context.Context, tenantID, id string) (model.Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.properties[id]
	if !ok || p.TenantID != tenantID {
		return model.Property{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) UpsertEquipment(ctx context.Context, e model.Equipment) (model.Equipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	m.equipment[e.ID] = e
	return e, nil
}

func (m *Memory) ListEquipmentDue(ctx context.Context, tenantID string, by time.Time) ([]model.Equipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Equipment{}
	for _, e := range m.equipment {
		if e.TenantID != tenantID || e.ServiceIntervalDays <= 0 {
			continue
		}
		last := e.InstalledAt
		if e.LastServicedAt != nil {
			last = *e.LastServicedAt
		}
		due := last.AddDate(0, 0, e.ServiceIntervalDays)
		if !due.After(by) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkEquipmentServiced(ctx context.Context, tenantID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.equipment[id]
	if !ok || e.TenantID != tenantID {
		return ErrNotFound
	}
	e.LastServicedAt = &at
	m.equipment[id] = e
	return nil
}

// Technicians

func (m *Memory) UpsertTechnician(ctx context.Context, t model.Technician) (model.Technician, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	m.techs[t.ID] = t
	return t, nil
}

func (m *Memory) GetTechnician(ctx context.Context, tenantID, id string) (model.Technician, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.techs[id]
	if !ok || t.TenantID != tenantID {
		return model.Technician{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListTechnicians(ctx context.Context, tenantID string) ([]model.Technician, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Technician{}
	for _, t := range m.techs {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateTechnicianLocation(ctx context.Context, tenantID, id string, loc model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.techs[id]
	if !ok || t.TenantID != tenantID {
		return ErrNotFound
	}
	t.Location = &loc
	m.techs[id] = t
	return nil
}

func (m *Memory) HasServedCustomer(ctx context.Context, tenantID, technicianID, customerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wo := range m.wos {
		if wo.TenantID != tenantID || wo.CustomerID != customerID {
			continue
		}
		for _, a := range m.assigns[wo.ID] {
			if a.TechnicianID == technicianID {
				return true, nil
			}
		}
	}
	return false, nil
}

// Work orders

func (m *Memory) CreateWorkOrders(ctx context.Context, tenantID string, in []model.WorkOrderIn) ([]model.WorkOrder, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := []model.WorkOrder{}
	skipped := 0
	now := time.Now().UTC()
	for _, w := range in {
		if w.ExternalRef != "" && m.externalRefExists(tenantID, w.ExternalRef) {
			skipped++
			continue
		}
		wo := model.WorkOrder{
			ID:           uuid.New().String(),
			TenantID:     tenantID,
			ExternalRef:  w.ExternalRef,
			CustomerID:   w.CustomerID,
			PropertyID:   w.PropertyID,
			Category:     w.Category,
			Priority:     w.Priority,
			Status:       model.StatusCreated,
			Window:       w.Window,
			DurationSec:  w.DurationSec,
			EquipmentIDs: w.EquipmentIDs,
			Description:  w.Description,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		m.wos[wo.ID] = wo
		m.woByTen[tenantID] = append(m.woByTen[tenantID], wo.ID)
		created = append(created, wo)
	}
	return created, skipped, nil
}

func (m *Memory) externalRefExists(tenantID, ref string) bool {
	for _, id := range m.woByTen[tenantID] {
		if m.wos[id].ExternalRef == ref {
			return true
		}
	}
	return false
}

func (m *Memory) GetWorkOrder(ctx context.Context, tenantID, id string) (model.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getWOLocked(tenantID, id)
}

func (m *Memory) getWOLocked(tenantID, id string) (model.WorkOrder, error) {
	wo, ok := m.wos[id]
	if !ok || wo.TenantID != tenantID {
		return model.WorkOrder{}, ErrNotFound
	}
	return wo, nil
}

func (m *Memory) ListWorkOrders(ctx context.Context, tenantID string, status model.Status, cursor string, limit int) ([]model.WorkOrder, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.woByTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.WorkOrder{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		wo := m.wos[ids[i]]
		if status == "" || wo.Status == status {
			out = append(out, wo)
		}
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) ListAssignedForDate(ctx context.Context, tenantID, date string) ([]model.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WorkOrder{}
	for _, id := range m.woByTen[tenantID] {
		wo := m.wos[id]
		switch wo.Status {
		case model.StatusAssigned, model.StatusEnRoute, model.StatusInProgress:
		default:
			continue
		}
		if WorkOrderDate(wo) == date {
			out = append(out, wo)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i], out[j]
		si, sj := time.Time{}, time.Time{}
		if wi.Window != nil {
			si = wi.Window.Start
		}
		if wj.Window != nil {
			sj = wj.Window.Start
		}
		if si.Equal(sj) {
			return wi.ID < wj.ID
		}
		return si.Before(sj)
	})
	return out, nil
}

func (m *Memory) UpdateWorkOrderStatus(ctx context.Context, tenantID, id string, expectVersion int, to model.Status, reason string) (model.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wo, err := m.getWOLocked(tenantID, id)
	if err != nil {
		return model.WorkOrder{}, err
	}
	if expectVersion >= 0 && wo.Version != expectVersion {
		return model.WorkOrder{}, ErrVersionConflict
	}
	if !model.CanTransition(wo.Status, to) {
		return model.WorkOrder{}, ErrInvalidTransition
	}
	// Assignment-bearing edges go through Commit/ReleaseAssignment.
	if to == model.StatusAssigned && wo.TechnicianID == "" {
		return model.WorkOrder{}, ErrInvalidTransition
	}
	if to == model.StatusQualified && wo.Status == model.StatusAssigned {
		return model.WorkOrder{}, ErrInvalidTransition
	}
	wo.Status = to
	if to == model.StatusCancelled {
		wo.CancelReason = reason
	}
	wo.Version++
	now := time.Now().UTC()
	wo.UpdatedAt = now
	m.wos[id] = wo
	if to.Terminal() {
		hist := m.assigns[id]
		for i := range hist {
			if hist[i].Active {
				hist[i].Active = false
				t := now
				hist[i].ClosedAt = &t
			}
		}
		m.assigns[id] = hist
	}
	return wo, nil
}

func (m *Memory) PatchWorkOrderFields(ctx context.Context, tenantID, id string, fields map[string]any) (model.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wo, err := m.getWOLocked(tenantID, id)
	if err != nil {
		return model.WorkOrder{}, err
	}
	applyWorkOrderFields(&wo, fields)
	wo.Version++
	wo.UpdatedAt = time.Now().UTC()
	m.wos[id] = wo
	return wo, nil
}

func applyWorkOrderFields(wo *model.WorkOrder, fields map[string]any) {
	if v, ok := fields["notes"].(string); ok {
		wo.Notes = v
	}
	if v, ok := fields["description"].(string); ok {
		wo.Description = v
	}
	if v, ok := fields["attachments"].([]any); ok {
		for _, a := range v {
			if s, ok := a.(string); ok {
				wo.Attachments = append(wo.Attachments, s)
			}
		}
	}
	if v, ok := fields["attachments"].([]string); ok {
		wo.Attachments = append(wo.Attachments, v...)
	}
}

// Assignments

func (m *Memory) CommitAssignment(ctx context.Context, tenantID, workOrderID string, expectVersion int, a model.Assignment) (model.WorkOrder, model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wo, err := m.getWOLocked(tenantID, workOrderID)
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	if wo.Version != expectVersion {
		return model.WorkOrder{}, model.Assignment{}, ErrVersionConflict
	}
	if wo.Status != model.StatusQualified {
		return model.WorkOrder{}, model.Assignment{}, ErrInvalidTransition
	}
	if tech, ok := m.techs[a.TechnicianID]; !ok || tech.TenantID != tenantID {
		return model.WorkOrder{}, model.Assignment{}, ErrNotFound
	}
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.TenantID = tenantID
	a.WorkOrderID = workOrderID
	a.Active = true
	a.CreatedAt = now
	// Close any still-active prior assignment (reassignment path).
	hist := m.assigns[workOrderID]
	for i := range hist {
		if hist[i].Active {
			hist[i].Active = false
			hist[i].SupersededBy = a.ID
			t := now
			hist[i].ClosedAt = &t
		}
	}
	m.assigns[workOrderID] = append(hist, a)
	wo.Status = model.StatusAssigned
	wo.TechnicianID = a.TechnicianID
	wo.Version++
	wo.UpdatedAt = now
	m.wos[workOrderID] = wo
	return wo, a, nil
}

func (m *Memory) ReleaseAssignment(ctx context.Context, tenantID, workOrderID string, expectVersion int) (model.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wo, err := m.getWOLocked(tenantID, workOrderID)
	if err != nil {
		return model.WorkOrder{}, err
	}
	if wo.Version != expectVersion {
		return model.WorkOrder{}, ErrVersionConflict
	}
	if wo.Status != model.StatusAssigned {
		return model.WorkOrder{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	hist := m.assigns[workOrderID]
	for i := range hist {
		if hist[i].Active {
			hist[i].Active = false
			t := now
			hist[i].ClosedAt = &t
		}
	}
	m.assigns[workOrderID] = hist
	wo.Status = model.StatusQualified
	wo.TechnicianID = ""
	wo.Version++
	wo.UpdatedAt = now
	m.wos[workOrderID] = wo
	return wo, nil
}

func (m *Memory) ActiveAssignment(ctx context.Context, tenantID, workOrderID string) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assigns[workOrderID] {
		if a.Active && a.TenantID == tenantID {
			return a, nil
		}
	}
	return model.Assignment{}, ErrNotFound
}

func (m *Memory) ListAssignmentsForTechnician(ctx context.Context, tenantID, technicianID, date string) ([]model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Assignment{}
	for woID, hist := range m.assigns {
		wo := m.wos[woID]
		if wo.TenantID != tenantID || (date != "" && WorkOrderDate(wo) != date) {
			continue
		}
		for _, a := range hist {
			if a.Active && a.TechnicianID == technicianID {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Route plans

func routeKey(tenantID, techID, date string) string {
	return strings.Join([]string{tenantID, techID, date}, "|")
}

func (m *Memory) SaveRoutePlan(ctx context.Context, tenantID string, plan model.RoutePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[routeKey(tenantID, plan.TechnicianID, plan.Date)] = plan
	return nil
}

func (m *Memory) GetRoutePlan(ctx context.Context, tenantID, technicianID, date string) (model.RoutePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.routes[routeKey(tenantID, technicianID, date)]
	if !ok {
		return model.RoutePlan{}, ErrNotFound
	}
	return p, nil
}

// Sync bookkeeping

func (m *Memory) GetSyncOutcome(ctx context.Context, tenantID, idempotencyKey string) (SyncOutcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.syncOut[tenantID+"|"+idempotencyKey]
	return out, ok, nil
}

func (m *Memory) SaveSyncOutcome(ctx context.Context, tenantID string, out SyncOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncOut[tenantID+"|"+out.IdempotencyKey] = out
	return nil
}

func (m *Memory) SaveSyncItem(ctx context.Context, item model.SyncQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	m.syncItem[item.ID] = item
	return nil
}

func (m *Memory) ListSyncItems(ctx context.Context, tenantID string, state model.SyncState, limit int) ([]model.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.SyncQueueItem{}
	for _, it := range m.syncItem {
		if it.TenantID != tenantID || (state != "" && it.State != state) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Webhooks

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	for _, s := range arr {
		if s.ID != id {
			out = append(out, s)
		}
	}
	m.subs[tenantID] = out
	return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.delByTen[tenantID] = append(m.delByTen[tenantID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, ids := range m.delByTen {
		for _, id := range ids {
			d := m.deliveries[id]
			if d == nil {
				continue
			}
			if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
				out = append(out, d.WebhookDelivery)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.deliveries[id]; d != nil {
		d.Status = "failed"
		d.LastError = lastError
		d.ResponseCode = responseCode
		d.LatencyMs = latencyMs
	}
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.delByTen[tenantID] {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if d.LastError != "" {
				item["lastError"] = d.LastError
			}
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil && d.TenantID == tenantID {
		d.Status = "pending"
		d.NextAttemptAt = time.Now()
	}
	return nil
}
