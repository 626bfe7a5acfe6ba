package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fieldops/internal/dispatch"
	"fieldops/internal/model"
	"fieldops/internal/store"
)

// WorkOrdersHandler handles POST/GET /v1/work-orders.
//
// POST accepts a batch. Each created order is qualified immediately;
// orders failing qualification stay in created and are reported in the
// unqualified list rather than failing the batch.
func (s *Server) WorkOrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var req struct {
			WorkOrders []model.WorkOrderIn `json:"workOrders"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		for i, in := range req.WorkOrders {
			if err := validateWorkOrderIn(in); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid work order", fmt.Sprintf("workOrders[%d]: %v", i, err), r.URL.Path)
				return
			}
		}
		created, skipped, err := s.Store.CreateWorkOrders(r.Context(), p.Tenant, req.WorkOrders)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create work orders failed", err.Error(), r.URL.Path)
			return
		}
		unqualified := []map[string]any{}
		for i := range created {
			s.Pub.Emit(r.Context(), p.Tenant, "workorder.created", map[string]any{"workOrderId": created[i].ID, "priority": string(created[i].Priority)})
			wo, err := s.Sched.Qualify(r.Context(), p.Tenant, created[i].ID)
			if err != nil {
				if errors.Is(err, dispatch.ErrUnqualifiedLead) {
					unqualified = append(unqualified, map[string]any{"workOrderId": created[i].ID, "reason": "no skilled technician in service area"})
					continue
				}
				writeProblem(w, http.StatusInternalServerError, "Qualification failed", err.Error(), r.URL.Path)
				return
			}
			created[i] = wo
			// Emergencies bypass the batch cycle entirely.
			if wo.Priority == model.PriorityEmergency {
				if updated, _, err := s.Sched.Assign(r.Context(), p.Tenant, wo.ID); err == nil {
					created[i] = updated
				}
			}
		}
		writeJSON(w, http.StatusCreated, map[string]any{"workOrders": created, "skipped": skipped, "unqualified": unqualified})
	case http.MethodGet:
		ctx, tenant := s.withTenant(r)
		status := model.Status(r.URL.Query().Get("status"))
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListWorkOrders(ctx, tenant, status, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List work orders failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func validateWorkOrderIn(in model.WorkOrderIn) error {
	if in.CustomerID == "" || in.PropertyID == "" {
		return errors.New("customerId and propertyId are required")
	}
	if !model.ValidCategory(in.Category) {
		return fmt.Errorf("unknown category %q", in.Category)
	}
	if !model.ValidPriority(in.Priority) {
		return fmt.Errorf("unknown priority %q", in.Priority)
	}
	if in.Window != nil && !in.Window.End.IsZero() && !in.Window.End.After(in.Window.Start) {
		return errors.New("window end must be after start")
	}
	return nil
}

// WorkOrderByIDHandler handles /v1/work-orders/{id} and its verbs:
// POST {id}/assign, {id}/status, {id}/cancel; GET {id}/assignment and
// the per-order SSE feed at {id}/events/stream.
func (s *Server) WorkOrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/work-orders/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	verb := ""
	if len(parts) == 2 {
		verb = parts[1]
	}
	p := s.getPrincipal(r)

	switch {
	case verb == "" && r.Method == http.MethodGet:
		wo, err := s.Store.GetWorkOrder(r.Context(), p.Tenant, id)
		if err != nil {
			s.storeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wo)
	case verb == "assign" && r.Method == http.MethodPost:
		if !p.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var body struct {
			Reassign bool `json:"reassign,omitempty"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		var (
			wo  model.WorkOrder
			a   model.Assignment
			err error
		)
		if body.Reassign {
			wo, a, err = s.Sched.Reassign(r.Context(), p.Tenant, id)
		} else {
			wo, a, err = s.Sched.Assign(r.Context(), p.Tenant, id)
		}
		if err != nil {
			if errors.Is(err, dispatch.ErrNoEligibleTechnician) {
				writeProblem(w, http.StatusConflict, "No eligible technician", "every candidate was filtered by skill or travel ceiling", r.URL.Path)
				return
			}
			s.storeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workOrder": wo, "assignment": a})
	case verb == "status" && r.Method == http.MethodPost:
		var body struct {
			To      model.Status `json:"to"`
			Version *int         `json:"version"`
			Reason  string       `json:"reason,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Version == nil {
			writeProblem(w, http.StatusBadRequest, "Missing version", "status changes require the expected version", r.URL.Path)
			return
		}
		if p.Role == "technician" {
			wo, err := s.Store.GetWorkOrder(r.Context(), p.Tenant, id)
			if err != nil {
				s.storeProblem(w, r, err)
				return
			}
			if wo.TechnicianID != p.TechnicianID {
				writeProblem(w, http.StatusForbidden, "Forbidden", "not your work order", r.URL.Path)
				return
			}
		}
		wo, err := s.Sched.Transition(r.Context(), p.Tenant, id, *body.Version, body.To, body.Reason)
		if err != nil {
			s.storeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wo)
	case verb == "cancel" && r.Method == http.MethodPost:
		if !p.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var body struct {
			Version *int   `json:"version"`
			Reason  string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Reason == "" {
			writeProblem(w, http.StatusBadRequest, "Missing reason", "cancellation requires a reason", r.URL.Path)
			return
		}
		version := -1
		if body.Version != nil {
			version = *body.Version
		}
		wo, err := s.Sched.Cancel(r.Context(), p.Tenant, id, version, body.Reason)
		if err != nil {
			s.storeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wo)
	case verb == "assignment" && r.Method == http.MethodGet:
		a, err := s.Store.ActiveAssignment(r.Context(), p.Tenant, id)
		if err != nil {
			s.storeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case verb == "events/stream" && r.Method == http.MethodGet:
		s.workOrderStream(w, r, p, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// storeProblem maps store sentinels onto problem responses.
func (s *Server) storeProblem(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	case errors.Is(err, store.ErrVersionConflict):
		writeProblem(w, http.StatusConflict, "Version conflict", "the work order changed; refetch and retry", r.URL.Path)
	case errors.Is(err, store.ErrInvalidTransition):
		writeProblem(w, http.StatusConflict, "Invalid transition", "the requested status change is not legal from the current state", r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), r.URL.Path)
	}
}

// SyncQueueHandler handles POST /v1/sync/queue: a device uploading its
// offline queue. Outcomes are returned per item in input order.
func (s *Server) SyncQueueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	var req struct {
		DeviceID string                `json:"deviceId"`
		Items    []model.SyncQueueItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.DeviceID == "" {
		writeProblem(w, http.StatusBadRequest, "Missing deviceId", "", r.URL.Path)
		return
	}
	outcomes, err := s.Sync.Upload(r.Context(), p.Tenant, req.DeviceID, req.Items)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Sync failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// SyncConflictsHandler handles GET /v1/sync/conflicts: items parked for
// manual review.
func (s *Server) SyncConflictsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	items, err := s.Store.ListSyncItems(r.Context(), p.Tenant, model.SyncManualReview, 200)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List conflicts failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// HealthHandler handles GET /healthz.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler handles GET /readyz. Ready means the store answers.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.Store.ListTechnicians(ctx, DefaultTenant); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
