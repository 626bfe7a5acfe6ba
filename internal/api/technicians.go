package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"fieldops/internal/model"
	"fieldops/internal/routeopt"
	"fieldops/internal/store"
)

// TechniciansHandler handles POST/GET /v1/technicians.
func (s *Server) TechniciansHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	switch r.Method {
	case http.MethodPost:
		if !p.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var t model.Technician
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		t.TenantID = p.Tenant
		for _, sk := range t.Skills {
			if !model.ValidCategory(sk) {
				writeProblem(w, http.StatusBadRequest, "Invalid skill", string(sk), r.URL.Path)
				return
			}
		}
		saved, err := s.Store.UpsertTechnician(r.Context(), t)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save technician failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodGet:
		items, err := s.Store.ListTechnicians(r.Context(), p.Tenant)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List technicians failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// TechnicianByIDHandler handles /v1/technicians/{id} plus the
// location, route, and assignments subresources.
func (s *Server) TechnicianByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/technicians/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	p := s.getPrincipal(r)

	switch {
	case sub == "" && r.Method == http.MethodGet:
		t, err := s.Store.GetTechnician(r.Context(), p.Tenant, id)
		if err != nil {
			s.storeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case sub == "location" && r.Method == http.MethodPost:
		// Technicians may only report their own position.
		if p.Role == "technician" && p.TechnicianID != id {
			writeProblem(w, http.StatusForbidden, "Forbidden", "not your location", r.URL.Path)
			return
		}
		var loc model.Location
		if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if loc.TS.IsZero() {
			loc.TS = time.Now().UTC()
		}
		if err := s.Store.UpdateTechnicianLocation(r.Context(), p.Tenant, id, loc); err != nil {
			s.storeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	case sub == "route" && r.Method == http.MethodGet:
		s.technicianRoute(w, r, p, id)
	case sub == "assignments" && r.Method == http.MethodGet:
		date := r.URL.Query().Get("date")
		items, err := s.Store.ListAssignmentsForTechnician(r.Context(), p.Tenant, id, date)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List assignments failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// technicianRoute returns the stored plan for the date, recomputing it
// when absent or when ?refresh=true.
func (s *Server) technicianRoute(w http.ResponseWriter, r *http.Request, p Principal, techID string) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	refresh := r.URL.Query().Get("refresh") == "true"
	if !refresh {
		plan, err := s.Store.GetRoutePlan(r.Context(), p.Tenant, techID, date)
		if err == nil {
			writeJSON(w, http.StatusOK, plan)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusInternalServerError, "Load route failed", err.Error(), r.URL.Path)
			return
		}
	}
	plan, err := s.ComputeRoute(r.Context(), p.Tenant, techID, date)
	if err != nil {
		s.storeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ComputeRoute builds, saves, and returns the technician's plan for a
// date from their currently assigned work orders.
func (s *Server) ComputeRoute(ctx context.Context, tenantID, techID, date string) (model.RoutePlan, error) {
	tech, err := s.Store.GetTechnician(ctx, tenantID, techID)
	if err != nil {
		return model.RoutePlan{}, err
	}
	wos, err := s.Store.ListAssignedForDate(ctx, tenantID, date)
	if err != nil {
		return model.RoutePlan{}, err
	}
	jobs := []routeopt.Job{}
	for _, wo := range wos {
		if wo.TechnicianID != techID {
			continue
		}
		prop, err := s.Store.GetProperty(ctx, tenantID, wo.PropertyID)
		if err != nil {
			return model.RoutePlan{}, err
		}
		jobs = append(jobs, routeopt.Job{
			WorkOrderID: wo.ID,
			Location:    prop.Location,
			Window:      wo.Window,
			DurationSec: wo.DurationSec,
			Anchored:    wo.Priority == model.PriorityEmergency || wo.Status == model.StatusInProgress,
		})
	}
	origin := model.GeoPoint{}
	if tech.HomeBase != nil {
		origin = *tech.HomeBase
	} else if tech.Location != nil {
		origin = tech.Location.Point
	}
	startAt, _ := time.Parse("2006-01-02", date)
	startAt = startAt.Add(8 * time.Hour) // day starts 08:00 UTC absent shift data
	plan, err := s.Opt.Plan(ctx, techID, date, origin, startAt, jobs)
	if err != nil {
		return model.RoutePlan{}, err
	}
	if err := s.Store.SaveRoutePlan(ctx, tenantID, plan); err != nil {
		return model.RoutePlan{}, err
	}
	if !plan.Feasible {
		s.Pub.Emit(ctx, tenantID, "route.infeasible", map[string]any{
			"technicianId": techID, "date": date, "infeasible": true, "violatingJobId": plan.ViolatingJobID,
		})
	}
	return plan, nil
}
