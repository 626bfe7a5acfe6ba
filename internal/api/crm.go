package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"fieldops/internal/model"
)

// CustomersHandler handles POST /v1/customers.
func (s *Server) CustomersHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var c model.Customer
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if c.Name == "" {
		writeProblem(w, http.StatusBadRequest, "Missing name", "", r.URL.Path)
		return
	}
	c.TenantID = p.Tenant
	saved, err := s.Store.CreateCustomer(r.Context(), c)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create customer failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// CustomerByIDHandler handles GET/DELETE /v1/customers/{id}. Delete is
// a soft delete; service history stays attached.
func (s *Server) CustomerByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/customers/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	switch r.Method {
	case http.MethodGet:
		c, err := s.Store.GetCustomer(r.Context(), p.Tenant, id)
		if err != nil {
			s.storeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case http.MethodDelete:
		if !p.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		if err := s.Store.SoftDeleteCustomer(r.Context(), p.Tenant, id); err != nil {
			s.storeProblem(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// PropertiesHandler handles POST /v1/properties (upsert).
func (s *Server) PropertiesHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var pr model.Property
	if err := json.NewDecoder(r.Body).Decode(&pr); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if pr.CustomerID == "" {
		writeProblem(w, http.StatusBadRequest, "Missing customerId", "", r.URL.Path)
		return
	}
	pr.TenantID = p.Tenant
	saved, err := s.Store.UpsertProperty(r.Context(), pr)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Save property failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// EquipmentHandler handles POST /v1/equipment (upsert).
func (s *Server) EquipmentHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var e model.Equipment
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if e.PropertyID == "" || e.Type == "" {
		writeProblem(w, http.StatusBadRequest, "Missing propertyId or type", "", r.URL.Path)
		return
	}
	e.TenantID = p.Tenant
	saved, err := s.Store.UpsertEquipment(r.Context(), e)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Save equipment failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}
