package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldops/internal/model"
)

// Postgres persists through database/sql over the pgx stdlib driver.
// Rows keep the filterable columns relational (tenant, status, version,
// service date) and the rest of each record as a JSONB doc, so model
// additions do not need a migration.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	p := &Postgres{db: db}
	if err := p.migrate(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL,
			deleted_at TIMESTAMPTZ, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS properties (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS equipment (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL,
			interval_days INT NOT NULL DEFAULT 0,
			last_serviced_at TIMESTAMPTZ, installed_at TIMESTAMPTZ,
			doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS technicians (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL, doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS work_orders (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL,
			external_ref TEXT, status TEXT NOT NULL, version INT NOT NULL,
			technician_id TEXT, service_date DATE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL, doc JSONB NOT NULL,
			UNIQUE (tenant_id, external_ref))`,
		`CREATE INDEX IF NOT EXISTS wo_tenant_status ON work_orders (tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS wo_tenant_date ON work_orders (tenant_id, service_date)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL,
			work_order_id UUID NOT NULL, technician_id TEXT NOT NULL,
			active BOOLEAN NOT NULL, created_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS asg_wo ON assignments (work_order_id, active)`,
		`CREATE TABLE IF NOT EXISTS route_plans (
			tenant_id TEXT NOT NULL, technician_id TEXT NOT NULL,
			plan_date DATE NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, technician_id, plan_date))`,
		`CREATE TABLE IF NOT EXISTS sync_outcomes (
			tenant_id TEXT NOT NULL, idem_key TEXT NOT NULL,
			doc JSONB NOT NULL, PRIMARY KEY (tenant_id, idem_key))`,
		`CREATE TABLE IF NOT EXISTS sync_items (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL,
			state TEXT NOT NULL, created_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL,
			url TEXT NOT NULL, events JSONB NOT NULL, secret TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id UUID PRIMARY KEY, tenant_id TEXT NOT NULL,
			subscription_id UUID NOT NULL, event_type TEXT NOT NULL,
			url TEXT NOT NULL, secret TEXT NOT NULL, payload JSONB NOT NULL,
			status TEXT NOT NULL, attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			last_error TEXT, response_code INT, latency_ms INT,
			delivered_at TIMESTAMPTZ)`,
		`CREATE INDEX IF NOT EXISTS wd_due ON webhook_deliveries (status, next_attempt_at)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Customers, properties, equipment

func (p *Postgres) CreateCustomer(ctx context.Context, c model.Customer) (model.Customer, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := p.db.ExecContext(ctx, `INSERT INTO customers (id, tenant_id, doc) VALUES ($1,$2,$3)`,
		c.ID, c.TenantID, toJSON(c))
	return c, err
}

func (p *Postgres) GetCustomer(ctx context.Context, tenantID, id string) (model.Customer, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM customers WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Customer{}, ErrNotFound
	}
	if err != nil {
		return model.Customer{}, err
	}
	var c model.Customer
	return c, json.Unmarshal(doc, &c)
}

func (p *Postgres) SoftDeleteCustomer(ctx context.Context, tenantID, id string) error {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE customers SET deleted_at=$1,
		   doc = doc || jsonb_build_object('deletedAt', to_jsonb($1::timestamptz))
		 WHERE tenant_id=$2 AND id=$3 AND deleted_at IS NULL`, now, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpsertProperty(ctx context.Context, pr model.Property) (model.Property, error) {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO properties (id, tenant_id, doc) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET doc=EXCLUDED.doc`, pr.ID, pr.TenantID, toJSON(pr))
	return pr, err
}

func (p *Postgres) GetProperty(ctx context.Context, tenantID, id string) (model.Property, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM properties WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Property{}, ErrNotFound
	}
	if err != nil {
		return model.Property{}, err
	}
	var pr model.Property
	return pr, json.Unmarshal(doc, &pr)
}

func (p *Postgres) UpsertEquipment(ctx context.Context, e model.Equipment) (model.Equipment, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO equipment (id, tenant_id, interval_days, last_serviced_at, installed_at, doc)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET interval_days=EXCLUDED.interval_days,
		   last_serviced_at=EXCLUDED.last_serviced_at, doc=EXCLUDED.doc`,
		e.ID, e.TenantID, e.ServiceIntervalDays, e.LastServicedAt, e.InstalledAt, toJSON(e))
	return e, err
}

func (p *Postgres) ListEquipmentDue(ctx context.Context, tenantID string, by time.Time) ([]model.Equipment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM equipment
		 WHERE tenant_id=$1 AND interval_days > 0
		   AND COALESCE(last_serviced_at, installed_at) + interval_days * INTERVAL '1 day' <= $2
		 ORDER BY id`, tenantID, by)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Equipment{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e model.Equipment
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkEquipmentServiced(ctx context.Context, tenantID, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE equipment SET last_serviced_at=$1,
		   doc = doc || jsonb_build_object('lastServicedAt', to_jsonb($1::timestamptz))
		 WHERE tenant_id=$2 AND id=$3`, at, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Technicians

func (p *Postgres) UpsertTechnician(ctx context.Context, t model.Technician) (model.Technician, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO technicians (id, tenant_id, doc) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET doc=EXCLUDED.doc`, t.ID, t.TenantID, toJSON(t))
	return t, err
}

func (p *Postgres) GetTechnician(ctx context.Context, tenantID, id string) (model.Technician, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM technicians WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Technician{}, ErrNotFound
	}
	if err != nil {
		return model.Technician{}, err
	}
	var t model.Technician
	return t, json.Unmarshal(doc, &t)
}

func (p *Postgres) ListTechnicians(ctx context.Context, tenantID string) ([]model.Technician, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM technicians WHERE tenant_id=$1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Technician{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t model.Technician
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateTechnicianLocation(ctx context.Context, tenantID, id string, loc model.Location) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE technicians SET doc = doc || jsonb_build_object('location', $1::jsonb)
		 WHERE tenant_id=$2 AND id=$3`, toJSON(loc), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) HasServedCustomer(ctx context.Context, tenantID, technicianID, customerID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM assignments a
		 JOIN work_orders w ON w.id = a.work_order_id
		 WHERE a.tenant_id=$1 AND a.technician_id=$2 AND w.doc->>'customerId'=$3
		 LIMIT 1`, tenantID, technicianID, customerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Work orders

func serviceDate(wo model.WorkOrder) string { return WorkOrderDate(wo) }

func (p *Postgres) CreateWorkOrders(ctx context.Context, tenantID string, in []model.WorkOrderIn) ([]model.WorkOrder, int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	created := []model.WorkOrder{}
	skipped := 0
	now := time.Now().UTC()
	for _, w := range in {
		if w.ExternalRef != "" {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT id::text FROM work_orders WHERE tenant_id=$1 AND external_ref=$2`,
				tenantID, w.ExternalRef).Scan(&existing)
			if err == nil {
				skipped++
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, 0, err
			}
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
		_, err := tx.ExecContext(ctx,
			`INSERT INTO work_orders (id, tenant_id, external_ref, status, version, technician_id, service_date, created_at, doc)
			 VALUES ($1,$2,$3,$4,$5,NULL,$6,$7,$8)`,
			wo.ID, tenantID, nullIfEmpty(wo.ExternalRef), wo.Status, wo.Version, serviceDate(wo), now, toJSON(wo))
		if err != nil {
			return nil, 0, err
		}
		created = append(created, wo)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return created, skipped, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (p *Postgres) GetWorkOrder(ctx context.Context, tenantID, id string) (model.WorkOrder, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM work_orders WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkOrder{}, ErrNotFound
	}
	if err != nil {
		return model.WorkOrder{}, err
	}
	var wo model.WorkOrder
	return wo, json.Unmarshal(doc, &wo)
}

func (p *Postgres) ListWorkOrders(ctx context.Context, tenantID string, status model.Status, cursor string, limit int) ([]model.WorkOrder, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, doc FROM work_orders WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.WorkOrder{}
	var last string
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, "", err
		}
		var wo model.WorkOrder
		if err := json.Unmarshal(doc, &wo); err != nil {
			return nil, "", err
		}
		out = append(out, wo)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) ListAssignedForDate(ctx context.Context, tenantID, date string) ([]model.WorkOrder, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM work_orders
		 WHERE tenant_id=$1 AND service_date=$2 AND status IN ('assigned','en_route','in_progress')
		 ORDER BY doc->'window'->>'start' NULLS LAST, id`, tenantID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WorkOrder{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var wo model.WorkOrder
		if err := json.Unmarshal(doc, &wo); err != nil {
			return nil, err
		}
		out = append(out, wo)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateWorkOrderStatus(ctx context.Context, tenantID, id string, expectVersion int, to model.Status, reason string) (model.WorkOrder, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WorkOrder{}, err
	}
	defer func() { _ = tx.Rollback() }()

	wo, err := p.lockWorkOrder(ctx, tx, tenantID, id)
	if err != nil {
		return model.WorkOrder{}, err
	}
	if expectVersion >= 0 && wo.Version != expectVersion {
		return model.WorkOrder{}, ErrVersionConflict
	}
	if !model.CanTransition(wo.Status, to) {
		return model.WorkOrder{}, ErrInvalidTransition
	}
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
	if err := p.saveWorkOrder(ctx, tx, wo); err != nil {
		return model.WorkOrder{}, err
	}
	if to.Terminal() {
		_, err = tx.ExecContext(ctx,
			`UPDATE assignments SET active=false,
			   doc = doc || jsonb_build_object('active', false, 'closedAt', to_jsonb($1::timestamptz))
			 WHERE work_order_id=$2 AND active`, now, id)
		if err != nil {
			return model.WorkOrder{}, err
		}
	}
	return wo, tx.Commit()
}

func (p *Postgres) lockWorkOrder(ctx context.Context, tx *sql.Tx, tenantID, id string) (model.WorkOrder, error) {
	var doc []byte
	err := tx.QueryRowContext(ctx, `SELECT doc FROM work_orders WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkOrder{}, ErrNotFound
	}
	if err != nil {
		return model.WorkOrder{}, err
	}
	var wo model.WorkOrder
	return wo, json.Unmarshal(doc, &wo)
}

func (p *Postgres) saveWorkOrder(ctx context.Context, tx *sql.Tx, wo model.WorkOrder) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE work_orders SET status=$1, version=$2, technician_id=$3, service_date=$4, doc=$5
		 WHERE tenant_id=$6 AND id=$7`,
		wo.Status, wo.Version, nullIfEmpty(wo.TechnicianID), serviceDate(wo), toJSON(wo), wo.TenantID, wo.ID)
	return err
}

func (p *Postgres) PatchWorkOrderFields(ctx context.Context, tenantID, id string, fields map[string]any) (model.WorkOrder, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WorkOrder{}, err
	}
	defer func() { _ = tx.Rollback() }()
	wo, err := p.lockWorkOrder(ctx, tx, tenantID, id)
	if err != nil {
		return model.WorkOrder{}, err
	}
	applyWorkOrderFields(&wo, fields)
	wo.Version++
	wo.UpdatedAt = time.Now().UTC()
	if err := p.saveWorkOrder(ctx, tx, wo); err != nil {
		return model.WorkOrder{}, err
	}
	return wo, tx.Commit()
}

// Assignments

func (p *Postgres) CommitAssignment(ctx context.Context, tenantID, workOrderID string, expectVersion int, a model.Assignment) (model.WorkOrder, model.Assignment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	wo, err := p.lockWorkOrder(ctx, tx, tenantID, workOrderID)
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	if wo.Version != expectVersion {
		return model.WorkOrder{}, model.Assignment{}, ErrVersionConflict
	}
	if wo.Status != model.StatusQualified {
		return model.WorkOrder{}, model.Assignment{}, ErrInvalidTransition
	}
	var techOK bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM technicians WHERE tenant_id=$1 AND id=$2)`,
		tenantID, a.TechnicianID).Scan(&techOK); err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	if !techOK {
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
	_, err = tx.ExecContext(ctx,
		`UPDATE assignments SET active=false,
		   doc = doc || jsonb_build_object('active', false, 'supersededBy', $1::text, 'closedAt', to_jsonb($2::timestamptz))
		 WHERE work_order_id=$3 AND active`, a.ID, now, workOrderID)
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO assignments (id, tenant_id, work_order_id, technician_id, active, created_at, doc)
		 VALUES ($1,$2,$3,$4,true,$5,$6)`,
		a.ID, tenantID, workOrderID, a.TechnicianID, now, toJSON(a))
	if err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	wo.Status = model.StatusAssigned
	wo.TechnicianID = a.TechnicianID
	wo.Version++
	wo.UpdatedAt = now
	if err := p.saveWorkOrder(ctx, tx, wo); err != nil {
		return model.WorkOrder{}, model.Assignment{}, err
	}
	return wo, a, tx.Commit()
}

func (p *Postgres) ReleaseAssignment(ctx context.Context, tenantID, workOrderID string, expectVersion int) (model.WorkOrder, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WorkOrder{}, err
	}
	defer func() { _ = tx.Rollback() }()
	wo, err := p.lockWorkOrder(ctx, tx, tenantID, workOrderID)
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
	_, err = tx.ExecContext(ctx,
		`UPDATE assignments SET active=false,
		   doc = doc || jsonb_build_object('active', false, 'closedAt', to_jsonb($1::timestamptz))
		 WHERE work_order_id=$2 AND active`, now, workOrderID)
	if err != nil {
		return model.WorkOrder{}, err
	}
	wo.Status = model.StatusQualified
	wo.TechnicianID = ""
	wo.Version++
	wo.UpdatedAt = now
	if err := p.saveWorkOrder(ctx, tx, wo); err != nil {
		return model.WorkOrder{}, err
	}
	return wo, tx.Commit()
}

func (p *Postgres) ActiveAssignment(ctx context.Context, tenantID, workOrderID string) (model.Assignment, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM assignments WHERE tenant_id=$1 AND work_order_id=$2 AND active`, tenantID, workOrderID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, ErrNotFound
	}
	if err != nil {
		return model.Assignment{}, err
	}
	var a model.Assignment
	return a, json.Unmarshal(doc, &a)
}

func (p *Postgres) ListAssignmentsForTechnician(ctx context.Context, tenantID, technicianID, date string) ([]model.Assignment, error) {
	q := `SELECT a.doc FROM assignments a
		JOIN work_orders w ON w.id = a.work_order_id
		WHERE a.tenant_id=$1 AND a.technician_id=$2 AND a.active`
	args := []any{tenantID, technicianID}
	if date != "" {
		args = append(args, date)
		q += ` AND w.service_date=$3`
	}
	q += ` ORDER BY a.created_at`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Assignment{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a model.Assignment
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Route plans

func (p *Postgres) SaveRoutePlan(ctx context.Context, tenantID string, plan model.RoutePlan) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO route_plans (tenant_id, technician_id, plan_date, doc) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (tenant_id, technician_id, plan_date) DO UPDATE SET doc=EXCLUDED.doc`,
		tenantID, plan.TechnicianID, plan.Date, toJSON(plan))
	return err
}

func (p *Postgres) GetRoutePlan(ctx context.Context, tenantID, technicianID, date string) (model.RoutePlan, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM route_plans WHERE tenant_id=$1 AND technician_id=$2 AND plan_date=$3`,
		tenantID, technicianID, date).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RoutePlan{}, ErrNotFound
	}
	if err != nil {
		return model.RoutePlan{}, err
	}
	var plan model.RoutePlan
	return plan, json.Unmarshal(doc, &plan)
}

// Offline sync bookkeeping

func (p *Postgres) GetSyncOutcome(ctx context.Context, tenantID, idempotencyKey string) (SyncOutcome, bool, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM sync_outcomes WHERE tenant_id=$1 AND idem_key=$2`, tenantID, idempotencyKey).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncOutcome{}, false, nil
	}
	if err != nil {
		return SyncOutcome{}, false, err
	}
	var out SyncOutcome
	return out, true, json.Unmarshal(doc, &out)
}

func (p *Postgres) SaveSyncOutcome(ctx context.Context, tenantID string, out SyncOutcome) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sync_outcomes (tenant_id, idem_key, doc) VALUES ($1,$2,$3)
		 ON CONFLICT (tenant_id, idem_key) DO UPDATE SET doc=EXCLUDED.doc`,
		tenantID, out.IdempotencyKey, toJSON(out))
	return err
}

func (p *Postgres) SaveSyncItem(ctx context.Context, item model.SyncQueueItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sync_items (id, tenant_id, state, created_at, doc) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, doc=EXCLUDED.doc`,
		item.ID, item.TenantID, item.State, item.CreatedAt, toJSON(item))
	return err
}

func (p *Postgres) ListSyncItems(ctx context.Context, tenantID string, state model.SyncState, limit int) ([]model.SyncQueueItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT doc FROM sync_items WHERE tenant_id=$1`
	args := []any{tenantID}
	if state != "" {
		args = append(args, state)
		q += ` AND state=$2`
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY created_at LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.SyncQueueItem{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var it model.SyncQueueItem
		if err := json.Unmarshal(doc, &it); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Webhook subscriptions and deliveries

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.TenantID, s.URL, toJSON(s.Events), s.Secret)
	return s, err
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, url, events, secret FROM subscriptions WHERE tenant_id=$1 AND events @> jsonb_build_array($2::text)`,
		tenantID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		s := model.Subscription{TenantID: tenantID}
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, url, events FROM subscriptions WHERE tenant_id=$1`
	args := []any{tenantID}
	if cursor != "" {
		args = append(args, cursor)
		q += ` AND id::text > $2`
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	var last string
	for rows.Next() {
		s := model.Subscription{TenantID: tenantID}
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events); err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return nil, "", err
		}
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, next_attempt_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',now())`,
		id, tenantID, subscriptionID, eventType, url, secret, payload)
	return id, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, tenant_id, subscription_id::text, event_type, url, secret, payload, status, attempts
		 FROM webhook_deliveries
		 WHERE status IN ('pending','retry') AND next_attempt_at <= now()
		 ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx,
			`UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1,
			   response_code=$1, latency_ms=$2, delivered_at=now() WHERE id=$3`,
			responseCode, latencyMs, id)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status='retry', attempts=attempts+1,
		   next_attempt_at=$1, last_error=$2, response_code=$3, latency_ms=$4 WHERE id=$5`,
		next, lastError, responseCode, latencyMs, id)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status='failed', last_error=$1, response_code=$2, latency_ms=$3 WHERE id=$4`,
		lastError, responseCode, latencyMs, id)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, url, COALESCE(last_error,'') FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += ` AND status=$2`
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, eventType, st, url, lastErr string
		var attempts int
		if err := rows.Scan(&id, &eventType, &st, &attempts, &url, &lastErr); err != nil {
			return nil, "", err
		}
		item := map[string]any{"id": id, "eventType": eventType, "status": st, "attempts": attempts, "url": url}
		if lastErr != "" {
			item["lastError"] = lastErr
		}
		out = append(out, item)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id=$2`,
		tenantID, id)
	return err
}
