package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves
// single-node field deployments where running postgres is not practical.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// The apply chain serializes on row locks in postgres; sqlite has no
	// row locks, so serialize writers at the connection level instead.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS rescue_requests (
	id                TEXT PRIMARY KEY,
	location          TEXT NOT NULL DEFAULT '',
	latitude          REAL,
	longitude         REAL,
	details           TEXT NOT NULL DEFAULT '',
	people_count      INTEGER NOT NULL DEFAULT 0,
	priority          TEXT NOT NULL DEFAULT 'medium',
	status            TEXT NOT NULL DEFAULT 'pending',
	criticality_score REAL NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON rescue_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_triage
	ON rescue_requests(status, criticality_score DESC, created_at DESC);

CREATE TABLE IF NOT EXISTS warehouses (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	latitude   REAL NOT NULL DEFAULT 0,
	longitude  REAL NOT NULL DEFAULT 0,
	capacity   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS resources (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	quantity     INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
	version      INTEGER NOT NULL DEFAULT 1,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_resources_warehouse ON resources(warehouse_id);

CREATE TABLE IF NOT EXISTS allocation_recommendations (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL REFERENCES rescue_requests(id),
	resource_id   TEXT NOT NULL,
	warehouse_id  TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	score         REAL NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'suggested',
	rationale     TEXT NOT NULL DEFAULT '',
	allocation_id TEXT,
	model_run_id  TEXT,
	confidence    REAL,
	valid_until   DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_recommendations_active
	ON allocation_recommendations(request_id) WHERE status = 'suggested';
CREATE INDEX IF NOT EXISTS idx_recommendations_request ON allocation_recommendations(request_id);

CREATE TABLE IF NOT EXISTS resource_allocations (
	id              TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL REFERENCES rescue_requests(id),
	resource_id     TEXT NOT NULL REFERENCES resources(id),
	warehouse_id    TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	allocated_by    INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'booked',
	idempotency_key TEXT,
	created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_allocations_request ON resource_allocations(request_id);

CREATE TABLE IF NOT EXISTS allocation_history (
	id            TEXT PRIMARY KEY,
	allocation_id TEXT NOT NULL REFERENCES resource_allocations(id),
	event_type    TEXT NOT NULL,
	actor_id      INTEGER NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS priority_snapshots (
	id         TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	score      REAL NOT NULL,
	breakdown  TEXT NOT NULL,
	rationale  TEXT NOT NULL DEFAULT '',
	scored_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_priority_snapshots_request ON priority_snapshots(request_id);

CREATE TABLE IF NOT EXISTS request_feature_snapshots (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL,
	model_run_id TEXT NOT NULL,
	features     TEXT NOT NULL,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS predictive_model_runs (
	id           TEXT PRIMARY KEY,
	model_name   TEXT NOT NULL,
	version      TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME NOT NULL,
	processed    INTEGER NOT NULL DEFAULT 0,
	created      INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS demand_feature_snapshots (
	id                TEXT PRIMARY KEY,
	region            TEXT NOT NULL,
	resource_type     TEXT NOT NULL,
	bucket_start      DATETIME NOT NULL,
	pending_count     INTEGER NOT NULL DEFAULT 0,
	fulfilled_count   INTEGER NOT NULL DEFAULT 0,
	inventory_on_hand INTEGER NOT NULL DEFAULT 0,
	weather_stress    REAL NOT NULL DEFAULT 0,
	access_risk       REAL NOT NULL DEFAULT 0,
	collected_at      DATETIME NOT NULL,
	UNIQUE (region, resource_type, bucket_start)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key           TEXT PRIMARY KEY,
	allocation_id TEXT NOT NULL REFERENCES resource_allocations(id),
	created_at    DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Requests

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *model.RescueRequest) (*model.RescueRequest, error) {
	out := *req
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Status == "" {
		out.Status = model.RequestStatusPending
	}
	if out.Version == 0 {
		out.Version = 1
	}
	now := time.Now().UTC()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rescue_requests (id, location, latitude, longitude, details, people_count, priority, status, criticality_score, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.Location, out.Latitude, out.Longitude, out.Details, out.PeopleCount,
		string(out.Priority), string(out.Status), out.CriticalityScore, out.Version,
		out.CreatedAt, out.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert request")
	}
	return &out, nil
}

func scanSQLiteRequest(row interface{ Scan(...any) error }) (*model.RescueRequest, error) {
	var r model.RescueRequest
	var lat, lon sql.NullFloat64
	var priority, status string
	err := row.Scan(&r.ID, &r.Location, &lat, &lon, &r.Details, &r.PeopleCount,
		&priority, &status, &r.CriticalityScore, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		r.Latitude = &lat.Float64
	}
	if lon.Valid {
		r.Longitude = &lon.Float64
	}
	r.Priority = model.PriorityTier(priority)
	r.Status = model.RequestStatus(status)
	return &r, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.RescueRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, location, latitude, longitude, details, people_count, priority, status, criticality_score, version, created_at, updated_at
		 FROM rescue_requests WHERE id = ?`, id)
	r, err := scanSQLiteRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engine.NewNotFound("request", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get request %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.RescueRequest, error) {
	query := `SELECT id, location, latitude, longitude, details, people_count, priority, status, criticality_score, version, created_at, updated_at
	 FROM rescue_requests WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.OrderByCriticality {
		query += ` ORDER BY criticality_score DESC, created_at DESC`
	} else {
		query += ` ORDER BY created_at DESC`
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requests")
	}
	defer rows.Close()

	var requests []model.RescueRequest
	for rows.Next() {
		r, err := scanSQLiteRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan request")
		}
		requests = append(requests, *r)
	}
	return requests, eris.Wrap(rows.Err(), "sqlite: list requests iterate")
}

func (s *SQLiteStore) UpdateCriticality(ctx context.Context, id string, score float64, version int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rescue_requests
		 SET criticality_score = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		score, time.Now().UTC(), id, version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update criticality %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return &engine.ConflictError{Kind: "request", ID: id, ExpectedVersion: version}
	}
	return nil
}

func (s *SQLiteStore) CountRequests(ctx context.Context, status model.RequestStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rescue_requests WHERE status = ?`, string(status)).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count requests")
}

// Warehouses and resources

func (s *SQLiteStore) ListWarehouses(ctx context.Context) ([]model.Warehouse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, latitude, longitude, capacity, created_at FROM warehouses ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list warehouses")
	}
	defer rows.Close()

	var warehouses []model.Warehouse
	for rows.Next() {
		var w model.Warehouse
		if err := rows.Scan(&w.ID, &w.Name, &w.Latitude, &w.Longitude, &w.Capacity, &w.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan warehouse")
		}
		warehouses = append(warehouses, w)
	}
	return warehouses, eris.Wrap(rows.Err(), "sqlite: list warehouses iterate")
}

func (s *SQLiteStore) ListResources(ctx context.Context) ([]model.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, quantity, warehouse_id, version, updated_at FROM resources ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list resources")
	}
	defer rows.Close()

	var resources []model.Resource
	for rows.Next() {
		var r model.Resource
		var typ string
		if err := rows.Scan(&r.ID, &typ, &r.Quantity, &r.WarehouseID, &r.Version, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan resource")
		}
		r.Type = model.ResourceType(typ)
		resources = append(resources, r)
	}
	return resources, eris.Wrap(rows.Err(), "sqlite: list resources iterate")
}

func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*model.Resource, error) {
	var r model.Resource
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, quantity, warehouse_id, version, updated_at FROM resources WHERE id = ?`, id,
	).Scan(&r.ID, &typ, &r.Quantity, &r.WarehouseID, &r.Version, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engine.NewNotFound("resource", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get resource %s", id)
	}
	r.Type = model.ResourceType(typ)
	return &r, nil
}

func (s *SQLiteStore) StockByWarehouse(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT warehouse_id, COALESCE(SUM(quantity), 0) FROM resources GROUP BY warehouse_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stock by warehouse")
	}
	defer rows.Close()

	stock := make(map[string]int)
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stock")
		}
		stock[id] = qty
	}
	return stock, eris.Wrap(rows.Err(), "sqlite: stock iterate")
}

func (s *SQLiteStore) TotalResourceQuantity(ctx context.Context) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM resources`).Scan(&total)
	return total, eris.Wrap(err, "sqlite: total resource quantity")
}

func (s *SQLiteStore) UpsertWarehouse(ctx context.Context, w *model.Warehouse) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO warehouses (id, name, latitude, longitude, capacity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, latitude = excluded.latitude,
			longitude = excluded.longitude, capacity = excluded.capacity`,
		w.ID, w.Name, w.Latitude, w.Longitude, w.Capacity, w.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert warehouse")
}

func (s *SQLiteStore) UpsertResource(ctx context.Context, r *model.Resource) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (id, type, quantity, warehouse_id, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET type = excluded.type, quantity = excluded.quantity,
			warehouse_id = excluded.warehouse_id, updated_at = excluded.updated_at`,
		r.ID, string(r.Type), r.Quantity, r.WarehouseID, r.Version, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert resource")
}

// Recommendations

const sqliteRecommendationSelect = `SELECT id, request_id, resource_id, warehouse_id, quantity, score, status, rationale, allocation_id, model_run_id, confidence, valid_until, created_at, updated_at FROM allocation_recommendations`

func scanSQLiteRecommendation(row interface{ Scan(...any) error }) (*model.AllocationRecommendation, error) {
	var rec model.AllocationRecommendation
	var status string
	var allocID, runID sql.NullString
	var confidence sql.NullFloat64
	var validUntil sql.NullTime
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.ResourceID, &rec.WarehouseID, &rec.Quantity,
		&rec.Score, &status, &rec.Rationale, &allocID, &runID, &confidence, &validUntil,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = model.RecommendationStatus(status)
	if allocID.Valid {
		rec.AllocationID = &allocID.String
	}
	if runID.Valid {
		rec.ModelRunID = &runID.String
	}
	if confidence.Valid {
		rec.Confidence = &confidence.Float64
	}
	if validUntil.Valid {
		rec.ValidUntil = &validUntil.Time
	}
	return &rec, nil
}

func (s *SQLiteStore) GetRecommendation(ctx context.Context, id string) (*model.AllocationRecommendation, error) {
	rec, err := scanSQLiteRecommendation(s.db.QueryRowContext(ctx,
		sqliteRecommendationSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engine.NewNotFound("recommendation", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get recommendation %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) GetActiveSuggestion(ctx context.Context, requestID string) (*model.AllocationRecommendation, error) {
	rec, err := scanSQLiteRecommendation(s.db.QueryRowContext(ctx,
		sqliteRecommendationSelect+` WHERE request_id = ? AND status = 'suggested'`, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get active suggestion for %s", requestID)
	}
	return rec, nil
}

func (s *SQLiteStore) SupersedeSuggestion(ctx context.Context, rec *model.AllocationRecommendation) (*model.AllocationRecommendation, error) {
	out := *rec
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.Status = model.RecommendationSuggested
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: supersede begin")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE allocation_recommendations
		 SET status = 'dismissed', updated_at = ?
		 WHERE request_id = ? AND status = 'suggested'`,
		now, out.RequestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: dismiss prior suggestion for %s", out.RequestID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO allocation_recommendations (id, request_id, resource_id, warehouse_id, quantity, score, status, rationale, allocation_id, model_run_id, confidence, valid_until, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.RequestID, out.ResourceID, out.WarehouseID, out.Quantity,
		out.Score, string(out.Status), out.Rationale, out.AllocationID, out.ModelRunID,
		out.Confidence, out.ValidUntil, out.CreatedAt, out.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert suggestion for %s", out.RequestID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: supersede commit")
	}
	return &out, nil
}

func (s *SQLiteStore) DismissSuggestion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE allocation_recommendations
		 SET status = 'dismissed', updated_at = ?
		 WHERE id = ? AND status = 'suggested'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: dismiss suggestion %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return engine.NewNotFound("active recommendation", id)
	}
	return nil
}

func (s *SQLiteStore) RequestIDsWithActiveSuggestion(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id FROM allocation_recommendations WHERE status = 'suggested'`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active suggestion request ids")
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan request id")
		}
		ids[id] = true
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: active suggestion iterate")
}

func (s *SQLiteStore) CountActiveSuggestions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM allocation_recommendations WHERE status = 'suggested'`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count active suggestions")
}

// Allocation

func (s *SQLiteStore) ApplyAllocation(ctx context.Context, p ApplyParams) (*model.ResourceAllocation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: apply begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if p.IdempotencyKey != "" {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT allocation_id FROM idempotency_keys WHERE key = ?`, p.IdempotencyKey,
		).Scan(&existingID)
		switch {
		case err == nil:
			alloc, err := s.getAllocationSQLiteTx(ctx, tx, existingID)
			if err != nil {
				return nil, false, err
			}
			return alloc, true, nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			return nil, false, eris.Wrap(err, "sqlite: idempotency lookup")
		}
	}

	var qty, version int
	var warehouseID string
	err = tx.QueryRowContext(ctx,
		`SELECT quantity, version, warehouse_id FROM resources WHERE id = ?`, p.ResourceID,
	).Scan(&qty, &version, &warehouseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, engine.NewNotFound("resource", p.ResourceID)
		}
		return nil, false, eris.Wrapf(err, "sqlite: read resource %s", p.ResourceID)
	}
	if qty < p.Quantity {
		return nil, false, &engine.InsufficientStockError{
			ResourceID: p.ResourceID,
			Requested:  p.Quantity,
			Available:  qty,
		}
	}

	now := time.Now().UTC()
	alloc := &model.ResourceAllocation{
		ID:             uuid.New().String(),
		RequestID:      p.RequestID,
		ResourceID:     p.ResourceID,
		WarehouseID:    warehouseID,
		Quantity:       p.Quantity,
		AllocatedBy:    p.ActorID,
		Status:         model.AllocationBooked,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO resource_allocations (id, request_id, resource_id, warehouse_id, quantity, allocated_by, status, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alloc.ID, alloc.RequestID, alloc.ResourceID, alloc.WarehouseID, alloc.Quantity,
		alloc.AllocatedBy, string(alloc.Status), nullIfEmpty(alloc.IdempotencyKey), alloc.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert allocation")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE resources
		 SET quantity = quantity - ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		p.Quantity, now, p.ResourceID, version,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: debit resource %s", p.ResourceID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, &engine.ConflictError{Kind: "resource", ID: p.ResourceID, ExpectedVersion: version}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO allocation_history (id, allocation_id, event_type, actor_id, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), alloc.ID, string(model.AllocationBooked), p.ActorID, p.Note, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: append history")
	}

	if p.RecommendationID != "" {
		res, err = tx.ExecContext(ctx,
			`UPDATE allocation_recommendations
			 SET status = 'applied', allocation_id = ?, updated_at = ?
			 WHERE id = ? AND status = 'suggested'`,
			alloc.ID, now, p.RecommendationID,
		)
		if err != nil {
			return nil, false, eris.Wrapf(err, "sqlite: apply recommendation %s", p.RecommendationID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, false, &engine.ConflictError{Kind: "recommendation", ID: p.RecommendationID}
		}
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE rescue_requests
		 SET status = 'in_progress', version = version + 1, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'in_progress')`,
		now, p.RequestID,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: transition request %s", p.RequestID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, &engine.ConflictError{Kind: "request", ID: p.RequestID}
	}

	if p.IdempotencyKey != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, allocation_id, created_at) VALUES (?, ?, ?)`,
			p.IdempotencyKey, alloc.ID, now,
		)
		if err != nil {
			return nil, false, eris.Wrap(err, "sqlite: record idempotency key")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: apply commit")
	}
	return alloc, false, nil
}

const sqliteAllocationSelect = `SELECT id, request_id, resource_id, warehouse_id, quantity, allocated_by, status, COALESCE(idempotency_key, ''), created_at FROM resource_allocations`

func scanSQLiteAllocation(row interface{ Scan(...any) error }) (*model.ResourceAllocation, error) {
	var a model.ResourceAllocation
	var status string
	err := row.Scan(&a.ID, &a.RequestID, &a.ResourceID, &a.WarehouseID, &a.Quantity,
		&a.AllocatedBy, &status, &a.IdempotencyKey, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = model.AllocationStatus(status)
	return &a, nil
}

func (s *SQLiteStore) getAllocationSQLiteTx(ctx context.Context, tx *sql.Tx, id string) (*model.ResourceAllocation, error) {
	a, err := scanSQLiteAllocation(tx.QueryRowContext(ctx, sqliteAllocationSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get allocation %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) GetAllocation(ctx context.Context, id string) (*model.ResourceAllocation, error) {
	a, err := scanSQLiteAllocation(s.db.QueryRowContext(ctx, sqliteAllocationSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engine.NewNotFound("allocation", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get allocation %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListAllocationEvents(ctx context.Context, allocationID string) ([]model.AllocationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, allocation_id, event_type, actor_id, note, created_at
		 FROM allocation_history WHERE allocation_id = ? ORDER BY created_at`,
		allocationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list allocation events")
	}
	defer rows.Close()

	var events []model.AllocationEvent
	for rows.Next() {
		var e model.AllocationEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.AllocationID, &eventType, &e.ActorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan allocation event")
		}
		e.EventType = model.AllocationStatus(eventType)
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: allocation events iterate")
}

func (s *SQLiteStore) CountAllocationsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resource_allocations WHERE created_at >= ?`, since).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count allocations")
}

// Scoring and predictive provenance

func (s *SQLiteStore) SavePrioritySnapshot(ctx context.Context, snap *model.PrioritySnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	breakdownJSON, err := json.Marshal(snap.Breakdown)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal breakdown")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO priority_snapshots (id, request_id, score, breakdown, rationale, scored_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.RequestID, snap.Score, string(breakdownJSON), snap.Rationale, snap.ScoredAt,
	)
	return eris.Wrap(err, "sqlite: save priority snapshot")
}

func (s *SQLiteStore) SaveFeatureSnapshot(ctx context.Context, snap *model.RequestFeatureSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	featuresJSON, err := json.Marshal(snap.Features)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal features")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO request_feature_snapshots (id, request_id, model_run_id, features, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.RequestID, snap.ModelRunID, string(featuresJSON), snap.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: save feature snapshot")
}

func (s *SQLiteStore) SaveModelRun(ctx context.Context, run *model.PredictiveModelRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictive_model_runs (id, model_name, version, started_at, completed_at, processed, created, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ModelName, run.Version, run.StartedAt, run.CompletedAt,
		run.Processed, run.Created, run.Error,
	)
	return eris.Wrap(err, "sqlite: save model run")
}

func (s *SQLiteStore) GetLastModelRun(ctx context.Context) (*model.PredictiveModelRun, error) {
	var run model.PredictiveModelRun
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model_name, version, started_at, completed_at, processed, created, error
		 FROM predictive_model_runs ORDER BY completed_at DESC LIMIT 1`,
	).Scan(&run.ID, &run.ModelName, &run.Version, &run.StartedAt, &run.CompletedAt,
		&run.Processed, &run.Created, &run.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: last model run")
	}
	return &run, nil
}

// Demand feed

func (s *SQLiteStore) LoadDemandSnapshots(ctx context.Context, snaps []model.DemandFeatureSnapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: demand load begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO demand_feature_snapshots (id, region, resource_type, bucket_start, pending_count, fulfilled_count, inventory_on_hand, weather_stress, access_risk, collected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (region, resource_type, bucket_start) DO UPDATE SET
			pending_count = excluded.pending_count,
			fulfilled_count = excluded.fulfilled_count,
			inventory_on_hand = excluded.inventory_on_hand,
			weather_stress = excluded.weather_stress,
			access_risk = excluded.access_risk,
			collected_at = excluded.collected_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare demand upsert")
	}
	defer stmt.Close()

	count := 0
	for i := range snaps {
		d := &snaps[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		_, err := stmt.ExecContext(ctx,
			d.ID, d.Region, string(d.ResourceType), d.BucketStart, d.PendingCount,
			d.FulfilledCount, d.InventoryOnHand, d.WeatherStress, d.AccessRisk, d.CollectedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert demand snapshot %s/%s", d.Region, d.ResourceType)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: demand load commit")
	}
	return count, nil
}

func (s *SQLiteStore) LatestDemandCollectedAt(ctx context.Context) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT collected_at FROM demand_feature_snapshots ORDER BY collected_at DESC LIMIT 1`,
	).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: latest demand collected_at")
	}
	return &at, nil
}

func (s *SQLiteStore) GetDemandSnapshot(ctx context.Context, region string, resourceType model.ResourceType) (*model.DemandFeatureSnapshot, error) {
	var d model.DemandFeatureSnapshot
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, region, resource_type, bucket_start, pending_count, fulfilled_count, inventory_on_hand, weather_stress, access_risk, collected_at
		 FROM demand_feature_snapshots
		 WHERE region = ? AND resource_type = ?
		 ORDER BY bucket_start DESC LIMIT 1`,
		region, string(resourceType),
	).Scan(&d.ID, &d.Region, &typ, &d.BucketStart, &d.PendingCount,
		&d.FulfilledCount, &d.InventoryOnHand, &d.WeatherStress, &d.AccessRisk, &d.CollectedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: demand snapshot %s/%s", region, resourceType)
	}
	return &d, nil
}
