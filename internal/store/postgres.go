package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/reliefops/relief-engine/internal/db"
	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests (pgxmock) and
// by subsystems that share one pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., the demand-feed loader).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS rescue_requests (
	id                TEXT PRIMARY KEY,
	location          TEXT NOT NULL DEFAULT '',
	latitude          DOUBLE PRECISION,
	longitude         DOUBLE PRECISION,
	details           TEXT NOT NULL DEFAULT '',
	people_count      INTEGER NOT NULL DEFAULT 0,
	priority          TEXT NOT NULL DEFAULT 'medium',
	status            TEXT NOT NULL DEFAULT 'pending',
	criticality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON rescue_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_triage
	ON rescue_requests(status, criticality_score DESC, created_at DESC);

CREATE TABLE IF NOT EXISTS warehouses (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	latitude   DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude  DOUBLE PRECISION NOT NULL DEFAULT 0,
	capacity   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS resources (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	quantity     INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
	version      INTEGER NOT NULL DEFAULT 1,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_resources_warehouse ON resources(warehouse_id);
CREATE INDEX IF NOT EXISTS idx_resources_type ON resources(type);

CREATE TABLE IF NOT EXISTS allocation_recommendations (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL REFERENCES rescue_requests(id),
	resource_id   TEXT NOT NULL,
	warehouse_id  TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'suggested',
	rationale     TEXT NOT NULL DEFAULT '',
	allocation_id TEXT,
	model_run_id  TEXT,
	confidence    DOUBLE PRECISION,
	valid_until   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- The one-live-suggestion-per-request invariant, enforced at the schema
-- level in addition to the dismiss-then-insert transactional discipline.
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
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_allocations_request ON resource_allocations(request_id);
CREATE INDEX IF NOT EXISTS idx_allocations_created ON resource_allocations(created_at);

CREATE TABLE IF NOT EXISTS allocation_history (
	id            TEXT PRIMARY KEY,
	allocation_id TEXT NOT NULL REFERENCES resource_allocations(id),
	event_type    TEXT NOT NULL,
	actor_id      INTEGER NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_history_allocation ON allocation_history(allocation_id);

CREATE TABLE IF NOT EXISTS priority_snapshots (
	id         TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	breakdown  JSONB NOT NULL,
	rationale  TEXT NOT NULL DEFAULT '',
	scored_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_priority_snapshots_request ON priority_snapshots(request_id);

CREATE TABLE IF NOT EXISTS request_feature_snapshots (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL,
	model_run_id TEXT NOT NULL,
	features     JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS predictive_model_runs (
	id           TEXT PRIMARY KEY,
	model_name   TEXT NOT NULL,
	version      TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	processed    INTEGER NOT NULL DEFAULT 0,
	created      INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS demand_feature_snapshots (
	id                TEXT PRIMARY KEY,
	region            TEXT NOT NULL,
	resource_type     TEXT NOT NULL,
	bucket_start      TIMESTAMPTZ NOT NULL,
	pending_count     INTEGER NOT NULL DEFAULT 0,
	fulfilled_count   INTEGER NOT NULL DEFAULT 0,
	inventory_on_hand INTEGER NOT NULL DEFAULT 0,
	weather_stress    DOUBLE PRECISION NOT NULL DEFAULT 0,
	access_risk       DOUBLE PRECISION NOT NULL DEFAULT 0,
	collected_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (region, resource_type, bucket_start)
);

CREATE INDEX IF NOT EXISTS idx_demand_region_type
	ON demand_feature_snapshots(region, resource_type, bucket_start DESC);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key           TEXT PRIMARY KEY,
	allocation_id TEXT NOT NULL REFERENCES resource_allocations(id),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Requests

const requestColumns = `id, location, latitude, longitude, details, people_count, priority, status, criticality_score, version, created_at, updated_at`

func (s *PostgresStore) CreateRequest(ctx context.Context, req *model.RescueRequest) (*model.RescueRequest, error) {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO rescue_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		out.ID, out.Location, out.Latitude, out.Longitude, out.Details, out.PeopleCount,
		string(out.Priority), string(out.Status), out.CriticalityScore, out.Version,
		out.CreatedAt, out.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert request")
	}
	return &out, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.RescueRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM rescue_requests WHERE id = $1`, id)

	var r model.RescueRequest
	err := row.Scan(&r.ID, &r.Location, &r.Latitude, &r.Longitude, &r.Details, &r.PeopleCount,
		&r.Priority, &r.Status, &r.CriticalityScore, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.NewNotFound("request", id)
		}
		return nil, eris.Wrapf(err, "postgres: get request %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.RescueRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM rescue_requests WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
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
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requests")
	}
	defer rows.Close()

	var requests []model.RescueRequest
	for rows.Next() {
		var r model.RescueRequest
		if err := rows.Scan(&r.ID, &r.Location, &r.Latitude, &r.Longitude, &r.Details, &r.PeopleCount,
			&r.Priority, &r.Status, &r.CriticalityScore, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan request")
		}
		requests = append(requests, r)
	}
	return requests, eris.Wrap(rows.Err(), "postgres: list requests iterate")
}

func (s *PostgresStore) UpdateCriticality(ctx context.Context, id string, score float64, version int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rescue_requests
		 SET criticality_score = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4`,
		score, time.Now().UTC(), id, version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update criticality %s", id)
	}
	if tag.RowsAffected() == 0 {
		return &engine.ConflictError{Kind: "request", ID: id, ExpectedVersion: version}
	}
	return nil
}

func (s *PostgresStore) CountRequests(ctx context.Context, status model.RequestStatus) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM rescue_requests WHERE status = $1`, string(status),
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count requests")
}

// Warehouses and resources

func (s *PostgresStore) ListWarehouses(ctx context.Context) ([]model.Warehouse, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, latitude, longitude, capacity, created_at FROM warehouses ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list warehouses")
	}
	defer rows.Close()

	var warehouses []model.Warehouse
	for rows.Next() {
		var w model.Warehouse
		if err := rows.Scan(&w.ID, &w.Name, &w.Latitude, &w.Longitude, &w.Capacity, &w.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan warehouse")
		}
		warehouses = append(warehouses, w)
	}
	return warehouses, eris.Wrap(rows.Err(), "postgres: list warehouses iterate")
}

func (s *PostgresStore) ListResources(ctx context.Context) ([]model.Resource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, quantity, warehouse_id, version, updated_at FROM resources ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list resources")
	}
	defer rows.Close()

	var resources []model.Resource
	for rows.Next() {
		var r model.Resource
		if err := rows.Scan(&r.ID, &r.Type, &r.Quantity, &r.WarehouseID, &r.Version, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan resource")
		}
		resources = append(resources, r)
	}
	return resources, eris.Wrap(rows.Err(), "postgres: list resources iterate")
}

func (s *PostgresStore) GetResource(ctx context.Context, id string) (*model.Resource, error) {
	var r model.Resource
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, quantity, warehouse_id, version, updated_at FROM resources WHERE id = $1`, id,
	).Scan(&r.ID, &r.Type, &r.Quantity, &r.WarehouseID, &r.Version, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.NewNotFound("resource", id)
		}
		return nil, eris.Wrapf(err, "postgres: get resource %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) StockByWarehouse(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT warehouse_id, COALESCE(SUM(quantity), 0) FROM resources GROUP BY warehouse_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stock by warehouse")
	}
	defer rows.Close()

	stock := make(map[string]int)
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stock")
		}
		stock[id] = qty
	}
	return stock, eris.Wrap(rows.Err(), "postgres: stock iterate")
}

func (s *PostgresStore) TotalResourceQuantity(ctx context.Context) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM resources`).Scan(&total)
	return total, eris.Wrap(err, "postgres: total resource quantity")
}

func (s *PostgresStore) UpsertWarehouse(ctx context.Context, w *model.Warehouse) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO warehouses (id, name, latitude, longitude, capacity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = $2, latitude = $3, longitude = $4, capacity = $5`,
		w.ID, w.Name, w.Latitude, w.Longitude, w.Capacity, w.CreatedAt,
	)
	return eris.Wrap(err, "postgres: upsert warehouse")
}

func (s *PostgresStore) UpsertResource(ctx context.Context, r *model.Resource) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resources (id, type, quantity, warehouse_id, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET type = $2, quantity = $3, warehouse_id = $4, updated_at = $6`,
		r.ID, string(r.Type), r.Quantity, r.WarehouseID, r.Version, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: upsert resource")
}

// Recommendations

const recommendationColumns = `id, request_id, resource_id, warehouse_id, quantity, score, status, rationale, allocation_id, model_run_id, confidence, valid_until, created_at, updated_at`

func scanRecommendation(row pgx.Row) (*model.AllocationRecommendation, error) {
	var rec model.AllocationRecommendation
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.ResourceID, &rec.WarehouseID, &rec.Quantity,
		&rec.Score, &rec.Status, &rec.Rationale, &rec.AllocationID, &rec.ModelRunID,
		&rec.Confidence, &rec.ValidUntil, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) GetRecommendation(ctx context.Context, id string) (*model.AllocationRecommendation, error) {
	rec, err := scanRecommendation(s.pool.QueryRow(ctx,
		`SELECT `+recommendationColumns+` FROM allocation_recommendations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.NewNotFound("recommendation", id)
		}
		return nil, eris.Wrapf(err, "postgres: get recommendation %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) GetActiveSuggestion(ctx context.Context, requestID string) (*model.AllocationRecommendation, error) {
	rec, err := scanRecommendation(s.pool.QueryRow(ctx,
		`SELECT `+recommendationColumns+` FROM allocation_recommendations
		 WHERE request_id = $1 AND status = 'suggested'`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get active suggestion for %s", requestID)
	}
	return rec, nil
}

func (s *PostgresStore) SupersedeSuggestion(ctx context.Context, rec *model.AllocationRecommendation) (*model.AllocationRecommendation, error) {
	out := *rec
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.Status = model.RecommendationSuggested
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: supersede begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Dismiss before insert: the active-suggestion slot is a
	// compare-and-swap, never an append.
	_, err = tx.Exec(ctx,
		`UPDATE allocation_recommendations
		 SET status = 'dismissed', updated_at = $1
		 WHERE request_id = $2 AND status = 'suggested'`,
		now, out.RequestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: dismiss prior suggestion for %s", out.RequestID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO allocation_recommendations (`+recommendationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		out.ID, out.RequestID, out.ResourceID, out.WarehouseID, out.Quantity,
		out.Score, string(out.Status), out.Rationale, out.AllocationID, out.ModelRunID,
		out.Confidence, out.ValidUntil, out.CreatedAt, out.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert suggestion for %s", out.RequestID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: supersede commit")
	}
	return &out, nil
}

func (s *PostgresStore) DismissSuggestion(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE allocation_recommendations
		 SET status = 'dismissed', updated_at = $1
		 WHERE id = $2 AND status = 'suggested'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: dismiss suggestion %s", id)
	}
	if tag.RowsAffected() == 0 {
		return engine.NewNotFound("active recommendation", id)
	}
	return nil
}

func (s *PostgresStore) RequestIDsWithActiveSuggestion(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT request_id FROM allocation_recommendations WHERE status = 'suggested'`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active suggestion request ids")
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan request id")
		}
		ids[id] = true
	}
	return ids, eris.Wrap(rows.Err(), "postgres: active suggestion iterate")
}

func (s *PostgresStore) CountActiveSuggestions(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM allocation_recommendations WHERE status = 'suggested'`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count active suggestions")
}

// Allocation

// ApplyAllocation executes the atomic debit chain: stock re-check,
// allocation insert, resource debit, history append, recommendation
// transition, request transition, idempotency record. Either the whole
// chain commits or nothing does.
func (s *PostgresStore) ApplyAllocation(ctx context.Context, p ApplyParams) (*model.ResourceAllocation, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: apply begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if p.IdempotencyKey != "" {
		var existingID string
		err := tx.QueryRow(ctx,
			`SELECT allocation_id FROM idempotency_keys WHERE key = $1`, p.IdempotencyKey,
		).Scan(&existingID)
		switch {
		case err == nil:
			alloc, err := getAllocationTx(ctx, tx, existingID)
			if err != nil {
				return nil, false, err
			}
			return alloc, true, nil
		case errors.Is(err, pgx.ErrNoRows):
			// First attempt with this key; proceed.
		default:
			return nil, false, eris.Wrap(err, "postgres: idempotency lookup")
		}
	}

	// Re-read the stock row under lock. This is the guard against lost
	// updates: concurrent appliers serialize here.
	var qty, version int
	var warehouseID string
	err = tx.QueryRow(ctx,
		`SELECT quantity, version, warehouse_id FROM resources WHERE id = $1 FOR UPDATE`,
		p.ResourceID,
	).Scan(&qty, &version, &warehouseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, engine.NewNotFound("resource", p.ResourceID)
		}
		return nil, false, eris.Wrapf(err, "postgres: lock resource %s", p.ResourceID)
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

	_, err = tx.Exec(ctx,
		`INSERT INTO resource_allocations (id, request_id, resource_id, warehouse_id, quantity, allocated_by, status, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		alloc.ID, alloc.RequestID, alloc.ResourceID, alloc.WarehouseID, alloc.Quantity,
		alloc.AllocatedBy, string(alloc.Status), nullIfEmpty(alloc.IdempotencyKey), alloc.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert allocation")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE resources
		 SET quantity = quantity - $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4`,
		p.Quantity, now, p.ResourceID, version,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: debit resource %s", p.ResourceID)
	}
	if tag.RowsAffected() == 0 {
		return nil, false, &engine.ConflictError{Kind: "resource", ID: p.ResourceID, ExpectedVersion: version}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO allocation_history (id, allocation_id, event_type, actor_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), alloc.ID, string(model.AllocationBooked), p.ActorID, p.Note, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: append history")
	}

	if p.RecommendationID != "" {
		tag, err = tx.Exec(ctx,
			`UPDATE allocation_recommendations
			 SET status = 'applied', allocation_id = $1, updated_at = $2
			 WHERE id = $3 AND status = 'suggested'`,
			alloc.ID, now, p.RecommendationID,
		)
		if err != nil {
			return nil, false, eris.Wrapf(err, "postgres: apply recommendation %s", p.RecommendationID)
		}
		if tag.RowsAffected() == 0 {
			return nil, false, &engine.ConflictError{Kind: "recommendation", ID: p.RecommendationID}
		}
	}

	tag, err = tx.Exec(ctx,
		`UPDATE rescue_requests
		 SET status = 'in_progress', version = version + 1, updated_at = $1
		 WHERE id = $2 AND status IN ('pending', 'in_progress')`,
		now, p.RequestID,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: transition request %s", p.RequestID)
	}
	if tag.RowsAffected() == 0 {
		return nil, false, &engine.ConflictError{Kind: "request", ID: p.RequestID}
	}

	if p.IdempotencyKey != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO idempotency_keys (key, allocation_id, created_at) VALUES ($1, $2, $3)`,
			p.IdempotencyKey, alloc.ID, now,
		)
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: record idempotency key")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, eris.Wrap(err, "postgres: apply commit")
	}
	return alloc, false, nil
}

const allocationColumns = `id, request_id, resource_id, warehouse_id, quantity, allocated_by, status, COALESCE(idempotency_key, ''), created_at`

func getAllocationTx(ctx context.Context, tx pgx.Tx, id string) (*model.ResourceAllocation, error) {
	var a model.ResourceAllocation
	err := tx.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM resource_allocations WHERE id = $1`, id,
	).Scan(&a.ID, &a.RequestID, &a.ResourceID, &a.WarehouseID, &a.Quantity,
		&a.AllocatedBy, &a.Status, &a.IdempotencyKey, &a.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get allocation %s", id)
	}
	return &a, nil
}

func (s *PostgresStore) GetAllocation(ctx context.Context, id string) (*model.ResourceAllocation, error) {
	var a model.ResourceAllocation
	err := s.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM resource_allocations WHERE id = $1`, id,
	).Scan(&a.ID, &a.RequestID, &a.ResourceID, &a.WarehouseID, &a.Quantity,
		&a.AllocatedBy, &a.Status, &a.IdempotencyKey, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.NewNotFound("allocation", id)
		}
		return nil, eris.Wrapf(err, "postgres: get allocation %s", id)
	}
	return &a, nil
}

func (s *PostgresStore) ListAllocationEvents(ctx context.Context, allocationID string) ([]model.AllocationEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, allocation_id, event_type, actor_id, note, created_at
		 FROM allocation_history WHERE allocation_id = $1 ORDER BY created_at`,
		allocationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list allocation events")
	}
	defer rows.Close()

	var events []model.AllocationEvent
	for rows.Next() {
		var e model.AllocationEvent
		if err := rows.Scan(&e.ID, &e.AllocationID, &e.EventType, &e.ActorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan allocation event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: allocation events iterate")
}

func (s *PostgresStore) CountAllocationsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM resource_allocations WHERE created_at >= $1`, since,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count allocations")
}

// Scoring and predictive provenance

func (s *PostgresStore) SavePrioritySnapshot(ctx context.Context, snap *model.PrioritySnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	breakdownJSON, err := json.Marshal(snap.Breakdown)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal breakdown")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO priority_snapshots (id, request_id, score, breakdown, rationale, scored_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.RequestID, snap.Score, breakdownJSON, snap.Rationale, snap.ScoredAt,
	)
	return eris.Wrap(err, "postgres: save priority snapshot")
}

func (s *PostgresStore) SaveFeatureSnapshot(ctx context.Context, snap *model.RequestFeatureSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	featuresJSON, err := json.Marshal(snap.Features)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal features")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO request_feature_snapshots (id, request_id, model_run_id, features, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.RequestID, snap.ModelRunID, featuresJSON, snap.CreatedAt,
	)
	return eris.Wrap(err, "postgres: save feature snapshot")
}

func (s *PostgresStore) SaveModelRun(ctx context.Context, run *model.PredictiveModelRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO predictive_model_runs (id, model_name, version, started_at, completed_at, processed, created, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.ModelName, run.Version, run.StartedAt, run.CompletedAt,
		run.Processed, run.Created, run.Error,
	)
	return eris.Wrap(err, "postgres: save model run")
}

func (s *PostgresStore) GetLastModelRun(ctx context.Context) (*model.PredictiveModelRun, error) {
	var run model.PredictiveModelRun
	err := s.pool.QueryRow(ctx,
		`SELECT id, model_name, version, started_at, completed_at, processed, created, error
		 FROM predictive_model_runs ORDER BY completed_at DESC LIMIT 1`,
	).Scan(&run.ID, &run.ModelName, &run.Version, &run.StartedAt, &run.CompletedAt,
		&run.Processed, &run.Created, &run.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: last model run")
	}
	return &run, nil
}

// Demand feed

var demandColumns = []string{
	"id", "region", "resource_type", "bucket_start", "pending_count",
	"fulfilled_count", "inventory_on_hand", "weather_stress", "access_risk", "collected_at",
}

func (s *PostgresStore) LoadDemandSnapshots(ctx context.Context, snaps []model.DemandFeatureSnapshot) (int, error) {
	rows := make([][]any, 0, len(snaps))
	for i := range snaps {
		d := &snaps[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		rows = append(rows, []any{
			d.ID, d.Region, string(d.ResourceType), d.BucketStart, d.PendingCount,
			d.FulfilledCount, d.InventoryOnHand, d.WeatherStress, d.AccessRisk, d.CollectedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "demand_feature_snapshots",
		Columns:      demandColumns,
		ConflictKeys: []string{"region", "resource_type", "bucket_start"},
		UpdateCols: []string{
			"pending_count", "fulfilled_count", "inventory_on_hand",
			"weather_stress", "access_risk", "collected_at",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: load demand snapshots")
	}
	return int(n), nil
}

func (s *PostgresStore) GetDemandSnapshot(ctx context.Context, region string, resourceType model.ResourceType) (*model.DemandFeatureSnapshot, error) {
	var d model.DemandFeatureSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT id, region, resource_type, bucket_start, pending_count, fulfilled_count, inventory_on_hand, weather_stress, access_risk, collected_at
		 FROM demand_feature_snapshots
		 WHERE region = $1 AND resource_type = $2
		 ORDER BY bucket_start DESC LIMIT 1`,
		region, string(resourceType),
	).Scan(&d.ID, &d.Region, &d.ResourceType, &d.BucketStart, &d.PendingCount,
		&d.FulfilledCount, &d.InventoryOnHand, &d.WeatherStress, &d.AccessRisk, &d.CollectedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: demand snapshot %s/%s", region, resourceType)
	}
	return &d, nil
}

func (s *PostgresStore) LatestDemandCollectedAt(ctx context.Context) (*time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT collected_at FROM demand_feature_snapshots ORDER BY collected_at DESC LIMIT 1`,
	).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest demand collected_at")
	}
	return &at, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
