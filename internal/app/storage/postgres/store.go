package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/stateful"
	"github.com/R3E-Network/dws/internal/app/domain/worker"
	"github.com/R3E-Network/dws/internal/app/storage"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store implements the storage interfaces backed by PostgreSQL. Each entity
// is kept as a JSONB document next to the columns it is queried by.
type Store struct {
	db *sqlx.DB
}

var _ storage.NodeStore = (*Store)(nil)
var _ storage.StatefulStore = (*Store)(nil)
var _ storage.WorkerStore = (*Store)(nil)
var _ storage.RecordStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type documentRow struct {
	ID        string    `db:"id"`
	Data      []byte    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
}

const uniqueViolation = "23505"

func translate(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(kind, id)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperrors.Validation("%s %s already exists", kind, id)
	}
	return err
}

func affected(result sql.Result, kind, id string) error {
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound(kind, id)
	}
	return nil
}

// --- NodeStore --------------------------------------------------------------

func (s *Store) CreateNode(ctx context.Context, n node.Node) (node.Node, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = now
	}
	n.UpdatedAt = now

	data, err := json.Marshal(n)
	if err != nil {
		return node.Node{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dws_nodes (id, address, region, health, data, last_heartbeat, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.Address, n.Region, string(n.Health), data, n.LastHeartbeat, n.RegisteredAt, n.UpdatedAt)
	if err != nil {
		return node.Node{}, translate(err, "node", n.ID)
	}
	return n, nil
}

func (s *Store) UpdateNode(ctx context.Context, n node.Node) (node.Node, error) {
	existing, err := s.GetNode(ctx, n.ID)
	if err != nil {
		return node.Node{}, err
	}
	n.RegisteredAt = existing.RegisteredAt
	n.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(n)
	if err != nil {
		return node.Node{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE dws_nodes
		SET address = $2, region = $3, health = $4, data = $5, last_heartbeat = $6, updated_at = $7
		WHERE id = $1
	`, n.ID, n.Address, n.Region, string(n.Health), data, n.LastHeartbeat, n.UpdatedAt)
	if err != nil {
		return node.Node{}, err
	}
	if err := affected(result, "node", n.ID); err != nil {
		return node.Node{}, err
	}
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (node.Node, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `SELECT id, data, updated_at FROM dws_nodes WHERE id = $1`, id)
	if err != nil {
		return node.Node{}, translate(err, "node", id)
	}
	var n node.Node
	if err := json.Unmarshal(row.Data, &n); err != nil {
		return node.Node{}, err
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]node.Node, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, data, updated_at FROM dws_nodes ORDER BY id`); err != nil {
		return nil, err
	}
	result := make([]node.Node, 0, len(rows))
	for _, row := range rows {
		var n node.Node
		if err := json.Unmarshal(row.Data, &n); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dws_nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(result, "node", id)
}

// --- StatefulStore ----------------------------------------------------------

func (s *Store) CreateStatefulService(ctx context.Context, svc stateful.Service) (stateful.Service, error) {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now

	data, err := json.Marshal(svc)
	if err != nil {
		return stateful.Service{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dws_stateful_services (id, name, fqdn, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, svc.ID, svc.Name, svc.FQDN, data, svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		return stateful.Service{}, translate(err, "stateful service", svc.Name)
	}
	return svc, nil
}

func (s *Store) UpdateStatefulService(ctx context.Context, svc stateful.Service) (stateful.Service, error) {
	existing, err := s.GetStatefulService(ctx, svc.ID)
	if err != nil {
		return stateful.Service{}, err
	}
	svc.CreatedAt = existing.CreatedAt
	svc.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(svc)
	if err != nil {
		return stateful.Service{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE dws_stateful_services
		SET data = $2, updated_at = $3
		WHERE id = $1
	`, svc.ID, data, svc.UpdatedAt)
	if err != nil {
		return stateful.Service{}, err
	}
	if err := affected(result, "stateful service", svc.ID); err != nil {
		return stateful.Service{}, err
	}
	return svc, nil
}

func (s *Store) GetStatefulService(ctx context.Context, id string) (stateful.Service, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `SELECT id, data, updated_at FROM dws_stateful_services WHERE id = $1`, id)
	if err != nil {
		return stateful.Service{}, translate(err, "stateful service", id)
	}
	var svc stateful.Service
	if err := json.Unmarshal(row.Data, &svc); err != nil {
		return stateful.Service{}, err
	}
	return svc, nil
}

func (s *Store) ListStatefulServices(ctx context.Context) ([]stateful.Service, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, data, updated_at FROM dws_stateful_services ORDER BY id`); err != nil {
		return nil, err
	}
	result := make([]stateful.Service, 0, len(rows))
	for _, row := range rows {
		var svc stateful.Service
		if err := json.Unmarshal(row.Data, &svc); err != nil {
			return nil, err
		}
		result = append(result, svc)
	}
	return result, nil
}

func (s *Store) DeleteStatefulService(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dws_stateful_services WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(result, "stateful service", id)
}

// --- WorkerStore ------------------------------------------------------------

func (s *Store) CreateWorker(ctx context.Context, svc worker.Service) (worker.Service, error) {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now

	data, err := json.Marshal(svc)
	if err != nil {
		return worker.Service{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dws_workers (id, name, node_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, svc.ID, svc.Name, svc.NodeID, data, svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		return worker.Service{}, translate(err, "worker", svc.Name)
	}
	return svc, nil
}

func (s *Store) UpdateWorker(ctx context.Context, svc worker.Service) (worker.Service, error) {
	existing, err := s.GetWorker(ctx, svc.ID)
	if err != nil {
		return worker.Service{}, err
	}
	svc.CreatedAt = existing.CreatedAt
	svc.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(svc)
	if err != nil {
		return worker.Service{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE dws_workers
		SET node_id = $2, data = $3, updated_at = $4
		WHERE id = $1
	`, svc.ID, svc.NodeID, data, svc.UpdatedAt)
	if err != nil {
		return worker.Service{}, err
	}
	if err := affected(result, "worker", svc.ID); err != nil {
		return worker.Service{}, err
	}
	return svc, nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (worker.Service, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `SELECT id, data, updated_at FROM dws_workers WHERE id = $1`, id)
	if err != nil {
		return worker.Service{}, translate(err, "worker", id)
	}
	var svc worker.Service
	if err := json.Unmarshal(row.Data, &svc); err != nil {
		return worker.Service{}, err
	}
	return svc, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]worker.Service, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, data, updated_at FROM dws_workers ORDER BY id`); err != nil {
		return nil, err
	}
	result := make([]worker.Service, 0, len(rows))
	for _, row := range rows {
		var svc worker.Service
		if err := json.Unmarshal(row.Data, &svc); err != nil {
			return nil, err
		}
		result = append(result, svc)
	}
	return result, nil
}

func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dws_workers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(result, "worker", id)
}

// --- RecordStore ------------------------------------------------------------

func (s *Store) PutRecord(ctx context.Context, rec discovery.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dws_dns_records (name, type, version, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE
		SET type = EXCLUDED.type, version = EXCLUDED.version, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, rec.Name, string(rec.Type), int64(rec.Version), data, rec.UpdatedAt)
	return err
}

func (s *Store) DeleteRecord(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dws_dns_records WHERE name = $1`, name)
	return err
}

func (s *Store) ListRecords(ctx context.Context) ([]discovery.Record, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name AS id, data, updated_at FROM dws_dns_records ORDER BY name`); err != nil {
		return nil, err
	}
	result := make([]discovery.Record, 0, len(rows))
	for _, row := range rows {
		var rec discovery.Record
		if err := json.Unmarshal(row.Data, &rec); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}
