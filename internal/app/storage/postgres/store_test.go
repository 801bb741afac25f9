package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/domain/stateful"
	"github.com/R3E-Network/dws/internal/app/domain/worker"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	_ "github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetNodeDecodesDocument(t *testing.T) {
	store, mock := newMockStore(t)

	want := node.Node{ID: "node-a", Address: "10.0.0.1", Capabilities: []string{"db"}, Health: node.HealthHealthy}
	data, _ := json.Marshal(want)
	mock.ExpectQuery("SELECT id, data, updated_at FROM dws_nodes").
		WithArgs("node-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "data", "updated_at"}).AddRow("node-a", data, time.Now()))

	got, err := store.GetNode(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Address != "10.0.0.1" || !got.HasCapability("db") {
		t.Fatalf("unexpected node: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetNodeMissingIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, data, updated_at FROM dws_nodes").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetNode(context.Background(), "ghost")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteWorkerWithoutRowsIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM dws_workers").
		WithArgs("w-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteWorker(context.Background(), "w-1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPutRecordUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO dws_dns_records").
		WithArgs("db.stateful.dws.local", "stateful", int64(3), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := discovery.Record{Name: "db.stateful.dws.local", Type: discovery.TypeStateful, Version: 3, UpdatedAt: time.Now()}
	if err := store.PutRecord(context.Background(), rec); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()

	n, err := store.CreateNode(ctx, node.Node{Address: "10.0.0.9", Capabilities: []string{"db"}, Health: node.HealthHealthy})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	defer store.DeleteNode(ctx, n.ID)

	svc, err := store.CreateStatefulService(ctx, stateful.Service{
		Name:     "it-db",
		Replicas: 1,
		Members:  []stateful.Replica{{NodeID: n.ID, Role: stateful.RoleLeader}},
	})
	if err != nil {
		t.Fatalf("create stateful: %v", err)
	}
	defer store.DeleteStatefulService(ctx, svc.ID)

	got, err := store.GetStatefulService(ctx, svc.ID)
	if err != nil {
		t.Fatalf("get stateful: %v", err)
	}
	if leader, ok := got.Leader(); !ok || leader.NodeID != n.ID {
		t.Fatalf("leader not persisted: %+v", got.Members)
	}

	w, err := store.CreateWorker(ctx, worker.Service{Name: "it-oracle", Type: "oracle", NodeID: n.ID})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	if err := store.DeleteWorker(ctx, w.ID); err != nil {
		t.Fatalf("delete worker: %v", err)
	}
}
