package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_evencore.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// OutboxColumns is the column list of the 'outbox' table in storage order.
func OutboxColumns() []string {
	return []string{"id", "aggregate_type", "aggregate_id", "event_type", "topic",
		"correlation_id", "payload", "status", "created_at", "processed_at",
		"retry_count", "last_error", "claimed_by", "claimed_until", "not_before"}
}

// MockOutboxRows returns three claimable pending rows from the 'outbox' table.
func MockOutboxRows(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows(OutboxColumns()).
		AddRow(uuid.New(), "Order", "order-1", "OrderPlaced", "orders", "corr-1", []byte("payload"), "PENDING", time.Now(), nil, 0, nil, nil, nil, nil).
		AddRow(uuid.New(), "Order", "order-1", "OrderPaid", "orders", "corr-1", []byte("payload"), "PENDING", time.Now(), nil, 0, nil, nil, nil, nil).
		AddRow(uuid.New(), "Order", "order-2", "OrderPlaced", "orders", "corr-2", []byte("payload"), "PENDING", time.Now(), nil, 0, nil, nil, nil, nil)
	mock.ExpectQuery("UPDATE outbox.+RETURNING.+").WillReturnRows(rows)
	return rows
}

// SagaInstanceColumns is the column list of the 'saga_instance' table in
// storage order.
func SagaInstanceColumns() []string {
	return []string{"id", "definition_name", "correlation_id", "current_step_index",
		"completed_steps", "status", "context", "attempts", "last_error", "version",
		"created_at", "updated_at"}
}

// MockSagaInstanceRow returns a single IN_PROGRESS instance row.
func MockSagaInstanceRow(mock sqlmock.Sqlmock, id uuid.UUID, expectedSql string) *sqlmock.Rows {
	rows := sqlmock.NewRows(SagaInstanceColumns()).
		AddRow(id, "OrderSaga", "corr-1", 1, []byte(`["reserve_inventory"]`), "IN_PROGRESS", []byte(`{"orderId":"order-1"}`), 0, nil, 1, time.Now(), time.Now())
	mock.ExpectQuery(expectedSql).WillReturnRows(rows)
	return rows
}
