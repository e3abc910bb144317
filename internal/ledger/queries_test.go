package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestBalance_ReportsHoldsAndAvailable(t *testing.T) {
	svc, mock, closeDB := newTestService(t, Config{})
	defer closeDB()

	orgID := uuid.New().String()

	mock.ExpectQuery("SELECT balance_cents, currency, low_balance_threshold_cents").
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "currency", "low_balance_threshold_cents"}).
			AddRow(int64(1000), "USD", int64(500)))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(reserved_cents\), 0\), COUNT`).
		WithArgs(orgID, StatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow(int64(400), 2))

	status, err := svc.Balance(context.Background(), orgID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.AvailableCents != 600 {
		t.Fatalf("expected 600 cents available, got %d", status.AvailableCents)
	}
	if status.ActiveSessions != 2 {
		t.Fatalf("expected 2 active sessions, got %d", status.ActiveSessions)
	}
	if status.LowBalance {
		t.Fatal("expected balance above the low threshold")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBalance_UnknownOrgReadsEmptyAccount(t *testing.T) {
	svc, mock, closeDB := newTestService(t, Config{})
	defer closeDB()

	orgID := uuid.New().String()

	mock.ExpectQuery("SELECT balance_cents, currency, low_balance_threshold_cents").
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "currency", "low_balance_threshold_cents"}))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(reserved_cents\), 0\), COUNT`).
		WithArgs(orgID, StatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow(int64(0), 0))

	status, err := svc.Balance(context.Background(), orgID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.BalanceCents != 0 || status.AvailableCents != 0 {
		t.Fatalf("expected empty account, got balance %d available %d", status.BalanceCents, status.AvailableCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransactions_PagesNewestFirst(t *testing.T) {
	svc, mock, closeDB := newTestService(t, Config{})
	defer closeDB()

	orgID := uuid.New().String()
	now := time.Now()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT id, amount_cents, balance_after_cents, transaction_type").
		WithArgs(orgID, 2, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_cents", "balance_after_cents", "transaction_type", "reference_id", "created_at"}).
			AddRow(uuid.New().String(), int64(-450), int64(550), TypeCallSettlement, "call-1", now).
			AddRow(uuid.New().String(), int64(1000), int64(1000), TypeTopup, "", now.Add(-time.Hour)))

	transactions, total, err := svc.Transactions(context.Background(), orgID, 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].TransactionType != TypeCallSettlement {
		t.Fatalf("expected newest settlement first, got %s", transactions[0].TransactionType)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransactions_ClampsPageArguments(t *testing.T) {
	svc, mock, closeDB := newTestService(t, Config{})
	defer closeDB()

	orgID := uuid.New().String()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT id, amount_cents, balance_after_cents, transaction_type").
		WithArgs(orgID, 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_cents", "balance_after_cents", "transaction_type", "reference_id", "created_at"}))

	transactions, total, err := svc.Transactions(context.Background(), orgID, 0, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 || len(transactions) != 0 {
		t.Fatalf("expected empty page, got total %d len %d", total, len(transactions))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
