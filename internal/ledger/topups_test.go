package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestConfirmTopup_CreditsThenCompletes(t *testing.T) {
	svc, mock, closeDB := newTestService(t, Config{})
	defer closeDB()

	orgID := uuid.New().String()
	topupID := uuid.New().String()
	providerSessionID := "cs_test_" + uuid.New().String()
	txID := uuid.New().String()

	mock.ExpectQuery("SELECT id, org_id, amount_cents, currency, status").
		WithArgs(topupID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "amount_cents", "currency", "status"}).
			AddRow(topupID, orgID, int64(2000), "USD", "pending"))

	expectOrgLock(mock, orgID, 500)
	mock.ExpectQuery("SELECT id, amount_cents, balance_after_cents").
		WithArgs(orgID, "topup:"+topupID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_cents", "balance_after_cents"}))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs(orgID, int64(2000), int64(500), int64(2500), "topup:"+topupID, TypeTopup, providerSessionID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(txID))
	mock.ExpectExec("UPDATE bursar.prepaid_balances").
		WithArgs(int64(2500), orgID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE bursar.pending_topups").
		WithArgs(txID, topupID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.ConfirmTopup(context.Background(), topupID, providerSessionID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConfirmTopup_CompletedIsNoOp(t *testing.T) {
	svc, mock, closeDB := newTestService(t, Config{})
	defer closeDB()

	topupID := uuid.New().String()

	mock.ExpectQuery("SELECT id, org_id, amount_cents, currency, status").
		WithArgs(topupID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "amount_cents", "currency", "status"}).
			AddRow(topupID, uuid.New().String(), int64(2000), "USD", "completed"))

	if err := svc.ConfirmTopup(context.Background(), topupID, "cs_test_replay"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
