package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/ledger"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/kafka"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/models"
)

func newTestJobManager(t *testing.T) (*JobManager, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	log := logging.NewLogger()
	jm := &JobManager{
		db:            mockDB,
		logger:        log,
		svc:           ledger.New(mockDB, log, ledger.Config{}),
		stopCh:        make(chan struct{}),
		sweepInterval: time.Minute,
	}
	return jm, mock, func() { mockDB.Close() }
}

func TestHandleCallSettlement_CommitsReservation(t *testing.T) {
	jm, mock, closeDB := newTestJobManager(t)
	defer closeDB()

	orgID := uuid.New().String()
	sessionID := "call-" + uuid.New().String()
	reservationID := uuid.New().String()
	txID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.prepaid_balances").
		WithArgs(orgID, "USD").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance_cents FROM bursar.prepaid_balances.*FOR UPDATE`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(int64(1000)))
	mock.ExpectQuery("SELECT id, reserved_cents, status FROM").
		WithArgs(sessionID, orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "reserved_cents", "status"}).
			AddRow(reservationID, int64(500), ledger.StatusActive))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs(orgID, int64(-450), int64(1000), int64(550), sessionID+":settlement", ledger.TypeCallSettlement, sessionID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(txID))
	mock.ExpectExec("UPDATE bursar.prepaid_balances").
		WithArgs(int64(550), orgID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.credit_reservations").
		WithArgs(ledger.StatusCommitted, int64(450), reservationID, ledger.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payload, _ := json.Marshal(models.CallSettlementEvent{
		OrgID:       orgID,
		SessionID:   sessionID,
		ActualCents: 450,
		EndedAt:     time.Now(),
	})

	if err := jm.handleCallSettlement(context.Background(), kafka.Message{Value: payload}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleCallSettlement_BadPayloadIsSkipped(t *testing.T) {
	jm, mock, closeDB := newTestJobManager(t)
	defer closeDB()

	if err := jm.handleCallSettlement(context.Background(), kafka.Message{Value: []byte("not json")}); err != nil {
		t.Fatalf("expected bad payload to be skipped, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleCallSettlement_MissingReservationIsSkipped(t *testing.T) {
	jm, mock, closeDB := newTestJobManager(t)
	defer closeDB()

	orgID := uuid.New().String()
	sessionID := "call-" + uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.prepaid_balances").
		WithArgs(orgID, "USD").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance_cents FROM bursar.prepaid_balances.*FOR UPDATE`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(int64(1000)))
	mock.ExpectQuery("SELECT id, reserved_cents, status FROM").
		WithArgs(sessionID, orgID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "reserved_cents", "status"}))
	mock.ExpectRollback()

	payload, _ := json.Marshal(models.CallSettlementEvent{
		OrgID:       orgID,
		SessionID:   sessionID,
		ActualCents: 450,
	})

	// No reservation can ever appear for this session, so the message must
	// be dropped rather than block the partition.
	if err := jm.handleCallSettlement(context.Background(), kafka.Message{Value: payload}); err != nil {
		t.Fatalf("expected missing reservation to be skipped, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleCallSettlement_RecordsConsumerMetrics(t *testing.T) {
	jm, mock, closeDB := newTestJobManager(t)
	defer closeDB()

	metrics = &BursarMetrics{
		KafkaMessages: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_kafka_messages_total"}, []string{"topic", "operation", "status"}),
		KafkaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_kafka_duration_seconds"}, []string{"operation"}),
	}
	defer func() { metrics = nil }()

	msg := kafka.Message{Topic: "billing.call_settlements", Value: []byte("not json")}
	if err := jm.handleCallSettlement(context.Background(), msg); err != nil {
		t.Fatalf("expected bad payload to be skipped, got %v", err)
	}

	skipped := testutil.ToFloat64(metrics.KafkaMessages.WithLabelValues("billing.call_settlements", "consume", "skipped"))
	if skipped != 1 {
		t.Fatalf("expected 1 skipped message counted, got %v", skipped)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobManagerKafkaClient_NilWithoutConsumer(t *testing.T) {
	jm, _, closeDB := newTestJobManager(t)
	defer closeDB()

	if jm.KafkaClient() != nil {
		t.Fatal("expected nil client when no consumer was created")
	}
}

func TestSweepExpiredReservations_ExpiresStaleHolds(t *testing.T) {
	jm, mock, closeDB := newTestJobManager(t)
	defer closeDB()

	mock.ExpectExec("UPDATE bursar.credit_reservations").
		WithArgs(ledger.StatusExpired, ledger.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 2))

	jm.sweepExpiredReservations(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
