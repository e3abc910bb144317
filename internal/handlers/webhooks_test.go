package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	stripego "github.com/stripe/stripe-go/v82"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/ledger"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/stripe"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
)

func checkoutCompletedEvent(t *testing.T, sessionID, topupID, purpose string) *stripego.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id": sessionID,
		"metadata": map[string]string{
			"purpose":  purpose,
			"topup_id": topupID,
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal checkout session: %v", err)
	}
	return &stripego.Event{
		Type: "checkout.session.completed",
		Data: &stripego.EventData{Raw: raw},
	}
}

func dispatchStripeEvent(event *stripego.Event) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	handleStripeEvent(c, event)
	return w
}

func TestHandleStripeEvent_CompletedTopupCreditsBalance(t *testing.T) {
	mock, closeDB := setupHandlersTest(t)
	defer closeDB()
	stripeClient = stripe.NewClient(stripe.Config{Logger: logging.NewLogger()})
	defer func() { stripeClient = nil }()

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
		WithArgs(orgID, int64(2000), int64(500), int64(2500), "topup:"+topupID, ledger.TypeTopup, providerSessionID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(txID))
	mock.ExpectExec("UPDATE bursar.prepaid_balances").
		WithArgs(int64(2500), orgID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE bursar.pending_topups").
		WithArgs(txID, topupID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := dispatchStripeEvent(checkoutCompletedEvent(t, providerSessionID, topupID, "prepaid_topup"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleStripeEvent_ForeignCheckoutIsAcknowledged(t *testing.T) {
	mock, closeDB := setupHandlersTest(t)
	defer closeDB()
	stripeClient = stripe.NewClient(stripe.Config{Logger: logging.NewLogger()})
	defer func() { stripeClient = nil }()

	// A checkout session created outside the top-up flow carries no matching
	// metadata; it must be acknowledged without touching the ledger.
	w := dispatchStripeEvent(checkoutCompletedEvent(t, "cs_test_other", "", "subscription"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleStripeEvent_ConfirmFailureReturns500ForRetry(t *testing.T) {
	mock, closeDB := setupHandlersTest(t)
	defer closeDB()
	stripeClient = stripe.NewClient(stripe.Config{Logger: logging.NewLogger()})
	defer func() { stripeClient = nil }()

	topupID := uuid.New().String()

	mock.ExpectQuery("SELECT id, org_id, amount_cents, currency, status").
		WithArgs(topupID).
		WillReturnError(fmt.Errorf("connection reset"))

	w := dispatchStripeEvent(checkoutCompletedEvent(t, "cs_test_retry", topupID, "prepaid_topup"))

	// Non-2xx makes Stripe redeliver, and ConfirmTopup is idempotent on the
	// topup ID, so the retry cannot double-credit.
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
