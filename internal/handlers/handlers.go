package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/ledger"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/ctxkeys"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/models"
)

// orgFromRequest resolves the acting org: authenticated callers are pinned to
// the org in their token, service callers name the org explicitly.
func orgFromRequest(c *gin.Context, requested string) string {
	if orgID := c.GetString(string(ctxkeys.KeyOrgID)); orgID != "" {
		return orgID
	}
	return requested
}

// respondLedgerError maps engine errors onto the API contract. Insufficient
// funds is a definitive business answer, not a failure, and transient faults
// surface as 503 so callers know a retry with the same idempotency key is
// safe.
func respondLedgerError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument):
		countLedgerOp(operation, "invalid")
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		countLedgerOp(operation, "insufficient_funds")
		c.JSON(http.StatusPaymentRequired, models.ErrorResponse{Error: "insufficient funds", Code: "INSUFFICIENT_FUNDS"})
	case errors.Is(err, ledger.ErrNotFound):
		countLedgerOp(operation, "not_found")
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	default:
		countLedgerOp(operation, "error")
		logger.WithError(err).WithField("operation", operation).Error("Ledger operation failed")
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "temporarily unavailable, retry with the same idempotency key", Code: "TRANSIENT"})
	}
}

// DeductCredits handles POST /credits/deduct for one-shot asset purchases.
func DeductCredits(c *gin.Context) {
	var req models.DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
		return
	}

	orgID := orgFromRequest(c, req.OrgID)
	result, err := svc.Deduct(c.Request.Context(), orgID, req.CostCents, req.IdempotencyKey, req.ReferenceID)
	if err != nil {
		respondLedgerError(c, "deduct", err)
		return
	}

	countLedgerOp("deduct", "ok")
	c.JSON(http.StatusOK, models.DeductResponse{
		TransactionID: result.TransactionID,
		BalanceCents:  result.BalanceCents,
		Duplicate:     result.Duplicate,
	})
}

// CreditBalance handles POST /credits/credit for manual adjustments and
// provisioning refunds.
func CreditBalance(c *gin.Context) {
	var req models.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
		return
	}

	orgID := orgFromRequest(c, req.OrgID)
	result, err := svc.Credit(c.Request.Context(), orgID, req.AmountCents, req.IdempotencyKey, ledger.TypeAdjustment, req.ReferenceID)
	if err != nil {
		respondLedgerError(c, "credit", err)
		return
	}

	countLedgerOp("credit", "ok")
	c.JSON(http.StatusOK, models.DeductResponse{
		TransactionID: result.TransactionID,
		BalanceCents:  result.BalanceCents,
		Duplicate:     result.Duplicate,
	})
}

// ReserveSession handles POST /sessions/reserve before a call is connected.
func ReserveSession(c *gin.Context) {
	var req models.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
		return
	}

	orgID := orgFromRequest(c, req.OrgID)
	result, err := svc.Reserve(c.Request.Context(), orgID, req.SessionID, req.CapCents)
	if err != nil {
		respondLedgerError(c, "reserve", err)
		return
	}

	countLedgerOp("reserve", "ok")
	c.JSON(http.StatusOK, models.ReserveResponse{
		ReservationID:  result.ReservationID,
		SessionID:      result.SessionID,
		ReservedCents:  result.ReservedCents,
		ExpiresAt:      result.ExpiresAt,
		AvailableCents: result.AvailableCents,
		Duplicate:      result.Duplicate,
	})
}

// CommitSession handles POST /sessions/commit when a call finishes.
func CommitSession(c *gin.Context) {
	var req models.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
		return
	}

	orgID := orgFromRequest(c, req.OrgID)
	result, err := svc.Commit(c.Request.Context(), orgID, req.SessionID, req.ActualCents)
	if err != nil {
		respondLedgerError(c, "commit", err)
		return
	}

	if result.Clamped {
		countLedgerOp("commit", "clamped")
	} else {
		countLedgerOp("commit", "ok")
	}
	c.JSON(http.StatusOK, models.CommitResponse{
		TransactionID: result.TransactionID,
		ChargedCents:  result.ChargedCents,
		BalanceCents:  result.BalanceCents,
		Clamped:       result.Clamped,
		Duplicate:     result.Duplicate,
		Reason:        result.Reason,
	})
}

// ReleaseSession handles POST /sessions/release for sessions that ended
// before any billable usage.
func ReleaseSession(c *gin.Context) {
	var req models.ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
		return
	}

	orgID := orgFromRequest(c, req.OrgID)
	if err := svc.Release(c.Request.Context(), orgID, req.SessionID); err != nil {
		respondLedgerError(c, "release", err)
		return
	}

	countLedgerOp("release", "ok")
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// CheckSession handles POST /sessions/check, the kill-switch poll issued
// while a call is in progress.
func CheckSession(c *gin.Context) {
	var req models.BalanceCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
		return
	}

	orgID := orgFromRequest(c, req.OrgID)
	result, err := svc.CheckSession(c.Request.Context(), orgID, req.SessionID, req.ElapsedCents)
	if err != nil {
		respondLedgerError(c, "check", err)
		return
	}

	if metrics != nil && metrics.KillSwitchChecks != nil {
		verdict := "continue"
		if !result.Continue {
			verdict = "stop"
		}
		metrics.KillSwitchChecks.WithLabelValues(verdict).Inc()
	}
	c.JSON(http.StatusOK, models.BalanceCheckResponse{
		ContinueSession: result.Continue,
		Reason:          result.Reason,
		RemainingCents:  result.RemainingCents,
		BalanceCents:    result.BalanceCents,
	})
}

// GetBalance handles GET /credits/balance.
func GetBalance(c *gin.Context) {
	orgID := orgFromRequest(c, c.Query("org_id"))
	status, err := svc.Balance(c.Request.Context(), orgID)
	if err != nil {
		respondLedgerError(c, "balance", err)
		return
	}

	c.JSON(http.StatusOK, models.BalanceResponse{
		OrgID:          status.OrgID,
		BalanceCents:   status.BalanceCents,
		HeldCents:      status.HeldCents,
		AvailableCents: status.AvailableCents,
		Currency:       status.Currency,
		LowBalance:     status.LowBalance,
		ActiveSessions: status.ActiveSessions,
	})
}

// GetLedger handles GET /credits/ledger with page/page_size query params.
func GetLedger(c *gin.Context) {
	orgID := orgFromRequest(c, c.Query("org_id"))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	transactions, total, err := svc.Transactions(c.Request.Context(), orgID, page, pageSize)
	if err != nil {
		respondLedgerError(c, "ledger", err)
		return
	}

	entries := make([]models.LedgerEntry, 0, len(transactions))
	for _, t := range transactions {
		entries = append(entries, models.LedgerEntry{
			ID:              t.ID,
			AmountCents:     t.AmountCents,
			BalanceAfter:    t.BalanceAfter,
			TransactionType: t.TransactionType,
			ReferenceID:     t.ReferenceID,
			CreatedAt:       t.CreatedAt,
		})
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	c.JSON(http.StatusOK, models.LedgerResponse{
		Transactions: entries,
		Page:         page,
		PageSize:     pageSize,
		Total:        total,
	})
}
