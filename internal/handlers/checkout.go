package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/stripe"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/billing"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/models"
)

// Minimum card top-up. Keeps provider fees from eating micro top-ups.
const minTopupCents = 500

// CreateTopupCheckout handles POST /credits/topup/checkout. It stages a
// pending top-up, creates a Stripe Checkout session for the amount, and
// returns the redirect URL. The balance is only credited when the provider
// webhook confirms payment.
func CreateTopupCheckout(c *gin.Context) {
	var req models.TopupCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
		return
	}
	if req.AmountCents < minTopupCents {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "top-up amount below minimum", Code: "INVALID_ARGUMENT"})
		return
	}

	orgID := orgFromRequest(c, "")
	if orgID == "" {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "org context required", Code: "UNAUTHENTICATED"})
		return
	}
	if stripeClient == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "card payments not configured", Code: "TRANSIENT"})
		return
	}

	currency := billing.DefaultCurrency()
	topup, err := svc.CreatePendingTopup(c.Request.Context(), orgID, req.AmountCents, currency)
	if err != nil {
		respondLedgerError(c, "topup_checkout", err)
		return
	}

	sess, err := stripeClient.CreateTopupCheckout(c.Request.Context(), stripe.CheckoutParams{
		OrgID:       orgID,
		TopupID:     topup.ID,
		AmountCents: req.AmountCents,
		Currency:    currency,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"org_id":   orgID,
			"topup_id": topup.ID,
		}).Error("Failed to create Stripe checkout session")
		if failErr := svc.FailTopup(c.Request.Context(), topup.ID); failErr != nil {
			logger.WithError(failErr).WithField("topup_id", topup.ID).Warn("Failed to mark topup failed")
		}
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "payment provider unavailable", Code: "TRANSIENT"})
		return
	}

	if err := svc.AttachProviderSession(c.Request.Context(), topup.ID, sess.ID); err != nil {
		logger.WithError(err).WithField("topup_id", topup.ID).Warn("Failed to record provider session ID")
	}

	countLedgerOp("topup_checkout", "ok")
	c.JSON(http.StatusOK, models.TopupCheckoutResponse{
		TopupID:     topup.ID,
		CheckoutURL: sess.URL,
		SessionID:   sess.ID,
	})
}
