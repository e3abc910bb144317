package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	stripego "github.com/stripe/stripe-go/v82"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/models"
)

// StripeWebhook handles POST /webhooks/stripe. The endpoint only verifies the
// signature; the verified event is applied by handleStripeEvent.
func StripeWebhook(c *gin.Context) {
	if stripeClient == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "card payments not configured", Code: "TRANSIENT"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "failed to read payload", Code: "INVALID_ARGUMENT"})
		return
	}

	event, err := stripeClient.VerifyAndParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logger.WithError(err).Warn("Rejected Stripe webhook with bad signature")
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid signature", Code: "INVALID_SIGNATURE"})
		return
	}

	handleStripeEvent(c, event)
}

// handleStripeEvent applies a signature-verified Stripe event. Stripe delivers
// events at least once, so every branch here must tolerate replays:
// ConfirmTopup is idempotent on the topup ID and FailTopup only touches
// pending rows.
func handleStripeEvent(c *gin.Context, event *stripego.Event) {
	switch event.Type {
	case "checkout.session.completed":
		sess, err := stripeClient.CheckoutSessionFromEvent(event)
		if err != nil {
			logger.WithError(err).Error("Failed to parse checkout session from webhook")
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
			return
		}
		topupID := sess.Metadata["topup_id"]
		if sess.Metadata["purpose"] != "prepaid_topup" || topupID == "" {
			// Not ours; acknowledge so Stripe stops redelivering.
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		if err := svc.ConfirmTopup(c.Request.Context(), topupID, sess.ID); err != nil {
			logger.WithError(err).WithFields(logging.Fields{
				"topup_id":   topupID,
				"session_id": sess.ID,
			}).Error("Failed to confirm topup from webhook")
			// Non-2xx makes Stripe retry, which is what we want for
			// transient database failures.
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to apply topup", Code: "TRANSIENT"})
			return
		}
		if metrics != nil && metrics.TopupOperations != nil {
			metrics.TopupOperations.WithLabelValues("completed").Inc()
		}

	case "checkout.session.expired":
		sess, err := stripeClient.CheckoutSessionFromEvent(event)
		if err == nil && sess.Metadata["topup_id"] != "" {
			if err := svc.FailTopup(c.Request.Context(), sess.Metadata["topup_id"]); err != nil {
				logger.WithError(err).WithField("topup_id", sess.Metadata["topup_id"]).Warn("Failed to mark expired topup")
			} else if metrics != nil && metrics.TopupOperations != nil {
				metrics.TopupOperations.WithLabelValues("expired").Inc()
			}
		}

	default:
		logger.WithField("event_type", event.Type).Debug("Ignoring unhandled Stripe event")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
