package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
)

// PendingTopup is a card top-up awaiting provider confirmation.
type PendingTopup struct {
	ID          string
	OrgID       string
	AmountCents int64
	Currency    string
	Status      string
}

// CreatePendingTopup stages a card top-up before redirecting the user to the
// payment provider. The row is completed by ConfirmTopup when the provider
// webhook lands.
func (s *Service) CreatePendingTopup(ctx context.Context, orgID string, amountCents int64, currency string) (*PendingTopup, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: org_id is required", ErrInvalidArgument)
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount_cents must be positive", ErrInvalidArgument)
	}

	topup := &PendingTopup{OrgID: orgID, AmountCents: amountCents, Currency: currency, Status: "pending"}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bursar.pending_topups (org_id, amount_cents, currency)
		VALUES ($1, $2, $3)
		RETURNING id
	`, orgID, amountCents, currency).Scan(&topup.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending topup: %w", err)
	}
	return topup, nil
}

// AttachProviderSession records the provider's checkout session ID on the
// pending top-up so the webhook can be matched back.
func (s *Service) AttachProviderSession(ctx context.Context, topupID, providerSessionID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE bursar.pending_topups
		SET provider_session_id = $1, updated_at = NOW()
		WHERE id = $2
	`, providerSessionID, topupID); err != nil {
		return fmt.Errorf("failed to attach provider session: %w", err)
	}
	return nil
}

// ConfirmTopup credits a confirmed top-up and marks the pending row
// completed. The credit goes first: it is idempotent on the topup ID, so a
// crash between the two writes reduces to a retried webhook that credits
// nothing new and just finishes marking the row.
func (s *Service) ConfirmTopup(ctx context.Context, topupID, providerSessionID string) error {
	var topup PendingTopup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, amount_cents, currency, status
		FROM bursar.pending_topups
		WHERE id = $1
	`, topupID).Scan(&topup.ID, &topup.OrgID, &topup.AmountCents, &topup.Currency, &topup.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: pending topup %s", ErrNotFound, topupID)
	}
	if err != nil {
		return fmt.Errorf("failed to load pending topup: %w", err)
	}
	if topup.Status == "completed" {
		return nil
	}

	result, err := s.Credit(ctx, topup.OrgID, topup.AmountCents, "topup:"+topup.ID, TypeTopup, providerSessionID)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE bursar.pending_topups
		SET status = 'completed', balance_transaction_id = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`, result.TransactionID, topupID); err != nil {
		return fmt.Errorf("failed to complete pending topup: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"org_id":       topup.OrgID,
		"topup_id":     topupID,
		"amount_cents": topup.AmountCents,
		"new_balance":  result.BalanceCents,
	}).Info("Confirmed card topup")
	return nil
}

// FailTopup marks a pending top-up failed after the provider reports the
// checkout expired or the payment did not complete.
func (s *Service) FailTopup(ctx context.Context, topupID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE bursar.pending_topups
		SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, topupID); err != nil {
		return fmt.Errorf("failed to mark topup failed: %w", err)
	}
	return nil
}
