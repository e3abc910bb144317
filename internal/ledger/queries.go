package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Transaction is one row of the credit ledger.
type Transaction struct {
	ID              string    `json:"id"`
	AmountCents     int64     `json:"amount_cents"`
	BalanceAfter    int64     `json:"balance_after_cents"`
	TransactionType string    `json:"transaction_type"`
	ReferenceID     string    `json:"reference_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// BalanceStatus is the org's current standing including active holds.
type BalanceStatus struct {
	OrgID          string `json:"org_id"`
	BalanceCents   int64  `json:"balance_cents"`
	HeldCents      int64  `json:"held_cents"`
	AvailableCents int64  `json:"available_cents"`
	Currency       string `json:"currency"`
	LowBalance     bool   `json:"low_balance"`
	ActiveSessions int    `json:"active_sessions"`
}

// Balance reports the org's stored balance, the sum of active holds, and the
// effective available balance new sessions are admitted against. An org with
// no balance row reads as an empty zero-balance account.
func (s *Service) Balance(ctx context.Context, orgID string) (*BalanceStatus, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: org_id is required", ErrInvalidArgument)
	}

	status := &BalanceStatus{OrgID: orgID, Currency: "USD"}
	var threshold int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_cents, currency, low_balance_threshold_cents
		FROM bursar.prepaid_balances
		WHERE org_id = $1
	`, orgID).Scan(&status.BalanceCents, &status.Currency, &threshold)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(reserved_cents), 0), COUNT(*)
		FROM bursar.credit_reservations
		WHERE org_id = $1 AND status = $2 AND expires_at > NOW()
	`, orgID, StatusActive).Scan(&status.HeldCents, &status.ActiveSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to sum active holds: %w", err)
	}

	status.AvailableCents = status.BalanceCents - status.HeldCents
	status.LowBalance = status.BalanceCents < threshold
	return status, nil
}

// Transactions returns one page of the org's ledger, newest first. Page
// numbers start at 1.
func (s *Service) Transactions(ctx context.Context, orgID string, page, pageSize int) ([]Transaction, int, error) {
	if orgID == "" {
		return nil, 0, fmt.Errorf("%w: org_id is required", ErrInvalidArgument)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bursar.credit_transactions WHERE org_id = $1
	`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amount_cents, balance_after_cents, transaction_type, COALESCE(reference_id, ''), created_at
		FROM bursar.credit_transactions
		WHERE org_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, orgID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]Transaction, 0, pageSize)
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.AmountCents, &t.BalanceAfter, &t.TransactionType, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return transactions, total, nil
}
