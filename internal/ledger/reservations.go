package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
)

// Reservation statuses. A reservation leaves 'active' exactly once; the other
// three states are terminal.
const (
	StatusActive    = "active"
	StatusCommitted = "committed"
	StatusReleased  = "released"
	StatusExpired   = "expired"
)

// ReserveResult is the outcome of placing a session hold.
type ReserveResult struct {
	ReservationID  string
	SessionID      string
	ReservedCents  int64
	ExpiresAt      time.Time
	AvailableCents int64
	Duplicate      bool
}

// CommitResult is the outcome of settling a session hold. Reason is set when
// no charge was taken because the hold already left 'active' without a
// settlement (expired by the sweeper or released by the caller).
type CommitResult struct {
	TransactionID string
	ChargedCents  int64
	BalanceCents  int64
	Clamped       bool
	Duplicate     bool
	Reason        string
}

// Reserve places a hold of capCents against the org's effective available
// balance (balance minus the sum of active holds) and records it keyed by
// session ID. Holds never move money; they only gate admission of new
// sessions. A repeated session ID returns the existing active hold unchanged.
//
// The hold expires at now + MaxSessionTimeout so that a crashed caller that
// never commits or releases cannot strand capacity forever.
func (s *Service) Reserve(ctx context.Context, orgID, sessionID string, capCents int64) (*ReserveResult, error) {
	if orgID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: org_id and session_id are required", ErrInvalidArgument)
	}
	if capCents <= 0 {
		return nil, fmt.Errorf("%w: cap_cents must be positive", ErrInvalidArgument)
	}

	var result *ReserveResult
	err := s.withOrgLock(ctx, orgID, func(tx *sql.Tx, balance int64) error {
		var existing ReserveResult
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT id, reserved_cents, status, expires_at
			FROM bursar.credit_reservations
			WHERE session_id = $1 AND org_id = $2
		`, sessionID, orgID).Scan(&existing.ReservationID, &existing.ReservedCents, &status, &existing.ExpiresAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check existing reservation: %w", err)
		}
		if err == nil {
			if status != StatusActive {
				return fmt.Errorf("%w: session %s already settled (%s)", ErrInvalidArgument, sessionID, status)
			}
			held, err := s.activeHolds(ctx, tx, orgID)
			if err != nil {
				return err
			}
			existing.SessionID = sessionID
			existing.Duplicate = true
			existing.AvailableCents = balance - held
			result = &existing
			return nil
		}

		held, err := s.activeHolds(ctx, tx, orgID)
		if err != nil {
			return err
		}
		available := balance - held
		if available < capCents {
			return ErrInsufficientFunds
		}

		expiresAt := time.Now().Add(s.cfg.MaxSessionTimeout)
		var reservationID string
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO bursar.credit_reservations (org_id, session_id, reserved_cents, expires_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, orgID, sessionID, capCents, expiresAt).Scan(&reservationID); err != nil {
			return fmt.Errorf("failed to create reservation: %w", err)
		}

		result = &ReserveResult{
			ReservationID:  reservationID,
			SessionID:      sessionID,
			ReservedCents:  capCents,
			ExpiresAt:      expiresAt,
			AvailableCents: available - capCents,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.logger.WithFields(logging.Fields{
			"org_id":          orgID,
			"session_id":      sessionID,
			"reserved_cents":  result.ReservedCents,
			"available_cents": result.AvailableCents,
		}).Info("Reserved session credit")
	}
	s.invalidateMonitor(orgID)
	return result, nil
}

// Commit settles a session: the active hold is marked committed and the
// actual accrued cost is debited as a call_settlement ledger entry. The debit
// is clamped to the current balance so the ledger never goes negative; a
// clamp means the kill switch let the session overshoot and is logged at
// warning, or at error once past the configured overshoot bound.
//
// Committing a session whose hold already left 'active' never charges twice:
// a committed hold replays the recorded settlement, and a released or expired
// hold settles as a zero-charge no-op with the reason reported to the caller.
func (s *Service) Commit(ctx context.Context, orgID, sessionID string, actualCents int64) (*CommitResult, error) {
	if orgID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: org_id and session_id are required", ErrInvalidArgument)
	}
	if actualCents < 0 {
		return nil, fmt.Errorf("%w: actual_cents must not be negative", ErrInvalidArgument)
	}
	settlementKey := sessionID + ":settlement"

	var result *CommitResult
	err := s.withOrgLock(ctx, orgID, func(tx *sql.Tx, balance int64) error {
		var reservationID, status string
		var reservedCents int64
		err := tx.QueryRowContext(ctx, `
			SELECT id, reserved_cents, status
			FROM bursar.credit_reservations
			WHERE session_id = $1 AND org_id = $2
			FOR UPDATE
		`, sessionID, orgID).Scan(&reservationID, &reservedCents, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load reservation: %w", err)
		}

		switch status {
		case StatusCommitted:
			recorded, err := s.recordedOutcome(ctx, tx, orgID, settlementKey)
			if err != nil {
				return err
			}
			if recorded == nil {
				// Zero-cost sessions commit without a ledger row.
				result = &CommitResult{ChargedCents: 0, BalanceCents: balance, Duplicate: true}
				return nil
			}
			result = &CommitResult{
				TransactionID: recorded.id,
				ChargedCents:  -recorded.amountCents,
				BalanceCents:  recorded.balanceAfter,
				Duplicate:     true,
			}
			return nil
		case StatusReleased, StatusExpired:
			// The hold is gone and the transition is one-way; the session
			// was never charged and never will be.
			result = &CommitResult{BalanceCents: balance, Reason: "reservation_" + status}
			s.logger.WithFields(logging.Fields{
				"org_id":       orgID,
				"session_id":   sessionID,
				"status":       status,
				"actual_cents": actualCents,
			}).Warn("Settlement arrived for settled-out reservation, no charge taken")
			return nil
		case StatusActive:
		default:
			return fmt.Errorf("reservation %s has unknown status %q", reservationID, status)
		}

		charged := actualCents
		clamped := false
		if charged > balance {
			charged = balance
			clamped = true
		}

		newBalance := balance - charged
		var txID string
		if charged > 0 {
			txID, err = s.appendTransaction(ctx, tx, txRow{
				orgID:         orgID,
				amountCents:   -charged,
				balanceBefore: balance,
				balanceAfter:  newBalance,
				key:           settlementKey,
				txType:        TypeCallSettlement,
				referenceID:   sessionID,
			})
			if err != nil {
				return err
			}
			if err := s.updateBalance(ctx, tx, orgID, newBalance); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE bursar.credit_reservations
			SET status = $1, committed_amount_cents = $2, updated_at = NOW()
			WHERE id = $3 AND status = $4
		`, StatusCommitted, charged, reservationID, StatusActive)
		if err != nil {
			return fmt.Errorf("failed to commit reservation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("reservation %s changed state during commit", reservationID)
		}

		result = &CommitResult{TransactionID: txID, ChargedCents: charged, BalanceCents: newBalance, Clamped: clamped}
		if clamped {
			overshoot := actualCents - reservedCents
			entry := s.logger.WithFields(logging.Fields{
				"org_id":          orgID,
				"session_id":      sessionID,
				"actual_cents":    actualCents,
				"charged_cents":   charged,
				"reserved_cents":  reservedCents,
				"overshoot_cents": overshoot,
			})
			if overshoot > s.cfg.MaxOvershootCents {
				entry.Error("Session settled past overshoot bound, charge clamped to balance")
			} else {
				entry.Warn("Session charge clamped to remaining balance")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate && result.Reason == "" {
		s.logger.WithFields(logging.Fields{
			"org_id":        orgID,
			"session_id":    sessionID,
			"charged_cents": result.ChargedCents,
			"new_balance":   result.BalanceCents,
		}).Info("Committed session settlement")
	}
	s.invalidateMonitor(orgID)
	return result, nil
}

// Release cancels an active hold without charging anything. Used when a
// session ends before any billable usage (failed dial, immediate hangup).
// Releasing an already-settled session is a no-op success so callers can
// retry safely.
func (s *Service) Release(ctx context.Context, orgID, sessionID string) error {
	if orgID == "" || sessionID == "" {
		return fmt.Errorf("%w: org_id and session_id are required", ErrInvalidArgument)
	}

	err := s.withOrgLock(ctx, orgID, func(tx *sql.Tx, balance int64) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE bursar.credit_reservations
			SET status = $1, updated_at = NOW()
			WHERE session_id = $2 AND org_id = $3 AND status = $4
		`, StatusReleased, sessionID, orgID, StatusActive)
		if err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			return nil
		}

		var status string
		err = tx.QueryRowContext(ctx, `
			SELECT status FROM bursar.credit_reservations
			WHERE session_id = $1 AND org_id = $2
		`, sessionID, orgID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check reservation status: %w", err)
		}
		// Already terminal; retried releases succeed quietly.
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logging.Fields{
		"org_id":     orgID,
		"session_id": sessionID,
	}).Info("Released session reservation")
	s.invalidateMonitor(orgID)
	return nil
}

// ExpireReservations transitions every active hold past its deadline to
// 'expired', freeing the held capacity. The conditional UPDATE makes
// concurrent sweepers and in-flight commits race-safe: whichever statement
// runs first wins and the loser matches zero rows.
func (s *Service) ExpireReservations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bursar.credit_reservations
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND expires_at < NOW()
	`, StatusExpired, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to expire reservations: %w", err)
	}

	expired, _ := result.RowsAffected()
	if expired > 0 {
		s.logger.WithField("count", expired).Info("Expired stale session reservations")
	}
	return expired, nil
}

// activeHolds sums the org's active reservations. Called under the org lock.
func (s *Service) activeHolds(ctx context.Context, tx *sql.Tx, orgID string) (int64, error) {
	var held int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(reserved_cents), 0)
		FROM bursar.credit_reservations
		WHERE org_id = $1 AND status = $2 AND expires_at > NOW()
	`, orgID, StatusActive).Scan(&held); err != nil {
		return 0, fmt.Errorf("failed to sum active holds: %w", err)
	}
	return held, nil
}
