// Package ledger implements the prepaid credit engine: an append-only
// transaction log with a per-org balance counter, one-shot deductions for
// asset provisioning, and a reserve/commit protocol for metered call sessions.
//
// All balance-affecting operations run inside a single database transaction
// serialized per org by a SELECT ... FOR UPDATE on the balance row, so two
// concurrent requests for the same org can never both observe "sufficient
// balance" and both spend it. Correctness does not depend on anything
// in-process; any number of service instances may share the database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/billing"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/cache"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/config"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
)

// Transaction types recorded in the credit ledger.
const (
	TypeTopup              = "topup"
	TypeAssetProvision     = "asset_provision"
	TypeCallSettlement     = "call_settlement"
	TypeReservationRelease = "reservation_release"
	TypeAdjustment         = "adjustment"
)

var (
	// ErrInsufficientFunds means the org's balance (or effective available
	// balance, for reservations) cannot cover the requested amount. Nothing
	// was written. Callers must treat this as a hard stop before incurring
	// real-world cost, never as something to retry.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound means no reservation exists for the session. This is a
	// session-lifecycle violation upstream, not a transient condition.
	ErrNotFound = errors.New("reservation not found")

	// ErrInvalidArgument covers malformed input (non-positive amounts,
	// missing keys). Nothing was written.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Config holds tuning knobs for the credit engine. The overshoot bound makes
// the kill switch's soft real-time contract explicit: a session may accrue up
// to MaxOvershootCents past an exhausted balance before the kill switch stops
// it, and settlement escalates from a warning to an error log beyond it. The
// default of zero stops sessions the moment effective balance reaches zero.
type Config struct {
	MaxSessionTimeout time.Duration
	StatementTimeout  time.Duration
	MonitorCacheTTL   time.Duration
	MaxOvershootCents int64
}

// ConfigFromEnv builds a Config from environment variables with production
// defaults.
func ConfigFromEnv() Config {
	return Config{
		MaxSessionTimeout: time.Duration(config.GetEnvInt("MAX_SESSION_TIMEOUT_MINUTES", 60)) * time.Minute,
		StatementTimeout:  time.Duration(config.GetEnvInt("LEDGER_STATEMENT_TIMEOUT_MS", 5000)) * time.Millisecond,
		MonitorCacheTTL:   time.Duration(config.GetEnvInt("KILL_SWITCH_CACHE_TTL_MS", 2000)) * time.Millisecond,
		MaxOvershootCents: int64(config.GetEnvInt("KILL_SWITCH_MAX_OVERSHOOT_CENTS", 0)),
	}
}

// Service is the credit engine. All methods are safe for concurrent use.
type Service struct {
	db           *sql.DB
	logger       logging.Logger
	cfg          Config
	monitorCache *cache.Cache
}

// New creates a credit engine backed by the given database.
func New(db *sql.DB, logger logging.Logger, cfg Config) *Service {
	s := &Service{
		db:     db,
		logger: logger,
		cfg:    cfg,
	}
	if cfg.MonitorCacheTTL > 0 {
		s.monitorCache = cache.New(cache.Options{
			TTL:        cfg.MonitorCacheTTL,
			MaxEntries: 4096,
		}, cache.MetricsHooks{})
	}
	return s
}

// DeductResult is the outcome of a one-shot deduction.
type DeductResult struct {
	TransactionID string
	BalanceCents  int64
	Duplicate     bool
}

// Deduct atomically debits a fixed cost from the org's balance for a one-shot
// asset purchase. A repeated idempotency key returns the originally recorded
// outcome without re-applying the debit. Insufficient balance fails with
// ErrInsufficientFunds and writes nothing.
//
// If downstream provisioning fails after a successful deduction, the caller
// must issue a compensating Credit with a derived key (e.g. key + ":refund").
func (s *Service) Deduct(ctx context.Context, orgID string, costCents int64, idempotencyKey, referenceID string) (*DeductResult, error) {
	if orgID == "" || idempotencyKey == "" {
		return nil, fmt.Errorf("%w: org_id and idempotency_key are required", ErrInvalidArgument)
	}
	if costCents <= 0 {
		return nil, fmt.Errorf("%w: cost_cents must be positive", ErrInvalidArgument)
	}

	var result *DeductResult
	err := s.withOrgLock(ctx, orgID, func(tx *sql.Tx, balance int64) error {
		if recorded, err := s.recordedOutcome(ctx, tx, orgID, idempotencyKey); err != nil {
			return err
		} else if recorded != nil {
			result = &DeductResult{TransactionID: recorded.id, BalanceCents: recorded.balanceAfter, Duplicate: true}
			return nil
		}

		if balance < costCents {
			return ErrInsufficientFunds
		}

		newBalance := balance - costCents
		txID, err := s.appendTransaction(ctx, tx, txRow{
			orgID:         orgID,
			amountCents:   -costCents,
			balanceBefore: balance,
			balanceAfter:  newBalance,
			key:           idempotencyKey,
			txType:        TypeAssetProvision,
			referenceID:   referenceID,
		})
		if err != nil {
			return err
		}
		if err := s.updateBalance(ctx, tx, orgID, newBalance); err != nil {
			return err
		}

		result = &DeductResult{TransactionID: txID, BalanceCents: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.logger.WithFields(logging.Fields{
			"org_id":       orgID,
			"cost_cents":   costCents,
			"new_balance":  result.BalanceCents,
			"reference_id": referenceID,
		}).Info("Deducted prepaid balance")
	}
	s.invalidateMonitor(orgID)
	return result, nil
}

// Credit atomically adds funds to the org's balance (top-ups, compensating
// refunds, manual adjustments). Idempotent on the key like Deduct.
func (s *Service) Credit(ctx context.Context, orgID string, amountCents int64, idempotencyKey, txType, referenceID string) (*DeductResult, error) {
	if orgID == "" || idempotencyKey == "" {
		return nil, fmt.Errorf("%w: org_id and idempotency_key are required", ErrInvalidArgument)
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount_cents must be positive", ErrInvalidArgument)
	}
	switch txType {
	case TypeTopup, TypeAdjustment:
	default:
		return nil, fmt.Errorf("%w: unsupported credit type %q", ErrInvalidArgument, txType)
	}

	var result *DeductResult
	err := s.withOrgLock(ctx, orgID, func(tx *sql.Tx, balance int64) error {
		if recorded, err := s.recordedOutcome(ctx, tx, orgID, idempotencyKey); err != nil {
			return err
		} else if recorded != nil {
			result = &DeductResult{TransactionID: recorded.id, BalanceCents: recorded.balanceAfter, Duplicate: true}
			return nil
		}

		newBalance := balance + amountCents
		txID, err := s.appendTransaction(ctx, tx, txRow{
			orgID:         orgID,
			amountCents:   amountCents,
			balanceBefore: balance,
			balanceAfter:  newBalance,
			key:           idempotencyKey,
			txType:        txType,
			referenceID:   referenceID,
		})
		if err != nil {
			return err
		}
		if err := s.updateBalance(ctx, tx, orgID, newBalance); err != nil {
			return err
		}

		result = &DeductResult{TransactionID: txID, BalanceCents: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.logger.WithFields(logging.Fields{
			"org_id":       orgID,
			"amount_cents": amountCents,
			"type":         txType,
			"new_balance":  result.BalanceCents,
		}).Info("Credited prepaid balance")
	}
	s.invalidateMonitor(orgID)
	return result, nil
}

// withOrgLock runs fn inside a transaction holding the org's balance row lock.
// The balance row is created on first use. The transaction commits only if fn
// returns nil; every other exit path rolls back, so callers never observe a
// half-applied write.
func (s *Service) withOrgLock(ctx context.Context, orgID string, fn func(tx *sql.Tx, balance int64) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	if s.cfg.StatementTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", s.cfg.StatementTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set statement timeout: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.prepaid_balances (org_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (org_id) DO NOTHING
	`, orgID, billing.DefaultCurrency()); err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance_cents FROM bursar.prepaid_balances
		WHERE org_id = $1
		FOR UPDATE
	`, orgID).Scan(&balance); err != nil {
		return fmt.Errorf("failed to lock balance row: %w", err)
	}

	if err := fn(tx, balance); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type recordedTx struct {
	id           string
	amountCents  int64
	balanceAfter int64
}

// recordedOutcome returns the ledger row previously written for this
// idempotency key, or nil if the key is unused. Must be called under the org
// lock so the check-then-insert pair is race-free.
func (s *Service) recordedOutcome(ctx context.Context, tx *sql.Tx, orgID, idempotencyKey string) (*recordedTx, error) {
	var rec recordedTx
	err := tx.QueryRowContext(ctx, `
		SELECT id, amount_cents, balance_after_cents
		FROM bursar.credit_transactions
		WHERE org_id = $1 AND idempotency_key = $2
	`, orgID, idempotencyKey).Scan(&rec.id, &rec.amountCents, &rec.balanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return &rec, nil
}

type txRow struct {
	orgID         string
	amountCents   int64
	balanceBefore int64
	balanceAfter  int64
	key           string
	txType        string
	referenceID   string
}

func (s *Service) appendTransaction(ctx context.Context, tx *sql.Tx, row txRow) (string, error) {
	var txID string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO bursar.credit_transactions
		(org_id, amount_cents, balance_before_cents, balance_after_cents, idempotency_key, transaction_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, row.orgID, row.amountCents, row.balanceBefore, row.balanceAfter, row.key, row.txType, nullableString(row.referenceID)).Scan(&txID)
	if err != nil {
		// The unique constraint on (org_id, idempotency_key) backstops the
		// SELECT-first dedup. Reaching it means the key was reused outside
		// the org lock, which the caller must not silently absorb.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return "", fmt.Errorf("%w: idempotency key %q already recorded", ErrInvalidArgument, row.key)
		}
		return "", fmt.Errorf("failed to append credit transaction: %w", err)
	}
	return txID, nil
}

func (s *Service) updateBalance(ctx context.Context, tx *sql.Tx, orgID string, newBalance int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.prepaid_balances
		SET balance_cents = $1, updated_at = NOW()
		WHERE org_id = $2
	`, newBalance, orgID); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
