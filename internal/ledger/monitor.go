package ledger

import (
	"context"
	"fmt"
)

// CheckResult is the kill-switch verdict for an in-flight session.
type CheckResult struct {
	Continue       bool
	Reason         string
	RemainingCents int64
	BalanceCents   int64
}

const monitorKeyPrefix = "monitor:"

// orgSnapshot is the cached view the kill switch evaluates against: the
// stored balance plus every active hold, keyed by session.
type orgSnapshot struct {
	balanceCents int64
	holds        map[string]int64
	totalHolds   int64
}

// CheckSession is the kill-switch probe polled during an active call. It
// answers whether the session may continue given the cost it has accrued so
// far: the session runs against the balance minus the holds of other active
// sessions, minus its own accrued cost, with the configured overshoot
// allowance on top. The verdict is soft real-time: reads come from a
// short-TTL cache so high-frequency polling does not hammer the database,
// and the worst-case stale window is bounded by MonitorCacheTTL plus the
// caller's poll interval. Exact enforcement happens at Commit, where the
// charge is clamped to the balance.
func (s *Service) CheckSession(ctx context.Context, orgID, sessionID string, accruedCents int64) (*CheckResult, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: org_id is required", ErrInvalidArgument)
	}
	if accruedCents < 0 {
		return nil, fmt.Errorf("%w: elapsed_cents must not be negative", ErrInvalidArgument)
	}

	snap, err := s.monitorSnapshot(ctx, orgID)
	if err != nil {
		return nil, err
	}

	otherHolds := snap.totalHolds - snap.holds[sessionID]
	remaining := snap.balanceCents - otherHolds - accruedCents
	result := &CheckResult{
		Continue:       remaining+s.cfg.MaxOvershootCents > 0,
		Reason:         "ok",
		RemainingCents: remaining,
		BalanceCents:   snap.balanceCents,
	}
	if !result.Continue {
		result.Reason = "balance_exhausted"
	}
	return result, nil
}

// monitorSnapshot reads the org's balance and active holds through the
// short-TTL cache. A missing balance row reads as zero so brand-new orgs get
// a clean "stop" verdict instead of an error.
func (s *Service) monitorSnapshot(ctx context.Context, orgID string) (*orgSnapshot, error) {
	load := func(ctx context.Context, _ string) (interface{}, bool, error) {
		snap := &orgSnapshot{holds: make(map[string]int64)}
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(
				(SELECT balance_cents FROM bursar.prepaid_balances WHERE org_id = $1), 0)
		`, orgID).Scan(&snap.balanceCents)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read balance: %w", err)
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT session_id, reserved_cents
			FROM bursar.credit_reservations
			WHERE org_id = $1 AND status = $2 AND expires_at > NOW()
		`, orgID, StatusActive)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read active holds: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var sessionID string
			var reserved int64
			if err := rows.Scan(&sessionID, &reserved); err != nil {
				return nil, false, fmt.Errorf("failed to scan hold: %w", err)
			}
			snap.holds[sessionID] = reserved
			snap.totalHolds += reserved
		}
		if err := rows.Err(); err != nil {
			return nil, false, fmt.Errorf("failed to iterate holds: %w", err)
		}
		return snap, true, nil
	}

	if s.monitorCache == nil {
		val, _, err := load(ctx, "")
		if err != nil {
			return nil, err
		}
		return val.(*orgSnapshot), nil
	}

	val, ok, err := s.monitorCache.Get(ctx, monitorKeyPrefix+orgID, load)
	if err != nil || !ok {
		return nil, err
	}
	return val.(*orgSnapshot), nil
}

// invalidateMonitor drops the cached snapshot after a write so the kill
// switch sees fresh numbers on the next poll instead of waiting out the TTL.
func (s *Service) invalidateMonitor(orgID string) {
	if s.monitorCache != nil {
		s.monitorCache.Delete(monitorKeyPrefix + orgID)
	}
}
