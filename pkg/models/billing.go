package models

import "time"

// DeductRequest is a one-shot debit for a fixed-cost asset purchase, such as
// provisioning a phone number or cloning a voice.
type DeductRequest struct {
	OrgID          string `json:"org_id" binding:"required"`
	CostCents      int64  `json:"cost_cents" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	ReferenceID    string `json:"reference_id,omitempty"`
}

// DeductResponse reports the ledger entry written for a deduction, or the
// previously recorded one when the idempotency key was already used.
type DeductResponse struct {
	TransactionID string `json:"transaction_id"`
	BalanceCents  int64  `json:"balance_cents"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// CreditRequest adds funds to an org's balance outside the card top-up flow
// (manual adjustments, promotional credit, provisioning refunds).
type CreditRequest struct {
	OrgID          string `json:"org_id" binding:"required"`
	AmountCents    int64  `json:"amount_cents" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	ReferenceID    string `json:"reference_id,omitempty"`
}

// ReserveRequest places a hold for a call session about to start. CapCents
// is the worst-case cost the session is allowed to accrue.
type ReserveRequest struct {
	OrgID     string `json:"org_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
	CapCents  int64  `json:"cap_cents" binding:"required"`
}

// ReserveResponse describes the hold that now gates the session.
type ReserveResponse struct {
	ReservationID  string    `json:"reservation_id"`
	SessionID      string    `json:"session_id"`
	ReservedCents  int64     `json:"reserved_cents"`
	ExpiresAt      time.Time `json:"expires_at"`
	AvailableCents int64     `json:"available_cents"`
	Duplicate      bool      `json:"duplicate,omitempty"`
}

// CommitRequest settles a finished session at its actual accrued cost.
type CommitRequest struct {
	OrgID       string `json:"org_id" binding:"required"`
	SessionID   string `json:"session_id" binding:"required"`
	ActualCents int64  `json:"actual_cents"`
}

// CommitResponse reports the settlement charge. Clamped means the accrued
// cost exceeded the remaining balance and only the balance was charged.
// Reason is set when no charge was taken because the hold had already
// expired or been released.
type CommitResponse struct {
	TransactionID string `json:"transaction_id,omitempty"`
	ChargedCents  int64  `json:"charged_cents"`
	BalanceCents  int64  `json:"balance_cents"`
	Clamped       bool   `json:"clamped,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ReleaseRequest cancels a session hold without charging.
type ReleaseRequest struct {
	OrgID     string `json:"org_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}

// BalanceCheckRequest is the kill-switch poll sent during an active call.
type BalanceCheckRequest struct {
	OrgID        string `json:"org_id" binding:"required"`
	SessionID    string `json:"session_id" binding:"required"`
	ElapsedCents int64  `json:"elapsed_cents"`
}

// BalanceCheckResponse is the kill-switch verdict.
type BalanceCheckResponse struct {
	ContinueSession bool   `json:"continue_session"`
	Reason          string `json:"reason"`
	RemainingCents  int64  `json:"remaining_cents"`
	BalanceCents    int64  `json:"balance_cents"`
}

// BalanceResponse is the org's current standing.
type BalanceResponse struct {
	OrgID          string `json:"org_id"`
	BalanceCents   int64  `json:"balance_cents"`
	HeldCents      int64  `json:"held_cents"`
	AvailableCents int64  `json:"available_cents"`
	Currency       string `json:"currency"`
	LowBalance     bool   `json:"low_balance"`
	ActiveSessions int    `json:"active_sessions"`
}

// LedgerEntry is one transaction in the paged ledger listing.
type LedgerEntry struct {
	ID              string    `json:"id"`
	AmountCents     int64     `json:"amount_cents"`
	BalanceAfter    int64     `json:"balance_after_cents"`
	TransactionType string    `json:"transaction_type"`
	ReferenceID     string    `json:"reference_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// LedgerResponse is one page of an org's transaction history, newest first.
type LedgerResponse struct {
	Transactions []LedgerEntry `json:"transactions"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	Total        int           `json:"total"`
}

// TopupCheckoutRequest starts a card top-up via the payment provider.
type TopupCheckoutRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required"`
	SuccessURL  string `json:"success_url" binding:"required"`
	CancelURL   string `json:"cancel_url" binding:"required"`
}

// TopupCheckoutResponse carries the provider checkout session to redirect to.
type TopupCheckoutResponse struct {
	TopupID     string `json:"topup_id"`
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// CallSettlementEvent is the message consumed from the settlement topic when
// the call pipeline finishes a session.
type CallSettlementEvent struct {
	OrgID       string    `json:"org_id"`
	SessionID   string    `json:"session_id"`
	ActualCents int64     `json:"actual_cents"`
	EndedAt     time.Time `json:"ended_at"`
	Reason      string    `json:"reason,omitempty"`
}

// ErrorResponse is the uniform error envelope returned by the billing API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
