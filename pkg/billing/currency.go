package billing

import "github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/config"

const (
	defaultCurrencyEnv      = "BILLING_CURRENCY"
	defaultCurrencyFallback = "USD"
)

// DefaultCurrency returns the billing ledger currency used when no currency is specified.
func DefaultCurrency() string {
	return config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback)
}
