// Package matcher selects the ledger lines that may represent the same payment
// as a bank statement line.
//
// Matching runs in two stages:
//  1. Candidate selection: a search domain built from the target account, the
//     bank line date and the numeric part of its payment reference is sent to
//     the accounting service.
//  2. Tolerance check: candidates whose residual amount is within the
//     configured tolerance of the bank amount become matches.
//
// Only a single match leads to a reconciliation. Zero and several matches are
// both reported as unreconciled and differ only in their counts.
//
// Example usage:
//
//	config := matcher.ConfigFrom(reconciliationConfig)
//	m := matcher.NewCandidateMatcher(config, accountingClient, log)
//
//	result, err := m.Match(ctx, bankLine)
//	if match, ok := result.Unique(); ok {
//		// run the reconciliation saga with match
//	}
package matcher

import (
	"github.com/shopspring/decimal"

	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/pkg/errors"
)

// MatchingConfig holds the criteria used to select candidates. Each flag
// switches one criterion on; with every flag on (the default) a candidate must
// sit on the target account, share the bank line date, carry the same numeric
// reference and have a residual within Tolerance of the bank amount.
type MatchingConfig struct {
	// TargetAccountID is the account candidates must be booked on.
	TargetAccountID int64

	// Tolerance is the largest accepted absolute difference between the bank
	// amount and a candidate's residual. The bound is inclusive.
	Tolerance decimal.Decimal

	// MatchPaymentRef adds a ref clause with the numeric part of the payment
	// reference. References without any usable token add no clause.
	MatchPaymentRef bool

	// MatchDate restricts candidates to the bank line date.
	MatchDate bool

	// MatchAmount applies the tolerance check. When off, every candidate is a match.
	MatchAmount bool

	// MatchAccount restricts candidates to TargetAccountID.
	MatchAccount bool
}

// DefaultMatchingConfig enables every criterion with a zero tolerance.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		Tolerance:       decimal.Zero,
		MatchPaymentRef: true,
		MatchDate:       true,
		MatchAmount:     true,
		MatchAccount:    true,
	}
}

// ConfigFrom extracts the matching criteria from a reconciliation config.
func ConfigFrom(cfg *models.ReconciliationConfig) *MatchingConfig {
	return &MatchingConfig{
		TargetAccountID: cfg.TargetAccountID,
		Tolerance:       cfg.Tolerance,
		MatchPaymentRef: cfg.MatchPaymentRef,
		MatchDate:       cfg.MatchDate,
		MatchAmount:     cfg.MatchAmount,
		MatchAccount:    cfg.MatchAccount,
	}
}

// Validate checks the configuration for consistency.
func (c *MatchingConfig) Validate() error {
	if c.Tolerance.IsNegative() {
		return errors.ValidationError(errors.CodeOutOfRange, "tolerance", c.Tolerance.String(), nil)
	}
	if c.MatchAccount && c.TargetAccountID <= 0 {
		return errors.ValidationError(errors.CodeOutOfRange, "target_account_id", c.TargetAccountID, nil)
	}
	return nil
}
