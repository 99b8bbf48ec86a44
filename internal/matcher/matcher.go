package matcher

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/pkg/logger"
)

// CandidateSource searches ledger lines. The accounting client implements it.
type CandidateSource interface {
	LedgerLines(ctx context.Context, domain gateway.Domain) ([]models.LedgerLine, error)
}

// MatchResult is the outcome of matching one bank statement line.
type MatchResult struct {
	Line       models.BankStatementLine
	Domain     gateway.Domain
	Candidates []models.LedgerLine
	Matches    []models.LedgerLine
}

// Unique returns the match when exactly one candidate passed the tolerance check.
func (r *MatchResult) Unique() (*models.LedgerLine, bool) {
	if r == nil || len(r.Matches) != 1 {
		return nil, false
	}
	return &r.Matches[0], true
}

func (r *MatchResult) String() string {
	return fmt.Sprintf("MatchResult{Line: %d, Candidates: %d, Matches: %d}",
		r.Line.ID, len(r.Candidates), len(r.Matches))
}

// CandidateMatcher selects reconciliation candidates for bank lines.
type CandidateMatcher struct {
	config *MatchingConfig
	source CandidateSource
	logger logger.Logger
}

// NewCandidateMatcher creates a matcher. A nil config means DefaultMatchingConfig.
func NewCandidateMatcher(config *MatchingConfig, source CandidateSource, log logger.Logger) *CandidateMatcher {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &CandidateMatcher{
		config: config,
		source: source,
		logger: log.WithComponent("matcher"),
	}
}

// BuildDomain returns the candidate search domain for a bank line.
func (m *CandidateMatcher) BuildDomain(line models.BankStatementLine) gateway.Domain {
	var domain gateway.Domain
	if m.config.MatchAccount {
		domain = domain.And(gateway.Eq("account_id", m.config.TargetAccountID))
	}
	if m.config.MatchDate {
		domain = domain.And(gateway.Eq("date", line.Date))
	}
	if m.config.MatchPaymentRef {
		// an empty token would match every line without a ref
		if token := ExtractNumericRef(line.PaymentRef); token != "" {
			domain = domain.And(gateway.Eq("ref", token))
		}
	}
	return domain
}

// WithinTolerance reports whether |residual - amount| <= tolerance.
func (m *CandidateMatcher) WithinTolerance(candidate models.LedgerLine, amount decimal.Decimal) bool {
	return candidate.AmountResidual.Sub(amount).Abs().LessThanOrEqual(m.config.Tolerance)
}

// Filter keeps the candidates that pass the amount criterion.
func (m *CandidateMatcher) Filter(candidates []models.LedgerLine, amount decimal.Decimal) []models.LedgerLine {
	if !m.config.MatchAmount {
		return append([]models.LedgerLine(nil), candidates...)
	}
	var matches []models.LedgerLine
	for _, candidate := range candidates {
		if m.WithinTolerance(candidate, amount) {
			matches = append(matches, candidate)
		}
	}
	return matches
}

// Match searches candidates for line and applies the tolerance check. Search
// errors are returned unmodified.
func (m *CandidateMatcher) Match(ctx context.Context, line models.BankStatementLine) (*MatchResult, error) {
	domain := m.BuildDomain(line)

	candidates, err := m.source.LedgerLines(ctx, domain)
	if err != nil {
		return nil, err
	}

	result := &MatchResult{
		Line:       line,
		Domain:     domain,
		Candidates: candidates,
		Matches:    m.Filter(candidates, line.Amount),
	}

	m.logger.WithFields(logger.Fields{
		"line_id":    line.ID,
		"domain":     domain.String(),
		"candidates": len(result.Candidates),
		"matches":    len(result.Matches),
	}).Debug("candidates evaluated")

	return result, nil
}
