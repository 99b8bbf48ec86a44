package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format the accounting service uses for date fields.
const DateLayout = "2006-01-02"

// Many2One is a relational value as returned by the remote service: an id and
// its display name, or nothing when the remote sends false.
type Many2One struct {
	ID   int64
	Name string
}

// IsSet reports whether the relation points at a record.
func (m Many2One) IsSet() bool {
	return m.ID != 0
}

// String returns a string representation of the relation
func (m Many2One) String() string {
	if !m.IsSet() {
		return "<none>"
	}
	return fmt.Sprintf("%d:%s", m.ID, m.Name)
}

// BankStatementLine is one unreconciled bank transaction awaiting a ledger match.
type BankStatementLine struct {
	ID           int64           `json:"id" mapstructure:"id"`
	PaymentRef   string          `json:"payment_ref" mapstructure:"payment_ref"`
	Date         time.Time       `json:"date" mapstructure:"date"`
	Amount       decimal.Decimal `json:"amount" mapstructure:"amount"`
	IsReconciled bool            `json:"is_reconciled" mapstructure:"is_reconciled"`
	Move         Many2One        `json:"move_id" mapstructure:"move_id"`
}

// String returns a string representation of the BankStatementLine
func (l *BankStatementLine) String() string {
	return fmt.Sprintf("BankStatementLine{ID: %d, Ref: %q, Amount: %s, Date: %s}",
		l.ID, l.PaymentRef, l.Amount.String(), l.Date.Format(DateLayout))
}

// JournalEntry is an accounting move and the ordered ids of its lines.
type JournalEntry struct {
	ID      int64   `json:"id" mapstructure:"id"`
	LineIDs []int64 `json:"line_ids" mapstructure:"line_ids"`
}

// LedgerLine is one leg of a journal entry (an accounting move line).
type LedgerLine struct {
	ID             int64           `json:"id" mapstructure:"id"`
	Ref            string          `json:"ref" mapstructure:"ref"`
	Name           string          `json:"name" mapstructure:"name"`
	Date           time.Time       `json:"date" mapstructure:"date"`
	AmountResidual decimal.Decimal `json:"amount_residual" mapstructure:"amount_residual"`
	Account        Many2One        `json:"account_id" mapstructure:"account_id"`
	Partner        Many2One        `json:"partner_id" mapstructure:"partner_id"`
	Debit          decimal.Decimal `json:"debit" mapstructure:"debit"`
	Credit         decimal.Decimal `json:"credit" mapstructure:"credit"`
}

// String returns a string representation of the LedgerLine
func (l *LedgerLine) String() string {
	return fmt.Sprintf("LedgerLine{ID: %d, Ref: %q, Residual: %s, Account: %s, Partner: %s}",
		l.ID, l.Ref, l.AmountResidual.String(), l.Account, l.Partner)
}

// LedgerLineUpdate carries the fields the saga rewrites on a ledger line.
type LedgerLineUpdate struct {
	AccountID int64
	PartnerID int64
	Name      string
}

// Values renders the update as the field map expected by a remote write.
// Partner and name are only sent when set, so a match without a partner
// leaves the line's partner untouched.
func (u LedgerLineUpdate) Values() map[string]interface{} {
	values := map[string]interface{}{
		"account_id": u.AccountID,
	}
	if u.PartnerID > 0 {
		values["partner_id"] = u.PartnerID
	}
	if u.Name != "" {
		values["name"] = u.Name
	}
	return values
}

// ReconciliationOutcome is the per bank line result handed to the log collaborator.
type ReconciliationOutcome struct {
	LineID     int64       `json:"line_id"`
	PaymentRef string      `json:"payment_ref"`
	Found      int         `json:"encontrados"`
	Matches    int         `json:"coincidencias"`
	Reconciled bool        `json:"conciliado"`
	Message    string      `json:"messages"`
	Saga       *SagaReport `json:"saga,omitempty"`
}

// SagaReport is the flattened view of a saga run attached to an outcome.
type SagaReport struct {
	Steps       []StepReport `json:"steps"`
	LinkOutcome string       `json:"link_outcome"`
}

// StepReport is one saga step as reported.
type StepReport struct {
	Step   string `json:"step"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunSummary aggregates the outcomes of one run.
type RunSummary struct {
	Total        int           `json:"total"`
	Reconciled   int           `json:"reconciled"`
	Unreconciled int           `json:"unreconciled"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Add counts one outcome.
func (s *RunSummary) Add(outcome ReconciliationOutcome) {
	s.Total++
	if outcome.Reconciled {
		s.Reconciled++
	} else {
		s.Unreconciled++
	}
}

// Severity of a user-facing notification.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityDanger  Severity = "danger"
)

// Notification is emitted once per run for the user.
type Notification struct {
	Message  string   `json:"message"`
	Severity Severity `json:"type"`
	Sticky   bool     `json:"sticky"`
}
