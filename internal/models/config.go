package models

import (
	"strconv"
	"strings"
	"time"

	"golang-reconciliation-service/pkg/errors"

	"github.com/shopspring/decimal"
)

// DefaultCounterpartLabel prefixes the name written on rewritten counterpart lines.
const DefaultCounterpartLabel = "Pago de cliente"

// ReconciliationConfig drives one reconciliation run. It is not modified while
// a run is in progress.
type ReconciliationConfig struct {
	Name     string `json:"name" mapstructure:"name"`
	URL      string `json:"url" mapstructure:"url"`
	Database string `json:"db" mapstructure:"db"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"-" mapstructure:"password"`

	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `json:"password_env,omitempty" mapstructure:"password_env"`

	JournalID       int64 `json:"journal_id" mapstructure:"journal_id"`
	TargetAccountID int64 `json:"target_account_id" mapstructure:"target_account_id"`

	StartDate time.Time       `json:"start_date" mapstructure:"start_date"`
	EndDate   time.Time       `json:"end_date" mapstructure:"end_date"`
	Tolerance decimal.Decimal `json:"tolerance" mapstructure:"tolerance"`

	MatchPaymentRef bool `json:"match_payment_ref" mapstructure:"match_payment_ref"`
	MatchDate       bool `json:"match_date" mapstructure:"match_date"`
	MatchAmount     bool `json:"match_amount" mapstructure:"match_amount"`
	MatchAccount    bool `json:"match_account" mapstructure:"match_account"`

	CreditAccountID int64 `json:"credit_account_id" mapstructure:"credit_account_id"`
	DebitAccountID  int64 `json:"debit_account_id" mapstructure:"debit_account_id"`

	CounterpartLabel string `json:"counterpart_label" mapstructure:"counterpart_label"`
}

// DefaultReconciliationConfig returns a config with every matching criterion enabled.
func DefaultReconciliationConfig() *ReconciliationConfig {
	return &ReconciliationConfig{
		Tolerance:        decimal.Zero,
		MatchPaymentRef:  true,
		MatchDate:        true,
		MatchAmount:      true,
		MatchAccount:     true,
		CounterpartLabel: DefaultCounterpartLabel,
	}
}

// Validate checks required settings and ranges.
func (c *ReconciliationConfig) Validate() error {
	required := map[string]string{
		"url":      c.URL,
		"db":       c.Database,
		"username": c.Username,
		"password": c.Password,
	}
	for _, field := range []string{"url", "db", "username", "password"} {
		if strings.TrimSpace(required[field]) == "" {
			return errors.ValidationError(errors.CodeMissingField, field, nil, nil).
				WithContext("config", c.Name)
		}
	}

	ids := []struct {
		field string
		value int64
	}{
		{"journal_id", c.JournalID},
		{"target_account_id", c.TargetAccountID},
		{"credit_account_id", c.CreditAccountID},
		{"debit_account_id", c.DebitAccountID},
	}
	for _, id := range ids {
		if id.value <= 0 {
			return errors.ValidationError(errors.CodeOutOfRange, id.field, id.value, nil).
				WithContext("config", c.Name)
		}
	}

	if c.StartDate.IsZero() {
		return errors.ValidationError(errors.CodeMissingField, "start_date", nil, nil)
	}
	if c.EndDate.IsZero() {
		return errors.ValidationError(errors.CodeMissingField, "end_date", nil, nil)
	}
	if c.StartDate.After(c.EndDate) {
		return errors.ValidationError(errors.CodeInvalidDate, "start_date",
			c.StartDate.Format(DateLayout), nil).
			WithSuggestion("start_date must not be after end_date")
	}

	if c.Tolerance.IsNegative() {
		return errors.ValidationError(errors.CodeOutOfRange, "tolerance", c.Tolerance.String(), nil).
			WithSuggestion("tolerance must be zero or positive")
	}

	return nil
}

// Label returns the counterpart label prefix, falling back to the default.
func (c *ReconciliationConfig) Label() string {
	if strings.TrimSpace(c.CounterpartLabel) == "" {
		return DefaultCounterpartLabel
	}
	return c.CounterpartLabel
}

// LockKey identifies the remote ledger state a run mutates.
func (c *ReconciliationConfig) LockKey() string {
	return strings.Join([]string{
		strings.TrimRight(c.URL, "/"),
		c.Database,
		strconv.FormatInt(c.TargetAccountID, 10),
	}, "|")
}
