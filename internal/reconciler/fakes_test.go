package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/internal/runlock"
	"golang-reconciliation-service/pkg/errors"
)

type ledgerWrite struct {
	id     int64
	update models.LedgerLineUpdate
}

// fakeLedger is an in-memory ledger. Writes are applied to the stored lines.
// Errors are injected per operation key, e.g. "ledger_line:10" or "reconcile".
type fakeLedger struct {
	bankLines  []models.BankStatementLine
	moves      map[int64]models.JournalEntry
	lines      map[int64]models.LedgerLine
	candidates []models.LedgerLine
	errs       map[string]error

	searches   []gateway.Domain
	writes     []ledgerWrite
	reconciles [][]int64
	marked     []int64
	closed     bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		moves: make(map[int64]models.JournalEntry),
		lines: make(map[int64]models.LedgerLine),
		errs:  make(map[string]error),
	}
}

func (f *fakeLedger) fail(key string) error {
	return f.errs[key]
}

func (f *fakeLedger) BankLines(_ context.Context, domain gateway.Domain) ([]models.BankStatementLine, error) {
	f.searches = append(f.searches, domain)
	if err := f.fail("bank_lines"); err != nil {
		return nil, err
	}
	return f.bankLines, nil
}

func (f *fakeLedger) BankLine(_ context.Context, id int64) (*models.BankStatementLine, error) {
	if err := f.fail(fmt.Sprintf("bank_line:%d", id)); err != nil {
		return nil, err
	}
	for _, line := range f.bankLines {
		if line.ID == id {
			line := line
			return &line, nil
		}
	}
	return nil, errors.RemoteError(errors.CodeRecordNotFound, gateway.ModelBankStatementLine, gateway.MethodSearchRead, nil)
}

func (f *fakeLedger) JournalEntry(_ context.Context, id int64) (*models.JournalEntry, error) {
	if err := f.fail(fmt.Sprintf("move:%d", id)); err != nil {
		return nil, err
	}
	move, ok := f.moves[id]
	if !ok {
		return nil, errors.RemoteError(errors.CodeRecordNotFound, gateway.ModelMove, gateway.MethodSearchRead, nil)
	}
	return &move, nil
}

// LedgerLines serves candidate searches, honouring a ref clause.
func (f *fakeLedger) LedgerLines(_ context.Context, domain gateway.Domain) ([]models.LedgerLine, error) {
	f.searches = append(f.searches, domain)
	if err := f.fail("candidates"); err != nil {
		return nil, err
	}
	ref, hasRef := domain.Value("ref", gateway.OpEq)
	var out []models.LedgerLine
	for _, c := range f.candidates {
		if hasRef && c.Ref != ref {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeLedger) LedgerLine(_ context.Context, id int64) (*models.LedgerLine, error) {
	if err := f.fail(fmt.Sprintf("ledger_line:%d", id)); err != nil {
		return nil, err
	}
	line, ok := f.lines[id]
	if !ok {
		return nil, errors.RemoteError(errors.CodeRecordNotFound, gateway.ModelMoveLine, gateway.MethodSearchRead, nil)
	}
	return &line, nil
}

func (f *fakeLedger) WriteLedgerLine(_ context.Context, id int64, update models.LedgerLineUpdate) error {
	f.writes = append(f.writes, ledgerWrite{id: id, update: update})
	if err := f.fail(fmt.Sprintf("write:%d", id)); err != nil {
		return err
	}
	line := f.lines[id]
	line.Account = models.Many2One{ID: update.AccountID}
	line.Partner = models.Many2One{ID: update.PartnerID}
	if update.Name != "" {
		line.Name = update.Name
	}
	f.lines[id] = line
	return nil
}

func (f *fakeLedger) ReconcileLines(_ context.Context, ids ...int64) error {
	f.reconciles = append(f.reconciles, ids)
	return f.fail("reconcile")
}

func (f *fakeLedger) MarkBankLineReconciled(_ context.Context, id int64) error {
	f.marked = append(f.marked, id)
	return f.fail(fmt.Sprintf("mark:%d", id))
}

func (f *fakeLedger) Close() error {
	f.closed = true
	return nil
}

const (
	targetAccount = 101
	bankAccount   = 300
	debitAccount  = 202
)

func testConfig() *models.ReconciliationConfig {
	cfg := models.DefaultReconciliationConfig()
	cfg.Name = "main bank"
	cfg.URL = "https://erp.example.com"
	cfg.Database = "prod"
	cfg.Username = "bot"
	cfg.Password = "secret"
	cfg.JournalID = 7
	cfg.TargetAccountID = targetAccount
	cfg.CreditAccountID = targetAccount
	cfg.DebitAccountID = debitAccount
	cfg.StartDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cfg.EndDate = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	cfg.Tolerance = decimal.RequireFromString("0.01")
	return cfg
}

func bankLine(id, moveID int64, ref, amount string) models.BankStatementLine {
	return models.BankStatementLine{
		ID:         id,
		PaymentRef: ref,
		Date:       time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Amount:     decimal.RequireFromString(amount),
		Move:       models.Many2One{ID: moveID, Name: fmt.Sprintf("BNK1/%d", moveID)},
	}
}

func candidateLine(id int64, ref, residual string) models.LedgerLine {
	return models.LedgerLine{
		ID:             id,
		Ref:            ref,
		AmountResidual: decimal.RequireFromString(residual),
		Account:        models.Many2One{ID: targetAccount, Name: "Receivable"},
		Partner:        models.Many2One{ID: 55, Name: "Acme SA"},
	}
}

// scenarioLedger holds one bank line (42, "Pago 4521", 1000.00) whose journal
// entry 900 has a debit line 10 on the bank account and a credit line 11, plus
// one candidate 501 with ref 4521 and a residual of 1000.00.
func scenarioLedger() *fakeLedger {
	f := newFakeLedger()
	f.bankLines = []models.BankStatementLine{bankLine(42, 900, "Pago 4521", "1000.00")}
	f.moves[900] = models.JournalEntry{ID: 900, LineIDs: []int64{10, 11}}
	f.lines[10] = models.LedgerLine{
		ID:      10,
		Account: models.Many2One{ID: bankAccount, Name: "Bank"},
		Debit:   decimal.RequireFromString("1000.00"),
	}
	f.lines[11] = models.LedgerLine{
		ID:      11,
		Account: models.Many2One{ID: 400, Name: "Suspense"},
		Credit:  decimal.RequireFromString("1000.00"),
	}
	f.candidates = []models.LedgerLine{candidateLine(501, "4521", "1000.00")}
	return f
}

type stubLocker struct {
	err      error
	lost     chan struct{}
	acquired []string
	released int
}

func (s *stubLocker) Acquire(_ context.Context, key string, _ time.Duration) (runlock.Lock, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.acquired = append(s.acquired, key)
	return stubLock{s}, nil
}

type stubLock struct{ locker *stubLocker }

func (l stubLock) Lost() <-chan struct{} { return l.locker.lost }

func (l stubLock) Release(context.Context) error {
	l.locker.released++
	return nil
}
