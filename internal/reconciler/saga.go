package reconciler

import (
	"context"
	"fmt"

	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/metrics"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"
)

// Step names one stage of the reconciliation saga.
type Step string

const (
	StepFetchBankLine      Step = "fetch_bank_line"
	StepFetchJournalEntry  Step = "fetch_journal_entry"
	StepSelectCounterpart  Step = "select_counterpart"
	StepRewriteCounterpart Step = "rewrite_counterpart"
	StepLink               Step = "link"
	StepMarkReconciled     Step = "mark_reconciled"
)

// StepStatus is the result of a single step.
type StepStatus string

const (
	StatusOK      StepStatus = "ok"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
)

// StepResult records how one step ended.
type StepResult struct {
	Step   Step
	Status StepStatus
	Detail string
	Err    error
}

// LinkOutcome is the result of the reconcile-link step.
type LinkOutcome int

const (
	// LinkNotAttempted means no child line sat on the matched account.
	LinkNotAttempted LinkOutcome = iota
	// Linked means the remote reconcile call succeeded.
	Linked
	// AlreadyLinked means the service reported the pair as already
	// reconciled. The logical reconciliation holds.
	AlreadyLinked
	// LinkFailed means every attempt failed for another reason.
	LinkFailed
)

func (o LinkOutcome) String() string {
	switch o {
	case LinkNotAttempted:
		return "not_attempted"
	case Linked:
		return "linked"
	case AlreadyLinked:
		return "already_linked"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Counterpart flags recorded by counterpart selection. A debit-side
// counterpart makes the rewrite step overwrite child position 1.
const (
	counterpartCredit = 0
	counterpartDebit  = 1
)

// SagaResult aggregates the steps of one saga run.
type SagaResult struct {
	Steps       []StepResult
	Link        LinkOutcome
	LinkErr     error
	Counterpart int
	Reconciled  bool
}

// Step returns the result of step, if it ran.
func (r *SagaResult) Step(step Step) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == step {
			return s, true
		}
	}
	return StepResult{}, false
}

// Failed returns the steps that failed.
func (r *SagaResult) Failed() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Report flattens the result for the outcome record.
func (r *SagaResult) Report() *models.SagaReport {
	report := &models.SagaReport{LinkOutcome: r.Link.String()}
	for _, s := range r.Steps {
		step := models.StepReport{Step: string(s.Step), Status: string(s.Status)}
		if s.Err != nil {
			step.Error = s.Err.Error()
		}
		report.Steps = append(report.Steps, step)
	}
	return report
}

func (r *SagaResult) record(step Step, status StepStatus, detail string, err error) {
	r.Steps = append(r.Steps, StepResult{Step: step, Status: status, Detail: detail, Err: err})
}

// Saga performs the remote mutations for a uniquely matched bank line. It is
// best effort: steps after the two lookups fail independently, nothing is
// rolled back, and marking the bank line reconciled is always attempted.
type Saga struct {
	ledger  Ledger
	config  *models.ReconciliationConfig
	logger  logger.Logger
	metrics *metrics.Metrics
}

func NewSaga(ledger Ledger, config *models.ReconciliationConfig, log logger.Logger, m *metrics.Metrics) *Saga {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Saga{
		ledger:  ledger,
		config:  config,
		logger:  log.WithComponent("saga"),
		metrics: m,
	}
}

// Execute runs the saga for line and its single match. Only a failure to
// load the bank line or its journal entry is returned as an error; every
// later failure is logged and recorded in the result.
func (s *Saga) Execute(ctx context.Context, line models.BankStatementLine, match models.LedgerLine) (*SagaResult, error) {
	log := s.logger.WithFields(logger.Fields{
		"line_id":  line.ID,
		"match_id": match.ID,
	})
	result := &SagaResult{}

	fresh, err := s.ledger.BankLine(ctx, line.ID)
	if err != nil {
		result.record(StepFetchBankLine, StatusFailed, "", err)
		return result, err
	}
	if !fresh.Move.IsSet() {
		err := errors.RemoteError(errors.CodeUnexpectedReply, gateway.ModelBankStatementLine, gateway.MethodSearchRead, nil).
			WithContext("id", line.ID).
			WithSuggestion("the bank line has no journal entry")
		result.record(StepFetchBankLine, StatusFailed, "", err)
		return result, err
	}
	result.record(StepFetchBankLine, StatusOK, fresh.Move.String(), nil)

	entry, err := s.ledger.JournalEntry(ctx, fresh.Move.ID)
	if err != nil {
		result.record(StepFetchJournalEntry, StatusFailed, "", err)
		return result, err
	}
	result.record(StepFetchJournalEntry, StatusOK, fmt.Sprintf("%d lines", len(entry.LineIDs)), nil)

	last := s.selectCounterpart(ctx, log, entry, match, result)
	s.rewriteCounterpart(ctx, log, line, entry, match, last, result)
	s.link(ctx, log, entry, match, result)
	s.markReconciled(ctx, log, line, result)

	for _, failed := range result.Failed() {
		s.metrics.ObserveStepFailure(string(failed.Step))
	}
	return result, nil
}

// selectCounterpart walks the entry's lines in order and rewrites the first
// one carrying a non-zero debit or credit. It returns the last line read,
// whose debit labels the rewrite step.
func (s *Saga) selectCounterpart(ctx context.Context, log logger.Logger, entry *models.JournalEntry, match models.LedgerLine, result *SagaResult) *models.LedgerLine {
	var (
		last     *models.LedgerLine
		lastErr  error
		selected int64
	)

	for _, id := range entry.LineIDs {
		result.Counterpart = counterpartCredit

		child, err := s.ledger.LedgerLine(ctx, id)
		if err != nil {
			log.WithError(err).WithField("child_id", id).Error("could not read journal entry line")
			lastErr = err
			continue
		}
		last = child

		update, flag, ok := s.counterpartUpdate(child, match)
		if !ok {
			continue
		}
		result.Counterpart = flag

		if err := s.ledger.WriteLedgerLine(ctx, id, update); err != nil {
			log.WithError(err).WithField("child_id", id).Error("could not assign counterpart")
			lastErr = err
			continue
		}
		selected = id
		break
	}

	switch {
	case selected != 0:
		result.record(StepSelectCounterpart, StatusOK, fmt.Sprintf("line %d", selected), nil)
	case lastErr != nil:
		result.record(StepSelectCounterpart, StatusFailed, "", lastErr)
	default:
		result.record(StepSelectCounterpart, StatusSkipped, "no line with a debit or credit", nil)
	}
	return last
}

// counterpartUpdate applies the first matching rule to child. The rules are
// checked in order and the first one wins.
func (s *Saga) counterpartUpdate(child *models.LedgerLine, match models.LedgerLine) (models.LedgerLineUpdate, int, bool) {
	partner := match.Partner.ID
	switch {
	case child.Debit.IsPositive():
		return models.LedgerLineUpdate{AccountID: s.config.DebitAccountID, PartnerID: partner}, counterpartDebit, true
	case child.Debit.IsNegative():
		return models.LedgerLineUpdate{AccountID: s.config.CreditAccountID, PartnerID: partner}, counterpartCredit, true
	case child.Credit.IsPositive():
		return models.LedgerLineUpdate{
			AccountID: s.config.CreditAccountID,
			PartnerID: partner,
			Name:      fmt.Sprintf("%s $%s - %s - ", s.config.Label(), child.Credit.StringFixed(2), match.Partner.Name),
		}, counterpartCredit, true
	case child.Credit.IsNegative():
		return models.LedgerLineUpdate{
			AccountID: s.config.DebitAccountID,
			PartnerID: partner,
			Name:      fmt.Sprintf("%s $%s - %s - ", s.config.Label(), child.Credit.StringFixed(2), match.Partner.Name),
		}, counterpartDebit, true
	default:
		return models.LedgerLineUpdate{}, counterpartCredit, false
	}
}

// rewriteCounterpart overwrites child position 1 when the counterpart was
// found on the debit side.
func (s *Saga) rewriteCounterpart(ctx context.Context, log logger.Logger, line models.BankStatementLine, entry *models.JournalEntry, match models.LedgerLine, last *models.LedgerLine, result *SagaResult) {
	if result.Counterpart != counterpartDebit {
		result.record(StepRewriteCounterpart, StatusSkipped, "counterpart on the credit side", nil)
		return
	}
	if len(entry.LineIDs) < 2 {
		err := fmt.Errorf("journal entry %d has %d lines, no position 1 to rewrite", entry.ID, len(entry.LineIDs))
		log.WithError(err).Error("could not rewrite counterpart")
		result.record(StepRewriteCounterpart, StatusFailed, "", err)
		return
	}

	debit := "0.00"
	if last != nil {
		debit = last.Debit.StringFixed(2)
	}
	target := entry.LineIDs[1]
	update := models.LedgerLineUpdate{
		AccountID: s.config.CreditAccountID,
		PartnerID: match.Partner.ID,
		Name:      fmt.Sprintf("%s $%s - %s - %s", s.config.Label(), debit, match.Partner.Name, line.Date.Format("02/01/2006")),
	}

	if err := s.ledger.WriteLedgerLine(ctx, target, update); err != nil {
		log.WithError(err).WithField("child_id", target).Error("could not rewrite counterpart")
		result.record(StepRewriteCounterpart, StatusFailed, "", err)
		return
	}
	result.record(StepRewriteCounterpart, StatusOK, fmt.Sprintf("line %d", target), nil)
}

// link reconciles the first child on the matched account with the match.
// An already-reconciled answer counts as done; any other failure moves on to
// the next child on that account.
func (s *Saga) link(ctx context.Context, log logger.Logger, entry *models.JournalEntry, match models.LedgerLine, result *SagaResult) {
	result.Link = LinkNotAttempted

	for _, id := range entry.LineIDs {
		child, err := s.ledger.LedgerLine(ctx, id)
		if err != nil {
			log.WithError(err).WithField("child_id", id).Error("could not read journal entry line")
			result.LinkErr = err
			continue
		}
		if child.Account.ID != match.Account.ID {
			continue
		}

		err = s.ledger.ReconcileLines(ctx, id, match.ID)
		switch {
		case err == nil:
			result.Link = Linked
		case gateway.IsAlreadyReconciled(err):
			log.WithField("child_id", id).Info("lines were already reconciled")
			result.Link = AlreadyLinked
		default:
			log.WithError(err).WithField("child_id", id).Error("could not reconcile lines")
			result.Link = LinkFailed
			result.LinkErr = err
			continue
		}
		result.LinkErr = nil
		break
	}

	switch result.Link {
	case Linked, AlreadyLinked:
		result.record(StepLink, StatusOK, result.Link.String(), nil)
	case LinkFailed:
		result.record(StepLink, StatusFailed, result.Link.String(), result.LinkErr)
	default:
		if result.LinkErr != nil {
			result.record(StepLink, StatusFailed, result.Link.String(), result.LinkErr)
			return
		}
		result.record(StepLink, StatusSkipped, "no line on the matched account", nil)
	}
}

func (s *Saga) markReconciled(ctx context.Context, log logger.Logger, line models.BankStatementLine, result *SagaResult) {
	if err := s.ledger.MarkBankLineReconciled(ctx, line.ID); err != nil {
		log.WithError(err).Error("could not mark bank line reconciled")
		result.record(StepMarkReconciled, StatusFailed, "", err)
		return
	}
	result.Reconciled = true
	result.record(StepMarkReconciled, StatusOK, "", nil)
}
