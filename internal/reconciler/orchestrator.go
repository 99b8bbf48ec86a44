// Package reconciler runs bank reconciliations against the remote ledger.
//
// A run authenticates once, loads the unreconciled bank lines of a journal in
// a date range and processes them one at a time:
//  1. the candidate matcher searches ledger lines and applies the tolerance check
//  2. on a unique match the saga rewires the counterpart, links the lines and
//     marks the bank line reconciled
//  3. one outcome is recorded per line
//
// Failures inside a saga are logged and recorded per step. Any other failure
// (authentication, transport, an exhausted rate limit, a missing record)
// stops the run; the outcomes gathered so far are returned with the error.
//
// Example usage:
//
//	gw := gateway.New(gateway.Options{Logger: log, Metrics: m})
//	orchestrator := reconciler.NewOrchestrator(reconciler.GatewayConnector(gw), reconciler.Options{
//		Locker: locker,
//		Logger: log,
//	})
//	orchestrator.AddProgressCallback(func(p *reconciler.RunProgress) {
//		fmt.Printf("%d/%d lines\n", p.Processed, p.Total)
//	})
//
//	report, err := orchestrator.Run(ctx, cfg)
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"golang-reconciliation-service/internal/matcher"
	"golang-reconciliation-service/internal/metrics"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/internal/runlock"
	"golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"
)

// DefaultLockTTL bounds how long a crashed run can block the next one.
const DefaultLockTTL = 30 * time.Minute

// RunReport is the result of one run. On failure it holds the outcomes
// produced before the run stopped.
type RunReport struct {
	RunID      string                         `json:"run_id"`
	ConfigName string                         `json:"config_name"`
	Found      int                            `json:"found"`
	Outcomes   []models.ReconciliationOutcome `json:"lines"`
	Summary    models.RunSummary              `json:"summary"`
	FinishedAt time.Time                      `json:"finished_at"`
	Error      string                         `json:"error,omitempty"`
}

// Completed reports whether every found line produced an outcome.
func (r *RunReport) Completed() bool {
	return r.Error == "" && len(r.Outcomes) == r.Found
}

// RunProgress tracks a run while it is in flight.
type RunProgress struct {
	RunID      string        `json:"run_id"`
	Total      int           `json:"total"`
	Processed  int           `json:"processed"`
	Reconciled int           `json:"reconciled"`
	Elapsed    time.Duration `json:"elapsed"`
}

// ProgressCallback is called after each processed bank line.
type ProgressCallback func(*RunProgress)

// Options configures an Orchestrator. Zero values fall back to defaults.
type Options struct {
	Locker           runlock.Locker
	LockTTL          time.Duration
	Logger           logger.Logger
	Metrics          *metrics.Metrics
	ProgressInterval time.Duration
}

// Orchestrator runs reconciliations, one bank line at a time.
type Orchestrator struct {
	connect          Connector
	locker           runlock.Locker
	lockTTL          time.Duration
	logger           logger.Logger
	metrics          *metrics.Metrics
	progressInterval time.Duration

	progressCallbacks []ProgressCallback
	progressMutex     sync.Mutex
}

func NewOrchestrator(connect Connector, opts Options) *Orchestrator {
	o := &Orchestrator{
		connect:          connect,
		locker:           opts.Locker,
		lockTTL:          opts.LockTTL,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		progressInterval: opts.ProgressInterval,
	}
	if o.locker == nil {
		o.locker = runlock.NoopLocker{}
	}
	if o.lockTTL <= 0 {
		o.lockTTL = DefaultLockTTL
	}
	if o.logger == nil {
		o.logger = logger.GetGlobalLogger()
	}
	o.logger = o.logger.WithComponent("orchestrator")
	return o
}

// AddProgressCallback adds a progress callback function
func (o *Orchestrator) AddProgressCallback(callback ProgressCallback) {
	o.progressMutex.Lock()
	defer o.progressMutex.Unlock()
	o.progressCallbacks = append(o.progressCallbacks, callback)
}

// Run reconciles the bank lines selected by cfg. Lines are processed
// sequentially and the first run-level error stops the run.
func (o *Orchestrator) Run(ctx context.Context, cfg *models.ReconciliationConfig) (report *RunReport, err error) {
	started := time.Now()
	report = &RunReport{
		RunID:      uuid.NewString(),
		ConfigName: cfg.Name,
		Outcomes:   []models.ReconciliationOutcome{},
		Summary:    models.RunSummary{StartedAt: started},
	}
	log := o.logger.WithFields(logger.Fields{
		"run_id": report.RunID,
		"config": cfg.Name,
	})

	defer func() {
		report.FinishedAt = time.Now()
		report.Summary.Duration = report.FinishedAt.Sub(started)
		if err != nil {
			report.Error = err.Error()
		}
		o.metrics.ObserveRun(cfg.Name, report.Summary.Duration, err)
	}()

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid reconciliation config")
		return report, err
	}

	lock, err := o.locker.Acquire(ctx, cfg.LockKey(), o.lockTTL)
	if err != nil {
		log.WithError(err).Error("could not acquire run lock")
		return report, errors.ReconciliationError(errors.CodeRunLocked, cfg.LockKey(), err)
	}
	defer func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil {
			log.WithError(releaseErr).Warn("could not release run lock")
		}
	}()

	ledger, err := o.connect(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("could not connect to the accounting service")
		return report, err
	}
	defer ledger.Close()

	lines, err := ledger.BankLines(ctx, BankLineDomain(cfg))
	if err != nil {
		log.WithError(err).Error("could not load bank lines")
		return report, err
	}
	report.Found = len(lines)
	log.WithField("found", report.Found).Debug("bank lines loaded")

	m := matcher.NewCandidateMatcher(matcher.ConfigFrom(cfg), ledger, log)
	saga := NewSaga(ledger, cfg, log, o.metrics)

	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation:   "reconcile " + cfg.Name,
		Total:       int64(len(lines)),
		LogInterval: o.progressInterval,
		Logger:      log,
	})

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			tracker.CompleteWithError(err)
			return report, err
		}
		select {
		case <-lock.Lost():
			err := errors.ReconciliationError(errors.CodeLockLost, cfg.LockKey(), runlock.ErrNotOwner)
			log.WithError(err).WithField("line_id", line.ID).Error("reconciliation run aborted")
			tracker.CompleteWithError(err)
			return report, err
		default:
		}

		outcome, err := o.processLine(ctx, m, saga, line)
		if err != nil {
			log.WithError(err).WithField("line_id", line.ID).Error("reconciliation run aborted")
			tracker.CompleteWithError(err)
			return report, err
		}

		report.Outcomes = append(report.Outcomes, outcome)
		report.Summary.Add(outcome)
		o.metrics.ObserveLine(outcome.Reconciled)
		tracker.Increment()
		o.notifyProgress(report, tracker.Stats())
	}

	tracker.Complete()
	return report, nil
}

// processLine matches one bank line and runs the saga on a unique match. The
// outcome is logged by the caller through the reporter.
func (o *Orchestrator) processLine(ctx context.Context, m *matcher.CandidateMatcher, saga *Saga, line models.BankStatementLine) (models.ReconciliationOutcome, error) {
	result, err := m.Match(ctx, line)
	if err != nil {
		return models.ReconciliationOutcome{}, err
	}

	outcome := models.ReconciliationOutcome{
		LineID:     line.ID,
		PaymentRef: line.PaymentRef,
		Found:      len(result.Candidates),
		Matches:    len(result.Matches),
		Message:    notReconciledMessage(line.ID),
	}

	match, ok := result.Unique()
	if ok {
		sagaResult, err := saga.Execute(ctx, line, *match)
		if err != nil {
			return outcome, err
		}
		outcome.Saga = sagaResult.Report()
		if sagaResult.Reconciled {
			outcome.Reconciled = true
			outcome.Message = reconciledMessage(line.ID)
		} else if step, ok := sagaResult.Step(StepMarkReconciled); ok && step.Err != nil {
			outcome.Message = fmt.Sprintf("%s Marking the bank line failed: %v", notReconciledMessage(line.ID), step.Err)
		}
	}

	return outcome, nil
}

func (o *Orchestrator) notifyProgress(report *RunReport, stats logger.ProgressStats) {
	o.progressMutex.Lock()
	callbacks := append([]ProgressCallback(nil), o.progressCallbacks...)
	o.progressMutex.Unlock()

	if len(callbacks) == 0 {
		return
	}
	progress := &RunProgress{
		RunID:      report.RunID,
		Total:      report.Found,
		Processed:  len(report.Outcomes),
		Reconciled: report.Summary.Reconciled,
		Elapsed:    stats.Duration,
	}
	for _, callback := range callbacks {
		callback(progress)
	}
}

func reconciledMessage(lineID int64) string {
	return fmt.Sprintf("Line %d reconciled.", lineID)
}

func notReconciledMessage(lineID int64) string {
	return fmt.Sprintf("Line %d NOT reconciled.", lineID)
}
