package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-reconciliation-service/cmd/reconciler/config"
	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/metrics"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/internal/reconciler"
	"golang-reconciliation-service/internal/reporter"
	"golang-reconciliation-service/internal/runlock"
	recerrors "golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"
)

// Flags for the run command
var (
	runNames     []string
	outputFormat string
	outputFile   string
	metricsFile  string
	redisAddr    string
	lockTTL      time.Duration
	showProgress bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile bank statement lines against the remote ledger",
	Long: `Run processes every configured reconciliation in order. For each one it
authenticates, loads the unreconciled bank lines of the journal in the date
range and reconciles each line that has exactly one matching ledger line.

A failure stops the reconciliation it happened in; the remaining
reconciliations still run. The exit code reflects the first failure.

Examples:
  # All configured reconciliations
  reconciler run --config reconciler.yaml

  # One reconciliation, JSON report to a file
  reconciler run --config reconciler.yaml --name "main bank" \
    --output-format json --output-file report.json

  # Guard against concurrent runs and export metrics for node_exporter
  reconciler run --config reconciler.yaml --redis-addr localhost:6379 \
    --metrics-file /var/lib/node_exporter/reconciler.prom`,

	PreRunE: validateRunFlags,
	RunE:    runReconciliations,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVarP(&runNames, "name", "n", nil, "reconciliation names to run (default: all)")

	// Output flags
	runCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	runCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")
	runCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")

	// Locking flags
	runCmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for the run lock (default: redis.addr from config, empty disables locking)")
	runCmd.Flags().DurationVar(&lockTTL, "lock-ttl", reconciler.DefaultLockTTL, "expiry of the run lock")

	// UI flags
	runCmd.Flags().BoolVar(&showProgress, "progress", false, "show progress indicators")

	// Bind flags to viper
	viper.BindPFlag("output-format", runCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("output-file", runCmd.Flags().Lookup("output-file"))
	viper.BindPFlag("metrics-file", runCmd.Flags().Lookup("metrics-file"))
	viper.BindPFlag("progress", runCmd.Flags().Lookup("progress"))
}

func validateRunFlags(cmd *cobra.Command, args []string) error {
	// Get values from viper (allows override from config file)
	outputFormat = viper.GetString("output-format")
	outputFile = viper.GetString("output-file")
	metricsFile = viper.GetString("metrics-file")
	showProgress = viper.GetBool("progress")

	validFormats := map[string]bool{"console": true, "json": true, "csv": true}
	if !validFormats[outputFormat] {
		return fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", outputFormat)
	}

	if lockTTL < 0 {
		return fmt.Errorf("lock ttl cannot be negative")
	}

	for _, path := range []string{outputFile, metricsFile} {
		if path == "" {
			continue
		}
		dir := filepath.Dir(path)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}

	return nil
}

// runEnvironment holds the collaborators of a batch of runs.
type runEnvironment struct {
	connect  reconciler.Connector
	locker   runlock.Locker
	lockTTL  time.Duration
	metrics  *metrics.Metrics
	logger   logger.Logger
	progress io.Writer
	notify   io.Writer
}

func runReconciliations(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.GetGlobalLogger().WithComponent("cli")

	appCfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	configs, err := appCfg.Select(runNames)
	if err != nil {
		return err
	}

	m := metrics.New()
	policy := appCfg.RetryPolicy()
	gw := gateway.New(gateway.Options{
		RetryPolicy: &policy,
		Timeout:     appCfg.Gateway.Timeout,
		Logger:      logger.GetGlobalLogger(),
		Metrics:     m,
	})

	env := &runEnvironment{
		connect: reconciler.GatewayConnector(gw),
		locker:  runlock.NoopLocker{},
		lockTTL: appCfg.Redis.LockTTL,
		metrics: m,
		logger:  log,
		notify:  cmd.ErrOrStderr(),
	}
	if cmd.Flags().Changed("lock-ttl") || env.lockTTL <= 0 {
		env.lockTTL = lockTTL
	}
	if showProgress {
		env.progress = cmd.ErrOrStderr()
	}

	addr := appCfg.Redis.Addr
	if cmd.Flags().Changed("redis-addr") {
		addr = redisAddr
	}
	if addr != "" {
		locker := runlock.NewRedisLockerFromAddr(addr, appCfg.Redis.Password, appCfg.Redis.DB, logger.GetGlobalLogger())
		defer locker.Close()
		env.locker = locker
	}

	log.WithFields(logger.Fields{
		"reconciliations": len(configs),
		"max_retries":     policy.MaxRetries,
		"base_delay":      policy.BaseDelay.String(),
		"locking":         addr != "",
	}).Debug("Starting reconciliation batch")

	reports, runErr := executeRuns(ctx, env, configs)

	if err := writeReports(reports, log); err != nil && runErr == nil {
		runErr = err
	}

	if metricsFile != "" {
		if err := m.WriteTextfile(metricsFile); err != nil {
			log.WithError(err).WithField("path", metricsFile).Warn("could not write metrics textfile")
		}
	}

	return runErr
}

// executeRuns runs each config in order. A failed run does not stop the
// following ones; the first error is returned. A cancelled context stops
// the batch.
func executeRuns(ctx context.Context, env *runEnvironment, configs []*models.ReconciliationConfig) ([]*reconciler.RunReport, error) {
	orchestrator := reconciler.NewOrchestrator(env.connect, reconciler.Options{
		Locker:  env.locker,
		LockTTL: env.lockTTL,
		Logger:  env.logger,
		Metrics: env.metrics,
	})
	if env.progress != nil {
		orchestrator.AddProgressCallback(func(p *reconciler.RunProgress) {
			fmt.Fprintf(env.progress, "\r[%d/%d] %d reconciled", p.Processed, p.Total, p.Reconciled)
		})
	}

	var (
		reports  []*reconciler.RunReport
		failures []*recerrors.ReconcilerError
		firstErr error
	)
	for _, cfg := range configs {
		report, err := orchestrator.Run(ctx, cfg)
		if env.progress != nil && report.Found > 0 {
			fmt.Fprintf(env.progress, "\n")
		}

		reporter.Emit(env.logger, reporter.LogRecords(report, err))
		notification := reporter.NotificationFor(report, err)
		printNotification(env.notify, cfg.Name, notification)

		reports = append(reports, report)
		if err != nil {
			if viper.GetBool("verbose") {
				ShowProgressError(env.notify, cfg.Name, int64(len(report.Outcomes)), int64(report.Found), err)
			}
			if firstErr == nil {
				firstErr = err
			}
			failures = append(failures, recerrors.WrapIfNeeded(err, gateway.Classify(err),
				recerrors.CodeUnexpectedError, "reconciliation "+cfg.Name+" failed"))
			if ctx.Err() != nil {
				break
			}
		}
	}

	if len(failures) > 1 {
		summary := recerrors.NewErrorSummary(failures)
		env.logger.WithField("by_category", summary.ByCategory).Warn(summary.Error())
	}
	return reports, firstErr
}

func printNotification(w io.Writer, name string, n models.Notification) {
	if w == nil {
		return
	}
	marker := "OK"
	if n.Severity == models.SeverityDanger {
		marker = "FAILED"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", marker, name, n.Message)
}

func writeReports(reports []*reconciler.RunReport, log logger.Logger) error {
	if len(reports) == 0 {
		return nil
	}

	generator, err := reporter.NewSafeReportGenerator(config.CreateReportConfig(outputFormat, viper.GetBool("verbose")), log)
	if err != nil {
		return err
	}

	var output *os.File
	if outputFile != "" {
		output, err = os.Create(outputFile)
		if err != nil {
			fmt.Fprint(os.Stderr, FormatFileError(outputFile, err))
			return err
		}
		defer output.Close()
	} else {
		output = os.Stdout
	}

	return logger.TimedOperation("write "+outputFormat+" report", log, func() error {
		return generator.GenerateReportSafely(reports, output)
	})
}
