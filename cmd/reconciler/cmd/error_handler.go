package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/reporter"
	"golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"

	"github.com/spf13/viper"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
	out     io.Writer
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
		out:     os.Stderr,
	}
}

// HandleError prints err for the user and returns the exit code.
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return h.handleReconcilerError(reconcilerErr)
	}

	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleReconcilerError(err *errors.ReconcilerError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		fmt.Fprintf(h.out, "\nContext:\n")
		for key, value := range err.Context {
			fmt.Fprintf(h.out, "  %s: %v\n", key, value)
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	fmt.Fprintf(h.out, "\n%s\n", getCategoryHelp(err.Category))

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	if isPermissionError(err) {
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check permissions on the output and metrics files\n")
		return 2
	}

	if isDiskFullError(err) {
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	category := gateway.Classify(err)
	fmt.Fprintf(h.out, "Error: %s\n", reporter.FailureMessage(err))
	fmt.Fprintf(h.out, "\n%s\n", getCategoryHelp(category))

	if h.verbose {
		SuggestRecoveryActions(h.out, category)
	}

	return errors.ExitCodeFor(category)
}

// getCategoryHelp returns category-specific help text
func getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and arguments
• Verify configuration file syntax if using --config
• Make sure every password_env variable is exported or listed in the .env file
• Use 'reconciler run --help' to see all available options`

	case errors.CategoryValidation:
		return `Validation error help:
• Check that url, db, username and password are set for every reconciliation
• Verify dates use YYYY-MM-DD and start_date is not after end_date
• Ensure journal and account ids are positive and tolerance is not negative`

	case errors.CategoryAuthentication:
		return `Authentication error help:
• Verify the url, database name, username and password
• Run 'reconciler check' to test the credentials without touching any record`

	case errors.CategoryRateLimit:
		return `Rate limit help:
• The accounting service kept answering 429 Too Many Requests
• Wait a few minutes and run again; already reconciled lines are skipped
• Raise gateway.base_delay or gateway.max_retries in the config file`

	case errors.CategoryProtocol:
		return `Protocol error help:
• Check that the url points to the accounting service and is reachable
• Look at the HTTP status code for proxy or server errors
• Increase gateway.timeout if requests time out`

	case errors.CategoryRemote:
		return `Remote error help:
• The accounting service rejected a call; check the user's access rights
• Verify the journal and account ids exist in the target database`

	case errors.CategoryReconciliation:
		return `Reconciliation error help:
• Another run may hold the lock for the same ledger; wait for it to finish
• Use --lock-ttl or redis.lock_ttl to bound how long a crashed run blocks others`

	default:
		return `For more help:
• Use 'reconciler --help' for general help
• Use 'reconciler run --help' for command-specific help
• Run with --verbose for more detail`
	}
}

// Error detection helpers

func isPermissionError(err error) bool {
	return os.IsPermission(err) ||
		strings.Contains(err.Error(), "permission denied")
}

func isDiskFullError(err error) bool {
	if err == syscall.ENOSPC {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full") ||
		strings.Contains(errStr, "device full")
}

// FormatFileError formats file-related errors with helpful information
func FormatFileError(filePath string, err error) string {
	baseName := filepath.Base(filePath)

	var message strings.Builder
	message.WriteString(fmt.Sprintf("Error with file '%s':\n", baseName))
	message.WriteString(fmt.Sprintf("  Path: %s\n", filePath))
	message.WriteString(fmt.Sprintf("  Error: %v\n", err))

	if os.IsNotExist(err) {
		message.WriteString("  Suggestion: Check that the directory exists\n")
	} else if os.IsPermission(err) {
		message.WriteString("  Suggestion: Check file permissions - you may need write access\n")
	}

	return message.String()
}

// ShowProgressError reports a run that stopped after processing some lines.
func ShowProgressError(w io.Writer, operation string, processed, total int64, err error) {
	fmt.Fprintf(w, "\nReconciliation '%s' stopped after processing %d", operation, processed)
	if total > 0 {
		percentage := float64(processed) / float64(total) * 100
		fmt.Fprintf(w, "/%d lines (%.1f%%)", total, percentage)
	}
	fmt.Fprintf(w, "\nError: %v\n", err)

	fmt.Fprintf(w, "\nLines processed before the failure keep their state on the server.\n")
	fmt.Fprintf(w, "Run again to pick up the remaining lines.\n")
}

// SuggestRecoveryActions suggests actions the user can take to recover from errors
func SuggestRecoveryActions(w io.Writer, category errors.ErrorCategory) {
	fmt.Fprintf(w, "\nRecovery suggestions:\n")

	switch category {
	case errors.CategoryRateLimit:
		fmt.Fprintf(w, "• Schedule runs outside busy hours\n")
		fmt.Fprintf(w, "• Split large date ranges into several reconciliations\n")

	case errors.CategoryProtocol:
		fmt.Fprintf(w, "• Check network connectivity to the accounting service\n")
		fmt.Fprintf(w, "• Retry once the service is healthy\n")

	case errors.CategoryRemote:
		fmt.Fprintf(w, "• Review the server logs for the rejected call\n")
		fmt.Fprintf(w, "• Check record rules and access rights of the user\n")
	}

	fmt.Fprintf(w, "• Use --verbose flag for more detailed error information\n")
}
