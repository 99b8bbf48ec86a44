// Package reporter turns reconciliation runs into output.
//
// A run produces log records, a notification for the user and, on demand, a
// rendered report. Reports come in three formats:
//   - Console: human-readable summary and line table for the terminal
//   - JSON: the run report for programmatic consumption
//   - CSV: one row per bank line for spreadsheets
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{
//		Format:           reporter.FormatJSON,
//		IncludeLines:     true,
//		IncludeSagaSteps: true,
//	})
//	err = generator.GenerateReport(runReport, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/internal/reconciler"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// Detail level options
	IncludeLines     bool `json:"include_lines"`
	IncludeSagaSteps bool `json:"include_saga_steps"`
	OnlyUnreconciled bool `json:"only_unreconciled"`

	// Console formatting options
	TableMaxWidth int `json:"table_max_width"`
	MaxLines      int `json:"max_lines"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`

	SortByLineID bool `json:"sort_by_line_id"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:           FormatConsole,
		IncludeLines:     true,
		IncludeSagaSteps: false,
		OnlyUnreconciled: false,
		TableMaxWidth:    120,
		MaxLines:         50,
		CSVDelimiter:     ',',
		CSVHeaders:       true,
		SortByLineID:     false,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}

	if c.TableMaxWidth < 50 {
		return fmt.Errorf("table max width must be at least 50 characters, got %d", c.TableMaxWidth)
	}

	if c.MaxLines < 0 {
		return fmt.Errorf("max lines cannot be negative, got %d", c.MaxLines)
	}

	return nil
}

// ReportGenerator renders run reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &ReportGenerator{
		config: config,
	}, nil
}

// GenerateReport renders one run report to writer.
func (rg *ReportGenerator) GenerateReport(report *reconciler.RunReport, writer io.Writer) error {
	return rg.GenerateReports([]*reconciler.RunReport{report}, writer)
}

// GenerateReports renders the reports of several configurations, in order.
func (rg *ReportGenerator) GenerateReports(reports []*reconciler.RunReport, writer io.Writer) error {
	if len(reports) == 0 {
		return fmt.Errorf("at least one run report is required")
	}
	for _, report := range reports {
		if report == nil {
			return fmt.Errorf("run report cannot be nil")
		}
	}

	switch rg.config.Format {
	case FormatConsole:
		for i, report := range reports {
			if i > 0 {
				fmt.Fprintf(writer, "\n")
			}
			rg.generateConsoleReport(report, writer)
		}
		return nil
	case FormatJSON:
		return rg.generateJSONReport(reports, writer)
	case FormatCSV:
		return rg.generateCSVReport(reports, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func (rg *ReportGenerator) generateConsoleReport(report *reconciler.RunReport, writer io.Writer) {
	fmt.Fprintf(writer, "RECONCILIATION REPORT: %s\n", report.ConfigName)
	fmt.Fprintf(writer, "Run: %s\n", report.RunID)
	fmt.Fprintf(writer, "Finished: %s\n", report.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "Duration: %v\n\n", report.Summary.Duration)

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	rg.printSummaryTable(report, writer)
	fmt.Fprintf(writer, "\n")

	if report.Error != "" {
		fmt.Fprintf(writer, "=== RUN FAILED ===\n")
		fmt.Fprintf(writer, "%s\n", rg.truncate(report.Error))
		fmt.Fprintf(writer, "Processed %d of %d lines before stopping.\n\n", len(report.Outcomes), report.Found)
	}

	lines := rg.selectLines(report)
	if rg.config.IncludeLines && len(lines) > 0 {
		fmt.Fprintf(writer, "=== BANK LINES ===\n")
		rg.printLineTable(lines, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeSagaSteps {
		failures := rg.collectStepFailures(lines)
		if len(failures) > 0 {
			fmt.Fprintf(writer, "=== SAGA STEP FAILURES ===\n")
			for _, failure := range failures {
				fmt.Fprintf(writer, "  - %s\n", rg.truncate(failure))
			}
			fmt.Fprintf(writer, "\n")
		}
	}
}

func (rg *ReportGenerator) generateJSONReport(reports []*reconciler.RunReport, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if len(reports) == 1 {
		return encoder.Encode(rg.filterReportForOutput(reports[0]))
	}
	output := make([]map[string]interface{}, 0, len(reports))
	for _, report := range reports {
		output = append(output, rg.filterReportForOutput(report))
	}
	return encoder.Encode(output)
}

func (rg *ReportGenerator) generateCSVReport(reports []*reconciler.RunReport, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		headers := []string{
			"Config",
			"Run_ID",
			"Line_ID",
			"Payment_Ref",
			"Candidates",
			"Matches",
			"Reconciled",
			"Link_Outcome",
			"Message",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, report := range reports {
		for _, outcome := range rg.selectLines(report) {
			linkOutcome := ""
			if outcome.Saga != nil {
				linkOutcome = outcome.Saga.LinkOutcome
			}
			record := []string{
				report.ConfigName,
				report.RunID,
				strconv.FormatInt(outcome.LineID, 10),
				outcome.PaymentRef,
				strconv.Itoa(outcome.Found),
				strconv.Itoa(outcome.Matches),
				strconv.FormatBool(outcome.Reconciled),
				linkOutcome,
				outcome.Message,
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write line record: %w", err)
			}
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printSummaryTable(report *reconciler.RunReport, writer io.Writer) {
	summary := report.Summary
	fmt.Fprintf(writer, "Bank lines found: %d\n", report.Found)
	fmt.Fprintf(writer, "  Processed:      %d\n", summary.Total)
	fmt.Fprintf(writer, "  Reconciled:     %d (%.1f%%)\n",
		summary.Reconciled,
		rg.calculatePercentage(summary.Reconciled, summary.Total))
	fmt.Fprintf(writer, "  Not reconciled: %d (%.1f%%)\n",
		summary.Unreconciled,
		rg.calculatePercentage(summary.Unreconciled, summary.Total))
}

func (rg *ReportGenerator) printLineTable(lines []models.ReconciliationOutcome, writer io.Writer) {
	fmt.Fprintf(writer, "%-10s %-24s %10s %8s %-10s %s\n", "LINE", "PAYMENT REF", "CANDIDATES", "MATCHES", "STATUS", "MESSAGE")
	for i, outcome := range lines {
		status := "open"
		if outcome.Reconciled {
			status = "reconciled"
		}
		row := fmt.Sprintf("%-10d %-24s %10d %8d %-10s %s",
			outcome.LineID,
			rg.clip(outcome.PaymentRef, 24),
			outcome.Found,
			outcome.Matches,
			status,
			outcome.Message)
		fmt.Fprintf(writer, "%s\n", rg.truncate(row))

		if rg.config.MaxLines > 0 && i+1 >= rg.config.MaxLines && len(lines) > rg.config.MaxLines {
			fmt.Fprintf(writer, "... and %d more\n", len(lines)-rg.config.MaxLines)
			break
		}
	}
}

func (rg *ReportGenerator) collectStepFailures(lines []models.ReconciliationOutcome) []string {
	var failures []string
	for _, outcome := range lines {
		if outcome.Saga == nil {
			continue
		}
		for _, step := range outcome.Saga.Steps {
			if step.Error == "" {
				continue
			}
			failures = append(failures, fmt.Sprintf("line %d, %s: %s", outcome.LineID, step.Step, step.Error))
		}
	}
	return failures
}

// Helper methods

func (rg *ReportGenerator) selectLines(report *reconciler.RunReport) []models.ReconciliationOutcome {
	lines := make([]models.ReconciliationOutcome, 0, len(report.Outcomes))
	for _, outcome := range report.Outcomes {
		if rg.config.OnlyUnreconciled && outcome.Reconciled {
			continue
		}
		lines = append(lines, outcome)
	}
	if rg.config.SortByLineID {
		sort.SliceStable(lines, func(i, j int) bool {
			return lines[i].LineID < lines[j].LineID
		})
	}
	return lines
}

func (rg *ReportGenerator) calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func (rg *ReportGenerator) truncate(s string) string {
	return rg.clip(s, rg.config.TableMaxWidth)
}

func (rg *ReportGenerator) clip(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return strings.TrimRight(s[:width-3], " ") + "..."
}

func (rg *ReportGenerator) filterReportForOutput(report *reconciler.RunReport) map[string]interface{} {
	output := map[string]interface{}{
		"run_id":      report.RunID,
		"config_name": report.ConfigName,
		"found":       report.Found,
		"summary":     report.Summary,
		"finished_at": report.FinishedAt,
	}

	if report.Error != "" {
		output["error"] = report.Error
	}

	if rg.config.IncludeLines {
		lines := rg.selectLines(report)
		if !rg.config.IncludeSagaSteps {
			for i := range lines {
				lines[i].Saga = nil
			}
		}
		output["lines"] = lines
	}

	return output
}
