package reporter

import (
	"errors"
	"fmt"

	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/internal/reconciler"
	"golang-reconciliation-service/pkg/logger"
)

// RateLimitExhaustedMessage is shown when the service kept answering 429
// after every retry.
const RateLimitExhaustedMessage = "The accounting service answered 429 Too Many Requests " +
	"even after retrying. Try again in a few minutes."

// LogRecord is one entry for the reconciliation log. Summary records carry
// only a message.
type LogRecord struct {
	ConfigName string `json:"config_name"`
	Summary    bool   `json:"is_summary"`
	LineID     int64  `json:"line_id,omitempty"`
	PaymentRef string `json:"payment_ref,omitempty"`
	Found      int    `json:"encontrados"`
	Matches    int    `json:"coincidencias"`
	Reconciled bool   `json:"conciliado"`
	Message    string `json:"messages"`
}

// LogRecords turns a run into log entries: the number of lines found, one
// record per processed line and the final counts. A failed run yields a
// single summary record carrying the error.
func LogRecords(report *reconciler.RunReport, err error) []LogRecord {
	name := ""
	if report != nil {
		name = report.ConfigName
	}
	if err != nil {
		return []LogRecord{{ConfigName: name, Summary: true, Message: FailureMessage(err)}}
	}
	if report == nil {
		return nil
	}

	records := make([]LogRecord, 0, len(report.Outcomes)+2)
	records = append(records, LogRecord{
		ConfigName: name,
		Summary:    true,
		Message:    fmt.Sprintf("Found %d bank lines to process.", report.Found),
	})
	for _, outcome := range report.Outcomes {
		records = append(records, LogRecord{
			ConfigName: name,
			LineID:     outcome.LineID,
			PaymentRef: outcome.PaymentRef,
			Found:      outcome.Found,
			Matches:    outcome.Matches,
			Reconciled: outcome.Reconciled,
			Message:    outcome.Message,
		})
	}
	records = append(records, LogRecord{
		ConfigName: name,
		Summary:    true,
		Message:    fmt.Sprintf("Reconciled: %d, Not reconciled: %d.", report.Summary.Reconciled, report.Summary.Unreconciled),
	})
	return records
}

// NotificationFor builds the notification shown once per run.
func NotificationFor(report *reconciler.RunReport, err error) models.Notification {
	if err == nil {
		reconciled, unreconciled := 0, 0
		if report != nil {
			reconciled, unreconciled = report.Summary.Reconciled, report.Summary.Unreconciled
		}
		return models.Notification{
			Message:  fmt.Sprintf("Reconciled: %d, Not reconciled: %d", reconciled, unreconciled),
			Severity: models.SeveritySuccess,
		}
	}

	var perr *gateway.ProtocolError
	return models.Notification{
		Message:  FailureMessage(err),
		Severity: models.SeverityDanger,
		Sticky:   errors.As(err, &perr),
	}
}

// FailureMessage describes a failed run for the user.
func FailureMessage(err error) string {
	var perr *gateway.ProtocolError
	if errors.As(err, &perr) {
		if gateway.IsRateLimited(perr) {
			return RateLimitExhaustedMessage
		}
		return fmt.Sprintf("HTTP error while running the reconciliation (code %d): %v", perr.Code, err)
	}
	return fmt.Sprintf("Error while running the reconciliation: %v", err)
}

// Emit writes records to log, one entry each.
func Emit(log logger.Logger, records []LogRecord) {
	for _, record := range records {
		if record.Summary {
			log.WithFields(logger.Fields{
				"config":     record.ConfigName,
				"is_summary": true,
			}).Info(record.Message)
			continue
		}
		log.WithFields(logger.Fields{
			"config":        record.ConfigName,
			"line_id":       record.LineID,
			"payment_ref":   record.PaymentRef,
			"encontrados":   record.Found,
			"coincidencias": record.Matches,
			"conciliado":    record.Reconciled,
		}).Info(record.Message)
	}
}
