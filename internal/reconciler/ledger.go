package reconciler

import (
	"context"

	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/matcher"
	"golang-reconciliation-service/internal/models"
)

// Ledger is the remote accounting surface a run needs.
// *gateway.AccountingClient implements it.
type Ledger interface {
	matcher.CandidateSource

	BankLines(ctx context.Context, domain gateway.Domain) ([]models.BankStatementLine, error)
	BankLine(ctx context.Context, id int64) (*models.BankStatementLine, error)
	JournalEntry(ctx context.Context, id int64) (*models.JournalEntry, error)
	LedgerLine(ctx context.Context, id int64) (*models.LedgerLine, error)
	WriteLedgerLine(ctx context.Context, id int64, update models.LedgerLineUpdate) error
	ReconcileLines(ctx context.Context, ids ...int64) error
	MarkBankLineReconciled(ctx context.Context, id int64) error
}

// LedgerSession is a Ledger bound to an authenticated session.
type LedgerSession interface {
	Ledger
	Close() error
}

// Connector authenticates against the endpoint of cfg and returns a session.
type Connector func(ctx context.Context, cfg *models.ReconciliationConfig) (LedgerSession, error)

// GatewayConnector connects through the XML-RPC gateway.
func GatewayConnector(gw *gateway.Gateway) Connector {
	return func(ctx context.Context, cfg *models.ReconciliationConfig) (LedgerSession, error) {
		session, err := gw.Authenticate(ctx, gateway.Credentials{
			Endpoint: cfg.URL,
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			return nil, err
		}
		return gateway.NewAccountingClient(gw, session), nil
	}
}

// BankLineDomain selects the unreconciled bank lines of the journal in the
// configured date range.
func BankLineDomain(cfg *models.ReconciliationConfig) gateway.Domain {
	return gateway.Where(
		gateway.Eq("journal_id", cfg.JournalID),
		gateway.Eq("is_reconciled", false),
	).And(gateway.Between("date", cfg.StartDate, cfg.EndDate)...)
}
