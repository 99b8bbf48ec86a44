package gateway

import (
	"context"

	"golang-reconciliation-service/internal/models"
	recerrors "golang-reconciliation-service/pkg/errors"
)

const (
	ModelBankStatementLine = "account.bank.statement.line"
	ModelMove              = "account.move"
	ModelMoveLine          = "account.move.line"

	MethodSearchRead = "search_read"
	MethodWrite      = "write"
	MethodReconcile  = "reconcile"
)

var (
	bankLineFields   = []string{"id", "payment_ref", "date", "amount", "is_reconciled", "move_id"}
	moveFields       = []string{"id", "line_ids"}
	ledgerLineFields = []string{"id", "ref", "name", "date", "amount_residual", "account_id", "partner_id", "debit", "credit"}
)

// AccountingClient exposes the accounting records the reconciler reads and
// writes. It is bound to one session and routes every call through the
// gateway, so every read and write gets the same retry treatment.
type AccountingClient struct {
	gateway *Gateway
	session *Session
}

func NewAccountingClient(gw *Gateway, session *Session) *AccountingClient {
	return &AccountingClient{gateway: gw, session: session}
}

func (c *AccountingClient) Session() *Session {
	return c.session
}

func (c *AccountingClient) Close() error {
	return c.session.Close()
}

// BankLines returns the bank statement lines matching domain.
func (c *AccountingClient) BankLines(ctx context.Context, domain Domain) ([]models.BankStatementLine, error) {
	return searchRead[models.BankStatementLine](ctx, c, ModelBankStatementLine, domain, bankLineFields)
}

// BankLine re-reads one bank statement line, including its journal entry.
func (c *AccountingClient) BankLine(ctx context.Context, id int64) (*models.BankStatementLine, error) {
	lines, err := searchRead[models.BankStatementLine](ctx, c, ModelBankStatementLine, Where(Eq("id", id)), bankLineFields)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, notFound(ModelBankStatementLine, id)
	}
	return &lines[0], nil
}

// JournalEntry returns an accounting move with its ordered line ids.
func (c *AccountingClient) JournalEntry(ctx context.Context, id int64) (*models.JournalEntry, error) {
	moves, err := searchRead[models.JournalEntry](ctx, c, ModelMove, Where(Eq("id", id)), moveFields)
	if err != nil {
		return nil, err
	}
	if len(moves) == 0 {
		return nil, notFound(ModelMove, id)
	}
	return &moves[0], nil
}

// LedgerLines returns the accounting move lines matching domain.
func (c *AccountingClient) LedgerLines(ctx context.Context, domain Domain) ([]models.LedgerLine, error) {
	return searchRead[models.LedgerLine](ctx, c, ModelMoveLine, domain, ledgerLineFields)
}

func (c *AccountingClient) LedgerLine(ctx context.Context, id int64) (*models.LedgerLine, error) {
	lines, err := c.LedgerLines(ctx, Where(Eq("id", id)))
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, notFound(ModelMoveLine, id)
	}
	return &lines[0], nil
}

func (c *AccountingClient) WriteLedgerLine(ctx context.Context, id int64, update models.LedgerLineUpdate) error {
	_, err := c.gateway.Call(ctx, c.session, ModelMoveLine, MethodWrite,
		[]interface{}{[]interface{}{id}, update.Values()}, nil)
	return err
}

// ReconcileLines links ledger lines so they settle each other.
func (c *AccountingClient) ReconcileLines(ctx context.Context, ids ...int64) error {
	wireIDs := make([]interface{}, len(ids))
	for i, id := range ids {
		wireIDs[i] = id
	}
	_, err := c.gateway.Call(ctx, c.session, ModelMoveLine, MethodReconcile, []interface{}{wireIDs}, nil)
	return err
}

func (c *AccountingClient) MarkBankLineReconciled(ctx context.Context, id int64) error {
	_, err := c.gateway.Call(ctx, c.session, ModelBankStatementLine, MethodWrite,
		[]interface{}{[]interface{}{id}, map[string]interface{}{"is_reconciled": true}}, nil)
	return err
}

func searchRead[T any](ctx context.Context, c *AccountingClient, model string, domain Domain, fields []string) ([]T, error) {
	reply, err := c.gateway.Call(ctx, c.session, model, MethodSearchRead,
		[]interface{}{domain.Wire()}, map[string]interface{}{"fields": fields})
	if err != nil {
		return nil, err
	}

	records, err := models.DecodeRecords[T](reply)
	if err != nil {
		return nil, recerrors.RemoteError(recerrors.CodeUnexpectedReply, model, MethodSearchRead, err)
	}
	return records, nil
}

func notFound(model string, id int64) error {
	return recerrors.RemoteError(recerrors.CodeRecordNotFound, model, MethodSearchRead, nil).
		WithContext("id", id)
}
