package reconciler

import (
	"context"
	"io"
	"os"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/parsers"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"
)

// ImportResult describes one statement import.
type ImportResult struct {
	Scope    string
	Parsed   int
	Imported int
	// Skipped counts lines whose reference was already stored for the scope.
	Skipped    int
	Duplicates []parsers.Duplicate
	Stats      *parsers.ParseStats
}

// LedgerImportResult describes one ledger export import.
type LedgerImportResult struct {
	Imported int
	Scopes   []string
	Stats    *parsers.ParseStats
}

// ImportStatementFile parses a statement file into scope and stores the new
// lines. A nil profile is detected from the header row.
func (e *Engine) ImportStatementFile(ctx context.Context, path, scope string, profile *parsers.StatementProfile) (*ImportResult, error) {
	if _, err := e.repo.GetJournal(ctx, scope); err != nil {
		return nil, err
	}
	if profile == nil {
		var err error
		if profile, err = detectProfile(path); err != nil {
			return nil, err
		}
	}
	parser, err := parsers.NewStatementParser(profile)
	if err != nil {
		return nil, err
	}
	txns, stats, err := parser.ParseFile(ctx, path, scope)
	if err != nil {
		return nil, err
	}
	return e.importParsed(ctx, scope, txns, stats)
}

// ImportStatement is ImportStatementFile for an already opened source. A nil
// profile means the standard layout.
func (e *Engine) ImportStatement(ctx context.Context, r io.Reader, source, scope string, profile *parsers.StatementProfile) (*ImportResult, error) {
	if _, err := e.repo.GetJournal(ctx, scope); err != nil {
		return nil, err
	}
	parser, err := parsers.NewStatementParser(profile)
	if err != nil {
		return nil, err
	}
	txns, stats, err := parser.Parse(ctx, r, source, scope)
	if err != nil {
		return nil, err
	}
	return e.importParsed(ctx, scope, txns, stats)
}

// ImportTransactions stores statement lines built by the caller. Every line
// must belong to scope.
func (e *Engine) ImportTransactions(ctx context.Context, scope string, txns []*models.Transaction) (*ImportResult, error) {
	if _, err := e.repo.GetJournal(ctx, scope); err != nil {
		return nil, err
	}
	for _, t := range txns {
		if t.Scope != scope {
			return nil, errors.ValidationError(errors.CodeInvalidData, "scope", t.Scope, nil).
				WithContext("expected", scope)
		}
	}
	return e.importParsed(ctx, scope, txns, nil)
}

func (e *Engine) importParsed(ctx context.Context, scope string, txns []*models.Transaction, stats *parsers.ParseStats) (*ImportResult, error) {
	result := &ImportResult{Scope: scope, Parsed: len(txns), Stats: stats}
	log := e.log.WithField("scope", scope)

	if e.config.DetectDuplicates && len(txns) > 0 {
		existing, err := e.repo.ListTransactions(ctx, store.TransactionFilter{Scope: scope})
		if err != nil {
			return nil, err
		}
		result.Duplicates = parsers.FindPossibleDuplicates(txns, existing)
		for _, d := range result.Duplicates {
			log.WithFields(logger.Fields{
				"incoming":   d.Incoming.ExternalRef,
				"existing":   d.Existing.ID,
				"similarity": d.Similarity,
			}).Warn("Possible duplicate statement line")
		}
	}

	imported, err := e.repo.ImportTransactions(ctx, txns)
	if err != nil {
		return nil, err
	}
	result.Imported = imported
	result.Skipped = len(txns) - imported

	log.WithFields(logger.Fields{
		"parsed":     result.Parsed,
		"imported":   result.Imported,
		"skipped":    result.Skipped,
		"duplicates": len(result.Duplicates),
	}).Info("Statement imported")

	if imported == 0 {
		return result, nil
	}
	return result, cache.MarkScope(ctx, e.cache, scope, cache.KindTransactionIntake)
}

// ImportLedgerFile stores the journal items of a ledger export. A nil profile
// means the standard layout.
func (e *Engine) ImportLedgerFile(ctx context.Context, path string, profile *parsers.LedgerProfile) (*LedgerImportResult, error) {
	parser, err := parsers.NewLedgerParser(profile)
	if err != nil {
		return nil, err
	}
	entries, stats, err := parser.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	scopes, err := e.AddLedgerEntries(ctx, entries)
	if err != nil {
		return nil, err
	}
	return &LedgerImportResult{Imported: len(entries), Scopes: scopes, Stats: stats}, nil
}

// AddLedgerEntries stores journal items and marks the scopes whose bank
// accounts they post to. It returns those scopes.
func (e *Engine) AddLedgerEntries(ctx context.Context, entries []*models.LedgerEntry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for _, entry := range entries {
		if entry.Account == "" {
			return nil, errors.ValidationError(errors.CodeMissingField, "account", nil, nil)
		}
	}
	if err := e.repo.CreateLedgerEntries(ctx, entries); err != nil {
		return nil, err
	}

	accounts := make([]string, len(entries))
	for i, entry := range entries {
		accounts[i] = entry.Account
	}
	scopes, err := e.markAccounts(ctx, accounts...)
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logger.Fields{"entries": len(entries), "scopes": scopes}).Info("Ledger entries added")
	return scopes, nil
}

// UpdateLedgerEntry stores a changed journal item. Scopes of both the old and
// the new account are marked.
func (e *Engine) UpdateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	old, err := e.ledgerEntry(ctx, entry.ID)
	if err != nil {
		return err
	}
	if err := e.repo.UpdateLedgerEntry(ctx, entry); err != nil {
		return err
	}
	_, err = e.markAccounts(ctx, old.Account, entry.Account)
	return err
}

// DeleteLedgerEntry removes a journal item and marks the scopes of its account.
func (e *Engine) DeleteLedgerEntry(ctx context.Context, id string) error {
	old, err := e.ledgerEntry(ctx, id)
	if err != nil {
		return err
	}
	if err := e.repo.DeleteLedgerEntry(ctx, id); err != nil {
		return err
	}
	_, err = e.markAccounts(ctx, old.Account)
	return err
}

// SaveDeposit creates or updates a batch deposit. When an update moves the
// deposit to another scope, both scopes are marked.
func (e *Engine) SaveDeposit(ctx context.Context, d *models.BatchDeposit) error {
	if err := validateModel("deposit", d); err != nil {
		return err
	}
	scopes := []string{d.Scope}
	if d.ID != "" {
		if old, err := e.deposit(ctx, d.ID); err == nil && old.Scope != d.Scope {
			scopes = append(scopes, old.Scope)
		}
	}
	if err := e.repo.SaveDeposit(ctx, d); err != nil {
		return err
	}
	for _, scope := range scopes {
		if err := cache.MarkScope(ctx, e.cache, scope, cache.KindDepositMatch); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDeposit removes a batch deposit. The journal items it grouped become
// individual candidates again, so the ledger key is marked too.
func (e *Engine) DeleteDeposit(ctx context.Context, id string) error {
	old, err := e.deposit(ctx, id)
	if err != nil {
		return err
	}
	if err := e.repo.DeleteDeposit(ctx, id); err != nil {
		return err
	}
	return cache.MarkScope(ctx, e.cache, old.Scope, cache.KindDepositMatch, cache.KindLedgerMatch)
}

func (e *Engine) ledgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	entries, err := e.repo.GetLedgerEntries(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.NotFoundError("ledger entry", id, nil)
	}
	return &entries[0], nil
}

func (e *Engine) deposit(ctx context.Context, id string) (*models.BatchDeposit, error) {
	deposits, err := e.repo.GetDeposits(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(deposits) == 0 {
		return nil, errors.NotFoundError("batch deposit", id, nil)
	}
	return &deposits[0], nil
}

// markAccounts marks the ledger key of every journal posting to one of
// accounts and returns the affected scopes in journal order.
func (e *Engine) markAccounts(ctx context.Context, accounts ...string) ([]string, error) {
	wanted := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		wanted[a] = true
	}
	journals, err := e.repo.ListJournals(ctx)
	if err != nil {
		return nil, err
	}
	var scopes []string
	for _, j := range journals {
		if !wanted[j.DebitAccount] && !wanted[j.CreditAccount] {
			continue
		}
		if err := cache.MarkScope(ctx, e.cache, j.Name, cache.KindLedgerMatch); err != nil {
			return nil, err
		}
		scopes = append(scopes, j.Name)
	}
	return scopes, nil
}

func detectProfile(path string) (*parsers.StatementProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.FileError(errors.CodeFilePermission, path, err)
	}
	defer f.Close()
	return parsers.DetectStatementProfile(f)
}
