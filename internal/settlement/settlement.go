// Package settlement confirms statement lines: it books the ledger documents
// or match links a disposition calls for and can undo them again.
package settlement

import (
	"context"
	"fmt"
	"time"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"
)

// Config controls how dispositions are booked.
type Config struct {
	// RequirePayee rejects Add dispositions and remainders without a payee.
	RequirePayee bool `mapstructure:"require_payee" json:"require_payee"`
	// AppendToDraftSession attaches confirmed lines to the scope's draft
	// session when its statement ending date covers them.
	AppendToDraftSession bool `mapstructure:"append_to_draft_session" json:"append_to_draft_session"`
}

func DefaultConfig() Config {
	return Config{AppendToDraftSession: true}
}

// Ref describes what applying a line produced.
type Ref struct {
	TransactionID       string
	ActionType          models.ActionType
	DocumentID          string
	RemainderDocumentID string
	Links               []models.MatchLink
	SessionID           string
	Label               string
}

// BatchFailure is a line ApplyBatch could not settle.
type BatchFailure struct {
	TransactionID string
	Err           error
}

func (f BatchFailure) Error() string {
	return fmt.Sprintf("transaction %s: %v", f.TransactionID, f.Err)
}

func (f BatchFailure) Unwrap() error { return f.Err }

// BatchResult collects the outcome of ApplyBatch.
type BatchResult struct {
	Applied  []*Ref
	Failures []BatchFailure
}

// Err summarises the failures, or returns nil when every line was applied.
func (r *BatchResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]*errors.ReconcilerError, 0, len(r.Failures))
	for _, f := range r.Failures {
		if re, ok := errors.AsReconcilerError(f.Err); ok {
			errs = append(errs, re)
			continue
		}
		errs = append(errs, errors.InternalError(errors.CodeUnexpectedError, "apply "+f.TransactionID, f.Err))
	}
	return errors.NewErrorSummary(errs)
}

// Applier settles and unsettles statement lines.
type Applier struct {
	repo   store.Repository
	cache  cache.Cache
	config Config
	log    logger.Logger
}

func NewApplier(repo store.Repository, c cache.Cache, config Config, log logger.Logger) *Applier {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Applier{
		repo:   repo,
		cache:  c,
		config: config,
		log:    log.WithComponent("settlement"),
	}
}

// Apply confirms an open line according to its disposition. Nothing is
// written unless every step succeeds.
func (a *Applier) Apply(ctx context.Context, txnID string) (*Ref, error) {
	var ref *Ref
	var txn *models.Transaction
	err := a.repo.Atomic(ctx, func(tx store.Repository) error {
		var err error
		if txn, err = tx.GetTransaction(ctx, txnID); err != nil {
			return err
		}
		ref, err = a.apply(ctx, tx, txn)
		return err
	})
	if err != nil {
		a.log.WithError(err).WithField("transaction", txnID).Warn("Settlement rejected")
		return nil, err
	}

	a.log.WithFields(logger.Fields{
		"transaction": txn.ID,
		"scope":       txn.Scope,
		"action":      ref.ActionType,
		"amount":      txn.Amount.String(),
	}).Info(ref.Label)
	return ref, a.markStale(ctx, txn)
}

// ApplyTx is Apply inside a unit of work owned by the caller. The caller marks
// the cache once its unit commits.
func (a *Applier) ApplyTx(ctx context.Context, repo store.Repository, txn *models.Transaction) error {
	_, err := a.apply(ctx, repo, txn)
	return err
}

// ApplyBatch applies each line in its own unit of work and carries on past
// failures.
func (a *Applier) ApplyBatch(ctx context.Context, ids []string) (*BatchResult, error) {
	result := &BatchResult{}
	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation:   "apply settlements",
		Total:       int64(len(ids)),
		LogInterval: 5 * time.Second,
		Logger:      a.log,
	})

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ref, err := a.Apply(ctx, id)
		if err != nil {
			result.Failures = append(result.Failures, BatchFailure{TransactionID: id, Err: err})
		} else {
			result.Applied = append(result.Applied, ref)
		}
		tracker.Increment()
	}
	tracker.Complete()
	return result, nil
}

func (a *Applier) apply(ctx context.Context, repo store.Repository, txn *models.Transaction) (*Ref, error) {
	switch txn.Status {
	case models.StatusOpen:
	case models.StatusConfirmed:
		return nil, errors.Invalid(errors.CodeInvalidState, "transaction %s is already confirmed", txn.ID)
	default:
		return nil, errors.Invalid(errors.CodeInvalidState, "transaction %s is %s; only open transactions can be applied", txn.ID, txn.Status)
	}

	journal, err := repo.GetJournal(ctx, txn.Scope)
	if err != nil {
		return nil, err
	}

	ref := &Ref{TransactionID: txn.ID, ActionType: txn.ActionType}
	switch txn.ActionType {
	case models.ActionAdd:
		err = a.applyAdd(ctx, repo, journal, txn, ref)
	case models.ActionMatch:
		err = a.applyMatch(ctx, repo, journal, txn, ref)
	case models.ActionTransfer:
		err = a.applyTransfer(ctx, repo, journal, txn, ref)
	default:
		err = errors.Invalid(errors.CodeInvalidState, "transaction %s has unknown action %q", txn.ID, txn.ActionType)
	}
	if err != nil {
		return nil, err
	}

	txn.Status = models.StatusConfirmed
	if a.config.AppendToDraftSession {
		if err := a.attachToDraft(ctx, repo, txn); err != nil {
			return nil, err
		}
	}
	if err := repo.SaveTransaction(ctx, txn); err != nil {
		return nil, err
	}

	ref.SessionID = txn.SessionID
	ref.Label = txn.DispositionLabel()
	return ref, nil
}

func (a *Applier) applyAdd(ctx context.Context, repo store.Repository, j *models.Journal, txn *models.Transaction, ref *Ref) error {
	lines, err := a.addLines(txn)
	if err != nil {
		return err
	}
	doc := voucher(j, txn, txn.Date, txn.Label(), lines)
	if err := repo.CreateLedgerDocument(ctx, doc); err != nil {
		return err
	}
	txn.SettlementID = doc.ID
	ref.DocumentID = doc.ID
	return nil
}

// addLines returns the counterpart lines of an Add disposition. They must sum
// to the line's absolute amount.
func (a *Applier) addLines(txn *models.Transaction) ([]models.SplitLine, error) {
	if len(txn.SplitLines) == 0 {
		if txn.Account == "" {
			return nil, errors.ValidationError(errors.CodeMissingAccount, "account", txn.Account, nil)
		}
		if a.config.RequirePayee && txn.Payee == "" {
			return nil, errors.ValidationError(errors.CodeMissingPayee, "payee", txn.Payee, nil)
		}
		return []models.SplitLine{{Account: txn.Account, Payee: txn.Payee, Amount: txn.AbsAmount()}}, nil
	}

	for i, l := range txn.SplitLines {
		field := fmt.Sprintf("split_lines[%d]", i)
		if l.Account == "" {
			return nil, errors.ValidationError(errors.CodeMissingAccount, field+".account", l.Account, nil)
		}
		if !l.Amount.IsPositive() {
			return nil, errors.ValidationError(errors.CodeNonPositiveSplit, field+".amount", l.Amount.String(), nil)
		}
		if a.config.RequirePayee && l.Payee == "" && txn.Payee == "" {
			return nil, errors.ValidationError(errors.CodeMissingPayee, field+".payee", l.Payee, nil)
		}
	}
	if err := checkResidual(txn.AbsAmount(), txn.SplitTotal()); err != nil {
		return nil, err
	}
	return txn.SplitLines, nil
}

func (a *Applier) applyMatch(ctx context.Context, repo store.Repository, j *models.Journal, txn *models.Transaction, ref *Ref) error {
	selected := txn.SelectedProposals()
	if len(selected) == 0 {
		return errors.Invalid(errors.CodeInvalidState, "transaction %s has no selected candidates", txn.ID)
	}
	refs := make([]models.CandidateRef, len(selected))
	for i, p := range selected {
		refs[i] = p.Ref()
	}

	cands, err := store.ResolveCandidates(ctx, repo, refs)
	if err != nil {
		return err
	}
	links := make([]models.MatchLink, len(cands))
	var total models.Amount
	for i, c := range cands {
		if c.IsSettled() {
			return errors.ConflictError(errors.CodeCandidateClaimed, string(c.CandidateKind()), c.CandidateID(), nil).
				WithSuggestion("the candidate is already reconciled; refresh the proposals")
		}
		total += c.CandidateAmount()
		links[i] = models.MatchLink{
			TransactionID: txn.ID,
			CandidateKind: c.CandidateKind(),
			CandidateID:   c.CandidateID(),
			Amount:        c.CandidateAmount(),
		}
	}

	residual := txn.AbsAmount() - total
	if txn.AddRemainder {
		if !residual.IsPositive() {
			return residualError(txn.AbsAmount(), total).
				WithSuggestion("a remainder needs the selected candidates to cover less than the line")
		}
		if err := a.bookRemainder(ctx, repo, j, txn, residual, ref); err != nil {
			return err
		}
	} else if err := checkResidual(txn.AbsAmount(), total); err != nil {
		return err
	}

	if err := repo.CreateLinks(ctx, links); err != nil {
		return err
	}
	if err := store.SetCandidatesSettled(ctx, repo, refs, true); err != nil {
		return err
	}
	txn.Links = links
	ref.Links = links
	return nil
}

func (a *Applier) bookRemainder(ctx context.Context, repo store.Repository, j *models.Journal, txn *models.Transaction, residual models.Amount, ref *Ref) error {
	if txn.RemainderAccount == "" {
		return errors.ValidationError(errors.CodeMissingAccount, "remainder_account", txn.RemainderAccount, nil)
	}
	if a.config.RequirePayee && txn.RemainderPayee == "" {
		return errors.ValidationError(errors.CodeMissingPayee, "remainder_payee", txn.RemainderPayee, nil)
	}
	date := txn.Date
	if txn.RemainderDate != nil {
		date = *txn.RemainderDate
	}
	memo := txn.RemainderMemo
	if memo == "" {
		memo = txn.Label()
	}

	doc := voucher(j, txn, date, memo, []models.SplitLine{
		{Account: txn.RemainderAccount, Payee: txn.RemainderPayee, Amount: residual},
	})
	if err := repo.CreateLedgerDocument(ctx, doc); err != nil {
		return err
	}
	txn.RemainderSettlementID = doc.ID
	ref.RemainderDocumentID = doc.ID
	return nil
}

func (a *Applier) applyTransfer(ctx context.Context, repo store.Repository, j *models.Journal, txn *models.Transaction, ref *Ref) error {
	if txn.TransferScope == "" {
		return errors.ValidationError(errors.CodeMissingField, "transfer_scope", txn.TransferScope, nil)
	}
	if txn.TransferScope == txn.Scope {
		return errors.Invalid(errors.CodeInvalidState, "transaction %s cannot be transferred to its own journal %s", txn.ID, txn.Scope)
	}
	dest, err := repo.GetJournal(ctx, txn.TransferScope)
	if err != nil {
		return err
	}

	dir := txn.Direction()
	amount := txn.AbsAmount()
	bank := models.LedgerEntry{
		Account:       j.BankAccount(dir),
		Label:         txn.Label(),
		PartnerID:     txn.PartnerID,
		TransactionID: txn.ID,
	}
	// The other leg lands where the destination journal looks for open items
	// of the opposite direction, so its own statement line can match it.
	other := models.LedgerEntry{
		Account: dest.MatchAccount(opposite(dir)),
		Label:   txn.Label(),
	}
	if dir == models.DirectionInbound {
		bank.Debit, other.Credit = amount, amount
	} else {
		bank.Credit, other.Debit = amount, amount
	}

	doc := &models.LedgerDocument{
		Kind:          models.DocumentTransfer,
		Scope:         txn.Scope,
		TransferScope: dest.Name,
		Date:          txn.Date,
		State:         models.DocumentPosted,
		Memo:          txn.Label(),
		TransactionID: txn.ID,
		Entries:       []models.LedgerEntry{bank, other},
	}
	if err := repo.CreateLedgerDocument(ctx, doc); err != nil {
		return err
	}
	txn.SettlementID = doc.ID
	ref.DocumentID = doc.ID
	return nil
}

// voucher builds a posted document booking amount-sized counterpart lines
// against the journal's bank account. The bank line comes first.
func voucher(j *models.Journal, txn *models.Transaction, date time.Time, memo string, lines []models.SplitLine) *models.LedgerDocument {
	dir := txn.Direction()
	var total models.Amount
	for _, l := range lines {
		total += l.Amount
	}

	bank := models.LedgerEntry{
		Account:       j.BankAccount(dir),
		Label:         memo,
		PartnerID:     txn.PartnerID,
		TransactionID: txn.ID,
	}
	if dir == models.DirectionInbound {
		bank.Debit = total
	} else {
		bank.Credit = total
	}

	entries := make([]models.LedgerEntry, 0, len(lines)+1)
	entries = append(entries, bank)
	for _, l := range lines {
		e := models.LedgerEntry{
			Account:   l.Account,
			Label:     memo,
			PartnerID: l.Payee,
		}
		if e.PartnerID == "" {
			e.PartnerID = txn.Payee
		}
		if dir == models.DirectionInbound {
			e.Credit = l.Amount
		} else {
			e.Debit = l.Amount
		}
		entries = append(entries, e)
	}

	return &models.LedgerDocument{
		Kind:          models.DocumentVoucher,
		Scope:         txn.Scope,
		Date:          date,
		State:         models.DocumentPosted,
		Memo:          memo,
		TransactionID: txn.ID,
		Entries:       entries,
	}
}

func (a *Applier) attachToDraft(ctx context.Context, repo store.Repository, txn *models.Transaction) error {
	if txn.SessionID != "" {
		return nil
	}
	session, err := repo.DraftSession(ctx, txn.Scope)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if txn.Date.After(session.StatementEndingDate) {
		return nil
	}
	txn.SessionID = session.ID
	return nil
}

// Unapply reverses the settlement of a confirmed line and reopens it with its
// disposition intact. An open line is returned unchanged.
func (a *Applier) Unapply(ctx context.Context, txnID string) (*models.Transaction, error) {
	var txn *models.Transaction
	var undone bool
	err := a.repo.Atomic(ctx, func(tx store.Repository) error {
		var err error
		if txn, err = tx.GetTransaction(ctx, txnID); err != nil {
			return err
		}
		switch txn.Status {
		case models.StatusOpen:
			return nil
		case models.StatusExcluded:
			return errors.Invalid(errors.CodeInvalidState, "transaction %s is excluded; restore it instead", txnID)
		}
		if txn.Reconciled {
			return errors.ValidationError(errors.CodeSessionLocked, "session_id", txn.SessionID, nil).
				WithSuggestion("reopen the reconciled session before undoing its transactions")
		}

		for _, id := range []string{txn.SettlementID, txn.RemainderSettlementID} {
			if err := undoDocument(ctx, tx, txn.ID, id); err != nil {
				return err
			}
		}

		refs := make([]models.CandidateRef, len(txn.Links))
		for i, l := range txn.Links {
			refs[i] = l.Ref()
		}
		if err := tx.DeleteLinks(ctx, txn.ID); err != nil {
			return err
		}
		if err := store.SetCandidatesSettled(ctx, tx, refs, false); err != nil {
			return err
		}

		txn.Status = models.StatusOpen
		txn.SettlementID = ""
		txn.RemainderSettlementID = ""
		txn.SessionID = ""
		txn.Links = nil
		undone = true
		return tx.SaveTransaction(ctx, txn)
	})
	if err != nil {
		a.log.WithError(err).WithField("transaction", txnID).Warn("Undo rejected")
		return nil, err
	}
	if !undone {
		return txn, nil
	}

	a.log.WithFields(logger.Fields{
		"transaction": txn.ID,
		"scope":       txn.Scope,
	}).Info("Settlement undone")
	return txn, a.markStale(ctx, txn)
}

// undoDocument cancels and deletes the settlement document id of txnID. A
// document that is already gone counts as undone. A document with an entry
// another statement line is matched to, such as the destination leg of a
// transfer, is kept and the undo fails.
func undoDocument(ctx context.Context, repo store.Repository, txnID, id string) error {
	if id == "" {
		return nil
	}
	doc, err := repo.GetDocument(ctx, id)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := rejectClaimedEntries(ctx, repo, txnID, doc); err != nil {
		return err
	}
	if err := repo.CancelDocument(ctx, id); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := repo.DeleteDocument(ctx, id); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return nil
}

func rejectClaimedEntries(ctx context.Context, repo store.Repository, txnID string, doc *models.LedgerDocument) error {
	var refs []models.CandidateRef
	for i := range doc.Entries {
		if doc.Entries[i].TransactionID != txnID {
			refs = append(refs, models.RefOf(&doc.Entries[i]))
		}
	}
	if len(refs) == 0 {
		return nil
	}
	links, err := repo.FindLinks(ctx, refs)
	if err != nil {
		return err
	}
	for i := range doc.Entries {
		e := &doc.Entries[i]
		if e.TransactionID == txnID {
			continue
		}
		claimer, linked := links[models.RefOf(e)]
		if !linked && !e.Settled {
			continue
		}
		re := errors.ConflictError(errors.CodeCandidateClaimed, string(models.KindLedgerEntry), e.ID, nil).
			WithContext("document_id", doc.ID)
		if linked {
			re = re.WithContext("transaction_id", claimer).
				WithSuggestion(fmt.Sprintf("unapply transaction %s first", claimer))
		}
		return re
	}
	return nil
}

func (a *Applier) markStale(ctx context.Context, txn *models.Transaction) error {
	if a.cache == nil {
		return nil
	}
	if err := cache.MarkScope(ctx, a.cache, txn.Scope); err != nil {
		return err
	}
	if txn.ActionType == models.ActionTransfer && txn.TransferScope != "" {
		return cache.MarkScope(ctx, a.cache, txn.TransferScope, cache.KindLedgerMatch)
	}
	return nil
}

func checkResidual(expected, actual models.Amount) error {
	if expected == actual {
		return nil
	}
	return residualError(expected, actual)
}

func residualError(expected, actual models.Amount) *errors.ReconcilerError {
	return errors.New(errors.CategoryValidation, errors.CodeResidualMismatch,
		fmt.Sprintf("settled amount %s does not equal the line amount %s", actual, expected)).
		WithContext("expected", expected.String()).
		WithContext("actual", actual.String()).
		WithContext("difference", (expected - actual).String())
}

func opposite(d models.Direction) models.Direction {
	if d == models.DirectionInbound {
		return models.DirectionOutbound
	}
	return models.DirectionInbound
}
