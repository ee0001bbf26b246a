// Package session groups confirmed statement lines into statement periods and
// checks them against the statement's ending balance.
package session

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

// Manager drives the session lifecycle. A scope has at most one draft
// session at a time.
type Manager struct {
	repo  store.Repository
	cache cache.Cache
	log   logger.Logger
	now   func() time.Time
}

func NewManager(repo store.Repository, c cache.Cache, log logger.Logger) *Manager {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Manager{
		repo:  repo,
		cache: c,
		log:   log.WithComponent("session"),
		now:   time.Now,
	}
}

// Summary is the running balance of a session.
type Summary struct {
	Session      *models.ReconciliationSession
	Transactions []models.Transaction
	Cleared      models.Amount
	Computed     models.Amount
	Difference   models.Amount
}

// Balanced reports whether the session can be closed.
func (s *Summary) Balanced() bool { return s.Difference.IsZero() }

// Open returns the draft session of scope, creating it when there is none.
// A new session starts from the ending balance of the last reconciled one.
// Confirmed lines dated on or before the ending date that belong to no
// session are attached to the draft.
func (m *Manager) Open(ctx context.Context, scope string, endingDate time.Time, endingBalance models.Amount) (*models.ReconciliationSession, error) {
	endingDate = models.Day(endingDate)
	var rs *models.ReconciliationSession
	var created bool
	var attached int

	err := m.repo.Atomic(ctx, func(tx store.Repository) error {
		if _, err := tx.GetJournal(ctx, scope); err != nil {
			return err
		}

		draft, err := tx.DraftSession(ctx, scope)
		switch {
		case err == nil:
			rs = draft
		case errors.IsNotFound(err):
			if rs, err = m.newSession(ctx, tx, scope, endingDate, endingBalance); err != nil {
				return err
			}
			created = true
		default:
			return err
		}

		attached, err = attachConfirmed(ctx, tx, rs)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logger.Fields{
		"session":  rs.ID,
		"scope":    scope,
		"created":  created,
		"attached": attached,
	}).Info("Session opened")
	return rs, nil
}

func (m *Manager) newSession(ctx context.Context, repo store.Repository, scope string, endingDate time.Time, endingBalance models.Amount) (*models.ReconciliationSession, error) {
	rs := &models.ReconciliationSession{
		Scope:               scope,
		StatementEndingDate: endingDate,
		EndingBalance:       endingBalance,
		State:               models.SessionDraft,
	}
	if endingDate.IsZero() {
		return nil, errors.ValidationError(errors.CodeMissingField, "statement_ending_date", "", nil)
	}

	last, err := repo.LastReconciledSession(ctx, scope)
	switch {
	case err == nil:
		if !endingDate.After(last.StatementEndingDate) {
			return nil, errors.ValidationError(errors.CodeInvalidDate, "statement_ending_date", endingDate.Format(models.DateLayout), nil).
				WithSuggestion(fmt.Sprintf("the previous statement ended on %s", last.StatementEndingDate.Format(models.DateLayout)))
		}
		rs.BeginningBalance = last.EndingBalance
	case errors.IsNotFound(err):
	default:
		return nil, err
	}

	if err := repo.SaveSession(ctx, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func attachConfirmed(ctx context.Context, repo store.Repository, rs *models.ReconciliationSession) (int, error) {
	txns, err := repo.ListTransactions(ctx, store.TransactionFilter{
		Scope:    rs.Scope,
		Statuses: []models.TransactionStatus{models.StatusConfirmed},
		MaxDate:  rs.StatementEndingDate,
	})
	if err != nil {
		return 0, err
	}
	attached := 0
	for i := range txns {
		txn := &txns[i]
		if txn.SessionID != "" || txn.Reconciled {
			continue
		}
		txn.SessionID = rs.ID
		if err := repo.SaveTransaction(ctx, txn); err != nil {
			return attached, err
		}
		attached++
	}
	return attached, nil
}

// AddConfirmedTransaction attaches a confirmed line of the session's scope.
func (m *Manager) AddConfirmedTransaction(ctx context.Context, sessionID, txnID string) error {
	err := m.repo.Atomic(ctx, func(tx store.Repository) error {
		rs, err := draftSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		txn, err := tx.GetTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		switch {
		case txn.Status != models.StatusConfirmed:
			return errors.Invalid(errors.CodeInvalidState, "transaction %s is %s; only confirmed transactions join a session", txn.ID, txn.Status)
		case txn.Scope != rs.Scope:
			return errors.Invalid(errors.CodeInvalidState, "transaction %s belongs to %s, session %s to %s", txn.ID, txn.Scope, rs.ID, rs.Scope)
		case txn.Reconciled:
			return errors.ValidationError(errors.CodeSessionLocked, "session_id", txn.SessionID, nil)
		case txn.SessionID == rs.ID:
			return nil
		case txn.SessionID != "":
			return errors.New(errors.CategoryValidation, errors.CodeSessionConflict,
				fmt.Sprintf("transaction %s already belongs to session %s", txn.ID, txn.SessionID))
		}
		txn.SessionID = rs.ID
		return tx.SaveTransaction(ctx, txn)
	})
	if err != nil {
		return err
	}
	m.log.WithFields(logger.Fields{"session": sessionID, "transaction": txnID}).Debug("Transaction added to session")
	return nil
}

// Remove detaches a line from its draft session. A line outside any session
// is left alone.
func (m *Manager) Remove(ctx context.Context, txnID string) error {
	return m.repo.Atomic(ctx, func(tx store.Repository) error {
		txn, err := tx.GetTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		if txn.SessionID == "" {
			return nil
		}
		if _, err := draftSession(ctx, tx, txn.SessionID); err != nil {
			return err
		}
		txn.SessionID = ""
		return tx.SaveTransaction(ctx, txn)
	})
}

// Summarize computes the running balance of a session.
func (m *Manager) Summarize(ctx context.Context, sessionID string) (*Summary, error) {
	rs, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return summarize(ctx, m.repo, rs)
}

func summarize(ctx context.Context, repo store.Repository, rs *models.ReconciliationSession) (*Summary, error) {
	txns, err := repo.ListTransactions(ctx, store.TransactionFilter{SessionID: rs.ID})
	if err != nil {
		return nil, err
	}
	var cleared models.Amount
	for _, t := range txns {
		cleared += t.Amount
	}
	computed := rs.BeginningBalance + cleared
	return &Summary{
		Session:      rs,
		Transactions: txns,
		Cleared:      cleared,
		Computed:     computed,
		Difference:   rs.EndingBalance - computed,
	}, nil
}

// Close reconciles a draft session. The beginning balance plus the signed
// amounts of its lines must equal the ending balance. Its lines are marked
// reconciled and the ledger entries and deposits they settle are flagged as
// cleared by the bank. Nothing changes when any step fails.
func (m *Manager) Close(ctx context.Context, sessionID string) (*models.ReconciliationSession, error) {
	var summary *Summary
	err := m.repo.Atomic(ctx, func(tx store.Repository) error {
		rs, err := draftSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if summary, err = summarize(ctx, tx, rs); err != nil {
			return err
		}
		if !summary.Balanced() {
			return errors.New(errors.CategoryValidation, errors.CodeBalanceMismatch,
				fmt.Sprintf("session %s does not balance: %s + %s = %s, statement says %s",
					rs.ID, rs.BeginningBalance, summary.Cleared, summary.Computed, rs.EndingBalance)).
				WithContext("expected", rs.EndingBalance.String()).
				WithContext("actual", summary.Computed.String()).
				WithContext("difference", summary.Difference.String()).
				WithSuggestion("add the missing transactions or correct the ending balance")
		}

		for i := range summary.Transactions {
			txn := &summary.Transactions[i]
			if txn.Status != models.StatusConfirmed {
				return errors.Invalid(errors.CodeInvalidState, "transaction %s in session %s is %s", txn.ID, rs.ID, txn.Status)
			}
			if err := settle(ctx, tx, txn, true); err != nil {
				return err
			}
			txn.Reconciled = true
			if err := tx.SaveTransaction(ctx, txn); err != nil {
				return err
			}
		}

		now := m.now()
		rs.State = models.SessionReconciled
		rs.ReconciledAt = &now
		return tx.SaveSession(ctx, rs)
	})
	if err != nil {
		m.log.WithError(err).WithField("session", sessionID).Warn("Session close rejected")
		return nil, err
	}

	rs := summary.Session
	m.log.WithFields(logger.Fields{
		"session":      rs.ID,
		"scope":        rs.Scope,
		"transactions": len(summary.Transactions),
		"ending":       rs.EndingBalance.String(),
	}).Info("Session reconciled")
	return rs, m.markStale(ctx, rs.Scope)
}

// ReopenLast turns the most recent reconciled session of scope back into a
// draft. An empty draft of the scope is discarded first; a draft with lines
// blocks the reopen.
func (m *Manager) ReopenLast(ctx context.Context, scope string) (*models.ReconciliationSession, error) {
	var rs *models.ReconciliationSession
	err := m.repo.Atomic(ctx, func(tx store.Repository) error {
		draft, err := tx.DraftSession(ctx, scope)
		switch {
		case err == nil:
			members, err := tx.ListTransactions(ctx, store.TransactionFilter{SessionID: draft.ID, Limit: 1})
			if err != nil {
				return err
			}
			if len(members) > 0 {
				return errors.New(errors.CategoryValidation, errors.CodeSessionConflict,
					fmt.Sprintf("draft session %s of %s already has transactions", draft.ID, scope)).
					WithContext("draft_session", draft.ID).
					WithSuggestion("close or empty the draft session first")
			}
			if err := tx.DeleteSession(ctx, draft.ID); err != nil {
				return err
			}
		case !errors.IsNotFound(err):
			return err
		}

		if rs, err = tx.LastReconciledSession(ctx, scope); err != nil {
			return err
		}
		txns, err := tx.ListTransactions(ctx, store.TransactionFilter{SessionID: rs.ID})
		if err != nil {
			return err
		}
		for i := range txns {
			txn := &txns[i]
			if err := settle(ctx, tx, txn, false); err != nil {
				return err
			}
			txn.Reconciled = false
			if err := tx.SaveTransaction(ctx, txn); err != nil {
				return err
			}
		}

		rs.State = models.SessionDraft
		rs.ReconciledAt = nil
		return tx.SaveSession(ctx, rs)
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logger.Fields{"session": rs.ID, "scope": scope}).Info("Session reopened")
	return rs, m.markStale(ctx, scope)
}

// settle flags what txn cleared at the bank. Matched candidates were settled
// when the line was applied and stay that way; the bank lines of documents
// booked for txn follow the session.
func settle(ctx context.Context, repo store.Repository, txn *models.Transaction, cleared bool) error {
	if cleared && len(txn.Links) > 0 {
		refs := make([]models.CandidateRef, len(txn.Links))
		for i, l := range txn.Links {
			refs[i] = l.Ref()
		}
		if err := store.SetCandidatesSettled(ctx, repo, refs, true); err != nil {
			return err
		}
	}

	var ids []string
	for _, docID := range []string{txn.SettlementID, txn.RemainderSettlementID} {
		if docID == "" {
			continue
		}
		doc, err := repo.GetDocument(ctx, docID)
		if errors.IsNotFound(err) {
			return errors.Wrap(err, errors.CategoryNotFound, errors.CodeSettlementMissing,
				fmt.Sprintf("settlement document %s of transaction %s is missing", docID, txn.ID))
		}
		if err != nil {
			return err
		}
		for _, e := range doc.Entries {
			if e.TransactionID == txn.ID {
				ids = append(ids, e.ID)
			}
		}
	}
	return repo.SetEntriesSettled(ctx, ids, cleared)
}

func draftSession(ctx context.Context, repo store.Repository, id string) (*models.ReconciliationSession, error) {
	rs, err := repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rs.IsDraft() {
		return nil, errors.ValidationError(errors.CodeSessionLocked, "session_id", rs.ID, nil)
	}
	return rs, nil
}

func (m *Manager) markStale(ctx context.Context, scope string) error {
	if m.cache == nil {
		return nil
	}
	return cache.MarkScope(ctx, m.cache, scope, cache.KindLedgerMatch, cache.KindDepositMatch)
}
