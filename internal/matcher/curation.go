package matcher

import (
	"context"
	"time"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"
)

// Remainder books the part of a line its selected candidates do not cover.
type Remainder struct {
	Account string
	Payee   string
	Date    *time.Time
	Memo    string
}

// SelectCandidates replaces the proposals of an open line with the given
// candidates, all selected, in the given order. Passes leave the selection
// alone until it is replaced or the line is excluded. An empty refs clears
// the selection and hands the line back to automatic matching.
func (me *MatchingEngine) SelectCandidates(ctx context.Context, txnID string, refs []models.CandidateRef, remainder *Remainder) (*models.Transaction, error) {
	refs = uniqueRefs(refs)

	var txn *models.Transaction
	err := me.repo.Atomic(ctx, func(tx store.Repository) error {
		var err error
		if txn, err = tx.GetTransaction(ctx, txnID); err != nil {
			return err
		}
		if !txn.IsOpen() {
			return errors.Invalid(errors.CodeInvalidState, "transaction %s is %s; only open transactions can be matched", txnID, txn.Status)
		}
		journal, err := tx.GetJournal(ctx, txn.Scope)
		if err != nil {
			return err
		}

		cands, err := store.ResolveCandidates(ctx, tx, refs)
		if err != nil {
			return err
		}
		for _, c := range cands {
			if err := checkSelectable(journal, txn, c); err != nil {
				return err
			}
		}

		claims, err := tx.FindClaims(ctx, refs, txn.ID)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if owner, taken := claims[ref]; taken {
				return errors.ConflictError(errors.CodeCandidateClaimed, string(ref.Kind), ref.ID, nil).
					WithContext("claimed_by", owner)
			}
		}

		proposals := newProposals(cands, false)
		for i := range proposals {
			proposals[i].Selected = true
			proposals[i].Manual = true
		}
		if len(proposals) > 0 {
			txn.ActionType = models.ActionMatch
		} else if txn.ActionType == models.ActionMatch {
			txn.ActionType = models.ActionAdd
		}

		if err := setRemainder(txn, remainder); err != nil {
			return err
		}
		if err := tx.SaveTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.ReplaceProposals(ctx, txn.ID, proposals); err != nil {
			return err
		}
		txn.Proposals = proposals
		return nil
	})
	if err != nil {
		return nil, err
	}

	me.log.WithFields(logger.Fields{
		"transaction": txn.ID,
		"candidates":  len(refs),
		"selected":    txn.SelectedTotal().String(),
	}).Info("Candidates selected")
	return txn, cache.MarkScope(ctx, me.cache, txn.Scope, cache.KindLedgerMatch, cache.KindDepositMatch)
}

func setRemainder(txn *models.Transaction, r *Remainder) error {
	if r == nil {
		txn.AddRemainder = false
		txn.RemainderAccount = ""
		txn.RemainderPayee = ""
		txn.RemainderDate = nil
		txn.RemainderMemo = ""
		return nil
	}
	if r.Account == "" {
		return errors.ValidationError(errors.CodeMissingAccount, "remainder_account", r.Account, nil)
	}
	txn.AddRemainder = true
	txn.RemainderAccount = r.Account
	txn.RemainderPayee = r.Payee
	txn.RemainderMemo = r.Memo
	txn.RemainderDate = nil
	if r.Date != nil {
		d := models.Day(*r.Date)
		txn.RemainderDate = &d
	}
	return nil
}

// Exclude takes an open line out of matching. Its proposals and disposition
// are cleared, releasing any candidate it reserved.
func (me *MatchingEngine) Exclude(ctx context.Context, txnID string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := me.repo.Atomic(ctx, func(tx store.Repository) error {
		var err error
		if txn, err = tx.GetTransaction(ctx, txnID); err != nil {
			return err
		}
		switch txn.Status {
		case models.StatusExcluded:
			return nil
		case models.StatusOpen:
		default:
			return errors.Invalid(errors.CodeInvalidState, "transaction %s is %s; only open transactions can be excluded", txnID, txn.Status)
		}

		txn.Status = models.StatusExcluded
		txn.ClearDisposition()
		if err := tx.SaveTransaction(ctx, txn); err != nil {
			return err
		}
		txn.Proposals = nil
		return tx.ReplaceProposals(ctx, txn.ID, nil)
	})
	if err != nil {
		return nil, err
	}

	me.log.WithField("transaction", txn.ID).Info("Transaction excluded")
	return txn, cache.MarkScope(ctx, me.cache, txn.Scope, cache.KindLedgerMatch, cache.KindDepositMatch)
}

// Restore puts an excluded line back to open.
func (me *MatchingEngine) Restore(ctx context.Context, txnID string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := me.repo.Atomic(ctx, func(tx store.Repository) error {
		var err error
		if txn, err = tx.GetTransaction(ctx, txnID); err != nil {
			return err
		}
		switch txn.Status {
		case models.StatusOpen:
			return nil
		case models.StatusExcluded:
		default:
			return errors.Invalid(errors.CodeInvalidState, "transaction %s is %s; only excluded transactions can be restored", txnID, txn.Status)
		}
		txn.Status = models.StatusOpen
		txn.ActionType = models.ActionAdd
		return tx.SaveTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}

	me.log.WithField("transaction", txn.ID).Info("Transaction restored")
	return txn, cache.MarkScope(ctx, me.cache, txn.Scope, cache.KindTransactionIntake)
}

func uniqueRefs(refs []models.CandidateRef) []models.CandidateRef {
	seen := make(map[models.CandidateRef]bool, len(refs))
	out := make([]models.CandidateRef, 0, len(refs))
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// checkSelectable verifies that c belongs to the pool of txn.
func checkSelectable(j *models.Journal, txn *models.Transaction, c models.Candidate) error {
	ref := models.RefOf(c)
	if c.IsSettled() {
		return errors.ConflictError(errors.CodeCandidateClaimed, string(ref.Kind), ref.ID, nil).
			WithSuggestion("the candidate is already reconciled; undo that reconciliation first")
	}

	dir := txn.Direction()
	switch v := c.(type) {
	case *models.LedgerEntry:
		if v.Account != j.MatchAccount(dir) {
			return errors.Invalid(errors.CodeInvalidState, "%s is on account %s, expected %s", ref, v.Account, j.MatchAccount(dir))
		}
		if !v.Posted || v.IsFundLine || v.BatchDepositID != "" || v.TransactionID != "" {
			return errors.Invalid(errors.CodeInvalidState, "%s cannot be matched on its own", ref)
		}
		if (dir == models.DirectionOutbound && v.Credit <= 0) || (dir == models.DirectionInbound && v.Debit <= 0) {
			return errors.Invalid(errors.CodeInvalidState, "%s is on the wrong side for a %s line", ref, dir)
		}
	case *models.BatchDeposit:
		if v.Scope != txn.Scope || v.Direction != dir {
			return errors.Invalid(errors.CodeInvalidState, "%s is a %s deposit of %s, expected %s on %s", ref, v.Direction, v.Scope, dir, txn.Scope)
		}
	}
	return nil
}
