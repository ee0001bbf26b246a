package store

import (
	"context"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"
)

// CandidateReader loads candidates by identifier.
type CandidateReader interface {
	GetLedgerEntries(ctx context.Context, ids []string) ([]models.LedgerEntry, error)
	GetDeposits(ctx context.Context, ids []string) ([]models.BatchDeposit, error)
}

// ResolveCandidates loads refs in order. A missing candidate is NotFound.
func ResolveCandidates(ctx context.Context, r CandidateReader, refs []models.CandidateRef) ([]models.Candidate, error) {
	var entryIDs, depositIDs []string
	for _, ref := range refs {
		switch ref.Kind {
		case models.KindLedgerEntry:
			entryIDs = append(entryIDs, ref.ID)
		case models.KindBatchDeposit:
			depositIDs = append(depositIDs, ref.ID)
		default:
			return nil, errors.Invalid(errors.CodeInvalidData, "unknown candidate kind %q", ref.Kind)
		}
	}

	found := make(map[models.CandidateRef]models.Candidate, len(refs))
	entries, err := r.GetLedgerEntries(ctx, entryIDs)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		found[models.RefOf(&entries[i])] = &entries[i]
	}
	deposits, err := r.GetDeposits(ctx, depositIDs)
	if err != nil {
		return nil, err
	}
	for i := range deposits {
		found[models.RefOf(&deposits[i])] = &deposits[i]
	}

	out := make([]models.Candidate, 0, len(refs))
	for _, ref := range refs {
		c, ok := found[ref]
		if !ok {
			return nil, errors.NotFoundError(string(ref.Kind), ref.ID, nil)
		}
		out = append(out, c)
	}
	return out, nil
}

// SetCandidatesSettled flags ledger entries settled and deposits reconciled,
// or clears both flags. Clearing skips deposits that no longer exist.
func SetCandidatesSettled(ctx context.Context, r Repository, refs []models.CandidateRef, settled bool) error {
	var entryIDs []string
	for _, ref := range refs {
		switch ref.Kind {
		case models.KindLedgerEntry:
			entryIDs = append(entryIDs, ref.ID)
		case models.KindBatchDeposit:
			err := r.MarkDepositReconciled(ctx, ref.ID, settled)
			if err != nil && (settled || !errors.IsNotFound(err)) {
				return err
			}
		}
	}
	if len(entryIDs) == 0 {
		return nil
	}
	return r.SetEntriesSettled(ctx, entryIDs, settled)
}
