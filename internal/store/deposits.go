package store

import (
	"context"

	"golang-bankmatch-service/internal/models"
)

func (s *GormStore) QueryUnreconciledDeposits(ctx context.Context, q DepositQuery) ([]models.BatchDeposit, error) {
	db := s.conn(ctx).Where("reconciled = ?", false)
	if q.Scope != "" {
		db = db.Where("scope = ?", q.Scope)
	}
	if q.Direction != "" {
		db = db.Where("direction = ?", q.Direction)
	}
	if !q.MaxDate.IsZero() {
		db = db.Where("date <= ?", models.Day(q.MaxDate))
	}
	if q.Amount > 0 {
		db = db.Where("amount = ?", q.Amount)
	}
	if q.MaxAmount > 0 {
		db = db.Where("amount <= ?", q.MaxAmount)
	}

	var out []models.BatchDeposit
	if err := db.Order("date ASC, id ASC").Find(&out).Error; err != nil {
		return nil, storageErr("query batch deposits", err)
	}
	return out, nil
}

func (s *GormStore) GetDeposits(ctx context.Context, ids []string) ([]models.BatchDeposit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.BatchDeposit
	if err := s.conn(ctx).Where("id IN ?", ids).Order("id ASC").Find(&out).Error; err != nil {
		return nil, storageErr("load batch deposits", err)
	}
	return out, nil
}

// SaveDeposit creates or fully updates a batch deposit.
func (s *GormStore) SaveDeposit(ctx context.Context, d *models.BatchDeposit) error {
	d.Date = models.Day(d.Date)
	return storageErr("save batch deposit", s.conn(ctx).Save(d).Error)
}

// DeleteDeposit removes a deposit and releases the entries grouped in it. A
// deposit matched to a statement line cannot be deleted.
func (s *GormStore) DeleteDeposit(ctx context.Context, id string) error {
	if err := s.rejectLinked(ctx, models.CandidateRef{Kind: models.KindBatchDeposit, ID: id}); err != nil {
		return err
	}
	if err := s.conn(ctx).Model(&models.LedgerEntry{}).
		Where("batch_deposit_id = ?", id).
		Update("batch_deposit_id", "").Error; err != nil {
		return storageErr("release batch entries", err)
	}
	return requireAffected(s.conn(ctx).Delete(&models.BatchDeposit{}, "id = ?", id), "batch deposit", id)
}

func (s *GormStore) MarkDepositReconciled(ctx context.Context, id string, reconciled bool) error {
	res := s.conn(ctx).Model(&models.BatchDeposit{}).Where("id = ?", id).Update("reconciled", reconciled)
	return requireAffected(res, "batch deposit", id)
}
