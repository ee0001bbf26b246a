package store

import (
	"context"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"

	"gorm.io/gorm"
)

// QueryUnsettledEntries returns posted, unsettled entries that can be matched
// on their own: not a fund line, not part of a batch deposit and not the bank
// line of a document created for a statement line.
func (s *GormStore) QueryUnsettledEntries(ctx context.Context, q LedgerQuery) ([]models.LedgerEntry, error) {
	col := "debit"
	if q.Side == SideCredit {
		col = "credit"
	}

	db := s.conn(ctx).
		Where("settled = ? AND posted = ? AND is_fund_line = ?", false, true, false).
		Where("(transaction_id = '' OR transaction_id IS NULL)").
		Where("(batch_deposit_id = '' OR batch_deposit_id IS NULL)").
		Where(col + " > 0")
	if q.Account != "" {
		db = db.Where("account = ?", q.Account)
	}
	if !q.MaxDate.IsZero() {
		db = db.Where("date <= ?", models.Day(q.MaxDate))
	}
	if q.Amount > 0 {
		db = db.Where(col+" = ?", q.Amount)
	}
	if q.MaxAmount > 0 {
		db = db.Where(col+" <= ?", q.MaxAmount)
	}
	if q.PartnerID != "" {
		db = db.Where("(partner_id = ? OR partner_id = '' OR partner_id IS NULL)", q.PartnerID)
	}
	if q.CheckNumber != "" {
		db = db.Where("check_number = ?", q.CheckNumber)
	}

	var out []models.LedgerEntry
	if err := db.Order("date ASC, id ASC").Find(&out).Error; err != nil {
		return nil, storageErr("query ledger entries", err)
	}
	return out, nil
}

func (s *GormStore) GetLedgerEntries(ctx context.Context, ids []string) ([]models.LedgerEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.LedgerEntry
	if err := s.conn(ctx).Where("id IN ?", ids).Order("id ASC").Find(&out).Error; err != nil {
		return nil, storageErr("load ledger entries", err)
	}
	return out, nil
}

// CreateLedgerEntries stores standalone journal items, e.g. from a ledger import.
func (s *GormStore) CreateLedgerEntries(ctx context.Context, entries []*models.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		e.Date = models.Day(e.Date)
	}
	return storageErr("create ledger entries", s.conn(ctx).Create(entries).Error)
}

func (s *GormStore) UpdateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	entry.Date = models.Day(entry.Date)
	res := s.conn(ctx).Model(entry).Select("*").Omit("id", "created_at").Updates(entry)
	return requireAffected(res, "ledger entry", entry.ID)
}

// DeleteLedgerEntry removes a journal item unless a statement line is matched
// to it.
func (s *GormStore) DeleteLedgerEntry(ctx context.Context, id string) error {
	if err := s.rejectLinked(ctx, models.CandidateRef{Kind: models.KindLedgerEntry, ID: id}); err != nil {
		return err
	}
	return requireAffected(s.conn(ctx).Delete(&models.LedgerEntry{}, "id = ?", id), "ledger entry", id)
}

func (s *GormStore) SetEntriesSettled(ctx context.Context, ids []string, settled bool) error {
	if len(ids) == 0 {
		return nil
	}
	return storageErr("settle ledger entries",
		s.conn(ctx).Model(&models.LedgerEntry{}).Where("id IN ?", ids).Update("settled", settled).Error)
}

// CreateLedgerDocument stores a balanced document with its entries. Entries
// inherit the document date when they have none and are posted with it.
func (s *GormStore) CreateLedgerDocument(ctx context.Context, doc *models.LedgerDocument) error {
	if len(doc.Entries) == 0 || !doc.Balanced() {
		return errors.Invalid(errors.CodeInvalidState, "ledger document for %s is not balanced", doc.Scope)
	}
	doc.Date = models.Day(doc.Date)
	if doc.State == "" {
		doc.State = models.DocumentDraft
	}
	for i := range doc.Entries {
		e := &doc.Entries[i]
		if e.Date.IsZero() {
			e.Date = doc.Date
		}
		e.Date = models.Day(e.Date)
		e.Posted = doc.State == models.DocumentPosted
	}
	return storageErr("create ledger document", s.conn(ctx).Create(doc).Error)
}

func (s *GormStore) GetDocument(ctx context.Context, id string) (*models.LedgerDocument, error) {
	var doc models.LedgerDocument
	err := s.conn(ctx).
		Preload("Entries", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&doc, "id = ?", id).Error
	if err != nil {
		return nil, lookupErr("ledger document", id, err)
	}
	return &doc, nil
}

func (s *GormStore) PostDocument(ctx context.Context, id string) error {
	return s.setDocumentState(ctx, id, models.DocumentPosted)
}

func (s *GormStore) CancelDocument(ctx context.Context, id string) error {
	return s.setDocumentState(ctx, id, models.DocumentCancelled)
}

func (s *GormStore) setDocumentState(ctx context.Context, id string, state models.DocumentState) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.LedgerDocument{}).Where("id = ?", id).Update("state", state)
		if err := requireAffected(res, "ledger document", id); err != nil {
			return err
		}
		return storageErr("update ledger entries", tx.Model(&models.LedgerEntry{}).
			Where("document_id = ?", id).
			Update("posted", state == models.DocumentPosted).Error)
	})
}

// DeleteDocument removes a document and its entries.
func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&models.LedgerEntry{}).Error; err != nil {
			return storageErr("delete ledger entries", err)
		}
		return requireAffected(tx.Delete(&models.LedgerDocument{}, "id = ?", id), "ledger document", id)
	})
}
