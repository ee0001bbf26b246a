package store

import (
	"context"
	"fmt"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ImportTransactions stores new statement lines and returns how many were
// created. A line whose ExternalRef already exists in its scope is skipped.
func (s *GormStore) ImportTransactions(ctx context.Context, txns []*models.Transaction) (int, error) {
	created := 0
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range txns {
			if err := t.Validate(); err != nil {
				return errors.Wrap(err, errors.CategoryValidation, errors.CodeMissingField, "invalid statement line")
			}
			if t.ExternalRef != "" {
				var count int64
				if err := tx.Model(&models.Transaction{}).
					Where("scope = ? AND external_ref = ?", t.Scope, t.ExternalRef).
					Count(&count).Error; err != nil {
					return storageErr("check duplicate statement line", err)
				}
				if count > 0 {
					s.log.WithFields(map[string]interface{}{"scope": t.Scope, "ref": t.ExternalRef}).
						Debug("Skipping already imported statement line")
					continue
				}
			}

			t.Date = models.Day(t.Date)
			if t.Status == "" {
				t.Status = models.StatusOpen
			}
			if t.ActionType == "" {
				t.ActionType = models.ActionAdd
			}
			if t.Memo == "" {
				t.Memo = t.Description
			}
			if err := tx.Omit(clause.Associations).Create(t).Error; err != nil {
				return storageErr("create statement line", err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// GetTransaction loads a statement line with its proposals (best first) and links.
func (s *GormStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.conn(ctx).
		Preload("Proposals", func(db *gorm.DB) *gorm.DB { return db.Order("rank ASC, id ASC") }).
		Preload("Links", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&t, "id = ?", id).Error
	if err != nil {
		return nil, lookupErr("transaction", id, err)
	}
	return &t, nil
}

// ListTransactions returns matching statement lines ordered by date then id,
// with proposals and links preloaded.
func (s *GormStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]models.Transaction, error) {
	q := s.conn(ctx).
		Preload("Proposals", func(db *gorm.DB) *gorm.DB { return db.Order("rank ASC, id ASC") }).
		Preload("Links", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
	if f.Scope != "" {
		q = q.Where("scope = ?", f.Scope)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if !f.MaxDate.IsZero() {
		q = q.Where("date <= ?", models.Day(f.MaxDate))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []models.Transaction
	if err := q.Order("date ASC, id ASC").Find(&out).Error; err != nil {
		return nil, storageErr("list transactions", err)
	}
	return out, nil
}

// SaveTransaction updates the row itself. Proposals and links have their own
// writers.
func (s *GormStore) SaveTransaction(ctx context.Context, t *models.Transaction) error {
	return storageErr("save transaction", s.conn(ctx).Omit(clause.Associations).Save(t).Error)
}

// DeleteTransaction removes a statement line together with its proposals and links.
func (s *GormStore) DeleteTransaction(ctx context.Context, id string) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("transaction_id = ?", id).Delete(&models.Proposal{}).Error; err != nil {
			return storageErr("delete proposals", err)
		}
		if err := tx.Where("transaction_id = ?", id).Delete(&models.MatchLink{}).Error; err != nil {
			return storageErr("delete match links", err)
		}
		return requireAffected(tx.Delete(&models.Transaction{}, "id = ?", id), "transaction", id)
	})
}

// ReplaceProposals swaps the whole proposal list of a transaction.
func (s *GormStore) ReplaceProposals(ctx context.Context, txnID string, proposals []models.Proposal) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("transaction_id = ?", txnID).Delete(&models.Proposal{}).Error; err != nil {
			return storageErr("clear proposals", err)
		}
		if len(proposals) == 0 {
			return nil
		}
		rows := make([]models.Proposal, len(proposals))
		for i, p := range proposals {
			p.ID = 0
			p.TransactionID = txnID
			rows[i] = p
		}
		return storageErr("create proposals", tx.Create(&rows).Error)
	})
}

func (s *GormStore) FindLinks(ctx context.Context, refs []models.CandidateRef) (Claims, error) {
	links := make(Claims)
	if refs != nil && len(refs) == 0 {
		return links, nil
	}

	db := s.conn(ctx).Model(&models.MatchLink{})
	wanted := make(map[models.CandidateRef]bool, len(refs))
	if refs != nil {
		ids := make([]string, len(refs))
		for i, r := range refs {
			ids[i] = r.ID
			wanted[r] = true
		}
		db = db.Where("candidate_id IN ?", ids)
	}
	var rows []models.MatchLink
	if err := db.Find(&rows).Error; err != nil {
		return nil, storageErr("load match links", err)
	}
	for _, l := range rows {
		if refs == nil || wanted[l.Ref()] {
			links[l.Ref()] = l.TransactionID
		}
	}
	return links, nil
}

// rejectLinked fails with a ConflictError naming the transaction when ref is
// matched to one.
func (s *GormStore) rejectLinked(ctx context.Context, ref models.CandidateRef) error {
	links, err := s.FindLinks(ctx, []models.CandidateRef{ref})
	if err != nil {
		return err
	}
	txnID, ok := links[ref]
	if !ok {
		return nil
	}
	return errors.ConflictError(errors.CodeCandidateClaimed, string(ref.Kind), ref.ID, nil).
		WithContext("transaction_id", txnID).
		WithSuggestion(fmt.Sprintf("unapply transaction %s first", txnID))
}

func (s *GormStore) FindClaims(ctx context.Context, refs []models.CandidateRef, excludeTxnID string) (Claims, error) {
	if refs != nil && len(refs) == 0 {
		return make(Claims), nil
	}

	var ids []string
	wanted := make(map[models.CandidateRef]bool, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
		wanted[r] = true
	}
	keep := func(ref models.CandidateRef) bool { return refs == nil || wanted[ref] }

	claims, err := s.FindLinks(ctx, refs)
	if err != nil {
		return nil, err
	}

	propQuery := s.conn(ctx).Model(&models.Proposal{}).
		Joins("JOIN transactions ON transactions.id = proposals.transaction_id").
		Where("proposals.selected = ? AND transactions.status = ?", true, models.StatusOpen)
	if excludeTxnID != "" {
		propQuery = propQuery.Where("proposals.transaction_id <> ?", excludeTxnID)
	}
	if refs != nil {
		propQuery = propQuery.Where("proposals.candidate_id IN ?", ids)
	}
	var reserved []models.Proposal
	if err := propQuery.Find(&reserved).Error; err != nil {
		return nil, storageErr("load reserved proposals", err)
	}
	for _, p := range reserved {
		if _, linked := claims[p.Ref()]; !linked && keep(p.Ref()) {
			claims[p.Ref()] = p.TransactionID
		}
	}
	return claims, nil
}

// CreateLinks inserts match links. A candidate that is already linked yields
// a ConflictError.
func (s *GormStore) CreateLinks(ctx context.Context, links []models.MatchLink) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range links {
			err := tx.Create(&links[i]).Error
			if err == nil {
				continue
			}
			if isUniqueConstraintError(err) {
				return errors.ConflictError(errors.CodeCandidateClaimed, string(links[i].CandidateKind), links[i].CandidateID, err)
			}
			return storageErr("create match links", err)
		}
		return nil
	})
}

func (s *GormStore) DeleteLinks(ctx context.Context, txnID string) error {
	return storageErr("delete match links",
		s.conn(ctx).Where("transaction_id = ?", txnID).Delete(&models.MatchLink{}).Error)
}
