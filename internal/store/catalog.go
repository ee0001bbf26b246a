package store

import (
	"context"
	"time"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"

	"gorm.io/gorm/clause"
)

// Journals

func (s *GormStore) SaveJournal(ctx context.Context, j *models.Journal) error {
	if j.ID == "" {
		var existing models.Journal
		err := s.conn(ctx).Where("name = ?", j.Name).Limit(1).Find(&existing).Error
		if err != nil {
			return storageErr("load journal", err)
		}
		j.ID = existing.ID
		if existing.ID != "" {
			j.CreatedAt = existing.CreatedAt
		}
	}
	return storageErr("save journal", s.conn(ctx).Save(j).Error)
}

func (s *GormStore) GetJournal(ctx context.Context, name string) (*models.Journal, error) {
	var j models.Journal
	if err := s.conn(ctx).First(&j, "name = ?", name).Error; err != nil {
		return nil, lookupErr("journal", name, err)
	}
	return &j, nil
}

func (s *GormStore) ListJournals(ctx context.Context) ([]models.Journal, error) {
	var out []models.Journal
	if err := s.conn(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, storageErr("list journals", err)
	}
	return out, nil
}

// Rules

func (s *GormStore) SaveRule(ctx context.Context, r *models.Rule) error {
	return storageErr("save rule", s.conn(ctx).Save(r).Error)
}

func (s *GormStore) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	var r models.Rule
	if err := s.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, lookupErr("rule", id, err)
	}
	return &r, nil
}

func (s *GormStore) DeleteRule(ctx context.Context, id string) error {
	return requireAffected(s.conn(ctx).Delete(&models.Rule{}, "id = ?", id), "rule", id)
}

// ListRules returns rules in evaluation order.
func (s *GormStore) ListRules(ctx context.Context, activeOnly bool) ([]models.Rule, error) {
	db := s.conn(ctx)
	if activeOnly {
		db = db.Where("active = ?", true)
	}
	var out []models.Rule
	if err := db.Order("sequence ASC, created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, storageErr("list rules", err)
	}
	return out, nil
}

// Sessions

func (s *GormStore) SaveSession(ctx context.Context, rs *models.ReconciliationSession) error {
	rs.StatementEndingDate = models.Day(rs.StatementEndingDate)
	return storageErr("save session", s.conn(ctx).Save(rs).Error)
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*models.ReconciliationSession, error) {
	var rs models.ReconciliationSession
	if err := s.conn(ctx).First(&rs, "id = ?", id).Error; err != nil {
		return nil, lookupErr("reconciliation session", id, err)
	}
	return &rs, nil
}

// DraftSession returns the open session of scope, or a NotFound error.
func (s *GormStore) DraftSession(ctx context.Context, scope string) (*models.ReconciliationSession, error) {
	var rs models.ReconciliationSession
	err := s.conn(ctx).
		Where("scope = ? AND state = ?", scope, models.SessionDraft).
		Order("created_at DESC").
		First(&rs).Error
	if err != nil {
		return nil, lookupErr("draft session", scope, err)
	}
	return &rs, nil
}

func (s *GormStore) LastReconciledSession(ctx context.Context, scope string) (*models.ReconciliationSession, error) {
	var rs models.ReconciliationSession
	err := s.conn(ctx).
		Where("scope = ? AND state = ?", scope, models.SessionReconciled).
		Order("statement_ending_date DESC, reconciled_at DESC, id DESC").
		First(&rs).Error
	if err != nil {
		return nil, lookupErr("reconciled session", scope, err)
	}
	return &rs, nil
}

// DeleteSession removes a session. Its transactions are detached, not deleted.
func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.conn(ctx).Model(&models.Transaction{}).
		Where("session_id = ?", id).
		Update("session_id", "").Error; err != nil {
		return storageErr("detach session transactions", err)
	}
	return requireAffected(s.conn(ctx).Delete(&models.ReconciliationSession{}, "id = ?", id), "reconciliation session", id)
}

// Cache flags

func (s *GormStore) GetCacheFlag(ctx context.Context, kind, scope string) (*models.CacheFlag, error) {
	var f models.CacheFlag
	if err := s.conn(ctx).First(&f, "kind = ? AND scope = ?", kind, scope).Error; err != nil {
		return nil, lookupErr("cache flag", kind+"/"+scope, err)
	}
	return &f, nil
}

func (s *GormStore) PutCacheFlag(ctx context.Context, flag *models.CacheFlag) error {
	if flag.Kind == "" || flag.Scope == "" {
		return errors.ValidationError(errors.CodeMissingField, "cache flag key", flag.Kind+"/"+flag.Scope, nil)
	}
	flag.UpdatedAt = time.Now().UTC()
	return storageErr("save cache flag", s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"stale", "updated_at"}),
	}).Create(flag).Error)
}
