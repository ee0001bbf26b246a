// Package rules stores bank rules and evaluates them against statement lines.
package rules

import (
	"context"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/logger"
)

// Repository is the persistence the rule store needs.
type Repository interface {
	store.RuleRepository
	ListJournals(ctx context.Context) ([]models.Journal, error)
}

// Store manages rules and keeps the rule-apply cache keys in sync with them.
type Store struct {
	repo  Repository
	cache cache.Cache
	log   logger.Logger
}

func NewStore(repo Repository, c cache.Cache, log logger.Logger) *Store {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Store{repo: repo, cache: c, log: log.WithComponent("rules")}
}

// Save validates and stores r. Every scope the rule covered before or covers
// now is marked for rule re-application.
func (s *Store) Save(ctx context.Context, r *models.Rule) error {
	Normalize(r)
	if err := Validate(r); err != nil {
		return err
	}

	var before []string
	unrestrictedBefore := false
	if r.ID != "" {
		if old, err := s.repo.GetRule(ctx, r.ID); err == nil {
			before = old.Scopes
			unrestrictedBefore = len(old.Scopes) == 0
			r.CreatedAt = old.CreatedAt
		}
	}

	if err := s.repo.SaveRule(ctx, r); err != nil {
		return err
	}
	s.log.WithFields(logger.Fields{"rule": r.Name, "id": r.ID}).Info("Rule saved")

	if unrestrictedBefore || len(r.Scopes) == 0 {
		return s.markAll(ctx)
	}
	return s.mark(ctx, append(before, r.Scopes...))
}

func (s *Store) Get(ctx context.Context, id string) (*models.Rule, error) {
	return s.repo.GetRule(ctx, id)
}

// List returns rules in evaluation order.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]models.Rule, error) {
	rules, err := s.repo.ListRules(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	SortRules(rules)
	return rules, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	r, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.log.WithFields(logger.Fields{"rule": r.Name, "id": id}).Info("Rule deleted")

	if len(r.Scopes) == 0 {
		return s.markAll(ctx)
	}
	return s.mark(ctx, r.Scopes)
}

// Evaluate returns the outcome of the first matching active rule, or nil.
func (s *Store) Evaluate(ctx context.Context, txn *models.Transaction) (*Outcome, error) {
	rules, err := s.List(ctx, true)
	if err != nil {
		return nil, err
	}
	if r := FirstMatch(rules, txn); r != nil {
		return Resolve(r, txn.Amount), nil
	}
	return nil, nil
}

func (s *Store) markAll(ctx context.Context) error {
	journals, err := s.repo.ListJournals(ctx)
	if err != nil {
		return err
	}
	scopes := make([]string, len(journals))
	for i, j := range journals {
		scopes[i] = j.Name
	}
	return s.mark(ctx, scopes)
}

func (s *Store) mark(ctx context.Context, scopes []string) error {
	if s.cache == nil {
		return nil
	}
	seen := make(map[string]bool, len(scopes))
	for _, scope := range scopes {
		if seen[scope] {
			continue
		}
		seen[scope] = true
		if err := s.cache.MarkStale(ctx, cache.Key{Kind: cache.KindRuleApply, Scope: scope}); err != nil {
			return err
		}
	}
	return nil
}

// DryRunResult is what applying the rules would do to one statement line.
type DryRunResult struct {
	Transaction models.Transaction
	Outcome     *Outcome
}

// DryRun evaluates the active rules against txns without writing anything.
func (s *Store) DryRun(ctx context.Context, txns []models.Transaction) ([]DryRunResult, error) {
	rules, err := s.List(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]DryRunResult, 0, len(txns))
	for i := range txns {
		res := DryRunResult{Transaction: txns[i]}
		if r := FirstMatch(rules, &txns[i]); r != nil {
			res.Outcome = Resolve(r, txns[i].Amount)
		}
		out = append(out, res)
	}
	return out, nil
}
