// Package reconciler ties the matching components together behind one facade.
//
// The Engine owns the staleness cache and hands the same instance to every
// component, so that each data change marks exactly the scopes it affects.
// Statement imports, ledger imports and deposit edits go through the Engine;
// passes, curation, settlement and sessions are reached through its exported
// components.
//
// Example usage:
//
//	engine, err := reconciler.New(repo, reconciler.DefaultConfig(), nil, settlement.DefaultConfig(), log)
//	if err != nil {
//		return err
//	}
//	if _, err := engine.ImportStatementFile(ctx, "march.csv", "checking", nil); err != nil {
//		return err
//	}
//	results, err := engine.RunAll(ctx)
package reconciler

import (
	"context"
	"sort"
	"time"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/matcher"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/rules"
	"golang-bankmatch-service/internal/session"
	"golang-bankmatch-service/internal/settlement"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"

	"github.com/sourcegraph/conc/pool"
)

// Engine is the entry point for everything that reads or changes
// reconciliation data.
type Engine struct {
	Rules      *rules.Store
	Matcher    *matcher.MatchingEngine
	Settlement *settlement.Applier
	Sessions   *session.Manager

	config *Config
	repo   store.Repository
	cache  cache.Cache
	log    logger.Logger
}

// New wires the components over repo. A nil config or matching config
// falls back to the defaults.
func New(repo store.Repository, config *Config, matching *matcher.MatchingConfig, settle settlement.Config, log logger.Logger) (*Engine, error) {
	if repo == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "repository", nil, nil).
			WithSuggestion("Open a store before creating the engine")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if matching == nil {
		matching = matcher.DefaultMatchingConfig()
	}
	if err := matching.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	c := config.NewCache(repo)
	e := &Engine{
		Rules:      rules.NewStore(repo, c, log),
		Settlement: settlement.NewApplier(repo, c, settle, log),
		Sessions:   session.NewManager(repo, c, log),
		config:     config,
		repo:       repo,
		cache:      c,
		log:        log.WithComponent("engine"),
	}
	e.Matcher = matcher.NewMatchingEngine(repo, e.Rules, c, matching, log)
	e.Matcher.SetApplier(e.Settlement)

	e.log.WithFields(logger.Fields{
		"cache":          config.CacheBackend,
		"max_concurrent": config.MaxConcurrentScopes,
		"auto_apply":     matching.AutoApply,
	}).Debug("Engine created")
	return e, nil
}

// Cache returns the staleness cache shared by the components.
func (e *Engine) Cache() cache.Cache {
	return e.cache
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// Journals lists the configured bank journals.
func (e *Engine) Journals(ctx context.Context) ([]models.Journal, error) {
	return e.repo.ListJournals(ctx)
}

// SaveJournal creates or updates a bank journal. Its scope is marked stale
// so that the next pass uses the new accounts.
func (e *Engine) SaveJournal(ctx context.Context, j *models.Journal) error {
	if err := validateModel("journal", j); err != nil {
		return err
	}
	if err := e.repo.SaveJournal(ctx, j); err != nil {
		return err
	}
	e.log.WithFields(logger.Fields{"journal": j.Name, "type": j.Type}).Info("Journal saved")
	return cache.MarkScope(ctx, e.cache, j.Name)
}

// RunScope runs one matching pass over scope.
func (e *Engine) RunScope(ctx context.Context, scope string) (*matcher.PassResult, error) {
	if _, err := e.repo.GetJournal(ctx, scope); err != nil {
		return nil, err
	}
	return e.Matcher.RunScope(ctx, scope)
}

// RunAll runs a pass over every journal, at most MaxConcurrentScopes at a
// time. Scopes that fail do not stop the others; their errors are joined in
// the returned error and the results of the remaining scopes are still
// returned, ordered by scope.
func (e *Engine) RunAll(ctx context.Context) ([]*matcher.PassResult, error) {
	journals, err := e.repo.ListJournals(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ol := logger.NewOperationLogger("run_all", e.log).WithFields(logger.Fields{
		"scopes":         len(journals),
		"max_concurrent": e.config.MaxConcurrentScopes,
	})

	p := pool.NewWithResults[*matcher.PassResult]().
		WithMaxGoroutines(e.config.MaxConcurrentScopes).
		WithContext(ctx)
	for _, j := range journals {
		scope := j.Name
		p.Go(func(ctx context.Context) (*matcher.PassResult, error) {
			result, err := e.Matcher.RunScope(ctx, scope)
			if err != nil {
				return nil, errors.WrapIfNeeded(err, errors.CategoryInternal, errors.CodeUnexpectedError, "matching pass failed").
					WithContext("scope", scope)
			}
			return result, nil
		})
	}

	results, err := p.Wait()
	sort.Slice(results, func(i, k int) bool { return results[i].Scope < results[k].Scope })

	skipped := 0
	for _, r := range results {
		if r.Skipped {
			skipped++
		}
	}
	if err != nil {
		ol.Error(err, "One or more matching passes failed")
		return results, err
	}
	ol.WithFields(logger.Fields{
		"completed": len(results),
		"skipped":   skipped,
		"duration":  time.Since(start).String(),
	}).Success("All scopes matched")
	return results, nil
}
