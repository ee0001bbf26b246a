package matcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/rules"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"
)

// RuleSource lists rules in evaluation order.
type RuleSource interface {
	List(ctx context.Context, activeOnly bool) ([]models.Rule, error)
}

// Applier settles a statement line inside a unit of work opened by the caller.
type Applier interface {
	ApplyTx(ctx context.Context, repo store.Repository, txn *models.Transaction) error
}

// MatchingEngine is the core engine responsible for proposing candidates
type MatchingEngine struct {
	Config *MatchingConfig

	repo    store.Repository
	rules   RuleSource
	cache   cache.Cache
	locator *Locator
	applier Applier
	log     logger.Logger

	scopeLocks sync.Map
}

// PassResult represents the result of one matching pass over a scope
type PassResult struct {
	Scope    string
	Skipped  bool
	Outcomes []*TransactionOutcome
	Failures []BatchFailure
	Summary  PassSummary
	Duration time.Duration
}

// PassSummary provides aggregate statistics about a pass
type PassSummary struct {
	OpenTransactions  int
	IndexedCandidates int
	RulesApplied      int
	Proposed          int
	Unmatched         int
	Transfers         int
	AutoApplied       int
	Manual            int
	Written           int
	Unchanged         int
	Retried           int
	Failed            int
}

// TransactionOutcome records what a pass decided for one open line
type TransactionOutcome struct {
	TransactionID string
	Date          time.Time
	Description   string
	Amount        models.Amount
	ActionType    models.ActionType
	RuleName      string
	Selected      *models.CandidateRef
	Proposals     int
	AutoApplied   bool
	Manual        bool
	Changed       bool
	Retried       bool
}

// BatchFailure is a statement line that could not be processed. The batch
// it belonged to carried on without it.
type BatchFailure struct {
	TransactionID string
	Err           error
}

func (f BatchFailure) Error() string {
	return fmt.Sprintf("transaction %s: %v", f.TransactionID, f.Err)
}

func (f BatchFailure) Unwrap() error { return f.Err }

// NewMatchingEngine creates a new matching engine with the specified configuration
func NewMatchingEngine(repo store.Repository, ruleSource RuleSource, c cache.Cache, config *MatchingConfig, log logger.Logger) *MatchingEngine {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &MatchingEngine{
		Config:  config,
		repo:    repo,
		rules:   ruleSource,
		cache:   c,
		locator: NewLocator(repo, config),
		log:     log.WithComponent("matcher"),
	}
}

// SetApplier enables AutoApply. Without an applier, AutoApply is ignored.
func (me *MatchingEngine) SetApplier(a Applier) {
	me.applier = a
}

// Locator returns the candidate locator used by passes.
func (me *MatchingEngine) Locator() *Locator {
	return me.locator
}

func (me *MatchingEngine) lockScope(scope string) func() {
	v, _ := me.scopeLocks.LoadOrStore(scope, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// pass holds what a scope pass loads once and shares across its lines.
type pass struct {
	journal *models.Journal
	rules   []models.Rule
	index   *CandidateIndex
	claims  store.Claims
}

func (p *pass) release(txn *models.Transaction) {
	for _, pr := range txn.Proposals {
		if pr.Selected && p.claims[pr.Ref()] == txn.ID {
			delete(p.claims, pr.Ref())
		}
	}
}

func (p *pass) reserve(txn *models.Transaction) {
	for _, pr := range txn.Proposals {
		if pr.Selected {
			p.claims[pr.Ref()] = txn.ID
		}
	}
}

// RunScope runs a full matching pass over the open lines of scope. When no
// staleness key of the scope is set the pass is skipped without reading or
// writing anything else.
func (me *MatchingEngine) RunScope(ctx context.Context, scope string) (*PassResult, error) {
	unlock := me.lockScope(scope)
	defer unlock()

	start := time.Now()
	result := &PassResult{Scope: scope}
	log := me.log.WithField("scope", scope)

	stale, err := cache.AnyStale(ctx, me.cache, scope)
	if err != nil {
		return nil, err
	}
	if !stale {
		result.Skipped = true
		log.Debug("Scope is up to date, skipping pass")
		return result, nil
	}

	// Keys are cleared before reading so that events arriving during the pass
	// leave the scope stale for the next one.
	if err := cache.ClearScope(ctx, me.cache, scope); err != nil {
		return nil, err
	}

	err = me.runPass(ctx, scope, result, log)
	result.Duration = time.Since(start)
	if err != nil {
		if markErr := cache.MarkScope(context.WithoutCancel(ctx), me.cache, scope); markErr != nil {
			log.WithError(markErr).Error("Failed to re-arm staleness keys")
		}
		return result, err
	}

	me.calculateSummary(result)
	log.WithFields(logger.Fields{
		"open":         result.Summary.OpenTransactions,
		"proposed":     result.Summary.Proposed,
		"unmatched":    result.Summary.Unmatched,
		"written":      result.Summary.Written,
		"auto_applied": result.Summary.AutoApplied,
		"failed":       result.Summary.Failed,
		"duration":     result.Duration.String(),
	}).Info("Matching pass completed")
	return result, nil
}

func (me *MatchingEngine) runPass(ctx context.Context, scope string, result *PassResult, log logger.Logger) error {
	ol := logger.NewOperationLogger("match_scope", log)

	journal, err := me.repo.GetJournal(ctx, scope)
	if err != nil {
		return err
	}

	ol.Step("load_rules")
	ruleList, err := me.rules.List(ctx, true)
	if err != nil {
		return err
	}

	ol.Step("load_transactions")
	txns, err := me.repo.ListTransactions(ctx, store.TransactionFilter{
		Scope:    scope,
		Statuses: []models.TransactionStatus{models.StatusOpen},
	})
	if err != nil {
		return err
	}
	result.Summary.OpenTransactions = len(txns)
	if len(txns) == 0 {
		return nil
	}

	var asOf time.Time
	for i := range txns {
		if txns[i].Date.After(asOf) {
			asOf = txns[i].Date
		}
	}

	ol.Step("build_index")
	index, err := me.locator.BuildIndex(ctx, journal, asOf)
	if err != nil {
		return err
	}
	claims, err := me.repo.FindClaims(ctx, nil, "")
	if err != nil {
		return err
	}
	result.Summary.IndexedCandidates = index.Size()

	p := &pass{journal: journal, rules: ruleList, index: index, claims: claims}

	var tracker *logger.ProgressTracker
	if me.Config.ProgressThreshold > 0 && len(txns) >= me.Config.ProgressThreshold {
		tracker = logger.NewProgressTracker(logger.ProgressConfig{
			Operation: "match " + scope,
			Total:     int64(len(txns)),
			Logger:    log,
		})
		defer tracker.Complete()
	}

	ol.Step("match")
	for i := range txns {
		if err := ctx.Err(); err != nil {
			ol.Error(err, "Matching pass cancelled")
			return err
		}

		txn := &txns[i]
		if txn.HasManualSelection() {
			result.Outcomes = append(result.Outcomes, &TransactionOutcome{
				TransactionID: txn.ID,
				Date:          txn.Date,
				Description:   txn.Description,
				Amount:        txn.Amount,
				ActionType:    txn.ActionType,
				Proposals:     len(txn.Proposals),
				Manual:        true,
			})
		} else if out, err := me.processTransaction(ctx, p, txn); err != nil {
			log.WithError(err).WithField("transaction", txn.ID).Warn("Failed to match transaction")
			result.Failures = append(result.Failures, BatchFailure{TransactionID: txn.ID, Err: err})
		} else {
			result.Outcomes = append(result.Outcomes, out)
		}

		if tracker != nil {
			tracker.Increment()
		}
	}

	ol.Success("Matching pass finished")
	return nil
}

// matchPlan is the state a line would have after the pass.
type matchPlan struct {
	txn       models.Transaction
	proposals []models.Proposal
	autoApply bool
	outcome   *TransactionOutcome
}

func (pl *matchPlan) selected() *models.CandidateRef {
	for _, p := range pl.proposals {
		if p.Selected {
			ref := p.Ref()
			return &ref
		}
	}
	return nil
}

// processTransaction plans and commits one line. A candidate claimed by
// another line between planning and commit is excluded and the line is
// planned once more.
func (me *MatchingEngine) processTransaction(ctx context.Context, p *pass, orig *models.Transaction) (*TransactionOutcome, error) {
	ignore := IgnoreFrom(p.claims, orig.ID)
	retried := false

	for {
		pl := me.plan(p, orig, ignore)
		pl.outcome.Retried = retried
		if !pl.outcome.Changed && !pl.autoApply {
			return pl.outcome, nil
		}

		err := me.commit(ctx, pl)
		if err == nil {
			p.release(orig)
			*orig = pl.txn
			p.reserve(orig)
			return pl.outcome, nil
		}

		ref := pl.selected()
		if retried || ref == nil || !errors.IsConflict(err) {
			return nil, err
		}
		me.log.WithFields(logger.Fields{
			"transaction": orig.ID,
			"candidate":   ref.String(),
		}).Warn("Candidate was claimed by another transaction, retrying without it")
		ignore[*ref] = true
		retried = true
	}
}

func (me *MatchingEngine) plan(p *pass, orig *models.Transaction, ignore Ignore) *matchPlan {
	pl := &matchPlan{txn: *orig}
	txn := &pl.txn
	out := &TransactionOutcome{
		TransactionID: orig.ID,
		Date:          orig.Date,
		Description:   orig.Description,
		Amount:        orig.Amount,
	}
	pl.outcome = out

	if r := rules.FirstMatch(p.rules, txn); r != nil {
		rules.Resolve(r, txn.Amount).ApplyTo(txn)
		out.RuleName = r.Name
	} else if txn.RuleID != "" {
		txn.ClearDisposition()
	}

	exact := 0
	if txn.ActionType != models.ActionTransfer {
		cands := me.locator.LocateIndexed(p.index, txn, ignore)
		exact = len(cands)
		if exact > 0 {
			pl.proposals = newProposals(cands, true)
			txn.ActionType = models.ActionMatch
		} else {
			if txn.ActionType == models.ActionMatch {
				txn.ActionType = models.ActionAdd
			}
			if me.Config.OtherMatching {
				pl.proposals = newProposals(me.locator.OtherMatchingIndexed(p.index, txn, ignore), false)
			}
		}
	}

	pl.autoApply = me.Config.AutoApply && me.applier != nil && exact == 1
	out.ActionType = txn.ActionType
	out.Selected = pl.selected()
	out.Proposals = len(pl.proposals)
	out.AutoApplied = pl.autoApply
	out.Changed = !sameDisposition(orig, txn) || !sameProposals(orig.Proposals, pl.proposals)
	return pl
}

// commit writes a plan in one unit of work. The selected candidate is checked
// again inside the unit so that a concurrent claim surfaces as a conflict.
func (me *MatchingEngine) commit(ctx context.Context, pl *matchPlan) error {
	return me.repo.Atomic(ctx, func(tx store.Repository) error {
		if ref := pl.selected(); ref != nil {
			claims, err := tx.FindClaims(ctx, []models.CandidateRef{*ref}, pl.txn.ID)
			if err != nil {
				return err
			}
			if owner, taken := claims[*ref]; taken {
				return errors.ConflictError(errors.CodeCandidateClaimed, string(ref.Kind), ref.ID, nil).
					WithContext("claimed_by", owner)
			}
		}

		if err := tx.SaveTransaction(ctx, &pl.txn); err != nil {
			return err
		}
		if err := tx.ReplaceProposals(ctx, pl.txn.ID, pl.proposals); err != nil {
			return err
		}
		pl.txn.Proposals = pl.proposals

		if pl.autoApply {
			return me.applier.ApplyTx(ctx, tx, &pl.txn)
		}
		return nil
	})
}

func newProposals(cands []models.Candidate, selectFirst bool) []models.Proposal {
	if len(cands) == 0 {
		return nil
	}
	out := make([]models.Proposal, len(cands))
	for i, c := range cands {
		out[i] = models.Proposal{
			CandidateKind: c.CandidateKind(),
			CandidateID:   c.CandidateID(),
			Amount:        c.CandidateAmount(),
			Date:          c.CandidateDate(),
			Rank:          i,
			Selected:      selectFirst && i == 0,
		}
	}
	return out
}

func sameProposals(a, b []models.Proposal) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Ref() != b[i].Ref() || a[i].Amount != b[i].Amount ||
			a[i].Rank != b[i].Rank || a[i].Selected != b[i].Selected || a[i].Manual != b[i].Manual {
			return false
		}
	}
	return true
}

func sameDisposition(a, b *models.Transaction) bool {
	if a.ActionType != b.ActionType || a.RuleID != b.RuleID || a.Account != b.Account ||
		a.Payee != b.Payee || a.RuleMemo != b.RuleMemo || a.TransferScope != b.TransferScope ||
		a.AddRemainder != b.AddRemainder || a.RemainderAccount != b.RemainderAccount {
		return false
	}
	if len(a.SplitLines) != len(b.SplitLines) {
		return false
	}
	for i := range a.SplitLines {
		if a.SplitLines[i] != b.SplitLines[i] {
			return false
		}
	}
	return true
}

// calculateSummary calculates summary statistics
func (me *MatchingEngine) calculateSummary(result *PassResult) {
	s := &result.Summary
	for _, out := range result.Outcomes {
		switch {
		case out.Manual:
			s.Manual++
			continue
		case out.ActionType == models.ActionTransfer:
			s.Transfers++
		case out.Selected != nil:
			s.Proposed++
		default:
			s.Unmatched++
		}
		if out.RuleName != "" {
			s.RulesApplied++
		}
		if out.AutoApplied {
			s.AutoApplied++
		}
		if out.Retried {
			s.Retried++
		}
		if out.Changed || out.AutoApplied {
			s.Written++
		} else {
			s.Unchanged++
		}
	}
	s.Failed = len(result.Failures)
}
