package matcher_test

import (
	"context"
	"testing"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/matcher"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/rules"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/internal/testutil"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *store.GormStore
	journal *models.Journal
	cache   *cache.MemoryCache
	rules   *rules.Store
	engine  *matcher.MatchingEngine
}

func newFixture(t *testing.T, configure ...func(*matcher.MatchingConfig)) *fixture {
	t.Helper()
	s := testutil.SetupTestStore(t)
	f := &fixture{
		store:   s,
		journal: testutil.CreateTestJournal(t, s, "checking"),
		cache:   cache.NewMemoryCache(),
	}
	cfg := matcher.DefaultMatchingConfig()
	for _, fn := range configure {
		fn(cfg)
	}
	f.rules = rules.NewStore(s, f.cache, logger.Discard())
	f.engine = matcher.NewMatchingEngine(s, f.rules, f.cache, cfg, logger.Discard())
	return f
}

func (f *fixture) run(t *testing.T) *matcher.PassResult {
	t.Helper()
	res, err := f.engine.RunScope(context.Background(), "checking")
	require.NoError(t, err)
	return res
}

func (f *fixture) reload(t *testing.T, id string) *models.Transaction {
	t.Helper()
	txn, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func selectedRef(txn *models.Transaction) string {
	for _, p := range txn.Proposals {
		if p.Selected {
			return p.CandidateID
		}
	}
	return ""
}

func TestRunScope_SingleExactMatch(t *testing.T) {
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "-150.00", "2024-03-05", "Supplier payment")
	payment := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "150.00", "2024-03-01")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "149.99", "2024-03-01")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionInbound, "150.00", "2024-03-01")

	res := f.run(t)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Summary.Proposed)
	assert.Equal(t, 1, res.Summary.Written)
	assert.Empty(t, res.Failures)

	got := f.reload(t, txn.ID)
	assert.Equal(t, models.ActionMatch, got.ActionType)
	require.Len(t, got.Proposals, 1)
	assert.Equal(t, payment.ID, selectedRef(got))
	assert.Equal(t, "150.00", got.Proposals[0].Amount.String())
	assert.Equal(t, models.StatusOpen, got.Status, "proposing does not confirm")
}

func TestRunScope_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.CreateTestTransaction(t, f.store, "checking", "-150.00", "2024-03-05", "Supplier payment")
	testutil.CreateTestTransaction(t, f.store, "checking", "-20.00", "2024-03-05", "Unknown")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "150.00", "2024-03-01")

	first := f.run(t)
	assert.Equal(t, 1, first.Summary.Written)

	t.Run("not stale skips the pass", func(t *testing.T) {
		res := f.run(t)
		assert.True(t, res.Skipped)
		assert.Empty(t, res.Outcomes)
	})

	t.Run("stale but unchanged writes nothing", func(t *testing.T) {
		require.NoError(t, cache.MarkScope(ctx, f.cache, "checking"))
		res := f.run(t)
		assert.False(t, res.Skipped)
		assert.Equal(t, 0, res.Summary.Written)
		assert.Equal(t, 2, res.Summary.Unchanged)

		stale, err := cache.AnyStale(ctx, f.cache, "checking")
		require.NoError(t, err)
		assert.False(t, stale)
	})
}

func TestRunScope_NoDoubleClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := testutil.CreateTestTransaction(t, f.store, "checking", "-100.00", "2024-03-05", "Rent")
	b := testutil.CreateTestTransaction(t, f.store, "checking", "-100.00", "2024-03-06", "Rent again")
	payment := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "100.00", "2024-03-01")

	res := f.run(t)
	assert.Equal(t, 1, res.Summary.Proposed)
	assert.Equal(t, 1, res.Summary.Unmatched)

	assert.Equal(t, payment.ID, selectedRef(f.reload(t, a.ID)))
	assert.Empty(t, selectedRef(f.reload(t, b.ID)))

	claims, err := f.store.FindClaims(ctx, nil, "")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
	assert.Equal(t, a.ID, claims[models.CandidateRef{Kind: models.KindLedgerEntry, ID: payment.ID}])

	t.Run("excluding the holder releases the candidate", func(t *testing.T) {
		_, err := f.engine.Exclude(ctx, a.ID)
		require.NoError(t, err)

		f.run(t)
		assert.Equal(t, payment.ID, selectedRef(f.reload(t, b.ID)))

		excluded := f.reload(t, a.ID)
		assert.Equal(t, models.StatusExcluded, excluded.Status)
		assert.Empty(t, excluded.Proposals)
	})

	t.Run("restore reopens without stealing", func(t *testing.T) {
		restored, err := f.engine.Restore(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOpen, restored.Status)

		f.run(t)
		assert.Equal(t, payment.ID, selectedRef(f.reload(t, b.ID)))
		assert.Empty(t, selectedRef(f.reload(t, a.ID)))
	})
}

func TestRunScope_TieBreak(t *testing.T) {
	t.Run("earliest date wins", func(t *testing.T) {
		f := newFixture(t)
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "-40.00", "2024-03-10", "Payment")
		testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "40.00", "2024-03-08")
		early := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "40.00", "2024-03-02")

		f.run(t)
		got := f.reload(t, txn.ID)
		assert.Equal(t, early.ID, selectedRef(got))
		assert.Len(t, got.Proposals, 2)
	})

	t.Run("ledger entry before deposit on the same day", func(t *testing.T) {
		f := newFixture(t)
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "500.00", "2024-03-10", "Deposit")
		testutil.CreateTestDeposit(t, f.store, "checking", models.DirectionInbound, "500.00", "2024-03-09")
		entry := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionInbound, "500.00", "2024-03-09")

		f.run(t)
		assert.Equal(t, entry.ID, selectedRef(f.reload(t, txn.ID)))
	})

	t.Run("future candidates are ignored", func(t *testing.T) {
		f := newFixture(t)
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "-40.00", "2024-03-10", "Payment")
		testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "40.00", "2024-03-11")

		f.run(t)
		got := f.reload(t, txn.ID)
		assert.Empty(t, selectedRef(got))
		assert.Equal(t, models.ActionAdd, got.ActionType)
	})

	t.Run("check number beats date", func(t *testing.T) {
		f := newFixture(t)
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "-75.00", "2024-03-10", "CHECK #1042")
		testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "75.00", "2024-03-01")
		check := testutil.CreateTestLedgerEntry(t, f.store, &models.LedgerEntry{
			Account:     f.journal.MatchAccount(models.DirectionOutbound),
			Credit:      models.MustParseAmount("75.00"),
			Date:        models.MustParseDay("2024-03-05"),
			Posted:      true,
			CheckNumber: "1042",
		})

		f.run(t)
		assert.Equal(t, check.ID, selectedRef(f.reload(t, txn.ID)))
	})
}

func TestRunScope_OtherMatching(t *testing.T) {
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "-200.00", "2024-03-10", "Two invoices")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "120.00", "2024-03-01")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "80.00", "2024-03-02")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "250.00", "2024-03-02")

	f.run(t)
	got := f.reload(t, txn.ID)
	assert.Equal(t, models.ActionAdd, got.ActionType)
	require.Len(t, got.Proposals, 2)
	for _, p := range got.Proposals {
		assert.False(t, p.Selected)
	}
}

func TestRunScope_Rules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fee := testutil.CreateTestTransaction(t, f.store, "checking", "-12.00", "2024-03-10", "Monthly FEE")
	sweep := testutil.CreateTestTransaction(t, f.store, "checking", "-300.00", "2024-03-10", "Sweep to savings")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "300.00", "2024-03-01")

	feeRule := &models.Rule{Name: "fees", Sequence: 1, Active: true, Account: "6100",
		LabelCondition: models.LabelContains, LabelParam: "fee"}
	require.NoError(t, f.rules.Save(ctx, feeRule))
	require.NoError(t, f.rules.Save(ctx, &models.Rule{Name: "sweep", Sequence: 2, Active: true,
		OutcomeKind: models.OutcomeTransfer, TransferScope: "savings",
		LabelCondition: models.LabelContains, LabelParam: "sweep"}))

	res := f.run(t)
	assert.Equal(t, 2, res.Summary.RulesApplied)
	assert.Equal(t, 1, res.Summary.Transfers)

	got := f.reload(t, fee.ID)
	assert.Equal(t, feeRule.ID, got.RuleID)
	assert.Equal(t, "6100", got.Account)
	assert.Equal(t, models.ActionAdd, got.ActionType)

	got = f.reload(t, sweep.ID)
	assert.Equal(t, models.ActionTransfer, got.ActionType)
	assert.Equal(t, "savings", got.TransferScope)
	assert.Empty(t, got.Proposals, "transfers are not matched")

	t.Run("deleting the rule clears what it set", func(t *testing.T) {
		require.NoError(t, f.rules.Delete(ctx, feeRule.ID))
		f.run(t)

		got := f.reload(t, fee.ID)
		assert.Empty(t, got.RuleID)
		assert.Empty(t, got.Account)
	})
}

func TestSelectCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "-200.00", "2024-03-10", "Two invoices")
	other := testutil.CreateTestTransaction(t, f.store, "checking", "-80.00", "2024-03-10", "Exact")
	p1 := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "120.00", "2024-03-01")
	p2 := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "80.00", "2024-03-02")
	inbound := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionInbound, "80.00", "2024-03-02")
	ref := func(e *models.LedgerEntry) models.CandidateRef {
		return models.CandidateRef{Kind: models.KindLedgerEntry, ID: e.ID}
	}

	f.run(t)
	require.Equal(t, p2.ID, selectedRef(f.reload(t, other.ID)))

	t.Run("claimed candidate", func(t *testing.T) {
		_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(p1), ref(p2)}, nil)
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("wrong direction", func(t *testing.T) {
		_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(inbound)}, nil)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidState))
	})

	t.Run("missing candidate", func(t *testing.T) {
		_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{{Kind: models.KindBatchDeposit, ID: "nope"}}, nil)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("manual selection survives passes", func(t *testing.T) {
		_, err := f.engine.Exclude(ctx, other.ID)
		require.NoError(t, err)

		got, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(p1), ref(p2), ref(p1)}, nil)
		require.NoError(t, err)
		assert.Equal(t, "200.00", got.SelectedTotal().String())
		assert.Equal(t, models.ActionMatch, got.ActionType)

		res := f.run(t)
		assert.Equal(t, 1, res.Summary.Manual)
		reloaded := f.reload(t, txn.ID)
		require.Len(t, reloaded.Proposals, 2)
		assert.True(t, reloaded.Proposals[0].Manual)
		assert.True(t, reloaded.Proposals[1].Selected)
	})

	t.Run("remainder needs an account", func(t *testing.T) {
		_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(p1)}, &matcher.Remainder{})
		assert.True(t, errors.HasCode(err, errors.CodeMissingAccount))
	})
}

func TestRunScope_Cancelled(t *testing.T) {
	f := newFixture(t)
	testutil.CreateTestTransaction(t, f.store, "checking", "-10.00", "2024-03-10", "Anything")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.RunScope(ctx, "checking")
	require.Error(t, err)

	stale, err := cache.AnyStale(context.Background(), f.cache, "checking")
	require.NoError(t, err)
	assert.True(t, stale, "an aborted pass leaves the scope stale")
}

func TestRunScope_UnknownScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RunScope(context.Background(), "nowhere")
	assert.True(t, errors.IsNotFound(err))
}

// racingRepo lets another line claim candidates right before a commit.
type racingRepo struct {
	store.Repository
	steal []func()
}

func (r *racingRepo) Atomic(ctx context.Context, fn func(repo store.Repository) error) error {
	if len(r.steal) > 0 {
		r.steal[0]()
		r.steal = r.steal[1:]
	}
	return r.Repository.Atomic(ctx, fn)
}

func TestRunScope_ConflictRetry(t *testing.T) {
	ctx := context.Background()
	noOther := func(c *matcher.MatchingConfig) { c.OtherMatching = false }

	setup := func(t *testing.T) (*fixture, *models.Transaction, *models.Transaction, []*models.LedgerEntry) {
		f := newFixture(t, noOther)
		a := testutil.CreateTestTransaction(t, f.store, "checking", "-100.00", "2024-03-05", "Rent")
		b := testutil.CreateTestTransaction(t, f.store, "checking", "-999.00", "2024-03-20", "Something else")
		p1 := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "100.00", "2024-03-01")
		p2 := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "100.00", "2024-03-02")
		return f, a, b, []*models.LedgerEntry{p1, p2}
	}
	claim := func(t *testing.T, f *fixture, holder *models.Transaction, entries ...*models.LedgerEntry) func() {
		return func() {
			var props []models.Proposal
			for i, e := range entries {
				props = append(props, models.Proposal{CandidateKind: models.KindLedgerEntry, CandidateID: e.ID, Amount: e.Credit, Rank: i, Selected: true})
			}
			require.NoError(t, f.store.ReplaceProposals(ctx, holder.ID, props))
		}
	}

	t.Run("retried once without the claimed candidate", func(t *testing.T) {
		f, a, b, entries := setup(t)
		racing := &racingRepo{Repository: f.store}
		racing.steal = []func(){claim(t, f, b, entries[0])}
		engine := matcher.NewMatchingEngine(racing, f.rules, f.cache, f.engine.Config, logger.Discard())

		res, err := engine.RunScope(ctx, "checking")
		require.NoError(t, err)
		assert.Empty(t, res.Failures)
		assert.Equal(t, 1, res.Summary.Retried)
		assert.Equal(t, entries[1].ID, selectedRef(f.reload(t, a.ID)))
	})

	t.Run("second conflict is a failure and the batch continues", func(t *testing.T) {
		f, a, b, entries := setup(t)
		racing := &racingRepo{Repository: f.store}
		racing.steal = []func(){claim(t, f, b, entries[0]), claim(t, f, b, entries[0], entries[1])}
		engine := matcher.NewMatchingEngine(racing, f.rules, f.cache, f.engine.Config, logger.Discard())

		res, err := engine.RunScope(ctx, "checking")
		require.NoError(t, err)
		require.Len(t, res.Failures, 1)
		assert.Equal(t, a.ID, res.Failures[0].TransactionID)
		assert.True(t, errors.IsConflict(res.Failures[0].Err))

		require.Len(t, res.Outcomes, 1)
		assert.Equal(t, b.ID, res.Outcomes[0].TransactionID)

		stale, err := cache.AnyStale(ctx, f.cache, "checking")
		require.NoError(t, err)
		assert.False(t, stale)
	})
}

type recordingApplier struct {
	applied []string
}

func (r *recordingApplier) ApplyTx(ctx context.Context, repo store.Repository, txn *models.Transaction) error {
	r.applied = append(r.applied, txn.ID)
	txn.Status = models.StatusConfirmed
	return repo.SaveTransaction(ctx, txn)
}

func TestRunScope_AutoApply(t *testing.T) {
	f := newFixture(t, func(c *matcher.MatchingConfig) { c.AutoApply = true })
	applier := &recordingApplier{}
	f.engine.SetApplier(applier)

	unique := testutil.CreateTestTransaction(t, f.store, "checking", "-150.00", "2024-03-05", "Unique")
	ambiguous := testutil.CreateTestTransaction(t, f.store, "checking", "-60.00", "2024-03-05", "Ambiguous")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "150.00", "2024-03-01")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "60.00", "2024-03-01")
	testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "60.00", "2024-03-02")

	res := f.run(t)
	assert.Equal(t, 1, res.Summary.AutoApplied)
	assert.Equal(t, []string{unique.ID}, applier.applied)
	assert.Equal(t, models.StatusConfirmed, f.reload(t, unique.ID).Status)
	assert.Equal(t, models.StatusOpen, f.reload(t, ambiguous.ID).Status)
}
