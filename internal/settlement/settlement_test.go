package settlement_test

import (
	"context"
	"testing"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/matcher"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/rules"
	"golang-bankmatch-service/internal/settlement"
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
	engine  *matcher.MatchingEngine
	applier *settlement.Applier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := testutil.SetupTestStore(t)
	c := cache.NewMemoryCache()
	return &fixture{
		store:   s,
		journal: testutil.CreateTestJournal(t, s, "checking"),
		cache:   c,
		engine:  matcher.NewMatchingEngine(s, rules.NewStore(s, c, logger.Discard()), c, nil, logger.Discard()),
		applier: settlement.NewApplier(s, c, settlement.DefaultConfig(), logger.Discard()),
	}
}

func (f *fixture) reload(t *testing.T, id string) *models.Transaction {
	t.Helper()
	txn, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (f *fixture) entry(t *testing.T, id string) models.LedgerEntry {
	t.Helper()
	entries, err := f.store.GetLedgerEntries(context.Background(), []string{id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func (f *fixture) deposit(t *testing.T, id string) models.BatchDeposit {
	t.Helper()
	deposits, err := f.store.GetDeposits(context.Background(), []string{id})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	return deposits[0]
}

func (f *fixture) save(t *testing.T, txn *models.Transaction) {
	t.Helper()
	require.NoError(t, f.store.SaveTransaction(context.Background(), txn))
}

func ref(c models.Candidate) models.CandidateRef { return models.RefOf(c) }

func TestApply_ProposedMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "-150.00", "2024-03-05", "Supplier payment")
	payment := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "150.00", "2024-03-01")

	_, err := f.engine.RunScope(ctx, "checking")
	require.NoError(t, err)
	stale, err := cache.AnyStale(ctx, f.cache, "checking")
	require.NoError(t, err)
	require.False(t, stale)

	res, err := f.applier.Apply(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, res.Links, 1)
	assert.Equal(t, payment.ID, res.Links[0].CandidateID)
	assert.Equal(t, "Matched to "+ref(payment).String(), res.Label)

	got := f.reload(t, txn.ID)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, models.MustParseAmount("150.00"), got.LinkedTotal())
	assert.True(t, f.entry(t, payment.ID).Settled)

	stale, err = cache.AnyStale(ctx, f.cache, "checking")
	require.NoError(t, err)
	assert.True(t, stale, "applying must invalidate the scope")

	t.Run("second apply is rejected", func(t *testing.T) {
		_, err := f.applier.Apply(ctx, txn.ID)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidState))
	})
}

func TestApply_ManualMatchMany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "200.00", "2024-03-05", "Customer remittance")
	a := testutil.CreateTestDeposit(t, f.store, "checking", models.DirectionInbound, "120.00", "2024-03-01")
	b := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionInbound, "80.00", "2024-03-02")

	_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(a), ref(b)}, nil)
	require.NoError(t, err)

	res, err := f.applier.Apply(ctx, txn.ID)
	require.NoError(t, err)
	assert.Len(t, res.Links, 2)
	assert.Equal(t, "Matched to multiple transactions", res.Label)
	assert.True(t, f.deposit(t, a.ID).Reconciled)
	assert.True(t, f.entry(t, b.ID).Settled)

	got := f.reload(t, txn.ID)
	assert.Equal(t, got.AbsAmount(), got.LinkedTotal())
}

func TestApply_ResidualMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "-50.00", "2024-03-05", "Card settlement")
	payment := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "40.00", "2024-03-01")

	_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(payment)}, nil)
	require.NoError(t, err)

	_, err = f.applier.Apply(ctx, txn.ID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeResidualMismatch))
	re, ok := errors.AsReconcilerError(err)
	require.True(t, ok)
	assert.Equal(t, "10.00", re.Context["difference"])

	got := f.reload(t, txn.ID)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Empty(t, got.Links)
	assert.False(t, f.entry(t, payment.ID).Settled, "a rejected settlement writes nothing")

	t.Run("remainder books the difference", func(t *testing.T) {
		_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(payment)},
			&matcher.Remainder{Account: "expense:bank-fees", Memo: "card fee"})
		require.NoError(t, err)

		res, err := f.applier.Apply(ctx, txn.ID)
		require.NoError(t, err)
		require.NotEmpty(t, res.RemainderDocumentID)

		doc, err := f.store.GetDocument(ctx, res.RemainderDocumentID)
		require.NoError(t, err)
		assert.True(t, doc.Balanced())
		assert.Equal(t, models.DocumentPosted, doc.State)
		assert.Equal(t, "card fee", doc.Memo)
		require.Len(t, doc.Entries, 2)
		for _, e := range doc.Entries {
			assert.Equal(t, models.MustParseAmount("10.00"), e.CandidateAmount())
		}
	})

	t.Run("remainder needs a shortfall", func(t *testing.T) {
		other := testutil.CreateTestTransaction(t, f.store, "checking", "-25.00", "2024-03-06", "Exact")
		p := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "25.00", "2024-03-01")
		_, err := f.engine.SelectCandidates(ctx, other.ID, []models.CandidateRef{ref(p)}, &matcher.Remainder{Account: "expense:misc"})
		require.NoError(t, err)

		_, err = f.applier.Apply(ctx, other.ID)
		assert.True(t, errors.HasCode(err, errors.CodeResidualMismatch))
	})
}

func TestApply_Add(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("single account", func(t *testing.T) {
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "-42.50", "2024-03-05", "Office supplies")
		txn.Account = "expense:office"
		txn.Payee = "Stationer"
		f.save(t, txn)

		res, err := f.applier.Apply(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, "Added to expense:office", res.Label)

		doc, err := f.store.GetDocument(ctx, res.DocumentID)
		require.NoError(t, err)
		assert.Equal(t, models.DocumentVoucher, doc.Kind)
		assert.Equal(t, txn.Date, doc.Date)
		assert.True(t, doc.Balanced())
		require.Len(t, doc.Entries, 2)

		var bank, expense models.LedgerEntry
		for _, e := range doc.Entries {
			if e.Account == f.journal.BankAccount(models.DirectionOutbound) {
				bank = e
			} else {
				expense = e
			}
		}
		assert.Equal(t, txn.ID, bank.TransactionID)
		assert.Equal(t, models.MustParseAmount("42.50"), bank.Credit)
		assert.Equal(t, models.MustParseAmount("42.50"), expense.Debit)
		assert.Equal(t, "Stationer", expense.PartnerID)
		assert.True(t, bank.Posted)
	})

	t.Run("split lines", func(t *testing.T) {
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "100.00", "2024-03-05", "Refund")
		txn.SplitLines = []models.SplitLine{
			{Account: "income:refunds", Amount: models.MustParseAmount("70.00")},
			{Account: "income:other", Amount: models.MustParseAmount("30.00")},
		}
		f.save(t, txn)

		res, err := f.applier.Apply(ctx, txn.ID)
		require.NoError(t, err)
		doc, err := f.store.GetDocument(ctx, res.DocumentID)
		require.NoError(t, err)
		assert.Len(t, doc.Entries, 3)
		assert.True(t, doc.Balanced())
	})

	t.Run("split lines must cover the amount", func(t *testing.T) {
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "100.00", "2024-03-05", "Refund")
		txn.SplitLines = []models.SplitLine{{Account: "income:refunds", Amount: models.MustParseAmount("99.99")}}
		f.save(t, txn)

		_, err := f.applier.Apply(ctx, txn.ID)
		assert.True(t, errors.HasCode(err, errors.CodeResidualMismatch))
	})

	t.Run("missing account", func(t *testing.T) {
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "-9.99", "2024-03-05", "Unknown")
		_, err := f.applier.Apply(ctx, txn.ID)
		assert.True(t, errors.HasCode(err, errors.CodeMissingAccount))
	})

	t.Run("payee required", func(t *testing.T) {
		strict := settlement.NewApplier(f.store, f.cache, settlement.Config{RequirePayee: true}, logger.Discard())
		txn := testutil.CreateTestTransaction(t, f.store, "checking", "-9.99", "2024-03-05", "Unknown")
		txn.Account = "expense:misc"
		f.save(t, txn)

		_, err := strict.Apply(ctx, txn.ID)
		assert.True(t, errors.HasCode(err, errors.CodeMissingPayee))
	})
}

func TestApply_Transfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.CreateTestJournal(t, f.store, "savings")

	txn := testutil.CreateTestTransaction(t, f.store, "checking", "-500.00", "2024-03-05", "To savings")
	txn.ActionType = models.ActionTransfer
	txn.TransferScope = "savings"
	f.save(t, txn)

	res, err := f.applier.Apply(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "Transferred to savings", res.Label)

	doc, err := f.store.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentTransfer, doc.Kind)
	assert.Equal(t, "savings", doc.TransferScope)
	assert.True(t, doc.Balanced())

	var incoming *models.Transaction
	t.Run("destination line matches the transfer leg", func(t *testing.T) {
		incoming = testutil.CreateTestTransaction(t, f.store, "savings", "500.00", "2024-03-06", "From checking")
		_, err := f.engine.RunScope(ctx, "savings")
		require.NoError(t, err)

		got := f.reload(t, incoming.ID)
		assert.Equal(t, models.ActionMatch, got.ActionType)
		require.NotEmpty(t, got.Proposals)
		assert.True(t, got.Proposals[0].Selected)
	})

	t.Run("matched leg keeps the transfer", func(t *testing.T) {
		require.NotNil(t, incoming)
		matched, err := f.applier.Apply(ctx, incoming.ID)
		require.NoError(t, err)
		require.Len(t, matched.Links, 1)
		leg := matched.Links[0].CandidateID

		_, err = f.applier.Unapply(ctx, txn.ID)
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
		re, ok := errors.AsReconcilerError(err)
		require.True(t, ok)
		assert.Equal(t, incoming.ID, re.Context["transaction_id"])

		assert.Equal(t, models.StatusConfirmed, f.reload(t, txn.ID).Status)
		assert.Len(t, f.reload(t, incoming.ID).Links, 1)
		assert.True(t, f.entry(t, leg).Settled)
		_, err = f.store.GetDocument(ctx, res.DocumentID)
		assert.NoError(t, err)

		_, err = f.applier.Unapply(ctx, incoming.ID)
		require.NoError(t, err)
		_, err = f.applier.Unapply(ctx, txn.ID)
		require.NoError(t, err)
		_, err = f.store.GetDocument(ctx, res.DocumentID)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("same journal is rejected", func(t *testing.T) {
		loop := testutil.CreateTestTransaction(t, f.store, "checking", "-5.00", "2024-03-05", "Loop")
		loop.ActionType = models.ActionTransfer
		loop.TransferScope = "checking"
		f.save(t, loop)

		_, err := f.applier.Apply(ctx, loop.ID)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidState))
	})

	t.Run("unknown destination", func(t *testing.T) {
		lost := testutil.CreateTestTransaction(t, f.store, "checking", "-5.00", "2024-03-05", "Nowhere")
		lost.ActionType = models.ActionTransfer
		lost.TransferScope = "brokerage"
		f.save(t, lost)

		_, err := f.applier.Apply(ctx, lost.ID)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestUnapply_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "-50.00", "2024-03-05", "Card settlement")
	payment := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "40.00", "2024-03-01")

	_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(payment)}, &matcher.Remainder{Account: "expense:bank-fees"})
	require.NoError(t, err)
	applied, err := f.applier.Apply(ctx, txn.ID)
	require.NoError(t, err)

	got, err := f.applier.Unapply(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Empty(t, got.SettlementID)
	assert.Empty(t, got.RemainderSettlementID)

	reloaded := f.reload(t, txn.ID)
	assert.Empty(t, reloaded.Links)
	assert.Equal(t, models.ActionMatch, reloaded.ActionType, "the disposition survives an undo")
	assert.False(t, f.entry(t, payment.ID).Settled)
	_, err = f.store.GetDocument(ctx, applied.RemainderDocumentID)
	assert.True(t, errors.IsNotFound(err))

	t.Run("undo of an open line is a no-op", func(t *testing.T) {
		again, err := f.applier.Unapply(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOpen, again.Status)
	})

	t.Run("can be applied again", func(t *testing.T) {
		_, err := f.applier.Apply(ctx, txn.ID)
		require.NoError(t, err)
		assert.True(t, f.entry(t, payment.ID).Settled)
	})

	t.Run("reconciled lines are locked", func(t *testing.T) {
		locked := f.reload(t, txn.ID)
		locked.Reconciled = true
		f.save(t, locked)

		_, err := f.applier.Unapply(ctx, txn.ID)
		assert.True(t, errors.HasCode(err, errors.CodeSessionLocked))
		assert.Equal(t, models.StatusConfirmed, f.reload(t, txn.ID).Status)
	})
}

func TestUnapply_DeletedDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "120.00", "2024-03-05", "Card batch")
	d := testutil.CreateTestDeposit(t, f.store, "checking", models.DirectionInbound, "120.00", "2024-03-01")

	_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(d)}, nil)
	require.NoError(t, err)
	_, err = f.applier.Apply(ctx, txn.ID)
	require.NoError(t, err)

	t.Run("matched deposit cannot be deleted", func(t *testing.T) {
		err := f.store.DeleteDeposit(ctx, d.ID)
		assert.True(t, errors.IsConflict(err))
		assert.True(t, f.deposit(t, d.ID).Reconciled)
	})

	require.NoError(t, f.store.DB().Delete(&models.BatchDeposit{}, "id = ?", d.ID).Error)

	got, err := f.applier.Unapply(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Empty(t, f.reload(t, txn.ID).Links)
}

func TestApply_RollsBackAfterDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txn := testutil.CreateTestTransaction(t, f.store, "checking", "-50.00", "2024-03-05", "Card settlement")
	payment := testutil.CreateTestPayment(t, f.store, f.journal, models.DirectionOutbound, "40.00", "2024-03-01")

	_, err := f.engine.SelectCandidates(ctx, txn.ID, []models.CandidateRef{ref(payment)}, &matcher.Remainder{Account: "expense:bank-fees"})
	require.NoError(t, err)

	// Another line takes the payment after the selection was made, so the
	// remainder voucher is written before the link fails.
	rival := testutil.CreateTestTransaction(t, f.store, "checking", "-40.00", "2024-03-04", "Rival")
	require.NoError(t, f.store.CreateLinks(ctx, []models.MatchLink{
		{TransactionID: rival.ID, CandidateKind: models.KindLedgerEntry, CandidateID: payment.ID, Amount: payment.CandidateAmount()},
	}))

	_, err = f.applier.Apply(ctx, txn.ID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCandidateClaimed))

	var docs int64
	require.NoError(t, f.store.DB().Model(&models.LedgerDocument{}).Where("transaction_id = ?", txn.ID).Count(&docs).Error)
	assert.Zero(t, docs, "the remainder voucher is rolled back")

	got := f.reload(t, txn.ID)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Empty(t, got.Links)
	assert.Empty(t, got.RemainderSettlementID)
	assert.False(t, f.entry(t, payment.ID).Settled)
}

func TestApply_DraftSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := &models.ReconciliationSession{
		Scope:               "checking",
		StatementEndingDate: models.MustParseDay("2024-03-31"),
		State:               models.SessionDraft,
	}
	require.NoError(t, f.store.SaveSession(ctx, session))

	inside := testutil.CreateTestTransaction(t, f.store, "checking", "-10.00", "2024-03-05", "March")
	inside.Account = "expense:misc"
	f.save(t, inside)
	after := testutil.CreateTestTransaction(t, f.store, "checking", "-10.00", "2024-04-02", "April")
	after.Account = "expense:misc"
	f.save(t, after)

	res, err := f.applier.Apply(ctx, inside.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, res.SessionID)

	res, err = f.applier.Apply(ctx, after.ID)
	require.NoError(t, err)
	assert.Empty(t, res.SessionID)

	_, err = f.applier.Unapply(ctx, inside.ID)
	require.NoError(t, err)
	assert.Empty(t, f.reload(t, inside.ID).SessionID)
}

func TestApplyBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	good := testutil.CreateTestTransaction(t, f.store, "checking", "-10.00", "2024-03-05", "Good")
	good.Account = "expense:misc"
	f.save(t, good)
	bad := testutil.CreateTestTransaction(t, f.store, "checking", "-10.00", "2024-03-05", "No account")

	res, err := f.applier.ApplyBatch(ctx, []string{bad.ID, good.ID, "missing"})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, bad.ID, res.Failures[0].TransactionID)
	assert.True(t, errors.HasCode(res.Failures[0], errors.CodeMissingAccount))
	assert.True(t, errors.IsNotFound(res.Failures[1]))

	summary := res.Err()
	require.Error(t, summary)
	assert.Equal(t, models.StatusConfirmed, f.reload(t, good.ID).Status)
}
