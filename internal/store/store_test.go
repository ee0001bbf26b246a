package store_test

import (
	"context"
	stderrors "errors"
	"testing"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/internal/testutil"
	"golang-bankmatch-service/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, store.DefaultConfig().Validate())
	assert.Error(t, store.Config{Driver: "mysql", DSN: "x"}.Validate())
	assert.Error(t, store.Config{Driver: "sqlite"}.Validate())
}

func TestImportTransactions(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	t.Run("defaults and dedupe by reference", func(t *testing.T) {
		first := models.NewTransaction("checking", -15000, models.MustParseDay("2024-01-10"), "CHECK #1042")
		first.ExternalRef = "ref-1"
		first.Memo = ""

		n, err := s.ImportTransactions(ctx, []*models.Transaction{first})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.NotEmpty(t, first.ID)

		dup := models.NewTransaction("checking", -15000, models.MustParseDay("2024-01-10"), "CHECK #1042")
		dup.ExternalRef = "ref-1"
		n, err = s.ImportTransactions(ctx, []*models.Transaction{dup})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		got, err := s.GetTransaction(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "CHECK #1042", got.Memo)
		assert.Equal(t, models.StatusOpen, got.Status)
	})

	t.Run("invalid line rolls back the batch", func(t *testing.T) {
		ok := models.NewTransaction("savings", 100, models.MustParseDay("2024-01-10"), "ok")
		bad := models.NewTransaction("savings", 0, models.MustParseDay("2024-01-10"), "zero")

		_, err := s.ImportTransactions(ctx, []*models.Transaction{ok, bad})
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))

		list, err := s.ListTransactions(ctx, store.TransactionFilter{Scope: "savings"})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestGetTransactionNotFound(t *testing.T) {
	s := testutil.SetupTestStore(t)

	_, err := s.GetTransaction(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestListTransactionsFilter(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	a := testutil.CreateTestTransaction(t, s, "checking", "-10.00", "2024-01-02", "a")
	b := testutil.CreateTestTransaction(t, s, "checking", "20.00", "2024-01-01", "b")
	testutil.CreateTestTransaction(t, s, "savings", "30.00", "2024-01-01", "c")

	b.Status = models.StatusExcluded
	require.NoError(t, s.SaveTransaction(ctx, b))

	all, err := s.ListTransactions(ctx, store.TransactionFilter{Scope: "checking"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "ordered by date")

	open, err := s.ListTransactions(ctx, store.TransactionFilter{Scope: "checking", Statuses: []models.TransactionStatus{models.StatusOpen}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)

	early, err := s.ListTransactions(ctx, store.TransactionFilter{Scope: "checking", MaxDate: models.MustParseDay("2024-01-01")})
	require.NoError(t, err)
	assert.Len(t, early, 1)
}

func TestProposalsAndClaims(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	t1 := testutil.CreateTestTransaction(t, s, "checking", "-150.00", "2024-01-10", "one")
	t2 := testutil.CreateTestTransaction(t, s, "checking", "-150.00", "2024-01-10", "two")
	e1 := models.CandidateRef{Kind: models.KindLedgerEntry, ID: "e1"}
	e2 := models.CandidateRef{Kind: models.KindLedgerEntry, ID: "e2"}

	require.NoError(t, s.ReplaceProposals(ctx, t1.ID, []models.Proposal{
		{CandidateKind: e1.Kind, CandidateID: e1.ID, Amount: 15000, Rank: 0, Selected: true},
		{CandidateKind: e2.Kind, CandidateID: e2.ID, Amount: 15000, Rank: 1},
	}))

	got, err := s.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)
	require.Len(t, got.Proposals, 2)
	assert.Equal(t, "e1", got.Proposals[0].CandidateID)

	claims, err := s.FindClaims(ctx, nil, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Claims{e1: t1.ID}, claims, "only selected proposals reserve")

	claims, err = s.FindClaims(ctx, nil, t1.ID)
	require.NoError(t, err)
	assert.Empty(t, claims, "own reservations are ignored")

	require.NoError(t, s.CreateLinks(ctx, []models.MatchLink{{TransactionID: t2.ID, CandidateKind: e2.Kind, CandidateID: e2.ID, Amount: 15000}}))
	claims, err = s.FindClaims(ctx, []models.CandidateRef{e2}, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Claims{e2: t2.ID}, claims)

	err = s.CreateLinks(ctx, []models.MatchLink{{TransactionID: t1.ID, CandidateKind: e2.Kind, CandidateID: e2.ID, Amount: 15000}})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, s.DeleteTransaction(ctx, t2.ID))
	claims, err = s.FindClaims(ctx, []models.CandidateRef{e2}, "")
	require.NoError(t, err)
	assert.Empty(t, claims, "links cascade with their transaction")
}

func TestDeleteLinkedCandidates(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)
	j := testutil.CreateTestJournal(t, s, "checking")
	txn := testutil.CreateTestTransaction(t, s, "checking", "-150.00", "2024-01-10", "rent")
	entry := testutil.CreateTestPayment(t, s, j, models.DirectionOutbound, "150.00", "2024-01-09")
	deposit := testutil.CreateTestDeposit(t, s, "checking", models.DirectionInbound, "80.00", "2024-01-09")

	require.NoError(t, s.CreateLinks(ctx, []models.MatchLink{
		{TransactionID: txn.ID, CandidateKind: models.KindLedgerEntry, CandidateID: entry.ID, Amount: -15000},
		{TransactionID: txn.ID, CandidateKind: models.KindBatchDeposit, CandidateID: deposit.ID, Amount: 8000},
	}))

	t.Run("matched items are kept", func(t *testing.T) {
		err := s.DeleteLedgerEntry(ctx, entry.ID)
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
		re, ok := errors.AsReconcilerError(err)
		require.True(t, ok)
		assert.Equal(t, txn.ID, re.Context["transaction_id"])

		err = s.DeleteDeposit(ctx, deposit.ID)
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))

		entries, err := s.GetLedgerEntries(ctx, []string{entry.ID})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		deposits, err := s.GetDeposits(ctx, []string{deposit.ID})
		require.NoError(t, err)
		assert.Len(t, deposits, 1)
	})

	t.Run("unlinked items can go", func(t *testing.T) {
		require.NoError(t, s.DeleteLinks(ctx, txn.ID))
		assert.NoError(t, s.DeleteLedgerEntry(ctx, entry.ID))
		assert.NoError(t, s.DeleteDeposit(ctx, deposit.ID))
	})
}

func TestSetCandidatesSettled(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)
	missing := []models.CandidateRef{{Kind: models.KindBatchDeposit, ID: "gone"}}

	t.Run("clearing skips a deleted deposit", func(t *testing.T) {
		assert.NoError(t, store.SetCandidatesSettled(ctx, s, missing, false))
	})

	t.Run("settling a deleted deposit fails", func(t *testing.T) {
		err := store.SetCandidatesSettled(ctx, s, missing, true)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestAtomicRollback(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)
	txn := testutil.CreateTestTransaction(t, s, "checking", "10.00", "2024-01-01", "x")

	boom := stderrors.New("boom")
	err := s.Atomic(ctx, func(repo store.Repository) error {
		txn.Status = models.StatusExcluded
		if err := repo.SaveTransaction(ctx, txn); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
}

func TestQueryUnsettledEntries(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)
	j := testutil.CreateTestJournal(t, s, "checking")

	match := testutil.CreateTestPayment(t, s, j, models.DirectionOutbound, "150.00", "2024-01-05")
	testutil.CreateTestPayment(t, s, j, models.DirectionOutbound, "150.00", "2024-01-20")
	testutil.CreateTestPayment(t, s, j, models.DirectionOutbound, "99.00", "2024-01-05")
	testutil.CreateTestLedgerEntry(t, s, &models.LedgerEntry{Account: j.DebitAccount, Credit: 15000,
		Date: models.MustParseDay("2024-01-01"), Posted: true, IsFundLine: true})
	testutil.CreateTestLedgerEntry(t, s, &models.LedgerEntry{Account: j.DebitAccount, Credit: 15000,
		Date: models.MustParseDay("2024-01-01"), Posted: false})
	testutil.CreateTestLedgerEntry(t, s, &models.LedgerEntry{Account: j.DebitAccount, Credit: 15000,
		Date: models.MustParseDay("2024-01-01"), Posted: true, BatchDepositID: "batch"})

	q := store.LedgerQuery{
		Account: j.DebitAccount,
		Side:    store.SideCredit,
		MaxDate: models.MustParseDay("2024-01-10"),
		Amount:  15000,
	}
	got, err := s.QueryUnsettledEntries(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, match.ID, got[0].ID)

	require.NoError(t, s.SetEntriesSettled(ctx, []string{match.ID}, true))
	got, err = s.QueryUnsettledEntries(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, got)

	q.Amount = 0
	q.MaxAmount = 15000
	got, err = s.QueryUnsettledEntries(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.Amount(9900), got[0].Credit)
}

func TestLedgerDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	unbalanced := &models.LedgerDocument{Kind: models.DocumentVoucher, Scope: "checking", Date: models.MustParseDay("2024-01-01"),
		Entries: []models.LedgerEntry{{Account: "a", Debit: 100}, {Account: "b", Credit: 90}}}
	err := s.CreateLedgerDocument(ctx, unbalanced)
	assert.True(t, errors.IsValidation(err))

	doc := &models.LedgerDocument{Kind: models.DocumentVoucher, Scope: "checking", Date: models.MustParseDay("2024-01-01"),
		State: models.DocumentPosted,
		Entries: []models.LedgerEntry{{Account: "a", Debit: 100}, {Account: "b", Credit: 100}}}
	require.NoError(t, s.CreateLedgerDocument(ctx, doc))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	assert.True(t, got.Entries[0].Posted)
	assert.True(t, doc.Date.Equal(got.Entries[0].Date))

	require.NoError(t, s.CancelDocument(ctx, doc.ID))
	got, err = s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentCancelled, got.State)
	assert.False(t, got.Entries[0].Posted)

	require.NoError(t, s.DeleteDocument(ctx, doc.ID))
	_, err = s.GetDocument(ctx, doc.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.DeleteDocument(ctx, doc.ID)))
}

func TestDeposits(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	d := testutil.CreateTestDeposit(t, s, "checking", models.DirectionInbound, "200.00", "2024-01-03")
	testutil.CreateTestDeposit(t, s, "checking", models.DirectionOutbound, "200.00", "2024-01-03")

	q := store.DepositQuery{Scope: "checking", Direction: models.DirectionInbound, MaxDate: models.MustParseDay("2024-01-03"), Amount: 20000}
	got, err := s.QueryUnreconciledDeposits(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, d.ID, got[0].ID)

	require.NoError(t, s.MarkDepositReconciled(ctx, d.ID, true))
	got, err = s.QueryUnreconciledDeposits(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.True(t, errors.IsNotFound(s.MarkDepositReconciled(ctx, "missing", true)))
}

func TestRulesOrdering(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	for _, r := range []*models.Rule{
		{Name: "late", Sequence: 20, Active: true},
		{Name: "inactive", Sequence: 1, Active: false},
		{Name: "early", Sequence: 10, Active: true},
	} {
		r.Direction = models.RuleDirectionBoth
		r.AmountCondition = models.AmountAny
		r.LabelCondition = models.LabelAny
		r.OutcomeKind = models.OutcomeAssign
		r.SplitMode = models.SplitNone
		require.NoError(t, s.SaveRule(ctx, r))
	}

	active, err := s.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "early", active[0].Name)
	assert.Equal(t, "late", active[1].Name)

	all, err := s.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "inactive", all[0].Name)
}

func TestJournalsUpsertByName(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	j := testutil.CreateTestJournal(t, s, "checking")
	again := &models.Journal{Name: "checking", Type: models.JournalTypeBank, DebitAccount: "1000", CreditAccount: "1000"}
	require.NoError(t, s.SaveJournal(ctx, again))
	assert.Equal(t, j.ID, again.ID)

	list, err := s.ListJournals(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1000", list[0].DebitAccount)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	_, err := s.DraftSession(ctx, "checking")
	assert.True(t, errors.IsNotFound(err))

	draft := &models.ReconciliationSession{Scope: "checking", StatementEndingDate: models.MustParseDay("2024-01-31"),
		EndingBalance: 1000, State: models.SessionDraft}
	require.NoError(t, s.SaveSession(ctx, draft))

	got, err := s.DraftSession(ctx, "checking")
	require.NoError(t, err)
	assert.Equal(t, draft.ID, got.ID)

	txn := testutil.CreateTestTransaction(t, s, "checking", "10.00", "2024-01-01", "x")
	txn.SessionID = draft.ID
	require.NoError(t, s.SaveTransaction(ctx, txn))

	require.NoError(t, s.DeleteSession(ctx, draft.ID))
	reloaded, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.SessionID)
}

func TestCacheFlags(t *testing.T) {
	ctx := context.Background()
	s := testutil.SetupTestStore(t)

	_, err := s.GetCacheFlag(ctx, "ledger-match", "checking")
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.PutCacheFlag(ctx, &models.CacheFlag{Kind: "ledger-match", Scope: "checking", Stale: true}))
	require.NoError(t, s.PutCacheFlag(ctx, &models.CacheFlag{Kind: "ledger-match", Scope: "checking", Stale: false}))

	f, err := s.GetCacheFlag(ctx, "ledger-match", "checking")
	require.NoError(t, err)
	assert.False(t, f.Stale)
}
