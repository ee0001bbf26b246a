package testutil

import (
	"context"
	"fmt"
	"testing"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/store"
)

// CreateTestJournal creates a bank journal whose debit and credit accounts are
// the same bank account.
func CreateTestJournal(t *testing.T, s store.Repository, name string) *models.Journal {
	t.Helper()

	j := &models.Journal{
		Name:          name,
		Type:          models.JournalTypeBank,
		DebitAccount:  name + ":bank",
		CreditAccount: name + ":bank",
	}
	if err := s.SaveJournal(context.Background(), j); err != nil {
		t.Fatalf("failed to create test journal: %v", err)
	}
	return j
}

// CreateTestTransaction imports one open statement line.
func CreateTestTransaction(t *testing.T, s store.Repository, scope, amount, date, description string) *models.Transaction {
	t.Helper()

	txn := models.NewTransaction(scope, models.MustParseAmount(amount), models.MustParseDay(date), description)
	txn.ExternalRef = fmt.Sprintf("stmt-%d", nextID())
	if _, err := s.ImportTransactions(context.Background(), []*models.Transaction{txn}); err != nil {
		t.Fatalf("failed to create test transaction: %v", err)
	}
	return txn
}

// CreateTestPayment creates a posted ledger entry that can settle a statement
// line of the given direction in journal j.
func CreateTestPayment(t *testing.T, s store.Repository, j *models.Journal, dir models.Direction, amount, date string) *models.LedgerEntry {
	t.Helper()

	entry := &models.LedgerEntry{
		Account: j.MatchAccount(dir),
		Label:   fmt.Sprintf("payment %d", nextID()),
		Date:    models.MustParseDay(date),
		Posted:  true,
	}
	if dir == models.DirectionOutbound {
		entry.Credit = models.MustParseAmount(amount)
	} else {
		entry.Debit = models.MustParseAmount(amount)
	}
	return CreateTestLedgerEntry(t, s, entry)
}

// CreateTestLedgerEntry stores entry as given.
func CreateTestLedgerEntry(t *testing.T, s store.Repository, entry *models.LedgerEntry) *models.LedgerEntry {
	t.Helper()

	if err := s.CreateLedgerEntries(context.Background(), []*models.LedgerEntry{entry}); err != nil {
		t.Fatalf("failed to create test ledger entry: %v", err)
	}
	return entry
}

// CreateTestDeposit creates an unreconciled batch deposit.
func CreateTestDeposit(t *testing.T, s store.Repository, scope string, dir models.Direction, amount, date string) *models.BatchDeposit {
	t.Helper()

	d := &models.BatchDeposit{
		Name:      fmt.Sprintf("BATCH/%d", nextID()),
		Scope:     scope,
		Direction: dir,
		Amount:    models.MustParseAmount(amount),
		Date:      models.MustParseDay(date),
	}
	if err := s.SaveDeposit(context.Background(), d); err != nil {
		t.Fatalf("failed to create test deposit: %v", err)
	}
	return d
}
