package store

import (
	"context"
	"time"

	"golang-bankmatch-service/internal/models"
)

// Side selects the debit or credit column of a ledger entry.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// LedgerQuery selects unsettled, posted, individually matchable ledger entries.
// A zero Amount or MaxAmount disables that bound; a zero MaxDate disables the
// date bound.
type LedgerQuery struct {
	Account     string
	Side        Side
	MaxDate     time.Time
	Amount      models.Amount
	MaxAmount   models.Amount
	PartnerID   string
	CheckNumber string
}

// DepositQuery selects unreconciled batch deposits of one scope and direction.
type DepositQuery struct {
	Scope     string
	Direction models.Direction
	MaxDate   time.Time
	Amount    models.Amount
	MaxAmount models.Amount
}

// TransactionFilter narrows ListTransactions. Empty fields match everything.
type TransactionFilter struct {
	Scope     string
	Statuses  []models.TransactionStatus
	SessionID string
	MaxDate   time.Time
	Limit     int
}

// Claims maps a reserved candidate to the transaction holding it.
type Claims map[models.CandidateRef]string

// LedgerProvider is the ledger collaborator: journal items and the documents
// that group them.
type LedgerProvider interface {
	QueryUnsettledEntries(ctx context.Context, q LedgerQuery) ([]models.LedgerEntry, error)
	GetLedgerEntries(ctx context.Context, ids []string) ([]models.LedgerEntry, error)
	CreateLedgerEntries(ctx context.Context, entries []*models.LedgerEntry) error
	UpdateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	DeleteLedgerEntry(ctx context.Context, id string) error
	SetEntriesSettled(ctx context.Context, ids []string, settled bool) error

	CreateLedgerDocument(ctx context.Context, doc *models.LedgerDocument) error
	GetDocument(ctx context.Context, id string) (*models.LedgerDocument, error)
	PostDocument(ctx context.Context, id string) error
	CancelDocument(ctx context.Context, id string) error
	DeleteDocument(ctx context.Context, id string) error
}

// DepositProvider is the batch deposit collaborator.
type DepositProvider interface {
	QueryUnreconciledDeposits(ctx context.Context, q DepositQuery) ([]models.BatchDeposit, error)
	GetDeposits(ctx context.Context, ids []string) ([]models.BatchDeposit, error)
	SaveDeposit(ctx context.Context, d *models.BatchDeposit) error
	DeleteDeposit(ctx context.Context, id string) error
	MarkDepositReconciled(ctx context.Context, id string, reconciled bool) error
}

// TransactionSource persists statement lines with their proposals and links.
type TransactionSource interface {
	ImportTransactions(ctx context.Context, txns []*models.Transaction) (int, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]models.Transaction, error)
	SaveTransaction(ctx context.Context, t *models.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error

	ReplaceProposals(ctx context.Context, txnID string, proposals []models.Proposal) error
	// FindClaims reports which of refs are linked to any transaction or
	// selected by an open transaction other than excludeTxnID. A nil refs
	// slice returns every claim.
	FindClaims(ctx context.Context, refs []models.CandidateRef, excludeTxnID string) (Claims, error)
	// FindLinks reports which of refs are matched to a confirmed transaction.
	FindLinks(ctx context.Context, refs []models.CandidateRef) (Claims, error)
	CreateLinks(ctx context.Context, links []models.MatchLink) error
	DeleteLinks(ctx context.Context, txnID string) error
}

type RuleRepository interface {
	SaveRule(ctx context.Context, r *models.Rule) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, activeOnly bool) ([]models.Rule, error)
}

type JournalRepository interface {
	SaveJournal(ctx context.Context, j *models.Journal) error
	GetJournal(ctx context.Context, name string) (*models.Journal, error)
	ListJournals(ctx context.Context) ([]models.Journal, error)
}

type SessionRepository interface {
	SaveSession(ctx context.Context, s *models.ReconciliationSession) error
	GetSession(ctx context.Context, id string) (*models.ReconciliationSession, error)
	DraftSession(ctx context.Context, scope string) (*models.ReconciliationSession, error)
	LastReconciledSession(ctx context.Context, scope string) (*models.ReconciliationSession, error)
	DeleteSession(ctx context.Context, id string) error
}

type CacheFlagRepository interface {
	GetCacheFlag(ctx context.Context, kind, scope string) (*models.CacheFlag, error)
	PutCacheFlag(ctx context.Context, flag *models.CacheFlag) error
}

// Repository aggregates every persistence concern. Atomic runs fn against a
// repository bound to one database transaction; an error from fn rolls the
// whole unit back. Inside fn, only the repository passed in may be used.
type Repository interface {
	LedgerProvider
	DepositProvider
	TransactionSource
	RuleRepository
	JournalRepository
	SessionRepository
	CacheFlagRepository

	Atomic(ctx context.Context, fn func(repo Repository) error) error
}
