package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains common columns for all tables
type Base struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook generates a UUIDv7 for new records
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id.String()
	}
	return nil
}

// Direction distinguishes money received from money sent.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// JournalType classifies a scope.
type JournalType string

const (
	JournalTypeBank JournalType = "bank"
	JournalTypeCash JournalType = "cash"
)

// Journal is a matching scope: a bank or cash journal and the ledger accounts
// it books against.
type Journal struct {
	Base
	Name          string      `gorm:"not null;uniqueIndex" json:"name" validate:"required"`
	Type          JournalType `gorm:"not null" json:"type" validate:"oneof=bank cash"`
	DebitAccount  string      `gorm:"not null" json:"debit_account" validate:"required"`
	CreditAccount string      `gorm:"not null" json:"credit_account" validate:"required"`
}

// BankAccount returns the account the bank line of a document lands on.
func (j *Journal) BankAccount(d Direction) string {
	if d == DirectionInbound {
		return j.DebitAccount
	}
	return j.CreditAccount
}

// MatchAccount returns the account whose open lines may settle a statement
// line of direction d. Sent money is looked up among credits on the debit
// account, received money among debits on the credit account.
func (j *Journal) MatchAccount(d Direction) string {
	if d == DirectionOutbound {
		return j.DebitAccount
	}
	return j.CreditAccount
}

// TransactionStatus is the lifecycle state of a statement line.
type TransactionStatus string

const (
	StatusOpen      TransactionStatus = "open"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusExcluded  TransactionStatus = "excluded"
)

// ActionType is the disposition chosen for a statement line.
type ActionType string

const (
	ActionAdd      ActionType = "add"
	ActionMatch    ActionType = "match"
	ActionTransfer ActionType = "transfer"
)

// SplitLine is one counterpart line of an Add disposition.
type SplitLine struct {
	Account string `json:"account"`
	Payee   string `json:"payee,omitempty"`
	Amount  Amount `json:"amount"`
}

// Transaction is one imported bank statement line.
type Transaction struct {
	Base
	ExternalRef string            `gorm:"index" json:"external_ref,omitempty"`
	Scope       string            `gorm:"not null;index" json:"scope"`
	Amount      Amount            `gorm:"type:bigint;not null" json:"amount"`
	Date        time.Time         `gorm:"not null;index" json:"date"`
	Description string            `json:"description"`
	Memo        string            `json:"memo,omitempty"`
	PartnerID   string            `gorm:"index" json:"partner_id,omitempty"`
	Status      TransactionStatus `gorm:"not null;index" json:"status"`
	ActionType  ActionType        `gorm:"not null" json:"action_type"`

	RuleID        string      `json:"rule_id,omitempty"`
	RuleMemo      string      `json:"rule_memo,omitempty"`
	Account       string      `json:"account,omitempty"`
	Payee         string      `json:"payee,omitempty"`
	TransferScope string      `json:"transfer_scope,omitempty"`
	SplitLines    []SplitLine `gorm:"serializer:json" json:"split_lines,omitempty"`

	AddRemainder     bool       `json:"add_remainder,omitempty"`
	RemainderAccount string     `json:"remainder_account,omitempty"`
	RemainderPayee   string     `json:"remainder_payee,omitempty"`
	RemainderDate    *time.Time `json:"remainder_date,omitempty"`
	RemainderMemo    string     `json:"remainder_memo,omitempty"`

	SettlementID          string `json:"settlement_id,omitempty"`
	RemainderSettlementID string `json:"remainder_settlement_id,omitempty"`
	SessionID             string `gorm:"index" json:"session_id,omitempty"`
	Reconciled            bool   `json:"reconciled"`

	Proposals []Proposal  `gorm:"foreignKey:TransactionID" json:"proposals,omitempty"`
	Links     []MatchLink `gorm:"foreignKey:TransactionID" json:"links,omitempty"`
}

// NewTransaction builds an open statement line with the default Add disposition.
func NewTransaction(scope string, amount Amount, date time.Time, description string) *Transaction {
	return &Transaction{
		Scope:       scope,
		Amount:      amount,
		Date:        Day(date),
		Description: description,
		Memo:        description,
		Status:      StatusOpen,
		ActionType:  ActionAdd,
	}
}

// Validate performs basic validation on the Transaction
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.Scope) == "" {
		return fmt.Errorf("transaction scope cannot be empty")
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction amount cannot be zero")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	return nil
}

func (t *Transaction) Direction() Direction {
	if t.Amount > 0 {
		return DirectionInbound
	}
	return DirectionOutbound
}

func (t *Transaction) AbsAmount() Amount { return t.Amount.Abs() }

func (t *Transaction) IsOpen() bool { return t.Status == StatusOpen }

// HasManualSelection reports whether a user picked the proposals.
func (t *Transaction) HasManualSelection() bool {
	for _, p := range t.Proposals {
		if p.Manual {
			return true
		}
	}
	return false
}

// SelectedProposals returns the proposals currently chosen for matching.
func (t *Transaction) SelectedProposals() []Proposal {
	var out []Proposal
	for _, p := range t.Proposals {
		if p.Selected {
			out = append(out, p)
		}
	}
	return out
}

// SelectedTotal sums the absolute amounts of the selected proposals.
func (t *Transaction) SelectedTotal() Amount {
	var total Amount
	for _, p := range t.SelectedProposals() {
		total += p.Amount.Abs()
	}
	return total
}

// LinkedTotal sums the absolute amounts of the confirmed match links.
func (t *Transaction) LinkedTotal() Amount {
	var total Amount
	for _, l := range t.Links {
		total += l.Amount.Abs()
	}
	return total
}

// SplitTotal sums the Add split lines.
func (t *Transaction) SplitTotal() Amount {
	var total Amount
	for _, l := range t.SplitLines {
		total += l.Amount
	}
	return total
}

// ClearDisposition resets every field a rule or a user may have filled in.
func (t *Transaction) ClearDisposition() {
	t.ActionType = ActionAdd
	t.RuleID = ""
	t.RuleMemo = ""
	t.Account = ""
	t.Payee = ""
	t.TransferScope = ""
	t.SplitLines = nil
	t.AddRemainder = false
	t.RemainderAccount = ""
	t.RemainderPayee = ""
	t.RemainderDate = nil
	t.RemainderMemo = ""
}

// Label is the text booked on settlement documents: the memo of the applied
// rule when it sets one, otherwise the imported memo.
func (t *Transaction) Label() string {
	if t.RuleMemo != "" {
		return t.RuleMemo
	}
	return t.Memo
}

// DispositionLabel describes what a confirmed line was settled against.
func (t *Transaction) DispositionLabel() string {
	if t.Status != StatusConfirmed {
		return ""
	}
	switch t.ActionType {
	case ActionAdd:
		if t.Account != "" {
			return "Added to " + t.Account
		}
		return "Added to " + t.SettlementID
	case ActionTransfer:
		return "Transferred to " + t.TransferScope
	case ActionMatch:
		if len(t.Links) > 1 {
			return "Matched to multiple transactions"
		}
		if len(t.Links) == 1 {
			return fmt.Sprintf("Matched to %s", t.Links[0].Ref())
		}
	}
	return ""
}

func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{ID: %s, Scope: %s, Amount: %s, Date: %s, Status: %s}",
		t.ID, t.Scope, t.Amount, t.Date.Format(DateLayout), t.Status)
}

// CandidateRef identifies a ledger entry or a batch deposit.
type CandidateRef struct {
	Kind CandidateKind `json:"kind"`
	ID   string        `json:"id"`
}

func (r CandidateRef) String() string { return string(r.Kind) + ":" + r.ID }

// Proposal is a candidate suggested for, or chosen by the user for, an open
// transaction. Rank 0 is the best candidate. Manual proposals were picked by
// a user and are left alone by matching passes.
type Proposal struct {
	ID            uint          `gorm:"primaryKey" json:"-"`
	TransactionID string        `gorm:"type:varchar(36);not null;index" json:"transaction_id"`
	CandidateKind CandidateKind `gorm:"not null" json:"candidate_kind"`
	CandidateID   string        `gorm:"type:varchar(36);not null;index" json:"candidate_id"`
	Amount        Amount        `gorm:"type:bigint;not null" json:"amount"`
	Date          time.Time     `json:"date"`
	Rank          int           `json:"rank"`
	Selected      bool          `json:"selected"`
	Manual        bool          `json:"manual,omitempty"`
}

func (p Proposal) Ref() CandidateRef { return CandidateRef{Kind: p.CandidateKind, ID: p.CandidateID} }

// MatchLink records that a candidate settles (part of) a confirmed transaction.
// A candidate can be linked at most once.
type MatchLink struct {
	ID            uint          `gorm:"primaryKey" json:"-"`
	TransactionID string        `gorm:"type:varchar(36);not null;index" json:"transaction_id"`
	CandidateKind CandidateKind `gorm:"not null;uniqueIndex:idx_match_link_candidate" json:"candidate_kind"`
	CandidateID   string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_match_link_candidate" json:"candidate_id"`
	Amount        Amount        `gorm:"type:bigint;not null" json:"amount"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (l MatchLink) Ref() CandidateRef { return CandidateRef{Kind: l.CandidateKind, ID: l.CandidateID} }
