package models

import (
	"time"

	"gorm.io/gorm"
)

// CandidateKind tags the variant of a Candidate.
type CandidateKind string

const (
	KindLedgerEntry  CandidateKind = "ledger_entry"
	KindBatchDeposit CandidateKind = "batch_deposit"
)

// Candidate is an accounting record that can settle a statement line.
type Candidate interface {
	CandidateID() string
	CandidateKind() CandidateKind
	// CandidateAmount is always non-negative.
	CandidateAmount() Amount
	CandidateDate() time.Time
	CandidateAccount() string
	IsSettled() bool
}

// RefOf returns the identity of c.
func RefOf(c Candidate) CandidateRef {
	return CandidateRef{Kind: c.CandidateKind(), ID: c.CandidateID()}
}

type DocumentKind string

const (
	DocumentVoucher  DocumentKind = "voucher"
	DocumentTransfer DocumentKind = "transfer"
)

type DocumentState string

const (
	DocumentDraft     DocumentState = "draft"
	DocumentPosted    DocumentState = "posted"
	DocumentCancelled DocumentState = "cancelled"
)

// LedgerDocument is a balanced set of ledger entries, either created by the
// settlement of a statement line or entered by hand.
type LedgerDocument struct {
	Base
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
	Kind          DocumentKind   `gorm:"not null" json:"kind"`
	Scope         string         `gorm:"not null;index" json:"scope"`
	TransferScope string         `json:"transfer_scope,omitempty"`
	Date          time.Time      `gorm:"not null" json:"date"`
	State         DocumentState  `gorm:"not null" json:"state"`
	Memo          string         `json:"memo,omitempty"`
	TransactionID string         `gorm:"type:varchar(36);index" json:"transaction_id,omitempty"`
	Entries       []LedgerEntry  `gorm:"foreignKey:DocumentID" json:"entries"`
}

// Balanced reports whether the document's debits equal its credits.
func (d *LedgerDocument) Balanced() bool {
	var debit, credit Amount
	for _, e := range d.Entries {
		debit += e.Debit
		credit += e.Credit
	}
	return debit == credit
}

// LedgerEntry is one journal item.
type LedgerEntry struct {
	Base
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	DocumentID     string         `gorm:"type:varchar(36);index" json:"document_id,omitempty"`
	Account        string         `gorm:"not null;index" json:"account"`
	PartnerID      string         `json:"partner_id,omitempty"`
	Label          string         `json:"label,omitempty"`
	Debit          Amount         `gorm:"type:bigint;not null" json:"debit"`
	Credit         Amount         `gorm:"type:bigint;not null" json:"credit"`
	Date           time.Time      `gorm:"not null;index" json:"date"`
	Posted         bool           `json:"posted"`
	Settled        bool           `json:"settled"`
	TransactionID  string         `gorm:"type:varchar(36);index" json:"transaction_id,omitempty"`
	BatchDepositID string         `gorm:"type:varchar(36);index" json:"batch_deposit_id,omitempty"`
	IsFundLine     bool           `json:"is_fund_line,omitempty"`
	CheckNumber    string         `gorm:"index" json:"check_number,omitempty"`
}

func (e *LedgerEntry) CandidateID() string          { return e.ID }
func (e *LedgerEntry) CandidateKind() CandidateKind { return KindLedgerEntry }
func (e *LedgerEntry) CandidateDate() time.Time     { return e.Date }
func (e *LedgerEntry) CandidateAccount() string     { return e.Account }
func (e *LedgerEntry) IsSettled() bool              { return e.Settled }

func (e *LedgerEntry) CandidateAmount() Amount {
	if e.Debit > 0 {
		return e.Debit
	}
	return e.Credit
}

// BatchDeposit groups several receipts or payments that clear the bank as one
// amount.
type BatchDeposit struct {
	Base
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
	Name       string         `json:"name"`
	Scope      string         `gorm:"not null;index" json:"scope" validate:"required"`
	Direction  Direction      `gorm:"not null" json:"direction" validate:"oneof=inbound outbound"`
	Amount     Amount         `gorm:"type:bigint;not null" json:"amount" validate:"gt=0"`
	Date       time.Time      `gorm:"not null;index" json:"date" validate:"required"`
	Reconciled bool           `json:"reconciled"`
}

func (b *BatchDeposit) CandidateID() string          { return b.ID }
func (b *BatchDeposit) CandidateKind() CandidateKind { return KindBatchDeposit }
func (b *BatchDeposit) CandidateAmount() Amount      { return b.Amount }
func (b *BatchDeposit) CandidateDate() time.Time     { return b.Date }
func (b *BatchDeposit) CandidateAccount() string     { return b.Scope }
func (b *BatchDeposit) IsSettled() bool              { return b.Reconciled }
