package models

import "time"

type SessionState string

const (
	SessionDraft      SessionState = "draft"
	SessionReconciled SessionState = "reconciled"
)

// ReconciliationSession is one statement period of a scope. Its member
// transactions point back to it through Transaction.SessionID.
type ReconciliationSession struct {
	Base
	Scope               string       `gorm:"not null;index" json:"scope"`
	StatementEndingDate time.Time    `gorm:"not null" json:"statement_ending_date"`
	BeginningBalance    Amount       `gorm:"type:bigint;not null" json:"beginning_balance"`
	EndingBalance       Amount       `gorm:"type:bigint;not null" json:"ending_balance"`
	State               SessionState `gorm:"not null;index" json:"state"`
	ReconciledAt        *time.Time   `json:"reconciled_at,omitempty"`
}

func (s *ReconciliationSession) IsDraft() bool { return s.State == SessionDraft }

// CacheFlag persists the staleness of one (kind, scope) key.
type CacheFlag struct {
	Kind      string    `gorm:"primaryKey" json:"kind"`
	Scope     string    `gorm:"primaryKey" json:"scope"`
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updated_at"`
}
