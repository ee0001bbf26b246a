package models

type RuleDirection string

const (
	RuleDirectionBoth     RuleDirection = "both"
	RuleDirectionInbound  RuleDirection = "inbound"
	RuleDirectionOutbound RuleDirection = "outbound"
)

type AmountCondition string

const (
	AmountAny     AmountCondition = "none"
	AmountLower   AmountCondition = "lower"
	AmountGreater AmountCondition = "greater"
	AmountBetween AmountCondition = "between"
)

type LabelCondition string

const (
	LabelAny         LabelCondition = "none"
	LabelContains    LabelCondition = "contains"
	LabelNotContains LabelCondition = "not_contains"
	LabelRegex       LabelCondition = "match_regex"
)

type OutcomeKind string

const (
	OutcomeAssign   OutcomeKind = "assign"
	OutcomeTransfer OutcomeKind = "transfer"
)

type SplitMode string

const (
	SplitNone       SplitMode = "none"
	SplitPercentage SplitMode = "percentage"
	SplitFixed      SplitMode = "fixed"
)

// RuleLine is one split line of a rule outcome. Percentage rules use
// BasisPoints, fixed rules use Amount.
type RuleLine struct {
	Account     string `json:"account" validate:"required"`
	Payee       string `json:"payee,omitempty"`
	BasisPoints int64  `json:"basis_points,omitempty"`
	Amount      Amount `json:"amount,omitempty"`
}

// Rule assigns an outcome to statement lines whose direction, amount and
// description satisfy its conditions.
type Rule struct {
	Base
	Name     string   `gorm:"not null" json:"name" validate:"required"`
	Sequence int      `gorm:"not null;index" json:"sequence"`
	Active   bool     `json:"active"`
	Scopes   []string `gorm:"serializer:json" json:"scopes,omitempty"`

	Direction       RuleDirection   `gorm:"not null" json:"direction" validate:"oneof=both inbound outbound"`
	AmountCondition AmountCondition `gorm:"not null" json:"amount_condition" validate:"oneof=none lower greater between"`
	AmountMin       Amount          `gorm:"type:bigint" json:"amount_min"`
	AmountMax       Amount          `gorm:"type:bigint" json:"amount_max"`
	LabelCondition  LabelCondition  `gorm:"not null" json:"label_condition" validate:"oneof=none contains not_contains match_regex"`
	LabelParam      string          `json:"label_param,omitempty" validate:"required_unless=LabelCondition none"`

	OutcomeKind   OutcomeKind `gorm:"not null" json:"outcome_kind" validate:"oneof=assign transfer"`
	Account       string      `json:"account,omitempty"`
	Payee         string      `json:"payee,omitempty"`
	Memo          string      `json:"memo,omitempty"`
	TransferScope string      `json:"transfer_scope,omitempty"`
	SplitMode     SplitMode   `gorm:"not null" json:"split_mode" validate:"oneof=none percentage fixed"`
	Lines         []RuleLine  `gorm:"serializer:json" json:"lines,omitempty" validate:"dive"`
}

// AppliesTo reports whether the rule is restricted to scopes that include scope.
func (r *Rule) AppliesTo(scope string) bool {
	if len(r.Scopes) == 0 {
		return true
	}
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
