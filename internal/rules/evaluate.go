package rules

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang-bankmatch-service/internal/models"
)

// Outcome is a rule resolved against one statement line.
type Outcome struct {
	RuleID        string
	RuleName      string
	Kind          models.OutcomeKind
	Account       string
	Payee         string
	Memo          string
	TransferScope string
	Lines         []models.SplitLine
}

// SortRules orders rules by sequence, then creation time, then id.
func SortRules(rules []models.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// FirstMatch returns the first active rule, in evaluation order, whose
// conditions all hold for txn. rules must already be sorted.
func FirstMatch(rules []models.Rule, txn *models.Transaction) *models.Rule {
	for i := range rules {
		r := &rules[i]
		if r.Active && Matches(r, txn) {
			return r
		}
	}
	return nil
}

// Matches reports whether every condition of r holds for txn.
func Matches(r *models.Rule, txn *models.Transaction) bool {
	return r.AppliesTo(txn.Scope) &&
		matchDirection(r.Direction, txn.Direction()) &&
		matchAmount(r, txn.AbsAmount()) &&
		matchLabel(r.LabelCondition, r.LabelParam, txn.Description)
}

func matchDirection(want models.RuleDirection, got models.Direction) bool {
	switch want {
	case models.RuleDirectionInbound:
		return got == models.DirectionInbound
	case models.RuleDirectionOutbound:
		return got == models.DirectionOutbound
	default:
		return true
	}
}

func matchAmount(r *models.Rule, amount models.Amount) bool {
	switch r.AmountCondition {
	case models.AmountLower:
		return amount < r.AmountMax
	case models.AmountGreater:
		return amount > r.AmountMin
	case models.AmountBetween:
		return amount >= r.AmountMin && amount <= r.AmountMax
	default:
		return true
	}
}

func matchLabel(cond models.LabelCondition, param, label string) bool {
	switch cond {
	case models.LabelContains:
		return strings.Contains(strings.ToLower(label), strings.ToLower(param))
	case models.LabelNotContains:
		return !strings.Contains(strings.ToLower(label), strings.ToLower(param))
	case models.LabelRegex:
		re, err := compile(param)
		return err == nil && re.MatchString(label)
	default:
		return true
	}
}

var patterns sync.Map

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}

// Resolve materialises the outcome of r for a statement line of the given
// signed amount. Percentage lines are allocated so that they sum exactly to
// the absolute amount.
func Resolve(r *models.Rule, amount models.Amount) *Outcome {
	out := &Outcome{
		RuleID:        r.ID,
		RuleName:      r.Name,
		Kind:          r.OutcomeKind,
		Account:       r.Account,
		Payee:         r.Payee,
		Memo:          r.Memo,
		TransferScope: r.TransferScope,
	}
	if r.OutcomeKind == models.OutcomeTransfer || len(r.Lines) == 0 {
		return out
	}

	switch r.SplitMode {
	case models.SplitPercentage:
		shares := make([]int64, len(r.Lines))
		for i, l := range r.Lines {
			shares[i] = l.BasisPoints
		}
		for i, a := range models.AllocateBasisPoints(amount.Abs(), shares) {
			out.Lines = append(out.Lines, models.SplitLine{Account: r.Lines[i].Account, Payee: payee(r.Lines[i], r), Amount: a})
		}
	case models.SplitFixed:
		for _, l := range r.Lines {
			out.Lines = append(out.Lines, models.SplitLine{Account: l.Account, Payee: payee(l, r), Amount: l.Amount})
		}
	}
	return out
}

func payee(l models.RuleLine, r *models.Rule) string {
	if l.Payee != "" {
		return l.Payee
	}
	return r.Payee
}

// ApplyTo copies the outcome onto txn, replacing any earlier disposition.
func (o *Outcome) ApplyTo(txn *models.Transaction) {
	txn.ClearDisposition()
	txn.RuleID = o.RuleID
	txn.Payee = o.Payee
	txn.RuleMemo = o.Memo
	if o.Kind == models.OutcomeTransfer {
		txn.ActionType = models.ActionTransfer
		txn.TransferScope = o.TransferScope
		return
	}
	txn.Account = o.Account
	txn.SplitLines = o.Lines
}
