package rules

import (
	"strings"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Normalize fills the conditions left empty with their neutral value.
func Normalize(r *models.Rule) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Direction == "" {
		r.Direction = models.RuleDirectionBoth
	}
	if r.AmountCondition == "" {
		r.AmountCondition = models.AmountAny
	}
	if r.LabelCondition == "" {
		r.LabelCondition = models.LabelAny
	}
	if r.OutcomeKind == "" {
		r.OutcomeKind = models.OutcomeAssign
	}
	if r.SplitMode == "" {
		if len(r.Lines) > 0 {
			r.SplitMode = models.SplitPercentage
		} else {
			r.SplitMode = models.SplitNone
		}
	}
}

// Validate checks a rule before it is stored.
func Validate(r *models.Rule) error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.ValidationError(errors.CodeInvalidRule, fe.Namespace(), fe.Value(), err).
				WithSuggestion("check the '" + fe.Tag() + "' constraint of this field")
		}
		return errors.Wrap(err, errors.CategoryValidation, errors.CodeInvalidRule, "invalid rule")
	}

	switch r.AmountCondition {
	case models.AmountBetween:
		if r.AmountMin > r.AmountMax {
			return errors.Invalid(errors.CodeInvalidRule, "rule %q: minimum amount %s exceeds maximum %s", r.Name, r.AmountMin, r.AmountMax)
		}
	case models.AmountLower:
		if r.AmountMax <= 0 {
			return errors.Invalid(errors.CodeInvalidRule, "rule %q: 'lower' needs a positive maximum amount", r.Name)
		}
	}

	if r.LabelCondition == models.LabelRegex {
		if _, err := compile(r.LabelParam); err != nil {
			return errors.ValidationError(errors.CodeInvalidRule, "label_param", r.LabelParam, err).
				WithSuggestion("use RE2 regular expression syntax")
		}
	}

	if r.OutcomeKind == models.OutcomeTransfer {
		if strings.TrimSpace(r.TransferScope) == "" {
			return errors.ValidationError(errors.CodeMissingField, "transfer_scope", r.TransferScope, nil)
		}
		return nil
	}

	return validateSplit(r)
}

func validateSplit(r *models.Rule) error {
	if r.SplitMode == models.SplitNone || len(r.Lines) == 0 {
		if strings.TrimSpace(r.Account) == "" {
			return errors.Invalid(errors.CodeMissingAccount, "rule %q assigns no account", r.Name)
		}
		return nil
	}

	switch r.SplitMode {
	case models.SplitPercentage:
		var total int64
		for _, l := range r.Lines {
			if l.BasisPoints <= 0 {
				return errors.Invalid(errors.CodeNonPositiveSplit, "rule %q: split on %s must be positive", r.Name, l.Account)
			}
			total += l.BasisPoints
		}
		if total != models.FullPercent {
			return errors.Invalid(errors.CodeSplitPercentage,
				"rule %q: split percentages sum to %s%%, expected 100.00%%", r.Name, models.FormatPercent(total))
		}
	case models.SplitFixed:
		for _, l := range r.Lines {
			if l.Amount <= 0 {
				return errors.Invalid(errors.CodeNonPositiveSplit, "rule %q: split amount on %s must be positive", r.Name, l.Account)
			}
		}
	}
	return nil
}
