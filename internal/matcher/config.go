// Package matcher proposes ledger entries and batch deposits for open bank
// statement lines.
//
// A pass over one scope runs in two stages:
//  1. Rule application: the first matching rule fills in the disposition of
//     every open line.
//  2. Candidate search: lines that are not transfers get exact-amount
//     candidates from an in-memory index of the scope's unsettled pool. The
//     best candidate is selected and reserved for that line.
//
// Passes are incremental. A scope whose staleness keys are all clear is
// skipped without touching the database, and lines whose proposals did not
// change are not rewritten.
//
// Example usage:
//
//	cfg := matcher.DefaultMatchingConfig()
//	cfg.AutoApply = true
//
//	engine := matcher.NewMatchingEngine(repo, ruleStore, staleness, cfg, log)
//	result, err := engine.RunScope(ctx, "checking")
package matcher

import (
	"fmt"

	"golang-bankmatch-service/pkg/errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// MatchingConfig controls candidate search and what a pass does with the
// candidates it finds.
type MatchingConfig struct {
	// AutoApply settles lines that have exactly one exact candidate in the
	// same unit of work that proposes it.
	AutoApply bool `mapstructure:"auto_apply" json:"auto_apply"`

	// MaxCandidates caps the proposals stored per line.
	MaxCandidates int `mapstructure:"max_candidates" json:"max_candidates" validate:"min=1,max=1000"`

	// CheckNumberMatching ranks ledger entries whose check number appears in
	// the statement description before every other candidate.
	CheckNumberMatching bool `mapstructure:"check_number_matching" json:"check_number_matching"`

	// PartnerFilter restricts ledger candidates to the line's partner (or no
	// partner) when the line has one.
	PartnerFilter bool `mapstructure:"partner_filter" json:"partner_filter"`

	// OtherMatching stores smaller candidates as unselected proposals when no
	// exact candidate exists, so a user can compose a split.
	OtherMatching bool `mapstructure:"other_matching" json:"other_matching"`

	// ProgressThreshold is the number of open lines from which a pass logs
	// its progress.
	ProgressThreshold int `mapstructure:"progress_threshold" json:"progress_threshold" validate:"min=0"`
}

// DefaultMatchingConfig returns a configuration with sensible defaults
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		AutoApply:           false,
		MaxCandidates:       10,
		CheckNumberMatching: true,
		PartnerFilter:       true,
		OtherMatching:       true,
		ProgressThreshold:   500,
	}
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if err := validate.Struct(mc); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.ConfigurationError(errors.CodeInvalidConfig, "matching."+fe.Field(), fe.Value(), err)
		}
		return errors.ConfigurationError(errors.CodeInvalidConfig, "matching", nil, err)
	}
	return nil
}

// Clone creates a copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	c := *mc
	return &c
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{AutoApply: %t, MaxCandidates: %d, CheckNumbers: %t, PartnerFilter: %t, OtherMatching: %t}",
		mc.AutoApply, mc.MaxCandidates, mc.CheckNumberMatching, mc.PartnerFilter, mc.OtherMatching)
}
