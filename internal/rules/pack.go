package rules

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Pack is the on-disk form of a set of rules. Amounts and percentages are
// decimal strings so that files round-trip without float drift.
type Pack struct {
	Rules []PackRule `yaml:"rules"`
}

type PackRule struct {
	Name      string      `yaml:"name"`
	Sequence  int         `yaml:"sequence"`
	Active    *bool       `yaml:"active,omitempty"`
	Scopes    []string    `yaml:"scopes,omitempty"`
	Direction string      `yaml:"direction,omitempty"`
	Amount    *PackAmount `yaml:"amount,omitempty"`
	Label     *PackLabel  `yaml:"label,omitempty"`
	Outcome   PackOutcome `yaml:"outcome"`
}

type PackAmount struct {
	Condition string `yaml:"condition"`
	Min       string `yaml:"min,omitempty"`
	Max       string `yaml:"max,omitempty"`
}

type PackLabel struct {
	Condition string `yaml:"condition"`
	Param     string `yaml:"param"`
}

type PackOutcome struct {
	Kind          string     `yaml:"kind,omitempty"`
	Account       string     `yaml:"account,omitempty"`
	Payee         string     `yaml:"payee,omitempty"`
	Memo          string     `yaml:"memo,omitempty"`
	TransferScope string     `yaml:"transfer_scope,omitempty"`
	Split         string     `yaml:"split,omitempty"`
	Lines         []PackLine `yaml:"lines,omitempty"`
}

type PackLine struct {
	Account string `yaml:"account"`
	Payee   string `yaml:"payee,omitempty"`
	Percent string `yaml:"percent,omitempty"`
	Amount  string `yaml:"amount,omitempty"`
}

// ReadPack decodes a YAML rule pack.
func ReadPack(r io.Reader) (*Pack, error) {
	var p Pack
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.CategoryParse, errors.CodeInvalidFormat, "invalid rule pack")
	}
	return &p, nil
}

// LoadFile reads the pack at path and saves every rule in it. Rules are
// validated before any is written.
func (s *Store) LoadFile(ctx context.Context, path string) ([]models.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.FileError(errors.CodeFilePermission, path, err)
	}
	defer f.Close()

	pack, err := ReadPack(f)
	if err != nil {
		return nil, err
	}
	rules, err := pack.ToRules()
	if err != nil {
		return nil, err
	}
	for i := range rules {
		Normalize(&rules[i])
		if err := Validate(&rules[i]); err != nil {
			return nil, err
		}
	}
	for i := range rules {
		if err := s.Save(ctx, &rules[i]); err != nil {
			return nil, err
		}
	}
	s.log.WithField("file", path).Infof("Imported %d rules", len(rules))
	return rules, nil
}

// Export writes every rule, active or not, as a YAML pack.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	rules, err := s.List(ctx, false)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(FromRules(rules)); err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode rule pack", err)
	}
	return enc.Close()
}

// ToRules converts the pack into rule models.
func (p *Pack) ToRules() ([]models.Rule, error) {
	out := make([]models.Rule, 0, len(p.Rules))
	for i, pr := range p.Rules {
		r, err := pr.toRule()
		if err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidRule, fmt.Sprintf("rules[%d]", i), pr.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (pr PackRule) toRule() (models.Rule, error) {
	r := models.Rule{
		Name:          pr.Name,
		Sequence:      pr.Sequence,
		Active:        pr.Active == nil || *pr.Active,
		Scopes:        pr.Scopes,
		Direction:     models.RuleDirection(pr.Direction),
		OutcomeKind:   models.OutcomeKind(pr.Outcome.Kind),
		Account:       pr.Outcome.Account,
		Payee:         pr.Outcome.Payee,
		Memo:          pr.Outcome.Memo,
		TransferScope: pr.Outcome.TransferScope,
		SplitMode:     models.SplitMode(pr.Outcome.Split),
	}

	if pr.Amount != nil {
		r.AmountCondition = models.AmountCondition(pr.Amount.Condition)
		var err error
		if r.AmountMin, err = optionalAmount(pr.Amount.Min); err != nil {
			return r, err
		}
		if r.AmountMax, err = optionalAmount(pr.Amount.Max); err != nil {
			return r, err
		}
	}
	if pr.Label != nil {
		r.LabelCondition = models.LabelCondition(pr.Label.Condition)
		r.LabelParam = pr.Label.Param
	}

	for _, pl := range pr.Outcome.Lines {
		line := models.RuleLine{Account: pl.Account, Payee: pl.Payee}
		if pl.Percent != "" {
			bp, err := models.ParsePercent(pl.Percent)
			if err != nil {
				return r, err
			}
			line.BasisPoints = bp
		}
		amount, err := optionalAmount(pl.Amount)
		if err != nil {
			return r, err
		}
		line.Amount = amount
		r.Lines = append(r.Lines, line)
	}
	return r, nil
}

func optionalAmount(s string) (models.Amount, error) {
	if s == "" {
		return 0, nil
	}
	return models.ParseAmount(s)
}

// FromRules converts rule models into a pack.
func FromRules(rules []models.Rule) *Pack {
	p := &Pack{Rules: make([]PackRule, 0, len(rules))}
	for _, r := range rules {
		active := r.Active
		pr := PackRule{
			Name:      r.Name,
			Sequence:  r.Sequence,
			Active:    &active,
			Scopes:    r.Scopes,
			Direction: string(r.Direction),
			Outcome: PackOutcome{
				Kind:          string(r.OutcomeKind),
				Account:       r.Account,
				Payee:         r.Payee,
				Memo:          r.Memo,
				TransferScope: r.TransferScope,
				Split:         string(r.SplitMode),
			},
		}
		if r.AmountCondition != "" && r.AmountCondition != models.AmountAny {
			pr.Amount = &PackAmount{Condition: string(r.AmountCondition)}
			if r.AmountMin != 0 {
				pr.Amount.Min = r.AmountMin.String()
			}
			if r.AmountMax != 0 {
				pr.Amount.Max = r.AmountMax.String()
			}
		}
		if r.LabelCondition != "" && r.LabelCondition != models.LabelAny {
			pr.Label = &PackLabel{Condition: string(r.LabelCondition), Param: r.LabelParam}
		}
		for _, l := range r.Lines {
			pl := PackLine{Account: l.Account, Payee: l.Payee}
			if r.SplitMode == models.SplitPercentage {
				pl.Percent = models.FormatPercent(l.BasisPoints)
			} else {
				pl.Amount = l.Amount.String()
			}
			pr.Outcome.Lines = append(pr.Outcome.Lines, pl)
		}
		p.Rules = append(p.Rules, pr)
	}
	return p
}
