package parsers

import (
	"sort"
	"strings"

	"golang-bankmatch-service/pkg/errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// StatementProfile describes the CSV layout of one bank's statement export.
// A statement carries either one signed amount column or a pair of
// debit/credit columns holding unsigned values.
type StatementProfile struct {
	Name              string            `yaml:"name" json:"name" validate:"required"`
	ReferenceColumn   string            `yaml:"reference_column" json:"reference_column,omitempty"`
	DateColumn        string            `yaml:"date_column" json:"date_column" validate:"required"`
	AmountColumn      string            `yaml:"amount_column" json:"amount_column,omitempty" validate:"required_without=DebitColumn"`
	DebitColumn       string            `yaml:"debit_column" json:"debit_column,omitempty" validate:"required_with=CreditColumn"`
	CreditColumn      string            `yaml:"credit_column" json:"credit_column,omitempty" validate:"required_with=DebitColumn"`
	DescriptionColumn string            `yaml:"description_column" json:"description_column" validate:"required"`
	MemoColumn        string            `yaml:"memo_column" json:"memo_column,omitempty"`
	PartnerColumn     string            `yaml:"partner_column" json:"partner_column,omitempty"`
	DateFormat        string            `yaml:"date_format" json:"date_format,omitempty"`
	DecimalComma      bool              `yaml:"decimal_comma" json:"decimal_comma,omitempty"`
	HasHeader         bool              `yaml:"has_header" json:"has_header"`
	Delimiter         rune              `yaml:"delimiter" json:"delimiter" validate:"required"`
	ColumnAliases     map[string]string `yaml:"column_aliases" json:"column_aliases,omitempty"`
	Description       string            `yaml:"description" json:"description,omitempty"`
}

// Validate checks if the statement profile is valid
func (p *StatementProfile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "statement_profile."+p.Name, p.Name, err)
	}
	if p.AmountColumn != "" && p.DebitColumn != "" {
		return errors.ConfigurationError(errors.CodeConfigConflict, "statement_profile."+p.Name, p.AmountColumn, nil).
			WithSuggestion("use either amount_column or debit_column/credit_column")
	}
	return nil
}

// GetColumnName returns the actual column name, checking aliases first
func (p *StatementProfile) GetColumnName(standardName string) string {
	if alias, exists := p.ColumnAliases[standardName]; exists {
		return alias
	}
	switch standardName {
	case "reference":
		return p.ReferenceColumn
	case "date":
		return p.DateColumn
	case "amount":
		return p.AmountColumn
	case "debit":
		return p.DebitColumn
	case "credit":
		return p.CreditColumn
	case "description":
		return p.DescriptionColumn
	case "memo":
		return p.MemoColumn
	case "partner":
		return p.PartnerColumn
	default:
		return standardName
	}
}

func (p *StatementProfile) requiredColumns() []string {
	cols := []string{p.GetColumnName("date")}
	if p.AmountColumn != "" {
		cols = append(cols, p.GetColumnName("amount"))
	} else {
		cols = append(cols, p.GetColumnName("debit"), p.GetColumnName("credit"))
	}
	return append(cols, p.GetColumnName("description"))
}

func (p *StatementProfile) parseConfig() *ParseConfig {
	cfg := DefaultParseConfig()
	cfg.HasHeader = p.HasHeader
	cfg.Delimiter = p.Delimiter
	return cfg
}

// LedgerProfile describes the CSV layout of a ledger export: one journal
// item per row.
type LedgerProfile struct {
	Name          string `yaml:"name" json:"name" validate:"required"`
	AccountColumn string `yaml:"account_column" json:"account_column" validate:"required"`
	DateColumn    string `yaml:"date_column" json:"date_column" validate:"required"`
	DebitColumn   string `yaml:"debit_column" json:"debit_column" validate:"required"`
	CreditColumn  string `yaml:"credit_column" json:"credit_column" validate:"required"`
	LabelColumn   string `yaml:"label_column" json:"label_column,omitempty"`
	PartnerColumn string `yaml:"partner_column" json:"partner_column,omitempty"`
	CheckColumn   string `yaml:"check_column" json:"check_column,omitempty"`
	DateFormat    string `yaml:"date_format" json:"date_format,omitempty"`
	DecimalComma  bool   `yaml:"decimal_comma" json:"decimal_comma,omitempty"`
	HasHeader     bool   `yaml:"has_header" json:"has_header"`
	Delimiter     rune   `yaml:"delimiter" json:"delimiter" validate:"required"`
}

func (p *LedgerProfile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "ledger_profile."+p.Name, p.Name, err)
	}
	return nil
}

func (p *LedgerProfile) parseConfig() *ParseConfig {
	cfg := DefaultParseConfig()
	cfg.HasHeader = p.HasHeader
	cfg.Delimiter = p.Delimiter
	return cfg
}

// Predefined statement profiles
var (
	// StandardStatementProfile is a generic export with one signed amount.
	StandardStatementProfile = &StatementProfile{
		Name:              "standard",
		ReferenceColumn:   "reference",
		DateColumn:        "date",
		AmountColumn:      "amount",
		DescriptionColumn: "description",
		MemoColumn:        "memo",
		PartnerColumn:     "partner",
		DateFormat:        "2006-01-02",
		HasHeader:         true,
		Delimiter:         ',',
		Description:       "Signed amount, ISO dates",
	}

	// SplitColumnsStatementProfile prints outflows and inflows in separate
	// unsigned columns with US dates.
	SplitColumnsStatementProfile = &StatementProfile{
		Name:              "split",
		ReferenceColumn:   "Transaction ID",
		DateColumn:        "Posting Date",
		DebitColumn:       "Debit",
		CreditColumn:      "Credit",
		DescriptionColumn: "Description",
		DateFormat:        "01/02/2006",
		HasHeader:         true,
		Delimiter:         ',',
		Description:       "Separate debit and credit columns, MM/DD/YYYY dates",
	}

	// EuropeanStatementProfile uses semicolons, day-first dates and a
	// decimal comma.
	EuropeanStatementProfile = &StatementProfile{
		Name:              "european",
		ReferenceColumn:   "ref",
		DateColumn:        "value_date",
		AmountColumn:      "amount",
		DescriptionColumn: "details",
		PartnerColumn:     "counterparty",
		DateFormat:        "02.01.2006",
		DecimalComma:      true,
		HasHeader:         true,
		Delimiter:         ';',
		Description:       "Semicolon delimited, DD.MM.YYYY dates, decimal comma",
	}
)

// StandardLedgerProfile reads the ledger export written by most accounting
// packages.
var StandardLedgerProfile = &LedgerProfile{
	Name:          "standard",
	AccountColumn: "account",
	DateColumn:    "date",
	DebitColumn:   "debit",
	CreditColumn:  "credit",
	LabelColumn:   "label",
	PartnerColumn: "partner",
	CheckColumn:   "check_number",
	DateFormat:    "2006-01-02",
	HasHeader:     true,
	Delimiter:     ',',
}

var statementProfiles = map[string]*StatementProfile{
	StandardStatementProfile.Name:     StandardStatementProfile,
	SplitColumnsStatementProfile.Name: SplitColumnsStatementProfile,
	EuropeanStatementProfile.Name:     EuropeanStatementProfile,
}

// GetStatementProfile returns a predefined profile by name, or nil.
func GetStatementProfile(name string) *StatementProfile {
	return statementProfiles[strings.ToLower(strings.TrimSpace(name))]
}

// ListStatementProfiles returns the predefined profiles sorted by name.
func ListStatementProfiles() []*StatementProfile {
	out := make([]*StatementProfile, 0, len(statementProfiles))
	for _, p := range statementProfiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AutoDetectStatementProfile picks the predefined profile whose required
// columns all appear in headers, falling back to the standard profile.
func AutoDetectStatementProfile(headers []string) *StatementProfile {
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[strings.ToLower(strings.TrimSpace(h))] = true
	}

	for _, p := range ListStatementProfiles() {
		matched := true
		for _, col := range p.requiredColumns() {
			if !present[strings.ToLower(col)] {
				matched = false
				break
			}
		}
		if matched {
			return p
		}
	}
	return StandardStatementProfile
}
