// Package reporter renders matching passes and reconciliation sessions for
// people and for other programs.
//
// Supported output formats:
//   - Console: human-readable sections for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per statement line for spreadsheets
//
// Example usage:
//
//	gen, err := reporter.NewReportGenerator(reporter.DefaultReportConfig())
//	err = gen.GenerateRunReport(reporter.NewRunReport(results), os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang-bankmatch-service/internal/matcher"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/session"
	"golang-bankmatch-service/pkg/errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `mapstructure:"format" json:"format" validate:"oneof=console json csv"`

	// IncludeUnchanged lists lines the pass looked at but did not rewrite.
	IncludeUnchanged bool `mapstructure:"include_unchanged" json:"include_unchanged"`
	IncludeFailures  bool `mapstructure:"include_failures" json:"include_failures"`
	IncludeSkipped   bool `mapstructure:"include_skipped" json:"include_skipped"`

	// MaxItems caps console lists; 0 prints everything.
	MaxItems int `mapstructure:"max_items" json:"max_items" validate:"min=0"`

	CSVDelimiter rune `mapstructure:"csv_delimiter" json:"csv_delimiter" validate:"required"`
	CSVHeaders   bool `mapstructure:"csv_headers" json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:           FormatConsole,
		IncludeUnchanged: true,
		IncludeFailures:  true,
		IncludeSkipped:   false,
		MaxItems:         50,
		CSVDelimiter:     ',',
		CSVHeaders:       true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "report", c.Format, err).
			WithSuggestion("Use one of: console, json, csv")
	}
	return nil
}

// RunReport is the outcome of matching passes over one or more scopes.
type RunReport struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Passes      []*matcher.PassResult `json:"passes"`
	Totals      matcher.PassSummary   `json:"totals"`
}

// NewRunReport collects pass results, ordered by scope, and totals them.
func NewRunReport(passes []*matcher.PassResult) *RunReport {
	sorted := make([]*matcher.PassResult, 0, len(passes))
	for _, p := range passes {
		if p != nil {
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Scope < sorted[j].Scope })

	r := &RunReport{GeneratedAt: time.Now(), Passes: sorted}
	for _, p := range sorted {
		s := p.Summary
		r.Totals.OpenTransactions += s.OpenTransactions
		r.Totals.IndexedCandidates += s.IndexedCandidates
		r.Totals.RulesApplied += s.RulesApplied
		r.Totals.Proposed += s.Proposed
		r.Totals.Unmatched += s.Unmatched
		r.Totals.Transfers += s.Transfers
		r.Totals.AutoApplied += s.AutoApplied
		r.Totals.Manual += s.Manual
		r.Totals.Written += s.Written
		r.Totals.Unchanged += s.Unchanged
		r.Totals.Retried += s.Retried
		r.Totals.Failed += s.Failed
	}
	return r
}

// ReportGenerator generates pass and session reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ReportGenerator{config: config}, nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// GenerateRunReport writes report to writer in the configured format.
func (rg *ReportGenerator) GenerateRunReport(report *RunReport, writer io.Writer) error {
	if report == nil {
		return errors.ValidationError(errors.CodeMissingField, "report", nil, nil)
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.consoleRunReport(report, writer)
	case FormatJSON:
		return rg.writeJSON(rg.filterRunReport(report), writer)
	case FormatCSV:
		return rg.csvRunReport(report, writer)
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "report.format", rg.config.Format, nil)
	}
}

// GenerateSessionReport writes the state of one reconciliation session.
func (rg *ReportGenerator) GenerateSessionReport(summary *session.Summary, writer io.Writer) error {
	if summary == nil || summary.Session == nil {
		return errors.ValidationError(errors.CodeMissingField, "session", nil, nil)
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.consoleSessionReport(summary, writer)
	case FormatJSON:
		return rg.writeJSON(map[string]interface{}{
			"session":      summary.Session,
			"transactions": summary.Transactions,
			"cleared":      summary.Cleared,
			"computed":     summary.Computed,
			"difference":   summary.Difference,
			"balanced":     summary.Balanced(),
		}, writer)
	case FormatCSV:
		return rg.csvSessionReport(summary, writer)
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "report.format", rg.config.Format, nil)
	}
}

func (rg *ReportGenerator) writeJSON(v interface{}, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (rg *ReportGenerator) consoleRunReport(report *RunReport, w io.Writer) error {
	fmt.Fprintf(w, "MATCHING REPORT\n")
	fmt.Fprintf(w, "Generated: %s\n\n", report.GeneratedAt.Format(time.RFC3339))

	fmt.Fprintf(w, "=== SUMMARY ===\n")
	rg.printSummary(report.Totals, w)
	fmt.Fprintf(w, "\n")

	for _, p := range report.Passes {
		if p.Skipped {
			if rg.config.IncludeSkipped {
				fmt.Fprintf(w, "=== %s === up to date, skipped\n\n", strings.ToUpper(p.Scope))
			}
			continue
		}

		fmt.Fprintf(w, "=== %s === %d open, %d written (%v)\n",
			strings.ToUpper(p.Scope), p.Summary.OpenTransactions, p.Summary.Written, p.Duration.Round(time.Millisecond))
		rg.printOutcomes(p.Outcomes, w)

		if rg.config.IncludeFailures && len(p.Failures) > 0 {
			fmt.Fprintf(w, "Failures (%d):\n", len(p.Failures))
			for _, f := range p.Failures {
				fmt.Fprintf(w, "  - %s: %v\n", f.TransactionID, f.Err)
			}
		}
		fmt.Fprintf(w, "\n")
	}
	return nil
}

func (rg *ReportGenerator) printSummary(s matcher.PassSummary, w io.Writer) {
	fmt.Fprintf(w, "Open Lines:     %d\n", s.OpenTransactions)
	fmt.Fprintf(w, "  Proposed:     %d (%.1f%%)\n", s.Proposed, percentage(s.Proposed, s.OpenTransactions))
	fmt.Fprintf(w, "  Unmatched:    %d (%.1f%%)\n", s.Unmatched, percentage(s.Unmatched, s.OpenTransactions))
	fmt.Fprintf(w, "  Transfers:    %d\n", s.Transfers)
	fmt.Fprintf(w, "  Manual:       %d\n", s.Manual)
	fmt.Fprintf(w, "Auto-applied:   %d\n", s.AutoApplied)
	fmt.Fprintf(w, "Rules Applied:  %d\n", s.RulesApplied)
	fmt.Fprintf(w, "Written:        %d\n", s.Written)
	fmt.Fprintf(w, "Failed:         %d\n", s.Failed)
}

func (rg *ReportGenerator) printOutcomes(outcomes []*matcher.TransactionOutcome, w io.Writer) {
	printed := 0
	for _, out := range outcomes {
		if !rg.config.IncludeUnchanged && !out.Changed && !out.AutoApplied {
			continue
		}
		if rg.config.MaxItems > 0 && printed >= rg.config.MaxItems {
			fmt.Fprintf(w, "  ... and more\n")
			return
		}
		printed++
		fmt.Fprintf(w, "  %s %12s  %-32s %s\n",
			out.Date.Format("2006-01-02"), out.Amount, truncate(out.Description, 32), describeOutcome(out))
	}
}

func describeOutcome(out *matcher.TransactionOutcome) string {
	var b strings.Builder
	switch {
	case out.AutoApplied:
		b.WriteString("applied")
	case out.Manual:
		b.WriteString("manual selection kept")
	case out.ActionType == models.ActionTransfer:
		b.WriteString("transfer")
	case out.Selected != nil:
		fmt.Fprintf(&b, "proposed %s", out.Selected)
	default:
		b.WriteString("no candidate")
	}
	if out.Proposals > 1 {
		fmt.Fprintf(&b, " (%d proposals)", out.Proposals)
	}
	if out.RuleName != "" {
		fmt.Fprintf(&b, " [rule %s]", out.RuleName)
	}
	return b.String()
}

func (rg *ReportGenerator) csvRunReport(report *RunReport, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		headers := []string{
			"Scope", "Transaction_ID", "Date", "Amount", "Description",
			"Action", "Rule", "Selected", "Proposals", "Status", "Error",
		}
		if err := csvWriter.Write(headers); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to write CSV headers")
		}
	}

	for _, p := range report.Passes {
		for _, out := range p.Outcomes {
			if !rg.config.IncludeUnchanged && !out.Changed && !out.AutoApplied {
				continue
			}
			selected := ""
			if out.Selected != nil {
				selected = out.Selected.String()
			}
			record := []string{
				p.Scope,
				out.TransactionID,
				out.Date.Format("2006-01-02"),
				out.Amount.String(),
				out.Description,
				string(out.ActionType),
				out.RuleName,
				selected,
				fmt.Sprintf("%d", out.Proposals),
				outcomeStatus(out),
				"",
			}
			if err := csvWriter.Write(record); err != nil {
				return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to write CSV record")
			}
		}
		if !rg.config.IncludeFailures {
			continue
		}
		for _, f := range p.Failures {
			record := []string{p.Scope, f.TransactionID, "", "", "", "", "", "", "", "failed", f.Err.Error()}
			if err := csvWriter.Write(record); err != nil {
				return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to write CSV record")
			}
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

func outcomeStatus(out *matcher.TransactionOutcome) string {
	switch {
	case out.AutoApplied:
		return "applied"
	case out.Changed:
		return "updated"
	default:
		return "unchanged"
	}
}

func (rg *ReportGenerator) filterRunReport(report *RunReport) map[string]interface{} {
	passes := make([]map[string]interface{}, 0, len(report.Passes))
	for _, p := range report.Passes {
		if p.Skipped && !rg.config.IncludeSkipped {
			continue
		}
		entry := map[string]interface{}{
			"scope":       p.Scope,
			"skipped":     p.Skipped,
			"summary":     p.Summary,
			"duration_ms": p.Duration.Milliseconds(),
		}

		outcomes := make([]*matcher.TransactionOutcome, 0, len(p.Outcomes))
		for _, out := range p.Outcomes {
			if rg.config.IncludeUnchanged || out.Changed || out.AutoApplied {
				outcomes = append(outcomes, out)
			}
		}
		entry["outcomes"] = outcomes

		if rg.config.IncludeFailures {
			failures := make([]map[string]string, 0, len(p.Failures))
			for _, f := range p.Failures {
				failures = append(failures, map[string]string{"transaction_id": f.TransactionID, "error": f.Err.Error()})
			}
			entry["failures"] = failures
		}
		passes = append(passes, entry)
	}

	return map[string]interface{}{
		"generated_at": report.GeneratedAt,
		"totals":       report.Totals,
		"passes":       passes,
	}
}

func (rg *ReportGenerator) consoleSessionReport(s *session.Summary, w io.Writer) error {
	rs := s.Session
	fmt.Fprintf(w, "RECONCILIATION SESSION %s\n", rs.ID)
	fmt.Fprintf(w, "Scope:             %s\n", rs.Scope)
	fmt.Fprintf(w, "State:             %s\n", rs.State)
	fmt.Fprintf(w, "Statement Ending:  %s\n\n", rs.StatementEndingDate.Format("2006-01-02"))

	fmt.Fprintf(w, "=== BALANCES ===\n")
	fmt.Fprintf(w, "Beginning Balance: %12s\n", rs.BeginningBalance)
	fmt.Fprintf(w, "Cleared:           %12s\n", s.Cleared)
	fmt.Fprintf(w, "Computed Ending:   %12s\n", s.Computed)
	fmt.Fprintf(w, "Statement Ending:  %12s\n", rs.EndingBalance)
	fmt.Fprintf(w, "Difference:        %12s\n", s.Difference)
	if s.Balanced() {
		fmt.Fprintf(w, "Balanced:          yes\n\n")
	} else {
		fmt.Fprintf(w, "Balanced:          NO\n\n")
	}

	fmt.Fprintf(w, "=== TRANSACTIONS (%d) ===\n", len(s.Transactions))
	for i := range s.Transactions {
		if rg.config.MaxItems > 0 && i >= rg.config.MaxItems {
			fmt.Fprintf(w, "  ... and %d more\n", len(s.Transactions)-i)
			break
		}
		txn := &s.Transactions[i]
		fmt.Fprintf(w, "  %s %12s  %-32s %s\n",
			txn.Date.Format("2006-01-02"), txn.Amount, truncate(txn.Description, 32), txn.DispositionLabel())
	}
	return nil
}

func (rg *ReportGenerator) csvSessionReport(s *session.Summary, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		if err := csvWriter.Write([]string{"Session_ID", "Transaction_ID", "Date", "Amount", "Description", "Disposition", "Reconciled"}); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to write CSV headers")
		}
	}
	for i := range s.Transactions {
		txn := &s.Transactions[i]
		record := []string{
			s.Session.ID,
			txn.ID,
			txn.Date.Format("2006-01-02"),
			txn.Amount.String(),
			txn.Description,
			txn.DispositionLabel(),
			fmt.Sprintf("%t", txn.Reconciled),
		}
		if err := csvWriter.Write(record); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to write CSV record")
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
