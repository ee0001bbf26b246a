package cmd

import (
	"fmt"
	"io"
	"strings"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/parsers"
	"golang-bankmatch-service/internal/reconciler"
	"golang-bankmatch-service/pkg/errors"

	"github.com/spf13/cobra"
)

func newImportCmd(a *app) *cobra.Command {
	var (
		scope       string
		profileName string
	)
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import bank statement CSV files",
		Long: `Import reads statement lines from CSV files into a scope. Lines whose bank
reference is already stored are skipped, so importing a file twice is safe.
Without --profile the layout is detected from the header row.

Examples:
  bankmatch import march.csv --scope checking
  bankmatch import export.csv --scope savings --profile european`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var profile *parsers.StatementProfile
			if profileName != "" {
				if profile = parsers.GetStatementProfile(profileName); profile == nil {
					return errors.ValidationError(errors.CodeInvalidData, "profile", profileName, nil).
						WithSuggestion("Run 'bankmatch profiles' to list the known layouts")
				}
			}

			out := cmd.OutOrStdout()
			for _, path := range args {
				res, err := a.engine.ImportStatementFile(cmd.Context(), path, scope, profile)
				if err != nil {
					return err
				}
				printImportResult(out, path, res)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&scope, "scope", "s", "", "journal to import into (required)")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "statement layout (default: detect)")
	cmd.MarkFlagRequired("scope")
	return cmd
}

func printImportResult(w io.Writer, path string, res *reconciler.ImportResult) {
	fmt.Fprintf(w, "%s: imported %d of %d lines into %s", path, res.Imported, res.Parsed, res.Scope)
	if res.Skipped > 0 {
		fmt.Fprintf(w, " (%d already present)", res.Skipped)
	}
	fmt.Fprintln(w)

	if res.Stats != nil && res.Stats.HasErrors() {
		fmt.Fprintf(w, "  %d rows rejected:\n", res.Stats.ErrorCount)
		for _, msg := range res.Stats.GetSampleErrors(5) {
			fmt.Fprintf(w, "    %s\n", msg)
		}
	}
	for _, d := range res.Duplicates {
		fmt.Fprintf(w, "  possible duplicate: %s %s %q looks like %s %q (%.0f%% similar)\n",
			d.Incoming.Date.Format("2006-01-02"), d.Incoming.Amount, d.Incoming.Description,
			d.Existing.Date.Format("2006-01-02"), d.Existing.Description, d.Similarity*100)
	}
}

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage the journal items statement lines are matched against",
	}

	imp := &cobra.Command{
		Use:   "import FILE",
		Short: "Import posted journal items from a ledger export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.engine.ImportLedgerFile(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: imported %d ledger entries", args[0], res.Imported)
			if len(res.Scopes) > 0 {
				fmt.Fprintf(out, " (scopes to rematch: %s)", strings.Join(res.Scopes, ", "))
			}
			fmt.Fprintln(out)
			if res.Stats != nil && res.Stats.HasErrors() {
				fmt.Fprintf(out, "  %d rows rejected:\n", res.Stats.ErrorCount)
				for _, msg := range res.Stats.GetSampleErrors(5) {
					fmt.Fprintf(out, "    %s\n", msg)
				}
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a journal item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.DeleteLedgerEntry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ledger entry %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(imp, del)
	return cmd
}

func newDepositCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Manage batch deposits",
	}

	var (
		scope     string
		name      string
		direction string
		amount    string
		day       string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a batch deposit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := parseAmountFlag("amount", amount)
			if err != nil {
				return err
			}
			date, err := parseDateFlag("date", day)
			if err != nil {
				return err
			}
			d := &models.BatchDeposit{
				Name:      name,
				Scope:     scope,
				Direction: models.Direction(direction),
				Amount:    amt,
				Date:      date,
			}
			if err := a.engine.SaveDeposit(cmd.Context(), d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deposit %s recorded in %s\n", d.ID, d.Scope)
			return nil
		},
	}
	add.Flags().StringVarP(&scope, "scope", "s", "", "journal of the deposit (required)")
	add.Flags().StringVar(&name, "name", "", "deposit name")
	add.Flags().StringVar(&direction, "direction", string(models.DirectionInbound), "inbound or outbound")
	add.Flags().StringVar(&amount, "amount", "", "deposit total, e.g. 300.00 (required)")
	add.Flags().StringVar(&day, "date", "", "deposit date YYYY-MM-DD (required)")
	add.MarkFlagRequired("scope")
	add.MarkFlagRequired("amount")
	add.MarkFlagRequired("date")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a batch deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.DeleteDeposit(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deposit %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, del)
	return cmd
}
