package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/store"

	"github.com/spf13/cobra"
)

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage bank rules",
	}

	load := &cobra.Command{
		Use:   "load FILE",
		Short: "Load a YAML rule pack",
		Long: `Load validates every rule in a YAML pack and stores them. Nothing is
stored when one rule is invalid. Scopes the rules cover are rematched on the
next run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.engine.Rules.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d rules from %s\n", len(rules), args[0])
			return nil
		},
	}

	var output string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every rule as a YAML pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return a.engine.Rules.Export(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			return a.engine.Rules.Export(cmd.Context(), f)
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.engine.Rules.List(cmd.Context(), false)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tNAME\tACTIVE\tSCOPES\tOUTCOME\tID")
			for _, r := range rules {
				scopes := "all"
				if len(r.Scopes) > 0 {
					scopes = strings.Join(r.Scopes, ",")
				}
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%s\n", r.Sequence, r.Name, r.Active, scopes, r.OutcomeKind, r.ID)
			}
			return w.Flush()
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.Rules.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %s deleted\n", args[0])
			return nil
		},
	}

	var scope string
	test := &cobra.Command{
		Use:   "test",
		Short: "Show which rule each open line of a scope would get",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			txns, err := a.store.ListTransactions(ctx, store.TransactionFilter{
				Scope:    scope,
				Statuses: []models.TransactionStatus{models.StatusOpen},
			})
			if err != nil {
				return err
			}
			results, err := a.engine.Rules.DryRun(ctx, txns)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tAMOUNT\tDESCRIPTION\tRULE\tOUTCOME")
			for _, r := range results {
				rule, outcome := "-", "-"
				if r.Outcome != nil {
					rule = r.Outcome.RuleName
					outcome = describeRuleOutcome(r.Outcome.Kind, r.Outcome.Account, r.Outcome.TransferScope)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Transaction.Date.Format("2006-01-02"), r.Transaction.Amount, r.Transaction.Description, rule, outcome)
			}
			return w.Flush()
		},
	}
	test.Flags().StringVarP(&scope, "scope", "s", "", "journal whose open lines are evaluated (required)")
	test.MarkFlagRequired("scope")

	cmd.AddCommand(load, export, list, del, test)
	return cmd
}

func describeRuleOutcome(kind models.OutcomeKind, account, transferScope string) string {
	if kind == models.OutcomeTransfer {
		return "transfer to " + transferScope
	}
	if account == "" {
		return "split"
	}
	return "assign " + account
}
