package cmd

import (
	"fmt"
	"io"

	"golang-bankmatch-service/internal/models"

	"github.com/spf13/cobra"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Reconcile confirmed lines against a bank statement",
	}

	var (
		scope         string
		endingDate    string
		endingBalance string
	)
	open := &cobra.Command{
		Use:   "open",
		Short: "Open the draft reconciliation of a journal",
		Long: `Open starts a reconciliation for a statement ending on --ending-date with
--ending-balance. The beginning balance is the ending balance of the last
reconciled statement. Confirmed lines up to the ending date that are not yet
reconciled are attached. When a draft already exists it is returned as is.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDateFlag("ending-date", endingDate)
			if err != nil {
				return err
			}
			balance, err := parseAmountFlag("ending-balance", endingBalance)
			if err != nil {
				return err
			}
			rs, err := a.engine.Sessions.Open(cmd.Context(), scope, date, balance)
			if err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), rs)
			return nil
		},
	}
	open.Flags().StringVarP(&scope, "scope", "s", "", "journal to reconcile (required)")
	open.Flags().StringVar(&endingDate, "ending-date", "", "statement ending date YYYY-MM-DD (required)")
	open.Flags().StringVar(&endingBalance, "ending-balance", "", "statement ending balance (required)")
	open.MarkFlagRequired("scope")
	open.MarkFlagRequired("ending-date")
	open.MarkFlagRequired("ending-balance")

	var out outputFlags
	show := &cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Show the running balance of a reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := out.generator(a)
			if err != nil {
				return err
			}
			summary, err := a.engine.Sessions.Summarize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w, closeFn, err := out.writer(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			return gen.WriteSessionReport(summary, w)
		},
	}
	out.register(show)

	closeCmd := &cobra.Command{
		Use:   "close SESSION_ID",
		Short: "Mark a balanced reconciliation as reconciled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := a.engine.Sessions.Close(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), rs)
			return nil
		},
	}

	var reopenScope string
	reopen := &cobra.Command{
		Use:   "reopen",
		Short: "Return the last reconciled statement of a journal to draft",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := a.engine.Sessions.ReopenLast(cmd.Context(), reopenScope)
			if err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), rs)
			return nil
		},
	}
	reopen.Flags().StringVarP(&reopenScope, "scope", "s", "", "journal to reopen (required)")
	reopen.MarkFlagRequired("scope")

	add := &cobra.Command{
		Use:   "add SESSION_ID TRANSACTION_ID",
		Short: "Attach a confirmed line to a draft reconciliation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.Sessions.AddConfirmedTransaction(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transaction %s added to session %s\n", args[1], args[0])
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove TRANSACTION_ID",
		Short: "Detach a line from its draft reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.Sessions.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transaction %s removed from its session\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(open, show, closeCmd, reopen, add, remove)
	return cmd
}

func printSession(w io.Writer, rs *models.ReconciliationSession) {
	fmt.Fprintf(w, "Session %s (%s) %s ending %s: begin %s, end %s\n",
		rs.ID, rs.Scope, rs.State, rs.StatementEndingDate.Format("2006-01-02"),
		rs.BeginningBalance, rs.EndingBalance)
}
