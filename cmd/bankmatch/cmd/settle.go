package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang-bankmatch-service/internal/matcher"
	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/settlement"
	"golang-bankmatch-service/pkg/errors"

	"github.com/spf13/cobra"
)

func newApplyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply TRANSACTION_ID...",
		Short: "Confirm statement lines with their current disposition",
		Long: `Apply books each statement line according to its disposition: a voucher
for Add, links to the selected candidates for Match and a transfer document
for Transfer. Lines that fail are reported and the others are still applied.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				ref, err := a.engine.Settlement.Apply(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRef(out, ref)
				return nil
			}

			res, err := a.engine.Settlement.ApplyBatch(cmd.Context(), args)
			if err != nil {
				return err
			}
			for _, ref := range res.Applied {
				printRef(out, ref)
			}
			for _, f := range res.Failures {
				fmt.Fprintf(out, "%s: failed: %v\n", f.TransactionID, f.Err)
			}
			return res.Err()
		},
	}
}

func printRef(w io.Writer, ref *settlement.Ref) {
	fmt.Fprintf(w, "%s: %s", ref.TransactionID, ref.Label)
	if ref.DocumentID != "" {
		fmt.Fprintf(w, " (document %s)", ref.DocumentID)
	}
	if ref.SessionID != "" {
		fmt.Fprintf(w, " [session %s]", ref.SessionID)
	}
	fmt.Fprintln(w)
}

func newUnapplyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unapply TRANSACTION_ID",
		Short: "Undo the settlement of a confirmed statement line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txn, err := a.engine.Settlement.Unapply(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: back to %s\n", txn.ID, txn.Status)
			return nil
		},
	}
}

func newSelectCmd(a *app) *cobra.Command {
	var (
		candidates       []string
		remainderAccount string
		remainderPayee   string
		remainderMemo    string
		remainderDate    string
	)
	cmd := &cobra.Command{
		Use:   "select TRANSACTION_ID",
		Short: "Choose the candidates that settle a statement line",
		Long: `Select replaces the chosen candidates of an open statement line. The
selected amounts must add up to the line amount unless a remainder account
books the difference.

Examples:
  bankmatch select 0190c1d2-... --candidate ledger_entry:0190c1d3-...
  bankmatch select 0190c1d2-... --candidate ledger_entry:a --candidate ledger_entry:b
  bankmatch select 0190c1d2-... --candidate batch_deposit:c --remainder-account 6800`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]models.CandidateRef, 0, len(candidates))
			for _, c := range candidates {
				ref, err := parseCandidateRef(c)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}

			var remainder *matcher.Remainder
			if remainderAccount != "" {
				remainder = &matcher.Remainder{
					Account: remainderAccount,
					Payee:   remainderPayee,
					Memo:    remainderMemo,
				}
				if remainderDate != "" {
					d, err := parseDateFlag("remainder-date", remainderDate)
					if err != nil {
						return err
					}
					remainder.Date = &d
				}
			}

			txn, err := a.engine.Matcher.SelectCandidates(cmd.Context(), args[0], refs, remainder)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", txn.ID, txn.DispositionLabel())
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&candidates, "candidate", "c", nil, "candidate as kind:id (repeatable)")
	cmd.Flags().StringVar(&remainderAccount, "remainder-account", "", "book the difference to this account")
	cmd.Flags().StringVar(&remainderPayee, "remainder-payee", "", "payee of the remainder")
	cmd.Flags().StringVar(&remainderMemo, "remainder-memo", "", "memo of the remainder")
	cmd.Flags().StringVar(&remainderDate, "remainder-date", "", "date of the remainder YYYY-MM-DD")
	return cmd
}

func newExcludeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exclude TRANSACTION_ID",
		Short: "Exclude a statement line from matching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txn, err := a.engine.Matcher.Exclude(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", txn.ID, txn.Status)
			return nil
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore TRANSACTION_ID",
		Short: "Return an excluded statement line to matching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txn, err := a.engine.Matcher.Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", txn.ID, txn.Status)
			return nil
		},
	}
}

func parseCandidateRef(s string) (models.CandidateRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	ref := models.CandidateRef{Kind: models.CandidateKind(kind), ID: id}
	if !ok || id == "" || (ref.Kind != models.KindLedgerEntry && ref.Kind != models.KindBatchDeposit) {
		return models.CandidateRef{}, errors.ValidationError(errors.CodeInvalidData, "candidate", s, nil).
			WithSuggestion("Use ledger_entry:<id> or batch_deposit:<id>")
	}
	return ref, nil
}

func parseAmountFlag(name, value string) (models.Amount, error) {
	amt, err := models.ParseAmount(value)
	if err != nil {
		return 0, errors.ValidationError(errors.CodeInvalidData, name, value, err)
	}
	return amt, nil
}

func parseDateFlag(name, value string) (t time.Time, err error) {
	t, err = models.ParseDay(value)
	if err != nil {
		return t, errors.ValidationError(errors.CodeInvalidDate, name, value, err)
	}
	return t, nil
}
