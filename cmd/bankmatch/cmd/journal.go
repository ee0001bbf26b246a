package cmd

import (
	"fmt"
	"text/tabwriter"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/parsers"

	"github.com/spf13/cobra"
)

func newJournalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Manage bank journals (matching scopes)",
	}

	var (
		journalType   string
		debitAccount  string
		creditAccount string
	)
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Create or update a bank journal",
		Long: `Add registers a bank journal. Its name is the scope statement lines are
imported into. Money received is matched against debits on the credit
account and money sent against credits on the debit account; most banks use
the same account for both.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			j, err := a.store.GetJournal(ctx, args[0])
			if err != nil {
				j = &models.Journal{Name: args[0]}
			}
			j.Type = models.JournalType(journalType)
			if debitAccount != "" {
				j.DebitAccount = debitAccount
			}
			if creditAccount != "" {
				j.CreditAccount = creditAccount
			}
			if err := a.engine.SaveJournal(ctx, j); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Journal %s saved (debit %s, credit %s)\n", j.Name, j.DebitAccount, j.CreditAccount)
			return nil
		},
	}
	add.Flags().StringVar(&journalType, "type", string(models.JournalTypeBank), "journal type: bank, cash")
	add.Flags().StringVar(&debitAccount, "debit-account", "", "account debited when money is received")
	add.Flags().StringVar(&creditAccount, "credit-account", "", "account credited when money is sent")

	list := &cobra.Command{
		Use:   "list",
		Short: "List bank journals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journals, err := a.engine.Journals(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tDEBIT\tCREDIT")
			for _, j := range journals {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Name, j.Type, j.DebitAccount, j.CreditAccount)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newProfilesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "profiles",
		Short:       "List the statement layouts import understands",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDATE FORMAT\tDELIMITER\tDESCRIPTION")
			for _, p := range parsers.ListStatementProfiles() {
				fmt.Fprintf(w, "%s\t%s\t%q\t%s\n", p.Name, p.DateFormat, p.Delimiter, p.Description)
			}
			return w.Flush()
		},
	}
}
