package cmd

import (
	"io"
	"os"
	"path/filepath"

	"golang-bankmatch-service/internal/matcher"
	"golang-bankmatch-service/internal/reporter"
	"golang-bankmatch-service/pkg/errors"

	"github.com/spf13/cobra"
)

// outputFlags are shared by the commands that render a report.
type outputFlags struct {
	format string
	output string
}

func (o *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.format, "format", "f", "", "output format: console, json, csv (default from config)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "output file path (default: stdout)")
}

// generator returns a report generator honouring the format flag.
func (o *outputFlags) generator(a *app) (*reporter.SafeReportGenerator, error) {
	cfg := a.cfg.Report
	if o.format != "" {
		cfg.Format = reporter.OutputFormat(o.format)
	}
	return reporter.NewSafeReportGenerator(&cfg, a.log)
}

// writer opens the output destination. The returned function closes it.
func (o *outputFlags) writer(cmd *cobra.Command) (io.Writer, func(), error) {
	if o.output == "" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	dir := filepath.Dir(o.output)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil, errors.FileError(errors.CodeDirectoryError, dir, err)
	}
	f, err := os.Create(o.output)
	if err != nil {
		return nil, nil, errors.FileError(errors.CodeFilePermission, o.output, err)
	}
	return f, func() { f.Close() }, nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		scope     string
		autoApply bool
		out       outputFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run matching passes and report the proposals",
		Long: `Run matches the open statement lines of every journal, or of one journal
with --scope, against unsettled ledger entries and batch deposits. Scopes
where nothing changed since the last run are skipped.

Examples:
  bankmatch run
  bankmatch run --scope checking --auto-apply
  bankmatch run --format csv --output proposals.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("auto-apply") {
				a.engine.Matcher.Config.AutoApply = autoApply
			}

			gen, err := out.generator(a)
			if err != nil {
				return err
			}

			var passes []*matcher.PassResult
			var runErr error
			if scope != "" {
				res, err := a.engine.RunScope(ctx, scope)
				if err != nil {
					return err
				}
				passes = append(passes, res)
			} else {
				// Passes that completed are still reported when others failed.
				passes, runErr = a.engine.RunAll(ctx)
			}

			w, closeFn, err := out.writer(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := gen.WriteRunReport(reporter.NewRunReport(passes), w); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&scope, "scope", "s", "", "match only this journal")
	cmd.Flags().BoolVar(&autoApply, "auto-apply", false, "apply lines with exactly one exact candidate")
	out.register(cmd)
	return cmd
}
