package cmd

import (
	"fmt"
	"os"

	"golang-bankmatch-service/cmd/bankmatch/config"
	"golang-bankmatch-service/internal/reconciler"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// annotationNoStore marks commands that run without configuration or store.
const annotationNoStore = "bankmatch/no-store"

// app carries what every subcommand needs once the root command has loaded
// the configuration and opened the store.
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string
	verbose bool

	cfg    *config.AppConfig
	log    logger.Logger
	store  *store.GormStore
	engine *reconciler.Engine
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "bankmatch",
		Short: "Bank statement matching and reconciliation",
		Long: `Bankmatch imports bank statement lines, proposes the ledger entries and
batch deposits that settle them, applies confirmed matches and reconciles
statement periods against their ending balance.

Examples:
  bankmatch journal add checking --debit-account 1010 --credit-account 1010
  bankmatch import march.csv --scope checking
  bankmatch ledger import ledger.csv
  bankmatch run --format json --output run.json
  bankmatch apply 0190c1d2-...
  bankmatch session open --scope checking --ending-date 2024-03-31 --ending-balance 1300.00`,
		Version:           getVersionString(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (optional)")
	flags.StringVar(&a.envFile, "env-file", ".env", "file of environment variables to load")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.String("db", "", "database DSN (default bankmatch.db)")
	flags.String("driver", "", "database driver: sqlite, postgres")

	a.v.BindPFlag("store.dsn", flags.Lookup("db"))
	a.v.BindPFlag("store.driver", flags.Lookup("driver"))

	root.AddCommand(
		newJournalCmd(a),
		newImportCmd(a),
		newLedgerCmd(a),
		newDepositCmd(a),
		newRulesCmd(a),
		newRunCmd(a),
		newApplyCmd(a),
		newUnapplyCmd(a),
		newSelectCmd(a),
		newExcludeCmd(a),
		newRestoreCmd(a),
		newSessionCmd(a),
		newProfilesCmd(a),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		return NewCLIErrorHandler(root.ErrOrStderr(), verboseFlag(root)).HandleError(err)
	}
	return 0
}

// setup loads the configuration, initialises logging and opens the engine.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[annotationNoStore] == "true" {
		return nil
	}
	if err := loadEnvFile(a.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return err
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "config", a.cfgFile, err).
				WithSuggestion("Check that the config file exists and is valid YAML, JSON or TOML")
		}
	}
	if a.verbose {
		a.v.Set("logging.level", string(logger.DebugLevel))
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "logging", cfg.Logging.Output, err)
	}
	logger.SetGlobalLogger(log)
	a.log = log.WithComponent("cli")
	if a.cfgFile != "" {
		a.log.WithField("file", a.v.ConfigFileUsed()).Debug("Using config file")
	}

	s, err := store.Open(cfg.Store, log)
	if err != nil {
		return err
	}
	a.store = s

	engine, err := reconciler.New(s, &cfg.Engine, &cfg.Matching, cfg.Settlement, log)
	if err != nil {
		a.close()
		return err
	}
	a.engine = engine
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	sqlDB, err := a.store.DB().DB()
	if err != nil {
		return err
	}
	a.store = nil
	return sqlDB.Close()
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.FileError(errors.CodeFileNotFound, path, err)
	}
	return nil
}

func verboseFlag(cmd *cobra.Command) bool {
	v, _ := cmd.PersistentFlags().GetBool("verbose")
	return v
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}
