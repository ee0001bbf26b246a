// Package config assembles the configuration of every component from viper.
//
// Values come, in increasing order of precedence, from the defaults below,
// an optional config file, BANKMATCH_* environment variables (a .env file is
// loaded into the environment first) and command-line flags bound by the CLI.
package config

import (
	"fmt"
	"strings"

	"golang-bankmatch-service/internal/matcher"
	"golang-bankmatch-service/internal/reconciler"
	"golang-bankmatch-service/internal/reporter"
	"golang-bankmatch-service/internal/settlement"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by viper.
const EnvPrefix = "BANKMATCH"

// AppConfig is the complete configuration of the CLI.
type AppConfig struct {
	Store      store.Config           `mapstructure:"store"`
	Logging    logger.Config          `mapstructure:"logging"`
	Engine     reconciler.Config      `mapstructure:"engine"`
	Matching   matcher.MatchingConfig `mapstructure:"matching"`
	Settlement settlement.Config      `mapstructure:"settlement"`
	Report     reporter.ReportConfig  `mapstructure:"report"`
}

// NewViper returns a viper instance with defaults and environment lookup set.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default value. Keys unknown to
// viper are not looked up in the environment by Unmarshal, so every setting
// must be listed here.
func SetDefaults(v *viper.Viper) {
	sc := store.DefaultConfig()
	v.SetDefault("store.driver", sc.Driver)
	v.SetDefault("store.dsn", sc.DSN)
	v.SetDefault("store.log_level", sc.LogLevel)

	lc := logger.DefaultConfig()
	v.SetDefault("logging.level", string(lc.Level))
	v.SetDefault("logging.format", string(lc.Format))
	v.SetDefault("logging.output", string(lc.Output))
	v.SetDefault("logging.file", lc.File)

	ec := reconciler.DefaultConfig()
	v.SetDefault("engine.cache_backend", ec.CacheBackend)
	v.SetDefault("engine.max_concurrent_scopes", ec.MaxConcurrentScopes)
	v.SetDefault("engine.detect_duplicates", ec.DetectDuplicates)

	mc := matcher.DefaultMatchingConfig()
	v.SetDefault("matching.auto_apply", mc.AutoApply)
	v.SetDefault("matching.max_candidates", mc.MaxCandidates)
	v.SetDefault("matching.check_number_matching", mc.CheckNumberMatching)
	v.SetDefault("matching.partner_filter", mc.PartnerFilter)
	v.SetDefault("matching.other_matching", mc.OtherMatching)
	v.SetDefault("matching.progress_threshold", mc.ProgressThreshold)

	stc := settlement.DefaultConfig()
	v.SetDefault("settlement.require_payee", stc.RequirePayee)
	v.SetDefault("settlement.append_to_draft_session", stc.AppendToDraftSession)

	rc := reporter.DefaultReportConfig()
	v.SetDefault("report.format", string(rc.Format))
	v.SetDefault("report.include_unchanged", rc.IncludeUnchanged)
	v.SetDefault("report.include_failures", rc.IncludeFailures)
	v.SetDefault("report.include_skipped", rc.IncludeSkipped)
	v.SetDefault("report.max_items", rc.MaxItems)
	v.SetDefault("report.delimiter", string(rc.CSVDelimiter))
	v.SetDefault("report.csv_headers", rc.CSVHeaders)
}

// Load reads the configuration from v and validates every section.
func Load(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config", nil, err).
			WithSuggestion("Check the types of the values in the config file and environment")
	}

	// The delimiter is a rune in ReportConfig but text in files and the
	// environment, so it lives under its own key.
	delim := []rune(v.GetString("report.delimiter"))
	if len(delim) != 1 {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "report.delimiter", v.GetString("report.delimiter"), nil).
			WithSuggestion("Use a single character such as ',' or ';'")
	}
	cfg.Report.CSVDelimiter = delim[0]

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates every section of the configuration.
func (c *AppConfig) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "logging", nil, err)
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Matching.Validate(); err != nil {
		return err
	}
	return c.Report.Validate()
}

func (c *AppConfig) String() string {
	return fmt.Sprintf("store=%s engine=%s auto_apply=%t report=%s",
		c.Store.Driver, c.Engine.String(), c.Matching.AutoApply, c.Report.Format)
}
