package reconciler

import (
	"fmt"

	"golang-bankmatch-service/internal/cache"
	"golang-bankmatch-service/internal/store"
	"golang-bankmatch-service/pkg/errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Cache backends
const (
	CacheMemory   = "memory"
	CacheDatabase = "database"
)

// Config holds configuration options for the engine facade
type Config struct {
	// CacheBackend selects where staleness flags live. With "memory" every
	// new process starts with all scopes stale.
	CacheBackend string `mapstructure:"cache_backend" json:"cache_backend" validate:"oneof=memory database"`

	// MaxConcurrentScopes bounds how many scopes RunAll matches at once.
	MaxConcurrentScopes int `mapstructure:"max_concurrent_scopes" json:"max_concurrent_scopes" validate:"min=1,max=64"`

	// DetectDuplicates compares imported lines with lines already stored and
	// reports look-alikes.
	DetectDuplicates bool `mapstructure:"detect_duplicates" json:"detect_duplicates"`
}

// DefaultConfig returns a default configuration for the engine
func DefaultConfig() *Config {
	return &Config{
		CacheBackend:        CacheMemory,
		MaxConcurrentScopes: 4,
		DetectDuplicates:    true,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.ConfigurationError(errors.CodeInvalidConfig, "reconciler."+fe.Field(), fe.Value(), err)
		}
		return errors.ConfigurationError(errors.CodeInvalidConfig, "reconciler", nil, err)
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{CacheBackend: %s, MaxConcurrentScopes: %d, DetectDuplicates: %t}",
		c.CacheBackend, c.MaxConcurrentScopes, c.DetectDuplicates)
}

// NewCache builds the staleness cache selected by the configuration.
func (c *Config) NewCache(flags store.CacheFlagRepository) cache.Cache {
	if c.CacheBackend == CacheDatabase {
		return cache.NewPersistentCache(flags)
	}
	return cache.NewMemoryCache()
}

func validateModel(kind string, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return errors.ValidationError(errors.CodeInvalidData, kind+"."+fe.Field(), fe.Value(), err)
	}
	return errors.ValidationError(errors.CodeInvalidData, kind, nil, err)
}
