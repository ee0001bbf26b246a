package store

import (
	"context"
	"fmt"
	"strings"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"

	"github.com/go-playground/validator/v10"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config selects the database backing the store.
type Config struct {
	Driver   string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN      string `mapstructure:"dsn" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=silent error warn info"`
}

// DefaultConfig returns a config for a sqlite file in the working directory.
func DefaultConfig() Config {
	return Config{
		Driver:   "sqlite",
		DSN:      "bankmatch.db",
		LogLevel: "silent",
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "database", c.Driver, err)
	}
	return nil
}

// AllModels lists every table owned by the store, in migration order.
var AllModels = []interface{}{
	&models.Journal{},
	&models.Transaction{},
	&models.Proposal{},
	&models.MatchLink{},
	&models.LedgerDocument{},
	&models.LedgerEntry{},
	&models.BatchDeposit{},
	&models.Rule{},
	&models.ReconciliationSession{},
	&models.CacheFlag{},
}

// GormStore implements Repository over gorm.
type GormStore struct {
	db  *gorm.DB
	log logger.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, log logger.Logger) (*GormStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormLevel(cfg.LogLevel))})
	if err != nil {
		return nil, errors.InternalError(errors.CodeStorageError, "connect to database", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows a single writer; one connection keeps transactions serial.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.InternalError(errors.CodeStorageError, "get underlying DB", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := New(db, log)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an already opened gorm handle.
func New(db *gorm.DB, log logger.Logger) *GormStore {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &GormStore{db: db, log: log.WithComponent("store")}
}

func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(AllModels...); err != nil {
		return errors.InternalError(errors.CodeStorageError, "migrate schema", err)
	}
	return nil
}

func (s *GormStore) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Atomic runs fn inside one database transaction. Nested calls use savepoints.
func (s *GormStore) Atomic(ctx context.Context, fn func(repo Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, log: s.log})
	})
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func gormLevel(level string) gormlogger.LogLevel {
	switch level {
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Silent
	}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.InternalError(errors.CodeStorageError, op, err)
}

func lookupErr(resource, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFoundError(resource, id, err)
	}
	return storageErr("load "+resource, err)
}

func isUniqueConstraintError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

func requireAffected(res *gorm.DB, resource, id string) error {
	if res.Error != nil {
		return storageErr(fmt.Sprintf("update %s", resource), res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NotFoundError(resource, id, nil)
	}
	return nil
}
