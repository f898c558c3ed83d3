package repository

import (
	"errors"
	"log"
	"time"

	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgreSQL error codes as constants
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40 — Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback

	// Class 53 — Insufficient Resources
	PgErrInsufficientResources = "53000" // insufficient_resources
	PgErrDiskFull              = "53100" // disk_full
)

// Repository error codes surfaced to callers.
const (
	ErrCodeDatabase          = "DATABASE_ERROR"
	ErrCodeEntityNotFound    = "ENTITY_NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidStatus     = "INVALID_STATUS"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeCommitFailed      = "COMMIT_FAILED"
)

// RepositoryError represents an error in the repository layer (db/constraint)
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

// Repository is the persistence layer for sessions, operations, dispatch
// records, and requirement results.
type Repository struct {
	db *gorm.DB
}

func NewRepository() *Repository {
	return &Repository{}
}

// Connect opens the database through the given dialector. TranslateError is
// enabled so unique-constraint violations surface as gorm.ErrDuplicatedKey on
// every supported driver; the dispatch guard depends on that.
func (r *Repository) Connect(dialector gorm.Dialector) error {
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return err
	}
	r.db = db
	return nil
}

// ConnectDB connects to Postgres, retrying while the database comes up.
func (r *Repository) ConnectDB(dsn string) error {
	var err error
	for i := range 10 {
		log.Printf("Connection attempt %d...\n", i+1)
		err = r.Connect(postgres.Open(dsn))
		if err == nil {
			log.Println("Connected to Postgres")
			return nil
		}
		log.Printf("Connection attempt %d failed: %v\n", i+1, err)
		time.Sleep(2 * time.Second)
	}
	return err
}

func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Session{},
		&models.Operation{},
		&models.DispatchRecord{},
		&models.RequirementResult{},
	)
	if err != nil {
		return err
	}
	log.Println("Database migration completed successfully")
	return nil
}

// wrapDBError maps a low-level database error to a RepositoryError, keeping
// the Postgres SQLSTATE when one is available.
func wrapDBError(err error, message string) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    ErrCodeDatabase,
		Message: message,
		Detail:  err.Error(),
	}
}

// isUniqueViolation reports whether err is a unique-constraint violation from
// any supported driver.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation
}

func notFoundError(message, detail string) *RepositoryError {
	return &RepositoryError{
		Code:    ErrCodeEntityNotFound,
		Message: message,
		Detail:  detail,
	}
}

func commitError(err error) *RepositoryError {
	return &RepositoryError{
		Code:    ErrCodeCommitFailed,
		Message: "Failed to commit transaction",
		Detail:  err.Error(),
	}
}
