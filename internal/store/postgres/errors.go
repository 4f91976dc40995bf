package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/tablepipe/internal/store"
)

// mapPostgresError maps PostgreSQL-specific errors to sentinel errors.
// Returns the original error if it's not a PostgreSQL error or doesn't match known patterns.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == "idx_ai_drafts_succeeded_ledger_key" {
			return fmt.Errorf("succeeded draft for ledger key: %w", store.ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrAlreadyExists)

	case pgerrcode.ForeignKeyViolation:
		return foreignKeyError(pgErr)

	case pgerrcode.LockNotAvailable:
		return store.ErrLockTimeout

	case pgerrcode.CheckViolation:
		return fmt.Errorf("check constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("transaction conflict (retryable): %w", err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		return fmt.Errorf("database connection error: %w", err)

	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		return fmt.Errorf("database server unavailable: %w", err)

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("query canceled: %w", err)

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return fmt.Errorf("database resource limit: %w", err)

	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s, hint: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}

// foreignKeyError reports the missing parent row as its not-found sentinel.
func foreignKeyError(pgErr *pgconn.PgError) error {
	var parent error
	switch pgErr.ConstraintName {
	case "projects_org_id_fkey":
		parent = store.ErrOrganizationNotFound
	case "pdf_files_project_id_fkey", "export_logs_project_id_fkey":
		parent = store.ErrProjectNotFound
	case "parsed_tables_file_id_fkey":
		parent = store.ErrFileNotFound
	case "tasks_table_id_fkey":
		parent = store.ErrTableNotFound
	default:
		parent = store.ErrTaskNotFound
	}
	return fmt.Errorf("%w: %s", parent, pgErr.Detail)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
