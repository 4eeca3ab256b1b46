package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// SQLSTATE codes the services branch on.
const (
	CodeUniqueViolation      = "23505"
	CodeForeignKeyViolation  = "23503"
	CodeSerializationFailure = "40001"
	CodeLockNotAvailable     = "55P03"
)

// PGCode returns the Postgres SQLSTATE carried by err, or "".
func PGCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsDuplicateKeyErr reports a unique constraint violation. The SQLite
// message match keeps dbtest databases classified the same way.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || PGCode(err) == CodeUniqueViolation {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyErr reports a row referencing a parent that does not exist.
func IsForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) || PGCode(err) == CodeForeignKeyViolation {
		return true
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsLockTimeoutErr reports a NOWAIT or lock_timeout failure.
func IsLockTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	if PGCode(err) == CodeLockNotAvailable {
		return true
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSerializationErr reports a transaction aborted by a serialization conflict.
func IsSerializationErr(err error) bool {
	return PGCode(err) == CodeSerializationFailure
}
