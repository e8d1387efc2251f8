package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kensa/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
// It is the shared model sentinel so services can match it without
// importing this package.
var ErrNotFound = model.ErrNotFound

// isForeignKeyViolation reports whether err is a Postgres foreign_key_violation.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
