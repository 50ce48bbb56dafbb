package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/hibiki/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = model.ErrNotFound

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
