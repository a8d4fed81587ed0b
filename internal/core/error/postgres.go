package errx

import (
	"database/sql"
	"errors"
	"net/http"
)

// WrapPostgres maps database errors to the unified AppError type with appropriate status codes.
func WrapPostgres(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return New(err, http.StatusNotFound, PostgresNotFoundMessage)
	}

	return New(err, http.StatusBadGateway, PostgresErrorMessage)
}
