package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/joseph-ayodele/vat-checker/internal/common"
)

// classify tags store errors that mean "try again later" with
// common.ErrStoreUnavailable so the API can answer 503 instead of 500.
// Other driver errors are tagged common.ErrDatabase.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) ||
		errors.Is(err, common.ErrInvalidTransition) ||
		errors.Is(err, common.ErrStoreUnavailable) ||
		errors.Is(err, common.ErrDatabase) {
		return err
	}
	if transient(err) {
		return fmt.Errorf("%w: %w", common.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %w", common.ErrDatabase, err)
}

func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) ||
			pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
