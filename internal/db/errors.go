package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/runhub/internal/store"
	"github.com/surrealdb/surrealdb.go"
)

// ErrTransactionConflict indicates concurrent writers touched the same record.
// Callers may retry.
var ErrTransactionConflict = errors.New("transaction conflict")

// wrapQueryError maps SurrealDB query errors onto store sentinels.
// Anything unrecognised is returned unchanged.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "already exists") {
			return fmt.Errorf("%w: %s", store.ErrConflict, msg)
		}
		if strings.Contains(msg, "Transaction conflict") {
			return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
		}
	}

	return err
}
