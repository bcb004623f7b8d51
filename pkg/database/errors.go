package database

import (
	stderrors "errors"
	"strings"

	"github.com/lib/pq"
	"github.com/medflow/stock-ledger/pkg/errors"
)

// PostgreSQL error codes used by the stock service
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeNotNullViolation     = "23502"
	codeCheckViolation       = "23514"
	codeStringTooLong        = "22001"
	codeNumericOutOfRange    = "22003"
)

func asPQError(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr, true
	}
	return nil, false
}

// IsSerializationFailure reports whether err is a serialization failure or a
// deadlock, both of which are safe to retry in a new transaction.
func IsSerializationFailure(err error) bool {
	pqErr, ok := asPQError(err)
	if !ok {
		return false
	}
	return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
}

// IsUniqueViolation reports whether err violates the named unique constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	pqErr, ok := asPQError(err)
	if !ok || pqErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	pqErr, ok := asPQError(err)
	if !ok {
		return nil
	}

	switch pqErr.Code {
	case codeCheckViolation:
		return mapCheckConstraint(pqErr)

	case codeUniqueViolation:
		return errors.Conflict(formatConstraintMessage(pqErr))

	case codeForeignKeyViolation:
		return errors.BadRequest("referenced record does not exist")

	case codeNotNullViolation:
		return errors.Validation(map[string]string{
			fieldOr(pqErr.Column, "required field"): "must not be empty",
		})

	case codeStringTooLong:
		return errors.Validation(map[string]string{
			fieldOr(pqErr.Column, "value"): "is too long",
		})

	case codeNumericOutOfRange:
		return errors.Validation(map[string]string{
			fieldOr(pqErr.Column, "value"): "is out of range",
		})

	default:
		return nil
	}
}

func fieldOr(col, fallback string) string {
	if col == "" {
		return fallback
	}
	return col
}

// mapCheckConstraint maps specific CHECK constraint names to user-friendly messages.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "quantity_range"):
		return errors.Validation(map[string]string{
			"quantity": "must be between 0 and the original quantity",
		})

	case strings.Contains(constraint, "reserved_range"):
		return errors.Validation(map[string]string{
			"reserved_quantity": "must be between 0 and the lot quantity",
		})

	case strings.Contains(constraint, "status_valid"):
		return errors.Validation(map[string]string{
			"status": "must be one of: active, expired, depleted, quarantined",
		})

	case strings.Contains(constraint, "ledger_arithmetic"):
		return errors.Validation(map[string]string{
			"quantity_after": "must equal quantity_before plus quantity_change",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations.
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "batch_number"):
		return "a lot with this batch number already exists for the product"
	case strings.Contains(constraint, "reference"):
		return "a fulfillment with this reference already exists for the product"
	default:
		return "a record with these values already exists"
	}
}
