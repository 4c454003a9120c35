package database

import (
	"net/http"
	"strings"

	"github.com/lib/pq"
	"github.com/medflow/provenance-backend/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return mapUniqueConstraint(pqErr)

	// Foreign key violation (23503)
	case "23503":
		return errors.BadRequest("referenced record does not exist")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// mapCheckConstraint maps specific CHECK constraint names to user-friendly messages.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "stock_non_negative"):
		// Only reachable if a writer skipped the row lock; the planner normally catches this first.
		return errors.Wrap(errors.ErrInsufficientStock, "INSUFFICIENT_STOCK", "stock would become negative", http.StatusUnprocessableEntity)

	case strings.Contains(constraint, "status_valid"):
		return errors.Validation(map[string]string{
			"status": "must be one of: in_production, quality_check, released, shipped",
		})

	case strings.Contains(constraint, "expiry_after_manufacture"):
		return errors.Validation(map[string]string{
			"expiry_date": "must be after manufacture_date",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

// mapUniqueConstraint creates a user-friendly error for unique constraint violations.
func mapUniqueConstraint(pqErr *pq.Error) *errors.AppError {
	switch {
	case strings.Contains(pqErr.Constraint, "batches_pkey"):
		return errors.DuplicateBatchID(keyValue(pqErr.Detail))
	default:
		return errors.Conflict("a record with these values already exists")
	}
}

// keyValue pulls the value out of a detail like `Key (batch_id)=(B-1) already exists.`
func keyValue(detail string) string {
	start := strings.Index(detail, ")=(")
	if start < 0 {
		return ""
	}
	rest := detail[start+3:]
	end := strings.Index(rest, ")")
	if end < 0 {
		return ""
	}
	return rest[:end]
}
