package store

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a lookup scoped to a user matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate key")
)

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
