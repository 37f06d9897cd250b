package database

import (
	"errors"

	"github.com/lib/pq"
)

const (
	codeUniqueViolation     pq.ErrorCode = "23505"
	codeForeignKeyViolation pq.ErrorCode = "23503"
	codeNotNullViolation    pq.ErrorCode = "23502"
)

// IsUniqueViolation reports whether err is a Postgres unique constraint failure.
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsForeignKeyViolation reports whether err references a missing row.
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, codeForeignKeyViolation)
}

// IsNotNullViolation reports whether err is a NOT NULL constraint failure.
func IsNotNullViolation(err error) bool {
	return hasCode(err, codeNotNullViolation)
}

// Constraint returns the name of the violated constraint, if any.
func Constraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
