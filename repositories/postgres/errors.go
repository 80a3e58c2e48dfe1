package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/tenant-auth/repositories"
)

const uniqueViolation = "23505"

// constraintFields maps unique constraint names to the field reported in a ConflictError
var constraintFields = map[string]string{
	"tenants_slug_key":                 "slug",
	"tenants_custom_domain_key":        "custom_domain",
	"principals_tenant_id_email_key":   "email",
	"principals_tenant_id_sso_subject": "sso_subject",
	"role_grants_role_id_permission":   "permission",
}

// mapError converts driver errors into repository sentinels
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, repositories.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		field := constraintFields[pqErr.Constraint]
		if field == "" {
			field = pqErr.Constraint
		}
		return fmt.Errorf("%s: %w", op, &repositories.ConflictError{Field: field})
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// expectOne turns a zero row count into ErrNotFound
func expectOne(op string, result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, repositories.ErrNotFound)
	}
	return nil
}
