package utils

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/upb/tenant-auth/models"
)

var (
	// validate is the singleton validator instance
	validate *validator.Validate

	// slugRegex matches a DNS label usable as a tenant subdomain
	slugRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

	// permissionRegex matches "<category>:<action>"
	permissionRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*:[a-z][a-z0-9_]*$`)

	reservedSlugs = map[string]bool{"www": true, "api": true, "admin": true, "auth": true}
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return validateSlug(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("tier", func(fl validator.FieldLevel) bool {
		return models.SubscriptionTier(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
		return permissionRegex.MatchString(fl.Field().String())
	})
}

// ValidateStruct validates a struct using go-playground/validator
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return newValidationError(validationErrors)
		}
		return err
	}
	return nil
}

// ValidationError wraps validation errors with structured details
type ValidationError struct {
	Message string
	Fields  map[string]string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(errs validator.ValidationErrors) *ValidationError {
	fields := make(map[string]string)
	for _, err := range errs {
		field := err.Field()
		tag := err.Tag()

		switch tag {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "email":
			fields[field] = fmt.Sprintf("%s must be a valid email", field)
		case "uuid":
			fields[field] = fmt.Sprintf("%s must be a valid UUID", field)
		case "min":
			fields[field] = fmt.Sprintf("%s must be at least %s", field, err.Param())
		case "max":
			fields[field] = fmt.Sprintf("%s must be at most %s", field, err.Param())
		case "oneof":
			fields[field] = fmt.Sprintf("%s must be one of: %s", field, err.Param())
		case "slug":
			fields[field] = fmt.Sprintf("%s must be a lowercase DNS label", field)
		case "tier":
			fields[field] = fmt.Sprintf("%s must be one of: free starter professional enterprise", field)
		case "permission":
			fields[field] = fmt.Sprintf("%s must look like category:action", field)
		case "fqdn":
			fields[field] = fmt.Sprintf("%s must be a fully qualified domain name", field)
		case "cidr", "ip", "cidr|ip":
			fields[field] = fmt.Sprintf("%s must be an IP address or CIDR range", field)
		default:
			fields[field] = fmt.Sprintf("%s validation failed on '%s' tag", field, tag)
		}
	}

	return &ValidationError{
		Message: "Validation failed",
		Fields:  fields,
	}
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// GetValidationFields extracts field errors from a ValidationError
func GetValidationFields(err error) map[string]string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Fields
	}
	return nil
}

// ValidateUUID parses s as a UUID
func ValidateUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID format: %s", s)
	}
	return id, nil
}

// validateSlug checks that s can serve as a tenant subdomain
func validateSlug(s string) error {
	if !slugRegex.MatchString(s) {
		return fmt.Errorf("invalid slug format: %q", s)
	}
	if reservedSlugs[s] {
		return fmt.Errorf("slug %q is reserved", s)
	}
	return nil
}
