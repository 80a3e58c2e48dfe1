package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type provisionRequest struct {
	Name   string   `validate:"required,max=120"`
	Slug   string   `validate:"required,slug"`
	Tier   string   `validate:"required,tier"`
	Email  string   `validate:"omitempty,email"`
	Domain string   `validate:"omitempty,fqdn"`
	Allow  []string `validate:"dive,cidr|ip"`
	Grant  string   `validate:"omitempty,permission"`
}

func validRequest() provisionRequest {
	return provisionRequest{
		Name:   "Acme",
		Slug:   "acme",
		Tier:   "starter",
		Email:  "ops@acme.io",
		Domain: "auth.acme.io",
		Allow:  []string{"10.0.0.0/8", "192.168.1.1"},
		Grant:  "reports:export",
	}
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		s := validRequest()
		assert.NoError(t, ValidateStruct(&s))
	})

	tests := []struct {
		name   string
		mutate func(r *provisionRequest)
		field  string
		msg    string
	}{
		{"missing name", func(r *provisionRequest) { r.Name = "" }, "Name", "Name is required"},
		{"uppercase slug", func(r *provisionRequest) { r.Slug = "Acme" }, "Slug", "Slug must be a lowercase DNS label"},
		{"reserved slug", func(r *provisionRequest) { r.Slug = "admin" }, "Slug", "Slug must be a lowercase DNS label"},
		{"unknown tier", func(r *provisionRequest) { r.Tier = "platinum" }, "Tier", ""},
		{"bad email", func(r *provisionRequest) { r.Email = "nope" }, "Email", "Email must be a valid email"},
		{"bad domain", func(r *provisionRequest) { r.Domain = "not a domain" }, "Domain", ""},
		{"bad allowlist entry", func(r *provisionRequest) { r.Allow = []string{"10.0.0.0/33"} }, "Allow[0]", ""},
		{"bad permission", func(r *provisionRequest) { r.Grant = "export" }, "Grant", "Grant must look like category:action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validRequest()
			tt.mutate(&s)

			err := ValidateStruct(&s)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))

			fields := GetValidationFields(err)
			require.Contains(t, fields, tt.field)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, fields[tt.field])
			}
		})
	}
}

func TestValidateSlug(t *testing.T) {
	tests := []struct {
		slug    string
		wantErr bool
	}{
		{"acme", false},
		{"acme-corp", false},
		{"a1", false},
		{"", true},
		{"-acme", true},
		{"acme-", true},
		{"ac_me", true},
		{"ACME", true},
		{"www", true},
		{"api", true},
	}

	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			err := validateSlug(tt.slug)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUUID(t *testing.T) {
	id, err := ValidateUUID("550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", id.String())

	_, err = ValidateUUID("not-a-uuid")
	assert.Error(t, err)

	_, err = ValidateUUID("")
	assert.Error(t, err)
}

func TestGetValidationFields_NonValidationError(t *testing.T) {
	assert.Nil(t, GetValidationFields(assert.AnError))
	assert.False(t, IsValidationError(assert.AnError))
}
