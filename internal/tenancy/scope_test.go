package tenancy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-auth/services"
)

func TestFilter_NoScope(t *testing.T) {
	_, err := Filter(context.Background())
	assert.ErrorIs(t, err, services.ErrNoTenantScope)
}

func TestBind_AndEnforce(t *testing.T) {
	tenantA, tenantB := uuid.New(), uuid.New()

	ctx, scope, err := Bind(context.Background(), Binding{TenantID: tenantA, PrincipalID: uuid.New()})
	require.NoError(t, err)

	got, err := Filter(ctx)
	require.NoError(t, err)
	assert.Equal(t, tenantA, got)

	got, err = Enforce(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, tenantA, got)

	t.Run("other tenant fails loudly", func(t *testing.T) {
		_, err := Enforce(ctx, tenantB)
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrTenantMismatch)
		assert.Equal(t, tenantB.String(), services.GetErrorDetails(err)["requested_tenant"])
	})

	t.Run("closed scope fails", func(t *testing.T) {
		scope.Close()
		scope.Close()
		assert.True(t, scope.Closed())

		_, err := Filter(ctx)
		assert.ErrorIs(t, err, services.ErrNoTenantScope)
		_, err = Enforce(ctx, tenantA)
		assert.ErrorIs(t, err, services.ErrNoTenantScope)
	})
}

func TestBind_Nested(t *testing.T) {
	tenantA, tenantB := uuid.New(), uuid.New()
	ctx, _, err := Bind(context.Background(), Binding{TenantID: tenantA})
	require.NoError(t, err)

	t.Run("same tenant nests", func(t *testing.T) {
		_, inner, err := Bind(ctx, Binding{TenantID: tenantA})
		require.NoError(t, err)
		assert.Equal(t, tenantA, inner.TenantID())
	})

	t.Run("different tenant is rejected", func(t *testing.T) {
		_, _, err := Bind(ctx, Binding{TenantID: tenantB})
		assert.ErrorIs(t, err, services.ErrTenantMismatch)
	})

	t.Run("bypass may switch", func(t *testing.T) {
		inner, scope, err := Bind(ctx, Binding{TenantID: tenantB, Bypass: true})
		require.NoError(t, err)
		assert.True(t, scope.Bypass())
		got, err := Filter(inner)
		require.NoError(t, err)
		assert.Equal(t, tenantB, got)

		outer, err := Filter(ctx)
		require.NoError(t, err)
		assert.Equal(t, tenantA, outer)
	})
}

func TestBind_NilTenant(t *testing.T) {
	_, _, err := Bind(context.Background(), Binding{})
	assert.ErrorIs(t, err, services.ErrNoTenantScope)
}
