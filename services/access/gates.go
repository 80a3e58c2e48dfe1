package access

import (
	"slices"

	"github.com/upb/tenant-auth/models"
)

// checkTenant fails closed when the principal and tenant do not belong
// together or the tenant is not serving
func checkTenant(req Request) (Decision, bool) {
	switch {
	case req.Principal.TenantID != req.Tenant.ID:
		return deny(GateTenant, "principal belongs to tenant %s", req.Principal.TenantID), false
	case !req.Tenant.Usable():
		return deny(GateTenant, "tenant is inactive or suspended"), false
	case !req.Principal.Active:
		return deny(GateTenant, "principal is inactive"), false
	}
	return Decision{}, true
}

// runGates applies every gate except usage in order. When a permission is
// granted through several roles every grant's conditions must hold.
func runGates(req Request, perm *models.Permission, grants []*models.Grant) Decision {
	if d, ok := tierGate(req.Tenant, perm); !ok {
		return d
	}
	if d, ok := mfaGate(req, perm); !ok {
		return d
	}
	if d, ok := timeGate(req, grants); !ok {
		return d
	}
	if d, ok := resourceGate(req, grants); !ok {
		return d
	}
	if d, ok := networkGate(req, grants); !ok {
		return d
	}
	return grant()
}

// tierGate overrides role grants: a plan below the permission's floor never
// gets it
func tierGate(tenant *models.Tenant, perm *models.Permission) (Decision, bool) {
	if perm.EnterpriseOnly && tenant.Tier != models.TierEnterprise {
		return deny(GateTier, "%s requires the enterprise tier, tenant is %s", perm.Name, tenant.Tier), false
	}
	if !tenant.Tier.AtLeast(perm.MinTier) {
		return deny(GateTier, "%s requires tier %s, tenant is %s", perm.Name, perm.MinTier, tenant.Tier), false
	}
	return Decision{}, true
}

func mfaGate(req Request, perm *models.Permission) (Decision, bool) {
	if req.Context.MFAVerified {
		return Decision{}, true
	}
	if perm.RequiresMFA {
		return deny(GateMFA, "%s requires MFA", perm.Name), false
	}
	if req.Tenant.Security.MFARequired {
		return deny(GateMFA, "tenant requires MFA"), false
	}
	return Decision{}, true
}

func timeGate(req Request, grants []*models.Grant) (Decision, bool) {
	for _, g := range grants {
		if g.Conditions == nil || g.Conditions.Time == nil {
			continue
		}
		ok, err := g.Conditions.Time.Contains(req.Context.Timestamp)
		if err != nil {
			return deny(GateTime, "invalid time window on grant %s: %v", g.ID, err), false
		}
		if !ok {
			return deny(GateTime, "outside the time window of grant %s", g.ID), false
		}
	}
	return Decision{}, true
}

// resourceGate always rejects resources of another tenant, then applies the
// grants' resource constraints. A constraint with no resource to check denies.
func resourceGate(req Request, grants []*models.Grant) (Decision, bool) {
	r := req.Resource
	if r != nil && r.TenantID != req.Tenant.ID {
		return deny(GateResource, "resource %s belongs to tenant %s", r.ID, r.TenantID), false
	}

	for _, g := range grants {
		if g.Conditions == nil || g.Conditions.Resource == nil {
			continue
		}
		rc := g.Conditions.Resource
		if len(rc.Types) == 0 && !rc.OwnerOnly {
			continue
		}
		if r == nil {
			return deny(GateResource, "grant %s is resource constrained and no resource was given", g.ID), false
		}
		if len(rc.Types) > 0 && !slices.Contains(rc.Types, r.Type) {
			return deny(GateResource, "resource type %q not allowed", r.Type), false
		}
		if rc.OwnerOnly && (r.OwnerID == nil || *r.OwnerID != req.Principal.ID) {
			return deny(GateResource, "resource %s is not owned by the principal", r.ID), false
		}
	}
	return Decision{}, true
}

// networkGate checks the tenant IP allowlist and the grants' IP and device
// allowlists
func networkGate(req Request, grants []*models.Grant) (Decision, bool) {
	if list := req.Tenant.Security.IPAllowlist; len(list) > 0 && !models.AllowsIP(list, req.Context.IP) {
		return deny(GateNetwork, "ip %q not in the tenant allowlist", req.Context.IP), false
	}
	for _, g := range grants {
		if g.Conditions == nil {
			continue
		}
		if list := g.Conditions.IPAllowlist; len(list) > 0 && !models.AllowsIP(list, req.Context.IP) {
			return deny(GateNetwork, "ip %q not allowed by grant %s", req.Context.IP, g.ID), false
		}
		if list := g.Conditions.DeviceAllowlist; len(list) > 0 && !slices.Contains(list, req.Context.DeviceID) {
			return deny(GateNetwork, "device %q not allowed by grant %s", req.Context.DeviceID, g.ID), false
		}
	}
	return Decision{}, true
}
