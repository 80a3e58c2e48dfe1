// Package catalog holds the permission reference data and the role tree.
//
// Roles live in an arena keyed by id and point at their parent. The effective
// permission set of a role is the union of its own grants and those of every
// ancestor; it is computed on first use and memoized until the next mutation.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/services"
	"go.uber.org/zap"
)

// Effective maps a permission name to every grant that confers it.
// Callers must not modify it.
type Effective map[string][]*models.Grant

// Has reports whether the permission is in the set
func (e Effective) Has(permission string) bool {
	_, ok := e[permission]
	return ok
}

// Names returns the permission names in the set, sorted
func (e Effective) Names() []string {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Repositories are the stores the catalog persists to. A zero value keeps
// the catalog in memory only.
type Repositories struct {
	Roles       repositories.RoleRepository
	Permissions repositories.PermissionRepository
	Grants      repositories.GrantRepository
}

func (r Repositories) persistent() bool {
	return r.Roles != nil && r.Permissions != nil && r.Grants != nil
}

// state is one consistent snapshot of the catalog
type state struct {
	permissions map[string]*models.Permission
	roles       map[uuid.UUID]*models.Role
	grants      map[uuid.UUID]map[string]*models.Grant
}

func newState() *state {
	return &state{
		permissions: make(map[string]*models.Permission),
		roles:       make(map[uuid.UUID]*models.Role),
		grants:      make(map[uuid.UUID]map[string]*models.Grant),
	}
}

func (s *state) putGrant(g *models.Grant) {
	byPerm, ok := s.grants[g.RoleID]
	if !ok {
		byPerm = make(map[string]*models.Grant)
		s.grants[g.RoleID] = byPerm
	}
	byPerm[g.Permission] = g
}

// Catalog is the in-process permission catalog
type Catalog struct {
	repos  Repositories
	txMgr  repositories.TransactionManager
	logger *zap.Logger
	seeds  []*Seed

	mu         sync.RWMutex
	st         *state
	closure    map[uuid.UUID]Effective
	generation uint64

	listenersMu sync.Mutex
	listeners   []func()
}

// NewCatalog builds a catalog from seeds. Call Load to merge stored rows.
func NewCatalog(repos Repositories, txMgr repositories.TransactionManager, logger *zap.Logger, seeds ...*Seed) (*Catalog, error) {
	c := &Catalog{
		repos:   repos,
		txMgr:   txMgr,
		logger:  logger,
		seeds:   seeds,
		closure: make(map[uuid.UUID]Effective),
	}

	st, err := c.seedState()
	if err != nil {
		return nil, err
	}
	c.st = st
	return c, nil
}

func (c *Catalog) seedState() (*state, error) {
	st := newState()
	for _, seed := range c.seeds {
		if seed == nil {
			continue
		}
		for _, p := range seed.Permissions {
			if cur, ok := st.permissions[p.Name]; ok && p.Version < cur.Version {
				return nil, services.ErrStaleVersion.Wrap(nil).WithDetail("permission", p.Name)
			}
			st.permissions[p.Name] = clonePermission(p)
		}
		for _, r := range seed.Roles {
			st.roles[r.ID] = cloneRole(r)
		}
		for _, g := range seed.Grants {
			if _, ok := st.permissions[g.Permission]; !ok {
				return nil, services.ErrPermissionNotFound.Wrap(nil).WithDetail("permission", g.Permission)
			}
			st.putGrant(g)
		}
	}
	if err := checkTree(st.roles); err != nil {
		return nil, err
	}
	return st, nil
}

// OnChange registers fn to run after every mutation of roles or grants
func (c *Catalog) OnChange(fn func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Catalog) notify() {
	c.listenersMu.Lock()
	listeners := append([]func(){}, c.listeners...)
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// invalidate drops the memoized closures. Must be called with mu held.
func (c *Catalog) invalidate() {
	c.closure = make(map[uuid.UUID]Effective)
	c.generation++
}

// Seed writes the seed catalog to the repositories in one transaction.
// Existing grants are left as they are.
func (c *Catalog) Seed(ctx context.Context) error {
	if !c.repos.persistent() {
		return nil
	}

	c.mu.RLock()
	st := c.st
	c.mu.RUnlock()

	err := services.WithTransaction(ctx, c.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		for _, seed := range c.seeds {
			if seed == nil {
				continue
			}
			for _, p := range seed.Permissions {
				if err := c.repos.Permissions.Upsert(ctx, st.permissions[p.Name]); err != nil {
					return err
				}
			}
			roles := c.repos.Roles.WithTx(tx)
			for _, r := range seed.Roles {
				if err := roles.Upsert(ctx, r); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return services.ErrDatabaseError.Wrap(err)
	}

	// grants are inserted one by one so an existing row does not abort the rest
	created := 0
	for _, seed := range c.seeds {
		if seed == nil {
			continue
		}
		for _, g := range seed.Grants {
			err := c.repos.Grants.Create(ctx, g)
			switch {
			case err == nil:
				created++
			case errors.Is(err, repositories.ErrDuplicate):
			default:
				return services.ErrDatabaseError.Wrap(err)
			}
		}
	}

	c.logger.Info("catalog seeded",
		zap.Int("permissions", len(st.permissions)),
		zap.Int("roles", len(st.roles)),
		zap.Int("grants_created", created))
	return nil
}

// Load replaces the catalog with the seeds merged with stored rows. Stored
// permissions older than the seeded version are ignored.
func (c *Catalog) Load(ctx context.Context) error {
	st, err := c.seedState()
	if err != nil {
		return err
	}

	if c.repos.persistent() {
		if err := c.merge(ctx, st); err != nil {
			return err
		}
		if err := checkTree(st.roles); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.st = st
	c.invalidate()
	c.mu.Unlock()

	c.logger.Info("catalog loaded",
		zap.Int("permissions", len(st.permissions)),
		zap.Int("roles", len(st.roles)))
	c.notify()
	return nil
}

// Reload is Load under the name used by admin tooling
func (c *Catalog) Reload(ctx context.Context) error {
	return c.Load(ctx)
}

func (c *Catalog) merge(ctx context.Context, st *state) error {
	perms, err := c.repos.Permissions.List(ctx)
	if err != nil {
		return services.ErrDatabaseError.Wrap(err)
	}
	for _, p := range perms {
		p.Normalize()
		if cur, ok := st.permissions[p.Name]; ok && p.Version < cur.Version {
			c.logger.Warn("ignoring stored permission older than the builtin one",
				zap.String("permission", p.Name),
				zap.Int("stored_version", p.Version),
				zap.Int("builtin_version", cur.Version))
			continue
		}
		st.permissions[p.Name] = p
	}

	roles, err := c.repos.Roles.List(ctx)
	if err != nil {
		return services.ErrDatabaseError.Wrap(err)
	}
	for _, r := range roles {
		st.roles[r.ID] = r
	}

	grants, err := c.repos.Grants.List(ctx)
	if err != nil {
		return services.ErrDatabaseError.Wrap(err)
	}
	for _, g := range grants {
		if _, ok := st.roles[g.RoleID]; !ok {
			c.logger.Warn("skipping grant for unknown role", zap.String("role_id", g.RoleID.String()))
			continue
		}
		if _, ok := st.permissions[g.Permission]; !ok {
			c.logger.Warn("skipping grant for unknown permission", zap.String("permission", g.Permission))
			continue
		}
		st.putGrant(g)
	}
	return nil
}

// PutPermission adds or replaces a permission. A version lower than the
// loaded one is refused.
func (c *Catalog) PutPermission(ctx context.Context, p *models.Permission) error {
	p = clonePermission(p)
	p.Normalize()
	if p.Category == "" || p.Action == "" || !strings.Contains(p.Name, ":") {
		return services.ErrInvalidInput.Wrap(nil).WithDetail("permission", "must be named category:action")
	}
	if p.MinTier != "" && !p.MinTier.Valid() {
		return services.ErrInvalidInput.Wrap(nil).WithDetail("min_tier", "unknown tier")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.st.permissions[p.Name]; ok && p.Version < cur.Version {
		return services.ErrStaleVersion.Wrap(nil).
			WithDetail("permission", p.Name).
			WithDetail("loaded_version", cur.Version)
	}
	if c.repos.persistent() {
		if err := c.repos.Permissions.Upsert(ctx, p); err != nil {
			return services.ErrDatabaseError.Wrap(err)
		}
	}
	c.st.permissions[p.Name] = p
	c.invalidate()
	return nil
}

// PutRole adds or replaces a role. The parent must exist, must not create a
// cycle and must be visible in the role's tenant.
func (c *Catalog) PutRole(ctx context.Context, role *models.Role) error {
	if strings.TrimSpace(role.Name) == "" {
		return services.ErrInvalidInput.Wrap(nil).WithDetail("name", "is required")
	}
	role = cloneRole(role)
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}

	c.mu.Lock()
	if err := c.checkRole(role); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.repos.persistent() {
		if err := c.repos.Roles.Upsert(ctx, role); err != nil {
			c.mu.Unlock()
			return services.ErrDatabaseError.Wrap(err)
		}
	}
	c.st.roles[role.ID] = role
	c.invalidate()
	c.mu.Unlock()

	c.logger.Info("role updated", zap.String("role_id", role.ID.String()), zap.String("name", role.Name))
	c.notify()
	return nil
}

// checkRole validates role against the current tree. Must be called with mu held.
func (c *Catalog) checkRole(role *models.Role) error {
	if role.ParentID != nil {
		parent, ok := c.st.roles[*role.ParentID]
		if !ok {
			return services.ErrRoleNotFound.Wrap(nil).WithDetail("parent_id", role.ParentID.String())
		}
		if !inheritable(parent, role) {
			return services.ErrRoleScope.Wrap(nil).WithDetail("parent_id", parent.ID.String())
		}
		for id := parent.ID; ; {
			if id == role.ID {
				return services.ErrRoleCycle.Wrap(nil).WithDetail("role_id", role.ID.String())
			}
			r, ok := c.st.roles[id]
			if !ok || r.ParentID == nil {
				break
			}
			id = *r.ParentID
		}
	}

	for _, child := range c.st.roles {
		if child.ParentID != nil && *child.ParentID == role.ID && !inheritable(role, child) {
			return services.ErrRoleScope.Wrap(nil).WithDetail("child_id", child.ID.String())
		}
	}
	return nil
}

// inheritable reports whether child may inherit from parent. A tenant role
// only passes its grants to roles of the same tenant.
func inheritable(parent, child *models.Role) bool {
	if parent.TenantID == nil {
		return true
	}
	return child.TenantID != nil && *child.TenantID == *parent.TenantID
}

// DeleteRole removes a role and its grants. Roles with children are refused.
func (c *Catalog) DeleteRole(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	if _, ok := c.st.roles[id]; !ok {
		c.mu.Unlock()
		return services.ErrRoleNotFound
	}
	for _, r := range c.st.roles {
		if r.ParentID != nil && *r.ParentID == id {
			c.mu.Unlock()
			return services.ErrInvalidInput.Wrap(nil).WithDetail("role_id", "role has child roles")
		}
	}

	if c.repos.persistent() {
		err := services.WithTransaction(ctx, c.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
			grants := c.repos.Grants.WithTx(tx)
			for perm := range c.st.grants[id] {
				if err := grants.Delete(ctx, id, perm); err != nil && !errors.Is(err, repositories.ErrNotFound) {
					return err
				}
			}
			return c.repos.Roles.WithTx(tx).Delete(ctx, id)
		})
		if err != nil {
			c.mu.Unlock()
			return services.ErrDatabaseError.Wrap(err)
		}
	}

	delete(c.st.roles, id)
	delete(c.st.grants, id)
	c.invalidate()
	c.mu.Unlock()

	c.logger.Info("role deleted", zap.String("role_id", id.String()))
	c.notify()
	return nil
}

// PutGrant attaches a permission to a role, replacing an existing grant of
// the same permission.
func (c *Catalog) PutGrant(ctx context.Context, g *models.Grant) error {
	g = cloneGrant(g)
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}

	c.mu.Lock()
	if _, ok := c.st.roles[g.RoleID]; !ok {
		c.mu.Unlock()
		return services.ErrRoleNotFound
	}
	if _, ok := c.st.permissions[g.Permission]; !ok {
		c.mu.Unlock()
		return services.ErrPermissionNotFound.Wrap(nil).WithDetail("permission", g.Permission)
	}

	if c.repos.persistent() {
		_, exists := c.st.grants[g.RoleID][g.Permission]
		err := services.WithTransaction(ctx, c.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
			grants := c.repos.Grants.WithTx(tx)
			if exists {
				if err := grants.Delete(ctx, g.RoleID, g.Permission); err != nil && !errors.Is(err, repositories.ErrNotFound) {
					return err
				}
			}
			return grants.Create(ctx, g)
		})
		if err != nil {
			c.mu.Unlock()
			return services.ErrDatabaseError.Wrap(err)
		}
	}

	c.st.putGrant(g)
	c.invalidate()
	c.mu.Unlock()

	c.logger.Info("grant updated",
		zap.String("role_id", g.RoleID.String()),
		zap.String("permission", g.Permission))
	c.notify()
	return nil
}

// RevokeGrant removes a permission from a role
func (c *Catalog) RevokeGrant(ctx context.Context, roleID uuid.UUID, permission string) error {
	c.mu.Lock()
	if _, ok := c.st.grants[roleID][permission]; !ok {
		c.mu.Unlock()
		return services.ErrPermissionNotFound.Wrap(nil).WithDetail("permission", permission)
	}

	if c.repos.persistent() {
		if err := c.repos.Grants.Delete(ctx, roleID, permission); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			c.mu.Unlock()
			return services.ErrDatabaseError.Wrap(err)
		}
	}

	delete(c.st.grants[roleID], permission)
	c.invalidate()
	c.mu.Unlock()

	c.logger.Info("grant revoked",
		zap.String("role_id", roleID.String()),
		zap.String("permission", permission))
	c.notify()
	return nil
}

// Permission returns the named permission
func (c *Catalog) Permission(name string) (*models.Permission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.st.permissions[name]
	if !ok {
		return nil, false
	}
	return clonePermission(p), true
}

// Permissions returns every permission, sorted by name
func (c *Catalog) Permissions() []*models.Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Permission, 0, len(c.st.permissions))
	for _, p := range c.st.permissions {
		out = append(out, clonePermission(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Role returns the role with id
func (c *Catalog) Role(id uuid.UUID) (*models.Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.st.roles[id]
	if !ok {
		return nil, false
	}
	return cloneRole(r), true
}

// Roles returns the roles usable inside tenantID: global roles and the
// tenant's own. Sorted by level, then name.
func (c *Catalog) Roles(tenantID uuid.UUID) []*models.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Role, 0, len(c.st.roles))
	for _, r := range c.st.roles {
		if r.VisibleTo(tenantID) {
			out = append(out, cloneRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Grants returns the role's own grants, without inherited ones
func (c *Catalog) Grants(roleID uuid.UUID) []*models.Grant {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Grant, 0, len(c.st.grants[roleID]))
	for _, g := range c.st.grants[roleID] {
		out = append(out, cloneGrant(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out
}

// EffectivePermissions returns the role's grants together with those of all
// its ancestors.
func (c *Catalog) EffectivePermissions(roleID uuid.UUID) (Effective, error) {
	c.mu.RLock()
	if eff, ok := c.closure[roleID]; ok {
		c.mu.RUnlock()
		return eff, nil
	}
	if _, ok := c.st.roles[roleID]; !ok {
		c.mu.RUnlock()
		return nil, services.ErrRoleNotFound
	}
	eff := c.computeClosure(roleID)
	gen := c.generation
	c.mu.RUnlock()

	c.mu.Lock()
	if c.generation == gen {
		c.closure[roleID] = eff
	}
	c.mu.Unlock()
	return eff, nil
}

// computeClosure walks parent pointers from roleID. Must be called with mu held.
func (c *Catalog) computeClosure(roleID uuid.UUID) Effective {
	eff := make(Effective)
	visited := make(map[uuid.UUID]bool)
	for id := roleID; !visited[id]; {
		visited[id] = true
		r, ok := c.st.roles[id]
		if !ok {
			break
		}
		for perm, g := range c.st.grants[id] {
			eff[perm] = append(eff[perm], g)
		}
		if r.ParentID == nil {
			break
		}
		id = *r.ParentID
	}
	return eff
}

// PermissionsFor returns the union of the closures of roleIDs. Roles that
// are unknown or belong to another tenant contribute nothing.
func (c *Catalog) PermissionsFor(tenantID uuid.UUID, roleIDs []uuid.UUID) Effective {
	out := make(Effective)
	for _, id := range roleIDs {
		role, ok := c.Role(id)
		if !ok {
			continue
		}
		if !role.VisibleTo(tenantID) {
			c.logger.Warn("ignoring role assigned outside its tenant",
				zap.String("role_id", id.String()),
				zap.String("tenant_id", tenantID.String()))
			continue
		}
		eff, err := c.EffectivePermissions(id)
		if err != nil {
			continue
		}
		for perm, grants := range eff {
			out[perm] = append(out[perm], grants...)
		}
	}
	return out
}

// checkTree verifies that every parent exists, that no parent chain loops and
// that tenant roles only inherit within their tenant.
func checkTree(roles map[uuid.UUID]*models.Role) error {
	for _, r := range roles {
		if r.ParentID == nil {
			continue
		}
		parent, ok := roles[*r.ParentID]
		if !ok {
			return services.ErrRoleNotFound.Wrap(nil).
				WithDetail("role_id", r.ID.String()).
				WithDetail("parent_id", r.ParentID.String())
		}
		if !inheritable(parent, r) {
			return services.ErrRoleScope.Wrap(nil).WithDetail("role_id", r.ID.String())
		}

		steps := 0
		for id := r.ParentID; id != nil; id = roles[*id].ParentID {
			if *id == r.ID || steps > len(roles) {
				return services.ErrRoleCycle.Wrap(nil).WithDetail("role_id", r.ID.String())
			}
			if _, ok := roles[*id]; !ok {
				break
			}
			steps++
		}
	}
	return nil
}

func clonePermission(p *models.Permission) *models.Permission {
	cp := *p
	return &cp
}

func cloneRole(r *models.Role) *models.Role {
	cp := *r
	if r.ParentID != nil {
		id := *r.ParentID
		cp.ParentID = &id
	}
	if r.TenantID != nil {
		id := *r.TenantID
		cp.TenantID = &id
	}
	return &cp
}

func cloneGrant(g *models.Grant) *models.Grant {
	cp := *g
	return &cp
}

// String describes the catalog size for logs
func (c *Catalog) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("catalog(%d permissions, %d roles)", len(c.st.permissions), len(c.st.roles))
}
