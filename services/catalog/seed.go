package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/models"
	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinYAML []byte

// roleNamespace derives stable ids for seeded roles from their names
var roleNamespace = uuid.MustParse("6f1c2a9e-4b7d-5e30-9a51-0d8c7e2b4f16")

// RoleID returns the id a seeded role named name is stored under
func RoleID(name string) uuid.UUID {
	return uuid.NewSHA1(roleNamespace, []byte(strings.ToLower(name)))
}

// Seed is the parsed form of a catalog file
type Seed struct {
	Permissions []*models.Permission
	Roles       []*models.Role
	Grants      []*models.Grant
}

type permissionSpec struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	RequiresMFA    bool   `yaml:"requires_mfa"`
	Dangerous      bool   `yaml:"dangerous"`
	MinTier        string `yaml:"min_tier"`
	EnterpriseOnly bool   `yaml:"enterprise_only"`
	Version        int    `yaml:"version"`
}

type roleSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Parent      string   `yaml:"parent"`
	Level       int      `yaml:"level"`
	Assignable  bool     `yaml:"assignable"`
	Grants      []string `yaml:"grants"`
}

type seedFile struct {
	Permissions []permissionSpec `yaml:"permissions"`
	Roles       []roleSpec       `yaml:"roles"`
}

// Builtin returns the embedded catalog
func Builtin() (*Seed, error) {
	seed, err := ParseSeed(builtinYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse builtin catalog: %w", err)
	}
	return seed, nil
}

// LoadSeedFile reads an additional catalog from a YAML file
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	return seed, nil
}

// ParseSeed decodes a catalog document. Roles may only name parents defined
// earlier in the same document.
func ParseSeed(data []byte) (*Seed, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	seed := &Seed{}
	for _, ps := range file.Permissions {
		if ps.Name == "" || !strings.Contains(ps.Name, ":") {
			return nil, fmt.Errorf("permission %q must be named category:action", ps.Name)
		}
		tier := models.SubscriptionTier(ps.MinTier)
		if tier != "" && !tier.Valid() {
			return nil, fmt.Errorf("permission %s: unknown min_tier %q", ps.Name, ps.MinTier)
		}
		p := &models.Permission{
			Name:           ps.Name,
			Description:    ps.Description,
			RequiresMFA:    ps.RequiresMFA,
			Dangerous:      ps.Dangerous,
			MinTier:        tier,
			EnterpriseOnly: ps.EnterpriseOnly,
			Version:        ps.Version,
		}
		p.Normalize()
		seed.Permissions = append(seed.Permissions, p)
	}

	seen := make(map[string]uuid.UUID, len(file.Roles))
	for _, rs := range file.Roles {
		if rs.Name == "" {
			return nil, fmt.Errorf("role without a name")
		}
		role := &models.Role{
			ID:          RoleID(rs.Name),
			Name:        rs.Name,
			Description: rs.Description,
			Level:       rs.Level,
			Assignable:  rs.Assignable,
		}
		if rs.Parent != "" {
			parentID, ok := seen[rs.Parent]
			if !ok {
				return nil, fmt.Errorf("role %s: parent %q is not defined before it", rs.Name, rs.Parent)
			}
			role.ParentID = &parentID
		}
		seen[rs.Name] = role.ID
		seed.Roles = append(seed.Roles, role)

		for _, perm := range rs.Grants {
			g := models.NewGrant(role.ID, perm)
			g.ID = uuid.NewSHA1(role.ID, []byte(perm))
			seed.Grants = append(seed.Grants, g)
		}
	}

	return seed, nil
}
