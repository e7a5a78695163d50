package policy

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runloom/controlplane/internal/ledger"
)

// RoleBindingSeed is one entry of a role-seed file: it binds a subject to a
// role, optionally scoped to a tenant.
type RoleBindingSeed struct {
	TenantID string `yaml:"tenantId"`
	Subject  string `yaml:"subject"`
	Role     string `yaml:"role"`
}

// seedFile is the on-disk shape of a role-seed file.
type seedFile struct {
	Bindings []RoleBindingSeed `yaml:"bindings"`
}

// LoadRoleSeedFile reads a YAML role-seed file and upserts every binding it
// names into store. It is meant to run once at process start, from a path
// given by CONTROLPLANE_ROLE_SEED_FILE.
func LoadRoleSeedFile(ctx context.Context, store ledger.Store, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read role seed file %s: %w", path, err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return 0, fmt.Errorf("parse role seed file %s: %w", path, err)
	}
	now := time.Now().UTC()
	for i, b := range sf.Bindings {
		if b.Subject == "" || b.Role == "" {
			return i, fmt.Errorf("role seed entry %d missing subject or role", i)
		}
		if _, ok := RolePermissions[b.Role]; !ok {
			return i, fmt.Errorf("role seed entry %d names unknown role %q", i, b.Role)
		}
		rb := ledger.RoleBindingRecord{
			ID:        fmt.Sprintf("rb-seed-%d-%s-%s", i, b.TenantID, b.Subject),
			TenantID:  b.TenantID,
			Subject:   b.Subject,
			Role:      b.Role,
			CreatedAt: now,
		}
		if err := store.UpsertRoleBinding(ctx, rb); err != nil {
			return i, fmt.Errorf("upsert role seed entry %d: %w", i, err)
		}
	}
	return len(sf.Bindings), nil
}
