package auth

import "strings"

// internalRolePrefix marks module-internal role names. Assignments may
// arrive with or without it; lookups accept both.
const internalRolePrefix = "internal."

// Reserved permission namespaces that can never be delegated.
const (
	reservedAuthPrefix   = "auth."
	reservedSystemPrefix = "system."
)

// Catalog resolves role names to their fixed permission sets. The data
// is compiled in; changing it is a deployment, not a runtime operation.
type Catalog interface {
	GlobalRolePermissions(role string) map[string]struct{}
	ModuleRolePermissions(module, roleName string) map[string]struct{}
}

// StaticCatalog serves the built-in role tables.
type StaticCatalog struct{}

var _ Catalog = StaticCatalog{}

// NewCatalog returns the compiled-in catalog.
func NewCatalog() StaticCatalog { return StaticCatalog{} }

// GlobalRolePermissions returns the permission set for a global role.
// Unknown roles yield an empty set.
func (StaticCatalog) GlobalRolePermissions(role string) map[string]struct{} {
	return copySet(globalRolePermissions[strings.ToLower(strings.TrimSpace(role))])
}

// ModuleRolePermissions returns the permission set for a module-scoped
// role. The role name may carry the "internal." prefix or not; unknown
// modules or roles yield an empty set.
func (StaticCatalog) ModuleRolePermissions(module, roleName string) map[string]struct{} {
	roles, ok := moduleRolePermissions[strings.ToLower(strings.TrimSpace(module))]
	if !ok {
		return map[string]struct{}{}
	}
	return copySet(roles[NormalizeRoleName(roleName)])
}

// NormalizeRoleName strips the optional "internal." prefix and folds
// case, matching how assignments are stored.
func NormalizeRoleName(roleName string) string {
	roleName = strings.ToLower(strings.TrimSpace(roleName))
	return strings.TrimPrefix(roleName, internalRolePrefix)
}

// Match reports whether the permission set satisfies required, honoring
// the wildcard grammar: exact match, "module.*", "*.action",
// "*.*.action", and the total wildcards "*" / "*.*".
func Match(permissions map[string]struct{}, required string) bool {
	if _, ok := permissions[required]; ok {
		return true
	}
	for perm := range permissions {
		switch {
		case strings.HasSuffix(perm, ".*"):
			prefix := strings.TrimSuffix(perm, ".*")
			if prefix != "*" && strings.HasPrefix(required, prefix+".") {
				return true
			}
		case strings.HasPrefix(perm, "*.*."):
			if strings.HasSuffix(required, "."+perm[len("*.*."):]) {
				return true
			}
		case strings.HasPrefix(perm, "*."):
			if strings.HasSuffix(required, "."+perm[len("*."):]) {
				return true
			}
		}
	}
	if _, ok := permissions["*"]; ok {
		return true
	}
	_, ok := permissions["*.*"]
	return ok
}

func copySet(src map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

func set(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Global role tables. Owner has total wildcard authority; admin carries
// the global permissions plus cross-module wildcards; manager and staff
// receive module authority through module roles and delegations.
var globalRolePermissions = map[string]map[string]struct{}{
	"owner": set("*"),
	"admin": set(
		"auth.manage_users",
		"auth.manage_roles",
		"auth.view_audit",
		"system.configure",
		"system.view_reports",
		"*.*.view",
		"*.*.edit",
		"*.*.delete",
		"*.*.manage_users",
	),
	"manager": set("system.view_reports"),
	"staff":   set("system.view_reports"),
	"viewer":  set("system.view_reports", "*.*.view"),
}

// Module role tables, keyed by module then by normalized role name.
var moduleRolePermissions = map[string]map[string]map[string]struct{}{
	"inventory": {
		"viewer": set("inventory.view"),
		"editor": set("inventory.view", "inventory.edit", "inventory.adjust_stock"),
		"manager": set(
			"inventory.view",
			"inventory.edit",
			"inventory.adjust_stock",
			"inventory.manage_users",
		),
	},
	"products": {
		"viewer": set("products.view"),
		"editor": set("products.view", "products.edit", "products.create"),
		"manager": set(
			"products.view",
			"products.edit",
			"products.create",
			"products.delete",
			"products.manage_users",
		),
	},
	"config": {
		"viewer":        set("config.view", "config.view_theme"),
		"editor":        set("config.view", "config.edit", "config.view_theme", "config.edit_theme"),
		"designer":      set("config.view_theme", "config.edit_theme"),
		"brand_manager": set("config.view_theme", "config.edit_theme", "config.manage_branding"),
		"manager": set(
			"config.view",
			"config.edit",
			"config.delete",
			"config.view_theme",
			"config.edit_theme",
			"config.manage_branding",
		),
	},
	"calendar": {
		"viewer": set("calendar.view", "calendar.events.view"),
		"editor": set("calendar.view", "calendar.events.view", "calendar.events.manage"),
		"manager": set(
			"calendar.view",
			"calendar.manage",
			"calendar.events.view",
			"calendar.events.manage",
		),
	},
	"tasks": {
		"viewer": set("tasks.view"),
		"editor": set("tasks.view", "tasks.create", "tasks.edit"),
		"manager": set(
			"tasks.view",
			"tasks.create",
			"tasks.edit",
			"tasks.delete",
			"tasks.manage",
			"tasks.manage_users",
		),
	},
	"files": {
		"viewer": set("files.view"),
		"editor": set("files.view", "files.manage"),
		"manager": set(
			"files.view",
			"files.manage",
			"files.manage_users",
		),
	},
	"reporting": {
		"viewer": set("reporting.view"),
		"editor": set("reporting.view", "reporting.create", "reporting.edit"),
		"manager": set(
			"reporting.view",
			"reporting.create",
			"reporting.edit",
			"reporting.delete",
			"reporting.manage",
			"reporting.manage_users",
		),
	},
	"workflows": {
		"viewer": set("workflows.view"),
		"editor": set("workflows.view", "workflows.create", "workflows.edit"),
		"manager": set(
			"workflows.view",
			"workflows.create",
			"workflows.edit",
			"workflows.delete",
			"workflows.manage",
			"workflows.manage_users",
		),
	},
	"tags": {
		"viewer": set("tags.view"),
		"editor": set("tags.view", "tags.manage"),
		"manager": set(
			"tags.view",
			"tags.manage",
			"tags.manage_users",
		),
	},
	"notifications": {
		"viewer": set("notifications.view"),
		"editor": set("notifications.view", "notifications.manage"),
		"manager": set(
			"notifications.view",
			"notifications.manage",
			"notifications.manage_users",
		),
	},
}
