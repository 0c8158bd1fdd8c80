package identity

// Capabilities are boolean permission flags gating UI actions.
type Capabilities struct {
	CanView   bool `json:"canView"`
	CanEdit   bool `json:"canEdit"`
	CanCreate bool `json:"canCreate"`
	CanDelete bool `json:"canDelete"`
	IsAdmin   bool `json:"isAdmin"`
	IsModeler bool `json:"isModeler"`
	IsViewer  bool `json:"isViewer"`
}

// roleGrants is the fixed role -> capability mapping. Keys are normalized.
var roleGrants = map[string]Capabilities{
	RoleAdmin: {
		CanView: true, CanEdit: true, CanCreate: true, CanDelete: true,
		IsAdmin: true,
	},
	RoleModeler: {
		CanView: true, CanEdit: true, CanCreate: true,
		IsModeler: true,
	},
	RoleViewer: {
		CanView:  true,
		IsViewer: true,
	},
}

// CapabilitiesFor derives capabilities from a role set. Unknown roles grant nothing.
//
// Invariants: IsAdmin implies every other capability flag except the role
// markers IsModeler/IsViewer; CanEdit implies CanView.
func CapabilitiesFor(roles []Role) Capabilities {
	var c Capabilities
	for _, r := range roles {
		g, ok := roleGrants[r.Normalized()]
		if !ok {
			continue
		}
		c = c.union(g)
	}

	if c.IsAdmin {
		c.CanView, c.CanEdit, c.CanCreate, c.CanDelete = true, true, true, true
	}
	if c.CanEdit {
		c.CanView = true
	}
	return c
}

// RolesFromNames builds a role set from bare names, e.g. token claims.
func RolesFromNames(names []string) []Role {
	out := make([]Role, 0, len(names))
	for _, n := range names {
		out = append(out, Role{Name: n})
	}
	return out
}

func (c Capabilities) union(o Capabilities) Capabilities {
	return Capabilities{
		CanView:   c.CanView || o.CanView,
		CanEdit:   c.CanEdit || o.CanEdit,
		CanCreate: c.CanCreate || o.CanCreate,
		CanDelete: c.CanDelete || o.CanDelete,
		IsAdmin:   c.IsAdmin || o.IsAdmin,
		IsModeler: c.IsModeler || o.IsModeler,
		IsViewer:  c.IsViewer || o.IsViewer,
	}
}
