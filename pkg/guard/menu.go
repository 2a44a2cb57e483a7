package guard

import (
	"github.com/milan604/rtl433dp-console/pkg/permissions"
)

// Entry is one navigation item. An empty AnyOf means every signed in
// operator sees it.
type Entry struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Path  string   `json:"path"`
	AnyOf []string `json:"-"`
}

// Menu is an ordered list of entries.
type Menu []Entry

// DefaultMenu is the console navigation.
func DefaultMenu() Menu {
	return Menu{
		{ID: "models", Label: "Models", Path: "/models", AnyOf: []string{permissions.ModelList, permissions.ModelSearch}},
		{ID: "recommendations", Label: "Recommendations", Path: "/recommendations", AnyOf: []string{permissions.RecommendationList}},
		{ID: "known-devices", Label: "Known Devices", Path: "/known-devices"},
		{ID: "profile", Label: "Profile", Path: "/profile"},
	}
}

// Visible returns the entries perms satisfy, in menu order. It never returns nil.
func (m Menu) Visible(perms permissions.Set) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		if len(e.AnyOf) == 0 || perms.HasAny(e.AnyOf...) {
			out = append(out, e)
		}
	}
	return out
}
