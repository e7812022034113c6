// Package flavor is the single table of supported compatibility-tool families:
// where their releases come from and how an installed directory is named.
package flavor

import (
	"fmt"

	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

// Naming decides how an installed tool is linked to a release tag.
type Naming int

const (
	// NamingTag: the tool's internal or display name is the tag itself.
	NamingTag Naming = iota
	// NamingPrefixed: internal name "{Flavor}{tag}", display name "{Flavor} {tag}".
	NamingPrefixed
)

// Source is one flavor's release repository and naming convention.
type Source struct {
	Flavor     api.Flavor
	Owner      string
	Repository string
	Naming     Naming
}

var table = []Source{
	{Flavor: api.FlavorProtonGE, Owner: "GloriousEggroll", Repository: "proton-ge-custom", Naming: NamingTag},
	{Flavor: api.FlavorLuxtorpeda, Owner: "luxtorpeda-dev", Repository: "luxtorpeda", Naming: NamingPrefixed},
	{Flavor: api.FlavorBoxtron, Owner: "dreamer", Repository: "boxtron", Naming: NamingPrefixed},
}

// All returns the supported flavors in display order.
func All() []Source {
	out := make([]Source, len(table))
	copy(out, table)
	return out
}

// Lookup returns the source for f.
func Lookup(f api.Flavor) (Source, bool) {
	for _, s := range table {
		if s.Flavor == f {
			return s, true
		}
	}
	return Source{}, false
}

// Slug is "{owner}_{repository}", used to name the catalog cache file.
func (s Source) Slug() string {
	return s.Owner + "_" + s.Repository
}

func (s Source) String() string {
	return fmt.Sprintf("%s (%s/%s)", s.Flavor, s.Owner, s.Repository)
}

// InternalName is the canonical directory and descriptor key for tag.
func (s Source) InternalName(tag string) string {
	if s.Naming == NamingTag {
		return tag
	}
	return string(s.Flavor) + tag
}

// DisplayName is the canonical display name for tag.
func (s Source) DisplayName(tag string) string {
	if s.Naming == NamingTag {
		return tag
	}
	return string(s.Flavor) + " " + tag
}

// RequiresRelabel reports whether extracted packages must have their
// descriptor regenerated and directory renamed before install.
func (s Source) RequiresRelabel() bool {
	return s.Naming == NamingPrefixed
}

// Matches reports whether an installed tool with the given names belongs to
// the release tagged tag.
func (s Source) Matches(internalName, displayName, tag string) bool {
	switch s.Naming {
	case NamingTag:
		return internalName == tag || displayName == tag
	case NamingPrefixed:
		return displayName == string(s.Flavor)+" "+tag || internalName == string(s.Flavor)+tag
	}
	return false
}
