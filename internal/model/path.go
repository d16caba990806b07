package model

import (
	"fmt"
	"strings"
)

// Kind identifies the sub-tree a Path addresses.
type Kind string

const (
	KindCycles              Kind = "cycles"
	KindItems               Kind = "items"
	KindGroupedItems        Kind = "groupedItems"
	KindUnits               Kind = "units"
	KindEvents              Kind = "events"
	KindTimer               Kind = "timer"
	KindCollapsedCategories Kind = "collapsed/categories"
	KindCollapsedGroups     Kind = "collapsed/groups"
)

// maxSegments bounds the number of key segments after the kind prefix.
// Entity kinds allow one more segment naming a single field.
var maxSegments = map[Kind]int{
	KindCycles:              2,
	KindItems:               3,
	KindGroupedItems:        3,
	KindUnits:               2,
	KindEvents:              3,
	KindTimer:               0,
	KindCollapsedCategories: 2,
	KindCollapsedGroups:     2,
}

// minSegments is the number of segments required to address a subscription
// root for the kind.
var minSegments = map[Kind]int{
	KindItems:               1,
	KindGroupedItems:        1,
	KindEvents:              1,
	KindCollapsedCategories: 1,
	KindCollapsedGroups:     1,
}

// Path addresses a node in the remote store.
type Path struct {
	Kind     Kind
	Segments []string
}

// Path constructors.

func CyclesPath() Path { return Path{Kind: KindCycles} }
func CyclePath(id string) Path { return Path{Kind: KindCycles, Segments: []string{id}} }
func ItemsPath(cycle string) Path { return Path{Kind: KindItems, Segments: []string{cycle}} }
func ItemPath(cycle, id string) Path { return Path{Kind: KindItems, Segments: []string{cycle, id}} }
func GroupsPath(cycle string) Path { return Path{Kind: KindGroupedItems, Segments: []string{cycle}} }
func GroupPath(cycle, id string) Path { return Path{Kind: KindGroupedItems, Segments: []string{cycle, id}} }
func UnitsPath() Path { return Path{Kind: KindUnits} }
func UnitPath(id string) Path { return Path{Kind: KindUnits, Segments: []string{id}} }
func EventsPath(cycle string) Path { return Path{Kind: KindEvents, Segments: []string{cycle}} }
func TimerPath() Path { return Path{Kind: KindTimer} }

// CollapsedCategoriesPath addresses the collapsed flags of a cycle's categories.
func CollapsedCategoriesPath(cycle string) Path {
	return Path{Kind: KindCollapsedCategories, Segments: []string{cycle}}
}

// EventPath addresses the single event slot of an item on a day.
func EventPath(cycle, item string, day Day) Path {
	return Path{Kind: KindEvents, Segments: []string{cycle, item, string(day)}}
}

// CollapsedCategoryPath addresses the collapsed flag of one category.
func CollapsedCategoryPath(cycle string, cat Category) Path {
	return Path{Kind: KindCollapsedCategories, Segments: []string{cycle, string(cat)}}
}

// CollapsedGroupsPath addresses the collapsed flags of a cycle's groups.
func CollapsedGroupsPath(cycle string) Path {
	return Path{Kind: KindCollapsedGroups, Segments: []string{cycle}}
}

// CollapsedGroupPath addresses the collapsed flag of one group.
func CollapsedGroupPath(cycle, group string) Path {
	return Path{Kind: KindCollapsedGroups, Segments: []string{cycle, group}}
}

// Field addresses the named attribute of the entity at p.
func (p Path) Field(name string) Path {
	segs := make([]string, len(p.Segments), len(p.Segments)+1)
	copy(segs, p.Segments)
	return Path{Kind: p.Kind, Segments: append(segs, name)}
}

func (p Path) String() string {
	if len(p.Segments) == 0 {
		return string(p.Kind)
	}
	return string(p.Kind) + "/" + strings.Join(p.Segments, "/")
}

// Cycle returns the cycle ID of a per-cycle path, or "".
func (p Path) Cycle() string {
	switch p.Kind {
	case KindItems, KindGroupedItems, KindEvents, KindCollapsedCategories, KindCollapsedGroups:
		if len(p.Segments) > 0 {
			return p.Segments[0]
		}
	}
	return ""
}

// Keys returns the path as a list of tree keys, including the kind prefix.
func (p Path) Keys() []string {
	keys := strings.Split(string(p.Kind), "/")
	return append(keys, p.Segments...)
}

// Equal reports whether two paths address the same node.
func (p Path) Equal(o Path) bool { return p.String() == o.String() }

// Contains reports whether o is p or a descendant of p.
func (p Path) Contains(o Path) bool {
	a, b := p.Keys(), o.Keys()
	if len(b) < len(a) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ParsePath parses the string form of a Path.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return Path{}, fmt.Errorf("empty path")
	}
	parts := strings.Split(s, "/")
	var p Path
	switch {
	case parts[0] == "collapsed" && len(parts) >= 2:
		p.Kind = Kind("collapsed/" + parts[1])
		parts = parts[2:]
	default:
		p.Kind = Kind(parts[0])
		parts = parts[1:]
	}
	maxN, ok := maxSegments[p.Kind]
	if !ok {
		return Path{}, fmt.Errorf("unknown path kind %q", p.Kind)
	}
	if len(parts) > maxN || len(parts) < minSegments[p.Kind] {
		return Path{}, fmt.Errorf("path %q: unexpected segment count %d", s, len(parts))
	}
	for _, seg := range parts {
		if seg == "" {
			return Path{}, fmt.Errorf("path %q: empty segment", s)
		}
	}
	if len(parts) > 0 {
		p.Segments = parts
	}
	return p, nil
}
