package quilt

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// VersionGraph is the causal DAG of a resource: child -> parent set.
// Every node has at least one parent except nodes whose sole ancestor is
// ROOT, which record an empty parent list. The frontier is the set of
// nodes that no other node lists as a parent.

type VersionGraph struct {
	parents  map[Version][]Version
	children map[Version]int
	frontier []Version
}

func NewVersionGraph() *VersionGraph {
	return &VersionGraph{
		parents:  map[Version][]Version{},
		children: map[Version]int{},
		frontier: []Version{},
	}
}

func (self *VersionGraph) Len() int {
	return len(self.parents)
}

func (self *VersionGraph) Contains(version Version) bool {
	_, ok := self.parents[version]
	return ok
}

func (self *VersionGraph) Parents(version Version) ([]Version, bool) {
	parents, ok := self.parents[version]
	if !ok {
		return nil, false
	}
	return slices.Clone(parents), true
}

// Frontier returns the versions with no known child, sorted.
func (self *VersionGraph) Frontier() []Version {
	return sortVersions(self.frontier)
}

// Missing returns the declared parents absent from the graph.
func (self *VersionGraph) Missing(declaredParents []Version) []Version {
	missing := []Version{}
	for _, parent := range declaredParents {
		if !self.Contains(parent) {
			missing = append(missing, parent)
		}
	}
	return missing
}

// Add inserts a version with its declared parents and advances the
// frontier: the new version joins, and any declared parent with no other
// child leaves. Re-adding a known version is a no-op.
func (self *VersionGraph) Add(version Version, declaredParents []Version) error {
	if version.IsRoot() {
		return fmt.Errorf("cannot add ROOT to a version graph")
	}
	if self.Contains(version) {
		return nil
	}
	parents := []Version{}
	for _, parent := range declaredParents {
		if parent.IsRoot() {
			continue
		}
		if !self.Contains(parent) {
			return fmt.Errorf("missing parent %s", parent)
		}
		if !containsVersion(parents, parent) {
			parents = append(parents, parent)
		}
	}
	self.parents[version] = parents
	self.children[version] = 0
	for _, parent := range parents {
		self.children[parent] += 1
	}

	nextFrontier := []Version{version}
	for _, member := range self.frontier {
		if self.children[member] == 0 {
			nextFrontier = append(nextFrontier, member)
		}
	}
	self.frontier = nextFrontier
	return nil
}

// IsAncestor reports whether ancestor is reachable from version by
// following parent edges. A version is not its own ancestor.
func (self *VersionGraph) IsAncestor(ancestor Version, version Version) bool {
	if ancestor.IsRoot() {
		return self.Contains(version)
	}
	visited := map[Version]bool{}
	stack := slices.Clone(self.parents[version])
	for 0 < len(stack) {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[next] {
			continue
		}
		visited[next] = true
		if next == ancestor {
			return true
		}
		stack = append(stack, self.parents[next]...)
	}
	return false
}

// CoveredBy reports whether version is one of the given versions or an
// ancestor of one of them.
func (self *VersionGraph) CoveredBy(version Version, covering []Version) bool {
	for _, cover := range covering {
		if cover == version || self.IsAncestor(version, cover) {
			return true
		}
	}
	return false
}

// Truncate prunes versions whose every path to the frontier is longer
// than depth, keeping all ancestors of the frontier within depth. Pruned
// versions are removed from the graph and returned, sorted; the graph
// itself no longer contains them.
func (self *VersionGraph) Truncate(depth int) []Version {
	if depth <= 0 || len(self.parents) == 0 {
		return nil
	}
	keep := map[Version]bool{}
	type walkItem struct {
		version Version
		depth   int
	}
	stack := []walkItem{}
	for _, member := range self.frontier {
		stack = append(stack, walkItem{version: member, depth: 0})
	}
	for 0 < len(stack) {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if keep[item.version] {
			continue
		}
		keep[item.version] = true
		if depth <= item.depth {
			continue
		}
		for _, parent := range self.parents[item.version] {
			stack = append(stack, walkItem{version: parent, depth: item.depth + 1})
		}
	}
	pruned := []Version{}
	for version := range self.parents {
		if !keep[version] {
			pruned = append(pruned, version)
		}
	}
	for _, version := range pruned {
		delete(self.parents, version)
		delete(self.children, version)
	}
	// drop dangling parent edges
	for version, parents := range self.parents {
		kept := parents[:0]
		for _, parent := range parents {
			if keep[parent] {
				kept = append(kept, parent)
			}
		}
		self.parents[version] = kept
	}
	return sortVersions(pruned)
}

func (self *VersionGraph) Clone() *VersionGraph {
	clone := NewVersionGraph()
	for version, parents := range self.parents {
		clone.parents[version] = slices.Clone(parents)
	}
	clone.children = maps.Clone(self.children)
	clone.frontier = slices.Clone(self.frontier)
	return clone
}

// wire/storage form: {"child": ["parent", ...], ...}

func (self *VersionGraph) MarshalJSON() ([]byte, error) {
	out := map[string][]string{}
	for version, parents := range self.parents {
		parentStrs := make([]string, len(parents))
		for i, parent := range sortVersions(parents) {
			parentStrs[i] = parent.String()
		}
		out[version.String()] = parentStrs
	}
	return json.Marshal(out)
}

func (self *VersionGraph) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	graph := NewVersionGraph()
	graph.parents = map[Version][]Version{}
	for versionStr, parentStrs := range raw {
		version, err := ParseVersion(versionStr)
		if err != nil {
			return err
		}
		parents := make([]Version, 0, len(parentStrs))
		for _, parentStr := range parentStrs {
			parent, err := ParseVersion(parentStr)
			if err != nil {
				return err
			}
			parents = append(parents, parent)
		}
		graph.parents[version] = parents
	}
	// rebuild child counts and the frontier from the edges
	for version := range graph.parents {
		if _, ok := graph.children[version]; !ok {
			graph.children[version] = 0
		}
	}
	for _, parents := range graph.parents {
		for _, parent := range parents {
			graph.children[parent] += 1
		}
	}
	graph.frontier = []Version{}
	for version, childCount := range graph.children {
		if childCount == 0 && graph.Contains(version) {
			graph.frontier = append(graph.frontier, version)
		}
	}
	*self = *graph
	return nil
}
