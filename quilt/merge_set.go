package quilt

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SetMerge is the set/map reconciliation engine (the antimatter variant).
// The value is a JSON object whose leaves are sets of immutable elements
// keyed by stable id. add and remove commute per element under a
// last-write-wins tiebreak on (timestamp, agent) carried in the element;
// this is a true CRDT: every peer converges to the same value.
//
// An edit is add(new_revision) with revision_parents naming the prior
// revision; the effective view flattens each revision chain to its
// frontier revision.
type SetMerge struct {
	agentId string
	seq     uint64

	graph  *VersionGraph
	primed bool

	// path (joined) -> set
	sets map[string]*lwwSet
}

type lwwSet struct {
	path     []string
	elements map[string]*setElement
	// tombstones for removed element ids
	removed map[string]lwwStamp
}

type setElement struct {
	id              string
	stamp           lwwStamp
	revisionParents []string
	raw             json.RawMessage
}

type lwwStamp struct {
	timestamp int64
	agent     string
}

func (self lwwStamp) before(other lwwStamp) bool {
	if self.timestamp != other.timestamp {
		return self.timestamp < other.timestamp
	}
	return self.agent < other.agent
}

const setPathSep = "\x1f"

func NewSetMerge(agentId string) *SetMerge {
	return &SetMerge{
		agentId: agentId,
		graph:   NewVersionGraph(),
		sets:    map[string]*lwwSet{},
	}
}

func (self *SetMerge) MergeType() string {
	return MergeTypeSet
}

func (self *SetMerge) ContentType() string {
	return "application/json"
}

func (self *SetMerge) NextVersion() Version {
	self.seq += 1
	return NewVersion(self.agentId, self.seq)
}

func (self *SetMerge) Frontier() []Version {
	return self.graph.Frontier()
}

func (self *SetMerge) Graph() *VersionGraph {
	return self.graph
}

func (self *SetMerge) set(path []string) *lwwSet {
	key := strings.Join(path, setPathSep)
	set, ok := self.sets[key]
	if !ok {
		set = &lwwSet{
			path:     slices.Clone(path),
			elements: map[string]*setElement{},
			removed:  map[string]lwwStamp{},
		}
		self.sets[key] = set
	}
	return set
}

type elementMeta struct {
	Id              string   `json:"id"`
	Timestamp       int64    `json:"timestamp"`
	Agent           string   `json:"agent"`
	RevisionParents []string `json:"revision_parents,omitempty"`
}

func parseElement(raw json.RawMessage) (*setElement, error) {
	var meta elementMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("malformed set element: %w", err)
	}
	if meta.Id == "" {
		return nil, fmt.Errorf("set element missing id")
	}
	return &setElement{
		id: meta.Id,
		stamp: lwwStamp{
			timestamp: meta.Timestamp,
			agent:     meta.Agent,
		},
		revisionParents: meta.RevisionParents,
		raw:             raw,
	}, nil
}

func (self *SetMerge) ApplyUpdate(update *Update) (bool, error) {
	if !update.Version.IsRoot() && self.graph.Contains(update.Version) {
		return false, nil
	}

	if update.IsSnapshot() {
		return self.applySnapshot(update)
	}
	return self.applyPatches(update)
}

func (self *SetMerge) applySnapshot(update *Update) (bool, error) {
	sets := map[string]*lwwSet{}
	if 0 < len(update.State) {
		var value map[string]any
		if err := json.Unmarshal(update.State, &value); err != nil {
			return false, fmt.Errorf("malformed set snapshot: %w", err)
		}
		if err := ingestSnapshotValue(sets, []string{}, value); err != nil {
			return false, err
		}
	}
	self.sets = sets
	if !update.Version.IsRoot() {
		if 0 < len(self.graph.Missing(update.Parents)) {
			self.graph = NewVersionGraph()
			self.graph.Add(update.Version, nil)
		} else {
			if err := self.graph.Add(update.Version, update.Parents); err != nil {
				return false, err
			}
		}
		if update.Version.Agent == self.agentId && self.seq < update.Version.Seq {
			self.seq = update.Version.Seq
		}
	}
	self.primed = true
	return true, nil
}

// A snapshot leaf is a set when every child is an object carrying an "id"
// equal to its key. Anything else recurses as a nested map.
func ingestSnapshotValue(sets map[string]*lwwSet, path []string, value map[string]any) error {
	if isSetLeaf(value) {
		set := &lwwSet{
			path:     slices.Clone(path),
			elements: map[string]*setElement{},
			removed:  map[string]lwwStamp{},
		}
		for id, child := range value {
			raw, err := json.Marshal(child)
			if err != nil {
				return err
			}
			element, err := parseElement(raw)
			if err != nil {
				return err
			}
			if element.id != id {
				return fmt.Errorf("set element id %q under key %q", element.id, id)
			}
			set.elements[id] = element
		}
		sets[strings.Join(path, setPathSep)] = set
		return nil
	}
	for key, child := range value {
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("set snapshot value at %v is not an object", append(slices.Clone(path), key))
		}
		if err := ingestSnapshotValue(sets, append(slices.Clone(path), key), childMap); err != nil {
			return err
		}
	}
	return nil
}

func isSetLeaf(value map[string]any) bool {
	if len(value) == 0 {
		return false
	}
	for key, child := range value {
		childMap, ok := child.(map[string]any)
		if !ok {
			return false
		}
		id, ok := childMap["id"].(string)
		if !ok || id != key {
			return false
		}
	}
	return true
}

func (self *SetMerge) applyPatches(update *Update) (bool, error) {
	if update.Version.IsRoot() {
		return false, fmt.Errorf("patch update requires a version")
	}
	if missing := self.graph.Missing(update.Parents); 0 < len(missing) {
		return false, fmt.Errorf("missing parents %s", FormatVersionList(missing))
	}
	patches, err := ParseSetPatches(update.Patches)
	if err != nil {
		return false, err
	}
	if len(patches) == 0 {
		// an empty patch list is accepted and advances no version
		return false, nil
	}
	for _, patch := range patches {
		element, err := parseElement(patch.Element)
		if err != nil {
			return false, err
		}
		set := self.set(patch.Path)
		switch patch.Op {
		case SetOpAdd:
			set.add(element)
		case SetOpRemove:
			set.remove(element)
		}
	}
	if err := self.graph.Add(update.Version, update.Parents); err != nil {
		return false, err
	}
	if update.Version.Agent == self.agentId && self.seq < update.Version.Seq {
		self.seq = update.Version.Seq
	}
	self.primed = true
	return true, nil
}

// add is idempotent and loses to a concurrent remove with a higher stamp.
func (self *lwwSet) add(element *setElement) {
	if removedStamp, ok := self.removed[element.id]; ok {
		if element.stamp.before(removedStamp) || element.stamp == removedStamp {
			return
		}
		delete(self.removed, element.id)
	}
	if existing, ok := self.elements[element.id]; ok {
		if element.stamp.before(existing.stamp) {
			return
		}
	}
	self.elements[element.id] = element
}

// remove of an absent element records only the tombstone.
func (self *lwwSet) remove(element *setElement) {
	if existing, ok := self.elements[element.id]; ok {
		if element.stamp.before(existing.stamp) {
			return
		}
		delete(self.elements, element.id)
	}
	if removedStamp, ok := self.removed[element.id]; ok && element.stamp.before(removedStamp) {
		return
	}
	self.removed[element.id] = element.stamp
}

// Value materializes the effective view: nested maps with each revision
// chain flattened to its frontier revision, keyed by the chain root id.
func (self *SetMerge) Value() []byte {
	root := map[string]any{}
	for _, set := range self.sets {
		effective := set.effectiveElements()
		if len(effective) == 0 && len(set.path) != 0 {
			continue
		}
		leaf := root
		for _, key := range set.path {
			child, ok := leaf[key].(map[string]any)
			if !ok {
				child = map[string]any{}
				leaf[key] = child
			}
			leaf = child
		}
		for id, element := range effective {
			var value any
			json.Unmarshal(element.raw, &value)
			leaf[id] = value
		}
	}
	out, _ := json.Marshal(root)
	return out
}

// effectiveElements groups live elements into revision chains and keeps
// the frontier revision of each chain, keyed by the chain root id. A
// chain frontier with concurrent revisions resolves by the higher stamp.
func (self *lwwSet) effectiveElements() map[string]*setElement {
	// ids referenced as a revision parent by a live element
	superseded := map[string]bool{}
	for _, element := range self.elements {
		for _, parentId := range element.revisionParents {
			superseded[parentId] = true
		}
	}
	winners := map[string]*setElement{}
	for _, element := range self.elements {
		if superseded[element.id] {
			continue
		}
		rootId := self.chainRoot(element)
		if existing, ok := winners[rootId]; ok && element.stamp.before(existing.stamp) {
			continue
		}
		winners[rootId] = element
	}
	return winners
}

func (self *lwwSet) chainRoot(element *setElement) string {
	seen := map[string]bool{}
	current := element
	for len(current.revisionParents) != 0 {
		parentId := current.revisionParents[0]
		if seen[parentId] {
			break
		}
		seen[parentId] = true
		parent, ok := self.elements[parentId]
		if !ok {
			// the prior revision is gone; the chain roots at its id
			return parentId
		}
		current = parent
	}
	return current.id
}

func (self *SetMerge) Seed(value []byte, frontier []Version, graph *VersionGraph) {
	sets := map[string]*lwwSet{}
	if 0 < len(value) {
		var parsed map[string]any
		if err := json.Unmarshal(value, &parsed); err == nil {
			ingestSnapshotValue(sets, []string{}, parsed)
		}
	}
	self.sets = sets
	if graph != nil {
		self.graph = graph.Clone()
	} else {
		self.graph = NewVersionGraph()
		for _, version := range frontier {
			self.graph.Add(version, nil)
		}
	}
	self.primed = true
	for version := range self.graph.parents {
		if version.Agent == self.agentId && self.seq < version.Seq {
			self.seq = version.Seq
		}
	}
}

// DerivePatches diffs two effective views: elements present only in next
// become adds, elements present only in prev become removes.
func (self *SetMerge) DerivePatches(prev []byte, next []byte) ([]byte, error) {
	prevSets := map[string]*lwwSet{}
	nextSets := map[string]*lwwSet{}
	if 0 < len(prev) {
		var value map[string]any
		if err := json.Unmarshal(prev, &value); err != nil {
			return nil, fmt.Errorf("malformed previous value: %w", err)
		}
		if err := ingestSnapshotValue(prevSets, []string{}, value); err != nil {
			return nil, err
		}
	}
	if 0 < len(next) {
		var value map[string]any
		if err := json.Unmarshal(next, &value); err != nil {
			return nil, fmt.Errorf("malformed next value: %w", err)
		}
		if err := ingestSnapshotValue(nextSets, []string{}, value); err != nil {
			return nil, err
		}
	}

	patches := []SetPatch{}
	keys := maps.Keys(nextSets)
	for _, key := range maps.Keys(prevSets) {
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		prevSet := prevSets[key]
		nextSet := nextSets[key]
		var path []string
		if nextSet != nil {
			path = nextSet.path
		} else {
			path = prevSet.path
		}
		if nextSet != nil {
			for _, id := range sortedElementIds(nextSet) {
				element := nextSet.elements[id]
				if prevSet != nil {
					if existing, ok := prevSet.elements[id]; ok && string(existing.raw) == string(element.raw) {
						continue
					}
				}
				patches = append(patches, SetPatch{
					Op:      SetOpAdd,
					Path:    path,
					Element: element.raw,
				})
			}
		}
		if prevSet != nil {
			for _, id := range sortedElementIds(prevSet) {
				element := prevSet.elements[id]
				if nextSet != nil {
					if _, ok := nextSet.elements[id]; ok {
						continue
					}
				}
				patches = append(patches, SetPatch{
					Op:      SetOpRemove,
					Path:    path,
					Element: element.raw,
				})
			}
		}
	}
	return json.Marshal(patches)
}

func sortedElementIds(set *lwwSet) []string {
	ids := maps.Keys(set.elements)
	slices.Sort(ids)
	return ids
}
