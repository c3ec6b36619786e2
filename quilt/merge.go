package quilt

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

const (
	MergeTypeText = "text-merge"
	MergeTypeSet  = "set-merge"

	// transitional names still accepted on the wire
	MergeTypeAliasSimpleton  = "simpleton"
	MergeTypeAliasAntimatter = "antimatter"
)

const DefaultMergeType = MergeTypeText

// MergeEngine is the method set shared by the merge implementations.
// Engines are synchronous on their snapshot: no engine method blocks.
// The resource store owns persistence; an engine instance is bound to one
// resource and one agent.
type MergeEngine interface {
	// ApplyUpdate ingests a snapshot or patch update. Re-applying an
	// already-known version is a no-op and returns changed=false.
	ApplyUpdate(update *Update) (changed bool, err error)
	// DerivePatches computes a patch body that transforms prev into next.
	DerivePatches(prev []byte, next []byte) ([]byte, error)
	// NextVersion increments and returns the agent's local sequence.
	NextVersion() Version
	Frontier() []Version
	Graph() *VersionGraph
	// Value returns the current materialized value as a wire body.
	Value() []byte
	// Seed primes the engine from a persisted record without minting
	// graph entries, moving the engine from EMPTY to PRIMED.
	Seed(value []byte, frontier []Version, graph *VersionGraph)
	MergeType() string
	ContentType() string
}

// MergeFactory creates a fresh engine bound to agentId.
type MergeFactory func(agentId string) MergeEngine

// MergeRegistry is the process-wide name -> factory table. It is
// write-once during startup and read-only thereafter; Register after
// Freeze panics. The alias table is configuration: nothing outside the
// registry knows which engine owns which name.
type MergeRegistry struct {
	stateLock sync.Mutex
	factories map[string]MergeFactory
	canonical map[string]string
	frozen    bool
}

func NewMergeRegistry() *MergeRegistry {
	return &MergeRegistry{
		factories: map[string]MergeFactory{},
		canonical: map[string]string{},
	}
}

// NewMergeRegistryWithDefaults registers the standard engines and their
// compatibility aliases.
func NewMergeRegistryWithDefaults() *MergeRegistry {
	registry := NewMergeRegistry()
	registry.Register(MergeTypeText, func(agentId string) MergeEngine {
		return NewTextMerge(agentId)
	})
	registry.Register(MergeTypeSet, func(agentId string) MergeEngine {
		return NewSetMerge(agentId)
	})
	registry.Alias(MergeTypeAliasSimpleton, MergeTypeText)
	registry.Alias(MergeTypeAliasAntimatter, MergeTypeSet)
	return registry
}

func (self *MergeRegistry) Register(name string, factory MergeFactory) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.frozen {
		panic(fmt.Errorf("merge registry is frozen"))
	}
	self.factories[name] = factory
	self.canonical[name] = name
}

func (self *MergeRegistry) Alias(alias string, name string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.frozen {
		panic(fmt.Errorf("merge registry is frozen"))
	}
	factory, ok := self.factories[name]
	if !ok {
		panic(fmt.Errorf("alias %q for unregistered merge type %q", alias, name))
	}
	self.factories[alias] = factory
	self.canonical[alias] = self.canonical[name]
}

func (self *MergeRegistry) Freeze() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.frozen = true
}

func (self *MergeRegistry) Supports(name string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.factories[name]
	return ok
}

func (self *MergeRegistry) Names() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.factories)
}

// New creates an engine for name. The engine reports its canonical merge
// type, not the alias it was requested under.
func (self *MergeRegistry) New(name string, agentId string) (MergeEngine, error) {
	self.stateLock.Lock()
	factory, ok := self.factories[name]
	self.stateLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("unsupported merge type %q", name)
	}
	return factory(agentId), nil
}

// Canonical maps a name or alias to the canonical merge type it was
// registered under.
func (self *MergeRegistry) Canonical(name string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	canonical, ok := self.canonical[name]
	return canonical, ok
}

// Resolve selects the effective merge type. The persisted name wins once
// the resource is established; an explicit hint applies only on the
// first interaction, then the default.
func (self *MergeRegistry) Resolve(hint string, persisted string) string {
	if persisted != "" {
		return persisted
	}
	if hint != "" {
		return hint
	}
	return DefaultMergeType
}
