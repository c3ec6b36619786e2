package quilt

import (
	"encoding/json"
	"fmt"
)

// TextMerge is the ordered-sequence text engine. The value is a run of
// Unicode scalars; patches are contiguous replacements with code point
// offsets. Concurrent edits applied serially are rebased with the offset
// log below; peers are not guaranteed byte-identical text under
// concurrency (applications that need strong convergence use set-merge).
//
// Engine states: EMPTY until the first snapshot (Seed or a state frame),
// PRIMED once seeded, LIVE while tail patches apply. A reborn discards
// the engine, returning the resource to EMPTY.
type TextMerge struct {
	agentId string
	seq     uint64

	content []rune
	graph   *VersionGraph
	primed  bool

	// ordered log of applied edits, used to rebase offsets of updates
	// whose declared parents are behind the local frontier
	applyLog []textApplyEntry
}

type textApplyEntry struct {
	version  Version
	start    int
	deleted  int
	inserted int
}

const textApplyLogMax = 4096

func NewTextMerge(agentId string) *TextMerge {
	return &TextMerge{
		agentId:  agentId,
		content:  []rune{},
		graph:    NewVersionGraph(),
		applyLog: []textApplyEntry{},
	}
}

func (self *TextMerge) MergeType() string {
	return MergeTypeText
}

func (self *TextMerge) ContentType() string {
	return "text/plain"
}

func (self *TextMerge) NextVersion() Version {
	self.seq += 1
	return NewVersion(self.agentId, self.seq)
}

func (self *TextMerge) Frontier() []Version {
	return self.graph.Frontier()
}

func (self *TextMerge) Graph() *VersionGraph {
	return self.graph
}

func (self *TextMerge) Value() []byte {
	return []byte(string(self.content))
}

func (self *TextMerge) Seed(value []byte, frontier []Version, graph *VersionGraph) {
	self.content = []rune(string(value))
	if graph != nil {
		self.graph = graph.Clone()
	} else {
		self.graph = NewVersionGraph()
		for _, version := range frontier {
			self.graph.Add(version, nil)
		}
	}
	self.primed = true
	self.applyLog = []textApplyEntry{}
	// keep the local sequence ahead of anything already minted
	for version := range self.graph.parents {
		if version.Agent == self.agentId && self.seq < version.Seq {
			self.seq = version.Seq
		}
	}
}

func (self *TextMerge) ApplyUpdate(update *Update) (bool, error) {
	if !update.Version.IsRoot() && self.graph.Contains(update.Version) {
		// already known, no-op
		return false, nil
	}

	if update.IsSnapshot() {
		return self.applySnapshot(update)
	}
	return self.applyPatches(update)
}

func (self *TextMerge) applySnapshot(update *Update) (bool, error) {
	self.content = []rune(string(update.State))
	if !update.Version.IsRoot() {
		if 0 < len(self.graph.Missing(update.Parents)) {
			// the snapshot's causal context predates this engine;
			// restart the graph at the snapshot version
			self.graph = NewVersionGraph()
			self.applyLog = []textApplyEntry{}
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

func (self *TextMerge) applyPatches(update *Update) (bool, error) {
	if update.Version.IsRoot() {
		return false, fmt.Errorf("patch update requires a version")
	}
	if missing := self.graph.Missing(update.Parents); 0 < len(missing) {
		return false, fmt.Errorf("missing parents %s", FormatVersionList(missing))
	}
	patches, err := ParseTextPatches(update.Patches)
	if err != nil {
		return false, err
	}
	if len(patches) == 0 {
		// an empty patch list is accepted and advances no version
		return false, nil
	}

	rebased := self.rebase(patches, update.Parents)

	// left to right with a running offset, as in the reference client
	offset := 0
	applied := []textApplyEntry{}
	for _, patch := range rebased {
		start := patch.Range[0] + offset
		end := patch.Range[1] + offset
		shifted := TextPatch{
			Range:   [2]int{start, end},
			Content: patch.Content,
		}
		if err := shifted.Validate(len(self.content)); err != nil {
			return false, err
		}
		inserted := []rune(patch.Content)
		next := make([]rune, 0, len(self.content)+len(inserted)-(end-start))
		next = append(next, self.content[:start]...)
		next = append(next, inserted...)
		next = append(next, self.content[end:]...)
		self.content = next
		offset += len(inserted) - (end - start)
		applied = append(applied, textApplyEntry{
			version:  update.Version,
			start:    start,
			deleted:  end - start,
			inserted: len(inserted),
		})
	}

	if err := self.graph.Add(update.Version, update.Parents); err != nil {
		return false, err
	}
	if update.Version.Agent == self.agentId && self.seq < update.Version.Seq {
		self.seq = update.Version.Seq
	}
	self.applyLog = append(self.applyLog, applied...)
	if textApplyLogMax < len(self.applyLog) {
		self.applyLog = self.applyLog[len(self.applyLog)-textApplyLogMax/2:]
	}
	return true, nil
}

// rebase shifts patch offsets over edits the update's author had not seen:
// every logged edit whose version is not covered by the declared parents
// moves the target range by its net length delta when it landed at or
// before the range start.
func (self *TextMerge) rebase(patches []TextPatch, parents []Version) []TextPatch {
	concurrent := []textApplyEntry{}
	for _, entry := range self.applyLog {
		if !self.graph.CoveredBy(entry.version, parents) {
			concurrent = append(concurrent, entry)
		}
	}
	if len(concurrent) == 0 {
		return patches
	}
	rebased := make([]TextPatch, len(patches))
	for i, patch := range patches {
		start := patch.Range[0]
		end := patch.Range[1]
		for _, entry := range concurrent {
			delta := entry.inserted - entry.deleted
			if entry.start <= start {
				start += delta
				end += delta
			} else if entry.start < end {
				end += delta
			}
		}
		if start < 0 {
			start = 0
		}
		if end < start {
			end = start
		}
		rebased[i] = TextPatch{
			Range:   [2]int{start, end},
			Content: patch.Content,
		}
	}
	return rebased
}

// DerivePatches computes the minimal contiguous replacement turning prev
// into next: common prefix and suffix are trimmed by code point and the
// middle is replaced. Equal inputs derive an empty patch list.
func (self *TextMerge) DerivePatches(prev []byte, next []byte) ([]byte, error) {
	patches := DeriveTextPatches(string(prev), string(next))
	return json.Marshal(patches)
}

func DeriveTextPatches(prev string, next string) []TextPatch {
	a := []rune(prev)
	b := []rune(next)

	if string(a) == string(b) {
		return []TextPatch{}
	}

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix += 1
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-suffix-1] == b[len(b)-suffix-1] {
		suffix += 1
	}

	return []TextPatch{
		{
			Range:   [2]int{prefix, len(a) - suffix},
			Content: string(b[prefix : len(b)-suffix]),
		},
	}
}
