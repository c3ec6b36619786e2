package quilt

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

var ErrResourceNotFound = errors.New("resource not found")

// ResourceRecord is the persistent unit: one JSON file per resource,
// written whole via temp file + rename. Text values are stored as a JSON
// string, set values as the materialized object.
type ResourceRecord struct {
	Value      json.RawMessage `json:"value"`
	MergeType  string          `json:"merge_type"`
	Frontier   []Version       `json:"frontier"`
	Graph      *VersionGraph   `json:"graph"`
	Pruned     []Version       `json:"pruned,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
}

func NewResourceRecord(mergeType string) *ResourceRecord {
	now := time.Now().UTC()
	return &ResourceRecord{
		Value:      json.RawMessage(`""`),
		MergeType:  mergeType,
		Frontier:   []Version{},
		Graph:      NewVersionGraph(),
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// ValueBytes returns the value as a wire body: the unquoted text for text
// resources, the raw JSON otherwise.
func (self *ResourceRecord) ValueBytes() []byte {
	var text string
	if err := json.Unmarshal(self.Value, &text); err == nil {
		return []byte(text)
	}
	return []byte(self.Value)
}

func (self *ResourceRecord) SetValueBytes(value []byte, contentType string) {
	if strings.HasPrefix(contentType, "application/json") {
		if json.Valid(value) {
			self.Value = json.RawMessage(slices.Clone(value))
			return
		}
	}
	quoted, _ := json.Marshal(string(value))
	self.Value = json.RawMessage(quoted)
}

type ParentValidation int

const (
	ParentsOk ParentValidation = iota
	ParentsMissing
	ParentsReborn
)

// ValidateParents checks declared parents against the record's graph.
// An empty graph with non-empty parents means the resource's history was
// reset under the client: ParentsReborn. Declared parents absent from a
// non-empty graph are ParentsMissing unless truncation pruned them.
func (self *ResourceRecord) ValidateParents(declaredParents []Version) (ParentValidation, []Version) {
	if self.Graph.Len() == 0 {
		if 0 < len(declaredParents) {
			return ParentsReborn, nil
		}
		return ParentsOk, nil
	}
	missing := []Version{}
	for _, parent := range declaredParents {
		if self.Graph.Contains(parent) {
			continue
		}
		if containsVersion(self.Pruned, parent) {
			continue
		}
		missing = append(missing, parent)
	}
	if 0 < len(missing) {
		return ParentsMissing, missing
	}
	return ParentsOk, nil
}

type ResourceStoreSettings struct {
	// graph entries whose every path to the frontier exceeds this depth
	// are pruned on append. <= 0 disables truncation.
	GraphTruncateDepth int
}

func DefaultResourceStoreSettings() *ResourceStoreSettings {
	return &ResourceStoreSettings{
		GraphTruncateDepth: 1024,
	}
}

// ResourceStore owns the per-resource records under <root>/resources.
// Writes to a single resource are serialized by the per-resource lock;
// reads observe the last fully persisted record.
type ResourceStore struct {
	root     string
	settings *ResourceStoreSettings

	stateLock sync.Mutex
	locks     map[string]*sync.Mutex
}

func NewResourceStoreWithDefaults(root string) (*ResourceStore, error) {
	return NewResourceStore(root, DefaultResourceStoreSettings())
}

func NewResourceStore(root string, settings *ResourceStoreSettings) (*ResourceStore, error) {
	resourcesDir := filepath.Join(root, "resources")
	if err := os.MkdirAll(resourcesDir, 0755); err != nil {
		return nil, fmt.Errorf("open resource store: %w", err)
	}
	return &ResourceStore{
		root:     root,
		settings: settings,
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// WriteLock acquires the resource's write lock and returns the unlock.
func (self *ResourceStore) WriteLock(resourceId string) func() {
	self.stateLock.Lock()
	lock, ok := self.locks[resourceId]
	if !ok {
		lock = &sync.Mutex{}
		self.locks[resourceId] = lock
	}
	self.stateLock.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (self *ResourceStore) recordPath(resourceId string) string {
	return filepath.Join(self.root, "resources", url.PathEscape(resourceId)+".json")
}

func (self *ResourceStore) Load(resourceId string) (*ResourceRecord, error) {
	data, err := os.ReadFile(self.recordPath(resourceId))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrResourceNotFound
		}
		return nil, err
	}
	record := &ResourceRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("corrupt resource record %s: %w", resourceId, err)
	}
	if record.Graph == nil {
		record.Graph = NewVersionGraph()
	}
	return record, nil
}

// Save persists the whole record atomically: write a temp file in the
// same directory, fsync, rename over the final path.
func (self *ResourceStore) Save(resourceId string, record *ResourceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	finalPath := self.recordPath(resourceId)
	tempFile, err := os.CreateTemp(filepath.Dir(finalPath), ".record-*")
	if err != nil {
		return err
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, finalPath)
}

// Append adds the new vertex and its edges, advances the frontier,
// rewrites the value, and persists the record. The caller holds the
// resource's write lock.
func (self *ResourceStore) Append(
	resourceId string,
	record *ResourceRecord,
	version Version,
	parents []Version,
	valueAfter []byte,
	contentType string,
	mergeType string,
) error {
	if err := record.Graph.Add(version, parents); err != nil {
		return err
	}
	if 0 < self.settings.GraphTruncateDepth {
		pruned := record.Graph.Truncate(self.settings.GraphTruncateDepth)
		if 0 < len(pruned) {
			glog.V(1).Infof("[store]%s truncated %d graph entries\n", resourceId, len(pruned))
			record.Pruned = append(record.Pruned, pruned...)
		}
	}
	record.Frontier = record.Graph.Frontier()
	record.SetValueBytes(valueAfter, contentType)
	if mergeType != "" {
		record.MergeType = mergeType
	}
	record.ModifiedAt = time.Now().UTC()
	return self.Save(resourceId, record)
}

// Reset is the administrative history reset: the graph is emptied, the
// frontier returns to ROOT, and the value stays unless replaced.
func (self *ResourceStore) Reset(resourceId string, replaceValue []byte, contentType string) (*ResourceRecord, error) {
	record, err := self.Load(resourceId)
	if err != nil {
		return nil, err
	}
	record.Graph = NewVersionGraph()
	record.Frontier = []Version{}
	record.Pruned = nil
	if replaceValue != nil {
		record.SetValueBytes(replaceValue, contentType)
	}
	record.ModifiedAt = time.Now().UTC()
	if err := self.Save(resourceId, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (self *ResourceStore) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(self.root, "resources"))
	if err != nil {
		return nil, err
	}
	resourceIds := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		resourceId, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		resourceIds = append(resourceIds, resourceId)
	}
	slices.Sort(resourceIds)
	return resourceIds, nil
}
