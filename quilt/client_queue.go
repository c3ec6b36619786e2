package quilt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/slices"
)

const (
	IntentKindText = "text"
	IntentKindSet  = "set"
)

// Intent is one application operation waiting in the outbound queue.
// Text intents carry the full new text (patches derive at drain time);
// set intents carry their patches directly.
type Intent struct {
	IntentId   uuid.UUID `json:"intent_id"`
	Kind       string    `json:"kind"`
	Payload    []byte    `json:"payload"`
	SubmitTime time.Time `json:"submit_time"`

	// assigned on the first send attempt and kept across retries
	AssignedVersion Version `json:"assigned_version,omitempty"`

	sequenceNumber uint64
	heapIndex      int
	attempts       int
}

// orderedQueueItem

func (self *Intent) ItemId() Id {
	return Id(self.IntentId)
}

func (self *Intent) SequenceNumber() uint64 {
	return self.sequenceNumber
}

func (self *Intent) HeapIndex() int {
	return self.heapIndex
}

func (self *Intent) SetHeapIndex(heapIndex int) {
	self.heapIndex = heapIndex
}

// PendingEntry is the optimistic marker surfaced to the application for
// an unacked intent.
type PendingEntry struct {
	IntentId   Id        `json:"intent_id"`
	Kind       string    `json:"kind"`
	Payload    []byte    `json:"payload"`
	SubmitTime time.Time `json:"submit_time"`
	Pending    bool      `json:"_pending"`
}

// outbox drains one resource's intents: derive patches, assign a
// version, PUT, and walk the 409/309/retry ladder. Single producer
// (the application), single consumer (the drain loop).
type outbox struct {
	client   *SyncClient
	resource *clientResource

	queue *orderedQueue[*Intent]
	dedup *ttlcache.Cache[string, Id]

	nextSequence uint64
	durablePath  string
}

func newOutbox(client *SyncClient, resource *clientResource) (*outbox, error) {
	dedup := ttlcache.New[string, Id](
		ttlcache.WithTTL[string, Id](client.settings.DedupWindow),
	)
	go dedup.Start()

	self := &outbox{
		client:   client,
		resource: resource,
		queue: newOrderedQueue[*Intent](func(a *Intent, b *Intent) int {
			return int(a.sequenceNumber) - int(b.sequenceNumber)
		}),
		dedup: dedup,
	}
	if client.root != "" {
		outboxDir := filepath.Join(client.root, "outbox")
		if err := os.MkdirAll(outboxDir, 0755); err != nil {
			return nil, err
		}
		self.durablePath = filepath.Join(outboxDir, url.PathEscape(resource.resourceUrl)+".json")
		if err := self.load(); err != nil {
			return nil, err
		}
	}
	return self, nil
}

func (self *outbox) load() error {
	data, err := os.ReadFile(self.durablePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	intents := []*Intent{}
	if err := json.Unmarshal(data, &intents); err != nil {
		return fmt.Errorf("corrupt outbox %s: %w", self.durablePath, err)
	}
	for _, intent := range intents {
		intent.sequenceNumber = self.nextSequence
		self.nextSequence += 1
		self.queue.Add(intent)
	}
	return nil
}

func (self *outbox) persist() {
	if self.durablePath == "" {
		return
	}
	data, err := json.Marshal(self.queue.List())
	if err != nil {
		return
	}
	tempPath := self.durablePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return
	}
	os.Rename(tempPath, self.durablePath)
}

// submit enqueues an intent. Identical intents inside the dedup window
// collapse into the existing queue entry.
func (self *outbox) submit(kind string, payload []byte) (Id, error) {
	dedupKey := kind + "\x00" + string(payload)
	if item := self.dedup.Get(dedupKey); item != nil {
		if self.queue.ContainsItemId(item.Value()) {
			return item.Value(), nil
		}
	}

	intent := &Intent{
		IntentId:   uuid.New(),
		Kind:       kind,
		Payload:    slices.Clone(payload),
		SubmitTime: time.Now().UTC(),
		attempts:   0,
	}
	self.resource.stateLock.Lock()
	intent.sequenceNumber = self.nextSequence
	self.nextSequence += 1
	self.resource.stateLock.Unlock()

	self.dedup.Set(dedupKey, intent.ItemId(), ttlcache.DefaultTTL)
	self.queue.Add(intent)
	self.persist()
	return intent.ItemId(), nil
}

func (self *outbox) pending() []PendingEntry {
	entries := []PendingEntry{}
	for _, intent := range self.queue.List() {
		entries = append(entries, PendingEntry{
			IntentId:   intent.ItemId(),
			Kind:       intent.Kind,
			Payload:    intent.Payload,
			SubmitTime: intent.SubmitTime,
			Pending:    true,
		})
	}
	slices.SortFunc(entries, func(a PendingEntry, b PendingEntry) int {
		return a.SubmitTime.Compare(b.SubmitTime)
	})
	return entries
}

// mergedView overlays the pending intents on the persisted value. Text
// intents replace the text outright; set intents apply with a _pending
// marker. The persisted state is never mutated from the optimistic path.
func (self *outbox) mergedView(base []byte) []byte {
	intents := self.queue.List()
	if len(intents) == 0 {
		return base
	}
	view := slices.Clone(base)
	for _, intent := range intents {
		switch intent.Kind {
		case IntentKindText:
			view = slices.Clone(intent.Payload)
		case IntentKindSet:
			view = overlaySetPatches(view, intent.Payload)
		}
	}
	return view
}

func overlaySetPatches(base []byte, patchBody []byte) []byte {
	patches, err := ParseSetPatches(patchBody)
	if err != nil {
		return base
	}
	var value map[string]any
	if len(base) == 0 || json.Unmarshal(base, &value) != nil {
		value = map[string]any{}
	}
	if value == nil {
		value = map[string]any{}
	}
	for _, patch := range patches {
		element, err := parseElement(patch.Element)
		if err != nil {
			continue
		}
		leaf := value
		for _, key := range patch.Path {
			child, ok := leaf[key].(map[string]any)
			if !ok {
				child = map[string]any{}
				leaf[key] = child
			}
			leaf = child
		}
		switch patch.Op {
		case SetOpAdd:
			var elementValue map[string]any
			if json.Unmarshal(patch.Element, &elementValue) != nil {
				continue
			}
			elementValue["_pending"] = true
			leaf[element.id] = elementValue
		case SetOpRemove:
			delete(leaf, element.id)
		}
	}
	out, err := json.Marshal(value)
	if err != nil {
		return base
	}
	return out
}

func (self *outbox) run() {
	for {
		select {
		case <-self.client.ctx.Done():
			self.dedup.Stop()
			return
		case <-self.queue.Notify():
		}
		for {
			intent, ok := self.queue.PeekFirst()
			if !ok {
				break
			}
			self.drain(intent)
			self.queue.RemoveByItemId(intent.ItemId())
			self.persist()
		}
	}
}

// drain walks one intent through the outbound ladder: 200 acks, 409
// forces a sync and retries, 309 rebuilds against the fresh frontier,
// 5xx and network errors back off until the retry budget runs out.
func (self *outbox) drain(intent *Intent) {
	backoff := self.client.settings.BackoffInitial
	for {
		select {
		case <-self.client.ctx.Done():
			return
		default:
		}

		status, err := self.attempt(intent)
		switch {
		case err == nil && status == http.StatusOK:
			return
		case status == http.StatusConflict:
			// missing parents: force sync, then retry with new parents
			glog.V(1).Infof("[client]%s intent %s conflict, forcing sync\n", self.resource.resourceUrl, intent.ItemId())
			self.client.forceSync(self.resource, self.client.settings.BackoffMax)
		case status == StatusReborn:
			// discard state and the intent's declared parents
			glog.Infof("[client]%s intent %s reborn\n", self.resource.resourceUrl, intent.ItemId())
			self.resource.reborn()
			self.client.forceSync(self.resource, self.client.settings.BackoffMax)
		case status == http.StatusBadRequest || status == http.StatusUnsupportedMediaType:
			self.fail(intent, fmt.Errorf("terminal status %d", status))
			return
		default:
			intent.attempts += 1
			if self.client.settings.MaxRetries <= intent.attempts {
				if err == nil {
					err = fmt.Errorf("status %d", status)
				}
				self.fail(intent, err)
				return
			}
			select {
			case <-self.client.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= time.Duration(self.client.settings.BackoffFactor)
			if self.client.settings.BackoffMax < backoff {
				backoff = self.client.settings.BackoffMax
			}
		}
	}
}

// attempt performs one PUT. It returns the response status, or 0 with an
// error for network failures.
func (self *outbox) attempt(intent *Intent) (int, error) {
	resource := self.resource
	resource.stateLock.Lock()
	engine, err := self.client.engineFor(resource, mergeTypeForIntentKind(intent.Kind))
	if err != nil {
		resource.stateLock.Unlock()
		return 0, err
	}

	var patchBody []byte
	switch intent.Kind {
	case IntentKindText:
		patchBody, err = engine.DerivePatches(engine.Value(), intent.Payload)
		if err != nil {
			resource.stateLock.Unlock()
			return 0, err
		}
		if patches, err := ParseTextPatches(patchBody); err == nil && len(patches) == 0 {
			// nothing to send
			resource.stateLock.Unlock()
			return http.StatusOK, nil
		}
	case IntentKindSet:
		patchBody = intent.Payload
	default:
		resource.stateLock.Unlock()
		return 0, fmt.Errorf("unknown intent kind %q", intent.Kind)
	}

	if intent.AssignedVersion.IsRoot() {
		intent.AssignedVersion = engine.NextVersion()
	}
	version := intent.AssignedVersion
	parents := slices.Clone(resource.current)
	resource.stateLock.Unlock()

	req, err := http.NewRequestWithContext(
		self.client.ctx,
		http.MethodPut,
		self.client.serverUrl+resource.resourceUrl,
		bytes.NewReader(patchBody),
	)
	if err != nil {
		return 0, err
	}
	req.Header.Set(headerVersion, version.String())
	req.Header.Set(headerParents, FormatVersionList(parents))
	req.Header.Set(headerMergeType, mergeTypeForIntentKind(intent.Kind))
	req.Header.Set(headerPatches, fmt.Sprintf("%d", countJsonArray(patchBody)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := self.client.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		// advance local state with our own accepted update
		update := &Update{
			Version:   version,
			Parents:   parents,
			MergeType: mergeTypeForIntentKind(intent.Kind),
			Patches:   patchBody,
		}
		resource.stateLock.Lock()
		if _, err := engine.ApplyUpdate(update); err == nil {
			resource.current = engine.Frontier()
			resource.primed = true
		}
		value := engine.Value()
		frontier := slices.Clone(resource.current)
		resource.stateLock.Unlock()

		self.client.notifyChange(resource.resourceUrl, value, frontier, self.pendingWithout(intent.ItemId()))
	}
	return resp.StatusCode, nil
}

func (self *outbox) pendingWithout(intentId Id) []PendingEntry {
	entries := []PendingEntry{}
	for _, entry := range self.pending() {
		if entry.IntentId != intentId {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (self *outbox) fail(intent *Intent, err error) {
	glog.Infof("[client]%s intent %s failed: %s\n", self.resource.resourceUrl, intent.ItemId(), err)
	self.client.notifyFailure(self.resource.resourceUrl, intent, err)
}

func mergeTypeForIntentKind(kind string) string {
	switch kind {
	case IntentKindSet:
		return MergeTypeSet
	default:
		return MergeTypeText
	}
}

func marshalSetPatches(patches []SetPatch) ([]byte, error) {
	return json.Marshal(patches)
}
