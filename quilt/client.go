package quilt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// ChangeFunction observes the merged view of a resource after every
// applied update or optimistic change.
type ChangeFunction func(resourceUrl string, value []byte, frontier []Version, pending []PendingEntry)

// FailureFunction observes an intent that failed terminally.
type FailureFunction func(resourceUrl string, intent *Intent, err error)

type ClientSettings struct {
	// reconnect backoff
	BackoffInitial time.Duration
	BackoffFactor  int
	BackoffMax     time.Duration
	// heartbeat request cadence; 2x silence is a disconnect
	HeartbeatPeriod time.Duration
	// outbound retry budget before an intent fails terminally
	MaxRetries int
	// identical intents inside this window collapse
	DedupWindow time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		BackoffInitial:  1 * time.Second,
		BackoffFactor:   2,
		BackoffMax:      30 * time.Second,
		HeartbeatPeriod: 30 * time.Second,
		MaxRetries:      5,
		DedupWindow:     5 * time.Second,
	}
}

// SyncClient follows resources over GET-subscribe and pushes local
// intents over PUT. Engine state lives per resource; reborn discards it
// and the loop reconnects with no parents.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	agentId    string
	instanceId Id
	serverUrl  string
	root       string

	httpClient *http.Client
	registry   *MergeRegistry
	settings   *ClientSettings

	stateLock sync.Mutex
	resources map[string]*clientResource

	changeCallbacks  CallbackList[ChangeFunction]
	failureCallbacks CallbackList[FailureFunction]
}

type clientResource struct {
	resourceUrl string

	stateLock sync.Mutex
	engine    MergeEngine
	mergeType string
	// frontier after the last applied or acked update
	current []Version
	primed  bool

	// wakes waiters when a snapshot frame lands (force-sync)
	snapshotWait chan struct{}

	// cancels the in-flight subscription socket to force a reconnect
	disconnect func()

	outbox *outbox
}

func NewSyncClientWithDefaults(ctx context.Context, serverUrl string, agentId string, root string) (*SyncClient, error) {
	return NewSyncClient(ctx, serverUrl, agentId, root, NewMergeRegistryWithDefaults(), DefaultClientSettings())
}

func NewSyncClient(
	ctx context.Context,
	serverUrl string,
	agentId string,
	root string,
	registry *MergeRegistry,
	settings *ClientSettings,
) (*SyncClient, error) {
	if agentId == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	registry.Freeze()
	return &SyncClient{
		ctx:        cancelCtx,
		cancel:     cancel,
		agentId:    agentId,
		instanceId: NewId(),
		serverUrl:  strings.TrimSuffix(serverUrl, "/"),
		root:       root,
		httpClient: &http.Client{},
		registry:   registry,
		settings:   settings,
		resources:  map[string]*clientResource{},
	}, nil
}

func (self *SyncClient) Close() {
	self.cancel()
}

func (self *SyncClient) AddChangeCallback(changeCallback ChangeFunction) func() {
	return self.changeCallbacks.add(changeCallback)
}

func (self *SyncClient) AddFailureCallback(failureCallback FailureFunction) func() {
	return self.failureCallbacks.add(failureCallback)
}

func (self *SyncClient) resource(resourceUrl string, mergeType string) (*clientResource, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	resource, ok := self.resources[resourceUrl]
	if ok {
		return resource, nil
	}
	resource = &clientResource{
		resourceUrl:  resourceUrl,
		mergeType:    self.registry.Resolve(mergeType, ""),
		current:      []Version{},
		snapshotWait: make(chan struct{}),
	}
	outbox, err := newOutbox(self, resource)
	if err != nil {
		return nil, err
	}
	resource.outbox = outbox
	self.resources[resourceUrl] = resource
	go outbox.run()
	return resource, nil
}

// Follow opens the subscription loop for a resource url. It returns once
// the loop is started; frames are observed via change callbacks.
func (self *SyncClient) Follow(resourceUrl string, mergeType string) error {
	resource, err := self.resource(resourceUrl, mergeType)
	if err != nil {
		return err
	}
	go self.subscribeLoop(resource)
	return nil
}

func (self *SyncClient) subscribeLoop(resource *clientResource) {
	backoff := self.settings.BackoffInitial
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		frames, err := self.subscribeOnce(resource)
		if err != nil {
			glog.V(1).Infof("[client]%s subscribe: %s\n", resource.resourceUrl, err)
		}
		if 0 < frames {
			backoff = self.settings.BackoffInitial
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= time.Duration(self.settings.BackoffFactor)
		if self.settings.BackoffMax < backoff {
			backoff = self.settings.BackoffMax
		}
	}
}

// subscribeOnce opens one subscription and applies frames until the
// stream breaks. It returns the number of data frames applied.
func (self *SyncClient) subscribeOnce(resource *clientResource) (int, error) {
	subCtx, subCancel := context.WithCancel(self.ctx)
	defer subCancel()

	req, err := http.NewRequestWithContext(subCtx, http.MethodGet, self.serverUrl+resource.resourceUrl, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(headerSubscribe, "true")
	req.Header.Set(headerHeartbeat, fmt.Sprintf("%ds", int(self.settings.HeartbeatPeriod/time.Second)))
	// resume from the local frontier; a fresh engine sends no parents
	resource.stateLock.Lock()
	if resource.primed && 0 < len(resource.current) {
		req.Header.Set(headerParents, FormatVersionList(resource.current))
	}
	resource.disconnect = subCancel
	resource.stateLock.Unlock()

	resp, err := self.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("subscribe status %d", resp.StatusCode)
	}

	mergeType := resp.Header.Get(headerMergeType)

	// watchdog: absence of any frame for 2x the heartbeat is a disconnect
	silence := 2 * self.settings.HeartbeatPeriod
	watchdog := time.AfterFunc(silence, subCancel)
	defer watchdog.Stop()

	reader := bufio.NewReader(resp.Body)
	frames := 0
	for {
		update, err := ReadFrame(reader)
		if err != nil {
			if err == io.EOF {
				return frames, nil
			}
			return frames, err
		}
		watchdog.Reset(silence)

		if update.Heartbeat {
			continue
		}
		if update.IsReborn() {
			// drop engine state and resubscribe with no parents
			glog.Infof("[client]%s reborn, discarding state\n", resource.resourceUrl)
			resource.reborn()
			return frames, fmt.Errorf("reborn")
		}
		if update.MergeType == "" {
			update.MergeType = mergeType
		}
		if err := self.applyRemote(resource, update); err != nil {
			return frames, err
		}
		frames += 1
	}
}

func (self *SyncClient) applyRemote(resource *clientResource, update *Update) error {
	resource.stateLock.Lock()
	engine, err := self.engineFor(resource, update.MergeType)
	if err != nil {
		resource.stateLock.Unlock()
		return err
	}
	changed, err := engine.ApplyUpdate(update)
	if err != nil {
		resource.stateLock.Unlock()
		return err
	}
	resource.current = engine.Frontier()
	resource.primed = true
	if update.IsSnapshot() {
		// release force-sync waiters
		close(resource.snapshotWait)
		resource.snapshotWait = make(chan struct{})
	}
	value := engine.Value()
	frontier := slices.Clone(resource.current)
	pending := resource.outbox.pending()
	resource.stateLock.Unlock()

	if changed || update.IsSnapshot() {
		self.notifyChange(resource.resourceUrl, value, frontier, pending)
	}
	return nil
}

// engineFor lazily creates the engine; the caller holds the resource
// state lock.
func (self *SyncClient) engineFor(resource *clientResource, mergeType string) (MergeEngine, error) {
	if resource.engine != nil {
		return resource.engine, nil
	}
	name := self.registry.Resolve(mergeType, resource.mergeType)
	engine, err := self.registry.New(name, self.agentId)
	if err != nil {
		return nil, err
	}
	resource.engine = engine
	resource.mergeType = engine.MergeType()
	return engine, nil
}

func (self *clientResource) reborn() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.engine = nil
	self.current = []Version{}
	self.primed = false
}

// forceSync drops the in-flight subscription socket and blocks until the
// reopened subscription delivers a snapshot frame.
func (self *SyncClient) forceSync(resource *clientResource, timeout time.Duration) error {
	resource.stateLock.Lock()
	wait := resource.snapshotWait
	disconnect := resource.disconnect
	resource.stateLock.Unlock()

	if disconnect != nil {
		disconnect()
	}
	select {
	case <-wait:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("force sync timeout")
	case <-self.ctx.Done():
		return fmt.Errorf("client closed")
	}
}

func (self *SyncClient) notifyChange(resourceUrl string, value []byte, frontier []Version, pending []PendingEntry) {
	for _, changeCallback := range self.changeCallbacks.get() {
		func() {
			defer recover()
			changeCallback(resourceUrl, value, frontier, pending)
		}()
	}
}

func (self *SyncClient) notifyFailure(resourceUrl string, intent *Intent, err error) {
	for _, failureCallback := range self.failureCallbacks.get() {
		func() {
			defer recover()
			failureCallback(resourceUrl, intent, err)
		}()
	}
}

// View returns the merged optimistic view: the persisted engine value
// plus the pending intents.
func (self *SyncClient) View(resourceUrl string) ([]byte, []PendingEntry, error) {
	self.stateLock.Lock()
	resource, ok := self.resources[resourceUrl]
	self.stateLock.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("not following %s", resourceUrl)
	}

	resource.stateLock.Lock()
	defer resource.stateLock.Unlock()

	pending := resource.outbox.pending()
	if resource.engine == nil {
		return nil, pending, nil
	}
	return resource.outbox.mergedView(resource.engine.Value()), pending, nil
}

// SubmitText queues a text edit intent: the payload is the full new
// text; patches derive at drain time against the engine value.
func (self *SyncClient) SubmitText(resourceUrl string, newText string) (Id, error) {
	resource, err := self.resource(resourceUrl, MergeTypeText)
	if err != nil {
		return Id{}, err
	}
	return resource.outbox.submit(IntentKindText, []byte(newText))
}

// SubmitSetPatches queues set patches directly.
func (self *SyncClient) SubmitSetPatches(resourceUrl string, patches []SetPatch) (Id, error) {
	resource, err := self.resource(resourceUrl, MergeTypeSet)
	if err != nil {
		return Id{}, err
	}
	body, err := marshalSetPatches(patches)
	if err != nil {
		return Id{}, err
	}
	return resource.outbox.submit(IntentKindSet, body)
}
