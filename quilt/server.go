package quilt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

// StatusReborn is the custom status for a history reset. A subscriber
// receives it as a frame; a writer with stale parents receives it as a
// response and must discard its engine state.
const StatusReborn = 309

const (
	headerVersion   = "Version"
	headerParents   = "Parents"
	headerMergeType = "Merge-Type"
	headerSubscribe = "Subscribe"
	headerPatches   = "Patches"
	headerHeartbeat = "Heartbeats"
)

type ServerSettings struct {
	// per-subscriber update queue capacity
	SubscriberQueueSize int
	// how long a subscriber may stay lagged with no drain
	LagGrace time.Duration
	// server-side heartbeat cadence when the subscriber does not ask
	HeartbeatPeriod time.Duration
	// per-agent PUT rate limit. 0 disables limiting.
	WriteRateLimit rate.Limit
	WriteRateBurst int
	// path prefix for the blob endpoints
	BlobPrefix string
	// agent id used when binding merge engines server side
	AgentId string
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		SubscriberQueueSize: 256,
		LagGrace:            60 * time.Second,
		HeartbeatPeriod:     30 * time.Second,
		WriteRateLimit:      0,
		WriteRateBurst:      16,
		BlobPrefix:          "/blob",
		AgentId:             "server",
	}
}

type serverResource struct {
	resourceId string

	// serializes the write pipeline for this resource
	writeLock sync.Mutex

	engine MergeEngine
	fanout *fanout
}

// ReplicationServer is the HTTP surface of the replication substrate:
// GET with optional subscription, PUT with parent validation, per-path
// version graphs, blob upload/download, and administrative history reset.
type ReplicationServer struct {
	store    *ResourceStore
	blobs    *BlobStore
	registry *MergeRegistry
	settings *ServerSettings

	stateLock sync.Mutex
	resources map[string]*serverResource
	limiters  map[string]*rate.Limiter
}

func NewReplicationServerWithDefaults(store *ResourceStore, blobs *BlobStore) *ReplicationServer {
	return NewReplicationServer(store, blobs, NewMergeRegistryWithDefaults(), DefaultServerSettings())
}

func NewReplicationServer(
	store *ResourceStore,
	blobs *BlobStore,
	registry *MergeRegistry,
	settings *ServerSettings,
) *ReplicationServer {
	registry.Freeze()
	return &ReplicationServer{
		store:     store,
		blobs:     blobs,
		registry:  registry,
		settings:  settings,
		resources: map[string]*serverResource{},
		limiters:  map[string]*rate.Limiter{},
	}
}

func (self *ReplicationServer) resource(resourceId string) *serverResource {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	resource, ok := self.resources[resourceId]
	if !ok {
		resource = &serverResource{
			resourceId: resourceId,
			fanout:     newFanout(self.settings.SubscriberQueueSize, self.settings.LagGrace),
		}
		self.resources[resourceId] = resource
	}
	return resource
}

func (self *ReplicationServer) limiter(agentId string) *rate.Limiter {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	limiter, ok := self.limiters[agentId]
	if !ok {
		limiter = rate.NewLimiter(self.settings.WriteRateLimit, self.settings.WriteRateBurst)
		self.limiters[agentId] = limiter
	}
	return limiter
}

func (self *ReplicationServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if self.blobs != nil && self.settings.BlobPrefix != "" {
		if path == self.settings.BlobPrefix {
			self.serveBlobPut(w, r)
			return
		}
		if strings.HasPrefix(path, self.settings.BlobPrefix+"/") {
			self.serveBlobGet(w, r, strings.TrimPrefix(path, self.settings.BlobPrefix+"/"))
			return
		}
	}

	if resourceId, ok := strings.CutSuffix(path, "/versions"); ok && r.Method == http.MethodGet && resourceId != "" {
		self.serveVersions(w, r, resourceId)
		return
	}
	if resourceId, ok := strings.CutSuffix(path, "/history"); ok && r.Method == http.MethodDelete && resourceId != "" {
		self.serveReset(w, r, resourceId)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if isWebsocketUpgrade(r) {
			self.serveSubscribeWs(w, r, path)
		} else if strings.EqualFold(r.Header.Get(headerSubscribe), "true") {
			self.serveSubscribe(w, r, path)
		} else {
			self.serveGet(w, r, path)
		}
	case http.MethodPut:
		self.servePut(w, r, path)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (self *ReplicationServer) serveGet(w http.ResponseWriter, r *http.Request, resourceId string) {
	record, err := self.store.Load(resourceId)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// a client merge-type hint on GET is ignored; the persisted engine serves
	w.Header().Set(headerVersion, FormatVersionList(record.Frontier))
	w.Header().Set(headerMergeType, record.MergeType)
	w.Header().Set("Content-Type", contentTypeForMergeType(record.MergeType))
	w.WriteHeader(http.StatusOK)
	w.Write(record.ValueBytes())
}

func (self *ReplicationServer) serveVersions(w http.ResponseWriter, r *http.Request, resourceId string) {
	record, err := self.store.Load(resourceId)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := map[string]any{
		"graph":    record.Graph,
		"frontier": record.Frontier,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type putRequest struct {
	version     Version
	parents     []Version
	mergeHint   string
	contentType string
	patches     bool
	body        []byte
}

func parsePutRequest(r *http.Request) (*putRequest, error) {
	versionValue := r.Header.Get(headerVersion)
	if versionValue == "" {
		return nil, fmt.Errorf("missing %s header", headerVersion)
	}
	versions, err := ParseVersionList(versionValue)
	if err != nil {
		return nil, err
	}
	if len(versions) != 1 {
		return nil, fmt.Errorf("%s header must name exactly one version", headerVersion)
	}
	parents, err := ParseVersionList(r.Header.Get(headerParents))
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return &putRequest{
		version:     versions[0],
		parents:     parents,
		mergeHint:   r.Header.Get(headerMergeType),
		contentType: r.Header.Get("Content-Type"),
		patches:     r.Header.Get(headerPatches) != "",
		body:        body,
	}, nil
}

// servePut runs the write pipeline: parse headers, acquire the resource
// write lock, validate parents, select or confirm the merge engine,
// apply, append, fan out.
func (self *ReplicationServer) servePut(w http.ResponseWriter, r *http.Request, resourceId string) {
	put, err := parsePutRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if put.mergeHint != "" && !self.registry.Supports(put.mergeHint) {
		http.Error(w, fmt.Sprintf("unsupported merge type %q", put.mergeHint), http.StatusUnsupportedMediaType)
		return
	}

	if 0 < self.settings.WriteRateLimit {
		if !self.limiter(put.version.Agent).Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	resource := self.resource(resourceId)
	resource.writeLock.Lock()
	defer resource.writeLock.Unlock()

	record, err := self.store.Load(resourceId)
	created := false
	if err != nil {
		if !errors.Is(err, ErrResourceNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// a write on a never-written path creates the resource
		record = NewResourceRecord(self.registry.Resolve(put.mergeHint, ""))
		created = true
	}

	mergeType := self.registry.Resolve(put.mergeHint, record.MergeType)
	if created {
		record.MergeType = mergeType
	} else if put.mergeHint != "" {
		// the hint only selects on the first interaction; a later hint
		// that disagrees with the persisted type must not switch engines
		hintCanonical, _ := self.registry.Canonical(put.mergeHint)
		persistedCanonical, _ := self.registry.Canonical(record.MergeType)
		if hintCanonical != persistedCanonical {
			http.Error(
				w,
				fmt.Sprintf("merge-type mismatch: %s vs %s", put.mergeHint, record.MergeType),
				http.StatusUnsupportedMediaType,
			)
			return
		}
	}

	validation, missing := record.ValidateParents(put.parents)
	switch validation {
	case ParentsReborn:
		w.WriteHeader(StatusReborn)
		return
	case ParentsMissing:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"missing": missing,
		})
		return
	}

	engine, err := self.engineFor(resource, record, mergeType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	update := &Update{
		Version:     put.version,
		Parents:     put.parents,
		MergeType:   engine.MergeType(),
		ContentType: put.contentType,
	}
	if put.patches {
		update.Patches = put.body
	} else {
		update.State = put.body
	}

	var changed bool
	var applyErr error
	panicked := HandleError(func() {
		changed, applyErr = engine.ApplyUpdate(update)
	})
	if panicked != nil {
		// taint only this resource: flush its subscribers with 309 and
		// replace the engine instance
		glog.Warningf("[server]%s merge engine panic, isolating resource\n", resourceId)
		self.isolateResource(resource, record)
		http.Error(w, "merge engine failure", http.StatusInternalServerError)
		return
	}
	if applyErr != nil {
		http.Error(w, applyErr.Error(), http.StatusBadRequest)
		return
	}

	if changed {
		if err := self.store.Append(
			resourceId,
			record,
			put.version,
			put.parents,
			engine.Value(),
			engine.ContentType(),
			engine.MergeType(),
		); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resource.fanout.publish(update)
		glog.V(1).Infof("[server]%s accepted %s (%d subscribers)\n", resourceId, put.version, resource.fanout.count())
	}

	w.Header().Set(headerVersion, FormatVersionList(record.Frontier))
	w.Header().Set(headerMergeType, record.MergeType)
	w.WriteHeader(http.StatusOK)
}

// engineFor returns the resource's cached engine, creating and seeding
// one from the record when absent or when the merge type changed.
func (self *ReplicationServer) engineFor(resource *serverResource, record *ResourceRecord, mergeType string) (MergeEngine, error) {
	if resource.engine != nil {
		canonical, err := self.registry.New(mergeType, self.settings.AgentId)
		if err != nil {
			return nil, err
		}
		if resource.engine.MergeType() == canonical.MergeType() {
			return resource.engine, nil
		}
	}
	engine, err := self.registry.New(mergeType, self.settings.AgentId)
	if err != nil {
		return nil, err
	}
	engine.Seed(record.ValueBytes(), record.Frontier, record.Graph)
	resource.engine = engine
	return engine, nil
}

func (self *ReplicationServer) isolateResource(resource *serverResource, record *ResourceRecord) {
	resource.engine = nil
	resource.fanout.publish(&Update{
		Status: StatusReborn,
	})
	resource.fanout.publish(snapshotUpdate(record))
}

func snapshotUpdate(record *ResourceRecord) *Update {
	update := &Update{
		Parents:     []Version{},
		MergeType:   record.MergeType,
		ContentType: contentTypeForMergeType(record.MergeType),
		State:       record.ValueBytes(),
	}
	if len(record.Frontier) == 1 {
		update.Version = record.Frontier[0]
		if parents, ok := record.Graph.Parents(record.Frontier[0]); ok {
			update.Parents = parents
		}
	} else if 0 < len(record.Frontier) {
		// a multi-member frontier snapshot names the highest member and
		// carries the rest as parents so the client graph stays connected
		sorted := sortVersions(record.Frontier)
		update.Version = sorted[len(sorted)-1]
		update.Parents = sorted[:len(sorted)-1]
	}
	return update
}

func contentTypeForMergeType(mergeType string) string {
	switch mergeType {
	case MergeTypeSet:
		return "application/json"
	default:
		return "text/plain"
	}
}

// serveSubscribe streams the snapshot then tail updates as framed chunks
// until the client disconnects. Heartbeat frames keep the stream warm.
func (self *ReplicationServer) serveSubscribe(w http.ResponseWriter, r *http.Request, resourceId string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	record, err := self.store.Load(resourceId)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	heartbeatPeriod := self.settings.HeartbeatPeriod
	if headerValue := r.Header.Get(headerHeartbeat); headerValue != "" {
		if parsed, err := parseHeartbeatPeriod(headerValue); err == nil {
			heartbeatPeriod = parsed
		}
	}

	resource := self.resource(resourceId)
	sub := newSubscriber(r.Context(), resourceId, self.settings.SubscriberQueueSize)
	resource.fanout.add(sub)
	defer func() {
		resource.fanout.remove(sub)
		sub.Close()
	}()

	w.Header().Set(headerSubscribe, "true")
	w.Header().Set(headerMergeType, record.MergeType)
	w.Header().Set("Content-Type", contentTypeForMergeType(record.MergeType))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	// first frame after connect carries the full state
	if err := WriteFrame(w, snapshotUpdate(record)); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-r.Context().Done():
			return
		case update := <-sub.updates:
			if sub.takeLagged() {
				// recover a lagged subscriber with a fresh snapshot
				record, err := self.store.Load(resourceId)
				if err != nil {
					return
				}
				if err := WriteFrame(w, snapshotUpdate(record)); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
			if err := WriteFrame(w, update); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := WriteFrame(w, &Update{Heartbeat: true}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// serveReset is the administrative history reset: the graph is emptied,
// the frontier returns to ROOT, and every subscriber sees a 309 frame
// before the next snapshot. A non-empty request body replaces the value;
// an empty body keeps it.
func (self *ReplicationServer) serveReset(w http.ResponseWriter, r *http.Request, resourceId string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var replaceValue []byte
	if 0 < len(body) {
		replaceValue = body
	}

	resource := self.resource(resourceId)
	resource.writeLock.Lock()
	defer resource.writeLock.Unlock()

	record, err := self.store.Reset(resourceId, replaceValue, r.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resource.engine = nil
	glog.Infof("[server]%s reborn (%d subscribers)\n", resourceId, resource.fanout.count())

	resource.fanout.publish(&Update{
		Status: StatusReborn,
	})
	resource.fanout.publish(snapshotUpdate(record))
	w.WriteHeader(http.StatusOK)
}

func (self *ReplicationServer) serveBlobPut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hash, err := self.blobs.Put(data, r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"hash": hash,
	})
}

func (self *ReplicationServer) serveBlobGet(w http.ResponseWriter, r *http.Request, hash string) {
	switch r.Method {
	case http.MethodHead:
		meta, err := self.blobs.Head(hash)
		if err != nil {
			if errors.Is(err, ErrBlobNotFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", meta.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, contentType, err := self.blobs.Get(hash)
		if err != nil {
			if errors.Is(err, ErrBlobNotFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// parseHeartbeatPeriod accepts "30s", "30000ms", or bare seconds.
func parseHeartbeatPeriod(headerValue string) (time.Duration, error) {
	headerValue = strings.TrimSpace(headerValue)
	if msStr, ok := strings.CutSuffix(headerValue, "ms"); ok {
		ms, err := strconv.Atoi(msStr)
		if err != nil || ms <= 0 {
			return 0, fmt.Errorf("malformed heartbeat %q", headerValue)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	secondsStr := strings.TrimSuffix(headerValue, "s")
	seconds, err := strconv.Atoi(secondsStr)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("malformed heartbeat %q", headerValue)
	}
	return time.Duration(seconds) * time.Second, nil
}
