package quilt

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// Each resource holds a list of subscription handles. A handle buffers a
// bounded queue of updates; when the queue fills, the queued patches are
// dropped and the handle is marked lagged. On the next drain a lagged
// handle gets a fresh snapshot rather than patches. A handle that stays
// lagged past the grace with no drain is cancelled.

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	subscriberId Id
	resourceId   string

	updates chan *Update

	stateLock  sync.Mutex
	lagged     bool
	laggedTime time.Time
}

func newSubscriber(ctx context.Context, resourceId string, queueSize int) *subscriber {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &subscriber{
		ctx:          cancelCtx,
		cancel:       cancel,
		subscriberId: NewId(),
		resourceId:   resourceId,
		updates:      make(chan *Update, queueSize),
	}
}

// offer enqueues without blocking. On a full queue the buffered updates
// are dropped and the handle goes lagged; past the grace it is cancelled.
func (self *subscriber) offer(update *Update, lagGrace time.Duration) {
	select {
	case self.updates <- update:
		return
	default:
	}

	self.stateLock.Lock()
	if !self.lagged {
		self.lagged = true
		self.laggedTime = time.Now()
		glog.Infof("[sub]%s subscriber %s lagged, dropping queue\n", self.resourceId, self.subscriberId)
	} else if lagGrace < time.Since(self.laggedTime) {
		self.stateLock.Unlock()
		glog.Infof("[sub]%s subscriber %s lagged past grace, cancelling\n", self.resourceId, self.subscriberId)
		self.cancel()
		return
	}
	self.stateLock.Unlock()

	// drop everything queued; the subscriber recovers with a snapshot
	for {
		select {
		case <-self.updates:
		default:
			return
		}
	}
}

// takeLagged consumes the lag flag. When it returns true the drain loop
// must push a full snapshot instead of queued patches.
func (self *subscriber) takeLagged() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lagged := self.lagged
	self.lagged = false
	return lagged
}

func (self *subscriber) Close() {
	self.cancel()
}

// fanout is the per-resource subscriber list. The lock is held only for
// O(1) list operations; queue sends happen outside per-subscriber.
type fanout struct {
	stateLock   sync.Mutex
	subscribers []*subscriber

	queueSize int
	lagGrace  time.Duration
}

func newFanout(queueSize int, lagGrace time.Duration) *fanout {
	return &fanout{
		subscribers: []*subscriber{},
		queueSize:   queueSize,
		lagGrace:    lagGrace,
	}
}

func (self *fanout) add(sub *subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.subscribers = append(self.subscribers, sub)
}

func (self *fanout) remove(sub *subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.subscribers, sub)
	if i < 0 {
		return
	}
	self.subscribers = slices.Delete(slices.Clone(self.subscribers), i, i+1)
}

func (self *fanout) list() []*subscriber {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.subscribers)
}

// publish delivers the update to every handle in the order the server
// serialized writes. Each subscriber gets its own clone.
func (self *fanout) publish(update *Update) {
	for _, sub := range self.list() {
		sub.offer(update.Clone(), self.lagGrace)
	}
}

func (self *fanout) count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscribers)
}
