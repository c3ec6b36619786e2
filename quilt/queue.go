package quilt

import (
	"container/heap"
	"sync"
)

type orderedQueueItem interface {
	ItemId() Id
	SequenceNumber() uint64
	HeapIndex() int
	SetHeapIndex(int)
}

type OrderedQueueCmpFunction[T orderedQueueItem] func(a T, b T) int

// ordered by cmp, with O(1) lookup by item id. Single producer, single
// consumer per resource; the notify channel wakes the consumer.
type orderedQueue[T orderedQueueItem] struct {
	orderedItems []T
	itemIdItems  map[Id]T
	stateLock    sync.Mutex
	notify       chan struct{}

	cmp OrderedQueueCmpFunction[T]
}

func newOrderedQueue[T orderedQueueItem](cmp OrderedQueueCmpFunction[T]) *orderedQueue[T] {
	orderedQueue := &orderedQueue[T]{
		orderedItems: []T{},
		itemIdItems:  map[Id]T{},
		notify:       make(chan struct{}, 1),
		cmp:          cmp,
	}
	heap.Init(orderedQueue)
	return orderedQueue
}

func (self *orderedQueue[T]) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *orderedQueue[T]) Add(item T) {
	self.stateLock.Lock()
	self.itemIdItems[item.ItemId()] = item
	heap.Push(self, item)
	self.stateLock.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *orderedQueue[T]) ContainsItemId(itemId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.itemIdItems[itemId]
	return ok
}

func (self *orderedQueue[T]) RemoveByItemId(itemId Id) (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.itemIdItems[itemId]
	if !ok {
		var empty T
		return empty, false
	}
	delete(self.itemIdItems, itemId)
	heap.Remove(self, item.HeapIndex())
	return item, true
}

func (self *orderedQueue[T]) RemoveFirst() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty, false
	}
	item := heap.Remove(self, 0).(T)
	delete(self.itemIdItems, item.ItemId())
	return item, true
}

func (self *orderedQueue[T]) PeekFirst() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty, false
	}
	return self.orderedItems[0], true
}

func (self *orderedQueue[T]) List() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]T, len(self.orderedItems))
	copy(items, self.orderedItems)
	return items
}

// Notify returns the consumer wake channel.
func (self *orderedQueue[T]) Notify() <-chan struct{} {
	return self.notify
}

// heap.Interface (the state lock is held by callers above)

func (self *orderedQueue[T]) Len() int {
	return len(self.orderedItems)
}

func (self *orderedQueue[T]) Less(i int, j int) bool {
	return self.cmp(self.orderedItems[i], self.orderedItems[j]) < 0
}

func (self *orderedQueue[T]) Swap(i int, j int) {
	self.orderedItems[i], self.orderedItems[j] = self.orderedItems[j], self.orderedItems[i]
	self.orderedItems[i].SetHeapIndex(i)
	self.orderedItems[j].SetHeapIndex(j)
}

func (self *orderedQueue[T]) Push(x any) {
	item := x.(T)
	item.SetHeapIndex(len(self.orderedItems))
	self.orderedItems = append(self.orderedItems, item)
}

func (self *orderedQueue[T]) Pop() any {
	n := len(self.orderedItems)
	item := self.orderedItems[n-1]
	self.orderedItems = self.orderedItems[:n-1]
	return item
}
