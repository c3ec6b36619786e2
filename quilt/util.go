package quilt

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slices"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("Id must be a quoted string")
	}
	id, err := parseUuid(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func encodeUuid(id [16]byte) string {
	return fmt.Sprintf(
		"%s-%s-%s-%s-%s",
		hex.EncodeToString(id[0:4]),
		hex.EncodeToString(id[4:6]),
		hex.EncodeToString(id[6:8]),
		hex.EncodeToString(id[8:10]),
		hex.EncodeToString(id[10:16]),
	)
}

func parseUuid(uuidStr string) (Id, error) {
	if len(uuidStr) != 36 {
		return Id{}, fmt.Errorf("malformed uuid %q", uuidStr)
	}
	uuidBytes, err := hex.DecodeString(
		fmt.Sprintf(
			"%s%s%s%s%s",
			uuidStr[0:8],
			uuidStr[9:13],
			uuidStr[14:18],
			uuidStr[19:23],
			uuidStr[24:],
		),
	)
	if err != nil || len(uuidBytes) != 16 {
		return Id{}, fmt.Errorf("malformed uuid %q", uuidStr)
	}
	return Id(uuidBytes), nil
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
	nextIndex int
}

type callbackEntry[T any] struct {
	index    int
	callback T
}

func (self *CallbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// add returns the remove function for the callback.
func (self *CallbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackEntry[T]{
		index:    self.nextIndex,
		callback: callback,
	}
	self.nextIndex += 1
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, entry)
	self.callbacks = nextCallbacks

	return func() {
		self.remove(entry.index)
	}
}

func (self *CallbackList[T]) remove(index int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry *callbackEntry[T]) bool {
		return entry.index == index
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

// Event ties a context to os signals for daemon lifecycles.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) SetOnSignals(signals ...os.Signal) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, signals...)
	go func() {
		defer signal.Stop(signalChan)
		select {
		case <-signalChan:
			self.cancel()
		case <-self.ctx.Done():
		}
	}()
}

func (self *Event) Cancel() {
	self.cancel()
}

func (self *Event) WaitForExit() {
	<-self.ctx.Done()
}
