package patch

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update.
// callbacks are identified by handle so that the same function
// can be added multiple times.
type callbackHandle[T any] struct {
	callbackId Id
	callback   T
}

type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []callbackHandle[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []callbackHandle[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, handle := range self.callbacks {
		callbacks = append(callbacks, handle.callback)
	}
	return callbacks
}

// returns a remove function
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callbackHandle[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(handle callbackHandle[T]) bool {
		return handle.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

// all callbacks are wrapped to recover from errors
func HandleError(do func()) {
	defer func() {
		recover()
	}()
	do()
}
