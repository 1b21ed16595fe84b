package patch

import (
	"sync"
)

// Explicit, injectable change notification keyed by entity, replacing the
// widget-global re-render trigger. Consumers register per entity or for all
// entities; the coordinator dispatches after every local value change,
// including rollbacks. Edits flagged SuppressChangeNotification skip it.

type ChangeFunction func(ref EntityRef, value any)

type ObserverRegistry struct {
	mutex     sync.Mutex
	observers map[EntityRef]*CallbackList[ChangeFunction]
	// notified for every entity
	globalObservers *CallbackList[ChangeFunction]
}

func NewObserverRegistry() *ObserverRegistry {
	return &ObserverRegistry{
		observers:       map[EntityRef]*CallbackList[ChangeFunction]{},
		globalObservers: NewCallbackList[ChangeFunction](),
	}
}

// returns a remove function
func (self *ObserverRegistry) AddChangeListener(ref EntityRef, callback ChangeFunction) func() {
	self.mutex.Lock()
	callbacks, ok := self.observers[ref]
	if !ok {
		callbacks = NewCallbackList[ChangeFunction]()
		self.observers[ref] = callbacks
	}
	self.mutex.Unlock()

	return callbacks.Add(callback)
}

// returns a remove function
func (self *ObserverRegistry) AddGlobalChangeListener(callback ChangeFunction) func() {
	return self.globalObservers.Add(callback)
}

func (self *ObserverRegistry) notify(ref EntityRef, value any) {
	self.mutex.Lock()
	callbacks, ok := self.observers[ref]
	self.mutex.Unlock()

	if ok {
		for _, callback := range callbacks.Get() {
			func() {
				defer func() {
					recover()
				}()
				callback(ref, value)
			}()
		}
	}
	for _, callback := range self.globalObservers.Get() {
		func() {
			defer func() {
				recover()
			}()
			callback(ref, value)
		}()
	}
}
