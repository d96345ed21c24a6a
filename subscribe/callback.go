package subscribe

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
// callbacks are returned in the order they were added
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	callbackList   []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks:    map[int]T{},
		callbackList: []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbackList
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.update()
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	self.update()
}

func (self *CallbackList[T]) update() {
	callbackIds := maps.Keys(self.callbacks)
	slices.Sort(callbackIds)
	nextCallbackList := make([]T, 0, len(callbackIds))
	for _, callbackId := range callbackIds {
		nextCallbackList = append(nextCallbackList, self.callbacks[callbackId])
	}
	self.callbackList = nextCallbackList
}
