package participant

import (
	"context"
	"sync"

	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Transition describes one state change the controller asked a replica to
// make.
type Transition struct {
	Resource  string
	Partition string
	From      string
	To        string
	MessageID string
}

// Handler executes state transitions for one partition. The context is
// cancelled when the transition's timeout elapses or a cancellation message
// arrives; handlers that honor it exit early, handlers that don't are
// promoted to ERROR after a grace period.
type Handler interface {
	OnTransition(ctx context.Context, t Transition) (info string, err error)
}

// CancelAware handlers get notified when an in-flight transition is
// cancelled, in addition to the context cancellation.
type CancelAware interface {
	OnCancel(t Transition)
}

// ErrorAware handlers get notified when their partition is marked ERROR.
type ErrorAware interface {
	OnError(partition string, cause error)
}

// Resettable handlers are told to drop local state when the partition is
// disposed (DROPPED) or the participant disconnects.
type Resettable interface {
	OnReset()
}

// HandlerFactory creates one Handler per partition of resources bound to its
// state model.
type HandlerFactory interface {
	CreateHandler(resource, partition string) Handler
}

// HandlerFactoryFunc adapts a function to HandlerFactory.
type HandlerFactoryFunc func(resource, partition string) Handler

func (f HandlerFactoryFunc) CreateHandler(resource, partition string) Handler {
	return f(resource, partition)
}

// handlerCache owns the per-partition handler instances, keyed by state-model
// name at registration and by (resource, partition) at lookup.
type handlerCache struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
	handlers  map[string]Handler
}

func newHandlerCache() *handlerCache {
	return &handlerCache{
		factories: make(map[string]HandlerFactory),
		handlers:  make(map[string]Handler),
	}
}

func (c *handlerCache) registerFactory(stateModel string, factory HandlerFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[stateModel] = factory
}

func handlerKey(resource, partition string) string {
	return resource + "/" + partition
}

// handlerFor returns the cached handler for a partition, creating it on first
// use.
func (c *handlerCache) handlerFor(stateModel, resource, partition string) (Handler, error) {
	key := handlerKey(resource, partition)

	c.mu.RLock()
	h, ok := c.handlers[key]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handlers[key]; ok {
		return h, nil
	}
	factory, ok := c.factories[stateModel]
	if !ok {
		return nil, herrors.ErrNoHandlerFactory
	}
	h = factory.CreateHandler(resource, partition)
	c.handlers[key] = h
	return h, nil
}

// dispose drops the handler for a partition, resetting it first if it asks.
func (c *handlerCache) dispose(resource, partition string) {
	key := handlerKey(resource, partition)
	c.mu.Lock()
	h, ok := c.handlers[key]
	delete(c.handlers, key)
	c.mu.Unlock()
	if ok {
		if r, isReset := h.(Resettable); isReset {
			r.OnReset()
		}
	}
}

// disposeAll resets and drops every cached handler.
func (c *handlerCache) disposeAll() {
	c.mu.Lock()
	handlers := c.handlers
	c.handlers = make(map[string]Handler)
	c.mu.Unlock()
	for _, h := range handlers {
		if r, ok := h.(Resettable); ok {
			r.OnReset()
		}
	}
}
