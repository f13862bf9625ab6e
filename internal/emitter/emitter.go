// Package emitter provides a thread-safe named-event emitter: subscribe,
// subscribe-once, any-event fan-out, and copy-on-emit dispatch so a handler
// may mutate subscriptions without corrupting the emission in progress.
package emitter

import (
	"reflect"
	"sync"
	"time"
)

// Handler is a callback invoked with whatever arguments the event was
// emitted with.
type Handler func(args ...any)

// AnyHandler is invoked for every event, receiving the event name first.
type AnyHandler func(event string, args ...any)

type handlerRecord struct {
	callback   Handler
	once       bool
	label      string
	callCount  int
	registered time.Time
}

type anyHandlerRecord struct {
	callback   AnyHandler
	label      string
	callCount  int
	registered time.Time
}

// Emitter is safe for concurrent Subscribe/Unsubscribe/Emit. A coarse lock
// guards the handler maps; Emit takes a snapshot under the lock and then
// invokes handlers lock-free, so a handler registered or removed mid-dispatch
// never affects the dispatch in progress.
type Emitter struct {
	mu      sync.Mutex
	byEvent map[string][]*handlerRecord
	any     []*anyHandlerRecord
}

// New returns an empty Emitter.
func New() *Emitter {
	return &Emitter{byEvent: make(map[string][]*handlerRecord)}
}

// On subscribes callback to event. label is optional diagnostic metadata.
func (e *Emitter) On(event string, callback Handler, label string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byEvent[event] = append(e.byEvent[event], &handlerRecord{
		callback: callback, label: label, registered: time.Now(),
	})
}

// Once subscribes callback to event; it is removed after its first invocation.
func (e *Emitter) Once(event string, callback Handler, label string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byEvent[event] = append(e.byEvent[event], &handlerRecord{
		callback: callback, once: true, label: label, registered: time.Now(),
	})
}

// Off removes callback from event's handler list. If callback is nil, every
// handler registered for event is removed.
func (e *Emitter) Off(event string, callback Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if callback == nil {
		delete(e.byEvent, event)
		return
	}
	handlers := e.byEvent[event]
	filtered := handlers[:0:0]
	for _, h := range handlers {
		if !sameFunc(h.callback, callback) {
			filtered = append(filtered, h)
		}
	}
	e.byEvent[event] = filtered
}

// OnAny subscribes callback to every event.
func (e *Emitter) OnAny(callback AnyHandler, label string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.any = append(e.any, &anyHandlerRecord{callback: callback, label: label, registered: time.Now()})
}

// OffAny removes callback from the any-event list. If callback is nil, every
// any-event handler is removed.
func (e *Emitter) OffAny(callback AnyHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if callback == nil {
		e.any = nil
		return
	}
	filtered := e.any[:0:0]
	for _, h := range e.any {
		if !sameAnyFunc(h.callback, callback) {
			filtered = append(filtered, h)
		}
	}
	e.any = filtered
}

// Emit dispatches event to every subscribed handler and every any-event
// handler. Handler panics are recovered and discarded so a failing listener
// cannot prevent its siblings from running.
func (e *Emitter) Emit(event string, args ...any) {
	e.mu.Lock()
	handlers := append([]*handlerRecord(nil), e.byEvent[event]...)
	anyHandlers := append([]*anyHandlerRecord(nil), e.any...)
	e.mu.Unlock()

	var onceFired []*handlerRecord
	for _, h := range handlers {
		invoke(func() { h.callback(args...) })
		h.callCount++
		if h.once {
			onceFired = append(onceFired, h)
		}
	}
	for _, h := range anyHandlers {
		invoke(func() { h.callback(event, args...) })
		h.callCount++
	}

	if len(onceFired) > 0 {
		e.mu.Lock()
		for _, fired := range onceFired {
			remaining := e.byEvent[event][:0:0]
			for _, h := range e.byEvent[event] {
				if h != fired {
					remaining = append(remaining, h)
				}
			}
			e.byEvent[event] = remaining
		}
		e.mu.Unlock()
	}
}

func invoke(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// HandlerStat is a diagnostic snapshot of one registered handler.
type HandlerStat struct {
	Label      string
	CallCount  int
	Once       bool
	Registered time.Time
}

// Stats returns a snapshot of every registered handler, keyed by event name,
// for diagnostics.
func (e *Emitter) Stats() map[string][]HandlerStat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]HandlerStat, len(e.byEvent))
	for event, handlers := range e.byEvent {
		stats := make([]HandlerStat, 0, len(handlers))
		for _, h := range handlers {
			stats = append(stats, HandlerStat{
				Label: h.label, CallCount: h.callCount, Once: h.once, Registered: h.registered,
			})
		}
		out[event] = stats
	}
	return out
}

// sameFunc compares two Handler values for pointer identity, the only
// meaningful notion of equality for a func value in Go.
func sameFunc(a, b Handler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func sameAnyFunc(a, b AnyHandler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
