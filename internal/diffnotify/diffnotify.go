// Package diffnotify computes the delta between two flag-cache generations
// and drives the event emitter from it: per-flag "<name>.change" events,
// an aggregate "change" event, and a "removed" event.
package diffnotify

import (
	"sort"

	"github.com/matt-riley/featuresclient/internal/domain"
	"github.com/matt-riley/featuresclient/internal/emitter"
)

// ChangeReason is the third argument of every "<name>.change" event.
type ChangeReason string

const (
	ReasonCreated ChangeReason = "created"
	ReasonUpdated ChangeReason = "updated"
)

// ProxyFactory builds the value a "<name>.change" payload carries for one
// side of the transition; flag is never nil. For a created event the engine
// passes nil as the "old" argument itself, without calling the factory. The
// engine never imports the root package (which owns the public FlagProxy
// type), so it accepts this as a callback to avoid an import cycle. Whether
// the value is a snapshot of flag or a live handle on the cache is up to the
// factory; the client's factory returns a live FlagProxy.
type ProxyFactory func(name string, flag *domain.EvaluatedFlag) any

// ChangeSet summarizes one Apply call, useful for tests and for bootstrap
// callers that want to know what happened without re-deriving it.
type ChangeSet struct {
	Created []string
	Updated []string
	Removed []string
}

// Changed returns every flag name that was created or updated, in the
// iteration order events were fired.
func (c ChangeSet) Changed() []string {
	out := make([]string, 0, len(c.Created)+len(c.Updated))
	out = append(out, c.Created...)
	out = append(out, c.Updated...)
	sort.Strings(out)
	return out
}

// Engine computes diffs and fires the corresponding emitter events.
type Engine struct {
	emit     *emitter.Emitter
	newProxy ProxyFactory
}

// New returns an Engine that fires events on emit, building event payload
// proxies with newProxy.
func New(emit *emitter.Emitter, newProxy ProxyFactory) *Engine {
	return &Engine{emit: emit, newProxy: newProxy}
}

// Apply compares old against next and fires "<name>.change", "removed", and
// "change" events for every difference, in flag-name order. It does not
// touch the cache: callers must install next as the new active generation
// only after Apply returns, so subscribers reading the cache from inside a
// handler see the prior generation until the whole diff has been announced.
func (e *Engine) Apply(old, next domain.FlagMap) ChangeSet {
	var cs ChangeSet

	names := make([]string, 0, len(next))
	for name := range next {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		newFlag := next[name]
		oldFlag, existed := old[name]

		switch {
		case !existed:
			cs.Created = append(cs.Created, name)
			e.emit.Emit(name+".change", e.newProxy(name, &newFlag), nil, string(ReasonCreated))
		case !oldFlag.Equal(newFlag):
			cs.Updated = append(cs.Updated, name)
			e.emit.Emit(name+".change", e.newProxy(name, &newFlag), e.newProxy(name, &oldFlag), string(ReasonUpdated))
		}
	}

	removedNames := make([]string, 0)
	for name := range old {
		if _, ok := next[name]; !ok {
			removedNames = append(removedNames, name)
		}
	}
	sort.Strings(removedNames)
	cs.Removed = removedNames

	if len(removedNames) > 0 {
		e.emit.Emit("removed", removedNames)
	}

	if changed := cs.Changed(); len(changed) > 0 {
		e.emit.Emit("change", changed)
	}

	return cs
}
