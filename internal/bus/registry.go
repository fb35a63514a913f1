package bus

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Callback receives the payload elements of a fired event as separate arguments.
type Callback func(payload ...any)

// PanicHandler is told about a callback that panicked during Fire.
type PanicHandler func(name string, recovered any)

// Handle identifies one registration. The zero Handle is never live.
type Handle struct {
	name string
	id   uint64
}

func (h Handle) Name() string { return h.name }

func (h Handle) Valid() bool { return h.id != 0 }

type registration struct {
	id   uint64
	cb   Callback
	live atomic.Bool
}

// Registry is the in-process subscribe/unsubscribe/fire primitive shared by the
// hub and the peer. It has no network awareness.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[string][]*registration
	onPanic PanicHandler
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]*registration)}
}

func (r *Registry) SetPanicHandler(h PanicHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPanic = h
}

// Subscribe registers cb under name. first is true when no other live
// registration for name existed at call time. Registering the same callback
// twice yields two independent registrations.
func (r *Registry) Subscribe(name string, cb Callback) (h Handle, first bool) {
	if name == "" || cb == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	reg := &registration{id: r.nextID, cb: cb}
	reg.live.Store(true)
	first = len(r.subs[name]) == 0
	r.subs[name] = append(r.subs[name], reg)
	return Handle{name: name, id: reg.id}, first
}

// Unsubscribe removes exactly the registration behind h. Unknown or stale
// handles report removed == false.
func (r *Registry) Unsubscribe(h Handle) (removed, last bool) {
	if !h.Valid() {
		return false, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.subs[h.name]
	for i, reg := range regs {
		if reg.id != h.id {
			continue
		}
		reg.live.Store(false)
		regs = append(regs[:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(r.subs, h.name)
			return true, true
		}
		r.subs[h.name] = regs
		return true, false
	}
	return false, false
}

// Fire invokes every live callback for name in registration order and returns
// how many ran. Callbacks run outside the lock so they may subscribe, unsubscribe
// or fire again; a registration removed mid-fire is skipped. A panicking callback
// is recovered and does not stop the rest.
func (r *Registry) Fire(name string, payload []any) int {
	r.mu.Lock()
	regs := append([]*registration(nil), r.subs[name]...)
	onPanic := r.onPanic
	r.mu.Unlock()

	n := 0
	for _, reg := range regs {
		if !reg.live.Load() {
			continue
		}
		invoke(name, reg.cb, payload, onPanic)
		n++
	}
	return n
}

func invoke(name string, cb Callback, payload []any, onPanic PanicHandler) {
	defer func() {
		if rec := recover(); rec != nil && onPanic != nil {
			onPanic(name, rec)
		}
	}()
	cb(payload...)
}

func (r *Registry) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[name])
}

// Names lists event names with at least one live registration, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.subs))
	for name := range r.subs {
		out = append(out, name)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
