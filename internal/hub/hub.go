package hub

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"nodebus/internal/bus"
	"nodebus/internal/logging"
)

var ErrDropped = errors.New("message dropped by transform chain")

// Connection is one transport connection as the hub sees it.
type Connection interface {
	bus.Conn
	OnMessage(func(text string))
	OnDisconnect(func())
}

// Endpoint is a transport endpoint serving many connections.
type Endpoint interface {
	OnConnection(func(Connection))
}

// connState is the per-connection subscription table: event name -> handle of
// the registration forwarding that event to conn.
type connState struct {
	mu     sync.Mutex
	conn   bus.Conn
	subs   map[string]bus.Handle
	closed bool
}

// Hub owns the server side of the bus: one registry, one transform chain and
// the subscription state of every connection.
type Hub struct {
	registry *bus.Registry
	chain    *bus.Chain
	log      logrus.FieldLogger

	mu    sync.Mutex
	conns map[string]*connState

	obsMu     sync.RWMutex
	observers []bus.Observer

	connected atomic.Int64
}

type Option func(*Hub)

func WithObserver(o bus.Observer) Option {
	return func(h *Hub) {
		if o != nil {
			h.observers = append(h.observers, o)
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		registry: bus.NewRegistry(),
		log:      logging.L().WithField("component", "hub"),
		conns:    make(map[string]*connState),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.chain = bus.NewChain(func(conn bus.Conn, env *bus.Envelope, err error) {
		h.notify(bus.Notification{Kind: bus.KindInvalidJSON, Conn: conn, Envelope: env, Err: err})
	})
	h.registry.SetPanicHandler(func(name string, rec any) {
		h.log.WithFields(logrus.Fields{"event": name, "panic": rec}).Error("subscriber panicked")
	})
	return h
}

// Observe adds an observer for hub notifications.
func (h *Hub) Observe(o bus.Observer) {
	if o == nil {
		return
	}
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	h.observers = append(h.observers, o)
}

func (h *Hub) notify(n bus.Notification) {
	h.obsMu.RLock()
	obs := append([]bus.Observer(nil), h.observers...)
	h.obsMu.RUnlock()
	for _, o := range obs {
		o(n)
	}
}

// Serve attaches the hub to a transport endpoint.
func (h *Hub) Serve(ep Endpoint) {
	ep.OnConnection(func(c Connection) {
		h.Connect(c)
		c.OnMessage(func(text string) { h.Receive(c, text) })
		c.OnDisconnect(func() { h.Disconnect(c) })
	})
}

func (h *Hub) Connect(c bus.Conn) {
	h.connected.Add(1)
	h.notify(bus.Notification{Kind: bus.KindConnect, Conn: c})
}

// Receive handles one raw text message from c. Nothing is ever sent back to c
// on failure; failures only surface as notifications.
func (h *Hub) Receive(c bus.Conn, text string) {
	env, err := bus.Decode(text)
	if err != nil {
		h.notify(bus.Notification{Kind: bus.KindInvalidMessage, Conn: c, Raw: text, Err: err})
		return
	}
	h.receive(c, env, bus.OriginPeer)
}

// Disconnect releases every subscription c holds. When it returns no
// forwarding callback will send to c again.
func (h *Hub) Disconnect(c bus.Conn) {
	h.connected.Add(-1)
	h.notify(bus.Notification{Kind: bus.KindDisconnect, Conn: c})

	h.mu.Lock()
	st := h.conns[c.ID()]
	delete(h.conns, c.ID())
	h.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for _, handle := range st.subs {
		h.registry.Unsubscribe(handle)
	}
	st.subs = nil
}

// Publish feeds a server-originated event through the same pipeline as one
// arriving from a connection.
func (h *Hub) Publish(name string, args ...any) error {
	return h.Inject(&bus.Envelope{Name: name, Payload: args}, bus.OriginLocal)
}

// Inject runs env through the pipeline with no connection, tagged with origin.
func (h *Hub) Inject(env *bus.Envelope, origin bus.Origin) error {
	if !h.receive(nil, env, origin) {
		return ErrDropped
	}
	return nil
}

func (h *Hub) receive(c bus.Conn, env *bus.Envelope, origin bus.Origin) bool {
	h.notify(bus.Notification{Kind: bus.KindPreTransform, Conn: c, Origin: origin, Envelope: env.Clone()})
	env = h.chain.Process(c, env)
	if env == nil {
		h.notify(bus.Notification{Kind: bus.KindRejected, Conn: c, Origin: origin})
		return false
	}
	h.notify(bus.Notification{Kind: bus.KindReceive, Conn: c, Origin: origin, Envelope: env})

	if suffix, ok := bus.ControlSuffix(env.Name); ok {
		h.control(c, suffix, env)
	}
	// Control envelopes are fired too so in-process listeners can observe
	// listen/unlisten like any other event.
	h.registry.Fire(env.Name, env.Payload)
	return true
}

func (h *Hub) control(c bus.Conn, suffix string, env *bus.Envelope) {
	name, ok := bus.ControlTarget(env)
	if !ok {
		return
	}
	switch bus.ReservedPrefix + suffix {
	case bus.ListenEvent:
		h.notify(bus.Notification{Kind: bus.KindListen, Conn: c, Event: name})
		h.listen(c, name)
	case bus.UnlistenEvent:
		h.notify(bus.Notification{Kind: bus.KindUnlisten, Conn: c, Event: name})
		h.unlisten(c, name)
	}
}

func (h *Hub) state(c bus.Conn, create bool) *connState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.conns[c.ID()]
	if st == nil && create {
		st = &connState{conn: c, subs: make(map[string]bus.Handle)}
		h.conns[c.ID()] = st
	}
	return st
}

// listen replaces any existing forwarding registration for (c, name) with a
// fresh one, so listening twice leaves exactly one.
func (h *Hub) listen(c bus.Conn, name string) {
	if c == nil {
		return
	}
	st := h.state(c, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	if old, ok := st.subs[name]; ok {
		h.registry.Unsubscribe(old)
		delete(st.subs, name)
	}
	handle, _ := h.registry.Subscribe(name, h.forwarder(st, name))
	st.subs[name] = handle
}

func (h *Hub) unlisten(c bus.Conn, name string) {
	if c == nil {
		return
	}
	st := h.state(c, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	handle, ok := st.subs[name]
	if !ok {
		return
	}
	delete(st.subs, name)
	h.registry.Unsubscribe(handle)
}

func (h *Hub) forwarder(st *connState, name string) bus.Callback {
	return func(payload ...any) {
		text, err := bus.Encode(&bus.Envelope{Name: name, Payload: payload})
		if err != nil {
			h.log.WithError(err).WithField("event", name).Warn("forward encode failed")
			return
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.closed {
			return
		}
		if err := st.conn.Send(text); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"conn": st.conn.ID(), "event": name}).Debug("forward send failed")
		}
	}
}

// Subscribe registers an in-process listener on the hub registry.
func (h *Hub) Subscribe(name string, cb bus.Callback) bus.Handle {
	handle, _ := h.registry.Subscribe(name, cb)
	return handle
}

func (h *Hub) Unsubscribe(handle bus.Handle) bool {
	removed, _ := h.registry.Unsubscribe(handle)
	return removed
}

func (h *Hub) AddTransformer(t bus.Transformer) { h.chain.Register(t) }

func (h *Hub) RemoveTransformer(t bus.Transformer) bool { return h.chain.Unregister(t) }

// Stats is a point-in-time view of hub state.
type Stats struct {
	Connections int64          `json:"connections"`
	Listening   int            `json:"listening"`
	Events      map[string]int `json:"events"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	listening := len(h.conns)
	h.mu.Unlock()
	events := make(map[string]int)
	for _, name := range h.registry.Names() {
		events[name] = h.registry.Count(name)
	}
	return Stats{Connections: h.connected.Load(), Listening: listening, Events: events}
}

// Subscriptions lists the event names c is currently listening to, sorted.
func (h *Hub) Subscriptions(c bus.Conn) []string {
	st := h.state(c, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	out := make([]string, 0, len(st.subs))
	for name := range st.subs {
		out = append(out, name)
	}
	st.mu.Unlock()
	sort.Strings(out)
	return out
}
