package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nodebus/internal/bus"
	"nodebus/internal/logging"
)

var ErrNotConnected = errors.New("transport not connected")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Transport is the client side of the message channel. State transitions are
// driven by the transport and reported through OnState. Send must not call
// back into the Bus.
type Transport interface {
	Connect(ctx context.Context) error
	OnMessage(func(text string))
	OnState(func(State))
	Send(text string) error
	Close() error
}

// Bus is the peer-facing side of the bus. Local subscription changes are
// bridged to the hub as listen/unlisten control messages.
type Bus struct {
	transport Transport
	registry  *bus.Registry
	chain     *bus.Chain
	log       logging.Logger

	mu    sync.RWMutex
	state State

	// bridgeMu orders each first/last decision with its control send, so the
	// hub sees listen/unlisten in the order the registry changed.
	bridgeMu sync.Mutex
}

type Option func(*Bus)

func WithLogger(l logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func New(t Transport, opts ...Option) *Bus {
	b := &Bus{
		transport: t,
		registry:  bus.NewRegistry(),
		log:       logging.L(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.chain = bus.NewChain(func(_ bus.Conn, _ *bus.Envelope, err error) {
		b.log.Warnf("peer: dropped invalid envelope: %v", err)
	})
	b.registry.SetPanicHandler(func(name string, rec any) {
		b.log.Errorf("peer: subscriber for %q panicked: %v", name, rec)
	})
	t.OnMessage(b.receive)
	t.OnState(b.setState)
	return b
}

func (b *Bus) Connect(ctx context.Context) error {
	return b.transport.Connect(ctx)
}

func (b *Bus) Close() error {
	return b.transport.Close()
}

func (b *Bus) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Bus) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()
	if s == Connected && prev != Connected {
		b.resync()
	}
}

// resync re-announces every event with live local subscriptions. The hub
// treats a repeated listen as a single subscription.
func (b *Bus) resync() {
	b.bridgeMu.Lock()
	defer b.bridgeMu.Unlock()
	for _, name := range b.registry.Names() {
		if err := b.Publish(bus.ListenEvent, name); err != nil {
			b.log.Warnf("peer: resync listen %q: %v", name, err)
		}
	}
}

// Subscribe registers cb for name. The first local subscription for a name
// asks the hub to start forwarding it.
func (b *Bus) Subscribe(name string, cb bus.Callback) bus.Handle {
	b.bridgeMu.Lock()
	defer b.bridgeMu.Unlock()
	handle, first := b.registry.Subscribe(name, cb)
	if first {
		if err := b.Publish(bus.ListenEvent, name); err != nil {
			b.log.Warnf("peer: listen %q: %v", name, err)
		}
	}
	return handle
}

// Unsubscribe removes the registration behind handle. Removing the last local
// subscription for a name tells the hub to stop forwarding it.
func (b *Bus) Unsubscribe(handle bus.Handle) bool {
	b.bridgeMu.Lock()
	defer b.bridgeMu.Unlock()
	removed, last := b.registry.Unsubscribe(handle)
	if last {
		if err := b.Publish(bus.UnlistenEvent, handle.Name()); err != nil {
			b.log.Warnf("peer: unlisten %q: %v", handle.Name(), err)
		}
	}
	return removed
}

// Publish sends {name, payload: args} to the hub.
func (b *Bus) Publish(name string, args ...any) error {
	text, err := bus.Encode(&bus.Envelope{Name: name, Payload: args})
	if err != nil {
		return err
	}
	if err := b.transport.Send(text); err != nil {
		return fmt.Errorf("publish %q: %w", name, err)
	}
	return nil
}

func (b *Bus) AddTransformer(t bus.Transformer) { b.chain.Register(t) }

func (b *Bus) RemoveTransformer(t bus.Transformer) bool { return b.chain.Unregister(t) }

func (b *Bus) receive(text string) {
	env, err := bus.Decode(text)
	if err != nil {
		b.log.Warnf("peer: invalid message: %v", err)
		return
	}
	name := ""
	if env != nil {
		name = env.Name
	}
	if env = b.chain.Process(nil, env); env == nil {
		b.log.Debugf("peer: envelope %q rejected", name)
		return
	}
	b.registry.Fire(env.Name, env.Payload)
}
