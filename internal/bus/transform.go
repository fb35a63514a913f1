package bus

import (
	"reflect"
	"sync"
)

// Conn is the part of a connection the bus core needs: a stable identity and a
// way to send one text message.
type Conn interface {
	ID() string
	Send(text string) error
}

// Transformer validates or rewrites an envelope. Returning nil drops the
// message and stops the chain. conn is nil for messages that did not arrive
// from a connection.
//
// Transformers are unregistered by identity, so implementations must be
// comparable (pointer receivers are the usual choice).
type Transformer interface {
	Transform(conn Conn, env *Envelope) *Envelope
}

type funcTransformer struct {
	fn func(Conn, *Envelope) *Envelope
}

func (f *funcTransformer) Transform(conn Conn, env *Envelope) *Envelope { return f.fn(conn, env) }

// TransformerFunc adapts fn to a Transformer. Keep the returned value to
// unregister it later.
func TransformerFunc(fn func(conn Conn, env *Envelope) *Envelope) Transformer {
	return &funcTransformer{fn: fn}
}

type validator struct {
	onInvalid func(Conn, *Envelope, error)
}

func (v *validator) Transform(conn Conn, env *Envelope) *Envelope {
	if err := Validate(env); err != nil {
		if v.onInvalid != nil {
			v.onInvalid(conn, env, err)
		}
		return nil
	}
	return env
}

// Chain is an ordered list of transformers applied to every envelope crossing
// the boundary. The shape validator always runs first and cannot be removed.
type Chain struct {
	mu           sync.RWMutex
	validator    Transformer
	transformers []Transformer
}

// NewChain builds a chain whose validator reports shape failures to onInvalid.
func NewChain(onInvalid func(conn Conn, env *Envelope, err error)) *Chain {
	return &Chain{validator: &validator{onInvalid: onInvalid}}
}

func (c *Chain) Register(t Transformer) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transformers = append(c.transformers, t)
}

// Unregister removes the first registration of t. It reports false when t was
// not registered.
func (c *Chain) Unregister(t Transformer) bool {
	if t == nil || !reflect.TypeOf(t).Comparable() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.transformers {
		if reflect.TypeOf(cur) == reflect.TypeOf(t) && cur == t {
			c.transformers = append(c.transformers[:i:i], c.transformers[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.transformers) + 1
}

// Process folds env through the chain in registration order. A nil result
// means the message was dropped.
func (c *Chain) Process(conn Conn, env *Envelope) *Envelope {
	c.mu.RLock()
	ts := make([]Transformer, 0, len(c.transformers)+1)
	ts = append(ts, c.validator)
	ts = append(ts, c.transformers...)
	c.mu.RUnlock()

	for _, t := range ts {
		if env = t.Transform(conn, env); env == nil {
			return nil
		}
	}
	return env
}
