// Package memory is a process-local transport pairing peer buses with a hub.
// Messages are delivered asynchronously but in order, one pump goroutine per
// direction.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nodebus/internal/hub"
	"nodebus/internal/peer"
)

var ErrClosed = errors.New("memory pipe closed")

type item struct {
	text    string
	barrier chan struct{}
}

type pipe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item
	closed  bool
	handler func(string)
	onClose func()
	done    chan struct{}
}

func newPipe() *pipe {
	p := &pipe{done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) setHandler(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = fn
}

func (p *pipe) push(it item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, it)
	p.cond.Signal()
	return nil
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cond.Broadcast()
}

// run drains the queue, then calls onClose once the pipe is closed and empty.
func (p *pipe) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			onClose := p.onClose
			p.mu.Unlock()
			if onClose != nil {
				onClose()
			}
			return
		}
		it := p.queue[0]
		p.queue = p.queue[1:]
		h := p.handler
		p.mu.Unlock()

		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		if h != nil {
			h(it.text)
		}
	}
}

func (p *pipe) barrier() {
	ch := make(chan struct{})
	if err := p.push(item{barrier: ch}); err != nil {
		return
	}
	<-ch
}

// Endpoint is an in-process hub.Endpoint.
type Endpoint struct {
	mu     sync.Mutex
	onConn func(hub.Connection)
	nextID int
}

func NewEndpoint() *Endpoint { return &Endpoint{} }

func (e *Endpoint) OnConnection(fn func(hub.Connection)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConn = fn
}

func (e *Endpoint) accept(c hub.Connection) {
	e.mu.Lock()
	fn := e.onConn
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (e *Endpoint) newID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return fmt.Sprintf("mem-%d", e.nextID)
}

// Transport returns a new, unconnected peer transport for this endpoint.
func (e *Endpoint) Transport() *Transport {
	return &Transport{ep: e}
}

// serverConn is the hub's view of one memory connection.
type serverConn struct {
	id     string
	toPeer *pipe

	mu           sync.Mutex
	onDisconnect func()
}

func (c *serverConn) ID() string { return c.id }

func (c *serverConn) Send(text string) error { return c.toPeer.push(item{text: text}) }

func (c *serverConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *serverConn) disconnected() {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// hubConn wires the hub's OnMessage to the hub-bound pipe.
type hubConn struct {
	*serverConn
	toHub *pipe
}

func (c *hubConn) OnMessage(fn func(string)) { c.toHub.setHandler(fn) }

// Transport is the peer side of a memory connection.
type Transport struct {
	ep *Endpoint

	mu        sync.Mutex
	onMessage func(string)
	onState   func(peer.State)
	conn      *hubConn
}

func (t *Transport) OnMessage(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *Transport) OnState(fn func(peer.State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) setState(s peer.State) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// ID returns the connection ID the hub sees, or "" when not connected.
func (t *Transport) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.id
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	onMessage := t.onMessage
	t.mu.Unlock()

	t.setState(peer.Connecting)
	toHub, toPeer := newPipe(), newPipe()
	toPeer.setHandler(onMessage)
	sc := &serverConn{id: t.ep.newID(), toPeer: toPeer}
	c := &hubConn{serverConn: sc, toHub: toHub}
	toHub.onClose = sc.disconnected

	t.ep.accept(c)
	go toHub.run()
	go toPeer.run()

	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
	t.setState(peer.Connected)
	return nil
}

func (t *Transport) Send(text string) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return peer.ErrNotConnected
	}
	return c.toHub.push(item{text: text})
}

// Close drains everything already sent to the hub, delivers the disconnect and
// returns once the hub has handled it.
func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	c.toHub.close()
	<-c.toHub.done
	c.toPeer.close()
	t.setState(peer.Disconnected)
	return nil
}

// Sync waits until every message sent so far has been handled by the hub and
// every message the hub sent in response has been delivered to the peer.
func (t *Transport) Sync() {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return
	}
	c.toHub.barrier()
	c.toPeer.barrier()
}
