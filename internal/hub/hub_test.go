package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodebus/internal/bus"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	sent []string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []*bus.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*bus.Envelope, 0, len(c.sent))
	for _, s := range c.sent {
		env, err := bus.Decode(s)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

type recorder struct {
	mu    sync.Mutex
	kinds []bus.Kind
}

func (r *recorder) observe(n bus.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, n.Kind)
}

func (r *recorder) count(k bus.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.kinds {
		if got == k {
			n++
		}
	}
	return n
}

func listen(h *Hub, c bus.Conn, name string) {
	h.Receive(c, `{"name":"__node-bus__/listen","payload":["`+name+`"]}`)
}

func TestPublishReachesListeningConnectionOnce(t *testing.T) {
	h := New()
	c1 := &fakeConn{id: "c1"}
	h.Connect(c1)
	listen(h, c1, "chat.message")

	require.NoError(t, h.Publish("chat.message", map[string]any{"text": "hi"}))

	got := c1.envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, "chat.message", got[0].Name)
	assert.Equal(t, []any{map[string]any{"text": "hi"}}, got[0].Payload)

	h.Disconnect(c1)
	require.NoError(t, h.Publish("chat.message", map[string]any{"text": "hi"}))
	assert.Len(t, c1.envelopes(t), 1, "nothing forwarded after disconnect")
}

func TestRelistenIsIdempotent(t *testing.T) {
	h := New()
	c := &fakeConn{id: "c"}
	h.Connect(c)
	listen(h, c, "e")
	listen(h, c, "e")

	assert.Equal(t, 1, h.Stats().Events["e"])
	require.NoError(t, h.Publish("e", 1))
	assert.Len(t, c.envelopes(t), 1)
}

func TestUnlistenStopsForwarding(t *testing.T) {
	h := New()
	c := &fakeConn{id: "c"}
	h.Connect(c)
	listen(h, c, "e")
	h.Receive(c, `{"name":"__node-bus__/unlisten","payload":["e"]}`)

	require.NoError(t, h.Publish("e", 1))
	assert.Empty(t, c.envelopes(t))
	assert.Empty(t, h.Subscriptions(c))

	// Unknown unlisten is a no-op.
	h.Receive(c, `{"name":"__node-bus__/unlisten","payload":["never"]}`)
	h.Receive(&fakeConn{id: "stranger"}, `{"name":"__node-bus__/unlisten","payload":["e"]}`)
}

func TestDisconnectReleasesAllSubscriptions(t *testing.T) {
	h := New()
	c := &fakeConn{id: "c"}
	other := &fakeConn{id: "other"}
	h.Connect(c)
	h.Connect(other)
	names := []string{"a", "b", "c"}
	for _, n := range names {
		listen(h, c, n)
	}
	listen(h, other, "a")
	require.Equal(t, names, h.Subscriptions(c))

	h.Disconnect(c)
	assert.Empty(t, h.Subscriptions(c))
	stats := h.Stats()
	assert.Equal(t, int64(1), stats.Connections)
	assert.Equal(t, 1, stats.Listening)
	assert.Equal(t, map[string]int{"a": 1}, stats.Events)

	for _, n := range names {
		require.NoError(t, h.Publish(n, n))
	}
	assert.Empty(t, c.envelopes(t))
	assert.Len(t, other.envelopes(t), 1)
}

func TestInvalidMessagesAreDropped(t *testing.T) {
	rec := &recorder{}
	h := New(WithObserver(rec.observe))
	fired := 0
	h.Subscribe("e", func(...any) { fired++ })

	c := &fakeConn{id: "c"}
	h.Receive(c, `not json`)
	h.Receive(c, `{"name":"e","payload":[]}`)
	h.Receive(c, `{"name":"e","payload":"x"}`)
	h.Receive(c, `{"payload":[1]}`)

	assert.Zero(t, fired)
	assert.Equal(t, 1, rec.count(bus.KindInvalidMessage))
	assert.Equal(t, 3, rec.count(bus.KindInvalidJSON))
	assert.Equal(t, 3, rec.count(bus.KindRejected))
	assert.Empty(t, c.envelopes(t), "no error reply to the sender")

	h.Receive(c, `{"name":"e","payload":[1]}`)
	assert.Equal(t, 1, fired)
}

func TestControlEnvelopesAreFiredLocally(t *testing.T) {
	rec := &recorder{}
	h := New(WithObserver(rec.observe))
	var seen []any
	h.Subscribe(bus.ListenEvent, func(p ...any) { seen = append(seen, p...) })

	c := &fakeConn{id: "c"}
	listen(h, c, "chat")
	assert.Equal(t, []any{"chat"}, seen)
	assert.Equal(t, 1, rec.count(bus.KindListen))

	unknown := 0
	h.Subscribe(bus.ReservedPrefix+"/bogus", func(...any) { unknown++ })
	h.Receive(c, `{"name":"__node-bus__/bogus","payload":["chat"]}`)
	assert.Equal(t, 1, unknown)
	assert.Equal(t, []string{"chat"}, h.Subscriptions(c))
}

func TestServerPublishOfControlNameIsIgnored(t *testing.T) {
	h := New()
	require.NoError(t, h.Publish(bus.ListenEvent, "chat"))
	assert.Zero(t, h.Stats().Listening)
}

func TestTransformers(t *testing.T) {
	h := New()
	c := &fakeConn{id: "c"}
	listen(h, c, "e")

	block := bus.TransformerFunc(func(conn bus.Conn, env *bus.Envelope) *bus.Envelope {
		if conn == nil && env.Name == "e" {
			return nil
		}
		return env
	})
	h.AddTransformer(block)
	assert.ErrorIs(t, h.Publish("e", 1), ErrDropped)
	assert.Empty(t, c.envelopes(t))

	assert.True(t, h.RemoveTransformer(block))
	require.NoError(t, h.Publish("e", 1))
	assert.Len(t, c.envelopes(t), 1)
}

func TestMalformedMessageDoesNotAffectOthers(t *testing.T) {
	h := New()
	good := &fakeConn{id: "good"}
	bad := &fakeConn{id: "bad"}
	listen(h, good, "e")
	listen(h, bad, "e")

	h.Receive(bad, `{"name":"__node-bus__/unlisten","payload":[{"nested":true}]}`)
	h.Receive(bad, `{{{`)
	h.Receive(bad, `{"name":"e","payload":[1]}`)

	assert.Len(t, good.envelopes(t), 1)
	assert.Len(t, bad.envelopes(t), 1)
}

func TestPanickingSubscriberDoesNotStopForwarding(t *testing.T) {
	h := New()
	h.Subscribe("e", func(...any) { panic("local bug") })
	c := &fakeConn{id: "c"}
	listen(h, c, "e")

	require.NotPanics(t, func() { require.NoError(t, h.Publish("e", 1)) })
	assert.Len(t, c.envelopes(t), 1)
}

func TestConcurrentConnections(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = &fakeConn{id: string(rune('a' + i))}
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			h.Connect(c)
			listen(h, c, "e")
			h.Receive(c, `{"name":"e","payload":["from-`+c.id+`"]}`)
			h.Disconnect(c)
		}(conns[i])
	}
	wg.Wait()

	stats := h.Stats()
	assert.Zero(t, stats.Connections)
	assert.Zero(t, stats.Listening)
	assert.Empty(t, stats.Events)
}

func TestRelayKeepsNumbersIntact(t *testing.T) {
	h := New()
	listener := &fakeConn{id: "listener"}
	sender := &fakeConn{id: "sender"}
	listen(h, listener, "e")

	h.Receive(sender, `{"name":"e","payload":[9007199254740993]}`)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.sent, 1)
	assert.Equal(t, `{"name":"e","payload":[9007199254740993]}`, listener.sent[0])
}

func TestPreTransformSeesDroppedTraffic(t *testing.T) {
	var mu sync.Mutex
	var pre []*bus.Envelope
	h := New(WithObserver(func(n bus.Notification) {
		if n.Kind == bus.KindPreTransform {
			mu.Lock()
			pre = append(pre, n.Envelope)
			mu.Unlock()
		}
	}))
	h.AddTransformer(bus.TransformerFunc(func(_ bus.Conn, env *bus.Envelope) *bus.Envelope {
		if env.Name == "secret" {
			return nil
		}
		env.Name = "renamed"
		return env
	}))

	c := &fakeConn{id: "c"}
	h.Receive(c, `{"name":"secret","payload":[1]}`)
	h.Receive(c, `{"name":"e","payload":[]}`)
	h.Receive(c, `{"name":"e","payload":[2]}`)
	h.Receive(c, `not json`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pre, 3)
	assert.Equal(t, "secret", pre[0].Name)
	assert.Equal(t, "e", pre[1].Name)
	assert.Equal(t, "e", pre[2].Name, "copy is not touched by transformers")
}
