package federation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodebus/internal/bus"
	"nodebus/internal/core/network"
	"nodebus/internal/hub"
	"nodebus/internal/peer"
	"nodebus/internal/transport/memory"
)

type counter struct {
	mu  sync.Mutex
	got [][]any
}

func (c *counter) add(p ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p)
}

func (c *counter) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func cluster(t *testing.T, fabric *network.MemoryPubSub, id string) (*hub.Hub, *Relay) {
	t.Helper()
	h := hub.New()
	r, err := New(h, fabric.Node(id), Options{})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return h, r
}

func TestEventsCrossHubsOnce(t *testing.T) {
	fabric := network.NewMemoryPubSub()
	ha, ra := cluster(t, fabric, "a")
	hb, rb := cluster(t, fabric, "b")

	var onA, onB counter
	ha.Subscribe("chat", onA.add)
	hb.Subscribe("chat", onB.add)

	require.NoError(t, ha.Publish("chat", "hello"))
	require.Eventually(t, func() bool { return onB.len() == 1 }, time.Second, 5*time.Millisecond)

	// Give any echo a chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, onA.len())
	assert.Equal(t, 1, onB.len())

	fa, ia := ra.Counts()
	fb, ib := rb.Counts()
	assert.Equal(t, [2]int64{1, 0}, [2]int64{fa, ia})
	assert.Equal(t, [2]int64{0, 1}, [2]int64{fb, ib}, "injected events are never re-federated")
}

func TestPeerOnOtherHubReceivesEvent(t *testing.T) {
	fabric := network.NewMemoryPubSub()
	ha, _ := cluster(t, fabric, "a")
	hb, _ := cluster(t, fabric, "b")

	epA, epB := memory.NewEndpoint(), memory.NewEndpoint()
	ha.Serve(epA)
	hb.Serve(epB)

	trA, trB := epA.Transport(), epB.Transport()
	alice, bob := peer.New(trA), peer.New(trB)
	require.NoError(t, alice.Connect(context.Background()))
	require.NoError(t, bob.Connect(context.Background()))
	defer alice.Close()
	defer bob.Close()

	var box counter
	bob.Subscribe("chat", box.add)
	trB.Sync()

	require.NoError(t, alice.Publish("chat", map[string]any{"text": "hi"}))
	trA.Sync()
	require.Eventually(t, func() bool {
		trB.Sync()
		return box.len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{map[string]any{"text": "hi"}}, box.got[0])
}

func TestControlEventsStayLocal(t *testing.T) {
	fabric := network.NewMemoryPubSub()
	ha, ra := cluster(t, fabric, "a")
	_, _ = cluster(t, fabric, "b")

	require.NoError(t, ha.Publish(bus.ListenEvent, "chat"))
	forwarded, _ := ra.Counts()
	assert.Zero(t, forwarded)
}

func TestDuplicateAndForeignFramesIgnored(t *testing.T) {
	fabric := network.NewMemoryPubSub()
	hb, rb := cluster(t, fabric, "b")
	var onB counter
	hb.Subscribe("chat", onB.add)

	raw := fabric.Node("x")
	dup, err := json.Marshal(frame{ID: "f1", Origin: "x", Name: "chat", Payload: []any{1}})
	require.NoError(t, err)
	require.NoError(t, raw.Publish(DefaultTopic, dup))
	require.NoError(t, raw.Publish(DefaultTopic, dup))
	require.NoError(t, raw.Publish(DefaultTopic, []byte(`not json`)))
	self, err := json.Marshal(frame{ID: "f2", Origin: "b", Name: "chat", Payload: []any{2}})
	require.NoError(t, err)
	require.NoError(t, raw.Publish(DefaultTopic, self))
	bad, err := json.Marshal(frame{ID: "f3", Origin: "x", Name: "chat", Payload: []any{}})
	require.NoError(t, err)
	require.NoError(t, raw.Publish(DefaultTopic, bad))

	require.Eventually(t, func() bool { return onB.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, onB.len())
	_, injected := rb.Counts()
	assert.Equal(t, int64(1), injected)
}

func TestStartTwice(t *testing.T) {
	fabric := network.NewMemoryPubSub()
	_, r := cluster(t, fabric, "a")
	assert.ErrorIs(t, r.Start(), ErrStarted)
}
