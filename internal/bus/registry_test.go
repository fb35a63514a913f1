package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryFirstAndLast(t *testing.T) {
	r := NewRegistry()

	h1, first := r.Subscribe("chat", func(...any) {})
	require.True(t, first)
	require.Equal(t, "chat", h1.Name())

	h2, first := r.Subscribe("chat", func(...any) {})
	require.False(t, first)

	removed, last := r.Unsubscribe(h1)
	assert.True(t, removed)
	assert.False(t, last)

	removed, last = r.Unsubscribe(h2)
	assert.True(t, removed)
	assert.True(t, last)
	assert.Empty(t, r.Names())
}

func TestRegistryUnknownHandle(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Subscribe("chat", func(...any) {})

	removed, last := r.Unsubscribe(Handle{})
	assert.False(t, removed)
	assert.False(t, last)

	_, _ = r.Unsubscribe(h)
	removed, last = r.Unsubscribe(h)
	assert.False(t, removed, "stale handle")
	assert.False(t, last)
}

func TestRegistryFireOrderAndArgs(t *testing.T) {
	r := NewRegistry()
	var calls []string
	var got []any
	r.Subscribe("e", func(p ...any) {
		calls = append(calls, "a")
		got = p
	})
	r.Subscribe("e", func(...any) { calls = append(calls, "b") })
	r.Subscribe("other", func(...any) { calls = append(calls, "x") })

	n := r.Fire("e", []any{"one", 2.0, map[string]any{"k": "v"}})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, []any{"one", 2.0, map[string]any{"k": "v"}}, got)
}

func TestRegistrySameCallbackTwiceCountsTwice(t *testing.T) {
	r := NewRegistry()
	count := 0
	cb := func(...any) { count++ }
	h1, _ := r.Subscribe("e", cb)
	r.Subscribe("e", cb)

	r.Unsubscribe(h1)
	r.Fire("e", []any{1})
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, r.Count("e"))
}

func TestRegistryPanicIsolated(t *testing.T) {
	r := NewRegistry()
	var panicked []any
	r.SetPanicHandler(func(name string, rec any) { panicked = append(panicked, rec) })

	ran := false
	r.Subscribe("e", func(...any) { panic("boom") })
	r.Subscribe("e", func(...any) { ran = true })

	require.NotPanics(t, func() { r.Fire("e", []any{1}) })
	assert.True(t, ran)
	assert.Equal(t, []any{"boom"}, panicked)
}

func TestRegistryUnsubscribeDuringFire(t *testing.T) {
	r := NewRegistry()
	var second Handle
	secondRan := false
	r.Subscribe("e", func(...any) { r.Unsubscribe(second) })
	second, _ = r.Subscribe("e", func(...any) { secondRan = true })

	r.Fire("e", []any{1})
	assert.False(t, secondRan, "removed during fire must not run")
}

func TestRegistryRejectsEmpty(t *testing.T) {
	r := NewRegistry()
	h, first := r.Subscribe("", func(...any) {})
	assert.False(t, h.Valid())
	assert.False(t, first)

	h, _ = r.Subscribe("e", nil)
	assert.False(t, h.Valid())
}
