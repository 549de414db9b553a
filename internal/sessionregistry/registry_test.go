package sessionregistry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	closed bool
	err    error
}

func (f *fakeEntry) Close() error {
	f.closed = true
	return f.err
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	e := &fakeEntry{}

	id, gen := reg.Register(e)
	got, ok := reg.Lookup(id, gen)
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, 1, reg.Len())
}

func TestLookupStaleGenerationFails(t *testing.T) {
	reg := New()
	e := &fakeEntry{}
	id, gen := reg.Register(e)

	require.NoError(t, reg.Release(id, gen))

	_, ok := reg.Lookup(id, gen)
	assert.False(t, ok, "a released slot must not resolve even with the right id")
}

func TestReleaseIsIdempotentOnStaleGeneration(t *testing.T) {
	reg := New()
	e := &fakeEntry{}
	id, gen := reg.Register(e)

	require.NoError(t, reg.Release(id, gen))
	// Second release of the same (id, gen) is a silent no-op, not an error.
	assert.NoError(t, reg.Release(id, gen))
}

func TestReusedIDGetsFreshGeneration(t *testing.T) {
	reg := New()
	e1 := &fakeEntry{}
	id1, gen1 := reg.Register(e1)
	require.NoError(t, reg.Release(id1, gen1))

	e2 := &fakeEntry{}
	id2, gen2 := reg.Register(e2)

	// Even if the registry happens to reuse id1's slot, a continuation
	// holding (id1, gen1) must not resolve to e2.
	if id2 == id1 {
		assert.NotEqual(t, gen1, gen2)
	}
	got, ok := reg.Lookup(id2, gen2)
	require.True(t, ok)
	assert.Same(t, e2, got)
}

func TestCloseAllPropagatesErrors(t *testing.T) {
	reg := New()
	boom := errors.New("boom")
	reg.Register(&fakeEntry{})
	reg.Register(&fakeEntry{err: boom})

	err := reg.CloseAll()
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}
