package memd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleErrorMap = `{
  "version": 2,
  "revision": 1,
  "errors": {
    "23": {"name": "LOCKED", "desc": "doc locked", "attrs": ["item-locked", "retry-later"],
      "retry": {"strategy": "constant", "interval": 10, "after": 0, "max-duration": 500}},
    "84": {"name": "INTERNAL", "desc": "internal error", "attrs": ["internal"]}
  }
}`

func TestParseErrorMap(t *testing.T) {
	em, err := ParseErrorMap([]byte(sampleErrorMap))
	require.NoError(t, err)
	assert.Equal(t, uint16(2), em.Version)

	entry, ok := em.Lookup(Status(0x23))
	require.True(t, ok)
	assert.Equal(t, "LOCKED", entry.Name)
	assert.True(t, entry.HasRetryAttribute())
	require.NotNil(t, entry.Retry)
	assert.Equal(t, "constant", entry.Retry.Strategy)

	entry, ok = em.Lookup(Status(0x84))
	require.True(t, ok)
	assert.False(t, entry.HasRetryAttribute())

	_, ok = em.Lookup(Status(0xffff))
	assert.False(t, ok)
}

func TestErrorMap_NilLookup(t *testing.T) {
	var em *ErrorMap
	_, ok := em.Lookup(Status(0x23))
	assert.False(t, ok)
}
