package memd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScramClient_Step1ProducesGS2Header(t *testing.T) {
	c, err := NewScramClient(SASLScramSHA256, "alice", "password123")
	require.NoError(t, err)

	msg := c.Step1()
	assert.Contains(t, string(msg), "n,,n=alice,r=")
}

func TestScramClient_EscapesReservedChars(t *testing.T) {
	assert.Equal(t, "a=3Db=2Cc", escapeSaslName("a=b,c"))
}

func TestParseScramAttrs(t *testing.T) {
	attrs, err := parseScramAttrs("r=abc,s=c2FsdA==,i=4096")
	require.NoError(t, err)
	assert.Equal(t, "abc", attrs["r"])
	assert.Equal(t, "4096", attrs["i"])
}

func TestParseScramAttrs_Empty(t *testing.T) {
	_, err := parseScramAttrs("")
	assert.Error(t, err)
}

func TestScramClient_Step2RejectsNonExtendingNonce(t *testing.T) {
	c, err := NewScramClient(SASLScramSHA256, "alice", "password123")
	require.NoError(t, err)
	c.Step1()

	_, err = c.Step2([]byte("r=totally-different,s=c2FsdA==,i=4096"))
	assert.Error(t, err)
}

func TestEncodePlainAuth(t *testing.T) {
	got := EncodePlainAuth("alice", "secret")
	assert.Equal(t, []byte("\x00alice\x00secret"), got)
}
