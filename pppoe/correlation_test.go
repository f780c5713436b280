package pppoe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIssueResolve(t *testing.T) {
	r := newCorrelationRegistry(1000)

	t1 := r.issue(sessionKey(1))
	t2 := r.issue(sessionKey(2))
	require.NotEqual(t, t1, t2)
	assert.Equal(t, 2, r.live())

	key, ok := r.resolve(t1)
	require.True(t, ok)
	assert.Equal(t, sessionKey(1), key)

	key, ok = r.resolveTag(&PPPoETag{Type: PPPoETagTypeHostUniq, Data: t2.Bytes()})
	require.True(t, ok)
	assert.Equal(t, sessionKey(2), key)

	r.release(t1)
	_, ok = r.resolve(t1)
	assert.False(t, ok)
	assert.Equal(t, 1, r.live())
}

func TestCorrelationMalformedTag(t *testing.T) {
	r := newCorrelationRegistry(0)
	tok := r.issue(sessionKey(7))

	cases := []struct {
		name string
		tag  *PPPoETag
	}{
		{"nil tag", nil},
		{"empty", &PPPoETag{Type: PPPoETagTypeHostUniq, Data: []byte{}}},
		{"short", &PPPoETag{Type: PPPoETagTypeHostUniq, Data: tok.Bytes()[:7]}},
		{"long", &PPPoETag{Type: PPPoETagTypeHostUniq, Data: append(tok.Bytes(), 0)}},
		{"unknown", &PPPoETag{Type: PPPoETagTypeHostUniq, Data: (tok + 1).Bytes()}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, ok := r.resolveTag(c.tag)
			assert.False(t, ok)
		})
	}
}

func TestCorrelationSkipsLiveTokens(t *testing.T) {
	r := newCorrelationRegistry(math.MaxUint64)

	first := r.issue(sessionKey(1))
	assert.Equal(t, Token(math.MaxUint64), first)

	// counter wraps to zero, which is then held
	second := r.issue(sessionKey(2))
	assert.Equal(t, Token(0), second)

	// force the counter back round onto live values
	r.next = first
	third := r.issue(sessionKey(3))
	assert.Equal(t, Token(1), third)

	key, ok := r.resolve(first)
	require.True(t, ok)
	assert.Equal(t, sessionKey(1), key)
}

func TestTokenBytes(t *testing.T) {
	tok := Token(0x0102030405060708)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, tok.Bytes())
	got, ok := tokenFromBytes(tok.Bytes())
	require.True(t, ok)
	assert.Equal(t, tok, got)
}

func TestCorrelationRandomSeed(t *testing.T) {
	r1, err := newRandomCorrelationRegistry()
	require.NoError(t, err)
	r2, err := newRandomCorrelationRegistry()
	require.NoError(t, err)

	// engines sharing a segment start from unrelated points
	assert.NotEqual(t, r1.issue(sessionKey(1)), r2.issue(sessionKey(1)))
}
