package pppoe

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Token is an opaque correlation value carried in the Host-Uniq (client)
// or AC-Cookie (server) tag of outgoing packets.  Tokens are only ever
// used as lookup keys.
type Token uint64

// Bytes returns the on-the-wire representation of the token.
func (t Token) Bytes() []byte {
	b := make([]byte, tokenLength)
	binary.BigEndian.PutUint64(b, uint64(t))
	return b
}

// tokenFromBytes decodes a tag value as a token.  Values of the wrong
// length cannot have been issued by us.
func tokenFromBytes(b []byte) (Token, bool) {
	if len(b) != tokenLength {
		return 0, false
	}
	return Token(binary.BigEndian.Uint64(b)), true
}

// sessionKey is the engine's internal handle for a session record.
// Keys are never reused within an engine.
type sessionKey uint64

// correlationRegistry issues tokens and maps them back to sessions.
//
// Tokens come from a counter seeded at random, so values differ between
// engines sharing a segment, and are never reissued while live.
type correlationRegistry struct {
	next   Token
	tokens map[Token]sessionKey
}

func newCorrelationRegistry(seed uint64) *correlationRegistry {
	return &correlationRegistry{
		next:   Token(seed),
		tokens: make(map[Token]sessionKey),
	}
}

func newRandomCorrelationRegistry() (*correlationRegistry, error) {
	var seed [tokenLength]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to seed correlation tokens: %v", err)
	}
	return newCorrelationRegistry(binary.BigEndian.Uint64(seed[:])), nil
}

func (r *correlationRegistry) issue(key sessionKey) Token {
	for {
		t := r.next
		r.next++
		if _, ok := r.tokens[t]; !ok {
			r.tokens[t] = key
			return t
		}
	}
}

func (r *correlationRegistry) resolve(t Token) (sessionKey, bool) {
	key, ok := r.tokens[t]
	return key, ok
}

// resolveTag resolves a token carried in a tag value.
func (r *correlationRegistry) resolveTag(tag *PPPoETag) (sessionKey, bool) {
	if tag == nil {
		return 0, false
	}
	t, ok := tokenFromBytes(tag.Data)
	if !ok {
		return 0, false
	}
	return r.resolve(t)
}

func (r *correlationRegistry) release(t Token) {
	delete(r.tokens, t)
}

func (r *correlationRegistry) live() int {
	return len(r.tokens)
}
