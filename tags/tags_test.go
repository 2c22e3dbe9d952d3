package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintRedeemRoundTrip(t *testing.T) {
	r := NewRegistry()

	tok := r.Mint(42, ServerNewCall)
	require.Equal(t, 1, r.Len())

	tag := r.Redeem(tok)
	assert.Equal(t, ServerNewCall, tag.Kind)
	assert.Equal(t, uint64(42), tag.Owner)
	assert.Equal(t, 0, r.Len())
}

func TestTokensAreMonotone(t *testing.T) {
	r := NewRegistry()

	var last Token
	for i := 0; i < 1000; i++ {
		tok := r.Mint(uint64(i), ClientFinished)
		require.Greater(t, tok, last)
		last = tok
	}
	assert.Equal(t, 1000, r.Len())

	// Redeeming does not allow token reuse.
	r.Redeem(last)
	tok := r.Mint(0, ClientFinished)
	assert.Greater(t, tok, last)
}

func TestRedeemUnknownTokenPanics(t *testing.T) {
	r := NewRegistry()

	assert.Panics(t, func() { r.Redeem(Token(7)) })
}

func TestDoubleRedeemPanics(t *testing.T) {
	r := NewRegistry()

	tok := r.Mint(1, ServerDone)
	r.Redeem(tok)
	assert.Panics(t, func() { r.Redeem(tok) })
}

func TestConcurrentMinting(t *testing.T) {
	r := NewRegistry()

	const goroutines = 8
	const perG = 500

	toks := make(chan Token, goroutines*perG)
	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perG; i++ {
				toks <- r.Mint(uint64(i), ServerWriting)
			}
		}()
	}

	seen := make(map[Token]bool)
	for i := 0; i < goroutines*perG; i++ {
		tok := <-toks
		require.False(t, seen[tok], "token %d minted twice", tok)
		seen[tok] = true
	}
	assert.Equal(t, goroutines*perG, r.Len())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "ClientConnectionChange", ClientConnectionChange.String())
	assert.Equal(t, "ClientFinished", ClientFinished.String())
	assert.Equal(t, "ServerNewCall", ServerNewCall.String())
	assert.Equal(t, "ServerWriting", ServerWriting.String())
	assert.Equal(t, "ServerDone", ServerDone.String())
}
