package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChain(t *testing.T) {
	c, err := ParseChain("solana")
	require.NoError(t, err)
	assert.Equal(t, ChainSolana, c)

	_, err = ParseChain("dogechain")
	assert.Error(t, err)
}

func TestNewTokenRefNormalization(t *testing.T) {
	ref, err := NewTokenRef(ChainEVM, "0xC02AAA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "weth")
	require.NoError(t, err)
	assert.Equal(t, "0xC02AAA39b223FE8D0A0e5C4F27eAD9083C756Cc2", ref.Address, "address case preserved for providers")
	assert.Equal(t, "WETH", ref.Symbol)
	assert.True(t, ref.HasAddress())
	assert.Equal(t, "evm:0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", ref.Key(), "key is case-folded")
}

func TestTokenKeyCaseInsensitive(t *testing.T) {
	a, err := NewTokenRef(ChainEVM, "0xABCDEF", "")
	require.NoError(t, err)
	b, err := NewTokenRef(ChainEVM, "0xabcdef", "")
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())
}

func TestNewTokenRefSymbolOnly(t *testing.T) {
	ref, err := NewTokenRef("", "", "pepe")
	require.NoError(t, err)
	assert.False(t, ref.HasAddress())
	assert.Equal(t, "PEPE", ref.Key())
}

func TestNewTokenRefRejectsEmpty(t *testing.T) {
	_, err := NewTokenRef("", "", "")
	assert.Error(t, err)
}

func TestNewTokenRefAddressRequiresChain(t *testing.T) {
	_, err := NewTokenRef("", "0xabc", "")
	assert.Error(t, err)
}

func TestTokenKeyDistinguishesChains(t *testing.T) {
	a, err := NewTokenRef(ChainEVM, "0xabc123", "")
	require.NoError(t, err)
	b, err := NewTokenRef(ChainBSC, "0xabc123", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Key(), b.Key(), "same address on different chains must be distinct tokens")
}
