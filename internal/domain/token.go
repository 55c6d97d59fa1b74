package domain

import (
	"fmt"
	"strings"
)

// Chain identifies the network a token lives on. The tracker uses generic
// chain names internally; provider-specific spellings are handled by the
// resolver tables.
type Chain string

const (
	ChainEVM      Chain = "evm"
	ChainBSC      Chain = "bsc"
	ChainBase     Chain = "base"
	ChainArbitrum Chain = "arbitrum"
	ChainPolygon  Chain = "polygon"
	ChainSolana   Chain = "solana"
)

var knownChains = map[Chain]bool{
	ChainEVM:      true,
	ChainBSC:      true,
	ChainBase:     true,
	ChainArbitrum: true,
	ChainPolygon:  true,
	ChainSolana:   true,
}

// ParseChain validates a chain name read from config or persisted state.
// Unknown values are rejected, not preserved.
func ParseChain(s string) (Chain, error) {
	c := Chain(strings.ToLower(strings.TrimSpace(s)))
	if !knownChains[c] {
		return "", fmt.Errorf("unknown chain %q", s)
	}
	return c, nil
}

// TokenRef identifies a token by address+chain, by symbol, or both.
// Immutable once created; construct through NewTokenRef so normalization
// is applied exactly once.
type TokenRef struct {
	Chain   Chain  `json:"chain,omitempty"`
	Address string `json:"address,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
}

// NewTokenRef builds a normalized TokenRef. Symbols are upper-cased;
// addresses keep their original case (Solana mints are case-sensitive) and
// are lower-cased only inside Key(). Either address+chain or symbol must be
// present.
func NewTokenRef(chain Chain, address, symbol string) (TokenRef, error) {
	address = strings.TrimSpace(address)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if address != "" {
		if chain == "" {
			return TokenRef{}, fmt.Errorf("token address %s has no chain", address)
		}
		if !knownChains[chain] {
			return TokenRef{}, fmt.Errorf("unknown chain %q", chain)
		}
	} else if symbol == "" {
		return TokenRef{}, fmt.Errorf("token reference needs an address+chain or a symbol")
	}

	return TokenRef{Chain: chain, Address: address, Symbol: symbol}, nil
}

// HasAddress reports whether the reference carries an on-chain address.
func (t TokenRef) HasAddress() bool { return t.Address != "" }

// Key returns the canonical provider-independent token key:
// "<chain>:<address>" with the address lower-cased when one is known, else
// the upper-cased symbol.
func (t TokenRef) Key() string {
	if t.HasAddress() {
		return string(t.Chain) + ":" + strings.ToLower(t.Address)
	}
	return t.Symbol
}

// Display returns a short human-readable label for logs.
func (t TokenRef) Display() string {
	if t.Symbol != "" {
		return t.Symbol
	}
	if len(t.Address) > 10 {
		return t.Address[:10] + ".."
	}
	return t.Address
}

// Validate re-checks invariants on a reference loaded from disk.
func (t TokenRef) Validate() error {
	if t.Address == "" && t.Symbol == "" {
		return fmt.Errorf("token reference has neither address nor symbol")
	}
	if t.Address != "" {
		if t.Chain == "" {
			return fmt.Errorf("token address %s has no chain", t.Address)
		}
		if !knownChains[t.Chain] {
			return fmt.Errorf("unknown chain %q", t.Chain)
		}
	}
	if t.Symbol != "" && t.Symbol != strings.ToUpper(t.Symbol) {
		return fmt.Errorf("token symbol %s is not normalized", t.Symbol)
	}
	return nil
}
