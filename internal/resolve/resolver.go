// Package resolve maps token identifiers between the tracker's generic form
// and each provider's query-ready form. Three tables drive it: wrapped-native
// aliases, the ambiguous-symbol blocklist, and per-provider chain spellings.
// The resolver is pure and synchronous; tables come from config.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sawpanic/signalrun/internal/domain"
)

// ErrAmbiguousSymbol is returned when a blocklisted symbol arrives without
// the explicit $ or # prefix marker from extraction.
var ErrAmbiguousSymbol = errors.New("ambiguous symbol requires explicit prefix")

// AliasTable folds wrapped-native tokens to their canonical asset. Symbols
// fold by ticker, Addresses fold by "chain:address" key so a wrapped ETH
// contract yields the ETH timeseries.
type AliasTable struct {
	Symbols   map[string]string `yaml:"symbols" json:"symbols"`
	Addresses map[string]string `yaml:"addresses" json:"addresses"`
}

// BlocklistEntry marks one ambiguous symbol. RequiresPrefix entries are
// admitted only when the extractor saw an explicit marker.
type BlocklistEntry struct {
	RequiresPrefix bool `yaml:"requires_prefix" json:"requires_prefix"`
}

// Tables is the full resolver configuration.
type Tables struct {
	Aliases        AliasTable                         `yaml:"aliases" json:"aliases"`
	Blocklist      map[string]BlocklistEntry          `yaml:"blocklist" json:"blocklist"`
	ChainSpellings map[string]map[domain.Chain]string `yaml:"chain_spellings" json:"chain_spellings"`
}

// ProviderRef is the query-ready identifier set for one provider. Chain is
// the provider's own spelling and is empty for pure symbol queries.
type ProviderRef struct {
	Chain   string
	Address string
	Symbol  string
}

// Resolver holds normalized copies of the tables. Safe for concurrent use.
type Resolver struct {
	symbolAliases  map[string]string
	addressAliases map[string]string
	blocklist      map[string]BlocklistEntry
	chainSpellings map[string]map[domain.Chain]string
}

// New builds a resolver, normalizing table keys the same way TokenRef does:
// symbols upper-cased, addresses lower-cased.
func New(t Tables) (*Resolver, error) {
	r := &Resolver{
		symbolAliases:  make(map[string]string, len(t.Aliases.Symbols)),
		addressAliases: make(map[string]string, len(t.Aliases.Addresses)),
		blocklist:      make(map[string]BlocklistEntry, len(t.Blocklist)),
		chainSpellings: make(map[string]map[domain.Chain]string, len(t.ChainSpellings)),
	}
	for from, to := range t.Aliases.Symbols {
		from = strings.ToUpper(strings.TrimSpace(from))
		to = strings.ToUpper(strings.TrimSpace(to))
		if from == "" || to == "" {
			return nil, fmt.Errorf("alias table has empty symbol mapping %q -> %q", from, to)
		}
		r.symbolAliases[from] = to
	}
	for key, to := range t.Aliases.Addresses {
		key = strings.ToLower(strings.TrimSpace(key))
		to = strings.ToUpper(strings.TrimSpace(to))
		chain, _, ok := strings.Cut(key, ":")
		if !ok || to == "" {
			return nil, fmt.Errorf("alias table address key %q must be chain:address", key)
		}
		if _, err := domain.ParseChain(chain); err != nil {
			return nil, fmt.Errorf("alias table: %w", err)
		}
		r.addressAliases[key] = to
	}
	for sym, entry := range t.Blocklist {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			return nil, fmt.Errorf("blocklist has an empty symbol")
		}
		r.blocklist[sym] = entry
	}
	for provider, spellings := range t.ChainSpellings {
		provider = strings.ToLower(strings.TrimSpace(provider))
		if provider == "" {
			return nil, fmt.Errorf("chain spellings: empty provider name")
		}
		m := make(map[domain.Chain]string, len(spellings))
		for chain, spelling := range spellings {
			if _, err := domain.ParseChain(string(chain)); err != nil {
				return nil, fmt.Errorf("chain spellings for %s: %w", provider, err)
			}
			if spelling == "" {
				return nil, fmt.Errorf("chain spellings for %s: empty spelling for %s", provider, chain)
			}
			m[chain] = spelling
		}
		r.chainSpellings[provider] = m
	}
	return r, nil
}

// Canonical folds a wrapped-native reference to its canonical asset. The
// folded form is symbol-only so historical queries hit the native
// timeseries. References with no alias pass through unchanged.
func (r *Resolver) Canonical(ref domain.TokenRef) domain.TokenRef {
	if ref.HasAddress() {
		if canon, ok := r.addressAliases[string(ref.Chain)+":"+strings.ToLower(ref.Address)]; ok {
			folded, err := domain.NewTokenRef("", "", canon)
			if err == nil {
				return folded
			}
		}
	}
	if ref.Symbol != "" {
		if canon, ok := r.symbolAliases[ref.Symbol]; ok && !ref.HasAddress() {
			folded, err := domain.NewTokenRef("", "", canon)
			if err == nil {
				return folded
			}
		}
	}
	return ref
}

// Key returns the canonical tracking key after alias folding.
func (r *Resolver) Key(ref domain.TokenRef) string {
	return r.Canonical(ref).Key()
}

// AdmitSymbol enforces the ambiguous-symbol blocklist. Blocklisted symbols
// pass only when the extractor flagged an explicit $ or # prefix.
func (r *Resolver) AdmitSymbol(symbol string, explicitPrefix bool) error {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	entry, ok := r.blocklist[sym]
	if !ok {
		return nil
	}
	if entry.RequiresPrefix && !explicitPrefix {
		return fmt.Errorf("symbol %s: %w", sym, ErrAmbiguousSymbol)
	}
	return nil
}

// Blocked reports whether a symbol is on the blocklist at all.
func (r *Resolver) Blocked(symbol string) bool {
	_, ok := r.blocklist[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

// ForProvider yields the query-ready identifiers for one provider. Address
// references need a chain spelling; a provider that does not index the
// chain gets an error so fallback chains can move on.
func (r *Resolver) ForProvider(provider string, ref domain.TokenRef) (ProviderRef, error) {
	provider = strings.ToLower(provider)
	out := ProviderRef{Symbol: ref.Symbol, Address: ref.Address}
	if !ref.HasAddress() {
		if ref.Symbol == "" {
			return ProviderRef{}, fmt.Errorf("empty token reference")
		}
		return out, nil
	}
	spellings, ok := r.chainSpellings[provider]
	if !ok {
		return ProviderRef{}, fmt.Errorf("no chain spellings for provider %s", provider)
	}
	spelling, ok := spellings[ref.Chain]
	if !ok {
		return ProviderRef{}, fmt.Errorf("provider %s does not index chain %s", provider, ref.Chain)
	}
	out.Chain = spelling
	return out, nil
}
