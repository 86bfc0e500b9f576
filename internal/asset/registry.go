package asset

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
)

//go:embed assets.mainnet.json assets.testnet.json
var builtin embed.FS

// Registry is an immutable lookup table of assets keyed by code.
type Registry struct {
	byCode map[string]Asset
	order  []string
}

type document struct {
	Assets []struct {
		Code            string `json:"code"`
		Network         string `json:"network"`
		ContractAddress string `json:"contractAddress"`
		Decimals        *uint8 `json:"decimals"`
		Symbol          string `json:"symbol"`
		Name            string `json:"name"`
		Visible         *bool  `json:"visible"`
	} `json:"assets"`
}

// Default returns the built-in asset list for a network.
func Default(network chain.Network) (*Registry, error) {
	f, err := builtin.Open("assets." + string(network) + ".json")
	if err != nil {
		return nil, fmt.Errorf("no built-in assets for %s: %w", network, err)
	}
	defer f.Close()
	return Load(f, network)
}

// LoadFile reads an asset list from disk.
func LoadFile(path string, network chain.Network) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset file: %w", err)
	}
	defer f.Close()
	return Load(f, network)
}

// Load parses an asset list document. Native assets without explicit
// decimals inherit the chain's native decimals; tokens without decimals keep
// zero and the chain service applies its own default.
func Load(r io.Reader, network chain.Network) (*Registry, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode asset list: %w", err)
	}

	reg := &Registry{byCode: make(map[string]Asset, len(doc.Assets))}
	natives := make(map[chain.Kind]string)

	for _, raw := range doc.Assets {
		code := strings.ToUpper(strings.TrimSpace(raw.Code))
		if code == "" {
			return nil, fmt.Errorf("asset without code")
		}
		if _, dup := reg.byCode[code]; dup {
			return nil, fmt.Errorf("duplicate asset code %s", code)
		}
		kind, err := chain.ParseKind(raw.Network)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", code, err)
		}

		a := Asset{
			Code:            code,
			Network:         kind,
			ContractAddress: strings.TrimSpace(raw.ContractAddress),
			Symbol:          raw.Symbol,
			Name:            raw.Name,
			Visible:         true,
		}
		if raw.Visible != nil {
			a.Visible = *raw.Visible
		}
		if a.Symbol == "" {
			a.Symbol = code
		}
		if raw.Decimals != nil {
			a.Decimals = *raw.Decimals
		} else if a.IsNative() {
			a.Decimals = chain.MustGet(kind, network).Decimals
		}

		if a.IsNative() {
			if other, ok := natives[kind]; ok {
				return nil, fmt.Errorf("assets %s and %s are both native on %s", other, code, kind)
			}
			natives[kind] = code
		}

		reg.byCode[code] = a
		reg.order = append(reg.order, code)
	}

	return reg, nil
}

// Get returns the asset for a code. Codes are case-insensitive.
func (r *Registry) Get(code string) (Asset, bool) {
	a, ok := r.byCode[strings.ToUpper(strings.TrimSpace(code))]
	return a, ok
}

// Native returns the native coin of a chain.
func (r *Registry) Native(kind chain.Kind) (Asset, bool) {
	for _, code := range r.order {
		a := r.byCode[code]
		if a.Network == kind && a.IsNative() {
			return a, true
		}
	}
	return Asset{}, false
}

// ByContract returns the token asset on a chain with the given contract or mint.
func (r *Registry) ByContract(kind chain.Kind, contract string) (Asset, bool) {
	if contract == "" {
		return Asset{}, false
	}
	for _, code := range r.order {
		a := r.byCode[code]
		if a.Network == kind && !a.IsNative() && a.SameContract(contract) {
			return a, true
		}
	}
	return Asset{}, false
}

// List returns every asset in document order.
func (r *Registry) List() []Asset {
	out := make([]Asset, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.byCode[code])
	}
	return out
}

// Visible returns the assets flagged visible, sorted by code.
func (r *Registry) Visible() []Asset {
	var out []Asset
	for _, code := range r.order {
		if a := r.byCode[code]; a.Visible {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// OnChain returns every asset of one chain family.
func (r *Registry) OnChain(kind chain.Kind) []Asset {
	var out []Asset
	for _, code := range r.order {
		if a := r.byCode[code]; a.Network == kind {
			out = append(out, a)
		}
	}
	return out
}
