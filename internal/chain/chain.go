// Package chain defines the chain families the wallet supports, their
// network parameters and derivation paths.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork parses a network name. Empty input means mainnet.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet", "main":
		return Mainnet, nil
	case "testnet", "test":
		return Testnet, nil
	default:
		return "", fmt.Errorf("unknown network %q", s)
	}
}

// Kind identifies a blockchain family. One wallet provider exists per kind.
type Kind string

const (
	Bitcoin  Kind = "bitcoin"
	Solana   Kind = "solana"
	Ethereum Kind = "ethereum"
)

// Kinds lists every supported chain family in address-detection order.
var Kinds = []Kind{Bitcoin, Solana, Ethereum}

// ParseKind parses a chain family name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Bitcoin:
		return Bitcoin, nil
	case Solana:
		return Solana, nil
	case Ethereum:
		return Ethereum, nil
	default:
		return "", fmt.Errorf("unknown chain %q", s)
	}
}

// Params contains the parameters of one chain family on one network.
type Params struct {
	Kind     Kind
	Symbol   string
	Name     string
	Decimals uint8

	// BIP44 derivation
	Purpose  uint32 // 44 or 84
	CoinType uint32 // SLIP-44 coin type

	// Bitcoin
	Net *chaincfg.Params

	// Ethereum
	ChainID uint64
}

// Params is a value table. Callers receive copies so nothing can mutate it.
var params = map[Kind]map[Network]Params{
	Bitcoin: {
		Mainnet: {
			Kind: Bitcoin, Symbol: "BTC", Name: "Bitcoin", Decimals: 8,
			Purpose: 84, CoinType: 0,
			Net: &chaincfg.MainNetParams,
		},
		Testnet: {
			Kind: Bitcoin, Symbol: "BTC", Name: "Bitcoin Testnet", Decimals: 8,
			Purpose: 84, CoinType: 1, // testnet uses coin type 1 for all coins
			Net: &chaincfg.TestNet3Params,
		},
	},
	Solana: {
		Mainnet: {Kind: Solana, Symbol: "SOL", Name: "Solana", Decimals: 9, Purpose: 44, CoinType: 501},
		Testnet: {Kind: Solana, Symbol: "SOL", Name: "Solana Devnet", Decimals: 9, Purpose: 44, CoinType: 501},
	},
	Ethereum: {
		Mainnet: {Kind: Ethereum, Symbol: "ETH", Name: "Ethereum", Decimals: 18, Purpose: 44, CoinType: 60, ChainID: 1},
		Testnet: {Kind: Ethereum, Symbol: "ETH", Name: "Ethereum Sepolia", Decimals: 18, Purpose: 44, CoinType: 60, ChainID: 11155111},
	},
}

// Get returns chain params for a chain family and network.
func Get(kind Kind, network Network) (Params, bool) {
	nets, ok := params[kind]
	if !ok {
		return Params{}, false
	}
	p, ok := nets[network]
	return p, ok
}

// MustGet is Get for values known at compile time.
func MustGet(kind Kind, network Network) Params {
	p, ok := Get(kind, network)
	if !ok {
		panic(fmt.Sprintf("chain: no params for %s/%s", kind, network))
	}
	return p
}

// HardenedKeyStart is the index of the first hardened BIP32 child.
const HardenedKeyStart uint32 = 0x80000000

// Path is a BIP32 derivation path. Hardened elements carry HardenedKeyStart.
type Path []uint32

// AccountPath returns m/purpose'/coin'/account'.
func (p Params) AccountPath(account uint32) Path {
	return Path{
		p.Purpose + HardenedKeyStart,
		p.CoinType + HardenedKeyStart,
		account + HardenedKeyStart,
	}
}

// AddressPath returns m/purpose'/coin'/account'/change/index.
func (p Params) AddressPath(account, change, index uint32) Path {
	return append(p.AccountPath(account), change, index)
}

// Child returns a copy of the path extended by the given elements.
func (p Path) Child(elems ...uint32) Path {
	out := make(Path, 0, len(p)+len(elems))
	out = append(out, p...)
	return append(out, elems...)
}

// String formats the path as m/84'/0'/0'/0/5.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, e := range p {
		b.WriteByte('/')
		if e >= HardenedKeyStart {
			b.WriteString(strconv.FormatUint(uint64(e-HardenedKeyStart), 10))
			b.WriteByte('\'')
		} else {
			b.WriteString(strconv.FormatUint(uint64(e), 10))
		}
	}
	return b.String()
}

// ParsePath parses a textual path such as m/44'/501'/0'/0'.
// Both ' and h mark hardened elements.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("path must start with m: %q", s)
	}
	out := make(Path, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		part = strings.TrimRight(part, "'h")
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil || uint32(n) >= HardenedKeyStart {
			return nil, fmt.Errorf("invalid path element %q in %q", part, s)
		}
		e := uint32(n)
		if hardened {
			e += HardenedKeyStart
		}
		out = append(out, e)
	}
	return out, nil
}
