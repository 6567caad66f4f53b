package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one EVM chain and its endpoint pool. RPCURLs are
// listed in priority order.
type ChainDefinition struct {
	ChainID        uint64            `yaml:"chain_id"`
	RPCURLs        []string          `yaml:"rpc_urls"`
	NativeSymbol   string            `yaml:"native_symbol"`
	NativeDecimals uint8             `yaml:"native_decimals"`
	Tokens         []TokenDefinition `yaml:"tokens"`
	Description    string            `yaml:"description"`
}

// TokenDefinition is the YAML form of an ERC20 token.
type TokenDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata. An
// empty path yields DefaultChains.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultChains(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("read chain definitions: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if len(defs.Chains) == 0 {
		return ChainDefinitions{}, fmt.Errorf("chain definitions in %s are empty", path)
	}
	for name, def := range defs.Chains {
		if err := def.Validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("chain %s: %w", name, err)
		}
	}
	return defs, nil
}

// Validate checks that the definition is usable.
func (d ChainDefinition) Validate() error {
	if len(d.RPCURLs) == 0 {
		return fmt.Errorf("no rpc_urls configured")
	}
	seen := make(map[string]struct{}, len(d.Tokens))
	for _, t := range d.Tokens {
		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if sym == "" {
			return fmt.Errorf("token without symbol")
		}
		if _, dup := seen[sym]; dup {
			return fmt.Errorf("duplicate token %s", sym)
		}
		seen[sym] = struct{}{}
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("token %s has invalid address %q", sym, t.Address)
		}
	}
	return nil
}

// NativeToken returns the chain's native coin.
func (d ChainDefinition) NativeToken() Token {
	symbol := d.NativeSymbol
	if symbol == "" {
		symbol = "ETH"
	}
	decimals := d.NativeDecimals
	if decimals == 0 {
		decimals = 18
	}
	return Token{Symbol: strings.ToUpper(symbol), Decimals: decimals, Native: true}
}

// TokenSet returns every token on the chain keyed by upper-case symbol,
// including the native coin.
func (d ChainDefinition) TokenSet() map[string]Token {
	native := d.NativeToken()
	out := map[string]Token{native.Symbol: native}
	for _, t := range d.Tokens {
		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		out[sym] = Token{Symbol: sym, Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
	}
	return out
}

// Names returns the configured chain names in sorted order.
func (defs ChainDefinitions) Names() []string {
	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultChains returns the Arbitrum Sepolia and Arbitrum One definitions the
// service ships with.
func DefaultChains() ChainDefinitions {
	return ChainDefinitions{Chains: map[string]ChainDefinition{
		"arbitrum-sepolia": {
			ChainID: 421614,
			RPCURLs: []string{
				"https://arbitrum-sepolia-rpc.publicnode.com",
				"https://sepolia-rollup.arbitrum.io/rpc",
				"https://arbitrum-sepolia.public.blastapi.io",
				"https://arbitrum-sepolia.drpc.org/",
			},
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
			Tokens: []TokenDefinition{
				{Symbol: "MXNB", Address: "0x82B9e52b26A2954E113F94Ff26647754d5a4247D", Decimals: 6},
				{Symbol: "USDC", Address: "0xf3C3351D6Bd0098EEb33ca8f830FAf2a141Ea2E1", Decimals: 6},
				{Symbol: "USDT", Address: "0xE5b6C29411b3ad31C3613BbA0145293fC9957256", Decimals: 6},
				{Symbol: "WETH", Address: "0x2836ae2eA2c013acD38028fD0C77B92cccFa2EE4", Decimals: 18},
			},
			Description: "Arbitrum Sepolia testnet",
		},
		"arbitrum-one": {
			ChainID: 42161,
			RPCURLs: []string{
				"https://arbitrum-one-rpc.publicnode.com",
				"https://arb-pokt.nodies.app",
				"https://arbitrum.drpc.org",
			},
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
			Tokens: []TokenDefinition{
				{Symbol: "MXNB", Address: "0xF197FFC28c23E0309B5559e7a166f2c6164C80aA", Decimals: 6},
				{Symbol: "USDT", Address: "0xfd086bc7cd5c481dcc9c85ebe478a1c0b69fcbb9", Decimals: 6},
			},
			Description: "Arbitrum One mainnet",
		},
	}}
}
