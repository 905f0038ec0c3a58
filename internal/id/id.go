package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	clierr "github.com/dmreyes/agentfund/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// AddressZero is the native-token sentinel used throughout the funding
// requirement records and the bridge request payloads.
const AddressZero = "0x0000000000000000000000000000000000000000"

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

func (c Chain) Namespace() string {
	parts := strings.SplitN(c.CAIP2, ":", 2)
	return parts[0]
}

func (c Chain) IsEVM() bool {
	return c.Namespace() == "eip155"
}

// TokenKind distinguishes the chain's gas token, plain ERC-20 tokens and
// wrapped representations of the gas token. Native and wrapped balances are
// fungible for requirement-satisfaction purposes.
type TokenKind string

const (
	TokenKindNative  TokenKind = "native"
	TokenKindERC20   TokenKind = "erc20"
	TokenKindWrapped TokenKind = "wrapped"
)

type Token struct {
	ChainID  string
	Symbol   string
	Address  string
	Decimals int
	Kind     TokenKind
}

func (t Token) IsNative() bool { return t.Kind == TokenKindNative }

// WalletKind distinguishes externally-owned accounts from multisig safes.
type WalletKind string

const (
	WalletKindEOA  WalletKind = "eoa"
	WalletKindSafe WalletKind = "safe"
)

// WalletOwner distinguishes the user's master wallets from per-agent wallets.
type WalletOwner string

const (
	WalletOwnerMaster WalletOwner = "master"
	WalletOwnerAgent  WalletOwner = "agent"
)

// WalletRef identifies a wallet on one chain. Identity is (address, chain);
// the same address appearing on two chains is two distinct refs.
type WalletRef struct {
	Address string
	ChainID string
	Kind    WalletKind
	Owner   WalletOwner
}

func (w WalletRef) Key() string {
	return strings.ToLower(w.Address) + "@" + w.ChainID
}

var chainBySlug = map[string]Chain{
	"ethereum": {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"mainnet":  {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"gnosis":   {Name: "Gnosis", Slug: "gnosis", CAIP2: "eip155:100", EVMChainID: 100},
	"base":     {Name: "Base", Slug: "base", CAIP2: "eip155:8453", EVMChainID: 8453},
	"optimism": {Name: "Optimism", Slug: "optimism", CAIP2: "eip155:10", EVMChainID: 10},
	"mode":     {Name: "Mode", Slug: "mode", CAIP2: "eip155:34443", EVMChainID: 34443},
}

var chainByID = map[int64]Chain{
	1:     chainBySlug["ethereum"],
	10:    chainBySlug["optimism"],
	100:   chainBySlug["gnosis"],
	8453:  chainBySlug["base"],
	34443: chainBySlug["mode"],
}

// Tokens the funding engine knows how to read and refill, per chain. The
// native entry uses the zero-address sentinel.
var tokenRegistry = map[string][]Token{
	"eip155:1": {
		{ChainID: "eip155:1", Symbol: "ETH", Address: AddressZero, Decimals: 18, Kind: TokenKindNative},
		{ChainID: "eip155:1", Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18, Kind: TokenKindWrapped},
		{ChainID: "eip155:1", Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, Kind: TokenKindERC20},
		{ChainID: "eip155:1", Symbol: "OLAS", Address: "0x0001A500A6B18995B03f44bb040A5fFc28E45CB0", Decimals: 18, Kind: TokenKindERC20},
	},
	"eip155:100": {
		{ChainID: "eip155:100", Symbol: "XDAI", Address: AddressZero, Decimals: 18, Kind: TokenKindNative},
		{ChainID: "eip155:100", Symbol: "WXDAI", Address: "0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d", Decimals: 18, Kind: TokenKindWrapped},
		{ChainID: "eip155:100", Symbol: "USDC", Address: "0xDDAfbb505ad214D7b80b1f830fcCc89B60fb7A83", Decimals: 6, Kind: TokenKindERC20},
		{ChainID: "eip155:100", Symbol: "OLAS", Address: "0xcE11e14225575945b8E6Dc0D4F2dD4C570f79d9f", Decimals: 18, Kind: TokenKindERC20},
	},
	"eip155:8453": {
		{ChainID: "eip155:8453", Symbol: "ETH", Address: AddressZero, Decimals: 18, Kind: TokenKindNative},
		{ChainID: "eip155:8453", Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18, Kind: TokenKindWrapped},
		{ChainID: "eip155:8453", Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, Kind: TokenKindERC20},
		{ChainID: "eip155:8453", Symbol: "OLAS", Address: "0x54330d28ca3357F294334BDC454a032e7f353416", Decimals: 18, Kind: TokenKindERC20},
	},
	"eip155:10": {
		{ChainID: "eip155:10", Symbol: "ETH", Address: AddressZero, Decimals: 18, Kind: TokenKindNative},
		{ChainID: "eip155:10", Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18, Kind: TokenKindWrapped},
		{ChainID: "eip155:10", Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6, Kind: TokenKindERC20},
		{ChainID: "eip155:10", Symbol: "OLAS", Address: "0xFC2E6e6BCbd49ccf3A5f029c79984372DcBFE527", Decimals: 18, Kind: TokenKindERC20},
	},
	"eip155:34443": {
		{ChainID: "eip155:34443", Symbol: "ETH", Address: AddressZero, Decimals: 18, Kind: TokenKindNative},
		{ChainID: "eip155:34443", Symbol: "USDC", Address: "0xd988097fb8612cc24eeC14542bC03424c656005f", Decimals: 6, Kind: TokenKindERC20},
		{ChainID: "eip155:34443", Symbol: "OLAS", Address: "0xcfD1D50ce23C46D3Cf6407487B2F8934e96DC8f9", Decimals: 18, Kind: TokenKindERC20},
	},
}

func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		parts := strings.Split(norm, ":")
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		if known, ok := chainByID[id]; ok {
			return known, nil
		}
		return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("chain %s is not configured", norm))
	}

	if id, err := strconv.ParseInt(norm, 10, 64); err == nil {
		if chain, ok := chainByID[id]; ok {
			return chain, nil
		}
		return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("chain id %d is not configured", id))
	}

	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// Chains returns the configured chains in ascending chain-id order.
func Chains() []Chain {
	out := make([]Chain, 0, len(chainByID))
	for _, id := range []int64{1, 10, 100, 8453, 34443} {
		out = append(out, chainByID[id])
	}
	return out
}

// TokensOn returns the token set configured for a chain.
func TokensOn(chainID string) []Token {
	return tokenRegistry[chainID]
}

// TokenByAddress resolves a token on a chain by address; the zero address
// resolves to the chain's native token.
func TokenByAddress(chainID, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Address, address) {
			return t, true
		}
	}
	return Token{}, false
}

// TokenBySymbol resolves a token on a chain by symbol.
func TokenBySymbol(chainID, symbol string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}

// NativeToken returns the native gas token configured for a chain.
func NativeToken(chainID string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if t.Kind == TokenKindNative {
			return t, true
		}
	}
	return Token{}, false
}

// WrappedNative returns the wrapped representation of a chain's gas token,
// when one is configured.
func WrappedNative(chainID string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if t.Kind == TokenKindWrapped {
			return t, true
		}
	}
	return Token{}, false
}

// FungibleSymbol maps a token to the symbol it satisfies requirements for:
// wrapped tokens fold into the native symbol, everything else is itself.
func FungibleSymbol(t Token) string {
	if t.Kind == TokenKindWrapped {
		if native, ok := NativeToken(t.ChainID); ok {
			return native.Symbol
		}
	}
	return t.Symbol
}

func IsHexAddress(v string) bool {
	return evmAddressPattern.MatchString(strings.TrimSpace(v))
}

func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
