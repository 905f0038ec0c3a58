package id

import "testing"

func TestParseChainAliases(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"gnosis", "eip155:100"},
		{"Gnosis", "eip155:100"},
		{"eip155:100", "eip155:100"},
		{"100", "eip155:100"},
		{"mainnet", "eip155:1"},
		{"base", "eip155:8453"},
	}
	for _, tc := range cases {
		chain, err := ParseChain(tc.input)
		if err != nil {
			t.Fatalf("ParseChain(%q): %v", tc.input, err)
		}
		if chain.CAIP2 != tc.want {
			t.Fatalf("ParseChain(%q) = %s, want %s", tc.input, chain.CAIP2, tc.want)
		}
	}
}

func TestParseChainRejectsUnknown(t *testing.T) {
	for _, input := range []string{"", "solana", "eip155:424242", "424242"} {
		if _, err := ParseChain(input); err == nil {
			t.Fatalf("ParseChain(%q) should fail", input)
		}
	}
}

func TestNativeAndWrapped(t *testing.T) {
	native, ok := NativeToken("eip155:100")
	if !ok || native.Symbol != "XDAI" || native.Address != AddressZero {
		t.Fatalf("unexpected gnosis native: %+v", native)
	}
	wrapped, ok := WrappedNative("eip155:100")
	if !ok || wrapped.Symbol != "WXDAI" {
		t.Fatalf("unexpected gnosis wrapped: %+v", wrapped)
	}
	if _, ok := WrappedNative("eip155:34443"); ok {
		t.Fatalf("mode has no wrapped native configured")
	}
}

func TestFungibleSymbolFoldsWrapped(t *testing.T) {
	wrapped, _ := WrappedNative("eip155:100")
	if got := FungibleSymbol(wrapped); got != "XDAI" {
		t.Fatalf("wrapped should fold to native, got %s", got)
	}
	olas, _ := TokenBySymbol("eip155:100", "OLAS")
	if got := FungibleSymbol(olas); got != "OLAS" {
		t.Fatalf("erc20 should stay itself, got %s", got)
	}
}

func TestTokenByAddressZeroResolvesNative(t *testing.T) {
	token, ok := TokenByAddress("eip155:8453", AddressZero)
	if !ok || !token.IsNative() {
		t.Fatalf("zero address should resolve native, got %+v", token)
	}
}

func TestWalletRefKeyIsChainScoped(t *testing.T) {
	a := WalletRef{Address: "0xAbC0000000000000000000000000000000000001", ChainID: "eip155:100"}
	b := WalletRef{Address: "0xabc0000000000000000000000000000000000001", ChainID: "eip155:100"}
	c := WalletRef{Address: a.Address, ChainID: "eip155:1"}
	if a.Key() != b.Key() {
		t.Fatalf("keys should be case insensitive")
	}
	if a.Key() == c.Key() {
		t.Fatalf("same address on different chains must be distinct")
	}
}

func TestIsHexAddress(t *testing.T) {
	if !IsHexAddress(AddressZero) {
		t.Fatalf("zero address should validate")
	}
	if IsHexAddress("0x123") || IsHexAddress("not-an-address") {
		t.Fatalf("short or garbage input should not validate")
	}
}
