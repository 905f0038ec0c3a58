package balance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"go.uber.org/zap"

	"github.com/dmreyes/agentfund/internal/chain"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/staking"
)

type fakeBalanceReader struct {
	chain    id.Chain
	balances []chain.Balance
	err      error
}

func (f *fakeBalanceReader) Chain() id.Chain { return f.chain }

func (f *fakeBalanceReader) ReadBalances(context.Context, []id.WalletRef) ([]chain.Balance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balances, nil
}

type fakePositionReader struct {
	position staking.Position
	err      error
}

func (f *fakePositionReader) ReadPosition(context.Context, string, int64, string, string) (staking.Position, error) {
	if f.err != nil {
		return staking.Position{}, f.err
	}
	return f.position, nil
}

const testWallet = "0x1111111111111111111111111111111111111111"

func mustChain(t *testing.T, slug string) id.Chain {
	t.Helper()
	c, err := id.ParseChain(slug)
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	return c
}

func nativeBalance(t *testing.T, chainID string, amount int64) chain.Balance {
	t.Helper()
	token, ok := id.NativeToken(chainID)
	if !ok {
		t.Fatalf("no native token on %s", chainID)
	}
	return chain.Balance{
		Wallet: id.WalletRef{Address: testWallet, ChainID: chainID, Kind: id.WalletKindEOA, Owner: id.WalletOwnerMaster},
		Token:  token,
		Amount: big.NewInt(amount),
	}
}

func tokenBalance(t *testing.T, chainID, symbol string, amount int64) chain.Balance {
	t.Helper()
	token, ok := id.TokenBySymbol(chainID, symbol)
	if !ok {
		t.Fatalf("no %s on %s", symbol, chainID)
	}
	return chain.Balance{
		Wallet: id.WalletRef{Address: testWallet, ChainID: chainID, Kind: id.WalletKindEOA, Owner: id.WalletOwnerMaster},
		Token:  token,
		Amount: big.NewInt(amount),
	}
}

func TestRefreshIsolatesChainFailure(t *testing.T) {
	gnosis := mustChain(t, "gnosis")
	base := mustChain(t, "base")

	goodReader := &fakeBalanceReader{chain: gnosis, balances: []chain.Balance{nativeBalance(t, gnosis.CAIP2, 100)}}
	badReader := &fakeBalanceReader{chain: base, err: errors.New("rpc down")}

	agg := NewAggregator(gnosis.CAIP2, zap.NewNop())
	agg.AddChain(goodReader, nil, nil)
	agg.AddChain(badReader, nil, nil)

	snapshot := agg.Refresh(context.Background())
	if !snapshot.Partial {
		t.Fatalf("snapshot should be partial")
	}
	if snapshot.Chains[gnosis.CAIP2].Stale {
		t.Fatalf("healthy chain must not be stale")
	}
	if !snapshot.Chains[base.CAIP2].Stale {
		t.Fatalf("failed chain must be stale")
	}
	if len(snapshot.Chains[gnosis.CAIP2].Balances) != 1 {
		t.Fatalf("healthy chain lost balances")
	}
}

func TestRefreshKeepsPreviousBalancesWhenChainFails(t *testing.T) {
	gnosis := mustChain(t, "gnosis")
	reader := &fakeBalanceReader{chain: gnosis, balances: []chain.Balance{nativeBalance(t, gnosis.CAIP2, 100)}}

	agg := NewAggregator(gnosis.CAIP2, zap.NewNop())
	agg.AddChain(reader, nil, nil)

	first := agg.Refresh(context.Background())
	if first.Partial {
		t.Fatalf("first refresh should be clean")
	}

	reader.err = errors.New("rpc down")
	second := agg.Refresh(context.Background())
	snap := second.Chains[gnosis.CAIP2]
	if !snap.Stale {
		t.Fatalf("chain should be stale after failure")
	}
	if len(snap.Balances) != 1 || snap.Balances[0].Amount.Int64() != 100 {
		t.Fatalf("previous balances should survive: %+v", snap.Balances)
	}
}

func TestViewTotalsFoldWrappedIntoNative(t *testing.T) {
	gnosis := mustChain(t, "gnosis")
	reader := &fakeBalanceReader{chain: gnosis, balances: []chain.Balance{
		nativeBalance(t, gnosis.CAIP2, 100),
		tokenBalance(t, gnosis.CAIP2, "WXDAI", 50),
		tokenBalance(t, gnosis.CAIP2, "OLAS", 7),
	}}

	agg := NewAggregator(gnosis.CAIP2, zap.NewNop())
	agg.AddChain(reader, nil, nil)

	view := agg.View(agg.Refresh(context.Background()))
	if got := view.Totals.NativeBySymbol["XDAI"].AmountBaseUnits; got != "150" {
		t.Fatalf("wrapped should fold into native total, got %s", got)
	}
	if view.Totals.OLAS.AmountBaseUnits != "7" {
		t.Fatalf("unexpected olas total: %s", view.Totals.OLAS.AmountBaseUnits)
	}
}

func TestViewStakedTotalCountsHomeChainOnly(t *testing.T) {
	gnosis := mustChain(t, "gnosis")
	base := mustChain(t, "base")

	positionFor := func(serviceID int64) *fakePositionReader {
		return &fakePositionReader{position: staking.Position{
			ServiceID: serviceID,
			State:     staking.StateDeployed,
			Bond:      big.NewInt(1000),
			Deposit:   big.NewInt(500),
		}}
	}

	agg := NewAggregator(gnosis.CAIP2, zap.NewNop())
	agg.AddChain(&fakeBalanceReader{chain: gnosis}, positionFor(1), nil)
	agg.AddChain(&fakeBalanceReader{chain: base}, positionFor(2), nil)
	agg.AddService(ServiceSpec{ChainID: gnosis.CAIP2, ServiceID: 1})
	agg.AddService(ServiceSpec{ChainID: base.CAIP2, ServiceID: 2})

	view := agg.View(agg.Refresh(context.Background()))
	if view.Totals.StakedOLAS.AmountBaseUnits != "1500" {
		t.Fatalf("staked total should count home chain only, got %s", view.Totals.StakedOLAS.AmountBaseUnits)
	}
}

func TestStakedReadFailureKeepsPreviousPosition(t *testing.T) {
	gnosis := mustChain(t, "gnosis")
	positions := &fakePositionReader{position: staking.Position{
		ServiceID: 1,
		Bond:      big.NewInt(1),
		Deposit:   big.NewInt(2),
	}}

	agg := NewAggregator(gnosis.CAIP2, zap.NewNop())
	agg.AddChain(&fakeBalanceReader{chain: gnosis}, positions, nil)
	agg.AddService(ServiceSpec{ChainID: gnosis.CAIP2, ServiceID: 1})

	agg.Refresh(context.Background())
	positions.err = errors.New("staking contract read reverted")

	snapshot := agg.Refresh(context.Background())
	snap := snapshot.Chains[gnosis.CAIP2]
	if !snap.Stale {
		t.Fatalf("chain should be stale on staked read failure")
	}
	if len(snap.Staked) != 1 || snap.Staked[0].Bond.Int64() != 1 {
		t.Fatalf("previous staked position should survive: %+v", snap.Staked)
	}
}

func TestLowBalanceAlerts(t *testing.T) {
	gnosis := mustChain(t, "gnosis")
	reader := &fakeBalanceReader{chain: gnosis, balances: []chain.Balance{
		nativeBalance(t, gnosis.CAIP2, 100),
		tokenBalance(t, gnosis.CAIP2, "WXDAI", 50),
	}}

	agg := NewAggregator(gnosis.CAIP2, zap.NewNop())
	agg.AddChain(reader, nil, nil)
	agg.AddTarget(Target{ChainID: gnosis.CAIP2, Owner: id.WalletOwnerMaster, Symbol: "XDAI", ExpectedBase: big.NewInt(200)})
	agg.AddTarget(Target{ChainID: gnosis.CAIP2, Owner: id.WalletOwnerMaster, Symbol: "USDC", ExpectedBase: big.NewInt(0)})

	view := agg.View(agg.Refresh(context.Background()))
	if len(view.LowBalance) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(view.LowBalance))
	}
	alert := view.LowBalance[0]
	// Native + wrapped are fungible against the target.
	if alert.Current.AmountBaseUnits != "150" || alert.Expected.AmountBaseUnits != "200" {
		t.Fatalf("unexpected alert amounts: %+v", alert)
	}
}
