package balance

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dmreyes/agentfund/internal/chain"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/model"
	"github.com/dmreyes/agentfund/internal/staking"
)

// BalanceReader reads wallet balances on one chain.
type BalanceReader interface {
	Chain() id.Chain
	ReadBalances(ctx context.Context, wallets []id.WalletRef) ([]chain.Balance, error)
}

// PositionReader reads a service's registry and staking position on one chain.
type PositionReader interface {
	ReadPosition(ctx context.Context, operator string, serviceID int64, program, stakingAddress string) (staking.Position, error)
}

// ServiceSpec declares one service whose position the aggregator tracks.
type ServiceSpec struct {
	ChainID        string
	ServiceID      int64
	Operator       string
	Program        string
	StakingAddress string
}

// Target is an expected balance for (chain, wallet owner, symbol); shortfalls
// against it raise low-balance alerts.
type Target struct {
	ChainID      string
	Owner        id.WalletOwner
	Symbol       string
	ExpectedBase *big.Int
}

// ChainSnapshot is the last observation of one chain. When a refresh fails
// the previous balances are kept and the snapshot is marked stale; one dead
// RPC never blanks the rest of the view.
type ChainSnapshot struct {
	ChainID   string
	Balances  []chain.Balance
	Staked    []staking.Position
	FetchedAt time.Time
	Stale     bool
	Err       error
}

// Snapshot is a consistent cross-chain view, replaced wholesale on refresh.
type Snapshot struct {
	Chains      map[string]ChainSnapshot
	RefreshedAt time.Time
	Partial     bool
}

type Aggregator struct {
	readers     map[string]BalanceReader
	positions   map[string]PositionReader
	wallets     map[string][]id.WalletRef
	services    []ServiceSpec
	targets     []Target
	homeChainID string
	logger      *zap.Logger

	mu       sync.RWMutex
	snapshot Snapshot
}

func NewAggregator(homeChainID string, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		readers:     map[string]BalanceReader{},
		positions:   map[string]PositionReader{},
		wallets:     map[string][]id.WalletRef{},
		homeChainID: homeChainID,
		logger:      logger,
		snapshot:    Snapshot{Chains: map[string]ChainSnapshot{}},
	}
}

func (a *Aggregator) AddChain(reader BalanceReader, positionReader PositionReader, wallets []id.WalletRef) {
	chainID := reader.Chain().CAIP2
	a.readers[chainID] = reader
	if positionReader != nil {
		a.positions[chainID] = positionReader
	}
	a.wallets[chainID] = wallets
}

func (a *Aggregator) AddService(spec ServiceSpec) { a.services = append(a.services, spec) }

func (a *Aggregator) AddTarget(target Target) { a.targets = append(a.targets, target) }

// Refresh reads every chain concurrently and replaces the snapshot. A chain
// that fails keeps its previous balances, marked stale.
func (a *Aggregator) Refresh(ctx context.Context) Snapshot {
	a.mu.RLock()
	previous := a.snapshot
	a.mu.RUnlock()

	results := make(map[string]ChainSnapshot, len(a.readers))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for chainID, reader := range a.readers {
		wg.Add(1)
		go func(chainID string, reader BalanceReader) {
			defer wg.Done()
			snapshot := a.refreshChain(ctx, chainID, reader, previous.Chains[chainID])
			mu.Lock()
			results[chainID] = snapshot
			mu.Unlock()
		}(chainID, reader)
	}
	wg.Wait()

	next := Snapshot{Chains: results, RefreshedAt: time.Now().UTC()}
	for _, snapshot := range results {
		if snapshot.Stale {
			next.Partial = true
		}
	}

	a.mu.Lock()
	a.snapshot = next
	a.mu.Unlock()
	return next
}

func (a *Aggregator) refreshChain(ctx context.Context, chainID string, reader BalanceReader, previous ChainSnapshot) ChainSnapshot {
	balances, err := reader.ReadBalances(ctx, a.wallets[chainID])
	if err != nil {
		a.logger.Warn("chain refresh failed, keeping stale snapshot",
			zap.String("chain", chainID), zap.Error(err))
		previous.ChainID = chainID
		previous.Stale = true
		previous.Err = err
		return previous
	}

	snapshot := ChainSnapshot{
		ChainID:   chainID,
		Balances:  balances,
		FetchedAt: time.Now().UTC(),
	}

	positionReader := a.positions[chainID]
	for _, spec := range a.services {
		if spec.ChainID != chainID || positionReader == nil {
			continue
		}
		position, err := positionReader.ReadPosition(ctx, spec.Operator, spec.ServiceID, spec.Program, spec.StakingAddress)
		if err != nil {
			// A dead staking read degrades the staked section only.
			a.logger.Warn("staked position read failed",
				zap.String("chain", chainID),
				zap.Int64("service", spec.ServiceID),
				zap.Error(err))
			snapshot.Stale = true
			snapshot.Err = err
			for _, prev := range previous.Staked {
				if prev.ServiceID == spec.ServiceID {
					snapshot.Staked = append(snapshot.Staked, prev)
				}
			}
			continue
		}
		snapshot.Staked = append(snapshot.Staked, position)
	}
	return snapshot
}

// Current returns the latest snapshot without refreshing.
func (a *Aggregator) Current() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// View renders the snapshot with totals and low-balance alerts.
func (a *Aggregator) View(snapshot Snapshot) model.BalancesView {
	view := model.BalancesView{Partial: snapshot.Partial}

	chainIDs := make([]string, 0, len(snapshot.Chains))
	for chainID := range snapshot.Chains {
		chainIDs = append(chainIDs, chainID)
	}
	sort.Strings(chainIDs)

	nativeTotals := map[string]*big.Int{}
	olasTotal := big.NewInt(0)
	stakedTotal := big.NewInt(0)

	for _, chainID := range chainIDs {
		snap := snapshot.Chains[chainID]
		chainView := model.ChainSnapshotView{
			ChainID:   chainID,
			Stale:     snap.Stale,
			FetchedAt: snap.FetchedAt.Format(time.RFC3339),
		}
		if snap.Err != nil {
			chainView.Error = snap.Err.Error()
		}
		for _, b := range snap.Balances {
			chainView.Balances = append(chainView.Balances, model.WalletBalance{
				ChainID:     chainID,
				Wallet:      b.Wallet.Address,
				WalletKind:  string(b.Wallet.Kind),
				WalletOwner: string(b.Wallet.Owner),
				Symbol:      b.Token.Symbol,
				Address:     b.Token.Address,
				IsNative:    b.Token.Kind == id.TokenKindNative,
				IsWrapped:   b.Token.Kind == id.TokenKindWrapped,
				Amount:      AmountView(b.Amount, b.Token.Decimals),
			})
			switch {
			case b.Token.Symbol == "OLAS":
				olasTotal.Add(olasTotal, b.Amount)
			case b.Token.Kind == id.TokenKindNative || b.Token.Kind == id.TokenKindWrapped:
				symbol := id.FungibleSymbol(b.Token)
				total, ok := nativeTotals[symbol]
				if !ok {
					total = big.NewInt(0)
					nativeTotals[symbol] = total
				}
				total.Add(total, b.Amount)
			}
		}
		for _, position := range snap.Staked {
			chainView.Staked = append(chainView.Staked, model.StakedBalance{
				ChainID:          chainID,
				ServiceID:        position.ServiceID,
				StakingProgram:   position.Program,
				State:            position.State.String(),
				Bond:             AmountView(position.Bond, 18),
				Deposit:          AmountView(position.Deposit, 18),
				AccruedReward:    AmountView(position.AccruedReward, 18),
				StakingStartUNIX: stakingStartUnix(position),
			})
			if chainID == a.homeChainID {
				stakedTotal.Add(stakedTotal, position.Bond)
				stakedTotal.Add(stakedTotal, position.Deposit)
			}
		}
		view.Chains = append(view.Chains, chainView)
	}

	view.Totals = model.BalanceTotals{
		NativeBySymbol: map[string]model.AmountInfo{},
		OLAS:           AmountView(olasTotal, 18),
		StakedOLAS:     AmountView(stakedTotal, 18),
	}
	for symbol, total := range nativeTotals {
		view.Totals.NativeBySymbol[symbol] = AmountView(total, 18)
	}

	view.LowBalance = a.lowBalanceAlerts(snapshot)
	return view
}

func (a *Aggregator) lowBalanceAlerts(snapshot Snapshot) []model.LowBalanceAlert {
	var alerts []model.LowBalanceAlert
	for _, target := range a.targets {
		snap, ok := snapshot.Chains[target.ChainID]
		if !ok {
			continue
		}
		total := big.NewInt(0)
		decimals := 18
		for _, b := range snap.Balances {
			if b.Wallet.Owner != target.Owner {
				continue
			}
			if id.FungibleSymbol(b.Token) != target.Symbol {
				continue
			}
			total.Add(total, b.Amount)
			if b.Token.Kind != id.TokenKindWrapped {
				decimals = b.Token.Decimals
			}
		}
		if total.Cmp(target.ExpectedBase) < 0 {
			alerts = append(alerts, model.LowBalanceAlert{
				ChainID:  target.ChainID,
				Wallet:   string(target.Owner),
				Symbol:   target.Symbol,
				Current:  AmountView(total, decimals),
				Expected: AmountView(target.ExpectedBase, decimals),
			})
		}
	}
	return alerts
}

func stakingStartUnix(position staking.Position) int64 {
	if position.StakingStart.IsZero() {
		return 0
	}
	return position.StakingStart.Unix()
}

// AmountView renders a base-unit amount as the envelope's amount shape.
func AmountView(amount *big.Int, decimals int) model.AmountInfo {
	if amount == nil {
		amount = big.NewInt(0)
	}
	base := amount.String()
	return model.AmountInfo{
		AmountBaseUnits: base,
		AmountDecimal:   id.FormatDecimalCompat(base, decimals),
		Decimals:        decimals,
	}
}
