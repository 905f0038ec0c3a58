package fund

import (
	"math/big"
	"sort"
	"strings"

	"github.com/dmreyes/agentfund/internal/balance"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/model"
)

// MasterSafePlaceholder marks a requirement whose recipient safe does not
// exist yet. It resolves to the master EOA, which will fund safe creation.
const MasterSafePlaceholder = "master_safe"

// RefillTarget is one funding expectation: Recipient on ChainID should hold
// at least RequiredBase of Symbol.
type RefillTarget struct {
	ChainID      string
	Recipient    string
	Symbol       string
	RequiredBase *big.Int
}

// Intent is one computed refill: move Amount of the destination-chain token
// from the master EOA on the source chain to Recipient.
type Intent struct {
	FromChainID string
	ToChainID   string
	FromAddress string
	Recipient   string
	Token       id.Token
	Amount      *big.Int
}

// Deficit clamps required-minus-available at zero. Surpluses never produce
// negative requirements.
func Deficit(required, available *big.Int) *big.Int {
	deficit := new(big.Int).Sub(required, available)
	if deficit.Sign() < 0 {
		return big.NewInt(0)
	}
	return deficit
}

// Compute derives refill intents from the current snapshot. Native and
// wrapped balances both count toward a native-symbol target; OLAS targets are
// netted against accrued staking rewards on the same chain. The result is
// merged by (from, to, token, recipient), with duplicate targets summing.
func Compute(snapshot balance.Snapshot, targets []RefillTarget, masterEOA, sourceChainID string) []Intent {
	intents := make([]Intent, 0, len(targets))
	for _, target := range targets {
		recipient := ResolveRecipient(target.Recipient, masterEOA)
		available := effectiveBalance(snapshot, target.ChainID, recipient, target.Symbol)
		if target.Symbol == "OLAS" {
			available = new(big.Int).Add(available, accruedRewards(snapshot, target.ChainID))
		}
		deficit := Deficit(target.RequiredBase, available)
		if deficit.Sign() == 0 {
			continue
		}
		token, ok := id.TokenBySymbol(target.ChainID, target.Symbol)
		if !ok {
			continue
		}
		intents = append(intents, Intent{
			FromChainID: sourceChainID,
			ToChainID:   target.ChainID,
			FromAddress: masterEOA,
			Recipient:   recipient,
			Token:       token,
			Amount:      deficit,
		})
	}
	return Merge(intents)
}

// ResolveRecipient maps the master-safe placeholder to the master EOA.
func ResolveRecipient(recipient, masterEOA string) string {
	if strings.EqualFold(strings.TrimSpace(recipient), MasterSafePlaceholder) {
		return masterEOA
	}
	return recipient
}

// Merge folds intents with the same (from, to, token, recipient) into one,
// summing amounts. Order is deterministic.
func Merge(intents []Intent) []Intent {
	type key struct {
		from      string
		to        string
		token     string
		recipient string
	}
	merged := map[key]*Intent{}
	order := make([]key, 0, len(intents))
	for _, intent := range intents {
		k := key{
			from:      intent.FromChainID,
			to:        intent.ToChainID,
			token:     strings.ToLower(intent.Token.Address),
			recipient: strings.ToLower(intent.Recipient),
		}
		if existing, ok := merged[k]; ok {
			existing.Amount = new(big.Int).Add(existing.Amount, intent.Amount)
			continue
		}
		clone := intent
		clone.Amount = new(big.Int).Set(intent.Amount)
		merged[k] = &clone
		order = append(order, k)
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].to != order[j].to {
			return order[i].to < order[j].to
		}
		if order[i].recipient != order[j].recipient {
			return order[i].recipient < order[j].recipient
		}
		return order[i].token < order[j].token
	})
	out := make([]Intent, 0, len(merged))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

// View renders intents as the requirements envelope payload.
func View(intents []Intent) model.RequirementsView {
	view := model.RequirementsView{Satisfied: len(intents) == 0}
	for _, intent := range intents {
		view.Requirements = append(view.Requirements, model.Requirement{
			FromChainID: intent.FromChainID,
			ToChainID:   intent.ToChainID,
			FromAddress: intent.FromAddress,
			Recipient:   intent.Recipient,
			Token:       intent.Token.Address,
			Symbol:      intent.Token.Symbol,
			Amount:      balance.AmountView(intent.Amount, intent.Token.Decimals),
		})
	}
	return view
}

func effectiveBalance(snapshot balance.Snapshot, chainID, recipient, symbol string) *big.Int {
	total := big.NewInt(0)
	snap, ok := snapshot.Chains[chainID]
	if !ok {
		return total
	}
	for _, b := range snap.Balances {
		if !id.SameAddress(b.Wallet.Address, recipient) {
			continue
		}
		if id.FungibleSymbol(b.Token) != symbol {
			continue
		}
		total.Add(total, b.Amount)
	}
	return total
}

func accruedRewards(snapshot balance.Snapshot, chainID string) *big.Int {
	total := big.NewInt(0)
	snap, ok := snapshot.Chains[chainID]
	if !ok {
		return total
	}
	for _, position := range snap.Staked {
		if position.AccruedReward != nil {
			total.Add(total, position.AccruedReward)
		}
	}
	return total
}
