package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/dmreyes/agentfund/internal/errors"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/registry"
)

// Caller is the subset of ethclient.Client the reader needs. Tests inject a
// fake; production wraps a dialed client.
type Caller interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ClientFactory dials a Caller for a chain's RPC URL.
type ClientFactory func(ctx context.Context, rpcURL string) (Caller, error)

// DialEthClient is the production ClientFactory.
func DialEthClient(ctx context.Context, rpcURL string) (Caller, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Balance is one raw (wallet, token) amount read from a chain.
type Balance struct {
	Wallet id.WalletRef
	Token  id.Token
	Amount *big.Int
}

// Reader reads native and token balances for a set of wallets on one chain.
// ERC-20 and wrapped reads are batched through Multicall3: one aggregate3
// call per token.
type Reader struct {
	chain   id.Chain
	rpcURL  string
	factory ClientFactory

	erc20ABI     abi.ABI
	multicallABI abi.ABI
}

func NewReader(chain id.Chain, rpcOverride string, factory ClientFactory) (*Reader, error) {
	rpcURL, err := registry.ResolveRPCURL(rpcOverride, chain.EVMChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	if factory == nil {
		factory = DialEthClient
	}
	erc20ABI, err := abi.JSON(strings.NewReader(registry.ERC20BalanceABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	multicallABI, err := abi.JSON(strings.NewReader(registry.Multicall3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse multicall abi: %w", err)
	}
	return &Reader{
		chain:        chain,
		rpcURL:       rpcURL,
		factory:      factory,
		erc20ABI:     erc20ABI,
		multicallABI: multicallABI,
	}, nil
}

func (r *Reader) Chain() id.Chain { return r.chain }

type multicall3Call struct {
	Target       common.Address `abi:"target"`
	AllowFailure bool           `abi:"allowFailure"`
	CallData     []byte         `abi:"callData"`
}

type multicall3Result struct {
	Success    bool   `abi:"success"`
	ReturnData []byte `abi:"returnData"`
}

// ReadBalances reads every configured token for every wallet. A native read
// failure fails the whole chain (the chain is degraded, not a single wallet);
// a single token's multicall failure is reported per entry with amount zero.
func (r *Reader) ReadBalances(ctx context.Context, wallets []id.WalletRef) ([]Balance, error) {
	if len(wallets) == 0 {
		return nil, nil
	}
	client, err := r.factory(ctx, r.rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("dial %s rpc", r.chain.Slug), err)
	}
	defer client.Close()

	balances := make([]Balance, 0, len(wallets)*3)

	for _, token := range id.TokensOn(r.chain.CAIP2) {
		if token.IsNative() {
			for _, wallet := range wallets {
				amount, err := client.BalanceAt(ctx, common.HexToAddress(wallet.Address), nil)
				if err != nil {
					return nil, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("native balance on %s", r.chain.Slug), err)
				}
				balances = append(balances, Balance{Wallet: wallet, Token: token, Amount: amount})
			}
			continue
		}

		tokenBalances, err := r.readTokenBalances(ctx, client, token, wallets)
		if err != nil {
			return nil, err
		}
		balances = append(balances, tokenBalances...)
	}

	return balances, nil
}

func (r *Reader) readTokenBalances(ctx context.Context, client Caller, token id.Token, wallets []id.WalletRef) ([]Balance, error) {
	calls := make([]multicall3Call, 0, len(wallets))
	for _, wallet := range wallets {
		callData, err := r.erc20ABI.Pack("balanceOf", common.HexToAddress(wallet.Address))
		if err != nil {
			return nil, fmt.Errorf("pack balanceOf: %w", err)
		}
		calls = append(calls, multicall3Call{
			Target:       common.HexToAddress(token.Address),
			AllowFailure: true,
			CallData:     callData,
		})
	}

	input, err := r.multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	multicall := common.HexToAddress(registry.Multicall3Address)
	output, err := client.CallContract(ctx, ethereum.CallMsg{To: &multicall, Data: input}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("%s balances on %s", token.Symbol, r.chain.Slug), err)
	}

	var results []multicall3Result
	if err := r.multicallABI.UnpackIntoInterface(&results, "aggregate3", output); err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(results) != len(wallets) {
		return nil, clierr.New(clierr.CodeInvariant, fmt.Sprintf("aggregate3 returned %d results for %d calls", len(results), len(wallets)))
	}

	balances := make([]Balance, 0, len(wallets))
	for i, wallet := range wallets {
		amount := big.NewInt(0)
		if results[i].Success && len(results[i].ReturnData) >= 32 {
			amount = new(big.Int).SetBytes(results[i].ReturnData)
		}
		balances = append(balances, Balance{Wallet: wallet, Token: token, Amount: amount})
	}
	return balances, nil
}

// ReadNative reads a single wallet's gas-token balance. Used by the on-ramp
// orchestrator's buy-completion detection.
func (r *Reader) ReadNative(ctx context.Context, address string) (*big.Int, error) {
	client, err := r.factory(ctx, r.rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("dial %s rpc", r.chain.Slug), err)
	}
	defer client.Close()

	amount, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("native balance on %s", r.chain.Slug), err)
	}
	return amount, nil
}

// ReadToken reads a single wallet's balance of one token.
func (r *Reader) ReadToken(ctx context.Context, tokenAddress, wallet string) (*big.Int, error) {
	if id.SameAddress(tokenAddress, id.AddressZero) {
		return r.ReadNative(ctx, wallet)
	}
	client, err := r.factory(ctx, r.rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("dial %s rpc", r.chain.Slug), err)
	}
	defer client.Close()

	callData, err := r.erc20ABI.Pack("balanceOf", common.HexToAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	target := common.HexToAddress(tokenAddress)
	output, err := client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: callData}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("token balance on %s", r.chain.Slug), err)
	}
	if len(output) < 32 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(output), nil
}
