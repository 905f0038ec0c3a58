package staking

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/dmreyes/agentfund/internal/chain"
	clierr "github.com/dmreyes/agentfund/internal/errors"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/registry"
)

// Position is one service's state-corrected bond/deposit plus its staking
// program position.
type Position struct {
	ChainID       string
	ServiceID     int64
	Program       string
	State         ServiceState
	StakingState  StakingState
	Bond          *big.Int
	Deposit       *big.Int
	AccruedReward *big.Int
	StakingStart  time.Time
}

// ProgramDetails describes a staking program's capacity and cooldown window.
type ProgramDetails struct {
	Program            string
	Address            string
	MaxSlots           int64
	SlotsUsed          int64
	MinStakingDuration time.Duration
	AvailableRewards   *big.Int
	MinStakingDeposit  *big.Int
}

// Reader reads registry bond/deposit and staking contract positions on one
// chain.
type Reader struct {
	chain   id.Chain
	rpcURL  string
	factory chain.ClientFactory
	logger  *zap.Logger

	registryABI abi.ABI
	stakingABI  abi.ABI
}

func NewReader(c id.Chain, rpcOverride string, factory chain.ClientFactory, logger *zap.Logger) (*Reader, error) {
	rpcURL, err := registry.ResolveRPCURL(rpcOverride, c.EVMChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	if factory == nil {
		factory = chain.DialEthClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	registryABI, err := abi.JSON(strings.NewReader(registry.ServiceRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse service registry abi: %w", err)
	}
	stakingABI, err := abi.JSON(strings.NewReader(registry.StakingTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse staking abi: %w", err)
	}
	return &Reader{
		chain:       c,
		rpcURL:      rpcURL,
		factory:     factory,
		logger:      logger,
		registryABI: registryABI,
		stakingABI:  stakingABI,
	}, nil
}

type serviceRecord struct {
	SecurityDeposit      *big.Int       `abi:"securityDeposit"`
	Multisig             common.Address `abi:"multisig"`
	ConfigHash           [32]byte       `abi:"configHash"`
	Threshold            uint32         `abi:"threshold"`
	MaxNumAgentInstances uint32         `abi:"maxNumAgentInstances"`
	NumAgentInstances    uint32         `abi:"numAgentInstances"`
	State                uint8          `abi:"state"`
}

type serviceInfo struct {
	Multisig   common.Address `abi:"multisig"`
	Owner      common.Address `abi:"owner"`
	Nonces     []*big.Int     `abi:"nonces"`
	TsStart    *big.Int       `abi:"tsStart"`
	Reward     *big.Int       `abi:"reward"`
	Inactivity *big.Int       `abi:"inactivity"`
}

// ReadPosition reads the registry bond/deposit for (operator, serviceID) and,
// when a staking contract address is given, the service's staking position.
// Bond and deposit come back corrected by registration state.
func (r *Reader) ReadPosition(ctx context.Context, operator string, serviceID int64, program, stakingAddress string) (Position, error) {
	registryAddress, ok := registry.ServiceRegistryAddress(r.chain.EVMChainID)
	if !ok {
		return Position{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no service registry deployed on %s", r.chain.Slug))
	}

	client, err := r.factory(ctx, r.rpcURL)
	if err != nil {
		return Position{}, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("dial %s rpc", r.chain.Slug), err)
	}
	defer client.Close()

	record, err := r.readService(ctx, client, registryAddress, serviceID)
	if err != nil {
		return Position{}, err
	}
	bond, err := r.readOperatorBalance(ctx, client, registryAddress, operator, serviceID)
	if err != nil {
		return Position{}, err
	}

	state := ServiceState(record.State)
	correctedBond, correctedDeposit := CorrectBondDeposit(state, bond, record.SecurityDeposit, r.logger)

	position := Position{
		ChainID:       r.chain.CAIP2,
		ServiceID:     serviceID,
		Program:       program,
		State:         state,
		Bond:          correctedBond,
		Deposit:       correctedDeposit,
		AccruedReward: big.NewInt(0),
	}

	if strings.TrimSpace(stakingAddress) != "" {
		if err := r.fillStakingPosition(ctx, client, stakingAddress, serviceID, &position); err != nil {
			return Position{}, err
		}
	}
	return position, nil
}

func (r *Reader) readService(ctx context.Context, client chain.Caller, registryAddress string, serviceID int64) (serviceRecord, error) {
	output, err := r.call(ctx, client, r.registryABI, registryAddress, "getService", big.NewInt(serviceID))
	if err != nil {
		return serviceRecord{}, err
	}
	// The output is a single tuple, so the destination's first field must be
	// the record struct itself.
	var out struct{ Service serviceRecord }
	if err := r.registryABI.UnpackIntoInterface(&out, "getService", output); err != nil {
		return serviceRecord{}, fmt.Errorf("unpack getService: %w", err)
	}
	return out.Service, nil
}

func (r *Reader) readOperatorBalance(ctx context.Context, client chain.Caller, registryAddress, operator string, serviceID int64) (*big.Int, error) {
	output, err := r.call(ctx, client, r.registryABI, registryAddress, "getOperatorBalance", common.HexToAddress(operator), big.NewInt(serviceID))
	if err != nil {
		return nil, err
	}
	values, err := r.registryABI.Unpack("getOperatorBalance", output)
	if err != nil {
		return nil, fmt.Errorf("unpack getOperatorBalance: %w", err)
	}
	return values[0].(*big.Int), nil
}

func (r *Reader) fillStakingPosition(ctx context.Context, client chain.Caller, stakingAddress string, serviceID int64, position *Position) error {
	infoOut, err := r.call(ctx, client, r.stakingABI, stakingAddress, "getServiceInfo", big.NewInt(serviceID))
	if err != nil {
		return err
	}
	// Single tuple output: unpack lands in the destination's first field.
	var infoWrap struct{ SInfo serviceInfo }
	if err := r.stakingABI.UnpackIntoInterface(&infoWrap, "getServiceInfo", infoOut); err != nil {
		return fmt.Errorf("unpack getServiceInfo: %w", err)
	}
	info := infoWrap.SInfo
	if info.TsStart != nil && info.TsStart.Sign() > 0 {
		position.StakingStart = time.Unix(info.TsStart.Int64(), 0).UTC()
	}
	if info.Reward != nil {
		position.AccruedReward = info.Reward
	}

	stateOut, err := r.call(ctx, client, r.stakingABI, stakingAddress, "getStakingState", big.NewInt(serviceID))
	if err != nil {
		return err
	}
	stateValues, err := r.stakingABI.Unpack("getStakingState", stateOut)
	if err != nil {
		return fmt.Errorf("unpack getStakingState: %w", err)
	}
	position.StakingState = StakingState(stateValues[0].(uint8))

	// A live reward estimate supersedes the snapshot stored in getServiceInfo.
	if rewardOut, err := r.call(ctx, client, r.stakingABI, stakingAddress, "calculateStakingReward", big.NewInt(serviceID)); err == nil {
		if rewardValues, err := r.stakingABI.Unpack("calculateStakingReward", rewardOut); err == nil {
			position.AccruedReward = rewardValues[0].(*big.Int)
		}
	}
	return nil
}

// ReadProgramDetails reads a staking program's slot usage, minimum staking
// duration and remaining rewards.
func (r *Reader) ReadProgramDetails(ctx context.Context, program, stakingAddress string) (ProgramDetails, error) {
	client, err := r.factory(ctx, r.rpcURL)
	if err != nil {
		return ProgramDetails{}, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("dial %s rpc", r.chain.Slug), err)
	}
	defer client.Close()

	details := ProgramDetails{Program: program, Address: stakingAddress}

	maxOut, err := r.call(ctx, client, r.stakingABI, stakingAddress, "maxNumServices")
	if err != nil {
		return ProgramDetails{}, err
	}
	maxValues, err := r.stakingABI.Unpack("maxNumServices", maxOut)
	if err != nil {
		return ProgramDetails{}, fmt.Errorf("unpack maxNumServices: %w", err)
	}
	details.MaxSlots = maxValues[0].(*big.Int).Int64()

	idsOut, err := r.call(ctx, client, r.stakingABI, stakingAddress, "getServiceIds")
	if err != nil {
		return ProgramDetails{}, err
	}
	idsValues, err := r.stakingABI.Unpack("getServiceIds", idsOut)
	if err != nil {
		return ProgramDetails{}, fmt.Errorf("unpack getServiceIds: %w", err)
	}
	details.SlotsUsed = int64(len(idsValues[0].([]*big.Int)))

	durationOut, err := r.call(ctx, client, r.stakingABI, stakingAddress, "minStakingDuration")
	if err != nil {
		return ProgramDetails{}, err
	}
	durationValues, err := r.stakingABI.Unpack("minStakingDuration", durationOut)
	if err != nil {
		return ProgramDetails{}, fmt.Errorf("unpack minStakingDuration: %w", err)
	}
	details.MinStakingDuration = time.Duration(durationValues[0].(*big.Int).Int64()) * time.Second

	rewardsOut, err := r.call(ctx, client, r.stakingABI, stakingAddress, "availableRewards")
	if err != nil {
		return ProgramDetails{}, err
	}
	rewardsValues, err := r.stakingABI.Unpack("availableRewards", rewardsOut)
	if err != nil {
		return ProgramDetails{}, fmt.Errorf("unpack availableRewards: %w", err)
	}
	details.AvailableRewards = rewardsValues[0].(*big.Int)

	depositOut, err := r.call(ctx, client, r.stakingABI, stakingAddress, "minStakingDeposit")
	if err != nil {
		return ProgramDetails{}, err
	}
	depositValues, err := r.stakingABI.Unpack("minStakingDeposit", depositOut)
	if err != nil {
		return ProgramDetails{}, fmt.Errorf("unpack minStakingDeposit: %w", err)
	}
	details.MinStakingDeposit = depositValues[0].(*big.Int)

	return details, nil
}

func (r *Reader) call(ctx context.Context, client chain.Caller, contractABI abi.ABI, address, method string, args ...any) ([]byte, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	target := common.HexToAddress(address)
	output, err := client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: input}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, fmt.Sprintf("%s on %s", method, r.chain.Slug), err)
	}
	return output, nil
}
