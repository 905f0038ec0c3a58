package staking

import (
	"math/big"

	"go.uber.org/zap"
)

// ServiceState mirrors the service registry's registration lifecycle enum.
type ServiceState uint8

const (
	StateNonExistent ServiceState = iota
	StatePreRegistration
	StateActiveRegistration
	StateFinishedRegistration
	StateDeployed
	StateTerminatedBonded
)

func (s ServiceState) String() string {
	switch s {
	case StateNonExistent:
		return "non_existent"
	case StatePreRegistration:
		return "pre_registration"
	case StateActiveRegistration:
		return "active_registration"
	case StateFinishedRegistration:
		return "finished_registration"
	case StateDeployed:
		return "deployed"
	case StateTerminatedBonded:
		return "terminated_bonded"
	default:
		return "unknown"
	}
}

// StakingState mirrors the staking contract's per-service enum.
type StakingState uint8

const (
	StakingStateUnstaked StakingState = iota
	StakingStateStaked
	StakingStateEvicted
)

func (s StakingState) String() string {
	switch s {
	case StakingStateUnstaked:
		return "unstaked"
	case StakingStateStaked:
		return "staked"
	case StakingStateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// CorrectBondDeposit adjusts raw bond/deposit reads by the service's
// registration state: before agent registration the bond is not yet locked,
// after termination the deposit has been returned. Unknown states pass the
// raw amounts through and log at error level rather than failing the read.
func CorrectBondDeposit(state ServiceState, bond, deposit *big.Int, logger *zap.Logger) (*big.Int, *big.Int) {
	zero := big.NewInt(0)
	switch state {
	case StateNonExistent, StatePreRegistration:
		return zero, zero
	case StateActiveRegistration:
		return zero, deposit
	case StateFinishedRegistration, StateDeployed:
		return bond, deposit
	case StateTerminatedBonded:
		return bond, zero
	default:
		if logger != nil {
			logger.Error("unknown service registration state",
				zap.Uint8("state", uint8(state)),
				zap.String("bond", bond.String()),
				zap.String("deposit", deposit.String()))
		}
		return bond, deposit
	}
}
