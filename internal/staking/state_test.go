package staking

import (
	"math/big"
	"testing"

	"go.uber.org/zap"
)

func TestCorrectBondDepositMapping(t *testing.T) {
	bond := big.NewInt(1000)
	deposit := big.NewInt(500)

	cases := []struct {
		state       ServiceState
		wantBond    int64
		wantDeposit int64
	}{
		{StateNonExistent, 0, 0},
		{StatePreRegistration, 0, 0},
		{StateActiveRegistration, 0, 500},
		{StateFinishedRegistration, 1000, 500},
		{StateDeployed, 1000, 500},
		{StateTerminatedBonded, 1000, 0},
	}
	for _, tc := range cases {
		gotBond, gotDeposit := CorrectBondDeposit(tc.state, bond, deposit, zap.NewNop())
		if gotBond.Int64() != tc.wantBond || gotDeposit.Int64() != tc.wantDeposit {
			t.Fatalf("state %s: got (%v, %v), want (%d, %d)",
				tc.state, gotBond, gotDeposit, tc.wantBond, tc.wantDeposit)
		}
	}
}

func TestCorrectBondDepositUnknownStatePassesThrough(t *testing.T) {
	bond := big.NewInt(7)
	deposit := big.NewInt(9)
	gotBond, gotDeposit := CorrectBondDeposit(ServiceState(42), bond, deposit, zap.NewNop())
	if gotBond.Cmp(bond) != 0 || gotDeposit.Cmp(deposit) != 0 {
		t.Fatalf("unknown state should pass amounts through, got (%v, %v)", gotBond, gotDeposit)
	}
}

func TestCorrectBondDepositNeverMutatesInputs(t *testing.T) {
	bond := big.NewInt(1000)
	deposit := big.NewInt(500)
	CorrectBondDeposit(StateNonExistent, bond, deposit, nil)
	if bond.Int64() != 1000 || deposit.Int64() != 500 {
		t.Fatalf("inputs mutated: %v %v", bond, deposit)
	}
}

func TestStateStrings(t *testing.T) {
	if StateDeployed.String() != "deployed" {
		t.Fatalf("unexpected: %s", StateDeployed)
	}
	if ServiceState(99).String() != "unknown" {
		t.Fatalf("unexpected: %s", ServiceState(99))
	}
	if StakingStateEvicted.String() != "evicted" {
		t.Fatalf("unexpected: %s", StakingStateEvicted)
	}
}
