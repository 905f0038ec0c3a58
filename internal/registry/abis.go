package registry

// ABI fragments used by the chain and staking readers.
const (
	ERC20BalanceABI = `[
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	Multicall3ABI = `[
		{"name":"aggregate3","type":"function","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],"outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
	]`

	ServiceRegistryABI = `[
		{"name":"getService","type":"function","stateMutability":"view","inputs":[{"name":"serviceId","type":"uint256"}],"outputs":[{"name":"service","type":"tuple","components":[{"name":"securityDeposit","type":"uint96"},{"name":"multisig","type":"address"},{"name":"configHash","type":"bytes32"},{"name":"threshold","type":"uint32"},{"name":"maxNumAgentInstances","type":"uint32"},{"name":"numAgentInstances","type":"uint32"},{"name":"state","type":"uint8"}]}]},
		{"name":"getOperatorBalance","type":"function","stateMutability":"view","inputs":[{"name":"operator","type":"address"},{"name":"serviceId","type":"uint256"}],"outputs":[{"name":"balance","type":"uint256"}]}
	]`

	StakingTokenABI = `[
		{"name":"getServiceInfo","type":"function","stateMutability":"view","inputs":[{"name":"serviceId","type":"uint256"}],"outputs":[{"name":"sInfo","type":"tuple","components":[{"name":"multisig","type":"address"},{"name":"owner","type":"address"},{"name":"nonces","type":"uint256[]"},{"name":"tsStart","type":"uint256"},{"name":"reward","type":"uint256"},{"name":"inactivity","type":"uint256"}]}]},
		{"name":"getStakingState","type":"function","stateMutability":"view","inputs":[{"name":"serviceId","type":"uint256"}],"outputs":[{"name":"stakingState","type":"uint8"}]},
		{"name":"minStakingDuration","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"maxNumServices","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"getServiceIds","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
		{"name":"availableRewards","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"calculateStakingReward","type":"function","stateMutability":"view","inputs":[{"name":"serviceId","type":"uint256"}],"outputs":[{"name":"reward","type":"uint256"}]},
		{"name":"minStakingDeposit","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`
)
