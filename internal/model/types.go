package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RequiresKey  bool     `json:"requires_key"`
	Capabilities []string `json:"capabilities"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

// WalletBalance is one (wallet, token) observation on one chain.
type WalletBalance struct {
	ChainID     string     `json:"chain_id"`
	Wallet      string     `json:"wallet"`
	WalletKind  string     `json:"wallet_kind"`
	WalletOwner string     `json:"wallet_owner"`
	Symbol      string     `json:"symbol"`
	Address     string     `json:"address"`
	IsNative    bool       `json:"is_native"`
	IsWrapped   bool       `json:"is_wrapped"`
	Amount      AmountInfo `json:"amount"`
}

// StakedBalance is a service's bond and deposit on the service registry,
// corrected by the service's registration state.
type StakedBalance struct {
	ChainID          string     `json:"chain_id"`
	ServiceID        int64      `json:"service_id"`
	StakingProgram   string     `json:"staking_program,omitempty"`
	State            string     `json:"state"`
	Bond             AmountInfo `json:"bond"`
	Deposit          AmountInfo `json:"deposit"`
	AccruedReward    AmountInfo `json:"accrued_reward"`
	StakingStartUNIX int64      `json:"staking_start_unix,omitempty"`
}

type ChainSnapshotView struct {
	ChainID   string          `json:"chain_id"`
	Stale     bool            `json:"stale"`
	FetchedAt string          `json:"fetched_at"`
	Error     string          `json:"error,omitempty"`
	Balances  []WalletBalance `json:"balances"`
	Staked    []StakedBalance `json:"staked,omitempty"`
}

type BalanceTotals struct {
	NativeBySymbol map[string]AmountInfo `json:"native_by_symbol"`
	OLAS           AmountInfo            `json:"olas"`
	StakedOLAS     AmountInfo            `json:"staked_olas"`
}

type LowBalanceAlert struct {
	ChainID  string     `json:"chain_id"`
	Wallet   string     `json:"wallet"`
	Symbol   string     `json:"symbol"`
	Current  AmountInfo `json:"current"`
	Expected AmountInfo `json:"expected"`
}

type BalancesView struct {
	Chains     []ChainSnapshotView `json:"chains"`
	Totals     BalanceTotals       `json:"totals"`
	LowBalance []LowBalanceAlert   `json:"low_balance,omitempty"`
	Partial    bool                `json:"partial"`
}

// Requirement is one refill intent: move Amount of the token on FromChain to
// Recipient on ToChain.
type Requirement struct {
	FromChainID string     `json:"from_chain_id"`
	ToChainID   string     `json:"to_chain_id"`
	FromAddress string     `json:"from_address"`
	Recipient   string     `json:"recipient"`
	Token       string     `json:"token"`
	Symbol      string     `json:"symbol"`
	Amount      AmountInfo `json:"amount"`
}

type RequirementsView struct {
	Requirements []Requirement `json:"requirements"`
	Satisfied    bool          `json:"satisfied"`
}

type BridgeLegView struct {
	RequestID   string     `json:"request_id"`
	FromChainID string     `json:"from_chain_id"`
	ToChainID   string     `json:"to_chain_id"`
	Token       string     `json:"token"`
	Amount      AmountInfo `json:"amount"`
	Status      string     `json:"status"`
	TxHash      string     `json:"tx_hash,omitempty"`
	ExplorerURL string     `json:"explorer_url,omitempty"`
	Message     string     `json:"message,omitempty"`
}

type BridgeBatchView struct {
	BatchID   string          `json:"batch_id"`
	Status    string          `json:"status"`
	Legs      []BridgeLegView `json:"legs"`
	QuotedAt  string          `json:"quoted_at,omitempty"`
	ExpiresAt string          `json:"expires_at,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type OnRampStepView struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type OnRampSessionView struct {
	SessionID      string            `json:"session_id"`
	Status         string            `json:"status"`
	Steps          []OnRampStepView  `json:"steps"`
	FundsSafe      bool              `json:"funds_safe"`
	TransferErrors map[string]string `json:"transfer_errors,omitempty"`
}

type MigrationDecisionView struct {
	Decision           string `json:"decision"`
	Reason             string `json:"reason,omitempty"`
	CurrentProgram     string `json:"current_program,omitempty"`
	TargetProgram      string `json:"target_program"`
	SlotsUsed          int64  `json:"slots_used"`
	SlotsMax           int64  `json:"slots_max"`
	CooldownRemainingS int64  `json:"cooldown_remaining_s,omitempty"`
	EvictionExpiresAt  string `json:"eviction_expires_at,omitempty"`
}
