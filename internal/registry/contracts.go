package registry

import "strings"

// Multicall3 is deployed at the same address on every supported chain.
const Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

// Service registry deployments (L1 registry on Ethereum, L2 registries
// elsewhere). Bond and deposit reads go through these.
var serviceRegistryByChainID = map[int64]string{
	1:    "0x48b6af7B12C71f09e2fC8aF4855De4Ff54e775cA",
	100:  "0x9338b5153AE39BB89f50468E608eD9d764B755fD",
	8453: "0x3C1fF68f5aa342D296d4DEe4Bb1cACCA912D95fE",
	10:   "0x3d77596beb0f130a4415df3D2D8232B3d3D31e44",
}

func ServiceRegistryAddress(chainID int64) (string, bool) {
	value, ok := serviceRegistryByChainID[chainID]
	return value, ok
}

// Block explorer base URLs, used to build per-transaction links in bridge
// execution output.
var explorerByChainID = map[int64]string{
	1:     "https://etherscan.io",
	10:    "https://optimistic.etherscan.io",
	100:   "https://gnosisscan.io",
	8453:  "https://basescan.org",
	34443: "https://explorer.mode.network",
}

func ExplorerTxURL(chainID int64, txHash string) (string, bool) {
	base, ok := explorerByChainID[chainID]
	if !ok || strings.TrimSpace(txHash) == "" {
		return "", false
	}
	return base + "/tx/" + strings.TrimSpace(txHash), true
}
