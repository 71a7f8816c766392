package anchor

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// registryABIJSON is the ABI surface spec.md §6 names for the Merkle root
// registry contract. We hand-maintain it rather than run abigen, since the
// surface is only four methods and one event, of which the gateway calls
// anchorMerkleRoot, isBatchAnchored and getTotalAnchors.
const registryABIJSON = `[
	{
		"type": "function",
		"name": "anchorMerkleRoot",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "root", "type": "bytes32"},
			{"name": "batchId", "type": "uint256"},
			{"name": "requestCount", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "getMerkleRootByBatchId",
		"stateMutability": "view",
		"inputs": [{"name": "batchId", "type": "uint256"}],
		"outputs": [
			{"name": "root", "type": "bytes32"},
			{"name": "batchId", "type": "uint256"},
			{"name": "requestCount", "type": "uint256"},
			{"name": "timestamp", "type": "uint256"},
			{"name": "anchoredBy", "type": "address"}
		]
	},
	{
		"type": "function",
		"name": "isBatchAnchored",
		"stateMutability": "view",
		"inputs": [{"name": "batchId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"type": "function",
		"name": "getTotalAnchors",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "event",
		"name": "MerkleRootAnchored",
		"anonymous": false,
		"inputs": [
			{"name": "root", "type": "bytes32", "indexed": true},
			{"name": "batchId", "type": "uint256", "indexed": true},
			{"name": "requestCount", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false},
			{"name": "anchoredBy", "type": "address", "indexed": true}
		]
	}
]`

func parseRegistryABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parsing registry ABI: %w", err)
	}
	return parsed, nil
}
