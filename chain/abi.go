package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Subset of the operator registry ABI that keyguard calls into.
const operatorRegistryABI = `[
  {
    "type": "function",
    "name": "removeValidatorDetails",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "operatorId", "type": "uint256"},
      {"name": "fromIndex", "type": "uint256"},
      {"name": "validatorCount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getValidatorDetails",
    "stateMutability": "view",
    "inputs": [
      {"name": "operatorId", "type": "uint256"},
      {"name": "fromIndex", "type": "uint256"},
      {"name": "count", "type": "uint256"}
    ],
    "outputs": [
      {"name": "publicKeys", "type": "bytes[]"}
    ]
  },
  {
    "type": "event",
    "name": "OperatorPendingValidatorDetailsRemoved",
    "anonymous": false,
    "inputs": [
      {"name": "operatorId", "type": "uint256", "indexed": true},
      {"name": "fromIndex", "type": "uint256", "indexed": false},
      {"name": "validatorCount", "type": "uint256", "indexed": false}
    ]
  }
]`

const coordinatorABI = `[
  {
    "type": "event",
    "name": "Rebalanced",
    "anonymous": false,
    "inputs": [
      {"name": "asset", "type": "address", "indexed": true}
    ]
  }
]`

// Beacon chain deposit contract.
const depositContractABI = `[
  {
    "type": "event",
    "name": "DepositEvent",
    "anonymous": false,
    "inputs": [
      {"name": "pubkey", "type": "bytes", "indexed": false},
      {"name": "withdrawal_credentials", "type": "bytes", "indexed": false},
      {"name": "amount", "type": "bytes", "indexed": false},
      {"name": "signature", "type": "bytes", "indexed": false},
      {"name": "index", "type": "bytes", "indexed": false}
    ]
  }
]`

const (
	methodRemoveValidatorDetails = "removeValidatorDetails"
	methodGetValidatorDetails    = "getValidatorDetails"
	eventValidatorsRemoved       = "OperatorPendingValidatorDetailsRemoved"
	eventRebalanced              = "Rebalanced"
	eventDeposit                 = "DepositEvent"
)

var (
	// OperatorRegistryABI is the parsed operator registry ABI.
	OperatorRegistryABI = mustParseABI(operatorRegistryABI)
	// CoordinatorABI is the parsed coordinator ABI.
	CoordinatorABI = mustParseABI(coordinatorABI)
	// DepositContractABI is the parsed deposit contract ABI.
	DepositContractABI = mustParseABI(depositContractABI)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chain: malformed ABI: %v", err))
	}
	return parsed
}
