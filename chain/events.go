package chain

import (
	"fmt"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DepositEvent is a decoded deposit contract DepositEvent.
type DepositEvent struct {
	Pubkey                []byte
	WithdrawalCredentials []byte
	// Amount is the little-endian gwei amount.
	Amount    []byte
	Signature []byte
	Index     []byte

	LogIndex uint
}

// FindRebalanced returns the first Rebalanced log emitted by coordinator
// in the receipt, or nil.
func FindRebalanced(receipt *types.Receipt, coordinator ethCommon.Address) *types.Log {
	topic := CoordinatorABI.Events[eventRebalanced].ID
	for _, l := range receipt.Logs {
		if l.Address == coordinator && len(l.Topics) > 0 && l.Topics[0] == topic {
			return l
		}
	}
	return nil
}

// DepositEvents decodes every DepositEvent emitted by depositContract in the
// receipt.
func DepositEvents(receipt *types.Receipt, depositContract ethCommon.Address) ([]*DepositEvent, error) {
	topic := DepositContractABI.Events[eventDeposit].ID
	var events []*DepositEvent
	for _, l := range receipt.Logs {
		if l.Address != depositContract || len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		var raw struct {
			Pubkey                []byte
			WithdrawalCredentials []byte
			Amount                []byte
			Signature             []byte
			Index                 []byte
		}
		if err := DepositContractABI.UnpackIntoInterface(&raw, eventDeposit, l.Data); err != nil {
			return nil, fmt.Errorf("deposit event in tx %s: %w", l.TxHash.Hex(), err)
		}
		events = append(events, &DepositEvent{
			Pubkey:                raw.Pubkey,
			WithdrawalCredentials: raw.WithdrawalCredentials,
			Amount:                raw.Amount,
			Signature:             raw.Signature,
			Index:                 raw.Index,
			LogIndex:              l.Index,
		})
	}
	return events, nil
}
