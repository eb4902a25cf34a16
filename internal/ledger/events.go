package ledger

import (
	"math/big"

	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = ethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// MintedTokenID returns the token id carried by the first Transfer log in the
// receipt, as a decimal string. When the contract is known, logs emitted by
// other addresses are skipped. A receipt without such a log yields
// domain.UnknownTokenID.
func MintedTokenID(receipt *types.Receipt, contract common.Address) string {
	if receipt == nil {
		return domain.UnknownTokenID
	}
	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) < 4 || lg.Topics[0] != TransferTopic {
			continue
		}
		if contract != (common.Address{}) && lg.Address != contract {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[3].Bytes()).String()
	}
	return domain.UnknownTokenID
}
