// Package chain wraps the EVM JSON-RPC endpoint used for investment
// verification and event watching.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// ErrRPCUnavailable marks transport or node failures. Callers retry these;
// they never describe the on-chain state of a transaction.
var ErrRPCUnavailable = errors.New("rpc unavailable")

// TransactionInfo is the subset of eth_getTransactionByHash the vault needs.
type TransactionInfo struct {
	Hash        common.Hash
	From        common.Address
	To          *common.Address
	Value       *big.Int
	BlockNumber *uint64
}

// IChainClient is the read-only view of the chain used by the vault.
type IChainClient interface {
	// TransactionReceipt returns nil, nil while the transaction is not mined.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethTypes.Receipt, error)

	// Transaction returns nil, nil when the node does not know the hash.
	Transaction(ctx context.Context, txHash common.Hash) (*TransactionInfo, error)

	BlockNumber(ctx context.Context) (uint64, error)

	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethTypes.Log, error)
}
