package testutil

import (
	"crypto/rand"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ideacapital/vault-go/pkg/chain"
	"github.com/ideacapital/vault-go/pkg/events"
)

// RandomTxHash returns a random 32 byte hash.
func RandomTxHash() common.Hash {
	var h common.Hash
	_, _ = rand.Read(h[:])
	return h
}

// RandomAddress returns a random address.
func RandomAddress() common.Address {
	var a common.Address
	_, _ = rand.Read(a[:])
	return a
}

// InvestmentLog builds an Investment log emitted by contract.
func InvestmentLog(contract, investor common.Address, amount, tokenAmount *big.Int, txHash common.Hash, block uint64) ethTypes.Log {
	topics, data, err := events.EncodeInvestment(investor, amount, tokenAmount)
	if err != nil {
		panic(err)
	}
	return ethTypes.Log{
		Address:     contract,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
	}
}

// Receipt builds a receipt with the given status and logs.
func Receipt(txHash common.Hash, status uint64, block uint64, gasUsed uint64, logs ...ethTypes.Log) *ethTypes.Receipt {
	ptrs := make([]*ethTypes.Log, 0, len(logs))
	for i := range logs {
		l := logs[i]
		l.TxHash = txHash
		l.BlockNumber = block
		ptrs = append(ptrs, &l)
	}
	return &ethTypes.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(block),
		GasUsed:     gasUsed,
		Logs:        ptrs,
	}
}

// Transaction builds the sender view of a mined transaction.
func Transaction(txHash common.Hash, from common.Address, to common.Address, block uint64) *chain.TransactionInfo {
	return &chain.TransactionInfo{
		Hash:        txHash,
		From:        from,
		To:          &to,
		Value:       new(big.Int),
		BlockNumber: &block,
	}
}

// USDC scales whole USDC into smallest units.
func USDC(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

// Tokens scales whole royalty tokens into smallest units.
func Tokens(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}
