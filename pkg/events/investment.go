// Package events decodes crowdsale contract logs. The same decoder serves the
// receipt verifier and the chain watcher.
package events

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

const InvestmentEventSignature = "Investment(address,uint256,uint256)"

// InvestmentEventTopic is keccak256(InvestmentEventSignature).
var InvestmentEventTopic = crypto.Keccak256Hash([]byte(InvestmentEventSignature))

var (
	ErrEventSignatureMismatch = errors.New("event signature mismatch")
	ErrMalformedEvent         = errors.New("malformed event")
)

var investmentDataArgs abi.Arguments

func init() {
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	investmentDataArgs = abi.Arguments{
		{Name: "amount", Type: uint256Type},
		{Name: "tokenAmount", Type: uint256Type},
	}
}

// DecodeInvestment decodes Investment(address indexed investor, uint256 amount, uint256 tokenAmount).
// topics[0] must be the event topic and topics[1] the right aligned investor
// address. data must hold exactly the two uint256 words.
func DecodeInvestment(topics []common.Hash, data []byte) (*types.InvestmentEvent, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrMalformedEvent)
	}
	if topics[0] != InvestmentEventTopic {
		return nil, fmt.Errorf("%w: got topic %s", ErrEventSignatureMismatch, topics[0].Hex())
	}
	if len(topics) < 2 {
		return nil, fmt.Errorf("%w: expected at least 2 topics, got %d", ErrMalformedEvent, len(topics))
	}

	investorWord := topics[1]
	for _, b := range investorWord[:common.HashLength-common.AddressLength] {
		if b != 0 {
			return nil, fmt.Errorf("%w: investor topic %s is not a left padded address", ErrMalformedEvent, investorWord.Hex())
		}
	}
	investor := common.BytesToAddress(investorWord[common.HashLength-common.AddressLength:])

	if len(data) != 2*32 {
		return nil, fmt.Errorf("%w: expected 64 bytes of data, got %d", ErrMalformedEvent, len(data))
	}
	words, err := util.DecodeUint256Words(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	amount, tokenAmount := words[0], words[1]

	return &types.InvestmentEvent{
		Investor:       investor.Hex(),
		AmountRaw:      amount,
		TokenAmountRaw: tokenAmount,
	}, nil
}

// DecodeInvestmentLog decodes a receipt or filter log.
func DecodeInvestmentLog(log *ethTypes.Log) (*types.InvestmentEvent, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: nil log", ErrMalformedEvent)
	}
	return DecodeInvestment(log.Topics, log.Data)
}

// IsInvestmentLog reports whether the log carries the Investment topic.
func IsInvestmentLog(log *ethTypes.Log) bool {
	return log != nil && len(log.Topics) > 0 && log.Topics[0] == InvestmentEventTopic
}

// EncodeInvestment builds topics and data for an Investment event. Used to
// fabricate logs for local chains and tests.
func EncodeInvestment(investor common.Address, amount, tokenAmount *big.Int) ([]common.Hash, []byte, error) {
	data, err := investmentDataArgs.Pack(amount, tokenAmount)
	if err != nil {
		return nil, nil, err
	}
	topics := []common.Hash{InvestmentEventTopic, common.BytesToHash(investor.Bytes())}
	return topics, data, nil
}
