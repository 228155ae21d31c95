package util

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var addressUint256Args = mustArguments("address", "uint256")

func mustArguments(typeNames ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(typeNames))
	for _, name := range typeNames {
		t, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("invalid abi type %q: %v", name, err))
		}
		args = append(args, abi.Argument{Type: t})
	}
	return args
}

// EncodeAddressUint256 returns abi.encode(address, uint256): a left padded
// address word followed by a big-endian amount word.
func EncodeAddressUint256(addr common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be a non-negative integer")
	}
	encoded, err := addressUint256Args.Pack(addr, amount)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// DecodeUint256Words splits data into consecutive 32 byte big-endian words.
// The length of data must be an exact multiple of 32.
func DecodeUint256Words(data []byte) ([]*big.Int, error) {
	if len(data)%32 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 32", len(data))
	}
	words := make([]*big.Int, 0, len(data)/32)
	for i := 0; i < len(data); i += 32 {
		words = append(words, new(big.Int).SetBytes(data[i:i+32]))
	}
	return words, nil
}
