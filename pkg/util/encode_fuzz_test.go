package util

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func FuzzEncodeAddressUint256RoundTrip(f *testing.F) {
	f.Add([]byte{0x71, 0xc7}, uint64(0))
	f.Add([]byte{0xff}, uint64(1_000_000))
	f.Add([]byte{}, ^uint64(0))

	f.Fuzz(func(t *testing.T, addrBytes []byte, amount uint64) {
		addr := common.BytesToAddress(addrBytes)
		value := new(big.Int).SetUint64(amount)

		encoded, err := EncodeAddressUint256(addr, value)
		require.NoError(t, err)
		require.Len(t, encoded, 64)

		out, err := addressUint256Args.Unpack(encoded)
		require.NoError(t, err)
		require.Len(t, out, 2)
		require.Equal(t, addr, out[0].(common.Address))
		require.Equal(t, 0, value.Cmp(out[1].(*big.Int)))
	})
}
