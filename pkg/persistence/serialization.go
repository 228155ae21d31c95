package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/ideacapital/vault-go/pkg/types"
)

func marshal[T any](v *T, name string) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot marshal nil %s", name)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s to JSON: %w", name, err)
	}
	return data, nil
}

func unmarshal[T any](data []byte, name string) (*T, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to %s: %w", name, err)
	}
	return &v, nil
}

func MarshalDistribution(d *types.Distribution) ([]byte, error) {
	return marshal(d, "Distribution")
}

func UnmarshalDistribution(data []byte) (*types.Distribution, error) {
	return unmarshal[types.Distribution](data, "Distribution")
}

// MarshalDividendClaim keeps the merkle proof alongside the claim.
func MarshalDividendClaim(c *types.DividendClaim) ([]byte, error) {
	return marshal(c, "DividendClaim")
}

func UnmarshalDividendClaim(data []byte) (*types.DividendClaim, error) {
	c, err := unmarshal[types.DividendClaim](data, "DividendClaim")
	if err != nil {
		return nil, err
	}
	if c.MerkleProof == nil {
		c.MerkleProof = []string{}
	}
	return c, nil
}

func MarshalInvestment(inv *types.Investment) ([]byte, error) {
	return marshal(inv, "Investment")
}

func UnmarshalInvestment(data []byte) (*types.Investment, error) {
	return unmarshal[types.Investment](data, "Investment")
}

func MarshalWatcherState(s *types.WatcherState) ([]byte, error) {
	return marshal(s, "WatcherState")
}

func UnmarshalWatcherState(data []byte) (*types.WatcherState, error) {
	return unmarshal[types.WatcherState](data, "WatcherState")
}
