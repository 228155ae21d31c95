package merkle

import "errors"

var (
	ErrInvalidAddressFormat = errors.New("invalid address format")
	ErrInvalidAmountFormat  = errors.New("invalid amount format")
)

// MerkleTree is an array-backed complete binary tree over hashed dividend claims.
// Leaves sit at nodes[width+i], padding slots hold zero hashes, the root is nodes[1].
type MerkleTree struct {
	// Leaves are keccak256(keccak256(abi.encode(wallet, amount))) in claim order.
	Leaves [][32]byte
	Root   [32]byte

	width int // padded leaf count, a power of two
	nodes [][32]byte
}

// MerkleProof lets a holder show that their claim leaf hashes up to Root.
type MerkleProof struct {
	LeafIndex int
	Leaf      [32]byte

	// Siblings ordered from the leaf level upward.
	Proof [][32]byte
}
