package merkle

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/ideacapital/vault-go/pkg/types"
	"github.com/ideacapital/vault-go/pkg/util"
)

// HashLeaf returns keccak256(keccak256(abi.encode(wallet, amount))), the leaf
// format checked by the on-chain dividend vault. amount is a base-10 integer
// in smallest units and must fit in a uint256.
func HashLeaf(wallet, amount string) ([32]byte, error) {
	var leaf [32]byte

	addr, err := util.ParseAddress(wallet)
	if err != nil {
		return leaf, fmt.Errorf("%w: %q", ErrInvalidAddressFormat, wallet)
	}

	value, err := parseAmount(amount)
	if err != nil {
		return leaf, err
	}

	encoded, err := util.EncodeAddressUint256(addr, value.ToBig())
	if err != nil {
		return leaf, fmt.Errorf("%w: %v", ErrInvalidAmountFormat, err)
	}

	copy(leaf[:], crypto.Keccak256(crypto.Keccak256(encoded)))
	return leaf, nil
}

func parseAmount(amount string) (*uint256.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmountFormat)
	}
	for _, c := range amount {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidAmountFormat, amount)
		}
	}
	value, err := uint256.FromDecimal(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmountFormat, amount, err)
	}
	return value, nil
}

// HashPair computes keccak256(min(a, b) || max(a, b)) using byte-lexicographic order,
// so HashPair(a, b) == HashPair(b, a).
func HashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(a[:])
	h.Write(b[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BuildMerkleTree hashes every claim in input order, pads with zero leaves up
// to the next power of two and hashes the tree bottom-up. Claims are not
// reordered; the same claims in another order can produce another root.
// An empty claim list yields an empty tree whose RootHex is "".
func BuildMerkleTree(claims []types.ClaimLeaf) (*MerkleTree, error) {
	if len(claims) == 0 {
		return &MerkleTree{}, nil
	}

	leaves := make([][32]byte, len(claims))
	for i, claim := range claims {
		leaf, err := HashLeaf(claim.Wallet, claim.Amount)
		if err != nil {
			return nil, fmt.Errorf("claim %d: %w", i, err)
		}
		leaves[i] = leaf
	}

	width := nextPowerOfTwo(len(leaves))
	nodes := make([][32]byte, 2*width)
	copy(nodes[width:], leaves)

	for i := width - 1; i >= 1; i-- {
		nodes[i] = HashPair(nodes[2*i], nodes[2*i+1])
	}

	return &MerkleTree{
		Leaves: leaves,
		Root:   nodes[1],
		width:  width,
		nodes:  nodes,
	}, nil
}

// Width returns the padded leaf count.
func (mt *MerkleTree) Width() int {
	return mt.width
}

// Depth returns the proof length shared by every leaf of the tree.
func (mt *MerkleTree) Depth() int {
	depth := 0
	for w := mt.width; w > 1; w >>= 1 {
		depth++
	}
	return depth
}

// GenerateProof creates a merkle proof for the claim at the given index.
func (mt *MerkleTree) GenerateProof(leafIndex int) (*MerkleProof, error) {
	if leafIndex < 0 || leafIndex >= len(mt.Leaves) {
		return nil, fmt.Errorf("leaf index %d out of bounds (tree has %d leaves)", leafIndex, len(mt.Leaves))
	}

	proof := make([][32]byte, 0, mt.Depth())
	for idx := mt.width + leafIndex; idx > 1; idx /= 2 {
		proof = append(proof, mt.nodes[idx^1])
	}

	return &MerkleProof{
		LeafIndex: leafIndex,
		Leaf:      mt.Leaves[leafIndex],
		Proof:     proof,
	}, nil
}

// RootHex returns the 0x prefixed root, or "" for an empty tree.
func (mt *MerkleTree) RootHex() string {
	if len(mt.Leaves) == 0 {
		return ""
	}
	return util.FormatHash(mt.Root)
}

// ProofsHex returns one hex proof per claim, in input order.
func (mt *MerkleTree) ProofsHex() ([][]string, error) {
	proofs := make([][]string, 0, len(mt.Leaves))
	for i := range mt.Leaves {
		p, err := mt.GenerateProof(i)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, util.Map(p.Proof, func(h [32]byte, _ uint64) string {
			return util.FormatHash(h)
		}))
	}
	return proofs, nil
}

// Build returns the root and one proof per claim in input order.
// Empty input returns ("", []).
func Build(claims []types.ClaimLeaf) (string, [][]string, error) {
	tree, err := BuildMerkleTree(claims)
	if err != nil {
		return "", nil, err
	}
	proofs, err := tree.ProofsHex()
	if err != nil {
		return "", nil, err
	}
	return tree.RootHex(), proofs, nil
}

// VerifyProof folds the proof into the leaf with HashPair and compares the result to root.
// Sorted pairing makes the leaf index irrelevant.
func VerifyProof(proof *MerkleProof, root [32]byte) bool {
	if proof == nil {
		return false
	}
	current := proof.Leaf
	for _, sibling := range proof.Proof {
		current = HashPair(current, sibling)
	}
	return current == root
}

// VerifyClaimProof checks a hex encoded proof for (wallet, amount) against a hex root.
func VerifyClaimProof(wallet, amount string, proofHex []string, rootHex string) (bool, error) {
	leaf, err := HashLeaf(wallet, amount)
	if err != nil {
		return false, err
	}
	root, err := util.ParseHash(rootHex)
	if err != nil {
		return false, fmt.Errorf("invalid root: %w", err)
	}
	proof := make([][32]byte, 0, len(proofHex))
	for i, s := range proofHex {
		h, err := util.ParseHash(s)
		if err != nil {
			return false, fmt.Errorf("invalid proof element %d: %w", i, err)
		}
		proof = append(proof, h)
	}
	return VerifyProof(&MerkleProof{Leaf: leaf, Proof: proof}, root), nil
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
