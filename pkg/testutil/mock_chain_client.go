package testutil

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/ideacapital/vault-go/pkg/chain"
)

// MockChainClient implements chain.IChainClient over in-memory receipts,
// transactions and logs. RPC failures can be injected per method.
type MockChainClient struct {
	mu           sync.Mutex
	receipts     map[common.Hash]*ethTypes.Receipt
	transactions map[common.Hash]*chain.TransactionInfo
	logs         []ethTypes.Log
	head         uint64
	failures     map[string]int
	calls        map[string]int
}

var _ chain.IChainClient = (*MockChainClient)(nil)

func NewMockChainClient() *MockChainClient {
	return &MockChainClient{
		receipts:     make(map[common.Hash]*ethTypes.Receipt),
		transactions: make(map[common.Hash]*chain.TransactionInfo),
		failures:     make(map[string]int),
		calls:        make(map[string]int),
	}
}

// AddReceipt registers a mined receipt under its transaction hash.
func (m *MockChainClient) AddReceipt(receipt *ethTypes.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[receipt.TxHash] = receipt
}

func (m *MockChainClient) AddTransaction(tx *chain.TransactionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.Hash] = tx
}

// AddLogs appends logs returned by FilterLogs.
func (m *MockChainClient) AddLogs(logs ...ethTypes.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
}

func (m *MockChainClient) SetHead(block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = block
}

// FailNext makes the next n calls of method fail with chain.ErrRPCUnavailable.
// method is one of TransactionReceipt, Transaction, BlockNumber or FilterLogs.
func (m *MockChainClient) FailNext(method string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] += n
}

// Calls returns how often method was invoked.
func (m *MockChainClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockChainClient) enter(method string) error {
	m.calls[method]++
	if m.failures[method] > 0 {
		m.failures[method]--
		return errors.Wrapf(chain.ErrRPCUnavailable, "%s: injected failure", method)
	}
	return nil
}

func (m *MockChainClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*ethTypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TransactionReceipt"); err != nil {
		return nil, err
	}
	return m.receipts[txHash], nil
}

func (m *MockChainClient) Transaction(_ context.Context, txHash common.Hash) (*chain.TransactionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Transaction"); err != nil {
		return nil, err
	}
	return m.transactions[txHash], nil
}

func (m *MockChainClient) BlockNumber(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BlockNumber"); err != nil {
		return 0, err
	}
	return m.head, nil
}

// FilterLogs honours the block range, address and first topic of the query.
func (m *MockChainClient) FilterLogs(_ context.Context, query ethereum.FilterQuery) ([]ethTypes.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FilterLogs"); err != nil {
		return nil, err
	}

	out := make([]ethTypes.Log, 0)
	for _, l := range m.logs {
		if query.FromBlock != nil && l.BlockNumber < query.FromBlock.Uint64() {
			continue
		}
		if query.ToBlock != nil && l.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		if len(query.Addresses) > 0 && !containsAddress(query.Addresses, l.Address) {
			continue
		}
		if len(query.Topics) > 0 && len(query.Topics[0]) > 0 {
			if len(l.Topics) == 0 || !containsHash(query.Topics[0], l.Topics[0]) {
				continue
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
