package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ClientConfig struct {
	RPCURL string

	// RequestsPerSecond caps outgoing RPC calls. Zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// Client is the ethclient backed IChainClient.
type Client struct {
	eth     *ethclient.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ IChainClient = (*Client)(nil)

func NewClient(ctx context.Context, cfg *ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil || cfg.RPCURL == "" {
		return nil, errors.New("rpc url is required")
	}
	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(ErrRPCUnavailable, "failed to dial %s: %v", cfg.RPCURL, err)
	}
	return NewClientFromRPC(rpcClient, cfg, logger), nil
}

func NewClientFromRPC(rpcClient *rpc.Client, cfg *ClientConfig, logger *zap.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg != nil && cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		eth:     ethclient.NewClient(rpcClient),
		limiter: limiter,
		logger:  logger,
	}
}

func (c *Client) wait(ctx context.Context, method string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(ErrRPCUnavailable, "%s: rate limiter: %v", method, err)
	}
	return nil
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethTypes.Receipt, error) {
	if err := c.wait(ctx, "eth_getTransactionReceipt"); err != nil {
		return nil, err
	}
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		c.logger.Sugar().Debugw("Receipt not found", "txHash", txHash.Hex())
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(ErrRPCUnavailable, "eth_getTransactionReceipt %s: %v", txHash.Hex(), err)
	}
	return receipt, nil
}

type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
}

// Transaction reads the sender from the node response instead of recovering
// it from the signature, so it works for every transaction type the node serves.
func (c *Client) Transaction(ctx context.Context, txHash common.Hash) (*TransactionInfo, error) {
	if err := c.wait(ctx, "eth_getTransactionByHash"); err != nil {
		return nil, err
	}
	var raw *rpcTransaction
	if err := c.eth.Client().CallContext(ctx, &raw, "eth_getTransactionByHash", txHash); err != nil {
		return nil, errors.Wrapf(ErrRPCUnavailable, "eth_getTransactionByHash %s: %v", txHash.Hex(), err)
	}
	if raw == nil {
		return nil, nil
	}

	info := &TransactionInfo{
		Hash:  raw.Hash,
		From:  raw.From,
		To:    raw.To,
		Value: new(big.Int),
	}
	if raw.Value != nil {
		info.Value = raw.Value.ToInt()
	}
	if raw.BlockNumber != nil {
		n := raw.BlockNumber.ToInt().Uint64()
		info.BlockNumber = &n
	}
	return info, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx, "eth_blockNumber"); err != nil {
		return 0, err
	}
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrapf(ErrRPCUnavailable, "eth_blockNumber: %v", err)
	}
	return n, nil
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethTypes.Log, error) {
	if err := c.wait(ctx, "eth_getLogs"); err != nil {
		return nil, err
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(ErrRPCUnavailable, "eth_getLogs: %v", err)
	}
	return logs, nil
}

// ChainID is used at startup to check the endpoint serves the configured chain.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx, "eth_chainId"); err != nil {
		return 0, err
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, errors.Wrapf(ErrRPCUnavailable, "eth_chainId: %v", err)
	}
	return id.Uint64(), nil
}

func (c *Client) Close() {
	c.eth.Close()
}
