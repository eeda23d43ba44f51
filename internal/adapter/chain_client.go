package adapter

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the subset of an Ethereum node API the insurance contract needs
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// PooledChainClient implements ChainClient on top of an RPCPool
type PooledChainClient struct {
	pool *RPCPool
}

// NewPooledChainClient wraps pool
func NewPooledChainClient(pool *RPCPool) *PooledChainClient {
	return &PooledChainClient{pool: pool}
}

// Pool returns the underlying RPC pool
func (c *PooledChainClient) Pool() *RPCPool {
	return c.pool
}

func (c *PooledChainClient) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		id, err = client.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *PooledChainClient) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		n, err = client.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *PooledChainClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		out, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *PooledChainClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) (logs []ethtypes.Log, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		logs, err = client.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (c *PooledChainClient) TransactionByHash(ctx context.Context, hash common.Hash) (tx *ethtypes.Transaction, pending bool, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		tx, pending, err = client.TransactionByHash(ctx, hash)
		return err
	})
	return tx, pending, err
}

func (c *PooledChainClient) TransactionReceipt(ctx context.Context, hash common.Hash) (r *ethtypes.Receipt, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		r, err = client.TransactionReceipt(ctx, hash)
		return err
	})
	return r, err
}

func (c *PooledChainClient) PendingNonceAt(ctx context.Context, account common.Address) (n uint64, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		n, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return n, err
}

func (c *PooledChainClient) SuggestGasPrice(ctx context.Context) (price *big.Int, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		price, err = client.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *PooledChainClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (gas uint64, err error) {
	err = c.pool.Do(ctx, func(client *ethclient.Client) error {
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction is not failed over: a broadcast that timed out may still have reached the node
func (c *PooledChainClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	client, _ := c.pool.current()
	return client.SendTransaction(ctx, tx)
}
