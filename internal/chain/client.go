// Package chain wraps go-ethereum's ethclient with the three read
// operations the producer needs: the latest finalized block, a block's
// hash at a given height, and raw logs over a block range. Grounded on
// the AgentMesh indexer-go watcher's ethclient.DialContext/FilterLogs
// usage, generalized from event-specific subscription handling to the
// producer's own poll-and-decode loop (internal/producer, internal/codec).
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cuemby/chainindexer/internal/errs"
)

// Client reads finalized chain state over JSON-RPC.
type Client struct {
	rpc           *ethclient.Client
	chainID       int64
	confirmations uint64
}

// Dial connects to an Ethereum-compatible JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, chainID int64, confirmations uint64) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errs.NewFatal("chain.Dial", err)
	}
	return &Client{rpc: rpc, chainID: chainID, confirmations: confirmations}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// ChainID returns the configured chain identifier.
func (c *Client) ChainID() int64 {
	return c.chainID
}

// LatestFinalizedBlock returns the highest block number the producer is
// allowed to read up to: the chain head minus the configured
// confirmation depth. A negative result (chain shorter than the
// confirmation window) is reported as 0.
func (c *Client) LatestFinalizedBlock(ctx context.Context) (uint64, error) {
	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, errs.NewTransient("chain.LatestFinalizedBlock", err)
	}
	if head < c.confirmations {
		return 0, nil
	}
	return head - c.confirmations, nil
}

// BlockHashAt returns the canonical hash of the block at height, as
// currently known to the node. Used by the reorg detector to compare
// against the hash recorded at the sync cursor.
func (c *Client) BlockHashAt(ctx context.Context, height uint64) (common.Hash, error) {
	header, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return common.Hash{}, errs.NewTransient("chain.BlockHashAt", err)
	}
	return header.Hash(), nil
}

// GetLogs fetches every log emitted by addresses in [fromBlock, toBlock]
// (inclusive). topics, when non-empty, is passed as the query's topic0
// filter (ethereum.FilterQuery.Topics[0]) so the node only returns logs
// for the caller's recognized event signatures; the caller (internal/codec)
// still decides which logs it recognizes among those returned.
func (c *Client) GetLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics ...common.Hash) ([]ethtypes.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topics) > 0 {
		query.Topics = [][]common.Hash{topics}
	}
	logs, err := c.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, errs.NewTransient("chain.GetLogs", err)
	}
	return logs, nil
}

// BlockTimestamp returns the unix timestamp of the block at height, used
// to populate EventPayload.Timestamp when a log itself carries no
// explicit timestamp field.
func (c *Client) BlockTimestamp(ctx context.Context, height uint64) (int64, error) {
	header, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return 0, errs.NewTransient("chain.BlockTimestamp", err)
	}
	return int64(header.Time), nil
}

// String renders the client for log fields.
func (c *Client) String() string {
	return fmt.Sprintf("chain(id=%d, confirmations=%d)", c.chainID, c.confirmations)
}
