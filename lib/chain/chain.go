// Package chain implements the connection to Ethereum-type networks.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrNoSubscriber is returned by SubscribeFilterLogs when no WebSocket endpoint was configured.
var ErrNoSubscriber = errors.New("no WebSocket endpoint configured for log subscriptions")

// Client wraps JSON-RPC connections to a node: one over HTTP for calls and transactions and, when configured, one
// over WebSocket for log subscriptions. Every outbound call is bounded by the configured timeout so a stuck node
// cannot hang a serving request.
type Client struct {
	eth     *ethclient.Client
	ws      *ethclient.Client // nil unless a WebSocket url was configured
	timeout time.Duration
}

// Dial connects to the node at the given url. wsNode may be empty, in which case log subscriptions are unavailable.
func Dial(node, wsNode string, timeout time.Duration) (*Client, error) {
	eth, err := ethclient.Dial(node)
	if err != nil {
		return nil, fmt.Errorf("chain: cannot connect to %s: %w", node, err)
	}

	var ws *ethclient.Client
	if wsNode != "" {
		if ws, err = ethclient.Dial(wsNode); err != nil {
			eth.Close()
			return nil, fmt.Errorf("chain: cannot connect to %s: %w", wsNode, err)
		}
	}

	return &Client{eth: eth, ws: ws, timeout: timeout}, nil
}

// Close ends the connections.
func (c *Client) Close() {
	c.eth.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// NetworkID returns the network id the node is attached to.
func (c *Client) NetworkID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.NetworkID(ctx)
}

// BalanceAt returns the current wei balance of the given account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.BalanceAt(ctx, account, nil)
}

// SuggestGasPrice returns the node's suggested gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.SuggestGasPrice(ctx)
}

// CallContract executes a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.CallContract(ctx, msg, blockNumber)
}

// EstimateGas performs a dry run of the given message and returns the predicted gas cost.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.EstimateGas(ctx, msg)
}

// PendingNonceAt returns the next nonce of the account including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.PendingNonceAt(ctx, account)
}

// SendTransaction submits a signed transaction to the node.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.SendTransaction(ctx, tx)
}

// SubscribeFilterLogs opens a server-push log subscription over the WebSocket connection. The subscription lives
// until cancelled, so no call timeout is applied.
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.ws == nil {
		return nil, ErrNoSubscriber
	}
	return c.ws.SubscribeFilterLogs(ctx, q, ch)
}
