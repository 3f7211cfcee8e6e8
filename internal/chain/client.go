// Package chain talks to the supervised node over its JSON-RPC endpoint.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultURL is where the node listens.
const DefaultURL = "http://127.0.0.1:8545"

// ErrClosed is returned by calls after Close.
var ErrClosed = errors.New("chain client closed")

// Client is a lazily dialed node RPC client. A failed dial is retried on the
// next call, so the client can be built before the node is up.
type Client struct {
	url     string
	timeout time.Duration
	httpc   *http.Client

	mu     sync.Mutex
	rpc    *rpc.Client
	eth    *ethclient.Client
	closed bool
}

// New returns a client for url. timeout bounds every call; zero means 5s.
func New(url string, timeout time.Duration) *Client {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{url: url, timeout: timeout, httpc: &http.Client{Timeout: timeout}}
}

// URL is the endpoint this client targets.
func (c *Client) URL() string { return c.url }

func (c *Client) dial(ctx context.Context) (*rpc.Client, *ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	if c.rpc != nil {
		return c.rpc, c.eth, nil
	}
	rc, err := rpc.DialOptions(ctx, c.url, rpc.WithHTTPClient(c.httpc))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.rpc = rc
	c.eth = ethclient.NewClient(rc)
	return c.rpc, c.eth, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// ChainID returns eth_chainId. It doubles as the readiness probe.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, ec, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	id, err := ec.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_chainId: %w", err)
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("eth_chainId: %s overflows uint64", id)
	}
	return id.Uint64(), nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, ec, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	n, err := ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return n, nil
}

// PeerCount returns net_peerCount.
func (c *Client) PeerCount(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	rc, _, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	var n hexutil.Uint64
	if err := rc.CallContext(ctx, &n, "net_peerCount"); err != nil {
		return 0, fmt.Errorf("net_peerCount: %w", err)
	}
	return uint64(n), nil
}

// BlockTransactionCount returns the number of transactions in block number.
func (c *Client) BlockTransactionCount(ctx context.Context, number uint64) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	rc, _, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	var n *hexutil.Uint
	arg := hexutil.EncodeBig(new(big.Int).SetUint64(number))
	if err := rc.CallContext(ctx, &n, "eth_getBlockTransactionCountByNumber", arg); err != nil {
		return 0, fmt.Errorf("eth_getBlockTransactionCountByNumber: %w", err)
	}
	if n == nil {
		// unknown block
		return 0, nil
	}
	return uint64(*n), nil
}

// Close releases the connection. Further calls fail with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc, c.eth = nil, nil
	}
}
