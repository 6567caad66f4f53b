package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	xerrors "EffiSend-Agent/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of *ethclient.Client the gateway needs. The
// simulated backend's client satisfies it as well.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Endpoint binds a backend to the URL it was dialled from.
type Endpoint struct {
	URL     string
	Backend Backend

	priority int
	failures atomic.Int32
	closer   func()
}

func (e *Endpoint) markFailed()  { e.failures.Add(1) }
func (e *Endpoint) markHealthy() { e.failures.Store(0) }

// ranked orders endpoints by consecutive failures, then configured priority.
func (c *Client) ranked() []*Endpoint {
	out := make([]*Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := out[i].failures.Load(), out[j].failures.Load()
		if fi != fj {
			return fi < fj
		}
		return out[i].priority < out[j].priority
	})
	return out
}

// withFailover runs fn against endpoints in health-ranked order. Transport
// failures and per-attempt timeouts move on to the next endpoint; node-side
// JSON-RPC errors are returned as-is. After maxAttempts rounds over the pool
// the last error is wrapped as UPSTREAM_UNAVAILABLE.
func (c *Client) withFailover(ctx context.Context, op string, fn func(ctx context.Context, b Backend) error) error {
	if len(c.endpoints) == 0 {
		return xerrors.New(xerrors.CodeInitializationFailure, "chain "+c.name+" has no endpoints")
	}
	var lastErr error
	for round := 0; round < c.maxAttempts; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryBackoff * time.Duration(round)):
			}
		}
		for _, ep := range c.ranked() {
			if err := ctx.Err(); err != nil {
				return err
			}
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			err := fn(attemptCtx, ep.Backend)
			cancel()
			if err == nil {
				ep.markHealthy()
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !retriable(err) {
				return err
			}
			ep.markFailed()
			lastErr = err
			c.log.Warn("rpc endpoint failed", "chain", c.name, "op", op, "endpoint", ep.URL, "error", err)
			if c.onFailover != nil {
				c.onFailover(c.name, ep.URL)
			}
		}
	}
	return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, lastErr,
		fmt.Sprintf("%s on %s failed on all %d endpoints", op, c.name, len(c.endpoints)),
		xerrors.WithMetadata("chain", c.name))
}

// retriable reports whether err is endpoint specific.
func retriable(err error) bool {
	if errors.Is(err, gethcore.NotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return true
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		// -32005 is the conventional "limit exceeded" code used by public nodes.
		return rpcErr.ErrorCode() == -32005
	}
	return true
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
