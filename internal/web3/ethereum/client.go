package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/web3"
	"EffiSend-Agent/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultTimeout             = 8 * time.Second
	defaultMaxAttempts         = 2
	defaultPollInterval        = time.Second
	defaultConfirmationTimeout = 3 * time.Minute
)

// Config describes how to construct an EVM compatible gateway.
type Config struct {
	Name                string
	Definition          web3.ChainDefinition
	Timeout             time.Duration
	MaxAttempts         int
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithFailoverObserver registers a callback invoked each time an endpoint is
// skipped.
func WithFailoverObserver(fn func(chain, endpoint string)) Option {
	return func(c *Client) { c.onFailover = fn }
}

// WithRetryBackoff overrides the pause between failover rounds.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) { c.retryBackoff = d }
}

// Client implements web3.Gateway over a pool of redundant RPC endpoints.
type Client struct {
	name         string
	endpoints    []*Endpoint
	tokens       map[string]web3.Token
	timeout      time.Duration
	maxAttempts  int
	pollInterval time.Duration
	confirmWait  time.Duration
	retryBackoff time.Duration
	onFailover   func(chain, endpoint string)
	log          *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int

	sendersMu sync.Mutex
	senders   map[common.Address]*senderState
}

// senderState serializes nonce assignment for one wallet.
type senderState struct {
	mu        sync.Mutex
	nextNonce uint64
	known     bool
}

// NewClient dials every configured RPC URL. HTTP endpoints connect lazily, so
// an unreachable node only surfaces once it is used.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if len(cfg.Definition.RPCURLs) == 0 {
		return nil, fmt.Errorf("chain %s: no rpc urls configured", cfg.Name)
	}
	endpoints := make([]*Endpoint, 0, len(cfg.Definition.RPCURLs))
	for _, raw := range cfg.Definition.RPCURLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		rpcClient, err := gethrpc.DialContext(ctx, url)
		if err != nil {
			for _, ep := range endpoints {
				ep.closer()
			}
			return nil, fmt.Errorf("chain %s: dial %s: %w", cfg.Name, url, err)
		}
		eth := ethclient.NewClient(rpcClient)
		endpoints = append(endpoints, &Endpoint{URL: url, Backend: eth, closer: eth.Close})
	}
	return newClient(cfg, endpoints, opts...), nil
}

// NewWithEndpoints builds a client over pre-constructed backends, e.g. the
// go-ethereum simulated backend in tests.
func NewWithEndpoints(cfg Config, endpoints []*Endpoint, opts ...Option) *Client {
	return newClient(cfg, endpoints, opts...)
}

func newClient(cfg Config, endpoints []*Endpoint, opts ...Option) *Client {
	for i, ep := range endpoints {
		ep.priority = i
		if ep.closer == nil {
			ep.closer = func() {}
		}
	}
	c := &Client{
		name:         cfg.Name,
		endpoints:    endpoints,
		tokens:       cfg.Definition.TokenSet(),
		timeout:      cfg.Timeout,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		confirmWait:  cfg.ConfirmationTimeout,
		retryBackoff: 250 * time.Millisecond,
		log:          logger.Named("chain").With("chain", cfg.Name),
		senders:      make(map[common.Address]*senderState),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.confirmWait <= 0 {
		c.confirmWait = defaultConfirmationTimeout
	}
	if cfg.Definition.ChainID != 0 {
		c.chainID = new(big.Int).SetUint64(cfg.Definition.ChainID)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Endpoints returns the endpoint URLs in configured priority order.
func (c *Client) Endpoints() []string {
	urls := make([]string, len(c.endpoints))
	for i, ep := range c.endpoints {
		urls[i] = ep.URL
	}
	return urls
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.closer()
	}
}

// ChainID returns the configured chain id, asking the nodes only when the
// definition omits it.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	var id *big.Int
	err := c.withFailover(ctx, "eth_chainId", func(ctx context.Context, b Backend) error {
		var err error
		id, err = b.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// Token resolves a token by symbol, case-insensitively.
func (c *Client) Token(symbol string) (web3.Token, error) {
	token, ok := c.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return web3.Token{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("token %s is not configured on %s", symbol, c.name))
	}
	return token, nil
}

// Balance returns the native or ERC20 balance of owner.
func (c *Client) Balance(ctx context.Context, owner common.Address, token web3.Token) (web3.Amount, error) {
	if token.Native {
		var raw *big.Int
		err := c.withFailover(ctx, "eth_getBalance", func(ctx context.Context, b Backend) error {
			var err error
			raw, err = b.BalanceAt(ctx, owner, nil)
			return err
		})
		if err != nil {
			return web3.Amount{}, err
		}
		return web3.Amount{Raw: raw, Decimals: token.Decimals}, nil
	}

	values, err := web3.CallMethod(ctx, c, token.Address, web3.ERC20, "balanceOf", owner)
	if err != nil {
		return web3.Amount{}, err
	}
	raw, err := web3.BigOutput(values)
	if err != nil {
		return web3.Amount{}, err
	}
	return web3.Amount{Raw: raw, Decimals: token.Decimals}, nil
}

// Call performs a read-only eth_call against contract.
func (c *Client) Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.withFailover(ctx, "eth_call", func(ctx context.Context, b Backend) error {
		var err error
		out, err = b.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
		return err
	})
	return out, err
}

// Transfer sends amount of token to the recipient and waits for one
// confirmation.
func (c *Client) Transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, token web3.Token, amount string) (*coretypes.Receipt, error) {
	raw, err := web3.ToBaseUnits(amount, token.Decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid transfer amount")
	}
	if raw.Sign() == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transfer amount must be positive")
	}
	if token.Native {
		return c.Send(ctx, key, web3.TxRequest{To: to, Value: raw})
	}
	data, err := web3.ERC20.Pack("transfer", to, raw)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return c.Send(ctx, key, web3.TxRequest{To: token.Address, Data: data})
}

// Approve grants spender an ERC20 allowance and waits for confirmation.
func (c *Client) Approve(ctx context.Context, key *ecdsa.PrivateKey, token web3.Token, spender common.Address, amount *big.Int) (*coretypes.Receipt, error) {
	if token.Native {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "native coin cannot be approved")
	}
	data, err := web3.ERC20.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	return c.Send(ctx, key, web3.TxRequest{To: token.Address, Data: data})
}

// Send signs and broadcasts req, then blocks until the transaction is mined.
// Once broadcast the transaction cannot be cancelled; a cancelled ctx only
// stops the wait.
func (c *Client) Send(ctx context.Context, key *ecdsa.PrivateKey, req web3.TxRequest) (*coretypes.Receipt, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signing key is required")
	}
	tx, err := c.broadcast(ctx, key, req)
	if err != nil {
		return nil, err
	}
	c.log.Info("transaction broadcast", "tx", tx.Hash().Hex(), "to", req.To.Hex(), "nonce", tx.Nonce())
	return c.waitMined(ctx, tx.Hash())
}

func (c *Client) sender(addr common.Address) *senderState {
	c.sendersMu.Lock()
	defer c.sendersMu.Unlock()
	state, ok := c.senders[addr]
	if !ok {
		state = &senderState{}
		c.senders[addr] = state
	}
	return state
}

// broadcast holds the sender lock from nonce selection until the node
// accepts the transaction.
func (c *Client) broadcast(ctx context.Context, key *ecdsa.PrivateKey, req web3.TxRequest) (*coretypes.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	state := c.sender(from)
	state.mu.Lock()
	defer state.mu.Unlock()

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	var nonce uint64
	err = c.withFailover(ctx, "eth_getTransactionCount", func(ctx context.Context, b Backend) error {
		var err error
		nonce, err = b.PendingNonceAt(ctx, from)
		return err
	})
	if err != nil {
		return nil, err
	}
	if state.known && state.nextNonce > nonce {
		nonce = state.nextNonce
	}

	tip, feeCap, err := c.fees(ctx)
	if err != nil {
		return nil, err
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	gas := req.Gas
	if gas == 0 {
		to := req.To
		msg := gethcore.CallMsg{From: from, To: &to, Value: value, Data: req.Data}
		err = c.withFailover(ctx, "eth_estimateGas", func(ctx context.Context, b Backend) error {
			var err error
			gas, err = b.EstimateGas(ctx, msg)
			return err
		})
		if err != nil {
			return nil, err
		}
		gas += gas / 5
	}

	to := req.To
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	err = c.withFailover(ctx, "eth_sendRawTransaction", func(ctx context.Context, b Backend) error {
		if err := b.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	state.nextNonce = nonce + 1
	state.known = true
	return signed, nil
}

func (c *Client) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	err = c.withFailover(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context, b Backend) error {
		var err error
		tip, err = b.SuggestGasTipCap(ctx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	var head *coretypes.Header
	err = c.withFailover(ctx, "eth_getBlockByNumber", func(ctx context.Context, b Backend) error {
		var err error
		head, err = b.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if head.BaseFee == nil {
		return tip, new(big.Int).Mul(tip, big.NewInt(2)), nil
	}
	feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return tip, feeCap, nil
}

// waitMined polls for the receipt of hash until it is mined, the
// confirmation timeout elapses or ctx is cancelled. Every outcome other than a
// receipt is reported as a *web3.PendingError carrying hash.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmWait)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *coretypes.Receipt
		err := c.withFailover(ctx, "eth_getTransactionReceipt", func(ctx context.Context, b Backend) error {
			var err error
			receipt, err = b.TransactionReceipt(ctx, hash)
			return err
		})
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == coretypes.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s", web3.ErrTransactionReverted, hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, gethcore.NotFound):
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, c.pending(hash, xerrors.Wrap(xerrors.CodeTimeout, err, "waiting for confirmation of "+hash.Hex()))
			}
			return nil, c.pending(hash, err)
		}

		select {
		case <-ctx.Done():
			return nil, c.pending(hash, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "waiting for confirmation of "+hash.Hex()))
		case <-ticker.C:
		}
	}
}

func (c *Client) pending(hash common.Hash, err error) error {
	c.log.Warn("transaction broadcast but not confirmed", "tx", hash.Hex(), "error", err)
	return &web3.PendingError{Hash: hash, Err: err}
}

var _ web3.Gateway = (*Client)(nil)
