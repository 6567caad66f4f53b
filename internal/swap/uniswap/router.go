// Package uniswap executes single-pool swaps against Uniswap V3 contracts
// through a chain gateway.
package uniswap

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/swap"
	"EffiSend-Agent/internal/web3"
	"EffiSend-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	poolABIJSON = `[
 {"type":"function","name":"fee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]}
]`
	quoterABIJSON = `[
 {"type":"function","name":"quoteExactInputSingle","stateMutability":"nonpayable","inputs":[
  {"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},
  {"name":"amountIn","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],
  "outputs":[{"name":"amountOut","type":"uint256"}]}
]`
	routerABIJSON = `[
 {"type":"function","name":"exactInputSingle","stateMutability":"payable","inputs":[
  {"name":"params","type":"tuple","components":[
   {"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},
   {"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},
   {"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],
  "outputs":[{"name":"amountOut","type":"uint256"}]}
]`
)

var (
	poolABI   = web3.MustParseABI(poolABIJSON)
	quoterABI = web3.MustParseABI(quoterABIJSON)
	routerABI = web3.MustParseABI(routerABIJSON)
)

// Gateway is the chain access the router needs.
type Gateway interface {
	Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, token web3.Token, spender common.Address, amount *big.Int) (*types.Receipt, error)
	Send(ctx context.Context, key *ecdsa.PrivateKey, req web3.TxRequest) (*types.Receipt, error)
}

// Config holds the deployment addresses and quote policy.
type Config struct {
	Chain            string
	Factory          common.Address
	Quoter           common.Address
	Router           common.Address
	PoolInitCodeHash common.Hash
	FeeTier          uint32
	// Deadline is added to the submission time for the on-chain deadline.
	Deadline time.Duration
	// QuoteTTL bounds how long a quote may wait before submission.
	QuoteTTL time.Duration
	// SlippageBps lowers the quoted output used as amountOutMinimum.
	SlippageBps uint32
}

// Router implements swap.Swapper.
type Router struct {
	cfg     Config
	gateway Gateway
	now     func() time.Time
	log     *slog.Logger
}

// Option customises a Router.
type Option func(*Router)

// WithClock overrides the wall clock used for quote expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter validates cfg and returns a Router bound to gateway.
func NewRouter(cfg Config, gateway Gateway, opts ...Option) (*Router, error) {
	if gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "uniswap router requires a gateway")
	}
	if cfg.Factory == (common.Address{}) || cfg.Quoter == (common.Address{}) || cfg.Router == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "uniswap factory, quoter and router addresses are required")
	}
	if cfg.FeeTier == 0 {
		cfg.FeeTier = 3000
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Minute
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 2 * time.Minute
	}
	if cfg.SlippageBps >= 10_000 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "slippage must be below 10000 bps")
	}
	r := &Router{cfg: cfg, gateway: gateway, now: time.Now, log: logger.Named("uniswap")}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// PoolAddress derives the canonical V3 pool for a pair and fee tier with
// CREATE2, independent of token order.
func PoolAddress(factory common.Address, initCodeHash common.Hash, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	token0, token1 := sortTokens(tokenA, tokenB)
	addressT, _ := abi.NewType("address", "", nil)
	uint24T, _ := abi.NewType("uint24", "", nil)
	encoded, err := abi.Arguments{{Type: addressT}, {Type: addressT}, {Type: uint24T}}.Pack(token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return common.Address{}, fmt.Errorf("encode pool key: %w", err)
	}
	salt := crypto.Keccak256Hash(encoded)
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes()), nil
}

func sortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// QuoteSwap resolves the pool, confirms its fee tier and asks the quoter for
// the output of an exact-input swap.
func (r *Router) QuoteSwap(ctx context.Context, tokenIn, tokenOut web3.Token, amountIn *big.Int) (*swap.Quote, error) {
	if tokenIn.Native || tokenOut.Native {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "uniswap swaps require ERC20 tokens")
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "swap amount must be positive")
	}
	pool, err := PoolAddress(r.cfg.Factory, r.cfg.PoolInitCodeHash, tokenIn.Address, tokenOut.Address, r.cfg.FeeTier)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "derive pool address")
	}

	fee, err := r.poolFee(ctx, pool)
	if err != nil {
		return nil, err
	}

	out, err := web3.CallMethod(ctx, r.gateway, r.cfg.Quoter, quoterABI, "quoteExactInputSingle",
		tokenIn.Address, tokenOut.Address, fee, amountIn, big.NewInt(0))
	if err != nil {
		return nil, r.wrapCall(err, "quote exact input", r.cfg.Quoter)
	}
	amountOut, err := web3.BigOutput(out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "decode quoter output")
	}
	if amountOut.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "quoter returned zero output")
	}
	minimum := new(big.Int).Mul(amountOut, big.NewInt(int64(10_000-r.cfg.SlippageBps)))
	minimum.Quo(minimum, big.NewInt(10_000))

	return &swap.Quote{
		Kind:             swap.KindSwap,
		Chain:            r.cfg.Chain,
		TokenIn:          tokenIn,
		TokenOut:         tokenOut,
		AmountIn:         new(big.Int).Set(amountIn),
		AmountOutMinimum: minimum,
		Fee:              r.cfg.FeeTier,
		Route: []swap.Step{{
			Type:     "swap",
			Tool:     "uniswap-v3",
			FromHint: tokenIn.Symbol,
			ToHint:   tokenOut.Symbol,
		}},
		Expiry:  r.now().Add(r.cfg.QuoteTTL),
		Spender: r.cfg.Router,
	}, nil
}

// ApproveAndSwap approves the router for the input amount, waits for that
// confirmation and only then submits exactInputSingle with the quoted
// minimum output. A quote that expires at either step is never submitted.
func (r *Router) ApproveAndSwap(ctx context.Context, key *ecdsa.PrivateKey, quote *swap.Quote) (string, error) {
	if quote == nil || quote.Kind != swap.KindSwap {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "not a swap quote")
	}
	if key == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "signing key is required")
	}
	if err := quote.CheckFresh(r.now(), "approve"); err != nil {
		return "", err
	}

	approval, err := r.gateway.Approve(ctx, key, quote.TokenIn, r.cfg.Router, quote.AmountIn)
	if err != nil {
		return "", err
	}
	r.log.Info("swap approval confirmed", slog.String("tx", approval.TxHash.Hex()))

	now := r.now()
	if err := quote.CheckFresh(now, "swap"); err != nil {
		return "", err
	}
	params := exactInputSingleParams{
		TokenIn:           quote.TokenIn.Address,
		TokenOut:          quote.TokenOut.Address,
		Fee:               new(big.Int).SetUint64(uint64(quote.Fee)),
		Recipient:         crypto.PubkeyToAddress(key.PublicKey),
		Deadline:          big.NewInt(now.Add(r.cfg.Deadline).Unix()),
		AmountIn:          quote.AmountIn,
		AmountOutMinimum:  quote.AmountOutMinimum,
		SqrtPriceLimitX96: big.NewInt(0),
	}
	data, err := routerABI.Pack("exactInputSingle", params)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode exactInputSingle")
	}
	receipt, err := r.gateway.Send(ctx, key, web3.TxRequest{To: r.cfg.Router, Data: data})
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// poolFee reads fee() from the derived pool. An empty result means no pool
// is deployed at that address.
func (r *Router) poolFee(ctx context.Context, pool common.Address) (*big.Int, error) {
	raw, err := r.gateway.Call(ctx, pool, poolABI.Methods["fee"].ID)
	if err != nil {
		return nil, r.wrapCall(err, "read pool fee", pool)
	}
	notFound := xerrors.New(xerrors.CodeNotFound, "no pool for pair at configured fee tier",
		xerrors.WithMetadata("pool", pool.Hex()))
	if len(raw) == 0 {
		return nil, notFound
	}
	values, err := poolABI.Unpack("fee", raw)
	if err != nil {
		return nil, notFound
	}
	fee, err := web3.BigOutput(values)
	if err != nil || fee.Uint64() != uint64(r.cfg.FeeTier) {
		return nil, notFound
	}
	return fee, nil
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func (r *Router) wrapCall(err error, what string, contract common.Address) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, what, xerrors.WithMetadata("contract", contract.Hex()))
}

var _ swap.Swapper = (*Router)(nil)
