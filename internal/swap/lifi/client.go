// Package lifi prices and executes cross-chain transfers through the LI.FI
// aggregator's quote endpoint.
package lifi

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/swap"
	"EffiSend-Agent/internal/web3"
	"EffiSend-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Gateway is the chain access needed to approve and submit a bridge route.
type Gateway interface {
	Approve(ctx context.Context, key *ecdsa.PrivateKey, token web3.Token, spender common.Address, amount *big.Int) (*types.Receipt, error)
	Send(ctx context.Context, key *ecdsa.PrivateKey, req web3.TxRequest) (*types.Receipt, error)
}

// Config describes the aggregator endpoint and quote policy.
type Config struct {
	BaseURL    string
	APIKey     string
	Integrator string
	Chain      string
	Timeout    time.Duration
	QuoteTTL   time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides the clock used for quote expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client implements swap.Bridger.
type Client struct {
	cfg     Config
	base    string
	gateway Gateway
	http    *http.Client
	now     func() time.Time
	log     *slog.Logger
}

// New validates cfg and returns a Client that submits through gateway.
func New(cfg Config, gateway Gateway, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://li.quest"
	}
	if gateway == nil {
		return nil, errors.New("lifi: gateway must not be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 2 * time.Minute
	}
	c := &Client{
		cfg:     cfg,
		base:    base,
		gateway: gateway,
		http:    &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
		log:     logger.Named("lifi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type quoteResponse struct {
	Tool     string `json:"tool"`
	Estimate struct {
		ApprovalAddress string `json:"approvalAddress"`
		ToAmountMin     string `json:"toAmountMin"`
		ToAmount        string `json:"toAmount"`
	} `json:"estimate"`
	IncludedSteps []struct {
		Type string `json:"type"`
		Tool string `json:"tool"`
	} `json:"includedSteps"`
	TransactionRequest *struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// QuoteBridge asks the aggregator for a route and its prepared transaction.
func (c *Client) QuoteBridge(ctx context.Context, req swap.BridgeRequest) (*swap.Quote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bridge amount must be positive")
	}
	if req.FromToken.Native {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bridging native value is not supported")
	}
	q := url.Values{}
	q.Set("fromChain", strconv.FormatUint(req.FromChainID, 10))
	q.Set("toChain", strconv.FormatUint(req.ToChainID, 10))
	q.Set("fromToken", req.FromToken.Address.Hex())
	q.Set("toToken", req.ToToken)
	q.Set("fromAmount", req.Amount.String())
	q.Set("fromAddress", req.FromAddress.Hex())
	q.Set("toAddress", req.ToAddress.Hex())
	if c.cfg.Integrator != "" {
		q.Set("integrator", c.cfg.Integrator)
	}

	var res quoteResponse
	if err := c.get(ctx, "/v1/quote", q, &res); err != nil {
		return nil, err
	}
	return c.toQuote(req, res)
}

func (c *Client) toQuote(req swap.BridgeRequest, res quoteResponse) (*swap.Quote, error) {
	if res.TransactionRequest == nil || !common.IsHexAddress(res.TransactionRequest.To) {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "lifi: quote has no transaction request")
	}
	data, err := hexutil.Decode(res.TransactionRequest.Data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "lifi: invalid transaction data")
	}
	value := new(big.Int)
	if v := res.TransactionRequest.Value; v != "" && v != "0x" {
		if value, err = hexutil.DecodeBig(v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "lifi: invalid transaction value")
		}
	}
	var gas uint64
	if g := res.TransactionRequest.GasLimit; g != "" {
		if gas, err = hexutil.DecodeUint64(g); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "lifi: invalid gas limit")
		}
	}
	minOut, ok := new(big.Int).SetString(res.Estimate.ToAmountMin, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "lifi: invalid toAmountMin")
	}
	spender := common.HexToAddress(res.TransactionRequest.To)
	if common.IsHexAddress(res.Estimate.ApprovalAddress) {
		spender = common.HexToAddress(res.Estimate.ApprovalAddress)
	}

	route := make([]swap.Step, 0, len(res.IncludedSteps))
	for _, s := range res.IncludedSteps {
		route = append(route, swap.Step{Type: s.Type, Tool: s.Tool})
	}
	if len(route) == 0 {
		route = append(route, swap.Step{Type: "cross", Tool: res.Tool})
	}

	return &swap.Quote{
		Kind:             swap.KindBridge,
		Chain:            c.cfg.Chain,
		TokenIn:          req.FromToken,
		TokenOut:         web3.Token{Symbol: req.ToToken, Address: common.HexToAddress(req.ToToken)},
		AmountIn:         new(big.Int).Set(req.Amount),
		AmountOutMinimum: minOut,
		Route:            route,
		Expiry:           c.now().Add(c.cfg.QuoteTTL),
		Spender:          spender,
		Tx: &web3.TxRequest{
			To:    common.HexToAddress(res.TransactionRequest.To),
			Value: value,
			Data:  data,
			Gas:   gas,
		},
	}, nil
}

// ApproveAndSend approves the route's spender, waits for the approval to
// confirm and then submits the prepared bridge transaction.
func (c *Client) ApproveAndSend(ctx context.Context, key *ecdsa.PrivateKey, quote *swap.Quote) (string, error) {
	if quote == nil || quote.Kind != swap.KindBridge || quote.Tx == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "not a bridge quote")
	}
	if err := quote.CheckFresh(c.now(), "approve"); err != nil {
		return "", err
	}
	approval, err := c.gateway.Approve(ctx, key, quote.TokenIn, quote.Spender, quote.AmountIn)
	if err != nil {
		return "", err
	}
	c.log.Info("bridge approval confirmed", slog.String("tx", approval.TxHash.Hex()), slog.String("spender", quote.Spender.Hex()))

	if err := quote.CheckFresh(c.now(), "bridge"); err != nil {
		return "", err
	}
	receipt, err := c.gateway.Send(ctx, key, *quote.Tx)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("lifi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-lifi-api-key", c.cfg.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "lifi: request failed")
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "lifi: read response body")
	}
	if res.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		msg := fmt.Sprintf("lifi: status %d", res.StatusCode)
		if apiErr.Message != "" {
			msg += ": " + apiErr.Message
		}
		code := xerrors.CodeUpstreamUnavailable
		if res.StatusCode < http.StatusInternalServerError && res.StatusCode != http.StatusTooManyRequests {
			code = xerrors.CodeInvalidArgument
		}
		c.log.Warn("lifi quote rejected", slog.Int("status", res.StatusCode), slog.String("message", apiErr.Message))
		return xerrors.New(code, msg)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "lifi: decode response")
	}
	return nil
}

var _ swap.Bridger = (*Client)(nil)
