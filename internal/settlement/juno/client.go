package juno

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/pkg/logger"

	"github.com/shopspring/decimal"
)

const (
	pathClabes      = "/mint_platform/v1/clabes"
	pathBlockchain  = "/mint_platform/v1/accounts/blockchain"
	pathBanks       = "/mint_platform/v1/accounts/banks"
	pathRedemptions = "/mint_platform/v1/redemptions"
	pathDeposits    = "/spei/test/deposits"

	// OwnershipThirdParty marks a bank account owned by the end user rather
	// than the platform.
	OwnershipThirdParty = "THIRD_PARTY"
)

// Config describes how to reach the provider.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides the nonce source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is a signed REST client for the mint platform.
type Client struct {
	baseURL string
	key     string
	secret  []byte
	http    *http.Client
	now     func() time.Time
	log     *slog.Logger
}

// New validates cfg and constructs a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("juno: base url must not be empty")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("juno: api key and secret are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := &Client{
		baseURL: base,
		key:     cfg.APIKey,
		secret:  []byte(cfg.APISecret),
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
		log:     logger.Named("juno"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// BlockchainLink binds a wallet address to a provider tag.
type BlockchainLink struct {
	Tag     string `json:"tag"`
	Network string `json:"network"`
	Address string `json:"address"`
}

// BankAccount registers a withdrawal destination.
type BankAccount struct {
	Tag       string `json:"tag"`
	LegalName string `json:"recipient_legal_name"`
	CLABE     string `json:"clabe"`
	Ownership string `json:"ownership"`
}

// RoutingAccount is a registered bank account as listed by the provider.
type RoutingAccount struct {
	ID    string `json:"id"`
	CLABE string `json:"clabe"`
	Tag   string `json:"tag"`
}

// Redemption converts on-chain MXNB to fiat sent to a registered account.
type Redemption struct {
	Amount        decimal.Decimal
	DestinationID string
	Asset         string
}

// Deposit is a sandbox-only simulated SPEI deposit into the platform.
type Deposit struct {
	Amount        decimal.Decimal
	ReceiverCLABE string
	ReceiverName  string
	SenderName    string
	SenderCLABE   string
}

// Receipt is the provider payload of a money-moving call.
type Receipt struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"-"`
}

type envelope struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
	Error   *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// CreateRoutingAccount asks the provider for a new auto-payment CLABE.
func (c *Client) CreateRoutingAccount(ctx context.Context) (string, error) {
	var payload struct {
		CLABE string `json:"clabe"`
	}
	if err := c.do(ctx, http.MethodPost, pathClabes, nil, &payload); err != nil {
		return "", err
	}
	if payload.CLABE == "" {
		return "", xerrors.New(xerrors.CodeUpstreamUnavailable, "juno: createClabe returned no clabe")
	}
	return payload.CLABE, nil
}

// RegisterBlockchainLink associates a wallet address with a tag.
func (c *Client) RegisterBlockchainLink(ctx context.Context, link BlockchainLink) error {
	return c.do(ctx, http.MethodPost, pathBlockchain, link, nil)
}

// RegisterBankAccount registers a CLABE as a withdrawal destination.
func (c *Client) RegisterBankAccount(ctx context.Context, account BankAccount) error {
	if account.Ownership == "" {
		account.Ownership = OwnershipThirdParty
	}
	return c.do(ctx, http.MethodPost, pathBanks, account, nil)
}

// ListRoutingAccounts returns every registered bank account.
func (c *Client) ListRoutingAccounts(ctx context.Context) ([]RoutingAccount, error) {
	var accounts []RoutingAccount
	if err := c.do(ctx, http.MethodGet, pathBanks, nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// RedeemToBank redeems amount to the registered account destinationID.
func (c *Client) RedeemToBank(ctx context.Context, r Redemption) (*Receipt, error) {
	if !r.Amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redemption amount must be positive")
	}
	if r.DestinationID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "destination bank account id is required")
	}
	if r.Asset == "" {
		r.Asset = "mxn"
	}
	body := map[string]any{
		"amount":                      json.Number(r.Amount.String()),
		"destination_bank_account_id": r.DestinationID,
		"asset":                       r.Asset,
	}
	return c.receipt(ctx, pathRedemptions, body)
}

// DepositToPlatform simulates an inbound SPEI transfer. Only the staging
// environment accepts it.
func (c *Client) DepositToPlatform(ctx context.Context, d Deposit) (*Receipt, error) {
	if !d.Amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "deposit amount must be positive")
	}
	body := map[string]any{
		"amount":         json.Number(d.Amount.String()),
		"receiver_clabe": d.ReceiverCLABE,
		"receiver_name":  d.ReceiverName,
		"sender_name":    d.SenderName,
		"sender_clabe":   d.SenderCLABE,
	}
	return c.receipt(ctx, pathDeposits, body)
}

func (c *Client) receipt(ctx context.Context, path string, body any) (*Receipt, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, path, body, &raw); err != nil {
		return nil, err
	}
	receipt := &Receipt{Payload: raw}
	if len(raw) > 0 && raw[0] == '{' {
		_ = json.Unmarshal(raw, receipt)
	}
	return receipt, nil
}

// Sign returns the Authorization header value for one request.
func (c *Client) Sign(nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(nonce))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return fmt.Sprintf("Bitso %s:%s:%s", c.key, nonce, hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("juno: marshal %s: %w", path, err)
		}
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("juno: create request: %w", err)
	}
	nonce := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.Sign(nonce, method, path, body))

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return c.fail(method, path, err, "request failed")
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return c.fail(method, path, err, "read response body")
	}
	c.log.Debug("juno call", "method", method, "path", path, "status", res.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if res.StatusCode >= http.StatusBadRequest || decodeErr != nil || !env.Success {
		msg := fmt.Sprintf("status %d", res.StatusCode)
		if env.Error != nil && env.Error.Message != "" {
			msg = fmt.Sprintf("%s: %s (%s)", msg, env.Error.Message, env.Error.Code)
		} else if decodeErr != nil {
			msg = fmt.Sprintf("%s: undecodable body", msg)
		}
		return c.fail(method, path, errors.New(msg), "provider rejected request")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return c.fail(method, path, err, "decode payload")
	}
	return nil
}

func (c *Client) fail(method, path string, cause error, msg string) error {
	c.log.Warn("juno call failed", "method", method, "path", path, "error", cause)
	return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, cause, "juno: "+method+" "+path+": "+msg,
		xerrors.WithMetadata("path", path))
}
