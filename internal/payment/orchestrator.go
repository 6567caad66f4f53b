// Package payment sequences account, chain, settlement and swap/bridge calls
// into the user-facing payment operations. Every step waits for its
// predecessor's result; only batch redemptions run elements concurrently.
package payment

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"strings"
	"time"

	"EffiSend-Agent/internal/account"
	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/observability/alerting"
	"EffiSend-Agent/internal/settlement/juno"
	"EffiSend-Agent/internal/swap"
	"EffiSend-Agent/internal/web3"
	"EffiSend-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Accounts resolves users to their custodial wallets.
type Accounts interface {
	Get(ctx context.Context, userID string) (*account.Account, error)
	SigningKey(ctx context.Context, userID string) (*ecdsa.PrivateKey, error)
}

// Chains hands out a gateway per configured chain name.
type Chains interface {
	Gateway(name string) (web3.Gateway, error)
}

// Settlement is the subset of the banking provider used for redemptions.
type Settlement interface {
	ListRoutingAccounts(ctx context.Context) ([]juno.RoutingAccount, error)
	RedeemToBank(ctx context.Context, r juno.Redemption) (*juno.Receipt, error)
}

// Config carries the chain, token and policy settings of the orchestrator.
type Config struct {
	TransferChain   string
	TokenSymbol     string
	NativeSymbol    string
	TreasuryAddress common.Address
	Asset           string
	BatchWorkers    int

	SwapChain        string
	SwapTokenIn      string
	SwapTokenOut     string
	BridgeToChainID  uint64
	BridgeToToken    string
	MaxQuoteAttempts int
}

// Dependencies are the collaborators of an Orchestrator. Swapper and Bridger
// may be nil when card funding is disabled.
type Dependencies struct {
	Accounts   Accounts
	Chains     Chains
	Settlement Settlement
	Swapper    swap.Swapper
	Bridger    swap.Bridger
	Alerts     alerting.Dispatcher
}

// Orchestrator implements the payment operations.
type Orchestrator struct {
	cfg        Config
	accounts   Accounts
	chains     Chains
	settlement Settlement
	swapper    swap.Swapper
	bridger    swap.Bridger
	alerts     alerting.Dispatcher
	log        *slog.Logger
}

// New validates cfg and deps.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Accounts == nil || deps.Chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "payment orchestrator requires accounts and chains")
	}
	if cfg.TransferChain == "" {
		cfg.TransferChain = "arbitrum-sepolia"
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "MXNB"
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	if cfg.Asset == "" {
		cfg.Asset = "mxn"
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 4
	}
	if cfg.MaxQuoteAttempts <= 0 {
		cfg.MaxQuoteAttempts = 2
	}
	return &Orchestrator{
		cfg:        cfg,
		accounts:   deps.Accounts,
		chains:     deps.Chains,
		settlement: deps.Settlement,
		swapper:    deps.Swapper,
		bridger:    deps.Bridger,
		alerts:     deps.Alerts,
		log:        logger.Named("payment"),
	}, nil
}

// Kind enumerates the transfer intents the orchestrator accepts. Native and
// token intents go to DirectTransfer, swap intents to FundCard and fiat
// redemptions to RedeemToSPEI.
type Kind string

const (
	KindNative         Kind = "native"
	KindToken          Kind = "token"
	KindSwap           Kind = "tokenToToken-swap"
	KindSwapAndBridge  Kind = "swap-and-bridge"
	KindFiatRedemption Kind = "fiat-redemption"
)

// TransferIntent is the ephemeral request built from tool arguments.
// Destination is an address, or a CLABE for fiat redemptions.
type TransferIntent struct {
	Kind        Kind
	Amount      string
	Token       string
	Destination string
}

// TransferResult is the outcome of a direct transfer.
type TransferResult struct {
	TransferID string `json:"transfer_id"`
	Chain      string `json:"chain"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	To         string `json:"to"`
	TxHash     string `json:"tx_hash"`
	State      State  `json:"state"`
}

// resolve loads the caller's account and signing key.
func (o *Orchestrator) resolve(ctx context.Context, t *Transfer) (*account.Account, *ecdsa.PrivateKey, error) {
	acc, err := o.accounts.Get(ctx, t.UserID)
	if err != nil {
		return nil, nil, t.fail(err)
	}
	key, err := o.accounts.SigningKey(ctx, t.UserID)
	if err != nil {
		return nil, nil, t.fail(err)
	}
	if err := t.advance(StateUserResolved); err != nil {
		return nil, nil, t.fail(err)
	}
	return acc, key, nil
}

// DirectTransfer sends native value or the configured token to an address on
// the transfer chain.
func (o *Orchestrator) DirectTransfer(ctx context.Context, userID string, intent TransferIntent) (*TransferResult, error) {
	t := newTransfer(OpDirectTransfer, userID, intent.Destination)
	if _, err := web3.ParseDecimal(intent.Amount); err != nil {
		return nil, t.fail(xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount"))
	}
	if !common.IsHexAddress(strings.TrimSpace(intent.Destination)) {
		return nil, t.fail(xerrors.New(xerrors.CodeInvalidArgument, "destination is not an address",
			xerrors.WithMetadata("destination", intent.Destination)))
	}
	symbol := intent.Token
	switch intent.Kind {
	case KindNative:
		symbol = o.cfg.NativeSymbol
	case KindToken:
		if symbol == "" {
			symbol = o.cfg.TokenSymbol
		}
	default:
		return nil, t.fail(xerrors.New(xerrors.CodeInvalidArgument, "direct transfer supports native and token intents, got "+string(intent.Kind)))
	}

	_, key, err := o.resolve(ctx, t)
	if err != nil {
		return nil, err
	}
	gw, err := o.chains.Gateway(o.cfg.TransferChain)
	if err != nil {
		return nil, t.fail(err)
	}
	token, err := gw.Token(symbol)
	if err != nil {
		return nil, t.fail(err)
	}
	if err := t.advance(StateTxBuilt); err != nil {
		return nil, t.fail(err)
	}
	if err := t.advance(StateSubmitted); err != nil {
		return nil, t.fail(err)
	}
	to := common.HexToAddress(intent.Destination)
	receipt, err := gw.Transfer(ctx, key, to, token, intent.Amount)
	result := func(hash common.Hash) *TransferResult {
		return &TransferResult{
			TransferID: t.ID,
			Chain:      gw.Name(),
			Token:      token.Symbol,
			Amount:     intent.Amount,
			To:         to.Hex(),
			TxHash:     hash.Hex(),
			State:      t.State(),
		}
	}
	if hash, ok := web3.PendingHash(err); ok {
		return result(hash), t.pending(err)
	}
	if err != nil {
		return nil, t.fail(err)
	}
	if err := t.advance(StateConfirmed); err != nil {
		return nil, t.fail(err)
	}
	return result(receipt.TxHash), nil
}

func (o *Orchestrator) alert(ctx context.Context, event alerting.Event) {
	if o.alerts == nil {
		return
	}
	if event.Severity == "" {
		event.Severity = xerrors.AttributesOf(event.Code).Severity
	}
	event.OccurredAt = time.Now().UTC()
	if err := o.alerts.Notify(ctx, event); err != nil {
		o.log.Error("alert dispatch failed", slog.Any("error", err), slog.String("code", string(event.Code)))
	}
}
