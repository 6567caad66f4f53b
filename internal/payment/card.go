package payment

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"strings"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/swap"
	"EffiSend-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// Leg names of a card funding.
const (
	LegSwap   = "swap"
	LegBridge = "bridge"
)

// LegResult records one completed or failed step of a multi-leg transfer.
type LegResult struct {
	Leg       string `json:"leg"`
	TxHash    string `json:"tx_hash,omitempty"`
	AmountIn  string `json:"amount_in,omitempty"`
	AmountOut string `json:"amount_out_min,omitempty"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// CardFundingResult reports every leg attempted. Completed legs are never
// reversed; FailedStep names the leg that stopped the flow.
type CardFundingResult struct {
	TransferID string      `json:"transfer_id"`
	Legs       []LegResult `json:"legs"`
	FinalTx    string      `json:"final_tx,omitempty"`
	FailedStep string      `json:"failed_step,omitempty"`
	State      State       `json:"state"`
}

// FundCard executes a swap intent. A tokenToToken-swap intent swaps the
// stable token into the card currency in the user's wallet; a swap-and-bridge
// intent also bridges the swap's guaranteed output to Destination on the
// destination chain. A leg whose transaction is still pending stops the flow
// with the transfer left at SUBMITTED.
func (o *Orchestrator) FundCard(ctx context.Context, userID string, intent TransferIntent) (*CardFundingResult, error) {
	cardAddress := strings.TrimSpace(intent.Destination)
	amount := intent.Amount
	t := newTransfer(OpFundCard, userID, cardAddress)
	result := &CardFundingResult{TransferID: t.ID}
	finish := func(err error) (*CardFundingResult, error) {
		if _, ok := web3.PendingHash(err); ok {
			_ = t.pending(err)
		} else if err != nil {
			_ = t.fail(err)
		}
		result.State = t.State()
		return result, err
	}

	bridge := intent.Kind == KindSwapAndBridge
	if !bridge && intent.Kind != KindSwap {
		return finish(xerrors.New(xerrors.CodeInvalidArgument, "card funding requires a swap intent, got "+string(intent.Kind)))
	}
	if o.swapper == nil || (bridge && o.bridger == nil) {
		return finish(xerrors.New(xerrors.CodeInitializationFailure, "card funding is not configured"))
	}
	if bridge && !common.IsHexAddress(cardAddress) {
		return finish(xerrors.New(xerrors.CodeInvalidArgument, "card address is not an address",
			xerrors.WithMetadata("destination", cardAddress)))
	}
	acc, key, err := o.resolve(ctx, t)
	if err != nil {
		result.State = t.State()
		return result, err
	}

	gw, err := o.chains.Gateway(o.cfg.SwapChain)
	if err != nil {
		return finish(err)
	}
	tokenIn, err := gw.Token(o.cfg.SwapTokenIn)
	if err != nil {
		return finish(err)
	}
	tokenOut, err := gw.Token(o.cfg.SwapTokenOut)
	if err != nil {
		return finish(err)
	}
	amountIn, err := web3.ToBaseUnits(amount, tokenIn.Decimals)
	if err != nil || amountIn.Sign() <= 0 {
		return finish(xerrors.New(xerrors.CodeInvalidArgument, "invalid amount", xerrors.WithMetadata("amount", amount)))
	}
	chainID, err := gw.ChainID(ctx)
	if err != nil {
		return finish(err)
	}
	if err := t.advance(StateTxBuilt); err != nil {
		return finish(err)
	}
	if err := t.advance(StateSubmitted); err != nil {
		return finish(err)
	}

	swapLeg, swapQuote, err := o.runLeg(ctx, LegSwap, key,
		func(ctx context.Context) (*swap.Quote, error) {
			return o.swapper.QuoteSwap(ctx, tokenIn, tokenOut, amountIn)
		},
		o.swapper.ApproveAndSwap,
	)
	result.Legs = append(result.Legs, swapLeg)
	if err != nil {
		result.FailedStep = LegSwap
		return finish(err)
	}
	if !bridge {
		result.FinalTx = swapLeg.TxHash
		if err := t.advance(StateConfirmed); err != nil {
			return finish(err)
		}
		return finish(nil)
	}

	req := swap.BridgeRequest{
		FromChainID: chainID.Uint64(),
		ToChainID:   o.cfg.BridgeToChainID,
		FromToken:   tokenOut,
		ToToken:     o.cfg.BridgeToToken,
		Amount:      new(big.Int).Set(swapQuote.AmountOutMinimum),
		FromAddress: common.HexToAddress(acc.Address),
		ToAddress:   common.HexToAddress(cardAddress),
	}
	bridgeLeg, _, err := o.runLeg(ctx, LegBridge, key,
		func(ctx context.Context) (*swap.Quote, error) {
			return o.bridger.QuoteBridge(ctx, req)
		},
		o.bridger.ApproveAndSend,
	)
	result.Legs = append(result.Legs, bridgeLeg)
	if err != nil {
		result.FailedStep = LegBridge
		o.log.Warn("card funding stopped after swap",
			slog.String("transfer_id", t.ID),
			slog.String("swap_tx", swapLeg.TxHash),
			slog.Any("error", err))
		return finish(err)
	}

	result.FinalTx = bridgeLeg.TxHash
	if err := t.advance(StateConfirmed); err != nil {
		return finish(err)
	}
	return finish(nil)
}

// runLeg quotes and executes one leg, fetching a fresh quote whenever the
// previous one expires before execution, up to MaxQuoteAttempts quotes.
func (o *Orchestrator) runLeg(
	ctx context.Context,
	leg string,
	key *ecdsa.PrivateKey,
	quote func(context.Context) (*swap.Quote, error),
	execute func(context.Context, *ecdsa.PrivateKey, *swap.Quote) (string, error),
) (LegResult, *swap.Quote, error) {
	res := LegResult{Leg: leg}
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxQuoteAttempts; attempt++ {
		res.Attempts = attempt
		q, err := quote(ctx)
		if err != nil {
			res.Error = err.Error()
			return res, nil, err
		}
		res.AmountIn = q.TokenIn.Symbol + " " + web3.FormatUnits(q.AmountIn, q.TokenIn.Decimals)
		if q.AmountOutMinimum != nil {
			res.AmountOut = web3.FormatUnits(q.AmountOutMinimum, q.TokenOut.Decimals)
		}
		hash, err := execute(ctx, key, q)
		if err == nil {
			res.TxHash = hash
			res.Error = ""
			return res, q, nil
		}
		lastErr = err
		res.Error = err.Error()
		if pending, ok := web3.PendingHash(err); ok {
			res.TxHash = pending.Hex()
			return res, nil, err
		}
		if !xerrors.HasCode(err, xerrors.CodeQuoteExpired) {
			return res, nil, err
		}
		o.log.Info("quote expired, requoting", slog.String("leg", leg), slog.Int("attempt", attempt))
	}
	return res, nil, lastErr
}
