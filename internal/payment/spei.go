package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/observability/alerting"
	"EffiSend-Agent/internal/settlement/juno"
	"EffiSend-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// RedemptionResult is the outcome of a single SPEI redemption.
type RedemptionResult struct {
	TransferID   string `json:"transfer_id"`
	Destination  string `json:"destination"`
	Amount       string `json:"amount"`
	RedemptionID string `json:"redemption_id"`
	TxHash       string `json:"tx_hash"`
	State        State  `json:"state"`
}

// Batch statuses. Elements are StatusOK or StatusFailed; the batch as a
// whole is StatusOK or StatusError.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
	StatusError  = "error"
)

// BatchItem is the per-destination outcome of a batch redemption.
type BatchItem struct {
	Destination string `json:"destination"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
}

// BatchResult keeps one item per requested destination, in request order.
type BatchResult struct {
	Status string      `json:"status"`
	Items  []BatchItem `json:"items"`
}

// redemption is an amount already validated against the token precision.
type redemption struct {
	value decimal.Decimal
	raw   *big.Int
	gw    web3.Gateway
	token web3.Token
}

// RedeemToSPEI redeems a fiat-redemption intent: the amount of the stable
// token is paid to the registered bank account in Destination and the
// on-chain tokens move to the treasury. A non-nil result accompanies a
// pending treasury transfer.
func (o *Orchestrator) RedeemToSPEI(ctx context.Context, userID string, intent TransferIntent) (*RedemptionResult, error) {
	if intent.Kind != KindFiatRedemption {
		t := newTransfer(OpRedeemSPEI, userID, intent.Destination)
		return nil, t.fail(xerrors.New(xerrors.CodeInvalidArgument, "redemption requires a fiat-redemption intent, got "+string(intent.Kind)))
	}
	r, err := o.checkRedemption(intent.Amount)
	if err != nil {
		t := newTransfer(OpRedeemSPEI, userID, intent.Destination)
		return nil, t.fail(err)
	}
	routes, err := o.listRoutes(ctx)
	if err != nil {
		t := newTransfer(OpRedeemSPEI, userID, intent.Destination)
		return nil, t.fail(err)
	}
	return o.redeemOne(ctx, OpRedeemSPEI, userID, r, intent.Destination, routes)
}

// BatchRedeem redeems the same amount to every destination. Elements run
// concurrently up to BatchWorkers; one element failing never cancels another.
// A PARTIAL_BATCH_FAILURE error accompanies a result whose status is error.
func (o *Orchestrator) BatchRedeem(ctx context.Context, userID, amount string, clabes []string) (*BatchResult, error) {
	if len(clabes) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one destination is required")
	}
	r, err := o.checkRedemption(amount)
	if err != nil {
		return nil, err
	}
	acc, err := o.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Mul(r.raw, big.NewInt(int64(len(clabes))))
	if err := o.ensureFunds(ctx, r, common.HexToAddress(acc.Address), total); err != nil {
		return nil, err
	}
	routes, err := o.listRoutes(ctx)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Status: StatusOK, Items: make([]BatchItem, len(clabes))}
	var g errgroup.Group
	g.SetLimit(o.cfg.BatchWorkers)
	for i, clabe := range clabes {
		g.Go(func() error {
			item := BatchItem{Destination: clabe, Status: StatusOK}
			res, err := o.redeemOne(ctx, OpBatchRedeem, userID, r, clabe, routes)
			if res != nil {
				item.TxHash = res.TxHash
			}
			if err != nil {
				item.Status = StatusFailed
				item.Detail = err.Error()
			} else {
				item.Detail = res.RedemptionID
			}
			result.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, item := range result.Items {
		if item.Status != StatusOK {
			failed = append(failed, item.Destination)
		}
	}
	if len(failed) == 0 {
		return result, nil
	}
	result.Status = StatusError
	err = xerrors.New(xerrors.CodePartialBatchFailure,
		fmt.Sprintf("%d of %d redemptions failed", len(failed), len(clabes)),
		xerrors.WithMetadata("user", userID),
		xerrors.WithMetadata("failed", strings.Join(failed, ",")),
	)
	o.alert(ctx, alerting.Event{
		Code:     xerrors.CodePartialBatchFailure,
		Severity: xerrors.SeverityCritical,
		Subject:  userID,
		Message:  err.Error(),
		Metadata: map[string]string{"failed": strings.Join(failed, ","), "amount": r.value.String()},
	})
	return result, err
}

// checkRedemption rejects amounts the token cannot represent before any fiat
// leaves the provider.
func (o *Orchestrator) checkRedemption(amount string) (*redemption, error) {
	if o.settlement == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "settlement provider is not configured")
	}
	value, err := web3.ParseDecimal(amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount")
	}
	gw, err := o.chains.Gateway(o.cfg.TransferChain)
	if err != nil {
		return nil, err
	}
	token, err := gw.Token(o.cfg.TokenSymbol)
	if err != nil {
		return nil, err
	}
	raw, err := web3.ToBaseUnits(value.String(), token.Decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount", xerrors.WithMetadata("amount", amount))
	}
	return &redemption{value: value, raw: raw, gw: gw, token: token}, nil
}

// ensureFunds fails unless owner holds at least need base units of the token.
func (o *Orchestrator) ensureFunds(ctx context.Context, r *redemption, owner common.Address, need *big.Int) error {
	balance, err := r.gw.Balance(ctx, owner, r.token)
	if err != nil {
		return err
	}
	if balance.Raw == nil || balance.Raw.Cmp(need) < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("insufficient %s balance: have %s, need %s", r.token.Symbol,
				web3.FormatUnits(balance.Raw, r.token.Decimals), web3.FormatUnits(need, r.token.Decimals)),
			xerrors.WithMetadata("address", owner.Hex()))
	}
	return nil
}

func (o *Orchestrator) listRoutes(ctx context.Context) (map[string]juno.RoutingAccount, error) {
	list, err := o.settlement.ListRoutingAccounts(ctx)
	if err != nil {
		return nil, err
	}
	routes := make(map[string]juno.RoutingAccount, len(list))
	for _, r := range list {
		routes[r.CLABE] = r
	}
	return routes, nil
}

func (o *Orchestrator) redeemOne(ctx context.Context, op Operation, userID string, r *redemption, clabe string, routes map[string]juno.RoutingAccount) (*RedemptionResult, error) {
	clabe = strings.TrimSpace(clabe)
	t := newTransfer(op, userID, clabe)
	if !juno.ValidCLABE(clabe) {
		return nil, t.fail(xerrors.New(xerrors.CodeBadDestination, "invalid CLABE "+clabe,
			xerrors.WithMetadata("destination", clabe)))
	}
	route, ok := routes[clabe]
	if !ok {
		return nil, t.fail(xerrors.New(xerrors.CodeBadDestination, "CLABE "+clabe+" is not a registered bank account",
			xerrors.WithMetadata("destination", clabe)))
	}

	acc, key, err := o.resolve(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := o.ensureFunds(ctx, r, common.HexToAddress(acc.Address), r.raw); err != nil {
		return nil, t.fail(err)
	}
	if err := t.advance(StateTxBuilt); err != nil {
		return nil, t.fail(err)
	}

	receipt, err := o.settlement.RedeemToBank(ctx, juno.Redemption{
		Amount:        r.value,
		DestinationID: route.ID,
		Asset:         o.cfg.Asset,
	})
	if err != nil {
		return nil, t.fail(err)
	}
	if err := t.advance(StateSubmitted); err != nil {
		return nil, t.fail(err)
	}

	result := func(hash common.Hash) *RedemptionResult {
		return &RedemptionResult{
			TransferID:   t.ID,
			Destination:  clabe,
			Amount:       r.value.String(),
			RedemptionID: receipt.ID,
			TxHash:       hash.Hex(),
			State:        t.State(),
		}
	}
	tx, err := r.gw.Transfer(ctx, key, o.cfg.TreasuryAddress, r.token, r.value.String())
	if hash, ok := web3.PendingHash(err); ok {
		o.log.Warn("treasury transfer pending after redemption",
			slog.String("transfer_id", t.ID),
			slog.String("redemption_id", receipt.ID),
			slog.String("tx", hash.Hex()))
		return result(hash), t.pending(err)
	}
	if err != nil {
		// The fiat side already moved; an operator has to reconcile.
		o.alert(ctx, alerting.Event{
			Code:     xerrors.CodeExecutorFailure,
			Severity: xerrors.SeverityCritical,
			Subject:  t.ID,
			Message:  "redemption " + receipt.ID + " succeeded but treasury transfer failed: " + err.Error(),
			Metadata: map[string]string{
				"user":          userID,
				"destination":   clabe,
				"redemption_id": receipt.ID,
				"amount":        r.value.String(),
			},
		})
		o.log.Error("treasury transfer failed after redemption",
			slog.String("transfer_id", t.ID),
			slog.String("redemption_id", receipt.ID),
			slog.Any("error", err))
		return nil, t.fail(err)
	}
	if err := t.advance(StateConfirmed); err != nil {
		return nil, t.fail(err)
	}
	return result(tx.TxHash), nil
}
