package payment

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"EffiSend-Agent/internal/account"
	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/observability/alerting"
	"EffiSend-Agent/internal/settlement/juno"
	"EffiSend-Agent/internal/swap"
	"EffiSend-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")

type fakeAccounts struct {
	accounts map[string]*account.Account
	key      *ecdsa.PrivateKey
}

func newFakeAccounts(t *testing.T, users ...string) *fakeAccounts {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f := &fakeAccounts{accounts: map[string]*account.Account{}, key: key}
	for _, u := range users {
		f.accounts[u] = &account.Account{UserID: u, Address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
	}
	return f
}

func (f *fakeAccounts) Get(_ context.Context, userID string) (*account.Account, error) {
	acc, ok := f.accounts[userID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeBadUser, "no account")
	}
	return acc, nil
}

func (f *fakeAccounts) SigningKey(ctx context.Context, userID string) (*ecdsa.PrivateKey, error) {
	if _, err := f.Get(ctx, userID); err != nil {
		return nil, err
	}
	return f.key, nil
}

type transferCall struct {
	To     common.Address
	Token  string
	Amount string
}

type fakeGateway struct {
	name    string
	tokens  map[string]web3.Token
	balance *big.Int

	mu          sync.Mutex
	transfers   []transferCall
	transferErr error
	// pending, when set, is reported as broadcast but never confirmed.
	pending *common.Hash
}

func newFakeGateway(name string) *fakeGateway {
	return &fakeGateway{name: name, balance: big.NewInt(1_000_000_000_000), tokens: map[string]web3.Token{
		"ETH":  {Symbol: "ETH", Decimals: 18, Native: true},
		"MXNB": {Symbol: "MXNB", Address: common.HexToAddress("0x01"), Decimals: 6},
		"USDT": {Symbol: "USDT", Address: common.HexToAddress("0x02"), Decimals: 6},
	}}
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) ChainID(context.Context) (*big.Int, error) { return big.NewInt(42161), nil }

func (g *fakeGateway) Token(symbol string) (web3.Token, error) {
	tok, ok := g.tokens[symbol]
	if !ok {
		return web3.Token{}, xerrors.New(xerrors.CodeNotFound, "unknown token "+symbol)
	}
	return tok, nil
}

func (g *fakeGateway) Balance(_ context.Context, _ common.Address, token web3.Token) (web3.Amount, error) {
	return web3.Amount{Raw: new(big.Int).Set(g.balance), Decimals: token.Decimals}, nil
}

// Transfer scales amount the way the chain client does before signing.
func (g *fakeGateway) Transfer(_ context.Context, _ *ecdsa.PrivateKey, to common.Address, token web3.Token, amount string) (*types.Receipt, error) {
	if _, err := web3.ToBaseUnits(amount, token.Decimals); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	if g.pending != nil {
		g.transfers = append(g.transfers, transferCall{To: to, Token: token.Symbol, Amount: amount})
		return nil, &web3.PendingError{Hash: *g.pending, Err: xerrors.New(xerrors.CodeTimeout, "confirmation wait ended")}
	}
	g.transfers = append(g.transfers, transferCall{To: to, Token: token.Symbol, Amount: amount})
	return &types.Receipt{TxHash: common.BigToHash(big.NewInt(int64(len(g.transfers))))}, nil
}

func (g *fakeGateway) Approve(context.Context, *ecdsa.PrivateKey, web3.Token, common.Address, *big.Int) (*types.Receipt, error) {
	return &types.Receipt{}, nil
}

func (g *fakeGateway) Send(context.Context, *ecdsa.PrivateKey, web3.TxRequest) (*types.Receipt, error) {
	return &types.Receipt{}, nil
}

func (g *fakeGateway) Call(context.Context, common.Address, []byte) ([]byte, error) { return nil, nil }

func (g *fakeGateway) Close() {}

type fakeChains map[string]web3.Gateway

func (c fakeChains) Gateway(name string) (web3.Gateway, error) {
	gw, ok := c[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "unknown chain "+name)
	}
	return gw, nil
}

type fakeSettlement struct {
	routes []juno.RoutingAccount
	failOn map[string]bool

	mu      sync.Mutex
	redeems []juno.Redemption
}

func (s *fakeSettlement) ListRoutingAccounts(context.Context) ([]juno.RoutingAccount, error) {
	return s.routes, nil
}

func (s *fakeSettlement) RedeemToBank(_ context.Context, r juno.Redemption) (*juno.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[r.DestinationID] {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "provider rejected redemption")
	}
	s.redeems = append(s.redeems, r)
	return &juno.Receipt{ID: "red-" + r.DestinationID, Status: "pending"}, nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type fakeSwapper struct {
	quotes      int
	expireFirst int
	executed    []*swap.Quote
}

func (s *fakeSwapper) QuoteSwap(_ context.Context, tokenIn, tokenOut web3.Token, amountIn *big.Int) (*swap.Quote, error) {
	s.quotes++
	return &swap.Quote{
		Kind:             swap.KindSwap,
		TokenIn:          tokenIn,
		TokenOut:         tokenOut,
		AmountIn:         amountIn,
		AmountOutMinimum: big.NewInt(5_400_000),
		Expiry:           time.Now().Add(time.Minute),
	}, nil
}

func (s *fakeSwapper) ApproveAndSwap(_ context.Context, _ *ecdsa.PrivateKey, q *swap.Quote) (string, error) {
	if s.expireFirst > 0 {
		s.expireFirst--
		return "", xerrors.New(xerrors.CodeQuoteExpired, "quote expired before swap")
	}
	s.executed = append(s.executed, q)
	return "0xswap", nil
}

type fakeBridger struct {
	requests []swap.BridgeRequest
	err      error
}

func (b *fakeBridger) QuoteBridge(_ context.Context, req swap.BridgeRequest) (*swap.Quote, error) {
	b.requests = append(b.requests, req)
	return &swap.Quote{Kind: swap.KindBridge, TokenIn: req.FromToken, AmountIn: req.Amount, Expiry: time.Now().Add(time.Minute)}, nil
}

func (b *fakeBridger) ApproveAndSend(context.Context, *ecdsa.PrivateKey, *swap.Quote) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return "0xbridge", nil
}

type fixture struct {
	orch       *Orchestrator
	gateway    *fakeGateway
	settlement *fakeSettlement
	alerts     *recordingAlerts
	swapper    *fakeSwapper
	bridger    *fakeBridger
}

func newFixture(t *testing.T, clabes ...string) *fixture {
	t.Helper()
	f := &fixture{
		gateway:    newFakeGateway("arbitrum-sepolia"),
		settlement: &fakeSettlement{failOn: map[string]bool{}},
		alerts:     &recordingAlerts{},
		swapper:    &fakeSwapper{},
		bridger:    &fakeBridger{},
	}
	for i, c := range clabes {
		f.settlement.routes = append(f.settlement.routes, juno.RoutingAccount{ID: string(rune('a' + i)), CLABE: c})
	}
	orch, err := New(Config{
		TransferChain:   "arbitrum-sepolia",
		TreasuryAddress: treasury,
		SwapChain:       "arbitrum-one",
		SwapTokenIn:     "MXNB",
		SwapTokenOut:    "USDT",
		BridgeToChainID: 59144,
		BridgeToToken:   "USDC",
		BatchWorkers:    2,
	}, Dependencies{
		Accounts:   newFakeAccounts(t, "alice"),
		Chains:     fakeChains{"arbitrum-sepolia": f.gateway, "arbitrum-one": f.gateway},
		Settlement: f.settlement,
		Swapper:    f.swapper,
		Bridger:    f.bridger,
		Alerts:     f.alerts,
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func redeem(amount, clabe string) TransferIntent {
	return TransferIntent{Kind: KindFiatRedemption, Amount: amount, Destination: clabe}
}

func cardIntent(amount, card string) TransferIntent {
	return TransferIntent{Kind: KindSwapAndBridge, Amount: amount, Destination: card}
}

func testCLABE(t *testing.T, n uint64) string {
	t.Helper()
	c, err := juno.ComputeCLABE(646, 180, 1000+n)
	require.NoError(t, err)
	return c
}

func TestTransferStateMachine(t *testing.T) {
	tr := newTransfer(OpDirectTransfer, "alice", "")
	require.Equal(t, StateReceived, tr.State())

	err := tr.advance(StateConfirmed)
	require.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	require.NoError(t, tr.advance(StateUserResolved))
	require.NoError(t, tr.advance(StateTxBuilt))
	cause := errors.New("boom")
	require.Equal(t, cause, tr.fail(cause))
	require.Equal(t, StateFailed, tr.State())
	require.Equal(t, cause, tr.Err())

	require.Error(t, tr.advance(StateSubmitted), "FAILED is terminal")
	require.Equal(t, []State{StateReceived, StateUserResolved, StateTxBuilt, StateFailed}, tr.History())
}

func TestDirectTransferToken(t *testing.T) {
	f := newFixture(t)
	to := "0x1111111111111111111111111111111111111111"

	res, err := f.orch.DirectTransfer(context.Background(), "alice", TransferIntent{Kind: KindToken, Amount: "12.5", Destination: to})
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, res.State)
	require.Equal(t, "MXNB", res.Token)
	require.Len(t, f.gateway.transfers, 1)
	require.Equal(t, transferCall{To: common.HexToAddress(to), Token: "MXNB", Amount: "12.5"}, f.gateway.transfers[0])
}

func TestDirectTransferNativeIgnoresTokenField(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.DirectTransfer(context.Background(), "alice", TransferIntent{
		Kind: KindNative, Amount: "0.01", Token: "MXNB", Destination: "0x1111111111111111111111111111111111111111",
	})
	require.NoError(t, err)
	require.Equal(t, "ETH", f.gateway.transfers[0].Token)
}

func TestDirectTransferRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.DirectTransfer(ctx, "bob", TransferIntent{Kind: KindToken, Amount: "1", Destination: "0x1111111111111111111111111111111111111111"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeBadUser))

	_, err = f.orch.DirectTransfer(ctx, "alice", TransferIntent{Kind: KindToken, Amount: "-1", Destination: "0x1111111111111111111111111111111111111111"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = f.orch.DirectTransfer(ctx, "alice", TransferIntent{Kind: KindToken, Amount: "1", Destination: "not-an-address"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	require.Empty(t, f.gateway.transfers)
}

func TestRedeemToSPEI(t *testing.T) {
	clabe := testCLABE(t, 1)
	f := newFixture(t, clabe)

	res, err := f.orch.RedeemToSPEI(context.Background(), "alice", redeem("250", clabe))
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, res.State)
	require.Equal(t, "red-a", res.RedemptionID)
	require.Len(t, f.settlement.redeems, 1)
	require.Equal(t, "mxn", f.settlement.redeems[0].Asset)
	require.Equal(t, []transferCall{{To: treasury, Token: "MXNB", Amount: "250"}}, f.gateway.transfers)
}

func TestRedeemToSPEIUnregisteredDestination(t *testing.T) {
	f := newFixture(t, testCLABE(t, 1))

	_, err := f.orch.RedeemToSPEI(context.Background(), "alice", redeem("250", testCLABE(t, 2)))
	require.True(t, xerrors.HasCode(err, xerrors.CodeBadDestination))

	_, err = f.orch.RedeemToSPEI(context.Background(), "alice", redeem("250", "123"))
	require.True(t, xerrors.HasCode(err, xerrors.CodeBadDestination))

	require.Empty(t, f.settlement.redeems)
	require.Empty(t, f.gateway.transfers)
}

func TestRedeemToSPEITreasuryFailureAlerts(t *testing.T) {
	clabe := testCLABE(t, 1)
	f := newFixture(t, clabe)
	f.gateway.transferErr = xerrors.New(xerrors.CodeUpstreamUnavailable, "rpc down")

	_, err := f.orch.RedeemToSPEI(context.Background(), "alice", redeem("10", clabe))
	require.True(t, xerrors.HasCode(err, xerrors.CodeUpstreamUnavailable))
	require.Len(t, f.settlement.redeems, 1)
	require.Len(t, f.alerts.events, 1)
	require.Equal(t, xerrors.SeverityCritical, f.alerts.events[0].Severity)
	require.Equal(t, "red-a", f.alerts.events[0].Metadata["redemption_id"])
}

func TestBatchRedeemPartialFailure(t *testing.T) {
	clabes := []string{testCLABE(t, 1), testCLABE(t, 2), testCLABE(t, 3)}
	f := newFixture(t, clabes...)
	f.settlement.failOn["b"] = true

	res, err := f.orch.BatchRedeem(context.Background(), "alice", "100", clabes)
	require.True(t, xerrors.HasCode(err, xerrors.CodePartialBatchFailure))
	require.NotNil(t, res)
	require.Equal(t, StatusError, res.Status)
	require.Len(t, res.Items, 3)
	for i, item := range res.Items {
		require.Equal(t, clabes[i], item.Destination)
	}
	require.Equal(t, StatusOK, res.Items[0].Status)
	require.Equal(t, StatusFailed, res.Items[1].Status)
	require.NotEmpty(t, res.Items[1].Detail)
	require.Equal(t, StatusOK, res.Items[2].Status)
	require.Len(t, f.gateway.transfers, 2)

	require.Len(t, f.alerts.events, 1)
	require.Equal(t, xerrors.CodePartialBatchFailure, f.alerts.events[0].Code)
	require.Equal(t, clabes[1], f.alerts.events[0].Metadata["failed"])
}

func TestBatchRedeemAllSucceed(t *testing.T) {
	clabes := []string{testCLABE(t, 1), testCLABE(t, 2)}
	f := newFixture(t, clabes...)

	res, err := f.orch.BatchRedeem(context.Background(), "alice", "5", clabes)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Empty(t, f.alerts.events)
}

func TestFundCardRequotesExpiredSwap(t *testing.T) {
	f := newFixture(t)
	f.swapper.expireFirst = 1
	card := "0x2222222222222222222222222222222222222222"

	res, err := f.orch.FundCard(context.Background(), "alice", cardIntent("100", card))
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, res.State)
	require.Equal(t, "0xbridge", res.FinalTx)
	require.Len(t, res.Legs, 2)
	require.Equal(t, 2, res.Legs[0].Attempts)
	require.Equal(t, 2, f.swapper.quotes)

	require.Len(t, f.bridger.requests, 1)
	req := f.bridger.requests[0]
	require.Equal(t, big.NewInt(5_400_000), req.Amount)
	require.Equal(t, uint64(42161), req.FromChainID)
	require.Equal(t, uint64(59144), req.ToChainID)
	require.Equal(t, common.HexToAddress(card), req.ToAddress)
}

func TestFundCardGivesUpAfterQuoteAttempts(t *testing.T) {
	f := newFixture(t)
	f.swapper.expireFirst = 5

	res, err := f.orch.FundCard(context.Background(), "alice", cardIntent("100", "0x2222222222222222222222222222222222222222"))
	require.True(t, xerrors.HasCode(err, xerrors.CodeQuoteExpired))
	require.Equal(t, LegSwap, res.FailedStep)
	require.Equal(t, 2, f.swapper.quotes)
	require.Empty(t, f.bridger.requests)
}

func TestFundCardBridgeFailureKeepsSwapLeg(t *testing.T) {
	f := newFixture(t)
	f.bridger.err = xerrors.New(xerrors.CodeUpstreamUnavailable, "bridge down")

	res, err := f.orch.FundCard(context.Background(), "alice", cardIntent("100", "0x2222222222222222222222222222222222222222"))
	require.Error(t, err)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, LegBridge, res.FailedStep)
	require.Len(t, res.Legs, 2)
	require.Equal(t, "0xswap", res.Legs[0].TxHash)
	require.Empty(t, res.FinalTx)
}

func TestRedeemRejectsAmountBeyondTokenPrecision(t *testing.T) {
	clabe := testCLABE(t, 1)
	f := newFixture(t, clabe)

	res, err := f.orch.RedeemToSPEI(context.Background(), "alice", redeem("1.1234567", clabe))
	require.Nil(t, res)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	require.Empty(t, f.settlement.redeems, "no fiat may leave before the amount is representable on chain")
	require.Empty(t, f.gateway.transfers)
	require.Empty(t, f.alerts.events)
}

func TestBatchRedeemRejectsInvalidAmountsBeforeRedeeming(t *testing.T) {
	clabes := []string{testCLABE(t, 1), testCLABE(t, 2)}
	for _, amount := range []string{"0", "-5", "2.0000001", "abc"} {
		f := newFixture(t, clabes...)
		res, err := f.orch.BatchRedeem(context.Background(), "alice", amount, clabes)
		require.Nil(t, res, amount)
		require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err), amount)
		require.Empty(t, f.settlement.redeems, amount)
		require.Empty(t, f.alerts.events, amount)
	}
}

func TestRedeemChecksBalanceBeforeRedeeming(t *testing.T) {
	clabes := []string{testCLABE(t, 1), testCLABE(t, 2)}
	f := newFixture(t, clabes...)
	f.gateway.balance = big.NewInt(15_000_000)

	_, err := f.orch.RedeemToSPEI(context.Background(), "alice", redeem("20", clabes[0]))
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	require.Contains(t, err.Error(), "insufficient MXNB balance")

	// Each element fits the balance but the batch as a whole does not.
	_, err = f.orch.BatchRedeem(context.Background(), "alice", "10", clabes)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	require.Empty(t, f.settlement.redeems)
}

func TestDirectTransferPendingKeepsSubmitted(t *testing.T) {
	f := newFixture(t)
	hash := common.HexToHash("0xfeed")
	f.gateway.pending = &hash

	res, err := f.orch.DirectTransfer(context.Background(), "alice", TransferIntent{
		Kind: KindToken, Amount: "3", Destination: "0x1111111111111111111111111111111111111111",
	})
	require.Error(t, err)
	got, ok := web3.PendingHash(err)
	require.True(t, ok)
	require.Equal(t, hash, got)
	require.NotNil(t, res)
	require.Equal(t, StateSubmitted, res.State)
	require.Equal(t, hash.Hex(), res.TxHash)
}

func TestRedeemPendingTreasuryTransferIsNotReconciled(t *testing.T) {
	clabe := testCLABE(t, 1)
	f := newFixture(t, clabe)
	hash := common.HexToHash("0xbeef")
	f.gateway.pending = &hash

	res, err := f.orch.RedeemToSPEI(context.Background(), "alice", redeem("10", clabe))
	require.Error(t, err)
	require.Equal(t, StateSubmitted, res.State)
	require.Equal(t, hash.Hex(), res.TxHash)
	require.Equal(t, "red-a", res.RedemptionID)
	require.Empty(t, f.alerts.events, "a pending transfer is not a failed one")
}

func TestFundCardSwapOnlyIntent(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.FundCard(context.Background(), "alice", TransferIntent{Kind: KindSwap, Amount: "100"})
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, res.State)
	require.Equal(t, "0xswap", res.FinalTx)
	require.Len(t, res.Legs, 1)
	require.Empty(t, f.bridger.requests)
}

func TestIntentKindsAreRouted(t *testing.T) {
	clabe := testCLABE(t, 1)
	f := newFixture(t, clabe)
	ctx := context.Background()

	_, err := f.orch.DirectTransfer(ctx, "alice", redeem("1", clabe))
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = f.orch.RedeemToSPEI(ctx, "alice", TransferIntent{Kind: KindToken, Amount: "1", Destination: clabe})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = f.orch.FundCard(ctx, "alice", TransferIntent{Kind: KindNative, Amount: "1"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	require.Empty(t, f.settlement.redeems)
	require.Empty(t, f.gateway.transfers)
}
