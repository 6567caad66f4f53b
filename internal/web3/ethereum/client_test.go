package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

// fixedBalanceBin deploys a contract whose runtime returns 1500000 as a
// uint256 for any call, which is enough to stand in for balanceOf and for a
// transfer that always succeeds.
const fixedBalanceBin = "0x600d80600b6000396000f3630016e36060005260206000f3"

type simulatedChain struct {
	backend *simulated.Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newSimulatedChain(t *testing.T) *simulatedChain {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{from: {Balance: balance}})

	chain := &simulatedChain{backend: backend, key: key, from: from, stop: make(chan struct{})}
	chain.wg.Add(1)
	go func() {
		defer chain.wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-chain.stop:
				return
			case <-ticker.C:
				backend.Commit()
			}
		}
	}()
	t.Cleanup(func() {
		close(chain.stop)
		chain.wg.Wait()
		_ = backend.Close()
	})
	return chain
}

func (s *simulatedChain) gateway(extra ...*Endpoint) *Client {
	endpoints := append([]*Endpoint{}, extra...)
	endpoints = append(endpoints, &Endpoint{URL: "simulated", Backend: s.backend.Client()})
	return NewWithEndpoints(Config{
		Name:         "simulated",
		Definition:   web3.ChainDefinition{ChainID: 1337, RPCURLs: []string{"simulated"}},
		Timeout:      2 * time.Second,
		MaxAttempts:  1,
		PollInterval: 10 * time.Millisecond,
	}, endpoints, WithRetryBackoff(time.Millisecond))
}

func (s *simulatedChain) deploy(t *testing.T, ctx context.Context, bin string) common.Address {
	t.Helper()
	client := s.backend.Client()
	nonce, err := client.PendingNonceAt(ctx, s.from)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("latest header: %v", err)
	}
	tip := big.NewInt(1_000_000_000)
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2))),
		Gas:       200_000,
		Data:      common.FromHex(bin),
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(big.NewInt(1337)), s.key)
	if err != nil {
		t.Fatalf("sign deploy: %v", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send deploy: %v", err)
	}
	for {
		receipt, err := client.TransactionReceipt(ctx, signed.Hash())
		if err == nil {
			return receipt.ContractAddress
		}
		if !errors.Is(err, gethcore.NotFound) {
			t.Fatalf("deploy receipt: %v", err)
		}
		select {
		case <-ctx.Done():
			t.Fatalf("deploy not mined: %v", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNativeTransferWaitsForConfirmation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chain := newSimulatedChain(t)
	gw := chain.gateway()

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	native, err := gw.Token("eth")
	if err != nil {
		t.Fatalf("native token: %v", err)
	}
	receipt, err := gw.Transfer(ctx, chain.key, recipient, native, "0.25")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful || receipt.BlockNumber == nil {
		t.Fatalf("expected confirmed receipt, got %+v", receipt)
	}

	balance, err := gw.Balance(ctx, recipient, native)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got := balance.String(); got != "0.250000000000000000" {
		t.Fatalf("unexpected balance %s", got)
	}
}

func TestSendReportsPendingWhenWaitEnds(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	// Nothing commits blocks, so the transaction stays in the pool.
	backend := simulated.NewBackend(coretypes.GenesisAlloc{from: {Balance: balance}})
	t.Cleanup(func() { _ = backend.Close() })

	gw := NewWithEndpoints(Config{
		Name:         "stalled",
		Definition:   web3.ChainDefinition{ChainID: 1337, RPCURLs: []string{"simulated"}},
		Timeout:      2 * time.Second,
		MaxAttempts:  1,
		PollInterval: 10 * time.Millisecond,
	}, []*Endpoint{{URL: "simulated", Backend: backend.Client()}})
	native, err := gw.Token("eth")
	if err != nil {
		t.Fatalf("native token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = gw.Transfer(ctx, key, common.HexToAddress("0x00000000000000000000000000000000000000b1"), native, "0.1")
	hash, ok := web3.PendingHash(err)
	if !ok {
		t.Fatalf("expected a pending error, got %v", err)
	}
	if _, isPending, err := backend.Client().TransactionByHash(context.Background(), hash); err != nil || !isPending {
		t.Fatalf("transaction %s should still be pending, pending=%v err=%v", hash.Hex(), isPending, err)
	}
}

func TestSequentialSendsUseIncreasingNonces(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chain := newSimulatedChain(t)
	gw := chain.gateway()
	native, _ := gw.Token("ETH")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Transfer(ctx, chain.key, recipient, native, "0.01")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent transfer: %v", err)
		}
	}
	balance, err := gw.Balance(ctx, recipient, native)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.String() != "0.030000000000000000" {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestTokenBalanceAndTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chain := newSimulatedChain(t)
	contract := chain.deploy(t, ctx, fixedBalanceBin)
	gw := chain.gateway()
	token := web3.Token{Symbol: "MXNB", Address: contract, Decimals: 6}

	balance, err := gw.Balance(ctx, chain.from, token)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.String() != "1.500000" {
		t.Fatalf("unexpected token balance %s", balance)
	}

	receipt, err := gw.Transfer(ctx, chain.key, common.HexToAddress("0x00000000000000000000000000000000000000b2"), token, "1.5")
	if err != nil {
		t.Fatalf("token transfer: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("token transfer reverted")
	}
}

func TestFailoverSkipsBrokenEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chain := newSimulatedChain(t)
	var skipped []string
	gw := NewWithEndpoints(Config{
		Name:         "simulated",
		Definition:   web3.ChainDefinition{ChainID: 1337, RPCURLs: []string{"x"}},
		Timeout:      time.Second,
		MaxAttempts:  1,
		PollInterval: 10 * time.Millisecond,
	}, []*Endpoint{
		{URL: "broken", Backend: &brokenBackend{err: errors.New("dial tcp: connection refused")}},
		{URL: "simulated", Backend: chain.backend.Client()},
	}, WithFailoverObserver(func(_, endpoint string) { skipped = append(skipped, endpoint) }))

	native, _ := gw.Token("ETH")
	if _, err := gw.Balance(ctx, chain.from, native); err != nil {
		t.Fatalf("balance through failover: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "broken" {
		t.Fatalf("expected broken endpoint to be skipped once, got %v", skipped)
	}

	// The broken endpoint is now ranked last and is not retried first.
	if _, err := gw.Balance(ctx, chain.from, native); err != nil {
		t.Fatalf("second balance: %v", err)
	}
	if len(skipped) != 1 {
		t.Fatalf("expected healthy endpoint to be preferred, skipped=%v", skipped)
	}
}

func TestFailoverExhaustionIsUpstreamUnavailable(t *testing.T) {
	calls := 0
	broken := &brokenBackend{err: errors.New("i/o timeout"), calls: &calls}
	gw := NewWithEndpoints(Config{
		Name:        "dead",
		Definition:  web3.ChainDefinition{ChainID: 1, RPCURLs: []string{"a", "b"}},
		Timeout:     50 * time.Millisecond,
		MaxAttempts: 3,
	}, []*Endpoint{{URL: "a", Backend: broken}, {URL: "b", Backend: broken}}, WithRetryBackoff(time.Millisecond))

	_, err := gw.Balance(context.Background(), common.Address{}, web3.Token{Symbol: "ETH", Native: true, Decimals: 18})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if calls != 6 {
		t.Fatalf("expected 3 rounds over 2 endpoints, got %d calls", calls)
	}
}

func TestNodeErrorsAreNotRetried(t *testing.T) {
	calls := 0
	gw := NewWithEndpoints(Config{
		Name:        "reverting",
		Definition:  web3.ChainDefinition{ChainID: 1, RPCURLs: []string{"a", "b"}},
		MaxAttempts: 2,
	}, []*Endpoint{
		{URL: "a", Backend: &brokenBackend{err: nodeError{code: 3, msg: "execution reverted"}, calls: &calls}},
		{URL: "b", Backend: &brokenBackend{err: nodeError{code: 3, msg: "execution reverted"}, calls: &calls}},
	})
	_, err := gw.Call(context.Background(), common.Address{}, nil)
	if err == nil || calls != 1 {
		t.Fatalf("expected a single attempt, got calls=%d err=%v", calls, err)
	}
	if xerrors.CodeOf(err) == xerrors.CodeUpstreamUnavailable {
		t.Fatalf("node errors must not be reported as upstream unavailable")
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	gw := NewWithEndpoints(Config{Name: "x", Definition: web3.DefaultChains().Chains["arbitrum-sepolia"]}, nil)
	if _, err := gw.Token("DOGE"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	mxnb, err := gw.Token("mxnb")
	if err != nil || mxnb.Decimals != 6 {
		t.Fatalf("expected MXNB with 6 decimals, got %+v err=%v", mxnb, err)
	}
}

type nodeError struct {
	code int
	msg  string
}

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return e.code }

type brokenBackend struct {
	err   error
	calls *int
}

func (b *brokenBackend) fail() error {
	if b.calls != nil {
		*b.calls++
	}
	return b.err
}

func (b *brokenBackend) ChainID(context.Context) (*big.Int, error) { return nil, b.fail() }
func (b *brokenBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return nil, b.fail()
}
func (b *brokenBackend) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return nil, b.fail()
}
func (b *brokenBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, b.fail()
}
func (b *brokenBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return nil, b.fail() }
func (b *brokenBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return nil, b.fail()
}
func (b *brokenBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 0, b.fail()
}
func (b *brokenBackend) SendTransaction(context.Context, *coretypes.Transaction) error {
	return b.fail()
}
func (b *brokenBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, b.fail()
}
