package task

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type sendingGateway struct {
	web3.Gateway
	requests []web3.TxRequest
	err      error
}

func (g *sendingGateway) Send(_ context.Context, _ *ecdsa.PrivateKey, req web3.TxRequest) (*types.Receipt, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0x01")}, nil
}

func TestRewardExecutorPacksAllocateReward(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	contract := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	gateway := &sendingGateway{}
	executor, err := NewRewardExecutor(gateway, key, contract)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	user := "0x00000000000000000000000000000000000000aa"
	hash, err := executor.Register(context.Background(), user)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if hash != common.HexToHash("0x01").Hex() {
		t.Fatalf("unexpected hash %s", hash)
	}
	if len(gateway.requests) != 1 || gateway.requests[0].To != contract {
		t.Fatalf("unexpected requests %+v", gateway.requests)
	}
	method, err := RewardsABI.MethodById(gateway.requests[0].Data[:4])
	if err != nil || method.Name != "allocateReward" {
		t.Fatalf("unexpected selector: %v", err)
	}
	args, err := method.Inputs.Unpack(gateway.requests[0].Data[4:])
	if err != nil {
		t.Fatalf("unpack args: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(user) {
		t.Fatalf("unexpected argument %v", args[0])
	}
}

func TestRewardExecutorClassifiesFailures(t *testing.T) {
	key, _ := crypto.GenerateKey()
	contract := common.HexToAddress("0x00000000000000000000000000000000000000c0")

	gateway := &sendingGateway{err: errors.Join(web3.ErrTransactionReverted)}
	executor, _ := NewRewardExecutor(gateway, key, contract)
	_, err := executor.Register(context.Background(), "0x00000000000000000000000000000000000000aa")
	if xerrors.RetryableError(err) {
		t.Fatalf("reverted registration must not be retried: %v", err)
	}

	gateway.err = xerrors.New(xerrors.CodeUpstreamUnavailable, "all endpoints down")
	_, err = executor.Register(context.Background(), "0x00000000000000000000000000000000000000aa")
	if !xerrors.RetryableError(err) {
		t.Fatalf("upstream failure should be retryable: %v", err)
	}

	if _, err := executor.Register(context.Background(), "not-an-address"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}
