package task

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"strings"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

const rewardsABIJSON = `[
 {"type":"function","name":"allocateReward","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"}],"outputs":[]}
]`

// RewardsABI 是奖励合约中登记新地址所需的接口子集。
var RewardsABI = web3.MustParseABI(rewardsABIJSON)

// RewardExecutor 使用运营方密钥调用奖励合约的 allocateReward。
type RewardExecutor struct {
	gateway  web3.Gateway
	operator *ecdsa.PrivateKey
	contract common.Address
}

// NewRewardExecutor 构造链上登记执行器。
func NewRewardExecutor(gateway web3.Gateway, operator *ecdsa.PrivateKey, contract common.Address) (*RewardExecutor, error) {
	if gateway == nil || operator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "奖励执行器缺少链网关或运营密钥")
	}
	if contract == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "奖励合约地址不能为空")
	}
	return &RewardExecutor{gateway: gateway, operator: operator, contract: contract}, nil
}

// Register 发送 allocateReward(address) 并等待一次确认。
func (e *RewardExecutor) Register(ctx context.Context, address string) (string, error) {
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "无效的钱包地址", xerrors.WithMetadata("address", address))
	}
	data, err := RewardsABI.Pack("allocateReward", common.HexToAddress(address))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 allocateReward 失败")
	}
	receipt, err := e.gateway.Send(ctx, e.operator, web3.TxRequest{To: e.contract, Data: data})
	if err != nil {
		if stdErrors.Is(err, web3.ErrTransactionReverted) {
			return "", xerrors.Wrap(CodeJobProcessing, err, "奖励合约调用被回滚", xerrors.WithRetryable(false))
		}
		if _, ok := xerrors.From(err); ok {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "发送 allocateReward 交易失败")
	}
	return receipt.TxHash.Hex(), nil
}
