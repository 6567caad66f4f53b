package tools

import (
	"context"
	"crypto/rand"

	"EffiSend-Agent/internal/agent"
	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/settlement/juno"
	"EffiSend-Agent/internal/web3"
)

const sandboxSender = "EffiSend Sandbox"

func (s *toolset) simulateDeposit() agent.Tool {
	return agent.Tool{
		Name: "simulate_spei_deposit",
		Description: "Sandbox only. Simulates an incoming SPEI deposit of pesos to the user's CLABE so that MXNB is " +
			"minted to their wallet. Use it when the user asks for test funds.",
		Schema: agent.Schema{
			Properties: map[string]agent.Property{"amount": stringProp("Decimal peso amount to deposit.")},
			Required:   []string{"amount"},
		},
		SideEffect: true,
		Handler: func(ctx context.Context, inv agent.Invocation) (any, error) {
			user, err := requireUser(inv.Caller)
			if err != nil {
				return nil, err
			}
			var args struct {
				Amount string `json:"amount"`
			}
			if err := inv.Bind(&args); err != nil {
				return nil, err
			}
			amount, err := web3.ParseDecimal(args.Amount)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount")
			}
			acc, err := s.deps.Accounts.Get(ctx, user)
			if err != nil {
				return nil, err
			}
			sender, err := juno.GenerateCLABE(rand.Reader)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "generate sender CLABE")
			}
			receipt, err := s.deps.Depositor.DepositToPlatform(ctx, juno.Deposit{
				Amount:        amount,
				ReceiverCLABE: acc.CLABE,
				ReceiverName:  s.cfg.LegalName,
				SenderName:    sandboxSender,
				SenderCLABE:   sender,
			})
			if err != nil {
				return nil, err
			}
			return response{
				Status:      "success",
				Message:     "Deposit received; MXNB will arrive in your wallet shortly.",
				Transaction: receipt.ID,
			}, nil
		},
	}
}
