package tools

import (
	"context"

	"EffiSend-Agent/internal/agent"
)

func (s *toolset) balanceHandler(symbol string) agent.Handler {
	return func(ctx context.Context, inv agent.Invocation) (any, error) {
		owner, err := s.callerAddress(ctx, inv.Caller)
		if err != nil {
			return nil, err
		}
		gw, err := s.deps.Chains.Gateway(s.cfg.TransferChain)
		if err != nil {
			return nil, err
		}
		token, err := gw.Token(symbol)
		if err != nil {
			return nil, err
		}
		amount, err := gw.Balance(ctx, owner, token)
		if err != nil {
			return nil, err
		}
		return response{Status: "success", Balance: amount.String() + " " + token.Symbol}, nil
	}
}

func (s *toolset) getBalance() agent.Tool {
	return agent.Tool{
		Name: "get_balance",
		Description: "Returns the user's native ETH balance on " + s.cfg.TransferChain + ". Use it when the user asks for " +
			"their ETH, native token or general wallet balance.",
		Handler: s.balanceHandler(s.cfg.NativeSymbol),
	}
}

func (s *toolset) getBalanceMXNB() agent.Tool {
	return agent.Tool{
		Name: "get_balance_mxnb",
		Description: "Returns the user's " + s.cfg.TokenSymbol + " token balance on " + s.cfg.TransferChain + ". Use it when " +
			"the user asks for their MXNB balance.",
		Handler: s.balanceHandler(s.cfg.TokenSymbol),
	}
}
