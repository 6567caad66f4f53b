package tools

import (
	"context"

	"EffiSend-Agent/internal/agent"
	"EffiSend-Agent/internal/payment"
)

type transferArgs struct {
	Amount string `json:"amount"`
	To     string `json:"to"`
}

var transferSchema = agent.Schema{
	Properties: map[string]agent.Property{
		"amount": stringProp("Decimal amount to send, e.g. \"1.5\"."),
		"to":     stringProp("Destination 0x address."),
	},
	Required: []string{"amount", "to"},
}

func (s *toolset) direct(kind payment.Kind, token, chainLabel string) agent.Handler {
	return func(ctx context.Context, inv agent.Invocation) (any, error) {
		user, err := requireUser(inv.Caller)
		if err != nil {
			return nil, err
		}
		var args transferArgs
		if err := inv.Bind(&args); err != nil {
			return nil, err
		}
		res, err := s.deps.Payments.DirectTransfer(ctx, user, payment.TransferIntent{
			Kind:        kind,
			Amount:      args.Amount,
			Token:       token,
			Destination: args.To,
		})
		if err != nil {
			if res != nil && res.TxHash != "" {
				return pendingResponse(res.TxHash, res), err
			}
			return nil, err
		}
		return response{
			Status:      "success",
			Message:     "Transaction confirmed on " + chainLabel + ".",
			Transaction: res.TxHash,
		}, nil
	}
}

func (s *toolset) transferNative() agent.Tool {
	return agent.Tool{
		Name: "transfer_native",
		Description: "Sends native ETH on " + s.cfg.TransferChain + " from the user's wallet. Use it when the user explicitly " +
			"asks to send or transfer ETH to an address.",
		Schema:     transferSchema,
		SideEffect: true,
		Handler:    s.direct(payment.KindNative, s.cfg.NativeSymbol, s.cfg.TransferChain),
	}
}

func (s *toolset) transferMXNB() agent.Tool {
	return agent.Tool{
		Name: "transfer_mxnb",
		Description: "Sends " + s.cfg.TokenSymbol + " tokens on " + s.cfg.TransferChain + " from the user's wallet to an 0x address. " +
			"Use it when the user asks to send or transfer MXNB to a wallet.",
		Schema:     transferSchema,
		SideEffect: true,
		Handler:    s.direct(payment.KindToken, s.cfg.TokenSymbol, s.cfg.TransferChain),
	}
}

func (s *toolset) transferToSPEI() agent.Tool {
	return agent.Tool{
		Name: "transfer_to_spei",
		Description: "Redeems MXNB to pesos paid by SPEI to a registered 18-digit CLABE. Use it when the user asks to send " +
			"MXNB to a CLABE or bank account.",
		Schema: agent.Schema{
			Properties: map[string]agent.Property{
				"amount": stringProp("Decimal MXNB amount."),
				"clabe":  stringProp("18-digit destination CLABE."),
			},
			Required: []string{"amount", "clabe"},
		},
		SideEffect: true,
		Handler: func(ctx context.Context, inv agent.Invocation) (any, error) {
			user, err := requireUser(inv.Caller)
			if err != nil {
				return nil, err
			}
			var args struct {
				Amount string `json:"amount"`
				CLABE  string `json:"clabe"`
			}
			if err := inv.Bind(&args); err != nil {
				return nil, err
			}
			res, err := s.deps.Payments.RedeemToSPEI(ctx, user, payment.TransferIntent{
				Kind:        payment.KindFiatRedemption,
				Amount:      args.Amount,
				Token:       s.cfg.TokenSymbol,
				Destination: args.CLABE,
			})
			if err != nil {
				if res != nil && res.TxHash != "" {
					return pendingResponse(res.TxHash, res), err
				}
				return nil, err
			}
			return response{
				Status:      "success",
				Message:     "Your balance is now available on your CLABE.",
				Transaction: res.TxHash,
				Detail:      res,
			}, nil
		},
	}
}

func (s *toolset) transferToMultipleSPEI() agent.Tool {
	return agent.Tool{
		Name: "transfer_to_multiple_spei",
		Description: "Pays the same MXNB amount to several SPEI CLABE accounts in one batch, e.g. payroll for the " +
			"client's employees. Without clabes the configured payroll list is used.",
		Schema: agent.Schema{
			Properties: map[string]agent.Property{
				"amount": stringProp("Decimal MXNB amount paid to each CLABE."),
				"clabes": {
					Type:        agent.TypeArray,
					Description: "Optional list of destination CLABEs.",
					Items:       &agent.Property{Type: agent.TypeString},
				},
			},
			Required: []string{"amount"},
		},
		SideEffect: true,
		Handler: func(ctx context.Context, inv agent.Invocation) (any, error) {
			user, err := requireUser(inv.Caller)
			if err != nil {
				return nil, err
			}
			var args struct {
				Amount string   `json:"amount"`
				CLABEs []string `json:"clabes"`
			}
			if err := inv.Bind(&args); err != nil {
				return nil, err
			}
			clabes := args.CLABEs
			if len(clabes) == 0 {
				clabes = s.cfg.BatchDestinations
			}
			res, err := s.deps.Payments.BatchRedeem(ctx, user, args.Amount, clabes)
			if res == nil {
				return nil, err
			}
			out := response{Status: "success", Message: "All the CLABEs received the payment.", Detail: res}
			if err != nil {
				out.Status = "error"
				out.Message = "Some payments failed; see detail for each CLABE."
				return out, err
			}
			return out, nil
		},
	}
}

func (s *toolset) fundMetamaskCard() agent.Tool {
	return agent.Tool{
		Name: "fund_metamask_card",
		Description: "Funds a MetaMask Card: swaps MXNB to USDT on Arbitrum and bridges it to USDC on Linea at the card " +
			"address. Use it when the user asks to top up or fund their MetaMask Card.",
		Schema:     transferSchema,
		SideEffect: true,
		Handler: func(ctx context.Context, inv agent.Invocation) (any, error) {
			user, err := requireUser(inv.Caller)
			if err != nil {
				return nil, err
			}
			var args transferArgs
			if err := inv.Bind(&args); err != nil {
				return nil, err
			}
			res, err := s.deps.Payments.FundCard(ctx, user, payment.TransferIntent{
				Kind:        payment.KindSwapAndBridge,
				Amount:      args.Amount,
				Token:       s.cfg.TokenSymbol,
				Destination: args.To,
			})
			if err != nil {
				if res != nil && res.State == payment.StateSubmitted && len(res.Legs) > 0 {
					last := res.Legs[len(res.Legs)-1]
					return pendingResponse(last.TxHash, res), err
				}
				if res != nil && len(res.Legs) > 0 {
					return response{Status: "error", Message: "Card funding stopped at " + res.FailedStep + ".", Detail: res}, err
				}
				return nil, err
			}
			return response{
				Status:      "success",
				Message:     "Your balance is now available on your MetaMask Card.",
				Transaction: res.FinalTx,
				Detail:      res,
			}, nil
		},
	}
}

// pendingResponse reports a broadcast transaction whose confirmation was not
// observed in time. The hash lets the user follow it on an explorer.
func pendingResponse(txHash string, detail any) response {
	return response{
		Status:      "pending",
		Message:     "Transaction " + txHash + " was submitted but is not confirmed yet.",
		Transaction: txHash,
		Detail:      detail,
	}
}
