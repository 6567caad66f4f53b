package tools

import (
	"context"
	"strings"

	"EffiSend-Agent/internal/account"
	"EffiSend-Agent/internal/agent"
	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/payment"
	"EffiSend-Agent/internal/settlement/juno"
	"EffiSend-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// Payments is the orchestrator surface the money-moving tools call.
type Payments interface {
	DirectTransfer(ctx context.Context, userID string, intent payment.TransferIntent) (*payment.TransferResult, error)
	FundCard(ctx context.Context, userID string, intent payment.TransferIntent) (*payment.CardFundingResult, error)
	RedeemToSPEI(ctx context.Context, userID string, intent payment.TransferIntent) (*payment.RedemptionResult, error)
	BatchRedeem(ctx context.Context, userID, amount string, clabes []string) (*payment.BatchResult, error)
}

// Accounts looks up a caller's wallet.
type Accounts interface {
	Get(ctx context.Context, userID string) (*account.Account, error)
}

// Chains resolves a gateway by chain name.
type Chains interface {
	Gateway(name string) (web3.Gateway, error)
}

// Depositor simulates inbound SPEI deposits on the provider's staging API.
type Depositor interface {
	DepositToPlatform(ctx context.Context, d juno.Deposit) (*juno.Receipt, error)
}

// Config selects the chain and token the tools operate on.
type Config struct {
	TransferChain     string
	TokenSymbol       string
	NativeSymbol      string
	BatchDestinations []string
	// Sandbox enables simulate_spei_deposit.
	Sandbox   bool
	LegalName string
}

// Deps are the collaborators of the tool set. Depositor and Searcher are
// optional; the tools that need them are omitted when nil.
type Deps struct {
	Payments  Payments
	Accounts  Accounts
	Chains    Chains
	Depositor Depositor
	Searcher  Searcher
}

// Register adds every available tool to reg.
func Register(reg *agent.Registry, cfg Config, deps Deps) error {
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "MXNB"
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	set := &toolset{cfg: cfg, deps: deps}

	list := []agent.Tool{set.fallback(), set.listOfTools(reg)}
	if deps.Accounts != nil && deps.Chains != nil {
		list = append(list, set.getBalance(), set.getBalanceMXNB())
	}
	if deps.Payments != nil {
		list = append(list,
			set.transferNative(),
			set.transferMXNB(),
			set.transferToSPEI(),
			set.transferToMultipleSPEI(),
			set.fundMetamaskCard(),
		)
	}
	if deps.Searcher != nil {
		list = append(list, set.webSearch())
	}
	if cfg.Sandbox && deps.Depositor != nil && deps.Accounts != nil {
		list = append(list, set.simulateDeposit())
	}
	for _, tool := range list {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

type toolset struct {
	cfg  Config
	deps Deps
}

// requireUser returns the caller's user id or BAD_USER.
func requireUser(caller agent.Caller) (string, error) {
	user := strings.TrimSpace(caller.UserID)
	if user == "" {
		return "", xerrors.New(xerrors.CodeBadUser, "this action needs a registered user")
	}
	return user, nil
}

// callerAddress prefers the address bound by the engine and falls back to
// the caller's account.
func (s *toolset) callerAddress(ctx context.Context, caller agent.Caller) (common.Address, error) {
	if common.IsHexAddress(caller.Address) {
		return common.HexToAddress(caller.Address), nil
	}
	user, err := requireUser(caller)
	if err != nil {
		return common.Address{}, err
	}
	acc, err := s.deps.Accounts.Get(ctx, user)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(acc.Address), nil
}

// response is the envelope every tool returns to the model.
type response struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Balance     string `json:"balance,omitempty"`
	Detail      any    `json:"detail,omitempty"`
}

func stringProp(desc string) agent.Property {
	return agent.Property{Type: agent.TypeString, Description: desc}
}
