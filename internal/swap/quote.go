// Package swap defines the quote model shared by the DEX and bridge
// connectors. A Quote is a time-bounded commitment: it is consumed before its
// expiry or discarded and fetched again.
package swap

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// ErrQuoteExpired is returned when a quote is presented after its expiry.
var ErrQuoteExpired = xerrors.New(xerrors.CodeQuoteExpired, "quote expired")

// Kind distinguishes swap quotes from bridge quotes.
type Kind string

const (
	KindSwap   Kind = "swap"
	KindBridge Kind = "bridge"
)

// Step is one hop of a route, on-chain or off-chain.
type Step struct {
	Type     string `json:"type"`
	Tool     string `json:"tool"`
	FromHint string `json:"from,omitempty"`
	ToHint   string `json:"to,omitempty"`
}

// Quote is the priced route returned by QuoteSwap or QuoteBridge.
type Quote struct {
	Kind             Kind
	Chain            string
	TokenIn          web3.Token
	TokenOut         web3.Token
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	Fee              uint32
	Route            []Step
	Expiry           time.Time
	// Spender is approved for AmountIn of TokenIn before execution.
	Spender common.Address
	// Tx is the prepared transaction for bridge quotes.
	Tx *web3.TxRequest
}

// Expired reports whether the quote can no longer be submitted at now.
func (q *Quote) Expired(now time.Time) bool {
	return q == nil || !now.Before(q.Expiry)
}

// CheckFresh returns ErrQuoteExpired with context when the quote is stale.
func (q *Quote) CheckFresh(now time.Time, stage string) error {
	if !q.Expired(now) {
		return nil
	}
	expiry := ""
	if q != nil {
		expiry = q.Expiry.UTC().Format(time.RFC3339)
	}
	return xerrors.New(xerrors.CodeQuoteExpired, "quote expired before "+stage,
		xerrors.WithMetadata("expiry", expiry),
		xerrors.WithMetadata("stage", stage),
	)
}

// BridgeRequest describes a cross-chain transfer to price.
type BridgeRequest struct {
	FromChainID uint64
	ToChainID   uint64
	FromToken   web3.Token
	ToToken     string
	Amount      *big.Int
	FromAddress common.Address
	ToAddress   common.Address
}

// Swapper prices and executes single-pool DEX swaps.
type Swapper interface {
	QuoteSwap(ctx context.Context, tokenIn, tokenOut web3.Token, amountIn *big.Int) (*Quote, error)
	ApproveAndSwap(ctx context.Context, key *ecdsa.PrivateKey, quote *Quote) (string, error)
}

// Bridger prices and executes cross-chain transfers.
type Bridger interface {
	QuoteBridge(ctx context.Context, req BridgeRequest) (*Quote, error)
	ApproveAndSend(ctx context.Context, key *ecdsa.PrivateKey, quote *Quote) (string, error)
}
