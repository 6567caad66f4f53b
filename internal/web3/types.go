package web3

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrTransactionReverted is returned when a mined transaction has status 0.
var ErrTransactionReverted = errors.New("transaction reverted")

// PendingError reports a transaction that was broadcast but whose receipt was
// not observed before the wait ended. The transaction may still be mined.
type PendingError struct {
	Hash common.Hash
	Err  error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transaction %s pending: %v", e.Hash.Hex(), e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

// PendingHash returns the hash carried by a PendingError anywhere in err's chain.
func PendingHash(err error) (common.Hash, bool) {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending.Hash, true
	}
	return common.Hash{}, false
}

// Token describes a native coin or ERC20 token on a specific chain.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
	Native   bool
}

// Amount is a base-unit value paired with the token precision it was read at.
type Amount struct {
	Raw      *big.Int
	Decimals uint8
}

// String renders the amount with exactly Decimals fractional digits.
func (a Amount) String() string {
	return FormatUnits(a.Raw, a.Decimals)
}

// TxRequest is an unsigned call or transfer submitted through Gateway.Send.
// Gas is estimated when zero.
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	Gas   uint64
}

// Gateway is resilient read/write access to one chain. Every write waits for
// one confirmation before returning.
type Gateway interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	Token(symbol string) (Token, error)
	Balance(ctx context.Context, owner common.Address, token Token) (Amount, error)
	Transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, token Token, amount string) (*types.Receipt, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, token Token, spender common.Address, amount *big.Int) (*types.Receipt, error)
	Send(ctx context.Context, key *ecdsa.PrivateKey, req TxRequest) (*types.Receipt, error)
	Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
	Close()
}
