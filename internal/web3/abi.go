package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// ERC20 is the parsed subset of the ERC20 interface used by the gateway.
var ERC20 = MustParseABI(erc20ABIJSON)

// MustParseABI parses a JSON ABI and panics on malformed input. It is meant
// for package-level constants.
func MustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// Caller is the read side of a Gateway.
type Caller interface {
	Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
}

// CallMethod packs method(args...), performs an eth_call and unpacks the
// outputs.
func CallMethod(ctx context.Context, c Caller, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.Call(ctx, contract, data)
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// BigOutput extracts the first output of a call as *big.Int.
func BigOutput(values []any) (*big.Int, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("call returned no values")
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", values[0])
	}
	return v, nil
}
