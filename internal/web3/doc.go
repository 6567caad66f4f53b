// Package web3 defines the chain gateway contract used by the payment
// pipeline: token and chain definitions, decimal/base-unit scaling, ABI
// helpers for the contracts the service talks to, and the Gateway interface
// implemented by internal/web3/ethereum.
package web3
