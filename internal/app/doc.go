// Package app wires configuration into the EffiSend agent: chain gateways,
// the settlement client, account storage, the rewards pipeline, payment
// orchestration, the tool registry, the LLM engine and the HTTP surface.
package app
