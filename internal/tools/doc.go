// Package tools binds the payment, balance and informational capabilities to
// named, schema-described agent tools. Handlers read the acting identity from
// the engine-injected caller only; no schema exposes a user field.
package tools
