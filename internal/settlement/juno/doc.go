// Package juno is the signed REST client for the Juno mint platform, the
// provider that bridges MXNB on Arbitrum to Mexican bank accounts over SPEI.
//
// Every request carries an "Authorization: Bitso <key>:<nonce>:<signature>"
// header where the signature is hex(HMAC-SHA256(secret, nonce+method+path+body))
// and the nonce is the current Unix time in milliseconds. Failures are always
// returned as UPSTREAM_UNAVAILABLE errors; the client never hands back an
// empty result in place of an error.
package juno
