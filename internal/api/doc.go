// Package api exposes the chat, account and metrics endpoints over HTTP and
// adapts the same handler to API Gateway events for Lambda deployments.
package api
