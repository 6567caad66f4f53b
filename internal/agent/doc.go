// Package agent runs the tool-dispatch loop: the model node proposes tool
// calls, the tool node validates and executes them against a fixed registry
// with the caller identity injected by the engine, and the loop ends when the
// model answers without tools or the iteration budget is spent.
package agent
