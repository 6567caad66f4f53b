// Package llm defines the chat-completion contract the tool-dispatch engine
// depends on: role-tagged messages, tool specifications and the tool calls a
// model selects. Provider adapters live in subpackages.
package llm
