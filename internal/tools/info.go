package tools

import (
	"context"
	"strings"

	"EffiSend-Agent/internal/agent"
)

func (s *toolset) listOfTools(reg *agent.Registry) agent.Tool {
	return agent.Tool{
		Name:        "list_of_tools",
		Description: "Lists what the assistant can do. Use it when the user asks about available tools or commands.",
		Handler: func(context.Context, agent.Invocation) (any, error) {
			names := make([]string, 0)
			for _, tool := range reg.Tools() {
				names = append(names, tool.Name)
			}
			return response{
				Status: "info",
				Message: "DeSmond can search the web, help you fund your MetaMask card, coordinate batch payments " +
					"to your workers, and transfer your MXNB to a CLABE account. Tools: " + strings.Join(names, ", "),
			}, nil
		},
	}
}

func (s *toolset) fallback() agent.Tool {
	return agent.Tool{
		Name:        "fallback",
		Description: "Use only when no other tool applies to the user's message.",
		Handler: func(context.Context, agent.Invocation) (any, error) {
			return response{
				Status:  "info",
				Message: "Say something friendly and invite the user to interact with you.",
			}, nil
		},
	}
}
