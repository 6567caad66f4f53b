package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"EffiSend-Agent/sdk/go/effisend"
)

// Usage: EFFISEND_URL=http://localhost:8080 EFFISEND_API_KEY=... go run ./sdk/go/examples <user> <message...>
func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: examples <user> <message>")
		os.Exit(2)
	}
	baseURL := os.Getenv("EFFISEND_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := effisend.NewClient(baseURL, os.Getenv("EFFISEND_API_KEY"), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	user := os.Args[1]
	acc, err := client.Account(ctx, user)
	if err != nil {
		fmt.Fprintln(os.Stderr, "account:", err)
		os.Exit(1)
	}
	fmt.Printf("wallet %s, CLABE %s\n", acc.Address, acc.CLABE)

	reply, err := client.Chat(ctx, strings.Join(os.Args[2:], " "), effisend.ChatContext{User: user})
	if err != nil {
		fmt.Fprintln(os.Stderr, "chat:", err)
		os.Exit(1)
	}
	if !reply.OK() {
		fmt.Printf("[%s] %s\n", reply.Error, reply.Message)
		os.Exit(1)
	}
	fmt.Println(reply.Message)
	if reply.LastTool != "" {
		fmt.Println("tool:", reply.LastTool)
	}
}
