// Package main is the entrypoint for the chat gateway service.
// The gateway supervises the RAG chat worker and proxies POST /chat to it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aelexs/rag-gateway/internal/config"
	"github.com/aelexs/rag-gateway/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "gateway",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Port },
		Setup:          setup,
	}, nil)
}
