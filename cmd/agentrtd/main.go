// Package main provides the CLI entry point for agentrtd, the agent
// orchestration runtime described in SPEC_FULL.md: C1-C7 wired together
// behind a single persistent websocket transport.
//
// # Basic Usage
//
// Start the server:
//
//	agentrtd serve --config agentrtd.yaml
//
// List currently-connected clients:
//
//	agentrtd sessions list --config agentrtd.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "agentrtd",
		Short: "Agent orchestration runtime",
		Long:  "agentrtd runs the agent orchestration runtime: tool dispatch, step execution, request gating, and the client websocket transport.",
	}
	root.AddCommand(buildServeCmd(), buildSessionsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
