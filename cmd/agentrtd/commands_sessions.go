package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// buildSessionsCmd creates the "sessions" command group for inspecting a
// running server's live client connections.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect a running agentrtd server's client connections",
	}
	cmd.AddCommand(buildSessionsListCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List currently-connected clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(serverAddr)
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8089", "Base URL of a running agentrtd server")
	return cmd
}

func runSessionsList(serverAddr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(serverAddr, "/") + "/sessions")
	if err != nil {
		return fmt.Errorf("reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var sessions []struct {
		ID          string    `json:"id"`
		ConnectedAt time.Time `json:"connectedAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("no active sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s\tconnected %s ago\n", s.ID, time.Since(s.ConnectedAt).Round(time.Second))
	}
	return nil
}
