// Package main implements planctl, the operator CLI for a planhubd server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// client talks to one planhubd server.
type client struct {
	serverURL string
	token     string
	http      *http.Client
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:   "planctl",
		Short: "CLI for planhubd plan operations",
		Long: `planctl reads and updates the shared plan document served by planhubd,
and follows its live update stream.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&c.serverURL, "server", envOr("PLANHUB_SERVER", "http://localhost:8080"), "planhubd server URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("PLANHUB_TOKEN"), "bearer token for write commands")

	root.AddCommand(
		newStateCmd(c),
		newUpdateCmd(c),
		newResetCmd(c),
		newStreamCmd(c),
		newHealthCmd(c),
	)
	return root
}

func newStateCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the full plan document as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var doc plan.Document
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/state", nil, &doc); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	}
}

func newUpdateCmd(c *client) *cobra.Command {
	var (
		progress int
		status   string
	)
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a task's progress and/or status",
		Long: `Update a task's progress and/or status.

Examples:
  # Mark a task complete
  planctl update T1_1_L1_EDGAR --progress 100

  # Block a task
  planctl update T1_1_L1_EDGAR --status BLOCKED`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.UpdateTaskRequest{TaskID: args[0]}
			if cmd.Flags().Changed("progress") {
				req.Progress = &progress
			}
			if cmd.Flags().Changed("status") {
				s := strings.ToUpper(status)
				if _, err := plan.ParseStatus(s); err != nil {
					return err
				}
				req.Status = &s
			}
			if req.Progress == nil && req.Status == nil {
				return fmt.Errorf("at least one of --progress or --status is required")
			}

			var resp server.MessageResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/update-task", req, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.Message)
			if resp.Data != nil {
				fmt.Fprintf(out, "%s: %s (%d%%)\n", resp.Data.ID, resp.Data.Status, resp.Data.Progress)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0-100")
	cmd.Flags().StringVar(&status, "status", "", "status: PENDING, IN_PROGRESS, COMPLETED, BLOCKED")
	return cmd
}

func newResetCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore the plan document to the default template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp server.MessageResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/reset", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func newHealthCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check planhubd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health server.HealthResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/health", nil, &health); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", health.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Service: %s\n", health.Service)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", c.serverURL)
			return nil
		},
	}
}

// do sends a JSON request and decodes a JSON response into out.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	url := strings.TrimRight(c.serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// checkStatus turns a non-2xx response into an error carrying the
// server's message.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, err)
	}
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg.Message)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
