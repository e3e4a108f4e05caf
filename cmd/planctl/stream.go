package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/stream"
)

const maxFrameSize = 4 << 20

type sseEvent struct {
	Type string
	Data string
}

func newStreamCmd(c *client) *cobra.Command {
	var (
		raw        bool
		heartbeats bool
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Follow live plan updates",
		Long: `Follow the Server-Sent Events stream of plan updates until interrupted.

Examples:
  # Human-readable updates
  planctl stream

  # Raw frames, including heartbeats
  planctl stream --raw --heartbeats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := c.stream(ctx, func(ev sseEvent) error {
				return printEvent(cmd.OutOrStdout(), ev, raw, heartbeats)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print frames as received")
	cmd.Flags().BoolVar(&heartbeats, "heartbeats", false, "also print heartbeat frames")
	return cmd
}

// stream opens the SSE endpoint and calls fn for each frame until the
// server closes the stream, fn fails, or ctx ends.
func (c *client) stream(ctx context.Context, fn func(sseEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams are long-lived; only ctx bounds them.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open stream at %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return readEvents(resp.Body, fn)
}

// readEvents parses an event stream, dispatching on each blank line.
func readEvents(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Type != "" || ev.Data != "" {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += data
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func printEvent(w io.Writer, ev sseEvent, raw, heartbeats bool) error {
	if ev.Type == stream.FrameHeartbeat && !heartbeats {
		return nil
	}
	if raw {
		_, err := fmt.Fprintf(w, "%s %s\n", ev.Type, ev.Data)
		return err
	}

	switch ev.Type {
	case stream.FrameInitialState:
		var doc plan.Document
		if err := json.Unmarshal([]byte(ev.Data), &doc); err != nil {
			return fmt.Errorf("decoding %s frame: %w", ev.Type, err)
		}
		fmt.Fprintf(w, "%s: %d projects, %d tasks\n", ev.Type, len(doc), doc.TaskCount())
	case stream.FrameTaskUpdate:
		var task plan.Task
		if err := json.Unmarshal([]byte(ev.Data), &task); err != nil {
			return fmt.Errorf("decoding %s frame: %w", ev.Type, err)
		}
		fmt.Fprintf(w, "%s: %s %s (%d%%)\n", ev.Type, task.ID, task.Status, task.Progress)
	case stream.FrameHeartbeat:
		fmt.Fprintln(w, ev.Type)
	case stream.FrameError:
		var e stream.ErrorData
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			return fmt.Errorf("decoding %s frame: %w", ev.Type, err)
		}
		return fmt.Errorf("stream error: %s", e.Message)
	default:
		fmt.Fprintf(w, "%s %s\n", ev.Type, ev.Data)
	}
	return nil
}
