package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// SyncOptions defines the flags for the sync command.
type SyncOptions struct {
	Kind        string
	PrincipalID string
	RequestedBy string
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// SyncSummary is the JSON response for sync.
type SyncSummary struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`
}

// ParseSyncArgs reads `sync` flags.
func ParseSyncArgs(args []string, stderr io.Writer) (SyncOptions, error) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := SyncOptions{Stderr: stderr}
	fs.StringVar(&opts.Kind, "type", "incremental", "full, incremental or principal")
	fs.StringVar(&opts.PrincipalID, "principal", "", "principal id for --type=principal")
	fs.StringVar(&opts.RequestedBy, "by", os.Getenv("USER"), "operator recorded on the task")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return SyncOptions{}, err
	}
	return opts, nil
}

// SyncCommand enqueues a sync run and prints the task id.
func (c *JobsCLI) SyncCommand(ctx context.Context, opts SyncOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	if kind == "principal" && strings.TrimSpace(opts.PrincipalID) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "sync: --principal is required for --type=principal")
		return 1
	}
	info, err := c.Trigger(ctx, kind, opts.PrincipalID, opts.RequestedBy)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "sync: %v\n", err)
		return 1
	}
	summary := SyncSummary{TaskID: info.ID, Type: info.Type, Queue: info.Queue}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "sync: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s as %s on queue %s\n", summary.Type, summary.TaskID, summary.Queue)
	return 0
}

// QueueCommand prints queue depth and the next scheduled tasks.
func (c *JobsCLI) QueueCommand(ctx context.Context, jsonOutput bool, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
		return 1
	}
	if jsonOutput {
		if err := json.NewEncoder(stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(stderr, "queue: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "queue %s: %d pending, %d active, %d scheduled, %d retry\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	scheduled, err := c.ListScheduled(ctx, 5)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "queue: list scheduled: %v\n", err)
		return 1
	}
	for _, task := range scheduled {
		_, _ = fmt.Fprintf(stdout, " - %s %s at %s\n", task.ID, task.Type, task.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return 0
}
