package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/cellsrv/internal/supervisor"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

var (
	workerIDFlag     string
	workerLimitsFlag []string
)

var workersCmd = &cobra.Command{
	Use:     "workers",
	Aliases: []string{"w"},
	Short:   "Manage the worker processes of a running server",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker processes",
	Args:  cobra.NoArgs,
	RunE:  runWorkersList,
}

var workersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker outside the pool",
	Long: `Start a worker process. Limits override the configured ones, e.g.

  cellsrv workers start --id scratch --limit RLIMIT_CPU=5 --limit nofile=64`,
	Args: cobra.NoArgs,
	RunE: runWorkersStart,
}

var workersKillCmd = &cobra.Command{
	Use:   "kill <worker-id>",
	Short: "Kill a worker and its process group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(serverFlag)
		if err := c.do(context.Background(), http.MethodDelete, "/workers/"+url.PathEscape(args[0]), nil, "", nil); err != nil {
			return err
		}
		fmt.Printf("Killed worker %s\n", args[0])
		return nil
	},
}

var workersInterruptCmd = &cobra.Command{
	Use:   "interrupt <worker-id>",
	Short: "Interrupt the computation a worker is running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(serverFlag)
		return c.do(context.Background(), http.MethodPost, "/workers/"+url.PathEscape(args[0])+"/interrupt", nil, "", nil)
	},
}

var workersRestartCmd = &cobra.Command{
	Use:   "restart <worker-id>",
	Short: "Restart a worker on the same endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(serverFlag)
		var resp struct {
			ID       string          `json:"id"`
			Endpoint wire.Connection `json:"endpoint"`
		}
		if err := c.do(context.Background(), http.MethodPost, "/workers/"+url.PathEscape(args[0])+"/restart", nil, "", &resp); err != nil {
			return err
		}
		printEndpoint(resp.ID, resp.Endpoint)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd, workersStartCmd, workersKillCmd, workersInterruptCmd, workersRestartCmd)
	for _, c := range workersCmd.Commands() {
		addServerFlag(c)
	}

	workersStartCmd.Flags().StringVar(&workerIDFlag, "id", "", "Worker id (default: generated)")
	workersStartCmd.Flags().StringArrayVar(&workerLimitsFlag, "limit", nil, "Resource limit as NAME=VALUE (repeatable)")
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	c := newAPIClient(serverFlag)
	var workers []supervisor.Handle
	if err := c.do(context.Background(), http.MethodGet, "/workers", nil, "", &workers); err != nil {
		return err
	}

	if len(workers) == 0 {
		fmt.Println("No workers running.")
		return nil
	}

	fmt.Printf("%-38s %-8s %-8s %-22s %s\n", "ID", "PID", "STATE", "SHELL", "STARTED")
	fmt.Println(strings.Repeat("─", 95))
	for _, w := range workers {
		fmt.Printf("%-38s %-8d %-8s %-22s %s\n",
			w.ID, w.PID, w.State, w.Endpoint.Addr(wire.Shell), timeAgo(w.StartedAt))
	}
	return nil
}

func parseLimitFlags(flags []string) (map[string]uint64, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	limits := make(map[string]uint64, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("limit %q must be NAME=VALUE", f)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("limit %q: %w", f, err)
		}
		limits[strings.TrimSpace(name)] = n
	}
	return limits, nil
}

func runWorkersStart(cmd *cobra.Command, args []string) error {
	limits, err := parseLimitFlags(workerLimitsFlag)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"id": workerIDFlag, "limits": limits})
	if err != nil {
		return err
	}

	c := newAPIClient(serverFlag)
	var resp struct {
		ID       string          `json:"id"`
		Endpoint wire.Connection `json:"endpoint"`
	}
	if err := c.do(context.Background(), http.MethodPost, "/workers", strings.NewReader(string(body)), "application/json", &resp); err != nil {
		return err
	}
	printEndpoint(resp.ID, resp.Endpoint)
	return nil
}

func printEndpoint(id string, conn wire.Connection) {
	fmt.Printf("Worker:    %s\n", id)
	for _, ch := range wire.Channels {
		fmt.Printf("%-10s %s\n", string(ch)+":", conn.Addr(ch))
	}
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
