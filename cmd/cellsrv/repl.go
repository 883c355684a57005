package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive cells against a cellsrv server",
	Long: `Start an interactive prompt. Every entry runs as its own cell; end a
line with "\" to continue it on the next one.

Ctrl+C while a cell is running interrupts it. Ctrl+C at the prompt exits.`,
	RunE: runREPL,
}

func init() {
	addServerFlag(replCmd)
	replCmd.Flags().DurationVar(&timeoutFlag, "timeout", 60*time.Second, "How long to wait for each cell")
	rootCmd.AddCommand(replCmd)
}

func runREPL(cmd *cobra.Command, args []string) error {
	c := newAPIClient(serverFlag)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mcell>\033[0m ",
		HistoryFile:     "/tmp/cellsrv_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("cellsrv - %s\n", c.base)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	// Ctrl+C during a cell interrupts it on the server.
	var (
		mu      sync.Mutex
		running string
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			session := running
			mu.Unlock()
			if session != "" {
				if err := c.interrupt(context.Background(), session); err != nil {
					fmt.Fprintf(os.Stderr, "\ninterrupt: %v\n", err)
				}
			}
		}
	}()

	var pending []string
	for {
		if len(pending) > 0 {
			rl.SetPrompt("\033[36m ...>\033[0m ")
		} else {
			rl.SetPrompt("\033[36mcell>\033[0m ")
		}
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if len(pending) == 0 && strings.HasPrefix(strings.TrimSpace(line), "/") {
			if handleCommand(strings.TrimSpace(line)) {
				return nil
			}
			continue
		}
		if strings.HasSuffix(line, "\\") {
			pending = append(pending, strings.TrimSuffix(line, "\\"))
			continue
		}
		code := strings.Join(append(pending, line), "\n")
		pending = nil
		if strings.TrimSpace(code) == "" {
			continue
		}

		sub, err := c.eval(context.Background(), "", code)
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		mu.Lock()
		running = sub.Session
		mu.Unlock()

		_, err = c.follow(context.Background(), sub.Session, os.Stdout, os.Stderr, timeoutFlag)

		mu.Lock()
		running = ""
		mu.Unlock()
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
		}
		fmt.Println()
	}
}

// handleCommand runs a slash command and reports whether the REPL should exit.
func handleCommand(input string) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
