package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/memory"
)

func newShellCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive recall shell",
		Long: strings.TrimSpace(`Type a query to recall memories for it.

  :trace <id>   print a recall trace
  :budget       print the storage budget report
  exit          leave the shell`),
		Example: "  soulmem shell --persona wren",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s shell for persona %q (Ctrl+C to exit)\n\n", appName, s.cfg.Persona)
				interactiveMode(ctx, s, out)
				return nil
			})
		},
	}
}

func interactiveMode(ctx context.Context, s *session, out io.Writer) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".soulmem_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		simpleInteractiveMode(ctx, s, os.Stdin, out)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !handleShellLine(ctx, s, out, line) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, s *session, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s> ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !handleShellLine(ctx, s, out, line) {
			return
		}
	}
}

// handleShellLine runs one shell input and reports whether to keep reading.
func handleShellLine(ctx context.Context, s *session, out io.Writer, line string) bool {
	input := strings.TrimSpace(line)
	switch {
	case input == "":
		return true
	case input == "exit" || input == "quit":
		fmt.Fprintln(out, "Goodbye!")
		return false
	case strings.HasPrefix(input, ":trace"):
		id := strings.TrimSpace(strings.TrimPrefix(input, ":trace"))
		trace, err := s.svc.GetRecallTrace(ctx, id)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return true
		}
		_ = writeJSON(out, trace)
	case input == ":budget":
		report, err := s.svc.InspectBudget(ctx)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return true
		}
		_ = writeJSON(out, report)
	default:
		res, err := s.svc.Recall(ctx, input, memory.RecallBudget{})
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return true
		}
		fmt.Fprintln(out)
		printRecall(out, res)
		fmt.Fprintln(out)
	}
	return true
}
