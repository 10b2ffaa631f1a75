package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/advisor/internal/config"
	"github.com/ashureev/advisor/internal/orchestrator"
	"github.com/spf13/cobra"
)

// chatOptions carries injectable IO for the REPL.
type chatOptions struct {
	UserID  string
	Message string
	Memory  bool
	Stdin   io.Reader
	Stdout  io.Writer
}

func runChat(cmd *cobra.Command, _ []string) error {
	return runChatWithOptions(cmd.Context(), chatOptions{
		UserID:  userFlag,
		Message: messageFlag,
		Memory:  memoryFlag,
		Stdin:   cmd.InOrStdin(),
		Stdout:  cmd.OutOrStdout(),
	})
}

func runChatWithOptions(ctx context.Context, opts chatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg, slog.Default(), appOptions{memory: opts.Memory})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = orchestrator.WithChannel(ctx, "cli")
	out := opts.Stdout

	// Single message mode
	if opts.Message != "" {
		return say(ctx, a, opts.UserID, opts.Message, out)
	}

	// REPL mode
	fmt.Fprintln(out, "advisor chat (/profile shows your profile, /reset starts over, 'exit' quits)")
	scanner := bufio.NewScanner(opts.Stdin)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/reset":
			if err := a.sessions.Reset(ctx, opts.UserID); err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "Session cleared.")
			continue
		case "/profile":
			sess, err := a.sessions.Snapshot(ctx, opts.UserID)
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			data, _ := json.MarshalIndent(sess.Profile.View().Map(), "", "  ")
			fmt.Fprintln(out, string(data))
			continue
		}
		if err := say(ctx, a, opts.UserID, input, out); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

func say(ctx context.Context, a *app, userID, text string, out io.Writer) error {
	resp, err := a.router.HandleMessage(ctx, userID, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, resp.Text)
	if resp.Escalated {
		fmt.Fprintln(out, "(handed off to a human advisor)")
	}
	return nil
}
