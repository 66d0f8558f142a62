package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lacehq/lace/internal/activity"
	"github.com/lacehq/lace/internal/agent"
	"github.com/lacehq/lace/internal/events"
	"github.com/lacehq/lace/internal/queue"
	"github.com/lacehq/lace/internal/session"
)

func chatCmd() *cobra.Command {
	var (
		sessionName string
		agentName   string
		message     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent interactively or send a one-shot message",
		Long: `Chat with an agent. The session (and its default agent) is created on
first use and picked up again by name on the next run.

Examples:
  lace chat                         # interactive REPL in the "default" session
  lace chat -s research             # named session
  lace chat -s research -a scout    # specific agent in that session
  lace chat -m "summarize x.go"     # one-shot message`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), sessionName, agentName, message)
		},
	}

	cmd.Flags().StringVarP(&sessionName, "session", "s", "default", "session name")
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "agent name (default: the session's active agent)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	return cmd
}

func runChat(ctx context.Context, sessionName, agentName, message string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	a, err := buildApp(ctx, message == "")
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.sessions.CreateOrLoad(ctx, sessionName)
	if err != nil {
		return err
	}
	rt, err := resolveAgent(ctx, a, sess, agentName)
	if err != nil {
		return err
	}

	// Stream tokens to stdout as they arrive.
	entries, unsubscribe := a.activity.Subscribe(1024)
	defer unsubscribe()
	go func() {
		for entry := range entries {
			if entry.Kind != activity.KindToken || entry.ThreadID != rt.ThreadID() {
				continue
			}
			if tok, ok := entry.Payload["token"].(string); ok {
				fmt.Print(tok)
			}
		}
	}()

	turn := func(input string) error {
		before, err := lastSeq(ctx, a, rt.ThreadID())
		if err != nil {
			return err
		}
		if err := rt.Send(ctx, input, queue.PriorityNormal); err != nil {
			return err
		}
		return printTurnEvents(ctx, a, rt.ThreadID(), before)
	}

	if message != "" {
		return turn(message)
	}

	fmt.Fprintf(os.Stderr, "lace chat — session %q, agent %q\n", sess.Name, rt.Name())
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit.\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nbye")
			return nil
		default:
		}

		fmt.Fprint(os.Stderr, "you: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		if err := turn(input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		}
	}
}

func resolveAgent(ctx context.Context, a *app, sess *session.Session, agentName string) (*agent.Runtime, error) {
	if agentName != "" {
		if r, ok := sess.Agent(agentName); ok {
			return r, nil
		}
		row, err := a.sessions.AddAgent(ctx, sess.ID, session.AgentMeta{Name: agentName})
		if err != nil {
			return nil, err
		}
		r, ok := sess.Agent(row.Name)
		if !ok {
			return nil, fmt.Errorf("agent %q did not come up", agentName)
		}
		return r, nil
	}

	if r, ok := sess.ActiveAgent(); ok {
		return r, nil
	}
	// Fresh session: create the default agent.
	row, err := a.sessions.AddAgent(ctx, sess.ID, session.AgentMeta{Name: "default"})
	if err != nil {
		return nil, err
	}
	r, ok := sess.Agent(row.Name)
	if !ok {
		return nil, fmt.Errorf("default agent did not come up")
	}
	return r, nil
}

func lastSeq(ctx context.Context, a *app, threadID string) (int, error) {
	evs, err := a.threads.Events(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Seq, nil
}

// printTurnEvents shows what the turn appended: agent replies, tool
// traffic, and system notes. Streamed tokens already went to stdout, so
// the full reply prints on its own line to stay readable.
func printTurnEvents(ctx context.Context, a *app, threadID string, afterSeq int) error {
	evs, err := a.threads.Events(ctx, threadID)
	if err != nil {
		return err
	}
	fmt.Println()
	for _, ev := range evs {
		if ev.Seq <= afterSeq {
			continue
		}
		switch d := ev.Data.(type) {
		case events.AgentMessage:
			fmt.Printf("agent: %s\n", d.Content)
		case events.ToolCall:
			fmt.Fprintf(os.Stderr, "  [tool] %s %s\n", d.ToolName, compact(string(d.Input), 120))
		case events.ToolResult:
			marker := "ok"
			if d.IsError {
				marker = "error"
			}
			fmt.Fprintf(os.Stderr, "  [tool %s] %s\n", marker, compact(d.Result, 200))
		case events.LocalSystemMessage:
			fmt.Fprintf(os.Stderr, "  [system] %s\n", d.Message)
		}
	}
	fmt.Println()
	return nil
}

func compact(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
