package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lacehq/lace/internal/session"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions and their agents",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsAgentsCmd())
	cmd.AddCommand(sessionsAddAgentCmd())
	cmd.AddCommand(sessionsAgentStateCmd("suspend", "Suspend an agent (its thread survives)"))
	cmd.AddCommand(sessionsAgentStateCmd("resume", "Resume a suspended agent"))
	cmd.AddCommand(sessionsAgentStateCmd("complete", "Retire an agent"))
	cmd.AddCommand(sessionsSwitchCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.sessions.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tID\tCREATED")
			for _, s := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.ID, s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func sessionsAgentsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "agents <session>",
		Short: "List a session's agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.sessions.LoadByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows, err := a.sessions.ListAgents(cmd.Context(), sess.ID, all)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tPROVIDER\tMODEL\tTHREAD\tLAST ACTIVE")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Name, r.Type, r.State, r.Provider, r.Model, r.ID, r.LastActiveAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include completed and archived agents")
	return cmd
}

func sessionsAddAgentCmd() *cobra.Command {
	var (
		provider string
		model    string
		prompt   string
	)
	cmd := &cobra.Command{
		Use:   "add-agent <session> <name>",
		Short: "Add a persistent agent to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.sessions.CreateOrLoad(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			row, err := a.sessions.AddAgent(cmd.Context(), sess.ID, session.AgentMeta{
				Name:         args[1],
				Provider:     provider,
				Model:        model,
				SystemPrompt: prompt,
			})
			if err != nil {
				return err
			}
			fmt.Printf("agent %s added on thread %s\n", row.Name, row.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider name (default: configured default)")
	cmd.Flags().StringVar(&model, "model", "", "model id (default: provider default)")
	cmd.Flags().StringVar(&prompt, "system-prompt", "", "agent system prompt")
	return cmd
}

func sessionsAgentStateCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <session> <agent>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.sessions.LoadByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch verb {
			case "suspend":
				err = a.sessions.SuspendAgent(cmd.Context(), sess.ID, args[1])
			case "resume":
				err = a.sessions.ResumeAgent(cmd.Context(), sess.ID, args[1])
			case "complete":
				err = a.sessions.CompleteAgent(cmd.Context(), sess.ID, args[1])
			}
			if err != nil {
				return err
			}
			fmt.Printf("agent %s: %sd\n", args[1], verb)
			return nil
		},
	}
}

func sessionsSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <session> <agent>",
		Short: "Make an agent the session's active agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.sessions.LoadByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.sessions.SetActiveAgent(cmd.Context(), sess.ID, args[1]); err != nil {
				return err
			}
			fmt.Printf("active agent: %s\n", args[1])
			return nil
		},
	}
}
