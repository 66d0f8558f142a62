package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lacehq/lace/internal/store"
	"github.com/lacehq/lace/internal/tasks"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the shared task ledger",
	}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksAddCmd())
	cmd.AddCommand(tasksStatusCmd())
	cmd.AddCommand(tasksAssignCmd())
	cmd.AddCommand(tasksNoteCmd())
	cmd.AddCommand(tasksShowCmd())
	return cmd
}

func tasksListCmd() *cobra.Command {
	var sessionName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.sessions.LoadByName(cmd.Context(), sessionName)
			if err != nil {
				return err
			}
			list, err := a.tasks.ListSession(cmd.Context(), sess.ID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTITLE\tASSIGNED")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Title, t.AssignedTo)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&sessionName, "session", "s", "default", "session name")
	return cmd
}

func tasksAddCmd() *cobra.Command {
	var (
		sessionName string
		description string
		prompt      string
		priority    string
		assignee    string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task; assign to an agent or new:<provider>/<model>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.sessions.CreateOrLoad(cmd.Context(), sessionName)
			if err != nil {
				return err
			}
			t, err := a.tasks.Create(cmd.Context(), tasks.CreateParams{
				Title:       args[0],
				Description: description,
				Prompt:      prompt,
				Priority:    store.TaskPriority(priority),
				AssignedTo:  assignee,
				CreatedBy:   "cli",
				SessionID:   sess.ID,
			})
			if err != nil {
				return err
			}
			fmt.Printf("task %s created (%s)\n", t.ID, t.Status)
			if t.AssignedTo != "" {
				fmt.Printf("assigned to %s\n", t.AssignedTo)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionName, "session", "s", "default", "session name")
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringVar(&prompt, "prompt", "", "instructions for the assigned agent")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "high, medium, or low")
	cmd.Flags().StringVar(&assignee, "assign", "", "agent name or new:<provider>/<model>")
	return cmd
}

func tasksStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to pending, in_progress, completed, or blocked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tasks.UpdateStatus(cmd.Context(), args[0], store.TaskStatus(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("task %s is now %s\n", t.ID, t.Status)
			return nil
		},
	}
}

func tasksAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <assignee>",
		Short: "Reassign a task; new:<provider>/<model> spawns an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tasks.Assign(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("task %s assigned to %s\n", t.ID, t.AssignedTo)
			return nil
		},
	}
}

func tasksNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <task-id> <content>",
		Short: "Append a note to a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.tasks.AddNote(cmd.Context(), args[0], "cli", args[1]); err != nil {
				return err
			}
			fmt.Println("note added")
			return nil
		},
	}
}

func tasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tasks.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s [%s/%s]\n", t.Title, t.Status, t.Priority)
			fmt.Printf("  id:          %s\n", t.ID)
			fmt.Printf("  assigned to: %s\n", t.AssignedTo)
			fmt.Printf("  created by:  %s at %s\n", t.CreatedBy, t.CreatedAt.Format("2006-01-02 15:04"))
			if t.Description != "" {
				fmt.Printf("  description: %s\n", t.Description)
			}
			for _, n := range t.Notes {
				fmt.Printf("  note [%s] %s: %s\n", n.Timestamp.Format("01-02 15:04"), n.Author, n.Content)
			}
			return nil
		},
	}
}
