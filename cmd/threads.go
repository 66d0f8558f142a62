package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lacehq/lace/internal/compaction"
)

func threadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect and maintain conversation threads",
	}
	cmd.AddCommand(threadsListCmd())
	cmd.AddCommand(threadsEventsCmd())
	cmd.AddCommand(threadsVersionsCmd())
	cmd.AddCommand(threadsCompactCmd())
	cmd.AddCommand(threadsCleanupCmd())
	return cmd
}

func threadsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			infos, err := a.store.ListThreads(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEVENTS\tCREATED")
			for _, t := range infos {
				fmt.Fprintf(w, "%s\t%d\t%s\n", t.ID, t.EventCount, t.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func threadsEventsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "events <thread-id>",
		Short: "Dump a thread's event log (canonical ids resolve to the current version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			evs, err := a.threads.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range evs {
				if asJSON {
					line, _ := json.Marshal(ev)
					fmt.Println(string(line))
					continue
				}
				fmt.Printf("%4d  %-22s %s\n", ev.Seq, ev.Type, eventSummary(ev.Data))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "one JSON object per line")
	return cmd
}

func eventSummary(data any) string {
	line, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return compact(string(line), 140)
}

func threadsVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <canonical-id>",
		Short: "Show a thread's compaction version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := a.threads.VersionHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			current, err := a.threads.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tREASON\tCREATED\t")
			for _, v := range history {
				marker := ""
				if v.VersionID == current {
					marker = "(current)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.VersionID, v.Reason, v.CreatedAt.Format("2006-01-02 15:04"), marker)
			}
			return w.Flush()
		},
	}
}

func threadsCompactCmd() *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "compact <canonical-id>",
		Short: "Compact a thread's history now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			compactor := compaction.NewCompactor(a.threads, compaction.NewRegistry(), a.log)
			opts := compaction.Options{
				PreserveRecent:       a.cfg.Compaction.PreserveTail,
				PreserveUserMessages: a.cfg.Compaction.PreserveUserMessages,
			}
			shadow, err := compactor.Compact(cmd.Context(), args[0], strategy, opts)
			if err != nil {
				return err
			}
			if shadow == "" {
				fmt.Println("nothing to compact")
				return nil
			}
			fmt.Printf("compacted: new version %s\n", shadow)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "summarize", "summarize or truncate")
	return cmd
}

func threadsCleanupCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "cleanup <canonical-id>",
		Short: "Delete superseded shadow versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.threads.CleanupShadows(cmd.Context(), args[0], keep)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d shadow thread(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 2, "superseded versions to keep")
	return cmd
}
