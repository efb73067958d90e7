// Command labctl drives a labkasten daemon from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/labkasten/protocol"
)

var (
	addr    string
	apiKey  string
	timeout time.Duration
)

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "labctl",
		Short:        "Manage lab sessions on a labkasten daemon",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&addr, "addr", envOr("LABKASTEN_ADDR", "http://127.0.0.1:8080"), "daemon base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("LABKASTEN_API_KEY"), "API key")
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 20*time.Minute, "timeout for one request")

	root.AddCommand(newLabsCmd(), newCourseCmd(), newStatusCmd(), newReconcileCmd(), newWorkspacesCmd(), newEventsCmd())
	return root
}

func newClient() *Client {
	return NewClient(addr, apiKey, &http.Client{Timeout: timeout})
}

func newLabsCmd() *cobra.Command {
	labs := &cobra.Command{Use: "labs", Short: "Work with lab sessions"}

	var surfaces []string
	create := &cobra.Command{
		Use:   "get-or-create USER_ID COURSE_ID",
		Short: "Return the learner's lab, starting one if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newClient().GetOrCreate(cmd.Context(), protocol.CreateLabRequest{
				UserID:   args[0],
				CourseID: args[1],
				Surfaces: surfaces,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), l)
		},
	}
	create.Flags().StringSliceVar(&surfaces, "surface", nil, "surface to expose (repeatable), primary first")

	var courseID, state string
	var history bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List lab sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			labs, err := newClient().List(cmd.Context(), courseID, state, history)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), labs)
		},
	}
	list.Flags().StringVar(&courseID, "course", "", "only labs of this course")
	list.Flags().StringVar(&state, "state", "", "only labs in this state")
	list.Flags().BoolVar(&history, "history", false, "include finished sessions (requires --course)")

	get := &cobra.Command{
		Use:   "get SESSION_ID",
		Short: "Show one lab session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newClient().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), l)
		},
	}

	labs.AddCommand(create, list, get)
	for _, verb := range []string{"pause", "resume", "stop", "heartbeat"} {
		labs.AddCommand(lifecycleCmd(verb))
	}
	return labs
}

func lifecycleCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " SESSION_ID",
		Short: "Send " + verb + " to one lab session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newClient().Lifecycle(cmd.Context(), args[0], verb)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), l)
		},
	}
}

func newCourseCmd() *cobra.Command {
	course := &cobra.Command{Use: "course", Short: "Act on every lab of a course"}
	for _, verb := range []string{"pause", "stop"} {
		course.AddCommand(&cobra.Command{
			Use:   verb + " COURSE_ID",
			Short: "Apply " + verb + " to all labs of a course",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rep, err := newClient().Bulk(cmd.Context(), args[0], verb)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if len(rep.Failed) > 0 {
					return fmt.Errorf("%d of %d sessions failed", len(rep.Failed), rep.Total)
				}
				return nil
			},
		})
	}
	return course
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Align the daemon with the container runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := newClient().Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func newWorkspacesCmd() *cobra.Command {
	ws := &cobra.Command{
		Use:   "workspaces",
		Short: "List persistent workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().Workspaces(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	ws.AddCommand(&cobra.Command{
		Use:   "delete WORKSPACE_ID",
		Short: "Delete a workspace volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteWorkspace(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})
	return ws
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
