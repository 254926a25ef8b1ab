package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgate/internal/app"
	"taskgate/internal/domain"
	"taskgate/internal/engine"
	"taskgate/internal/store"
)

func createCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending task",
		Long:  "Creates a task in pending. Give it a goal or acceptance criteria so 'tg prepare' can classify it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ActorID = actor()
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Priority, "priority", "medium", "high, medium or low")
	cmd.Flags().StringVar(&opts.Classification, "classification", "", "functional or non_functional (inferred when empty)")
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "goal")
	cmd.Flags().StringVar(&opts.Overview, "overview", "", "overview")
	cmd.Flags().StringArrayVar(&opts.AcceptanceCriteria, "criteria", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&opts.DefinitionOfReady, "ready", nil, "definition of ready item (repeatable)")
	cmd.Flags().StringArrayVar(&opts.DefinitionOfDone, "done", nil, "definition of done item (repeatable)")
	cmd.Flags().StringSliceVar(&opts.FilesAffected, "files", nil, "affected files")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "task ids this task waits on")
	cmd.Flags().StringVar(&opts.ImplementationNotes, "notes", "", "implementation notes")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// taskAction builds a command that applies fn to the task named by the
// first argument and prints the result.
func taskAction(use, short string, fn func(ctx context.Context, e engine.Engine, id string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := fn(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func prepareCmd() *cobra.Command {
	return taskAction("prepare", "Classify and validate a pending task", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.Prepare(ctx, id, actor())
	})
}

func claimCmd() *cobra.Command {
	var role string
	cmd := taskAction("claim", "Claim a ready task", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		if role == "" {
			role = actor()
		}
		return e.Claim(ctx, id, role)
	})
	cmd.Flags().StringVar(&role, "role", "", "claiming role (defaults to --actor)")
	return cmd
}

func completeCmd() *cobra.Command {
	return taskAction("complete", "Accept a task under review", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.Complete(ctx, id, actor())
	})
}

func failCmd() *cobra.Command {
	var reason string
	cmd := taskAction("fail", "Abandon a task with a reason", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.Fail(ctx, id, reason, actor())
	})
	cmd.Flags().StringVar(&reason, "reason", "", "why the task failed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func reviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <task-id>",
		Short: "Run the full battery and hand off for review",
		Long:  "Requires the TDD phases for functional tasks, then runs every check in the task's profile. The report is printed whether or not the task moves to review.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RequestReview(ctx, args[0], actor())
				if res.Report.ID == "" {
					if err != nil {
						return err
					}
					return printTask(res.Task)
				}
				if viper.GetBool("json") {
					out := map[string]any{"ok": err == nil, "task": res.Task, "report": res.Report}
					if err != nil {
						out["reason"] = domain.ReasonOf(err)
						out["detail"] = domain.DetailOf(err)
					}
					if perr := printJSON(out); perr != nil {
						return perr
					}
					if err != nil {
						return reportedError{err}
					}
					return nil
				}
				renderReport(os.Stdout, res.Report)
				if err != nil {
					return err
				}
				renderTask(os.Stdout, res.Task)
				return nil
			})
		},
	}
}

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{
		Use:   "feedback",
		Short: "Review feedback",
		Long:  "Feedback sends a reviewed task back to ready. Actionable entries must be resolved before the task can complete.",
	}
	fb.AddCommand(feedbackAddCmd())
	fb.AddCommand(feedbackResolveCmd())
	return fb
}

func feedbackAddCmd() *cobra.Command {
	var text string
	var informational bool
	cmd := taskAction("add", "Add feedback to a task under review", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.AddFeedback(ctx, engine.FeedbackOptions{TaskID: id, Text: text, ActorID: actor(), Informational: informational})
	})
	cmd.Flags().StringVar(&text, "text", "", "feedback text")
	cmd.Flags().BoolVar(&informational, "informational", false, "record without blocking completion")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func feedbackResolveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <task-id> <seq>",
		Short: "Resolve a feedback entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.Atoi(args[1])
			if err != nil || seq < 1 {
				return domain.Invalidf("feedback sequence must be a positive number, got %q", args[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.ResolveFeedback(ctx, args[0], seq, note, actor())
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func showCmd() *cobra.Command {
	return taskAction("show", "Show a task", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.Get(ctx, id)
	})
}

func listCmd() *cobra.Command {
	var status, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{Assignee: domain.Role(assignee)}
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Class", "Assignee"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Classification, t.Assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee role filter")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts and open work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Tasks: %d\n", sum.Total)
				for _, s := range domain.Statuses {
					if n := sum.Counts[s]; n > 0 {
						fmt.Printf("  %s: %d\n", s, n)
					}
				}
				if len(sum.Tasks) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Open feedback", "Errors"})
				for _, t := range sum.Tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Assignee, t.OpenFeedback, t.Errors})
				}
				tw.Render()
				return nil
			})
		},
	}
}
