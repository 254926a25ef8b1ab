package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskgate/internal/app"
	"taskgate/internal/checks"
	"taskgate/internal/config"
	"taskgate/internal/domain"
	"taskgate/internal/engine"
	"taskgate/internal/events"
	"taskgate/internal/notify"
	"taskgate/internal/server"
	"taskgate/internal/watch"
)

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{
		Use:   "phase",
		Short: "Red-green-refactor phases",
		Long:  "Records TDD phases for an in-progress functional task. Each phase runs the tests and is refused when the evidence does not match (red needs a failing test, green needs all tests passing, refactor needs a refactor commit or touched non-test files).",
	}
	for _, p := range []domain.Phase{domain.PhaseRed, domain.PhaseGreen, domain.PhaseRefactor} {
		ph.AddCommand(phaseRecordCmd(p))
	}
	ph.AddCommand(phaseResetCmd())
	ph.AddCommand(phaseShowCmd())
	return ph
}

func phaseRecordCmd(p domain.Phase) *cobra.Command {
	return &cobra.Command{
		Use:   string(p) + " <task-id>",
		Short: "Certify and record the " + string(p) + " phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RecordPhase(ctx, args[0], p, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				c := res.Certification
				fmt.Printf("%s recorded for %s (tests: %d passed, %d failed)\n", p, args[0], c.Tests.Passed, c.Tests.Failed)
				if c.Coverage != nil {
					fmt.Printf("  coverage: %.1f%%\n", *c.Coverage)
				}
				for _, w := range c.Warnings {
					fmt.Printf("  warning: %s\n", w)
				}
				return nil
			})
		},
	}
}

func phaseResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Start a new cycle at red",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.ResetCycle(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("cycle reset for %s at %s\n", ev.TaskID, ev.At)
				return nil
			})
		},
	}
}

func phaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the current phase and what may follow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.PhaseStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				renderPhases(view)
				return nil
			})
		},
	}
}

func renderPhases(view engine.PhaseView) {
	current := string(view.Current)
	if current == "" {
		current = "none"
	}
	allowed := make([]string, 0, len(view.Allowed))
	for _, p := range view.Allowed {
		allowed = append(allowed, string(p))
	}
	fmt.Printf("%s: current phase %s, next %s\n", view.TaskID, current, strings.Join(allowed, " or "))
	if len(view.History) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"At", "Phase", "Actor", "Commit", "Warnings"})
	for _, ev := range view.History {
		ph := string(ev.Phase)
		if ev.Reset {
			ph = "reset"
		}
		tw.AppendRow(table.Row{ev.At, ph, ev.Actor, ev.Commit, strings.Join(ev.Warnings, "; ")})
	}
	tw.Render()
}

func runCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:       "run <quick|full>",
		Short:     "Run a check battery without changing any task",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(checks.ModeQuick), string(checks.ModeFull)},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := checks.ParseMode(args[0])
			if err != nil {
				return domain.Invalidf("%v", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.RunChecks(ctx, mode, taskID)
				if err != nil {
					return err
				}
				if err := printReport(rep); err != nil {
					return err
				}
				if !rep.OK {
					return reportedError{domain.Errorf(domain.KindCheckFailed, "checks_failed", "%d checks failed", len(rep.Failed()))}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "use this task's profile and phase")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config merges built-in defaults, taskgate.yml (or taskgate.toml) and TASKGATE_* environment variables, in that order.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the merged config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the merged config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true})
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default taskgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(viper.GetString("workspace"), "taskgate.yml")
			if _, err := os.Stat(path); err == nil && !force {
				return domain.Invalidf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every create, transition, feedback and phase record is appended to the event journal.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.Events(ctx, events.Query{TaskID: taskID, Type: evtType, Limit: n, Latest: true})
				if err != nil {
					return err
				}
				// newest first from the journal; print oldest first
				for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
					evts[i], evts[j] = evts[j], evts[i]
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Task", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TaskID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the workflow API and /metrics. Set TASKGATE_JWT_SECRET to require HS256 bearer tokens; configured webhooks receive journal events while the server runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("TASKGATE_JWT_SECRET"), Logger: a.Logger}
				if authCfg.JWTSecret == "" {
					a.Logger.Warn("TASKGATE_JWT_SECRET not set; trusting X-Actor-Id headers")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return server.Serve(gctx, addr, handler, a.Logger)
				})
				if len(a.Config.Notify.Webhooks) > 0 {
					d := notify.New(a.Engine, a.Config.Notify, a.Logger)
					g.Go(func() error {
						d.Run(gctx)
						return nil
					})
				}
				fmt.Printf("Serving taskgate API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func watchCmd() *cobra.Command {
	var taskID string
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the quick battery when files change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run := func(ctx context.Context, paths []string) {
					if len(paths) > 0 {
						fmt.Printf("changed: %s\n", strings.Join(paths, ", "))
					}
					rep, err := a.Engine.RunChecks(ctx, checks.ModeQuick, taskID)
					if err != nil {
						a.Logger.Error("quick battery failed to run", zap.Error(err))
						return
					}
					_ = printReport(rep)
				}
				run(ctx, nil)
				w := watch.Watcher{Root: a.Workspace, Debounce: debounce, OnChange: run, Logger: a.Logger}
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "use this task's profile and phase")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before re-running")
	return cmd
}
