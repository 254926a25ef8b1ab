package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgate/internal/app"
	"taskgate/internal/checks"
	"taskgate/internal/domain"
	"taskgate/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "taskgate workflow enforcement",
	Long: `taskgate moves tasks through pending -> ready -> in_progress -> review -> completed
and refuses transitions that skip a step.
- Functional tasks follow red -> green -> refactor; each phase is certified by running tests.
- Non-functional tasks skip the TDD gates and run a relaxed check profile.
- Requesting review runs the full check battery; any failure keeps the task in progress.
- Every state change is journaled; view it with 'tg log tail'.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var shown reportedError
		if !errors.As(err, &shown) {
			reportError(os.Stdout, os.Stderr, viper.GetBool("json"), err)
		}
		os.Exit(1)
	}
}

// reportedError marks a failure whose output was already printed.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func initConfig() {
	viper.SetEnvPrefix("TASKGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "implementer", "acting role or actor id")
	rootCmd.PersistentFlags().String("config", "", "project config file (default <workspace>/taskgate.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(prepareCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(failCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Metrics:    metrics.Default(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() string {
	return viper.GetString("actor")
}

// reportError prints err as "error: <reason>: <detail>" or, with --json, as
// an {"ok":false} object on stdout.
func reportError(stdout, stderr io.Writer, asJSON bool, err error) {
	reason, detail := domain.ReasonOf(err), domain.DetailOf(err)
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"ok": false, "reason": reason, "detail": detail})
		return
	}
	if detail == "" {
		fmt.Fprintf(stderr, "error: %s\n", reason)
		return
	}
	fmt.Fprintf(stderr, "error: %s: %s\n", reason, detail)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	renderTask(os.Stdout, t)
	return nil
}

func renderTask(w io.Writer, t domain.Task) {
	fmt.Fprintf(w, "%s  %s\n", t.ID, t.Title)
	fmt.Fprintf(w, "  status: %s  priority: %s", t.Status, t.Priority)
	if t.Classification != "" {
		fmt.Fprintf(w, "  classification: %s", t.Classification)
	}
	if t.Assignee != "" {
		fmt.Fprintf(w, "  assignee: %s", t.Assignee)
	}
	fmt.Fprintln(w)
	if t.Goal != "" {
		fmt.Fprintf(w, "  goal: %s\n", t.Goal)
	}
	for _, c := range t.AcceptanceCriteria {
		fmt.Fprintf(w, "  - %s\n", c)
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(w, "  depends on: %s\n", strings.Join(t.DependsOn, ", "))
	}
	for _, f := range t.OutstandingFeedback() {
		fmt.Fprintf(w, "  open feedback #%d: %s\n", f.Seq, f.Text)
	}
	if n := len(t.Errors); n > 0 {
		last := t.Errors[n-1]
		fmt.Fprintf(w, "  last error (%s): %s\n", last.Kind, last.Detail)
	}
	if !t.Ref.IsZero() {
		fmt.Fprintf(w, "  ref: branch=%s commit=%s review=%s\n", t.Ref.Branch, t.Ref.Commit, t.Ref.ReviewRequest)
	}
}

// printReport always renders the whole report, passing or not.
func printReport(rep checks.Report) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	renderReport(os.Stdout, rep)
	return nil
}

func renderReport(w io.Writer, rep checks.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Check", "Status", "Duration", "Reason"})
	for _, o := range rep.Results {
		status := string(o.Status)
		if o.TimedOut {
			status += " (timeout)"
		}
		tw.AppendRow(table.Row{o.ID, status, o.Duration.Round(time.Millisecond), o.Reason})
	}
	for _, id := range rep.Cancelled {
		tw.AppendRow(table.Row{id, "cancelled", "", ""})
	}
	tw.Render()
	verdict := "PASS"
	if !rep.OK {
		verdict = "FAIL"
	}
	fmt.Fprintf(w, "%s %s battery (%s profile) in %s\n", verdict, rep.Mode, rep.Profile, rep.Duration.Round(time.Millisecond))
}
