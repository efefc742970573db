package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/relay"
	"github.com/hochfrequenz/portal-orchestrator/internal/relayclient"
	"github.com/hochfrequenz/portal-orchestrator/internal/workerproto"
)

var (
	runKind    string
	runMode    string
	runAccount string
	runName    string
	runParams  string
	runsLimit  int
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run TARGET",
		Short: "Run one target and stream its progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runKind, "kind", string(domain.KindLookup), "task kind (lookup, filing, recovery)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode (visible, headless); default is the server's")
	runCmd.Flags().StringVar(&runAccount, "account", "", "portal account; looked up by the server when empty")
	runCmd.Flags().StringVar(&runName, "name", "", "display name")
	runCmd.Flags().StringVar(&runParams, "params", "", "task parameters as JSON")
	rootCmd.AddCommand(runCmd)

	stopCmd := &cobra.Command{
		Use:   "stop [RUN_ID]",
		Short: "Cancel a run, or every active run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)

	modeCmd := &cobra.Command{
		Use:   "mode [visible|headless]",
		Short: "Show or change the execution mode for new runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runModeCmd,
	}
	rootCmd.AddCommand(modeCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status and active runs",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

// newClient talks to --server, or to the configured server
func newClient() (*relayclient.Client, error) {
	if serverURL != "" {
		return relayclient.New(strings.TrimRight(serverURL, "/"), &http.Client{}), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return relayclient.New(cfg.Server.BaseURL(), &http.Client{}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	kind, err := domain.ParseTaskKind(runKind)
	if err != nil {
		return err
	}
	mode, err := domain.ParseExecutionMode(runMode)
	if err != nil {
		return err
	}
	var params json.RawMessage
	if runParams != "" {
		if !json.Valid([]byte(runParams)) {
			return fmt.Errorf("--params is not valid JSON")
		}
		params = json.RawMessage(runParams)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	s, err := client.Open(ctx, relay.RunRequest{
		TargetID: args[0],
		TaskKind: kind,
		Mode:     mode,
		Account:  runAccount,
		Name:     runName,
		Secret:   os.Getenv(workerproto.SecretEnv),
		Params:   params,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	started := time.Now()
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if failed := printFrame(f, started); failed {
			return fmt.Errorf("run %s failed", s.RunID)
		}
	}
}

// printFrame writes one frame and reports whether it was a failing terminal
func printFrame(f domain.Frame, started time.Time) bool {
	switch f.Type {
	case domain.FrameLog:
		prefix := ""
		if f.Severity != "" && f.Severity != domain.SeverityInfo {
			prefix = strings.ToUpper(string(f.Severity)) + ": "
		}
		fmt.Printf("  %s%s\n", prefix, f.Message)
	case domain.FrameSuccess:
		fmt.Printf("✓ succeeded in %s\n", time.Since(started).Round(time.Second))
		for k, v := range f.Data {
			fmt.Printf("    %s: %v\n", k, v)
		}
		if f.Warning != "" {
			fmt.Printf("  warning: %s\n", f.Warning)
		}
	case domain.FrameError:
		fmt.Printf("✗ failed after %s: %s\n", time.Since(started).Round(time.Second), f.Message)
		return true
	}
	return false
}

func runStop(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	n, err := client.Stop(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Printf("Stopped %d run(s)\n", n)
	return nil
}

func runModeCmd(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var mode domain.ExecutionMode
	if len(args) == 0 {
		mode, err = client.Mode(cmd.Context())
	} else {
		var want domain.ExecutionMode
		if want, err = domain.ParseExecutionMode(args[0]); err != nil || want == "" {
			return fmt.Errorf("mode must be visible or headless")
		}
		mode, err = client.SetMode(cmd.Context(), want)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Execution mode: %s\n", mode)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	st, err := client.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Server %s | mode %s | %d active run(s) | %d batch(es) | %d listener(s)\n",
		st.Host, st.Mode, len(st.ActiveRuns), st.Batches, st.Listeners)
	if len(st.ActiveRuns) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTARGET\tKIND\tMODE\tSTARTED")
	for _, r := range st.ActiveRuns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.TargetID, r.Kind, r.Mode, humanize.Time(r.StartedAt))
	}
	return w.Flush()
}

func runRuns(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	runs, err := client.Runs(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTARGET\tKIND\tSTATE\tSTARTED\tERROR")
	for _, r := range runs {
		started := r.StartedAt
		if t, err := time.Parse(time.RFC3339, r.StartedAt); err == nil {
			started = humanize.Time(t)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.TargetID, r.Kind, r.State, started, r.Error)
	}
	return w.Flush()
}
