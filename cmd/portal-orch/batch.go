package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/portal-orchestrator/internal/batch"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/notify"
	"github.com/hochfrequenz/portal-orchestrator/internal/relayclient"
)

var (
	batchKind   string
	batchMode   string
	batchRemote bool
	batchNotify bool
)

func init() {
	batchCmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Run a YAML list of targets one after another",
		Long: `Runs every target of FILE in order through the relay. A failing target
never stops the batch. The exit status is 1 when any target failed.

FILE is either a list of targets or a document with task_kind,
execution_mode and targets keys.`,
		Args: cobra.ExactArgs(1),
		RunE: runBatch,
	}
	batchCmd.Flags().StringVar(&batchKind, "kind", "", "task kind (overrides the file)")
	batchCmd.Flags().StringVar(&batchMode, "mode", "", "execution mode (overrides the file)")
	batchCmd.Flags().BoolVar(&batchRemote, "remote", false, "run the batch on the server and follow it")
	batchCmd.Flags().BoolVar(&batchNotify, "notify", true, "desktop notification when the batch finishes")
	rootCmd.AddCommand(batchCmd)
}

// batchFile is the on-disk batch format
type batchFile struct {
	Kind    string          `yaml:"task_kind"`
	Mode    string          `yaml:"execution_mode"`
	Targets []domain.Target `yaml:"targets"`
}

func loadBatchFile(path string) (batchFile, error) {
	var bf batchFile
	data, err := os.ReadFile(path)
	if err != nil {
		return bf, err
	}
	if err := yaml.Unmarshal(data, &bf); err != nil {
		var list []domain.Target
		if lerr := yaml.Unmarshal(data, &list); lerr != nil {
			return bf, fmt.Errorf("parsing %s: %w", path, err)
		}
		bf = batchFile{Targets: list}
	}
	for i, t := range bf.Targets {
		if strings.TrimSpace(t.ID) == "" {
			return bf, fmt.Errorf("%s: target %d has no id", path, i+1)
		}
	}
	return bf, nil
}

func batchSpec(path string) (batch.Spec, error) {
	bf, err := loadBatchFile(path)
	if err != nil {
		return batch.Spec{}, err
	}
	if batchKind != "" {
		bf.Kind = batchKind
	}
	if batchMode != "" {
		bf.Mode = batchMode
	}
	if bf.Kind == "" {
		bf.Kind = string(domain.KindLookup)
	}
	kind, err := domain.ParseTaskKind(bf.Kind)
	if err != nil {
		return batch.Spec{}, err
	}
	mode, err := domain.ParseExecutionMode(bf.Mode)
	if err != nil {
		return batch.Spec{}, err
	}
	if len(bf.Targets) == 0 {
		return batch.Spec{}, batch.ErrNoTargets
	}
	return batch.Spec{Kind: kind, Mode: mode, Targets: bf.Targets}, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	spec, err := batchSpec(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	grace := batch.DefaultConfig()
	if cfg, err := loadConfig(); err == nil {
		grace = batchConfig(cfg)
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Running %d %s target(s)\n", len(spec.Targets), spec.Kind)
	started := time.Now()
	var final batch.QueueState
	if batchRemote {
		final, err = followRemoteBatch(ctx, client, spec)
		if err != nil {
			return err
		}
	} else {
		p := &progress{}
		r := batch.NewRunner(uuid.NewString(), spec.Kind, spec.Mode, spec.Targets, client, grace,
			batch.WithUpdates(p.update))
		final = r.Run(ctx)
	}

	printSummary(final, started)
	notifyDone(final)

	if final.Failed() > 0 {
		return fmt.Errorf("%d of %d target(s) failed", final.Failed(), final.Total)
	}
	if final.Cancelled {
		return fmt.Errorf("batch cancelled after %s targets", final.Progress())
	}
	return nil
}

// progress prints a line whenever a target starts or resolves
type progress struct {
	started  string
	resolved int
}

func (p *progress) update(st batch.QueueState) {
	for ; p.resolved < len(st.Outcomes); p.resolved++ {
		o := st.Outcomes[p.resolved]
		if o.Success {
			fmt.Printf("  ✓ %s\n", o.TargetID)
		} else {
			fmt.Printf("  ✗ %s: %s\n", o.TargetID, o.Error)
		}
	}
	if st.Active != nil && st.Active.TargetID != p.started {
		p.started = st.Active.TargetID
		fmt.Printf("[%d/%d] %s\n", st.Index+1, st.Total, st.Active.TargetID)
	}
}

func followRemoteBatch(ctx context.Context, client *relayclient.Client, spec batch.Spec) (batch.QueueState, error) {
	id, err := client.StartBatch(ctx, spec)
	if err != nil {
		return batch.QueueState{}, err
	}
	fmt.Printf("Batch %s started on the server\n", id)

	p := &progress{}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Leave the server-side batch in a defined state.
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.StopBatch(stopCtx, id); err != nil {
				return batch.QueueState{}, err
			}
			return client.GetBatch(stopCtx, id)
		case <-ticker.C:
			st, err := client.GetBatch(ctx, id)
			if err != nil {
				return st, err
			}
			p.update(st)
			if st.Done {
				return st, nil
			}
		}
	}
}

func printSummary(st batch.QueueState, started time.Time) {
	fmt.Printf("\nProcessed %s target(s), %d failed, in %s\n",
		st.Progress(), st.Failed(), strings.TrimSpace(humanize.RelTime(started, time.Now(), "", "")))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tRESULT\tDETAIL")
	for _, o := range st.Outcomes {
		result, detail := "ok", summarizeData(o.Data)
		if !o.Success {
			result, detail = "FAILED", o.Error
		} else if o.Warning != "" {
			detail = strings.TrimSpace(detail + " (warning: " + o.Warning + ")")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.TargetID, result, detail)
	}
	w.Flush()
}

func summarizeData(data map[string]any) string {
	for _, k := range []string{"status", "situacao", "link", "message"} {
		if v, ok := data[k]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func notifyDone(st batch.QueueState) {
	if !batchNotify {
		return
	}
	n := st.Notification()
	_ = notify.NewDesktopNotifier(true).Send(n)
}
