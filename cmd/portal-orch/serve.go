package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/portal-orchestrator/internal/batch"
	"github.com/hochfrequenz/portal-orchestrator/internal/blob"
	"github.com/hochfrequenz/portal-orchestrator/internal/config"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/logging"
	"github.com/hochfrequenz/portal-orchestrator/internal/notify"
	"github.com/hochfrequenz/portal-orchestrator/internal/reconcile"
	"github.com/hochfrequenz/portal-orchestrator/internal/relay"
	"github.com/hochfrequenz/portal-orchestrator/internal/relayclient"
	"github.com/hochfrequenz/portal-orchestrator/internal/store"
	"github.com/hochfrequenz/portal-orchestrator/internal/supervisor"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	log, flush, err := logging.New(logging.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	blobs, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	modes := config.NewModeSwitch(cfg.Execution.Mode())
	sup := supervisor.New(workerSpecs(cfg), log)
	rec := reconcile.New(st, blobs, log)

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewSlackNotifier(cfg.Notifications.SlackWebhook)
	}

	// Server-side batches go through the relay like any other client.
	loopback := relayclient.New(loopbackURL(cfg.Server), &http.Client{})
	batches := batch.NewManager(loopback, batchConfig(cfg),
		batch.WithPendingStore(st),
		batch.WithNotifier(notifier, cfg.Server.BaseURL()),
		batch.WithManagerLogger(log),
	)

	host, _ := os.Hostname()
	srv := relay.NewServer(relay.Options{
		Runner:      sup,
		Reconciler:  rec,
		Store:       st,
		Batches:     batches,
		Modes:       modes,
		Log:         log,
		Host:        host,
		DownloadDir: cfg.General.DownloadDir,
	})

	if path := config.ResolvePath(configPath); fileExists(path) {
		watcher, err := config.NewWatcher(path, func(c *config.Config) {
			if modes.Set(c.Execution.Mode()) {
				log.Info("execution mode changed", "mode", c.Execution.Mode())
			}
		}, log.WithName("config"))
		if err != nil {
			log.Error(err, "config watcher disabled")
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	// The relay outlives the signal context: batches must stop before it
	// cancels the runs they are waiting on.
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(serveCtx, cfg.Server.Addr()) }()

	if err := waitReady(ctx, loopback, serveErr); err != nil {
		return err
	}
	fmt.Printf("Relay listening on %s (mode %s)\n", cfg.Server.BaseURL(), modes.Current())

	if n, err := batches.Resume(ctx); err != nil {
		log.Error(err, "resuming pending batches")
	} else if n > 0 {
		log.Info("resumed pending batches", "count", n)
	}

	if len(cfg.Schedules) > 0 {
		sched, err := newScheduler(cfg, st, batches, log)
		if err != nil {
			stopServing()
			<-serveErr
			return err
		}
		go sched.Start(ctx, sched.run)
		defer sched.Stop()
	}

	var result error
	served := false
	select {
	case <-ctx.Done():
	case result = <-serveErr:
		served = true
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := batches.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "batches did not stop in time")
	}
	stopServing()
	if !served {
		result = <-serveErr
	}
	return result
}

func openBlobStore(ctx context.Context, c config.BlobConfig) (blob.Store, error) {
	switch c.Provider {
	case "s3", "r2":
		s, err := blob.NewS3Store(ctx, blob.S3Options{
			Bucket:          c.Bucket,
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			AccountID:       c.AccountID,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			PublicURL:       c.PublicURL,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "local":
		s, err := blob.NewLocalStore(c.LocalDir, c.PublicURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

func workerSpecs(cfg *config.Config) map[domain.TaskKind]supervisor.CommandSpec {
	specs := make(map[domain.TaskKind]supervisor.CommandSpec, len(cfg.Workers))
	for kind, w := range cfg.Workers {
		if w.Command == "" {
			continue
		}
		args := w.Args
		if domain.TaskKind(kind) == domain.KindRecovery {
			// Configured args come last so they override the [recovery] section.
			args = append(recoveryArgs(cfg.Recovery), w.Args...)
		}
		specs[domain.TaskKind(kind)] = supervisor.CommandSpec{
			Command: w.Command,
			Args:    args,
			Dir:     w.Dir,
			Env:     w.Env,
			Timeout: w.Timeout.Duration,
		}
	}
	return specs
}

// recoveryArgs renders the [recovery] section as recovery-worker flags
func recoveryArgs(r config.RecoveryConfig) []string {
	var args []string
	if r.Provider != "" {
		args = append(args, "--provider", r.Provider)
	}
	for _, f := range []struct {
		flag string
		d    time.Duration
	}{
		{"--teardown-delay", r.TeardownDelay.Duration},
		{"--captcha-probe", r.CaptchaProbe.Duration},
		{"--captcha-timeout", r.CaptchaTimeout.Duration},
	} {
		if f.d > 0 {
			args = append(args, f.flag, f.d.String())
		}
	}
	return args
}

func batchConfig(cfg *config.Config) batch.Config {
	return batch.Config{
		SuccessGrace: cfg.Batch.SuccessGrace.Duration,
		FailureGrace: cfg.Batch.FailureGrace.Duration,
	}
}

// loopbackURL reaches the local server regardless of the public URL
func loopbackURL(s config.ServerConfig) string {
	host := s.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// waitReady polls the status endpoint until the server answers. A server
// that fails to start is reported through serveErr.
func waitReady(ctx context.Context, c *relayclient.Client, serveErr <-chan error) error {
	deadline := time.Now().Add(10 * time.Second)
	for {
		select {
		case err := <-serveErr:
			if err == nil {
				return ctx.Err()
			}
			return err
		default:
		}
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := c.Status(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("relay did not come up: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// cronScheduler starts server-side batches from the configured schedules
type cronScheduler struct {
	*batch.Scheduler
	store   *store.Store
	batches *batch.Manager
	log     logr.Logger
}

func newScheduler(cfg *config.Config, st *store.Store, batches *batch.Manager, log logr.Logger) (*cronScheduler, error) {
	schedules := make([]batch.Schedule, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		schedules = append(schedules, batch.Schedule{
			Name:     s.Name,
			Cron:     s.Cron,
			TaskKind: domain.TaskKind(s.TaskKind),
			Filter:   s.Filter,
		})
	}
	sched, err := batch.NewScheduler(schedules, log)
	if err != nil {
		return nil, err
	}
	return &cronScheduler{Scheduler: sched, store: st, batches: batches, log: log.WithName("schedule")}, nil
}

func (c *cronScheduler) run(ctx context.Context, s batch.Schedule) error {
	records, err := c.store.ListTargets(ctx, store.TargetFilter(s.Filter))
	if err != nil {
		return fmt.Errorf("listing targets for %s: %w", s.Name, err)
	}
	if len(records) == 0 {
		c.log.Info("no targets due", "schedule", s.Name)
		return nil
	}
	targets := make([]domain.Target, len(records))
	for i, r := range records {
		targets[i] = r.Target()
	}
	id, err := c.batches.Start(batch.Spec{Kind: s.TaskKind, Targets: targets})
	if err != nil {
		return err
	}
	c.log.Info("scheduled batch started", "schedule", s.Name, "batchID", id, "targets", len(targets))
	return nil
}
