package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/portal-orchestrator/internal/logging"
	"github.com/hochfrequenz/portal-orchestrator/internal/recovery"
	"github.com/hochfrequenz/portal-orchestrator/internal/workerproto"
)

// exitUsage is returned when the arguments cannot describe a run
const exitUsage = 2

var (
	targetID       string
	account        string
	taskArg        string
	downloadDir    string
	headless       bool
	provider       string
	teardownDelay  time.Duration
	captchaProbe   time.Duration
	captchaTimeout time.Duration
	chromePath     string
	debug          bool
)

type taskParams struct {
	Provider string `json:"provider"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "recovery-worker",
		Short:         "Start an account recovery and extract the provider deep link",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&targetID, strings.TrimPrefix(workerproto.FlagTargetID, "--"), "", "target id")
	flags.StringVar(&account, strings.TrimPrefix(workerproto.FlagAccount, "--"), "", "portal account (tax id)")
	flags.StringVar(&taskArg, strings.TrimPrefix(workerproto.FlagTask, "--"), "", "encoded task parameters")
	flags.StringVar(&downloadDir, strings.TrimPrefix(workerproto.FlagDownloadDir, "--"), "", "download directory (unused)")
	flags.BoolVar(&headless, strings.TrimPrefix(workerproto.FlagHeadless, "--"), false, "run the browser headless")
	flags.StringVar(&provider, "provider", "nubank", "identity provider used for recovery")
	flags.DurationVar(&teardownDelay, "teardown-delay", recovery.DefaultConfig().TeardownDelay, "how long to keep the browser open after success")
	flags.DurationVar(&captchaProbe, "captcha-probe", recovery.DefaultConfig().CaptchaProbe, "how long to look for a captcha before moving on")
	flags.DurationVar(&captchaTimeout, "captcha-timeout", recovery.DefaultConfig().CaptchaTimeout, "how long to wait for a captcha to be solved")
	flags.StringVar(&chromePath, "chrome", "", "Chrome binary path")
	flags.BoolVar(&debug, "debug", false, "verbose diagnostics on stderr")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := "info"
	if debug {
		level = "debug"
	}
	log, flush, err := logging.New(logging.Options{Level: level, Development: true})
	if err != nil {
		return err
	}
	defer flush()

	req, err := buildRequest()
	if err != nil {
		return err
	}
	log = log.WithValues("targetID", targetID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep := workerproto.NewReporter(os.Stdout)
	result := recoverAccount(ctx, rep, req, log)
	if rep.Err() != nil {
		log.Error(rep.Err(), "writing progress")
	}
	if !result {
		log.V(1).Info("recovery did not succeed")
	}
	return nil
}

func buildRequest() (recovery.Request, error) {
	req := recovery.Request{Account: account, Provider: provider}
	if taskArg != "" {
		task, err := workerproto.DecodeTask(taskArg)
		if err != nil {
			return req, err
		}
		if req.Account == "" {
			req.Account = task.Account
		}
		if targetID == "" {
			targetID = task.TargetID
		}
		if len(task.Params) > 0 {
			var p taskParams
			if err := json.Unmarshal(task.Params, &p); err != nil {
				return req, fmt.Errorf("parsing task params: %w", err)
			}
			if p.Provider != "" {
				req.Provider = p.Provider
			}
		}
	}
	if req.Account == "" {
		return req, fmt.Errorf("%s is required", workerproto.FlagAccount)
	}
	return req, nil
}

// recoverAccount runs one session and writes exactly one result marker
func recoverAccount(ctx context.Context, rep *workerproto.Reporter, req recovery.Request, log logr.Logger) bool {
	rep.Logf("starting recovery for %s via %s", targetID, req.Provider)

	page, err := recovery.NewChromePage(ctx, recovery.ChromeOptions{
		Headless: headless,
		ExecPath: chromePath,
		Log:      log.WithName("chrome"),
	})
	if err != nil {
		writeResult(rep, log, failure(err.Error(), recovery.StateStart))
		return false
	}

	cfg := recovery.DefaultConfig()
	cfg.TeardownDelay = teardownDelay
	cfg.CaptchaProbe = captchaProbe
	cfg.CaptchaTimeout = captchaTimeout

	m := recovery.NewMachine(page, cfg,
		recovery.WithLogger(log.WithName("recovery")),
		recovery.WithProgress(func(s recovery.State, msg string) {
			if msg == "" {
				rep.Logf("[%s]", s)
				return
			}
			rep.Logf("[%s] %s", s, msg)
		}),
		recovery.WithResult(func(res recovery.Result) {
			if res.Success() {
				rep.Logf("deep link: %s", res.Link)
				writeResult(rep, log, map[string]any{
					"success": true,
					"message": "deep link extracted",
					"data": map[string]any{
						"link":     res.Link,
						"provider": req.Provider,
					},
				})
				return
			}
			writeResult(rep, log, failure(res.Err.Error(), res.FailedAt))
		}),
	)
	return m.Run(ctx, req).Success()
}

func failure(msg string, at recovery.State) map[string]any {
	return map[string]any{
		"success":   false,
		"error":     msg,
		"failed_at": string(at),
	}
}

func writeResult(rep *workerproto.Reporter, log logr.Logger, v any) {
	if err := rep.Result(v); err != nil {
		log.Error(err, "writing result")
	}
}
