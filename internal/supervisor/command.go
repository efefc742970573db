package supervisor

import (
	"os"
	"time"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/workerproto"
)

// CommandSpec describes how to launch the worker for one task kind
type CommandSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Request is everything the supervisor needs to launch one run
type Request struct {
	RunID       string
	Kind        domain.TaskKind
	Target      domain.Target
	Mode        domain.ExecutionMode
	DownloadDir string
}

// argv returns the worker arguments following the worker contract
func (spec CommandSpec) argv(req Request) ([]string, error) {
	task, err := workerproto.EncodeTask(workerproto.Task{
		TargetID: req.Target.ID,
		Account:  req.Target.Account,
		Name:     req.Target.Name,
		Locality: req.Target.Locality,
		Params:   req.Target.Params,
	})
	if err != nil {
		return nil, err
	}

	args := append([]string(nil), spec.Args...)
	args = append(args, workerproto.FlagTargetID, req.Target.ID)
	if req.Target.Account != "" {
		args = append(args, workerproto.FlagAccount, req.Target.Account)
	}
	args = append(args, workerproto.FlagTask, task)
	if req.DownloadDir != "" {
		args = append(args, workerproto.FlagDownloadDir, req.DownloadDir)
	}
	if req.Mode.Headless() {
		args = append(args, workerproto.FlagHeadless)
	}
	return args, nil
}

func (spec CommandSpec) environ(req Request) []string {
	env := append(os.Environ(), spec.Env...)
	if req.Target.Secret != "" {
		env = append(env, workerproto.SecretEnv+"="+req.Target.Secret)
	}
	return env
}
