package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellOutput      = 4 << 10
)

// Shell runs configured commands through the system shell.
// A status command exiting 0 means online, any other exit code offline.
type Shell struct {
	start   string
	stop    string
	status  string
	dir     string
	env     []string
	timeout time.Duration
	logger  logger.Logger
}

func NewShell(api domain.ControlAPI, log logger.Logger) (*Shell, error) {
	if strings.TrimSpace(api.StartCommand) == "" {
		return nil, domain.NewConfigError("", "control_api.start_command", "required for shell")
	}
	if strings.TrimSpace(api.StopCommand) == "" {
		return nil, domain.NewConfigError("", "control_api.stop_command", "required for shell")
	}
	if api.WorkingDirectory != "" {
		if fi, err := os.Stat(api.WorkingDirectory); err != nil || !fi.IsDir() {
			return nil, domain.NewConfigError("", "control_api.working_directory", "not a directory: %s", api.WorkingDirectory)
		}
	}

	timeout := api.CommandTimeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}

	keys := make([]string, 0, len(api.Environment))
	for k := range api.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+api.Environment[k])
	}

	return &Shell{
		start:   api.StartCommand,
		stop:    api.StopCommand,
		status:  api.StatusCommand,
		dir:     api.WorkingDirectory,
		env:     env,
		timeout: timeout,
		logger:  log,
	}, nil
}

func (s *Shell) Execute(ctx context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error) {
	switch cmd.Action {
	case domain.ActionStart:
		_, err := s.run(ctx, "start", s.start)
		return domain.StatusPayload{}, err
	case domain.ActionStop:
		_, err := s.run(ctx, "stop", s.stop)
		return domain.StatusPayload{}, err
	case domain.ActionStatus:
		return s.runStatus(ctx)
	default:
		return domain.StatusPayload{}, domain.NewControlError(domain.ErrUnknown, fmt.Errorf("unsupported action %q", cmd.Action))
	}
}

func (s *Shell) runStatus(ctx context.Context) (domain.StatusPayload, error) {
	if s.status == "" {
		return domain.StatusPayload{State: domain.PanelUnknown}, nil
	}

	out, err := s.run(ctx, "status", s.status)
	if err == nil {
		return domain.StatusPayload{State: domain.PanelOnline, Raw: out}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return domain.StatusPayload{State: domain.PanelOffline, Raw: out}, nil
	}
	return domain.StatusPayload{}, err
}

func (s *Shell) run(ctx context.Context, name, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	c := shellCommand(ctx, command)
	c.Dir = s.dir
	c.Env = s.env

	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf
	c.WaitDelay = time.Second

	start := time.Now()
	err := c.Run()
	out := strings.TrimSpace(truncate(buf.String(), maxShellOutput))

	if err == nil {
		s.logger.Debug("shell command succeeded",
			logger.String("command", name),
			logger.Duration("elapsed", time.Since(start)))
		return out, nil
	}

	if ctx.Err() != nil {
		return out, transportError(ctx, fmt.Errorf("%s command: %w", name, ctx.Err()))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.logger.Debug("shell command exited non-zero",
			logger.String("command", name),
			logger.Int("exit_code", exitErr.ExitCode()),
			logger.String("output", out))
		return out, domain.NewControlError(domain.ErrUnknown, fmt.Errorf("%s command exited %d: %w", name, exitErr.ExitCode(), exitErr))
	}
	return out, domain.NewControlError(domain.ErrUnknown, fmt.Errorf("%s command: %w", name, err))
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd.exe", "/c", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
