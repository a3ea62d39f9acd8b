package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/logger"
)

// StartSpec declares how to launch one worker process. It is built fresh for
// every (re)start and never modified after Spawn.
type StartSpec struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string
	// PidFile is written after spawn and removed once the process is reaped.
	PidFile string
	// LogFile receives stdout and stderr; empty inherits ours.
	LogFile string
}

// SpecFunc produces the StartSpec for the next spawn.
type SpecFunc func(ctx context.Context) (StartSpec, error)

// StaticSpec returns a SpecFunc that always yields spec.
func StaticSpec(spec StartSpec) SpecFunc {
	return func(context.Context) (StartSpec, error) { return spec, nil }
}

// Process is a live OS process under supervision.
type Process struct {
	cmd     *exec.Cmd
	spec    StartSpec
	started time.Time
	logFile *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	cleanupOnce sync.Once
}

// Spawn launches spec in its own process group and writes the pid file.
func Spawn(spec StartSpec) (*Process, error) {
	if spec.Path == "" {
		return nil, errors.New(errors.ErrCodeSpawnFailed, "Spawn", "empty executable path", nil)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	cmd.Dir = spec.Dir
	configureProcAttr(cmd)

	p := &Process{cmd: cmd, spec: spec, done: make(chan struct{}), exitCode: -1}

	var out io.Writer = os.Stdout
	var errOut io.Writer = os.Stderr
	if spec.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0o755); err != nil {
			return nil, errors.New(errors.ErrCodeSpawnFailed, "Spawn", "create log dir", err)
		}
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.New(errors.ErrCodeSpawnFailed, "Spawn", "open log file", err)
		}
		p.logFile = f
		out, errOut = f, f
	}
	cmd.Stdout = out
	cmd.Stderr = errOut

	logger.Log.Info("Supervisor: Forking process", "cmd", spec.Path, "args", spec.Args)
	if err := cmd.Start(); err != nil {
		if p.logFile != nil {
			p.logFile.Close()
		}
		return nil, errors.New(errors.ErrCodeSpawnFailed, "Spawn", spec.Path, err)
	}
	p.started = time.Now()

	if spec.PidFile != "" {
		if err := os.WriteFile(spec.PidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
			logger.Log.Warn("Supervisor: Could not write pid file", "path", spec.PidFile, "err", err)
		}
	}

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.waitErr = err
	p.cleanup()
	close(p.done)
}

func (p *Process) cleanup() {
	p.cleanupOnce.Do(func() {
		if p.spec.PidFile != "" {
			_ = os.Remove(p.spec.PidFile)
		}
		if p.logFile != nil {
			p.logFile.Close()
		}
	})
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is the exit status once exited; -1 while running or when the
// process was killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.exitCode
}

func (p *Process) Uptime() time.Duration { return time.Since(p.started) }

func (p *Process) StartedAt() time.Time { return p.started }

// Stop asks the process group to shut down gracefully.
func (p *Process) Stop() error {
	if p.Exited() {
		return nil
	}
	logger.Log.Info("Supervisor: Sending graceful stop", "pid", p.Pid())
	return signalGraceful(p.cmd.Process)
}

// Kill force-kills the process group.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	logger.Log.Warn("Supervisor: Force killing", "pid", p.Pid())
	return forceKill(p.cmd.Process)
}

// Wait blocks until the process has been reaped and returns its wait error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Terminate stops the process gracefully, force-kills it after grace and
// always waits for it to be reaped. The pid file is gone on return.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := p.Stop(); err != nil {
		logger.Log.Warn("Supervisor: Graceful stop failed", "pid", p.Pid(), "err", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := p.Kill(); err != nil {
		logger.Log.Error("Supervisor: Force kill failed", "pid", p.Pid(), "err", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("process %d did not exit after kill", p.Pid())
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
