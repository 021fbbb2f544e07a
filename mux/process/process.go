package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrStart is returned when the worker executable cannot be launched.
var ErrStart = errors.New("starting worker process")

// DefaultKillGrace is how long Terminate waits after SIGTERM before sending SIGKILL.
const DefaultKillGrace = 5 * time.Second

type Spec struct {
	Command string
	Args    []string
	// Env is added to the environment of the current process.
	Env []string
	Dir string
	// LogFile receives the process's stderr. It is appended to, and its parent directory is created.
	// If empty, stderr is discarded.
	LogFile string

	KillGrace time.Duration
}

// Handle owns one running worker process and the pipes to its stdin and stdout.
type Handle struct {
	log  *zap.SugaredLogger
	cmd  *exec.Cmd
	spec Spec

	stdin  io.WriteCloser
	stdout *os.File

	logFile *os.File

	done     chan struct{}
	exitCode int

	terminateOnce sync.Once
}

// Start launches the process described by spec.
func Start(log *zap.SugaredLogger, spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.KillGrace == 0 {
		spec.KillGrace = DefaultKillGrace
	}

	h := &Handle{
		log:      log,
		cmd:      cmd,
		spec:     spec,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	if spec.LogFile != "" {
		err := os.MkdirAll(filepath.Dir(spec.LogFile), 0777)
		if err != nil {
			return nil, fmt.Errorf("%w: creating log dir: %s", ErrStart, err)
		}
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening log file: %s", ErrStart, err)
		}
		h.logFile = f
		cmd.Stderr = f
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.closeLog()
		return nil, fmt.Errorf("%w: creating stdin pipe: %s", ErrStart, err)
	}

	// Use our own pipe for stdout instead of cmd.StdoutPipe, since Wait closes the latter
	// and the reader must be able to drain whatever the process wrote before exiting.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		h.closeLog()
		return nil, fmt.Errorf("%w: creating stdout pipe: %s", ErrStart, err)
	}
	cmd.Stdout = stdoutW

	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdoutR.Close()
		stdin.Close()
		h.closeLog()
		return nil, fmt.Errorf("%w: %s", ErrStart, err)
	}
	h.stdin = stdin
	h.stdout = stdoutR

	log.Debugw("started worker process", "PID", cmd.Process.Pid, "Command", spec.Command, "Dir", spec.Dir)

	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.exitCode = h.cmd.ProcessState.ExitCode()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			h.log.Debugf("unexpected wait error: %s", err)
		}
	}
	h.closeLog()
	h.log.Debugf("worker process %d exited with code %d", h.cmd.Process.Pid, h.exitCode)
	close(h.done)
}

func (h *Handle) closeLog() {
	if h.logFile != nil {
		h.logFile.Close()
	}
}

func (h *Handle) Stdin() io.WriteCloser { return h.stdin }

func (h *Handle) Stdout() io.Reader { return h.stdout }

func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsAlive reports whether the OS process is still running.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code of the process, or -1 if it is still running or was killed by a signal.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

// Terminate sends SIGTERM and escalates to SIGKILL if the process is still running after the kill grace period.
// It does not wait for the process to exit.
func (h *Handle) Terminate() error {
	var err error
	h.terminateOnce.Do(func() {
		h.stdin.Close()
		if !h.IsAlive() {
			h.stdout.Close()
			return
		}
		err = h.cmd.Process.Signal(syscall.SIGTERM)
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.log.Debugf("error sending SIGTERM to %d: %s", h.PID(), err)
		} else {
			err = nil
		}
		go func() {
			defer h.stdout.Close()
			timer := time.NewTimer(h.spec.KillGrace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				h.log.Debugf("worker process %d ignored SIGTERM, killing", h.PID())
				h.cmd.Process.Kill()
			}
		}()
	})
	return err
}
