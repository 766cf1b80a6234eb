// Package service implements the per-service state machine and the
// spawn/stop protocol: the supervisor owns one Instance per
// ServiceSpec and drives it through Pending -> Starting -> Running ->
// Exiting -> Exited.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/whaleinit/whaleinit/config"
	"github.com/whaleinit/whaleinit/logmux"
)

// State is a ServiceInstance's lifecycle stage. It only ever advances;
// a restart (not implemented) would start a new Instance at
// Generation+1, Pending again.
type State int

const (
	Pending State = iota
	Starting
	Running
	Exiting
	Exited
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitStatus is an instance's most recent exit status.
type ExitStatus struct {
	Code     int
	Signal   unix.Signal
	Signaled bool
}

func (e *ExitStatus) String() string {
	if e == nil {
		return "none"
	}
	if e.Signaled {
		return fmt.Sprintf("signaled(%s)", e.Signal)
	}
	return fmt.Sprintf("exited(%d)", e.Code)
}

// StatusFromWaitStatus converts a reaped unix.WaitStatus into the
// ExitStatus the rest of the supervisor deals with.
func StatusFromWaitStatus(ws unix.WaitStatus) *ExitStatus {
	if ws.Signaled() {
		sig := ws.Signal()
		return &ExitStatus{Signal: sig, Signaled: true, Code: 128 + int(sig)}
	}
	return &ExitStatus{Code: ws.ExitStatus()}
}

// Instance associates a ServiceSpec with its runtime record. All
// mutation happens on the supervisor's single owning goroutine.
type Instance struct {
	Spec       *config.ServiceSpec
	Generation int
	State      State
	PID        int
	Exit       *ExitStatus

	StdoutClosed bool
	StderrClosed bool
	Reaped       bool

	StartedAt time.Time

	cmd    *exec.Cmd
	Stdout *os.File
	Stderr *os.File
}

// New creates a fresh, Pending instance for a spec.
func New(spec *config.ServiceSpec) *Instance {
	return &Instance{Spec: spec, State: Pending}
}

// ReadyToExit reports whether an instance is ready to transition to
// Exited: both streams closed AND the process reaped, in either order.
func (i *Instance) ReadyToExit() bool {
	return i.Reaped && i.StdoutClosed && i.StderrClosed
}

// CloseStream records EOF on one of the instance's two log streams.
func (i *Instance) CloseStream(stream logmux.Stream) {
	switch stream {
	case logmux.Stdout:
		i.StdoutClosed = true
	case logmux.Stderr:
		i.StderrClosed = true
	}
}

// MarkReaped records a SIGCHLD-observed waitpid result.
func (i *Instance) MarkReaped(status *ExitStatus) {
	i.Reaped = true
	i.Exit = status
}

// ErrorKind classifies why a service-level operation failed.
type ErrorKind int

const (
	ErrPreHookFailed ErrorKind = iota
	ErrSpawn
)

// Error is a service-level failure: a failed pre_hook or a failed spawn.
type Error struct {
	Kind  ErrorKind
	Title string
	Err   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrPreHookFailed:
		return fmt.Sprintf("service %s: pre_hook failed: %v", e.Title, e.Err)
	default:
		return fmt.Sprintf("service %s: spawn failed: %v", e.Title, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func mergedEnv(overlay map[string]string) []string {
	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

// RunPreHook executes a ServiceSpec's pre_hook synchronously,
// inheriting the init's environment merged with the service's env
// overlay. A non-zero exit is essential-equivalent: it aborts startup
// regardless of the service's own Essential flag.
func RunPreHook(spec *config.ServiceSpec) error {
	if spec.PreHook == "" {
		return nil
	}

	cmd := exec.Command(spec.PreHook)
	cmd.Env = mergedEnv(spec.Env)

	if err := cmd.Run(); err != nil {
		return &Error{Kind: ErrPreHookFailed, Title: spec.Title, Err: err}
	}
	return nil
}

// Spawn starts a service's process. It relies on os/exec's own
// fork/exec machinery, which already propagates execve failures back
// through an internal pipe, rather than hand-rolling fork/dup2/execve;
// Setsid makes the child a session leader so signals sent to the
// supervisor's controlling terminal, if any, do not also reach it.
//
// Spawn never waits on the child: reaping is the supervisor's
// exclusive duty, enforced by never calling cmd.Wait.
func Spawn(inst *Instance) error {
	spec := inst.Spec

	cmd := exec.Command(spec.Exec, spec.Args...)
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Error{Kind: ErrSpawn, Title: spec.Title, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &Error{Kind: ErrSpawn, Title: spec.Title, Err: err}
	}

	inst.State = Starting

	if err := cmd.Start(); err != nil {
		inst.State = Exited
		inst.Exit = &ExitStatus{Code: 127}
		return &Error{Kind: ErrSpawn, Title: spec.Title, Err: err}
	}

	inst.cmd = cmd
	inst.PID = cmd.Process.Pid
	inst.StartedAt = time.Now()
	inst.Stdout, _ = stdout.(*os.File)
	inst.Stderr, _ = stderr.(*os.File)
	inst.State = Running

	return nil
}

// Stop sends SIGTERM and transitions Running -> Exiting. The grace
// timer before escalating to SIGKILL is armed by the caller (the
// supervisor), since only it knows about other concurrent shutdowns in
// flight.
func Stop(inst *Instance) error {
	if inst.PID == 0 || inst.State != Running {
		return nil
	}
	inst.State = Exiting
	return unix.Kill(inst.PID, unix.SIGTERM)
}

// Kill sends SIGKILL unconditionally; used both for per-service grace
// timeout escalation and for the supervisor's global shutdown timeout.
func Kill(inst *Instance) error {
	if inst.PID == 0 {
		return nil
	}
	return unix.Kill(inst.PID, unix.SIGKILL)
}
