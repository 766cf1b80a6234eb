// Package supervisor is the PID-1 body of whaleinit: it owns the
// signal mask, the SIGCHLD reap loop, the collection of
// service.Instances, and the shutdown sequencing that ties the two
// together.
package supervisor

import (
	"fmt"
	"io"
	"os"
	osignal "os/signal"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/whaleinit/whaleinit/config"
	"github.com/whaleinit/whaleinit/logmux"
	"github.com/whaleinit/whaleinit/service"
	whalesignal "github.com/whaleinit/whaleinit/signal"
)

// DefaultShutdownTimeout is the global shutdown timer, armed from the
// moment graceful shutdown begins.
const DefaultShutdownTimeout = 30 * time.Second

// prSetChildSubreaper is PR_SET_CHILD_SUBREAPER from prctl(2), not
// exposed as a named constant by golang.org/x/sys/unix.
const prSetChildSubreaper = 36

// ErrorKind classifies a fatal supervisor-level failure.
type ErrorKind int

const (
	ErrStartupAborted ErrorKind = iota
	ErrInternal
)

// Error wraps a fatal supervisor-level failure; Run still returns a
// usable exit code alongside it.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Options configures a Supervisor. Stdout/Stderr default to the
// process's own streams; tests substitute buffers.
type Options struct {
	Log             hclog.Logger
	ShutdownTimeout time.Duration
	Stdout          io.Writer
	Stderr          io.Writer
}

type shutdownTrigger struct {
	kind   string // "signal", "essential", "internal"
	sig    unix.Signal
	status *service.ExitStatus
}

type timeoutEvent struct {
	global     bool
	instance   *service.Instance
	generation int
}

// Supervisor is the single owner of every ServiceInstance's mutable
// state: every mutation happens on the goroutine running Run's select
// loop, never from a reader or timer goroutine directly.
type Supervisor struct {
	log    hclog.Logger
	stdout io.Writer
	stderr io.Writer

	instances []*service.Instance
	byPID     map[int]*service.Instance
	byTitle   map[string]*service.Instance

	logEvents chan logmux.Event
	sigCh     chan os.Signal
	timeoutCh chan timeoutEvent

	shutdownTimeout time.Duration
	shuttingDown    bool
	exitCode        int
}

// New constructs a Supervisor over a loaded, already-template-rendered
// Config. It does not spawn anything; call Run to take over the
// process.
func New(cfg *config.Config, opts Options) *Supervisor {
	if opts.Log == nil {
		opts.Log = hclog.NewNullLogger()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	runID := uuid.New().String()

	s := &Supervisor{
		log:             opts.Log.With("run_id", runID),
		stdout:          opts.Stdout,
		stderr:          opts.Stderr,
		byPID:           make(map[int]*service.Instance),
		byTitle:         make(map[string]*service.Instance),
		logEvents:       make(chan logmux.Event, 256),
		sigCh:           make(chan os.Signal, 16),
		timeoutCh:       make(chan timeoutEvent, 16),
		shutdownTimeout: opts.ShutdownTimeout,
	}

	for _, spec := range cfg.Services {
		inst := service.New(spec)
		s.instances = append(s.instances, inst)
		s.byTitle[spec.Title] = inst
	}

	return s
}

// Run installs signal handling, spawns every service in discovery
// order, then drives the main loop until every instance has reached
// Exited. It returns the process exit code.
func (s *Supervisor) Run() (int, error) {
	if err := setChildSubreaper(); err != nil {
		s.log.Warn("failed to mark process as child subreaper", "error", err)
	}

	osignal.Notify(s.sigCh, asOSSignals(whalesignal.Watched)...)
	defer osignal.Stop(s.sigCh)

	if code, err := s.startup(); err != nil {
		return code, err
	}

	for !s.allExited() {
		select {
		case sig := <-s.sigCh:
			s.handleSignal(sig)
		case ev := <-s.logEvents:
			s.handleLogEvent(ev)
		case ev := <-s.timeoutCh:
			s.handleTimeout(ev)
		}
	}

	return s.exitCode, nil
}

func (s *Supervisor) startup() (int, error) {
	spawnedAny := false

	for _, inst := range s.instances {
		if sig := s.pollTerminationDuringStartup(); sig != 0 {
			s.log.Info("termination signal received during startup, aborting further spawns", "signal", whalesignal.Name(sig))
			s.initiateShutdown(shutdownTrigger{kind: "signal", sig: sig})
			return 0, nil
		}

		if err := service.RunPreHook(inst.Spec); err != nil {
			s.log.Error("pre_hook failed, aborting startup", "title", inst.Spec.Title, "error", err)
			return 66, &Error{Kind: ErrStartupAborted, Err: err}
		}

		if err := service.Spawn(inst); err != nil {
			if !spawnedAny {
				s.log.Error("failed to spawn first service", "title", inst.Spec.Title, "error", err)
				return 71, &Error{Kind: ErrStartupAborted, Err: err}
			}

			s.log.Error("failed to spawn service, treating as failed exit", "title", inst.Spec.Title, "error", err)
			if inst.Spec.Essential {
				s.initiateShutdown(shutdownTrigger{kind: "essential", status: inst.Exit})
			}
			if s.shuttingDown {
				return 0, nil
			}
			continue
		}

		spawnedAny = true
		s.byPID[inst.PID] = inst
		s.startLogReaders(inst)
		s.log.Info("service started", "title", inst.Spec.Title, "pid", inst.PID)
	}

	return 0, nil
}

// pollTerminationDuringStartup drains every signal already queued,
// without blocking, so nothing sent while we are still spawning
// services waits for the main loop to start. A SIGCHLD is reaped
// immediately, since an already-spawned instance can exit mid-startup;
// any other non-termination signal goes through the normal dispatch.
// The first termination signal found stops the drain and is returned
// so the caller can abort further spawns.
func (s *Supervisor) pollTerminationDuringStartup() unix.Signal {
	for {
		select {
		case sig := <-s.sigCh:
			if us, ok := sig.(unix.Signal); ok && isTerminationSignal(us) {
				return us
			}
			s.handleSignal(sig)
		default:
			return 0
		}
	}
}

func isTerminationSignal(sig unix.Signal) bool {
	switch sig {
	case unix.SIGTERM, unix.SIGINT, unix.SIGQUIT:
		return true
	default:
		return false
	}
}

func (s *Supervisor) startLogReaders(inst *service.Instance) {
	stdout := &logmux.Reader{Title: inst.Spec.Title, Stream: logmux.Stdout, Source: inst.Stdout}
	stderr := &logmux.Reader{Title: inst.Spec.Title, Stream: logmux.Stderr, Source: inst.Stderr}
	stdout.Start(s.logEvents)
	stderr.Start(s.logEvents)
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	us, ok := sig.(unix.Signal)
	if !ok {
		return
	}

	switch us {
	case unix.SIGCHLD:
		s.reap()
	case unix.SIGTERM, unix.SIGINT, unix.SIGQUIT:
		if s.shuttingDown {
			s.log.Warn("second termination signal received, escalating to SIGKILL", "signal", whalesignal.Name(us))
			s.killAllRunning()
			return
		}
		s.log.Info("termination signal received, starting graceful shutdown", "signal", whalesignal.Name(us))
		s.initiateShutdown(shutdownTrigger{kind: "signal", sig: us})
	case unix.SIGHUP:
		s.log.Debug("SIGHUP received, ignored (reload not supported)", "instances", spew.Sdump(s.instances))
	}
}

func (s *Supervisor) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				return
			}
			s.log.Error("unexpected error waiting for children", "error", err)
			s.initiateShutdown(shutdownTrigger{kind: "internal"})
			return
		}
		if pid <= 0 {
			return
		}

		inst, ok := s.byPID[pid]
		if !ok {
			s.log.Debug("reaped pid with no known instance (adopted orphan)", "pid", pid)
			continue
		}

		status := service.StatusFromWaitStatus(ws)
		inst.MarkReaped(status)
		s.log.Debug("reaped child", "title", inst.Spec.Title, "pid", pid, "status", status.String())
		s.checkExited(inst)
	}
}

func (s *Supervisor) handleLogEvent(ev logmux.Event) {
	if !ev.Closed {
		out := s.stdout
		if ev.Stream == logmux.Stderr {
			out = s.stderr
		}
		if err := logmux.Emit(out, ev.Title, ev.Line); err != nil {
			s.log.Error("failed writing tagged log line", "title", ev.Title, "error", err)
		}
		return
	}

	inst, ok := s.byTitle[ev.Title]
	if !ok {
		return
	}
	inst.CloseStream(ev.Stream)
	s.checkExited(inst)
}

func (s *Supervisor) handleTimeout(ev timeoutEvent) {
	if ev.global {
		if s.shuttingDown {
			s.log.Warn("global shutdown timeout elapsed, sending SIGKILL to remaining services")
			s.killAllRunning()
		}
		return
	}

	inst := ev.instance
	if inst.Generation != ev.generation {
		return
	}
	if inst.State == service.Exiting {
		s.log.Warn("per-service stop timeout elapsed, sending SIGKILL", "title", inst.Spec.Title)
		if err := service.Kill(inst); err != nil {
			s.log.Error("failed to send SIGKILL", "title", inst.Spec.Title, "error", err)
		}
	}
}

// checkExited transitions an instance to Exited once both of its
// streams are closed and it has been reaped, and triggers shutdown if
// it was essential.
func (s *Supervisor) checkExited(inst *service.Instance) {
	if inst.State == service.Exited {
		return
	}
	if !inst.ReadyToExit() {
		return
	}

	inst.State = service.Exited
	s.log.Info("service exited", "title", inst.Spec.Title, "status", inst.Exit.String())

	if inst.Spec.Essential {
		s.initiateShutdown(shutdownTrigger{kind: "essential", status: inst.Exit})
	}
}

func (s *Supervisor) initiateShutdown(trigger shutdownTrigger) {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true

	switch trigger.kind {
	case "signal":
		s.exitCode = whalesignal.ExitCode(trigger.sig)
	case "essential":
		if trigger.status != nil {
			s.exitCode = trigger.status.Code
		}
	case "internal":
		s.exitCode = 70
	}

	s.skipUnspawned()
	s.stopRunningReverse()
	s.armGlobalTimeout()
}

// skipUnspawned marks any instance that never left Pending as Exited
// directly: a service not yet spawned when shutdown begins must never
// be spawned at all.
func (s *Supervisor) skipUnspawned() {
	for _, inst := range s.instances {
		if inst.State == service.Pending {
			inst.State = service.Exited
		}
	}
}

// stopRunningReverse sends SIGTERM to every Running instance in
// reverse discovery order (LIFO), and arms each one's own per-service
// grace timer.
func (s *Supervisor) stopRunningReverse() {
	for i := len(s.instances) - 1; i >= 0; i-- {
		inst := s.instances[i]
		if inst.State != service.Running {
			continue
		}
		if err := service.Stop(inst); err != nil {
			s.log.Error("failed to send SIGTERM", "title", inst.Spec.Title, "error", err)
			continue
		}
		s.armStopTimeout(inst)
	}
}

func (s *Supervisor) armStopTimeout(inst *service.Instance) {
	gen := inst.Generation
	timeout := inst.Spec.StopTimeout
	if timeout <= 0 {
		timeout = config.DefaultStopTimeout
	}
	time.AfterFunc(timeout, func() {
		s.timeoutCh <- timeoutEvent{instance: inst, generation: gen}
	})
}

func (s *Supervisor) armGlobalTimeout() {
	time.AfterFunc(s.shutdownTimeout, func() {
		s.timeoutCh <- timeoutEvent{global: true}
	})
}

func (s *Supervisor) killAllRunning() {
	for _, inst := range s.instances {
		if inst.State == service.Running || inst.State == service.Exiting {
			if err := service.Kill(inst); err != nil {
				s.log.Error("failed to send SIGKILL", "title", inst.Spec.Title, "error", err)
			}
		}
	}
}

func (s *Supervisor) allExited() bool {
	for _, inst := range s.instances {
		if inst.State != service.Exited {
			return false
		}
	}
	return true
}

func asOSSignals(sigs []unix.Signal) []os.Signal {
	out := make([]os.Signal, len(sigs))
	for i, s := range sigs {
		out[i] = s
	}
	return out
}

func setChildSubreaper() error {
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, prSetChildSubreaper, 1, 0)
	if errno != 0 {
		return fmt.Errorf("prctl(PR_SET_CHILD_SUBREAPER): %w", errno)
	}
	return nil
}
