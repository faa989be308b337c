// Package runner implements the Child Runner of spec §4.2: it spawns one
// configured program, wires its stdout/stderr to Log Pumps, applies
// startup_delay/user/group/umask/directory, and exposes the stop
// protocol. A Runner never mutates ProgramState itself — it proposes
// transitions by sending state.Events on the channel the Supervisor gives
// it (spec §3 invariant, §7 propagation rule).
package runner

import (
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/logging"
	"github.com/encab/encab/internal/pump"
	"github.com/encab/encab/internal/state"
)

// OwnedPIDs is the capability a Runner uses to hand a spawned pid off to
// the Reaper (spec §4.5). Once the Reaper is running it is the sole
// caller of the wildcard Wait4(-1, ...), so a Runner must not race it by
// waiting on its own pid directly; Own's channel delivers the WaitStatus
// the Reaper observed instead.
type OwnedPIDs interface {
	Own(pid int) <-chan unix.WaitStatus
}

// Runner supervises exactly one spawn of a single program. A restart
// (restart_delay) is driven by the Supervisor with a fresh Runner.
type Runner struct {
	Name string

	cfg    config.ProgramConfig
	env    []string
	log    *logging.Logger
	owned  OwnedPIDs
	events chan<- state.ProgramEvent

	mu      sync.Mutex
	cmd     *exec.Cmd
	pid     int
	running bool
	exited  chan struct{}
}

// New returns a Runner for cfg, wired to emit lifecycle events on events
// and log output through log. owned may be nil if the supervisor is not
// PID 1 (no reaper running).
func New(cfg config.ProgramConfig, env []string, log *logging.Logger, owned OwnedPIDs, events chan<- state.ProgramEvent) *Runner {
	return &Runner{Name: cfg.Name, cfg: cfg, env: env, log: log, owned: owned, events: events, exited: make(chan struct{})}
}

// pumpSink adapts *logging.Logger to pump.Sink, and also satisfies the
// err-sink role the Pump uses for its own read-error records.
type pumpSink struct{ log *logging.Logger }

func (s pumpSink) Emit(program string, level config.LogLevel, line string) {
	s.log.Log(program, level, line)
}

// Spawn performs the spawn-ordering sequence of spec §4.2: startup_delay,
// id resolution, pipes, fork/exec. overrideArgv replaces cfg.Command when
// non-empty (the CLI override for main, spec §6). It blocks until the
// process has exited; callers run it in its own goroutine.
func (r *Runner) Spawn(ctx context.Context, overrideArgv []string) {
	if r.cfg.StartupDelay > 0 {
		select {
		case <-time.After(time.Duration(r.cfg.StartupDelay * float64(time.Second))):
		case <-ctx.Done():
			return
		}
	}

	cred, err := resolveCredential(r.cfg.User, r.cfg.Group)
	if err != nil {
		r.emit(state.Event{Kind: state.EventSpawnError, Reason: err.Error()})
		return
	}

	argv := overrideArgv
	var name string
	var args []string
	switch {
	case len(argv) > 0:
		name, args = argv[0], argv[1:]
	case r.cfg.UsesShell():
		name, args = "/bin/sh", []string{"-c", strings.Join(r.cfg.Sh, "\n")}
	case len(r.cfg.Command) > 0:
		name, args = r.cfg.Command[0], r.cfg.Command[1:]
	default:
		// Only main may validly reach here bare (validate.go permits main
		// to omit both command and sh because it expects argv from the
		// CLI override); if that override was empty too, there is nothing
		// to run.
		r.emit(state.Event{Kind: state.EventSpawnError, Reason: fmt.Sprintf("%s: no command, sh, or CLI override argv to run", r.Name)})
		return
	}

	cmd := exec.Command(name, args...)
	cmd.Env = r.env
	if r.cfg.Directory != "" {
		cmd.Dir = r.cfg.Directory
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Credential: cred}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.emit(state.Event{Kind: state.EventSpawnError, Reason: fmt.Sprintf("stdout pipe: %v", err)})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.emit(state.Event{Kind: state.EventSpawnError, Reason: fmt.Sprintf("stderr pipe: %v", err)})
		return
	}

	restoreUmask, err := applyUmask(r.cfg.Umask)
	if err != nil {
		r.emit(state.Event{Kind: state.EventSpawnError, Reason: err.Error()})
		return
	}
	startErr := cmd.Start()
	restoreUmask()

	if startErr != nil {
		r.emit(state.Event{Kind: state.EventSpawnError, Reason: startErr.Error()})
		return
	}

	r.mu.Lock()
	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.running = true
	r.mu.Unlock()

	var reaped <-chan unix.WaitStatus
	if r.owned != nil {
		reaped = r.owned.Own(r.pid)
	}
	r.emit(state.Event{Kind: state.EventAck})

	sink := pumpSink{log: r.log}
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		pump.New(r.Name, r.cfg.EffectiveLogLevel(), sink).Run(stdout, sink)
	}()
	go func() {
		defer pumps.Done()
		pump.New(r.Name, config.LevelError, sink).Run(stderr, sink)
	}()

	var waitErr error
	var reapedStatus unix.WaitStatus
	var viaReaper bool
	if reaped != nil {
		// The Reaper is the sole Wait4(-1) caller while it runs, so its
		// delivery is authoritative; wait for it before touching cmd.Wait
		// at all. cmd.Wait is still called afterward to release os/exec's
		// own bookkeeping (pipes, goroutines) — by then the pid has
		// already been reaped, so it is expected to return an
		// "already reaped" error, which is discarded (canonical-pebble's
		// WaitCommand pattern).
		reapedStatus = <-reaped
		viaReaper = true
		_ = cmd.Wait()
	} else {
		waitErr = cmd.Wait()
	}
	close(r.exited)

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	pumpsDone := make(chan struct{})
	go func() {
		pumps.Wait()
		close(pumpsDone)
	}()
	select {
	case <-pumpsDone:
	case <-time.After(time.Duration(r.cfg.EffectiveJoinTime() * float64(time.Second))):
		r.log.Warnf("encab", "%s: log pumps did not drain within join_time", r.Name)
	}

	if viaReaper {
		r.reportExitStatus(reapedStatus)
		return
	}
	r.reportExit(waitErr)
}

func (r *Runner) reportExit(waitErr error) {
	if waitErr == nil {
		r.emit(state.Event{Kind: state.EventExit, ExitCode: 0})
		return
	}
	var exitErr *exec.ExitError
	if !asExitError(waitErr, &exitErr) {
		r.emit(state.Event{Kind: state.EventSpawnError, Reason: waitErr.Error()})
		return
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		r.emit(state.Event{Kind: state.EventExit, ExitCode: exitErr.ExitCode()})
		return
	}
	if ws.Signaled() {
		r.emit(state.Event{Kind: state.EventCrash, Signal: int(ws.Signal())})
		return
	}
	r.emit(state.Event{Kind: state.EventExit, ExitCode: ws.ExitStatus()})
}

// reportExitStatus is reportExit's counterpart for a WaitStatus delivered
// directly by the Reaper rather than observed via cmd.Wait's error.
func (r *Runner) reportExitStatus(ws unix.WaitStatus) {
	if ws.Signaled() {
		r.emit(state.Event{Kind: state.EventCrash, Signal: int(ws.Signal())})
		return
	}
	r.emit(state.Event{Kind: state.EventExit, ExitCode: ws.ExitStatus()})
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

func (r *Runner) emit(ev state.Event) {
	if r.events != nil {
		r.events <- state.ProgramEvent{Program: r.Name, Event: ev}
	}
}

// PID returns the current process id, or 0 if not running.
func (r *Runner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return 0
	}
	return r.pid
}

// Stop implements the stop protocol of spec §4.2: SIGTERM, wait up to
// joinTime, SIGKILL, wait unbounded. It returns once the process has
// exited, as observed by Spawn's own cmd.Wait goroutine closing Exited().
func (r *Runner) Stop(joinTime float64) {
	pid := r.PID()
	if pid == 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-r.exited:
		return
	case <-time.After(time.Duration(joinTime * float64(time.Second))):
	}

	pid = r.PID()
	if pid == 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	<-r.exited
}

// Exited returns a channel closed once cmd.Wait() has returned — i.e. the
// process itself has exited (log pumps may still be draining).
func (r *Runner) Exited() <-chan struct{} { return r.exited }

// Kill immediately sends SIGKILL to the process group. The Supervisor does
// not call it; a second shutdown signal does not reach it.
func (r *Runner) Kill() {
	if pid := r.PID(); pid != 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func resolveCredential(userSpec, groupSpec *string) (*syscall.Credential, error) {
	if userSpec == nil && groupSpec == nil {
		return nil, nil
	}
	var uid, gid int
	var err error
	if userSpec != nil {
		uid, err = resolveID(*userSpec, user.Lookup, func(u *user.User) string { return u.Uid })
		if err != nil {
			return nil, fmt.Errorf("resolve user %q: %w", *userSpec, err)
		}
	}
	if groupSpec != nil {
		gid, err = resolveID(*groupSpec, user.LookupGroup, func(g *user.Group) string { return g.Gid })
		if err != nil {
			return nil, fmt.Errorf("resolve group %q: %w", *groupSpec, err)
		}
	} else if userSpec != nil {
		// Fall back to the resolved user's primary group when group is
		// unset but user is.
		if u, lookupErr := user.Lookup(*userSpec); lookupErr == nil {
			if g, convErr := strconv.Atoi(u.Gid); convErr == nil {
				gid = g
			}
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

func resolveID[T any](spec string, lookup func(string) (T, error), field func(T) string) (int, error) {
	if n, err := strconv.Atoi(spec); err == nil {
		return n, nil
	}
	looked, err := lookup(spec)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(field(looked))
}

// applyUmask sets the process umask for the duration of a spawn, per spec
// §3 (ProgramConfig.umask). It returns a restore function. Since umask is
// process-wide, concurrent spawns racing on it is a known, accepted
// limitation — the same one the underlying syscall has for any process.
func applyUmask(raw *string) (func(), error) {
	val, err := config.ParseUmask(raw)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return func() {}, nil
	}
	old := syscall.Umask(*val)
	return func() { syscall.Umask(old) }, nil
}

// ExitDescription renders a human-readable summary of a terminal
// state.Result, used by the Supervisor for the "Exited with rc: N" style
// records in spec §8 scenario 1.
func ExitDescription(st state.State, res state.Result) string {
	switch st {
	case state.Exited:
		return fmt.Sprintf("Exited with rc: %d", res.ExitCode)
	case state.Crashed:
		return fmt.Sprintf("Crashed with signal: %d", res.Signal)
	case state.Failed:
		return fmt.Sprintf("Failed: %s", res.Reason)
	default:
		return st.String()
	}
}
