// Package reaper adopts and waits on orphaned descendants inherited
// because the supervisor runs as PID 1 (spec §4.5). Once started it is
// the sole caller of the wildcard Wait4(-1, ...): a Child Runner cannot
// be allowed to race it for a pid's exit status, since wait4 is
// destructive and whichever caller's syscall lands first consumes it out
// from under the other. So a Runner no longer waits on its own owned pid
// directly; it registers the pid via Own and receives its WaitStatus over
// the returned channel once the Reaper itself reaps it (spec §5's "only
// the Reaper consumes a tracked exit status").
//
// Grounded on the teacher's reapUntilChildExit/drainZombiesNonBlock
// (psi.go) and, for the owned-pid handoff, directly on canonical-pebble's
// reaper.WaitCommand (other_examples reaper.go): pebble's reaper is also
// the only Wait4(-1) caller, and callers that started the child via
// os/exec register a channel and block on it before ever calling
// cmd.Wait(), which is called afterward purely to release os/exec's own
// bookkeeping and is expected to return an "already reaped" error.
package reaper

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/encab/encab/internal/logging"
)

// Reaper runs as long as the Supervisor is in steady state. Start it only
// when running as PID 1 and at least one program has reap_zombies set.
type Reaper struct {
	log *logging.Logger

	mu    sync.Mutex
	waits map[int]chan unix.WaitStatus

	sigCh chan os.Signal
	stop  chan struct{}
	done  chan struct{}
}

// New constructs a Reaper that logs adoption/reap events through log.
func New(log *logging.Logger) *Reaper {
	return &Reaper{
		log:   log,
		waits: make(map[int]chan unix.WaitStatus),
		sigCh: make(chan os.Signal, 8),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Own registers pid as owned by a Child Runner and returns a channel that
// receives pid's WaitStatus once the Reaper reaps it. The channel is
// buffered by one so the Reaper's delivery never blocks on a Runner that
// stops listening.
func (r *Reaper) Own(pid int) <-chan unix.WaitStatus {
	ch := make(chan unix.WaitStatus, 1)
	r.mu.Lock()
	r.waits[pid] = ch
	r.mu.Unlock()
	return ch
}

// Start begins the reap loop in a new goroutine. It returns immediately.
func (r *Reaper) Start() {
	signal.Notify(r.sigCh, unix.SIGCHLD)
	go r.loop()
}

// Stop terminates the reap loop; it blocks until the loop has exited.
// Per spec §4.5, "The Reaper terminates only when the Supervisor enters
// final teardown."
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
	signal.Stop(r.sigCh)
}

func (r *Reaper) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.sigCh:
			r.reapOnce()
		case <-r.stop:
			return
		}
	}
}

// reapOnce drains every reapable child with a non-blocking Wait4, handing
// each status to its owning Runner if one registered via Own, logging
// unowned (orphan) reaps at DEBUG, and stops once WNOHANG reports nothing
// left or there are no children at all.
func (r *Reaper) reapOnce() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.ECHILD:
			return
		case err == unix.EINTR:
			continue
		case err != nil:
			return
		case pid <= 0:
			return
		}

		r.mu.Lock()
		ch := r.waits[pid]
		delete(r.waits, pid)
		r.mu.Unlock()

		if ch != nil {
			ch <- ws
			continue
		}

		exitCode := ws.ExitStatus()
		if ws.Signaled() {
			exitCode = 128 + int(ws.Signal())
		}
		if r.log != nil {
			r.log.Debugf("encab", "reaped orphan pid %d, exit status %d", pid, exitCode)
		}
	}
}
