// Package supervisor implements the Supervisor of spec §4.4: it owns the
// startup sequence (extensions, environment, helpers, main), the
// steady-state wait, and the shutdown sequence, and is the sole mutator
// of every program's state.Machine (spec §3 invariant).
//
// Grounded on psi.go's runAsInit orchestration loop (spawn, wait, signal,
// reap, exit) generalized from "one child" to "N declared programs plus
// a reaper plus an extension host", in the teacher's plain-struct,
// message-passing style (spec §5).
package supervisor

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/envbuild"
	"github.com/encab/encab/internal/extension"
	"github.com/encab/encab/internal/logging"
	"github.com/encab/encab/internal/reaper"
	"github.com/encab/encab/internal/runner"
	"github.com/encab/encab/internal/signals"
	"github.com/encab/encab/internal/state"
)

// Supervisor orchestrates one run of the configured programs.
type Supervisor struct {
	doc *config.Document
	log *logging.Logger
	host *extension.Host

	reaper *reaper.Reaper
	router *signals.Router

	events chan state.ProgramEvent

	mu       sync.Mutex
	machines map[string]*state.Machine
	runners  map[string]*runner.Runner
	waiters  map[string][]chan struct{}

	globalEnv map[string]*string

	shuttingDown atomic.Bool

	done chan struct{}
}

// New returns a Supervisor for doc, logging through log. doc should
// already be Validate()'d and Normalize()'d by the caller.
func New(doc *config.Document, log *logging.Logger) *Supervisor {
	return &Supervisor{
		doc:      doc,
		log:      log,
		host:     extension.NewHost(log),
		events:   make(chan state.ProgramEvent, 64),
		machines: make(map[string]*state.Machine),
		runners:  make(map[string]*runner.Runner),
		waiters:  make(map[string][]chan struct{}),
		done:     make(chan struct{}),
	}
}

// handle adapts Supervisor to extension.Handle for the Extend hook.
type handle struct{ s *Supervisor }

func (h handle) Logger() *logging.Logger  { return h.s.log }
func (h handle) Done() <-chan struct{}    { return h.s.done }

// Run executes the full startup/steady-state/shutdown sequence (spec
// §4.4) and returns the process exit code (spec §6).
func (s *Supervisor) Run(ctx context.Context, cliOverride []string) int {
	go s.eventLoop(ctx)
	defer close(s.done)

	s.log.Infof("encab", "starting...")

	if err := s.host.Discover(s.doc); err != nil {
		s.log.Errorf("encab", "%v", err)
		return 1
	}
	if err := s.host.ValidateAll(); err != nil {
		s.log.Errorf("encab", "%v", err)
		return 1
	}
	if err := s.host.ConfigureAll(); err != nil {
		s.log.Errorf("encab", "%v", err)
		return 1
	}

	globalEnv, err := s.buildGlobalEnv()
	if err != nil {
		s.log.Errorf("encab", "environment: %v", err)
		return 1
	}
	s.globalEnv = globalEnv

	doc, err := s.host.UpdateConfig(s.doc)
	if err != nil {
		s.log.Errorf("encab", "%v", err)
		return 1
	}
	s.doc = doc

	s.applySecrets()

	if s.doc.Encab.DryRun {
		for _, name := range s.host.Names() {
			s.log.Infof("encab", "%s: settings are valid.", name)
		}
		s.log.Infof("encab", "encab: settings are valid.")
		s.log.Infof("encab", "Dry run succeeded. Exiting.")
		s.log.Drain()
		return 0
	}

	if os.Getpid() == 1 && s.anyReapZombies() {
		s.reaper = reaper.New(s.log)
		s.reaper.Start()
		defer s.reaper.Stop()
	}

	s.router = signals.New()
	defer s.router.Stop()

	if err := s.host.ExtendAll(handle{s}); err != nil {
		s.log.Errorf("encab", "extension extend: %v", err)
		return 1
	}

	if aborted := s.startHelpers(ctx); aborted {
		s.stopHelpers()
		s.log.Drain()
		return 1
	}

	s.startMain(ctx, cliOverride)

	viaSignal := s.waitSteadyState()

	if s.doc.Encab.HaltOnExit && !viaSignal && s.stateOf(config.MainProgramName).Terminal() {
		s.log.Infof("encab", "main exited; halt_on_exit is set, waiting for external signal")
		s.waitForShutdownSignal()
	}

	s.shuttingDown.Store(true)
	s.log.Infof("encab", "shutting down...")
	s.stopHelpers()

	code := s.exitCode()
	s.log.Drain()
	return code
}

func (s *Supervisor) anyReapZombies() bool {
	for _, p := range s.doc.Programs {
		if p.ReapZombies {
			return true
		}
	}
	return false
}

func (s *Supervisor) buildGlobalEnv() (map[string]*string, error) {
	base := envbuild.BuildMap(
		envbuild.ProcessLayer(os.Environ()),
		envbuild.ConfigLayer("encab", s.doc.Encab.Environment),
	)
	return s.host.UpdateEnvironment(toPtrMap(base), s.doc.Programs)
}

func (s *Supervisor) applySecrets() {
	sanitizer, ok := s.host.Get("log_sanitizer").(*extension.LogSanitizer)
	if !ok {
		return
	}
	combined := make(map[string]string)
	for k, v := range s.globalEnv {
		if v != nil {
			combined[k] = *v
		}
	}
	for _, p := range s.doc.Programs {
		for k, v := range p.Environment {
			if v != nil {
				combined[k] = *v
			}
		}
	}
	sanitizer.SetSecrets(combined)
}

func toPtrMap(m map[string]string) map[string]*string {
	out := make(map[string]*string, len(m))
	for k, v := range m {
		val := v
		out[k] = &val
	}
	return out
}

func (s *Supervisor) envFor(name string) []string {
	cfg := s.doc.Programs[name]
	return envbuild.Build(
		envbuild.Layer{Name: "global", Vars: s.globalEnv},
		envbuild.ConfigLayer("program", cfg.Environment),
	)
}

// startHelpers starts every non-main program in declared order, waiting
// up to each one's join_time for Running (or terminal) before starting
// the next (spec §4.4 step 7). Returns true if startup was aborted
// because a helper reached Failed/Crashed.
func (s *Supervisor) startHelpers(ctx context.Context) bool {
	for _, name := range s.doc.HelperNames() {
		cfg := s.doc.Programs[name]
		s.spawn(ctx, name, cfg, nil)
		s.waitFor(name, time.Duration(cfg.EffectiveJoinTime()*float64(time.Second)), func(st state.State) bool {
			return st == state.Running || st.Terminal()
		})
		if st := s.stateOf(name); st == state.Failed || st == state.Crashed {
			s.log.Errorf("encab", "%s: %s during startup, aborting", name, st)
			return true
		}
	}
	return false
}

func (s *Supervisor) startMain(ctx context.Context, cliOverride []string) {
	cfg := s.doc.Programs[config.MainProgramName]
	s.spawn(ctx, config.MainProgramName, cfg, cliOverride)
	s.waitFor(config.MainProgramName, time.Duration(cfg.EffectiveJoinTime()*float64(time.Second)), func(st state.State) bool {
		return st == state.Running || st.Terminal()
	})
}

func (s *Supervisor) spawn(ctx context.Context, name string, cfg config.ProgramConfig, overrideArgv []string) {
	s.mu.Lock()
	s.machines[name] = state.NewMachine()
	s.mu.Unlock()
	s.applyEvent(name, state.Event{Kind: state.EventSpawn})

	var owned runner.OwnedPIDs
	if s.reaper != nil {
		owned = s.reaper
	}
	r := runner.New(cfg, s.envFor(name), s.log, owned, s.events)
	s.mu.Lock()
	s.runners[name] = r
	s.mu.Unlock()
	go r.Spawn(ctx, overrideArgv)
}

// waitSteadyState blocks until main reaches a terminal state or a
// shutdown signal arrives (spec §4.4 "Steady state"). Returns true if
// the wait ended because of a signal. CommandForceKill is handled the same
// as CommandShutdown; no immediate kill of the children is sent.
func (s *Supervisor) waitSteadyState() bool {
	for {
		if s.stateOf(config.MainProgramName).Terminal() {
			return false
		}
		select {
		case <-s.subscribe(config.MainProgramName):
			continue
		case cmd := <-s.router.Commands:
			if cmd == signals.CommandShutdown || cmd == signals.CommandForceKill {
				return true
			}
		}
	}
}

func (s *Supervisor) waitForShutdownSignal() {
	for cmd := range s.router.Commands {
		if cmd == signals.CommandShutdown || cmd == signals.CommandForceKill {
			return
		}
	}
}

// stopHelpers stops every helper in reverse declared order (spec §4.4
// "Ordering guarantees"), each stop running concurrently with the next
// one's start ("stopped in parallel with it").
func (s *Supervisor) stopHelpers() {
	names := s.doc.HelperNames()
	var wg sync.WaitGroup
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stopProgram(name)
		}()
	}
	wg.Wait()
}

func (s *Supervisor) stopProgram(name string) {
	s.mu.Lock()
	r := s.runners[name]
	st := s.machines[name]
	s.mu.Unlock()
	if r == nil || st == nil || st.Current().Terminal() {
		return
	}
	s.applyEvent(name, state.Event{Kind: state.EventStopRequest})
	cfg := s.doc.Programs[name]
	sub := s.subscribe(name)
	r.Stop(cfg.EffectiveJoinTime())
	select {
	case <-sub:
	case <-time.After(time.Duration(cfg.EffectiveJoinTime() * float64(time.Second))):
	}
}

// exitCode maps main's final state to the process exit code (spec §6).
func (s *Supervisor) exitCode() int {
	if s.doc.Encab.DryRun {
		return 0
	}
	m := s.machines[config.MainProgramName]
	if m == nil {
		return 1
	}
	switch m.Current() {
	case state.Exited:
		return m.Result().ExitCode
	case state.Crashed:
		return 128 + m.Result().Signal
	case state.Failed:
		return 1
	default:
		return 0
	}
}

func (s *Supervisor) eventLoop(ctx context.Context) {
	for ev := range s.events {
		s.applyEvent(ev.Program, ev.Event)
		if ev.Event.Kind == state.EventExit || ev.Event.Kind == state.EventCrash || ev.Event.Kind == state.EventSpawnError {
			s.logExit(ev.Program)
			s.maybeRestart(ctx, ev.Program)
		}
	}
}

// maybeRestart implements spec §4.2's Restart subsection and the §4.3
// diagram's "restart(helper, restart_delay set, !shutdown)" edge: a
// helper that just reached a terminal state and declares restart_delay is
// respawned after the delay, unless shutdown is already underway. main
// never restarts (validate.go rejects restart_delay on main).
func (s *Supervisor) maybeRestart(ctx context.Context, name string) {
	if name == config.MainProgramName || s.shuttingDown.Load() {
		return
	}
	cfg := s.doc.Programs[name]
	if cfg.RestartDelay == nil || !s.stateOf(name).Terminal() {
		return
	}
	go s.restartAfterDelay(ctx, name, cfg)
}

func (s *Supervisor) restartAfterDelay(ctx context.Context, name string, cfg config.ProgramConfig) {
	select {
	case <-time.After(time.Duration(*cfg.RestartDelay * float64(time.Second))):
	case <-s.done:
		return
	}
	if s.shuttingDown.Load() {
		return
	}

	s.applyEvent(name, state.Event{Kind: state.EventRestart})
	s.log.Infof("encab", "%s: restarting after restart_delay", name)

	var owned runner.OwnedPIDs
	if s.reaper != nil {
		owned = s.reaper
	}
	r := runner.New(cfg, s.envFor(name), s.log, owned, s.events)
	s.mu.Lock()
	s.runners[name] = r
	s.mu.Unlock()
	r.Spawn(ctx, nil)
}

func (s *Supervisor) logExit(name string) {
	s.mu.Lock()
	m := s.machines[name]
	s.mu.Unlock()
	if m == nil {
		return
	}
	s.log.Infof(name, "%s", runner.ExitDescription(m.Current(), m.Result()))
}

func (s *Supervisor) applyEvent(name string, ev state.Event) {
	s.mu.Lock()
	m := s.machines[name]
	if m == nil {
		s.mu.Unlock()
		return
	}
	next, err := m.Apply(ev)
	waiters := s.waiters[name]
	delete(s.waiters, name)
	s.mu.Unlock()

	if err == nil {
		s.log.Debugf("encab", "%s: %s -> %s", name, ev.Kind, next)
	}
	for _, ch := range waiters {
		close(ch)
	}
}

func (s *Supervisor) subscribe(name string) <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[name] = append(s.waiters[name], ch)
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) stateOf(name string) state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.machines[name]
	if m == nil {
		return state.Init
	}
	return m.Current()
}

// waitFor blocks until pred(currentState) is true or timeout elapses.
func (s *Supervisor) waitFor(name string, timeout time.Duration, pred func(state.State) bool) {
	deadline := time.After(timeout)
	for {
		if pred(s.stateOf(name)) {
			return
		}
		select {
		case <-s.subscribe(name):
		case <-deadline:
			return
		}
	}
}
