package procflip

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/procflip/procflip/internal/proto"
)

// DefaultGracePeriod is the duration a predecessor waits for its successor to
// report readiness after spawning it. If no report arrives in that window the
// attempt is declared failed and the predecessor keeps serving.
const DefaultGracePeriod = time.Minute

// ErrNotSuccessor is returned by the successor-side report operations when
// the process was cold-started and holds no readiness channel endpoint.
var ErrNotSuccessor = errors.New("this process was not spawned as a successor")

// RestartFailedError is the outcome of a restart attempt whose successor was
// spawned but never became ready: it reported an initialization failure,
// died before reporting, or outlived the grace period. All three are
// ordinary, tolerated failures; the predecessor has reverted to idle and
// keeps serving.
type RestartFailedError struct {
	// Outcome says which way the readiness race resolved.
	Outcome ReadinessOutcome
	// Reason is the successor's own failure description, when it gave one.
	Reason string
	// Pid identifies the failed successor.
	Pid int
}

func (e *RestartFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("restart failed (%s): %s", e.Outcome, e.Reason)
	}
	return fmt.Sprintf("restart failed (%s)", e.Outcome)
}

// LifecycleHandler transfers application state from a predecessor to the
// successor it spawned. SendToSuccessor runs in the predecessor after a
// successful spawn, writing to a pipe the successor reads via HandoffData.
// Returning an error vetoes the restart: the successor is terminated and the
// attempt fails.
type LifecycleHandler interface {
	SendToSuccessor(w io.Writer) error
}

// Generation identifies one process instance in the predecessor→successor
// lineage of a service.
type Generation struct {
	// ID increases by one with each handoff. A cold-started process is
	// generation 0.
	ID        uint64
	Pid       int
	StartedAt time.Time
}

// Coordinator drives graceful restarts. It is the single source of truth for
// whether a restart is in flight, spawns successor generations, and resolves
// the race between their readiness reports and the grace period.
type Coordinator struct {
	gracePeriod        time.Duration
	terminateOnTimeout bool
	spawnArgs          []string
	lifecycle          LifecycleHandler
	ctrlPath           string

	stateLock sync.Mutex
	state     restartState

	isSuccessor bool
	generation  uint64
	startedAt   time.Time

	// restartCompleteC is closed when a successor has taken over and this
	// process should drain and exit. This also occurs when Stop is called.
	restartCompleteC chan struct{}
	completeOnce     sync.Once
	stopOnce         sync.Once

	// Fds is the store of descriptors that successors inherit.
	Fds *Fds

	reporter *readinessReporter
	dataR    *os.File
	ctrl     *controlServer

	clock clock.Clock
	os    osIface
	l     log15.Logger
}

// Option is an option function for Coordinator.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(c *Coordinator)

// WithGracePeriod configures how long a spawned successor has to report
// readiness. If a duration of 0 or less is specified, the default is used.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		c.gracePeriod = d
		if c.gracePeriod <= 0 {
			c.gracePeriod = DefaultGracePeriod
		}
	}
}

// WithLogger configures the logger to use for restart coordination.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(c *Coordinator) {
		c.l = l
	}
}

// WithLifecycleHandler configures a handler that streams application state to
// each spawned successor.
func WithLifecycleHandler(h LifecycleHandler) Option {
	return func(c *Coordinator) {
		c.lifecycle = h
	}
}

// WithControlSocket makes the coordinator serve restart requests on a unix
// socket at the given path. See RequestRestart for the client side.
func WithControlSocket(path string) Option {
	return func(c *Coordinator) {
		c.ctrlPath = path
	}
}

// WithTerminateOnTimeout configures whether a successor that outlives the
// grace period without reporting is killed, or left to exit on its own.
// The default is to kill it.
func WithTerminateOnTimeout(terminate bool) Option {
	return func(c *Coordinator) {
		c.terminateOnTimeout = terminate
	}
}

// WithSpawnArgs overrides the argument vector successors are started with.
// The default is this process's own arguments. The first element is argv[0].
func WithSpawnArgs(args []string) Option {
	return func(c *Coordinator) {
		c.spawnArgs = args
	}
}

// New constructs a restart coordinator.
//
// In a process spawned as a successor (see IsSuccessor), New decodes the
// handoff envelope: the descriptor store is rebuilt from the inherited
// descriptors and the process must call ReportReady once its initialization
// is complete, or ReportFailed if it is not going to be. In a cold-started
// process the store starts empty.
func New(opts ...Option) (*Coordinator, error) {
	return newCoordinator(clock.RealClock{}, realOS{}, opts...)
}

func newCoordinator(clk clock.Clock, osi osIface, opts ...Option) (*Coordinator, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	c := &Coordinator{
		gracePeriod:        DefaultGracePeriod,
		terminateOnTimeout: true,
		spawnArgs:          os.Args,
		state:              restartStateIdle,
		restartCompleteC:   make(chan struct{}),
		startedAt:          clk.Now(),
		clock:              clk,
		os:                 osi,
		l:                  noopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if marker := os.Getenv(handoffEnv); marker != "" {
		if err := c.initSuccessor(marker); err != nil {
			return nil, err
		}
	} else {
		c.Fds = newFds(c.l, nil)
		if c.ctrlPath != "" {
			ctrl, err := newControlServer(c.l, c.ctrlPath)
			if err != nil {
				return nil, err
			}
			c.ctrl = ctrl
		}
	}

	if c.ctrl != nil {
		go c.ctrl.serve(func() (int, error) {
			return c.triggerRestart(context.Background())
		})
	}
	return c, nil
}

func (c *Coordinator) initSuccessor(marker string) error {
	env, err := decodeEnvelope(marker)
	if err != nil {
		return err
	}
	c.isSuccessor = true
	c.generation = env.Generation
	c.Fds = newFdsFromEnvelope(c.l, env)
	c.reporter = &readinessReporter{sock: slotFile(env.ReadinessSlot, "readiness-successor")}
	if env.DataSlot != noSlot {
		c.dataR = slotFile(env.DataSlot, "handoff-data")
	}
	if env.ControlSlot != noSlot && env.ControlLockSlot != noSlot {
		ctrl, err := inheritedControlServer(c.l, env)
		if err != nil {
			return err
		}
		c.ctrl = ctrl
	} else if c.ctrlPath != "" {
		// The predecessor ran without a control socket; bind one fresh.
		ctrl, err := newControlServer(c.l, c.ctrlPath)
		if err != nil {
			return err
		}
		c.ctrl = ctrl
	}
	c.l.Info("started as successor", "generation", c.generation)
	return nil
}

// Trigger spawns a successor generation and blocks until the restart attempt
// resolves, without blocking the rest of the process.
//
// It returns nil once the successor has reported readiness; this process
// should then signal its in-flight work to stop, drain it, and exit (see
// RestartComplete). It returns ErrRestartInProgress immediately, with no side
// effect, if another attempt holds the single flight. A *SpawnError means no
// successor was created; a *RestartFailedError means the successor never
// became ready. After any failure the coordinator is idle again and Trigger
// may be called anew.
//
// Trigger is safe for concurrent use: for any number of concurrent calls
// while idle, exactly one proceeds to spawn.
func (c *Coordinator) Trigger(ctx context.Context) error {
	_, err := c.triggerRestart(ctx)
	return err
}

func (c *Coordinator) triggerRestart(ctx context.Context) (int, error) {
	c.stateLock.Lock()
	switch c.state {
	case restartStateInProgress:
		c.stateLock.Unlock()
		return 0, ErrRestartInProgress
	case restartStateDraining:
		c.stateLock.Unlock()
		return 0, ErrRestartCompleted
	case restartStateStopped:
		c.stateLock.Unlock()
		return 0, ErrStopped
	}
	if err := c.state.transitionTo(restartStateInProgress); err != nil {
		c.stateLock.Unlock()
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", restartStateInProgress, err))
	}
	c.stateLock.Unlock()

	// No descriptors may be added or removed while the attempt is passing
	// the store along.
	c.Fds.lockMutations(ErrRestartInProgress)

	res, err := c.spawnSuccessor()
	if err != nil {
		c.revertToIdle()
		return 0, err
	}
	pid := res.proc.Pid()
	l := c.l.New("successorPid", pid, "successorGeneration", res.envelope.Generation)

	if res.dataW != nil {
		sendErr := c.lifecycle.SendToSuccessor(res.dataW)
		res.dataW.Close()
		if sendErr != nil {
			l.Error("lifecycle handler refused handoff, terminating successor", "err", sendErr)
			res.receiver.sock.Close()
			if err := res.proc.Kill(); err != nil {
				l.Error("error terminating successor", "err", err)
			}
			c.revertToIdle()
			return 0, &RestartFailedError{
				Outcome: OutcomeInitFailed,
				Reason:  fmt.Sprintf("lifecycle handler: %v", sendErr),
				Pid:     pid,
			}
		}
	}

	timer := c.clock.NewTimer(c.gracePeriod)
	defer timer.Stop()
	outcome, reason := res.receiver.await(ctx, timer)

	switch outcome {
	case OutcomeReady:
		l.Info("successor is ready, marking ourselves as up for exit")
		c.stateLock.Lock()
		// ignore error, if we were 'Stopped' we can't transition, but we
		// also don't care.
		_ = c.state.transitionTo(restartStateDraining)
		c.stateLock.Unlock()
		c.Fds.lockMutations(ErrRestartCompleted)
		if c.ctrl != nil {
			c.ctrl.close(true)
		}
		c.completeOnce.Do(func() { close(c.restartCompleteC) })
		return pid, nil
	case OutcomeTimedOut:
		l.Error("successor did not report within the grace period", "gracePeriod", c.gracePeriod)
		if c.terminateOnTimeout {
			if err := res.proc.Kill(); err != nil {
				l.Error("error terminating timed-out successor", "err", err)
			}
		}
	case OutcomeInitFailed:
		l.Error("successor reported an initialization failure", "reason", reason)
	case OutcomeChannelClosed:
		l.Error("successor exited before reporting readiness")
	}

	c.revertToIdle()
	return 0, &RestartFailedError{Outcome: outcome, Reason: reason, Pid: pid}
}

// revertToIdle returns a failed attempt to the idle state so a future Trigger
// may proceed. If Stop raced the failing attempt, stopped wins and the store
// stays locked.
func (c *Coordinator) revertToIdle() {
	c.stateLock.Lock()
	err := c.state.transitionTo(restartStateIdle)
	c.stateLock.Unlock()
	if err != nil {
		c.l.Debug("not returning to idle", "err", err)
		return
	}
	c.Fds.unlockMutations()
}

// IsSuccessor reports whether this process inherited its state from a
// predecessor generation.
func (c *Coordinator) IsSuccessor() bool {
	return c.isSuccessor
}

// ReportReady signals the predecessor that this process's initialization is
// complete and it has taken over serving. It must be called exactly once by a
// successor to finish the restart; the predecessor then begins draining.
func (c *Coordinator) ReportReady() error {
	if c.reporter == nil {
		return ErrNotSuccessor
	}
	c.l.Info("reporting ready to predecessor")
	return c.reporter.report(proto.StatusReady, "")
}

// ReportFailed signals the predecessor that this process failed to
// initialize. The predecessor keeps serving; this process should exit.
func (c *Coordinator) ReportFailed(reason string) error {
	if c.reporter == nil {
		return ErrNotSuccessor
	}
	c.l.Info("reporting init failure to predecessor", "reason", reason)
	return c.reporter.report(proto.StatusInitFailed, reason)
}

// HandoffData returns the stream written by the predecessor's
// LifecycleHandler, or nil when there is none.
func (c *Coordinator) HandoffData() io.Reader {
	if c.dataR == nil {
		return nil
	}
	return c.dataR
}

// Generation describes this process instance in its restart lineage.
func (c *Coordinator) Generation() Generation {
	return Generation{
		ID:        c.generation,
		Pid:       c.os.Getpid(),
		StartedAt: c.startedAt,
	}
}

// RestartComplete returns a channel which is closed when a successor has
// taken over and indicated it is ready. The embedding application should
// then drain its in-flight work and exit.
func (c *Coordinator) RestartComplete() <-chan struct{} {
	return c.restartCompleteC
}

// Stop prevents any more restarts from happening and closes the restart
// complete channel.
func (c *Coordinator) Stop() {
	c.stateLock.Lock()
	// A draining coordinator already handed its descriptors to a live
	// successor; the control socket path and its lock must outlive us. The
	// state is the authority here, not restartCompleteC: the state becomes
	// draining before the channel closes.
	handedOff := c.state == restartStateDraining
	if err := c.state.transitionTo(restartStateStopped); err != nil {
		c.stateLock.Unlock()
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", restartStateStopped, err))
	}
	c.stateLock.Unlock()

	c.stopOnce.Do(func() {
		if c.ctrl != nil {
			c.ctrl.close(handedOff)
		}
		c.completeOnce.Do(func() { close(c.restartCompleteC) })
		c.Fds.lockMutations(ErrStopped)
	})
}
