package procflip

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"k8s.io/utils/clock"
)

// DrainTimeoutError is returned by ShutdownCoordinator.Wait when the timeout
// elapsed with acknowledgments still outstanding. It names exactly the
// subscribers that never acknowledged. Whether a timed-out drain is fatal is
// the embedding application's decision.
type DrainTimeoutError struct {
	Outstanding []string
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("shutdown drain timed out; outstanding: [%s]", strings.Join(e.Outstanding, ", "))
}

// ShutdownCoordinator signals an arbitrary number of registered units of work
// to stop, then waits for all of them to acknowledge completion. It is
// process-wide: every unit of spawned work that must finish before process
// exit registers with the same coordinator.
//
// Signal is fan-out: one broadcast observed by every current and future
// subscriber. Wait is fan-in: it completes once every registered subscriber
// has acknowledged, or its timeout elapses, whichever is first. The
// coordinator never forcibly interrupts a subscriber's work; it only
// observes completion.
type ShutdownCoordinator struct {
	mu sync.Mutex

	// signalC is closed on the first Signal. A subscriber registered after
	// the signal observes it immediately through the already-closed channel.
	signalC  chan struct{}
	signaled bool
	reason   string

	nextID      uint64
	outstanding map[uint64]string
	// waiters are closed when the outstanding set drains to empty.
	waiters []chan struct{}

	clock clock.Clock
	l     log15.Logger
}

// ShutdownOption is an option function for ShutdownCoordinator.
type ShutdownOption func(s *ShutdownCoordinator)

// WithShutdownLogger configures the logger used for drain progress.
// By default, nothing will be logged.
func WithShutdownLogger(l log15.Logger) ShutdownOption {
	return func(s *ShutdownCoordinator) {
		s.l = l
	}
}

// NewShutdownCoordinator constructs a ShutdownCoordinator.
func NewShutdownCoordinator(opts ...ShutdownOption) *ShutdownCoordinator {
	return newShutdownCoordinator(clock.RealClock{}, opts...)
}

func newShutdownCoordinator(clk clock.Clock, opts ...ShutdownOption) *ShutdownCoordinator {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	s := &ShutdownCoordinator{
		signalC:     make(chan struct{}),
		outstanding: make(map[uint64]string),
		clock:       clk,
		l:           noopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds one unit of work that must acknowledge the shutdown signal
// before Wait can complete. The name is only used to identify stragglers.
// Registering after Signal is fine; the new subscriber observes the signal
// immediately.
func (s *ShutdownCoordinator) Register(name string) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.outstanding[id] = name
	return &Subscriber{coord: s, id: id, name: name}
}

// Signal broadcasts the shutdown request to every current and future
// subscriber. It is idempotent: the first call wins the reason, repeat calls
// are no-ops, and no subscriber observes two distinct signals.
func (s *ShutdownCoordinator) Signal(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaled {
		return
	}
	s.signaled = true
	s.reason = reason
	s.l.Info("signaling shutdown", "reason", reason, "outstanding", len(s.outstanding))
	close(s.signalC)
}

// Signaled returns a channel that is closed once Signal has been called.
func (s *ShutdownCoordinator) Signaled() <-chan struct{} {
	return s.signalC
}

// Reason returns the reason of the first Signal call, or "" before any.
func (s *ShutdownCoordinator) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Wait blocks until every registered subscriber has acknowledged, or timeout
// elapses, whichever is first. A timeout of 0 or less waits without bound.
// On timeout it returns a *DrainTimeoutError naming the subscribers that
// never acknowledged; a late acknowledgment after that is accepted but only
// affects later Wait calls. Multiple concurrent waiters are allowed.
func (s *ShutdownCoordinator) Wait(timeout time.Duration) error {
	s.mu.Lock()
	if len(s.outstanding) == 0 {
		s.mu.Unlock()
		return nil
	}
	doneC := make(chan struct{})
	s.waiters = append(s.waiters, doneC)
	s.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := s.clock.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C()
	}

	select {
	case <-doneC:
		return nil
	case <-timeoutC:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outstanding) == 0 {
		// The last acknowledgment raced the timer and won.
		return nil
	}
	s.removeWaiterLocked(doneC)
	names := make([]string, 0, len(s.outstanding))
	for _, name := range s.outstanding {
		names = append(names, name)
	}
	sort.Strings(names)
	s.l.Error("drain timed out", "outstanding", names)
	return &DrainTimeoutError{Outstanding: names}
}

func (s *ShutdownCoordinator) removeWaiterLocked(doneC chan struct{}) {
	for i, w := range s.waiters {
		if w == doneC {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *ShutdownCoordinator) ack(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstanding, id)
	if len(s.outstanding) != 0 {
		return
	}
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
}

// Subscriber is one registered unit of work. It observes the broadcast via
// Done and reports completion via Ack.
type Subscriber struct {
	coord *ShutdownCoordinator
	id    uint64
	name  string
	once  sync.Once
}

// Name returns the name the subscriber was registered under.
func (s *Subscriber) Name() string {
	return s.name
}

// Done returns the shutdown broadcast channel. It is closed once Signal has
// been called, including for subscribers registered after the fact.
func (s *Subscriber) Done() <-chan struct{} {
	return s.coord.signalC
}

// Reason returns the shutdown reason, or "" before any Signal.
func (s *Subscriber) Reason() string {
	return s.coord.Reason()
}

// Ack removes this subscriber from the outstanding set. It is idempotent and
// may be called before, during, or after the signal; a subscriber is never
// re-added after acknowledging.
func (s *Subscriber) Ack() {
	s.once.Do(func() {
		s.coord.ack(s.id)
	})
}
