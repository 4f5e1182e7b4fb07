package procflip

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// spawnedProc is the test's view of one successor "process" created through
// the mock OS. The test plays the successor role by writing on the readiness
// endpoint (or not).
type spawnedProc struct {
	pid      int
	envelope *Envelope
	// readiness and data are the successor-side endpoints, duplicated before
	// the coordinator closes its copies of them.
	readiness *os.File
	data      *os.File

	proc *mockProcess
}

type mockProcess struct {
	pid      int
	killOnce sync.Once
	killedC  chan struct{}

	mu      sync.Mutex
	signals []os.Signal
}

func (m *mockProcess) Pid() int {
	return m.pid
}

func (m *mockProcess) Signal(s os.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, s)
	return nil
}

func (m *mockProcess) Kill() error {
	m.killOnce.Do(func() { close(m.killedC) })
	return nil
}

func (m *mockProcess) killed() bool {
	select {
	case <-m.killedC:
		return true
	default:
		return false
	}
}

// mockOS fakes process creation. Every StartProcess call duplicates the
// successor-side endpoints named by the envelope and delivers them to the
// test over the spawns channel.
type mockOS struct {
	pid int

	// startErr fails StartProcess when set.
	startErr error
	// gateC, when non-nil, blocks StartProcess until it is closed.
	gateC <-chan struct{}
	// enteredC, when non-nil, receives before StartProcess blocks on gateC.
	enteredC chan<- struct{}

	spawnCount int32
	nextPid    int32
	spawns     chan *spawnedProc
}

func newMockOS(pid int) *mockOS {
	return &mockOS{
		pid:     pid,
		nextPid: int32(pid),
		spawns:  make(chan *spawnedProc, 8),
	}
}

func (m *mockOS) Getpid() int {
	return m.pid
}

func (m *mockOS) Executable() (string, error) {
	return "/proc/self/fake-exe", nil
}

func (m *mockOS) Environ() []string {
	return []string{"PATH=/bin"}
}

func (m *mockOS) StartProcess(name string, argv []string, attr *os.ProcAttr) (processIface, error) {
	if m.enteredC != nil {
		m.enteredC <- struct{}{}
	}
	if m.gateC != nil {
		<-m.gateC
	}
	if m.startErr != nil {
		return nil, m.startErr
	}
	atomic.AddInt32(&m.spawnCount, 1)

	env, err := envelopeFromEnviron(attr.Env)
	if err != nil {
		return nil, err
	}

	sp := &spawnedProc{
		pid:      int(atomic.AddInt32(&m.nextPid, 1)),
		envelope: env,
	}
	// Take our own duplicates; the coordinator closes its copies of the
	// successor-side files as soon as StartProcess returns, exactly as a
	// real spawn would leave the parent's table.
	if sp.readiness, err = dupSlot(attr.Files, env.ReadinessSlot, "mock-readiness"); err != nil {
		return nil, err
	}
	if env.DataSlot != noSlot {
		if sp.data, err = dupSlot(attr.Files, env.DataSlot, "mock-data"); err != nil {
			return nil, err
		}
	}
	sp.proc = &mockProcess{pid: sp.pid, killedC: make(chan struct{})}
	m.spawns <- sp
	return sp.proc, nil
}

func envelopeFromEnviron(environ []string) (*Envelope, error) {
	for _, kv := range environ {
		if strings.HasPrefix(kv, handoffEnv+"=") {
			return decodeEnvelope(strings.TrimPrefix(kv, handoffEnv+"="))
		}
	}
	return nil, os.ErrNotExist
}

func dupSlot(files []*os.File, slot int, name string) (*os.File, error) {
	src := files[firstSlotFd+slot]
	dup, err := dupFd(src.Fd(), name)
	if err != nil {
		return nil, err
	}
	return dup.File, nil
}

// mustSpawn returns the next successor the mock OS created, failing the test
// if none arrives.
func mustSpawn(t *testing.T, m *mockOS) *spawnedProc {
	t.Helper()
	select {
	case sp := <-m.spawns:
		return sp
	case <-testTimeoutC(t):
		t.Fatal("no successor was spawned")
		return nil
	}
}
