package procflip

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// SpawnError indicates that the OS-level process creation call failed. No
// successor exists; the coordinator reverts to idle. It is not retried
// automatically.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("can't spawn successor process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// spawnResult holds the predecessor's handles on a freshly spawned successor.
type spawnResult struct {
	proc     processIface
	receiver *readinessReceiver
	// dataW is the write end of the lifecycle handoff-data pipe, nil when no
	// lifecycle handler is configured.
	dataW    *os.File
	envelope *Envelope
}

// spawnSuccessor re-executes the current binary as a new generation. The
// store's descriptors, a fresh readiness channel endpoint, the optional
// handoff-data pipe and the control socket are passed by number through the
// process-creation call; the envelope describing them rides in the
// successor's environment.
func (c *Coordinator) spawnSuccessor() (res *spawnResult, err error) {
	entries, storeFiles := c.Fds.snapshot()

	predSock, succSock, err := newReadinessPair()
	if err != nil {
		return nil, err
	}
	// Files handed to the successor's fd table. Slot i arrives on fd 3+i.
	slots := make([]*os.File, 0, len(storeFiles)+4)
	slots = append(slots, storeFiles...)

	// succOwned are files that only exist for the successor's benefit; the
	// predecessor closes its copies once the spawn call has duplicated them
	// (or entirely, if the spawn failed).
	succOwned := []*os.File{succSock}
	var dataW *os.File
	defer func() {
		for _, f := range succOwned {
			f.Close()
		}
		if err != nil {
			predSock.Close()
			if dataW != nil {
				dataW.Close()
			}
		}
	}()

	env := &Envelope{
		Generation:      c.generation + 1,
		Entries:         entries,
		ReadinessSlot:   len(slots),
		DataSlot:        noSlot,
		ControlSlot:     noSlot,
		ControlLockSlot: noSlot,
	}
	slots = append(slots, succSock)

	if c.lifecycle != nil {
		dataR, w, err := os.Pipe()
		if err != nil {
			return nil, errors.Wrap(err, "can't create handoff data pipe")
		}
		dataW = w
		env.DataSlot = len(slots)
		slots = append(slots, dataR)
		succOwned = append(succOwned, dataR)
	}

	if c.ctrl != nil {
		ctrlFile, lockFile, err := c.ctrl.inheritFiles()
		if err != nil {
			return nil, err
		}
		env.ControlSlot = len(slots)
		slots = append(slots, ctrlFile)
		env.ControlLockSlot = len(slots)
		slots = append(slots, lockFile)
		succOwned = append(succOwned, ctrlFile, lockFile)
	}

	marker, err := encodeEnvelope(env)
	if err != nil {
		return nil, err
	}

	exe, err := c.os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "can't determine own executable path")
	}

	environ := append(scrubEnv(c.os.Environ()), fmt.Sprintf("%s=%s", handoffEnv, marker))
	attr := &os.ProcAttr{
		Env:   environ,
		Files: append([]*os.File{os.Stdin, os.Stdout, os.Stderr}, slots...),
	}

	c.l.Info("spawning successor", "generation", env.Generation, "exe", exe, "slots", len(slots))
	proc, err := c.os.StartProcess(exe, c.spawnArgs, attr)
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	c.l.Info("spawned successor", "generation", env.Generation, "pid", proc.Pid())
	return &spawnResult{
		proc:     proc,
		receiver: &readinessReceiver{sock: predSock, l: c.l},
		dataW:    dataW,
		envelope: env,
	}, nil
}
