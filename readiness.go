package procflip

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/procflip/procflip/internal/proto"
)

// ReadinessOutcome is the resolution of one restart attempt's readiness race.
type ReadinessOutcome string

const (
	// OutcomeReady means the successor reported successful initialization
	// within the grace period.
	OutcomeReady ReadinessOutcome = "ready"
	// OutcomeInitFailed means the successor reported that its own
	// initialization failed. An ordinary, tolerated failure.
	OutcomeInitFailed ReadinessOutcome = "init-failed"
	// OutcomeChannelClosed means the successor's readiness channel closed
	// before any report arrived, i.e. the successor died during
	// initialization. Treated the same as OutcomeTimedOut.
	OutcomeChannelClosed ReadinessOutcome = "channel-closed"
	// OutcomeTimedOut means the grace period elapsed with no report and no
	// close.
	OutcomeTimedOut ReadinessOutcome = "timed-out"
)

// newReadinessPair creates the two endpoints of a readiness channel. The
// predecessor keeps the first; the second is placed in the successor's
// inherited fd table. A fresh pair is constructed for every restart attempt.
func newReadinessPair() (predecessor, successor *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "can't create readiness socketpair")
	}
	return os.NewFile(uintptr(fds[0]), "readiness-predecessor"),
		os.NewFile(uintptr(fds[1]), "readiness-successor"), nil
}

// readinessReceiver is the predecessor's end of a readiness channel.
type readinessReceiver struct {
	sock *os.File
	l    log15.Logger
}

// await blocks until the successor reports, the channel closes, the grace
// timer fires, or ctx is done, whichever happens first. Whichever event loses
// the race is discarded; a late report cannot change an outcome already
// decided. The channel endpoint is closed before await returns.
func (r *readinessReceiver) await(ctx context.Context, timer clock.Timer) (ReadinessOutcome, string) {
	defer r.sock.Close()

	msgC := make(chan proto.ReadinessMessage, 1)
	closedC := make(chan error, 1)
	go func() {
		var msg proto.ReadinessMessage
		if err := proto.ReadJSONBlob(r.sock, &msg); err != nil {
			closedC <- err
			return
		}
		msgC <- msg
	}()

	select {
	case msg := <-msgC:
		switch msg.Status {
		case proto.StatusReady:
			return OutcomeReady, ""
		case proto.StatusInitFailed:
			return OutcomeInitFailed, msg.Reason
		default:
			// A garbled report gives us no reason to believe the successor
			// initialized correctly.
			r.l.Error("unrecognized readiness status from successor", "status", msg.Status)
			return OutcomeChannelClosed, "unrecognized readiness status"
		}
	case err := <-closedC:
		if errors.Cause(err) != io.EOF {
			r.l.Debug("readiness channel read error", "err", err)
		}
		return OutcomeChannelClosed, ""
	case <-timer.C():
		return OutcomeTimedOut, ""
	case <-ctx.Done():
		return OutcomeTimedOut, ctx.Err().Error()
	}
}

// readinessReporter is the successor's end of a readiness channel. It is
// write-once: the first report wins, later reports are no-ops.
type readinessReporter struct {
	sock *os.File
	once sync.Once
}

func (r *readinessReporter) report(status, reason string) error {
	var err error
	r.once.Do(func() {
		defer r.sock.Close()
		err = proto.WriteJSONBlob(r.sock, proto.ReadinessMessage{
			Status: status,
			Reason: reason,
		})
	})
	return errors.Wrap(err, "can't report readiness to predecessor")
}
