package procflip

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/euank/filelock"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/procflip/procflip/internal/proto"
)

// ErrControlSocketBusy indicates another live process already owns the
// control socket path.
var ErrControlSocketBusy = errors.New("control socket is owned by another process")

// controlServer owns the unix socket on which restart requests arrive, plus
// the exclusive lock that keeps two unrelated instances from fighting over
// the same path. Both the socket and the open lock are inherited by
// successors, so the lock stays held across the entire generation lineage.
type controlServer struct {
	path     string
	listener *net.UnixListener

	// Exactly one of lock/lockFile is set: lock when this process took the
	// lock itself, lockFile when the already-held lock was inherited.
	lock     *filelock.FileLock
	lockFile *os.File

	closeOnce sync.Once
	l         log15.Logger
}

func touchFile(path string) error {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	return fh.Close()
}

// newControlServer binds a control socket at path for a cold-started process.
// It first takes an exclusive lock on path+".lock"; holding that lock proves
// any socket file left at path belongs to a dead process and may be removed.
func newControlServer(l log15.Logger, path string) (*controlServer, error) {
	lockPath := path + ".lock"
	if err := touchFile(lockPath); err != nil {
		return nil, errors.Wrapf(err, "can't create control lock file %q", lockPath)
	}
	lock, err := filelock.TryExclusiveLock(lockPath, filelock.RegFile)
	if err == filelock.ErrLocked {
		return nil, ErrControlSocketBusy
	}
	if err != nil {
		return nil, errors.Wrapf(err, "can't lock %q", lockPath)
	}

	if err := unlinkStaleSocket(path); err != nil {
		lock.Close()
		return nil, err
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		lock.Close()
		return nil, errors.Wrapf(err, "can't listen on control socket %q", path)
	}
	return &controlServer{
		path:     path,
		listener: listener,
		lock:     lock,
		l:        l,
	}, nil
}

// inheritedControlServer reconstructs the control server in a successor from
// the envelope's slots. The lock file descriptor is kept open for the life of
// the process; the flock it carries came over with it.
func inheritedControlServer(l log15.Logger, env *Envelope) (*controlServer, error) {
	ctrlFile := slotFile(env.ControlSlot, "control-socket")
	defer ctrlFile.Close()

	ln, err := net.FileListener(ctrlFile)
	if err != nil {
		return nil, errors.Wrap(err, "can't inherit control socket")
	}
	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("inherited control socket is a %T, not a unix listener", ln)
	}

	return &controlServer{
		listener: unixLn,
		lockFile: slotFile(env.ControlLockSlot, "control-socket-lock"),
		l:        l,
	}, nil
}

// inheritFiles returns duplicates of the control socket and its lock file for
// placement in a successor's fd table. The caller owns the returned files.
func (cs *controlServer) inheritFiles() (ctrlFile, lockFile *os.File, err error) {
	ctrlFile, err = cs.listener.File()
	if err != nil {
		return nil, nil, errors.Wrap(err, "can't dup control socket for successor")
	}

	var lockFd uintptr
	if cs.lock != nil {
		fd, err := cs.lock.Fd()
		if err != nil {
			ctrlFile.Close()
			return nil, nil, errors.Wrap(err, "can't access control lock fd")
		}
		lockFd = uintptr(fd)
	} else {
		lockFd = cs.lockFile.Fd()
	}
	dup, err := dupFd(lockFd, "control-socket-lock")
	if err != nil {
		ctrlFile.Close()
		return nil, nil, err
	}
	return ctrlFile, dup.File, nil
}

// serve accepts control connections until the listener closes. Each request
// that asks for a restart runs the given trigger, which reports the successor
// pid on success.
func (cs *controlServer) serve(trigger func() (int, error)) {
	for {
		conn, err := cs.listener.AcceptUnix()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				cs.l.Info("control socket closed, no longer accepting restart requests")
				return
			}
			cs.l.Error("error accepting control connection", "err", err)
			continue
		}
		go cs.handleConn(conn, trigger)
	}
}

func (cs *controlServer) handleConn(conn *net.UnixConn, trigger func() (int, error)) {
	defer conn.Close()

	var req proto.ControlRequest
	if err := proto.ReadJSONBlob(conn, &req); err != nil {
		cs.l.Error("error reading control request", "err", err)
		return
	}
	resp := proto.ControlResponse{}
	switch req.Op {
	case proto.OpRestart:
		cs.l.Info("control socket received a restart request")
		pid, err := trigger()
		if err != nil {
			resp.Reason = err.Error()
		} else {
			resp.OK = true
			resp.Pid = pid
		}
	default:
		resp.Reason = "unknown operation: " + req.Op
	}
	if err := proto.WriteJSONBlob(conn, resp); err != nil {
		cs.l.Error("error writing control response", "err", err)
	}
}

// close tears down this process's handles on the control socket. When a
// successor has taken over (handedOff), the socket path must survive us and
// the flock must stay held through the successor's inherited descriptor, so
// we only close our own fds; flock releases a lock when the last descriptor
// for it closes, and the successor's dup keeps it alive. The lock is never
// explicitly unlocked for the same reason.
func (cs *controlServer) close(handedOff bool) {
	cs.closeOnce.Do(func() {
		if handedOff {
			cs.listener.SetUnlinkOnClose(false)
		}
		cs.listener.Close()
		if cs.lock != nil {
			if err := cs.lock.Close(); err != nil {
				cs.l.Error("error closing control lock", "err", err)
			}
		}
		if cs.lockFile != nil {
			cs.lockFile.Close()
		}
	})
}

func unlinkStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSocket == 0 {
		return errors.Errorf("refusing to remove %q: not a socket", path)
	}

	return os.Remove(path)
}

// RequestRestart asks the process owning the control socket at path to
// restart itself, blocking until that process reports the outcome. On success
// it returns the pid of the new generation.
func RequestRestart(ctx context.Context, path string) (int, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return 0, errors.Wrapf(err, "can't connect to control socket %q", path)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := proto.WriteJSONBlob(conn, proto.ControlRequest{Op: proto.OpRestart}); err != nil {
		return 0, err
	}
	var resp proto.ControlResponse
	if err := proto.ReadJSONBlob(conn, &resp); err != nil {
		return 0, err
	}
	if !resp.OK {
		return 0, errors.Errorf("restart failed: %s", resp.Reason)
	}
	return resp.Pid, nil
}
