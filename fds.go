package procflip

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrRestartInProgress indicates that a restart is in progress. This
	// state is not necessarily terminal.
	// It is returned by Trigger when another restart attempt already holds
	// the single flight, and by handle store mutations attempted while the
	// store is being handed to a successor.
	ErrRestartInProgress = errors.New("a restart is currently in progress")
	// ErrRestartCompleted indicates that a restart has already succeeded.
	// This state is terminal: the process is draining and the handle store
	// now belongs to the successor.
	ErrRestartCompleted = errors.New("a restart has completed")
	// ErrStopped indicates the coordinator's Stop method has been called.
	// This state is terminal.
	ErrStopped = errors.New("the coordinator has been stopped")
)

// Listener can be inherited by a successor process.
type Listener interface {
	net.Listener
	syscall.Conn
}

// Conn can be inherited by a successor process.
type Conn interface {
	net.Conn
	syscall.Conn
}

type fdKind string

const (
	fdKindListener fdKind = "listener"
	fdKindConn     fdKind = "conn"
	fdKindFile     fdKind = "file"
)

// file works around the fact that it's not possible to get the fd from an
// os.File without putting it into blocking mode.
type file struct {
	*os.File
	fd uintptr
}

func (f *file) String() string {
	name := "<nil>"
	if f != nil && f.File != nil {
		name = f.Name()
	}
	return fmt.Sprintf("File(name=%q,fd=%v)", name, f.fd)
}

func newFile(fd uintptr, name string) *file {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil
	}

	return &file{
		f,
		fd,
	}
}

// fd wraps a stored file with the metadata that travels in the handoff
// envelope alongside it.
type fd struct {
	file *file

	Kind fdKind
	// Role is the stable name both generations know this descriptor by.
	Role string

	// for conns/listeners, stored just for pretty-printing
	Network string
	Addr    string
}

func (f *fd) String() string {
	switch f.Kind {
	case fdKindFile:
		return fmt.Sprintf("file(%v)", f.Role)
	case fdKindListener:
		return fmt.Sprintf("listener(%v): %v:%v", f.Role, f.Network, f.Addr)
	case fdKindConn:
		return fmt.Sprintf("conn(%v): %v:%v", f.Role, f.Network, f.Addr)
	default:
		return fmt.Sprintf("unknown: %#v", f)
	}
}

// Fds holds all inheritable file descriptors, whether created in this process
// or inherited from the predecessor generation. It provides methods for
// adding and removing descriptors from the store.
type Fds struct {
	mu sync.Mutex
	// NB: Files in this map may be in blocking mode.
	fds map[string]*fd

	// locked indicates whether the addition and removal of descriptors is
	// locked. When true, all mutations will fail with 'lockedReason'.
	locked       bool
	lockedReason error

	l log15.Logger
}

func (f *Fds) String() string {
	res := make([]string, 0, len(f.fds))
	for _, fi := range f.fds {
		res = append(res, fi.String())
	}
	return fmt.Sprintf("fds: %v", res)
}

func newFds(l log15.Logger, inherited map[string]*fd) *Fds {
	if inherited == nil {
		inherited = make(map[string]*fd)
	}
	return &Fds{
		fds: inherited,
		l:   l,
	}
}

// newFdsFromEnvelope rebuilds a store in a successor process from the
// envelope's slot table.
func newFdsFromEnvelope(l log15.Logger, env *Envelope) *Fds {
	inherited := make(map[string]*fd, len(env.Entries))
	for slot, entry := range env.Entries {
		fdObj := &fd{
			Kind:    entry.Kind,
			Role:    entry.Role,
			Network: entry.Network,
			Addr:    entry.Addr,
		}
		fdnum := uintptr(firstSlotFd + slot)
		fdObj.file = newFile(fdnum, fdObj.String())
		inherited[entry.Role] = fdObj
	}
	return newFds(l, inherited)
}

func (f *Fds) lockMutations(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = true
	f.lockedReason = reason
}

func (f *Fds) unlockMutations() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = false
	f.lockedReason = nil
}

// Listen returns a listener inherited from the predecessor process, or
// creates a new one. It is expected that the caller will close the returned
// listener once draining begins.
// The network and addr arguments are passed to net.Listen, and their meaning
// is described there.
func (f *Fds) Listen(ctx context.Context, role string, cfg *net.ListenConfig, network, addr string) (net.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg == nil {
		cfg = &net.ListenConfig{}
	}

	ln, err := f.listenerLocked(role)
	if err != nil {
		return nil, err
	}
	if ln != nil {
		f.l.Debug("found existing listener in store", "role", role, "network", network, "addr", addr)
		return ln, nil
	}

	if f.locked {
		return nil, f.lockedReason
	}

	ln, err = cfg.Listen(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "can't create new listener")
	}

	fdLn, ok := ln.(Listener)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("%T doesn't implement procflip.Listener", ln)
	}

	err = f.addListenerLocked(role, network, addr, fdLn)
	if err != nil {
		fdLn.Close()
		return nil, err
	}

	return ln, nil
}

// ListenWith returns a listener with the given role inherited from the
// predecessor, or if it doesn't exist creates a new one using the provided
// function. The listener function should return quickly since it will block
// restart attempts from being serviced.
// Note that any unix sockets will have "SetUnlinkOnClose(false)" called on
// them. Callers may choose to switch them back to 'true' if appropriate.
// The listener function is compatible with net.Listen.
func (f *Fds) ListenWith(role, network, addr string, listenerFunc func(network, addr string) (net.Listener, error)) (net.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ln, err := f.listenerLocked(role)
	if err != nil {
		return nil, err
	}
	if ln != nil {
		return ln, nil
	}
	if f.locked {
		return nil, f.lockedReason
	}

	ln, err = listenerFunc(network, addr)
	if err != nil {
		return nil, err
	}
	if _, ok := ln.(Listener); !ok {
		ln.Close()
		return nil, errors.Errorf("%T doesn't implement procflip.Listener", ln)
	}
	if err := f.addListenerLocked(role, network, addr, ln.(Listener)); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Listener returns an inherited listener with the given role, or nil.
//
// It is the caller's responsibility to close the returned listener once
// connections should be drained.
func (f *Fds) Listener(role string) (net.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.listenerLocked(role)
}

func (f *Fds) listenerLocked(role string) (net.Listener, error) {
	file, ok := f.fds[role]
	if !ok || file.file == nil {
		return nil, nil
	}

	ln, err := net.FileListener(file.file.File)
	if err != nil {
		return nil, errors.Wrapf(err, "can't inherit listener %s", file.file)
	}
	return ln, nil
}

type unlinkOnCloser interface {
	SetUnlinkOnClose(bool)
}

func (f *Fds) addListenerLocked(role, network, addr string, ln Listener) error {
	if ifc, ok := ln.(unlinkOnCloser); ok {
		ifc.SetUnlinkOnClose(false)
	}

	return f.addConnLocked(role, fdKindListener, network, addr, ln)
}

// DialWith takes a role and a function that returns a connection (akin to
// net.Dial). If an inherited connection with that role exists, it will be
// returned. Otherwise, the provided function will be called and the resulting
// connection stored with that role and returned.
func (f *Fds) DialWith(role, network, address string, dialFn func(network, address string) (net.Conn, error)) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conn, err := f.connLocked(role)
	if err != nil {
		return conn, err
	}
	if conn != nil {
		return conn, nil
	}
	if f.locked {
		return nil, f.lockedReason
	}

	newConn, err := dialFn(network, address)
	if err != nil {
		return nil, err
	}
	fdConn, ok := newConn.(Conn)
	if !ok {
		newConn.Close()
		return nil, errors.Errorf("%T doesn't implement procflip.Conn", newConn)
	}

	if err := f.addConnLocked(role, fdKindConn, network, address, fdConn); err != nil {
		newConn.Close()
		return nil, err
	}
	return newConn, nil
}

// Conn returns an inherited connection with the given role, or nil.
//
// It is the caller's responsibility to close the returned Conn at the
// appropriate time, typically when draining begins.
func (f *Fds) Conn(role string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connLocked(role)
}

func (f *Fds) connLocked(role string) (net.Conn, error) {
	file, ok := f.fds[role]
	if !ok || file.file == nil {
		return nil, nil
	}

	conn, err := net.FileConn(file.file.File)
	if err != nil {
		return nil, errors.Wrapf(err, "can't inherit connection %s", file.file)
	}
	return conn, nil
}

func (f *Fds) addConnLocked(role string, kind fdKind, network, addr string, conn syscall.Conn) error {
	fdObj := &fd{
		Kind:    kind,
		Role:    role,
		Network: network,
		Addr:    addr,
	}
	file, err := dupConn(conn, fdObj.String())
	if err != nil {
		return errors.Wrapf(err, "can't dup %s %s %s", kind, network, addr)
	}
	fdObj.file = file
	f.fds[role] = fdObj
	return nil
}

// OpenFileWith retrieves the file with the given role from the store, and if
// it's not present opens and adds it. The required openFunc is compatible
// with `os.Open`.
func (f *Fds) OpenFileWith(role string, name string, openFunc func(name string) (*os.File, error)) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, err := f.fileLocked(role)
	if err != nil {
		return nil, err
	}
	if fi != nil {
		return fi, nil
	}
	if f.locked {
		return nil, f.lockedReason
	}

	newFi, err := openFunc(name)
	if err != nil {
		return newFi, err
	}

	dup, err := dupFile(newFi, role)
	if err != nil {
		newFi.Close()
		return nil, err
	}

	newFd := &fd{
		Role: role,
		Kind: fdKindFile,
		file: dup,
	}
	f.fds[role] = newFd

	return newFi, nil
}

// File returns an inherited file with the given role, or nil.
//
// The descriptor may be in blocking mode.
func (f *Fds) File(role string) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileLocked(role)
}

// Remove removes the given role from the store and closes the stored
// descriptor.
func (f *Fds) Remove(role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// It's unsafe to close a descriptor while a restart attempt may be
	// passing it along, but it's safe (and necessary, to avoid leaks) once
	// the attempt has failed or never happened.
	if f.locked {
		return f.lockedReason
	}

	item, ok := f.fds[role]
	if !ok {
		return errors.Errorf("no descriptor in store with role %v", role)
	}
	delete(f.fds, role)
	if item.file != nil {
		return item.file.Close()
	}
	return nil
}

func (f *Fds) fileLocked(role string) (*os.File, error) {
	file, ok := f.fds[role]
	if !ok || file.file == nil {
		return nil, nil
	}

	// Make a copy of the file, since we don't want to allow the caller to
	// invalidate the store's descriptors.
	dup, err := dupFd(file.file.fd, file.String())
	if err != nil {
		return nil, err
	}
	return dup.File, nil
}

// snapshot returns the store's entries in stable role order, together with
// the matching files. The index of each entry is its slot in the handoff
// envelope.
func (f *Fds) snapshot() ([]EnvelopeEntry, []*os.File) {
	f.mu.Lock()
	defer f.mu.Unlock()

	roles := make([]string, 0, len(f.fds))
	for role := range f.fds {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	entries := make([]EnvelopeEntry, 0, len(roles))
	files := make([]*os.File, 0, len(roles))
	for _, role := range roles {
		fdObj := f.fds[role]
		entries = append(entries, EnvelopeEntry{
			Role:    fdObj.Role,
			Kind:    fdObj.Kind,
			Network: fdObj.Network,
			Addr:    fdObj.Addr,
		})
		files = append(files, fdObj.file.File)
	}
	return entries, files
}

func dupConn(conn syscall.Conn, name string) (*file, error) {
	// Use SyscallConn instead of File to avoid making the original
	// fd non-blocking.
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var dup *file
	var duperr error
	err = raw.Control(func(fd uintptr) {
		dup, duperr = dupFd(fd, name)
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't access fd")
	}
	return dup, duperr
}

func dupFile(fh *os.File, name string) (*file, error) {
	return dupFd(fh.Fd(), name)
}

func dupFd(fd uintptr, name string) (*file, error) {
	dupfd, _, errno := unix.Syscall(unix.SYS_FCNTL, fd, unix.F_DUPFD_CLOEXEC, 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "can't dup fd using fcntl")
	}

	return newFile(dupfd, name), nil
}
