package procflip

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestFdsListen(t *testing.T) {
	ctx := context.Background()
	addrs := [][2]string{
		{"unix", ""},
		{"tcp", "localhost:0"},
	}

	fds := newFds(l, nil)

	for _, addr := range addrs {
		ln, err := fds.Listen(ctx, "role1", nil, addr[0], addr[1])
		if err != nil {
			t.Fatal(err)
		}
		if ln == nil {
			t.Fatal("Missing listener", addr)
		}
		ln.Close()
		if err := fds.Remove("role1"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFdsListenReturnsStored(t *testing.T) {
	ctx := context.Background()
	fds := newFds(l, nil)

	ln1, err := fds.Listen(ctx, "web", nil, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln1.Close()

	// same role again gives back the stored descriptor, not a new bind
	ln2, err := fds.Listen(ctx, "web", nil, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln2.Close()
	if ln1.Addr().String() != ln2.Addr().String() {
		t.Errorf("expected the stored listener for the role, got %v and %v", ln1.Addr(), ln2.Addr())
	}
}

func TestFdsListener(t *testing.T) {
	addr := &net.TCPAddr{
		IP:   net.ParseIP("127.0.0.1"),
		Port: 0,
	}

	tcp, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer tcp.Close()

	temp := tmpDir(t)
	socketPath := filepath.Join(temp, "socket")
	unix, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close()

	pred := newFds(l, nil)
	if _, err := pred.ListenWith("web", addr.Network(), addr.String(), func(_, _ string) (net.Listener, error) { return tcp, nil }); err != nil {
		t.Fatal("Can't add listener:", err)
	}
	tcp.Close()

	if _, err := pred.ListenWith("ipc", "unix", socketPath, func(_, _ string) (net.Listener, error) { return unix.(Listener), nil }); err != nil {
		t.Fatal("Can't add listener:", err)
	}
	unix.Close()

	if _, err := os.Stat(socketPath); err != nil {
		t.Error("unix.Close() unlinked socketPath:", err)
	}

	ln, err := pred.Listener("web")
	if err != nil {
		t.Fatal("Can't get listener:", err)
	}
	if ln == nil {
		t.Fatal("Missing listener")
	}
}

func TestFdsSnapshotOrder(t *testing.T) {
	ctx := context.Background()
	fds := newFds(l, nil)

	for _, role := range []string{"zeta", "alpha", "mid"} {
		if _, err := fds.Listen(ctx, role, nil, "tcp", "127.0.0.1:0"); err != nil {
			t.Fatal(err)
		}
	}

	entries, files := fds.snapshot()
	if len(entries) != 3 || len(files) != 3 {
		t.Fatalf("expected 3 entries and files, got %d/%d", len(entries), len(files))
	}
	// slot order is stable so both generations agree on fd numbering
	want := []string{"alpha", "mid", "zeta"}
	for i, entry := range entries {
		if entry.Role != want[i] {
			t.Errorf("slot %d: expected role %q, got %q", i, want[i], entry.Role)
		}
		if files[i] == nil {
			t.Errorf("slot %d: missing file", i)
		}
	}
}

func TestFdsLockedMutations(t *testing.T) {
	ctx := context.Background()
	fds := newFds(l, nil)
	if _, err := fds.Listen(ctx, "web", nil, "tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	fds.lockMutations(ErrRestartInProgress)
	if _, err := fds.Listen(ctx, "other", nil, "tcp", "127.0.0.1:0"); err != ErrRestartInProgress {
		t.Errorf("expected ErrRestartInProgress, got %v", err)
	}
	if err := fds.Remove("web"); err != ErrRestartInProgress {
		t.Errorf("expected ErrRestartInProgress, got %v", err)
	}
	// stored descriptors stay readable during an upgrade attempt
	if ln, err := fds.Listener("web"); err != nil || ln == nil {
		t.Errorf("expected the stored listener to remain accessible: %v", err)
	}

	fds.unlockMutations()
	if err := fds.Remove("web"); err != nil {
		t.Errorf("expected mutations to work after unlock: %v", err)
	}
}

// inheritFds hands pred's descriptors to a "successor" store the way a
// spawned process would receive them.
func inheritFds(t *testing.T, pred *Fds) *Fds {
	t.Helper()
	entries, _ := pred.snapshot()
	succ := newFds(l, nil)
	for _, entry := range entries {
		fdObj := &fd{Kind: entry.Kind, Role: entry.Role, Network: entry.Network, Addr: entry.Addr}
		orig := pred.fds[entry.Role]
		dup, err := dupFd(orig.file.fd, fdObj.String())
		if err != nil {
			t.Fatal(err)
		}
		fdObj.file = dup
		succ.fds[entry.Role] = fdObj
	}
	return succ
}

func TestFdsInheritedRoundTrip(t *testing.T) {
	ctx := context.Background()
	pred := newFds(l, nil)
	ln, err := pred.Listen(ctx, "web", nil, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	succ := inheritFds(t, pred)

	got, err := succ.Listener("web")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("successor store lost the listener")
	}
	defer got.Close()
	if got.Addr().String() != ln.Addr().String() {
		t.Errorf("inherited listener has address %v, want %v", got.Addr(), ln.Addr())
	}
}

func TestFdsConn(t *testing.T) {
	pred := newFds(l, nil)
	unixConn, err := pred.DialWith("peer", "unixgram", "", func(_, _ string) (net.Conn, error) {
		return net.ListenUnixgram("unixgram", &net.UnixAddr{
			Net:  "unixgram",
			Name: "",
		})
	})
	if err != nil {
		t.Fatal("Can't add conn:", err)
	}
	unixConn.Close()

	// the store keeps its own duplicate, so the caller's close doesn't
	// invalidate it
	conn, err := pred.Conn("peer")
	if err != nil {
		t.Fatal("Can't get conn:", err)
	}
	if conn == nil {
		t.Fatal("Missing conn")
	}
	conn.Close()

	// same role again gives back the stored conn, not a fresh dial
	redial, err := pred.DialWith("peer", "unixgram", "", func(_, _ string) (net.Conn, error) {
		t.Error("expected the stored conn, dialed instead")
		return nil, errors.New("unreachable")
	})
	if err != nil {
		t.Fatal("Can't get stored conn:", err)
	}
	redial.Close()

	succ := inheritFds(t, pred)
	inherited, err := succ.Conn("peer")
	if err != nil {
		t.Fatal("Can't inherit conn:", err)
	}
	if inherited == nil {
		t.Fatal("successor store lost the conn")
	}
	inherited.Close()
}

func TestFdsFile(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	pred := newFds(l, nil)
	if _, err := pred.OpenFileWith("statefile", "statefile", func(_ string) (*os.File, error) {
		return w, nil
	}); err != nil {
		t.Fatal("Can't add file:", err)
	}
	w.Close()

	succ := inheritFds(t, pred)
	file, err := succ.File("statefile")
	if err != nil {
		t.Fatal("Can't get file:", err)
	}
	if file == nil {
		t.Fatal("Missing file")
	}

	// the inherited descriptor is the same pipe: bytes written through it
	// arrive at the original read end
	if _, err := file.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	file.Close()
	data := make([]byte, 4)
	if _, err := io.ReadFull(r, data); err != nil {
		t.Fatal(err)
	}
	if string(data) != "ping" {
		t.Errorf("read %q through the inherited pipe, want %q", data, "ping")
	}

	if err := pred.Remove("statefile"); err != nil {
		t.Fatal(err)
	}
	if fi, err := pred.File("statefile"); err != nil || fi != nil {
		t.Errorf("expected the removed role to be gone, got %v, %v", fi, err)
	}
}
