package procflip

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// handoffEnv is the environment variable carrying the handoff envelope. Its
// presence is what distinguishes a successor process from a cold start.
const handoffEnv = "PROCFLIP_HANDOFF"

// firstSlotFd is the fd number of slot 0 in a spawned successor. Slots are
// appended to the process-creation file table after stdin, stdout and stderr.
const firstSlotFd = 3

// noSlot marks an envelope slot as absent.
const noSlot = -1

// EnvelopeEntry describes one inherited descriptor slot. The entry's index
// within the envelope determines the fd number the descriptor arrives on in
// the successor.
type EnvelopeEntry struct {
	Role string `json:"role"`
	Kind fdKind `json:"kind"`

	// for listeners/conns, stored for re-binding-free reconstruction and
	// pretty-printing
	Network string `json:"network,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

// Envelope is the record a predecessor attaches to the successor it spawns.
// It names the successor's generation and maps every inherited descriptor to
// its role. It is immutable once constructed.
type Envelope struct {
	// Generation is the successor's generation id, one greater than the
	// predecessor's.
	Generation uint64 `json:"generation"`
	// Entries are the application's inheritable descriptors, in slot order.
	Entries []EnvelopeEntry `json:"entries"`
	// ReadinessSlot is the slot of the successor's readiness channel
	// endpoint.
	ReadinessSlot int `json:"readinessSlot"`
	// DataSlot is the slot of the lifecycle handoff-data pipe, or -1.
	DataSlot int `json:"dataSlot"`
	// ControlSlot is the slot of the inherited control socket listener, or
	// -1.
	ControlSlot int `json:"controlSlot"`
	// ControlLockSlot is the slot of the control socket's lock file, or -1.
	// Inheriting the open lock keeps it held across the handoff.
	ControlLockSlot int `json:"controlLockSlot"`
}

// IsSuccessor reports whether this process was spawned as the successor of a
// previous generation. Applications query it once at startup to decide
// between cold-start and handoff-based initialization.
func IsSuccessor() bool {
	return os.Getenv(handoffEnv) != ""
}

func encodeEnvelope(env *Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "can't encode handoff envelope")
	}
	return string(data), nil
}

func decodeEnvelope(data string) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal([]byte(data), env); err != nil {
		return nil, errors.Wrap(err, "can't decode handoff envelope")
	}
	if env.ReadinessSlot < 0 {
		return nil, errors.Errorf("handoff envelope has no readiness slot")
	}
	return env, nil
}

// slotFile opens the inherited descriptor at the given slot. Only meaningful
// in a successor process.
func slotFile(slot int, name string) *os.File {
	return os.NewFile(uintptr(firstSlotFd+slot), name)
}

// scrubEnv returns environ with any handoff marker removed. The spawner
// builds the successor's environment from this so a stale marker from our own
// startup never leaks into the next generation.
func scrubEnv(environ []string) []string {
	prefix := fmt.Sprintf("%s=", handoffEnv)
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			continue
		}
		out = append(out, kv)
	}
	return out
}
