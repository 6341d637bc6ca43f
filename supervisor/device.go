package supervisor

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/choongmanee/mtprecd/mtp"
)

// Device is the Supervisor's per-device handle: transport, session,
// and state, all strictly owned by the goroutine that's currently
// running a command against it (§5). cmdMu is the serialization point
// spec.md demands: "concurrent issue of two operations against the
// same device is forbidden".
type Device struct {
	Transport mtp.Transport
	Session   *mtp.Session

	state atomic.Int32

	cmdMu sync.Mutex

	Serial string
	Config map[string]string
}

func newDevice(t mtp.Transport) *Device {
	d := &Device{Transport: t, Session: mtp.NewSession(t)}
	d.setState(Detected)
	return d
}

// State returns the device's current state-machine node. Safe to call
// concurrently with an in-flight command.
func (d *Device) State() State {
	return State(d.state.Load())
}

func (d *Device) setState(s State) {
	d.state.Store(int32(s))
}

// withLock runs fn with the device's command mutex held, the one
// serialization point that makes "one logical task per device" hold
// in the face of concurrent callers (§5).
func (d *Device) withLock(fn func() error) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return fn()
}
