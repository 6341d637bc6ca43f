package supervisor

import "time"

// Backend names the mtp.Transport implementation Connect accepts.
// Connect does not build transports itself; it rejects a
// GousbTransport or HanwenTransport that does not match Backend.
type Backend int

const (
	// BackendGousb uses google/gousb (default, actively maintained).
	BackendGousb Backend = iota
	// BackendHanwen uses the secondary hanwen/usb backing (§3 DOMAIN
	// STACK), kept for hosts where gousb's cgo context can't init.
	BackendHanwen
)

func (b Backend) String() string {
	switch b {
	case BackendGousb:
		return "BackendGousb"
	case BackendHanwen:
		return "BackendHanwen"
	default:
		return "Backend(unknown)"
	}
}

// ConfigFileName / CommandFileName are the well-known object names on
// the device's active storage (§6 External Interfaces).
const (
	ConfigFileName  = "config.txt"
	CommandFileName = "command.txt"
)

// Options configures a Supervisor.
type Options struct {
	Backend Backend

	// VendorID defaults to 0x1D3D (§6). The Supervisor does not read
	// it: it is handed already-located transports, and cmd/mtprecd
	// filters devices by mtp.VendorID.
	VendorID uint16

	// ChunkWindow overrides the default 50,000-packet large-object
	// chunk window; zero means use the package default.
	ChunkWindow int

	// MaxConcurrentConnects bounds how many devices ConnectAll drives
	// through Connect at once via a weighted semaphore. Each device's
	// own enumeration sequence stays strictly serial (§5); this only
	// caps parallelism across distinct devices.
	MaxConcurrentConnects int64

	// ConnectTimeout bounds the whole connect-and-enumerate sequence.
	ConnectTimeout time.Duration
}

// withDefaults fills in zero fields with their defaults.
func (o Options) withDefaults() Options {
	if o.VendorID == 0 {
		o.VendorID = 0x1D3D
	}
	if o.MaxConcurrentConnects <= 0 {
		o.MaxConcurrentConnects = 4
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	return o
}
