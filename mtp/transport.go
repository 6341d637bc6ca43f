package mtp

import (
	"context"
	"errors"
)

// classifyIOErr turns a failed bulk transfer into a *TimeoutError when
// ctx's own deadline is what ended it (§5: "Expiry fails the
// transaction with Timeout"), or a *TransportLostError for every other
// failure (endpoint gone, device unplugged, short write). Checking
// ctx.Err() rather than just err covers transports like hanwen/usb
// whose BulkTransfer doesn't itself return a context-flavored error.
func classifyIOErr(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op}
	}
	return &TransportLostError{Op: op, Err: err}
}

// Transport is the Bulk Transport boundary (§4.1): a half-duplex byte
// pipe over one bulk-OUT and one bulk-IN endpoint. Concurrency is
// serialized entirely by the Transaction Engine; a Transport
// implementation need not be safe for concurrent use.
type Transport interface {
	// Open opens the device, selects configuration 1, claims
	// interface 0, and discovers the bulk endpoints. Returns
	// *TransportLostError on any failure.
	Open(ctx context.Context) error

	// Send writes one buffer to the OUT endpoint as a single bulk
	// transfer. No framing is added.
	Send(ctx context.Context, buf []byte) error

	// Recv reads one bulk IN transfer of up to MTPPacketMaxSize
	// bytes and returns the bytes actually received.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the interface and closes the device handle.
	Close() error

	// SerialNumber returns the USB device's serial number string
	// descriptor, read once at Open time.
	SerialNumber() string
}
