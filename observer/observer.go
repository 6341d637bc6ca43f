// Package observer implements the Observer contract (§6): download
// progress and device lifecycle toasts, published to whatever is
// listening on the other side of the boundary named in spec.md §1
// ("the GUI shell... provided by the host").
package observer

import (
	"time"

	"github.com/choongmanee/mtprecd/mtp"
)

// ToastKind enumerates the user-visible, non-detailed messages the
// Supervisor publishes (§7: "toast-level messages").
type ToastKind string

const (
	ToastDeviceAdded   ToastKind = "DeviceAdded"
	ToastDeviceUpdated ToastKind = "DeviceUpdated"
	ToastDeviceRemoved ToastKind = "DeviceRemoved"
)

// Toast is one device-lifecycle notification.
type Toast struct {
	Kind      ToastKind `json:"kind"`
	Serial    string    `json:"serial"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Event is the envelope published on the Observer boundary: exactly
// one of Progress/Toast is populated.
type Event struct {
	Progress *mtp.Progress `json:"progress,omitempty"`
	Toast    *Toast        `json:"toast,omitempty"`
}

// Observer receives Events as the core produces them. Implementations
// must not block the caller for long; the core's streaming loop and
// supervisor state machine call Publish inline.
type Observer interface {
	Publish(Event)
}

// Func adapts a plain function to the Observer interface.
type Func func(Event)

func (f Func) Publish(e Event) { f(e) }

// Multi fans one Event out to several Observers, ignoring a nil
// Observer in the list (useful for optionally wiring a websocket
// observer alongside a logging-only one).
type Multi []Observer

func (m Multi) Publish(e Event) {
	for _, o := range m {
		if o != nil {
			o.Publish(e)
		}
	}
}
