package supervisor

import "time"

// Record is the published projection of one device, handed to the
// external DeviceStore. The core never mutates a shared store
// directly (§9 REDESIGN FLAG "Dynamic device records"); it only emits
// these events.
type Record struct {
	Serial       string
	Storages     []StorageSummary
	Config       map[string]string
	HostPlatform string
	State        State
	UpdatedAt    time.Time
}

// StorageSummary is the UI-facing projection of a Storage: counts and
// totals, not the full object list (the GUI fetches object detail on
// demand via the core's own query methods, not through the store).
type StorageSummary struct {
	ID          uint32
	Description string
	TotalBytes  uint64
	UsedBytes   uint64
	ObjectCount int
}

// DeviceStore is the external boundary named in §6/§9: the host
// application's persistent record of attached devices. The core
// mutates it only through these three messages.
type DeviceStore interface {
	AddDevice(Record)
	UpdateDevice(Record)
	RemoveDevice(serial string)
}

// NullStore discards every event; useful for tests and for consumers
// that only care about the Observer toast/progress stream.
type NullStore struct{}

func (NullStore) AddDevice(Record)        {}
func (NullStore) UpdateDevice(Record)     {}
func (NullStore) RemoveDevice(string)     {}
