// Package supervisor implements the Device Supervisor (§4.7): it owns
// the set of attached devices, runs the connect sequence, enumerates
// storages and objects, reads the device configuration file, and
// publishes device records and toast-level notifications. USB device
// enumeration and permission prompting are out of scope here (§1) —
// the host hands Connect an already-located, unopened mtp.Transport;
// the Supervisor drives everything from Open() onward.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/choongmanee/mtprecd/deviceconfig"
	log "github.com/choongmanee/mtprecd/internal/mlog"
	"github.com/choongmanee/mtprecd/mtp"
	"github.com/choongmanee/mtprecd/observer"
)

// Supervisor owns the map serial -> *Device explicitly (§9 REDESIGN
// FLAG "Implicit global singletons" — no module-level mutable state).
type Supervisor struct {
	opts Options

	store      DeviceStore
	obs        observer.Observer
	connectSem *semaphore.Weighted

	mu      sync.RWMutex
	devices map[string]*Device
}

// New builds a Supervisor. store and obs may be NullStore{} and
// observer.Func(func(observer.Event){}) respectively if the caller
// doesn't need them.
func New(opts Options, store DeviceStore, obs observer.Observer) *Supervisor {
	o := opts.withDefaults()
	return &Supervisor{
		opts:       o,
		store:      store,
		obs:        obs,
		connectSem: semaphore.NewWeighted(o.MaxConcurrentConnects),
		devices:    make(map[string]*Device),
	}
}

// ConnectAll runs Connect against every transport concurrently,
// bounded by Options.MaxConcurrentConnects — the one point in this
// profile where two devices really are driven in parallel (§5). A
// single device's own command stream stays strictly serial regardless
// of how ConnectAll is called: Connect acquires the per-connect
// semaphore slot and then talks to exactly one Transport end to end.
func (sv *Supervisor) ConnectAll(ctx context.Context, transports []mtp.Transport) ([]*Device, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]*Device, len(transports))
	for i, t := range transports {
		i, t := i, t
		g.Go(func() error {
			dev, err := sv.Connect(gctx, t)
			if err != nil {
				return err
			}
			results[i] = dev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Connect runs the forward path of the state machine (§4.7) against
// an already-opened-at-the-USB-level, not-yet-MTP-configured
// transport: configure/claim/discover endpoints (done inside
// Transport.Open), OpenSession, enumerate storages and files, read
// the config file, and publish the device record. Devices are keyed
// by serial number; a repeat Connect for a known serial number is
// idempotent and treated as an update. Concurrent Connect calls (for
// distinct devices) are bounded by Options.MaxConcurrentConnects; the
// sequence for any one device is never run concurrently with itself.
func (sv *Supervisor) Connect(ctx context.Context, t mtp.Transport) (*Device, error) {
	if err := sv.connectSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sv.connectSem.Release(1)

	if err := sv.checkBackend(t); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, sv.opts.ConnectTimeout)
	defer cancel()

	dev := newDevice(t)
	if sv.opts.ChunkWindow > 0 {
		dev.Session.ChunkWindow = sv.opts.ChunkWindow
	}

	dev.setState(Opening)
	if err := t.Open(ctx); err != nil {
		dev.setState(Faulted)
		return nil, err
	}
	dev.setState(InterfaceClaimed)
	dev.setState(EndpointsKnown)

	if err := dev.Session.Reconfigure(ctx); err != nil {
		dev.setState(Faulted)
		t.Close()
		return nil, err
	}
	dev.setState(SessionOpen)

	if err := sv.enumerate(ctx, dev); err != nil {
		dev.setState(Faulted)
		sv.closeSession(ctx, dev)
		return nil, err
	}
	dev.setState(Enumerated)

	serial := dev.Serial
	if serial == "" {
		serial = t.SerialNumber()
		dev.Serial = serial
	}
	if serial == "" {
		dev.setState(Faulted)
		sv.closeSession(ctx, dev)
		return nil, fmt.Errorf("mtp: device published no SerialNumber in config.txt or USB descriptor")
	}

	sv.mu.Lock()
	_, existed := sv.devices[serial]
	sv.devices[serial] = dev
	sv.mu.Unlock()

	dev.setState(Ready)
	sv.publish(dev, existed)

	log.Supervisor.WithFields(map[string]interface{}{"serial": serial}).Info("device ready")
	return dev, nil
}

// enumerate runs GetStorageIDs -> GetStorageInfo per storage ->
// GetObjectHandles per storage -> GetObjectInfo per object -> locates
// config.txt, downloads and parses it (§4.7). Every step here issues
// transactions against dev's single Session one at a time: §5 forbids
// two in-flight operations against the same device, so storages and
// objects are walked with plain sequential loops rather than fanned
// out. The one place this profile parallelizes is across distinct
// devices, in ConnectAll.
func (sv *Supervisor) enumerate(ctx context.Context, dev *Device) error {
	storageIDs, err := dev.Session.GetStorageIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range storageIDs {
		if _, err := dev.Session.GetStorageInfo(ctx, id); err != nil {
			return err
		}
	}

	for _, id := range storageIDs {
		if _, err := dev.Session.GetObjectHandles(ctx, id); err != nil {
			return err
		}
	}

	var handles []uint32
	for _, st := range dev.Session.Storages {
		for _, o := range st.Objects {
			handles = append(handles, o.Handle)
		}
	}

	for _, h := range handles {
		if _, err := dev.Session.GetObjectInfo(ctx, h); err != nil {
			return err
		}
	}

	return sv.readConfigFile(ctx, dev)
}

// readConfigFile locates config.txt by name among the enumerated
// objects, downloads it (it is always small), parses it as KEY=VALUE
// lines, and extracts SerialNumber (§4.7, §6).
func (sv *Supervisor) readConfigFile(ctx context.Context, dev *Device) error {
	handle, ok := findObjectByName(dev.Session, ConfigFileName)
	if !ok {
		// No config file is not fatal to enumeration; the device
		// record simply publishes without a serial from config and
		// falls back to the USB descriptor's serial number.
		return nil
	}
	raw, err := dev.Session.GetObject(ctx, handle)
	if err != nil {
		return err
	}
	cfg := deviceconfig.Parse(string(raw))
	dev.Config = cfg
	if s := cfg[deviceconfig.SerialNumberKey]; s != "" {
		dev.Serial = s
	}
	return nil
}

func findObjectByName(s *mtp.Session, name string) (uint32, bool) {
	for _, st := range s.Storages {
		for _, o := range st.Objects {
			if o.Info.Filename == name {
				return o.Handle, true
			}
		}
	}
	return 0, false
}

// UploadCommand implements the command-file upload procedure (§6):
// delete an existing command.txt (the first one found on any
// storage), SendObjectInfo to the device's first storage, then
// SendObject with the bytes.
func (sv *Supervisor) UploadCommand(ctx context.Context, serial string, body []byte) error {
	dev, err := sv.lookup(serial)
	if err != nil {
		return err
	}
	return dev.withLock(func() error {
		if len(dev.Session.Storages) == 0 {
			return fmt.Errorf("mtp: device %s has no storage to upload to", serial)
		}
		storageID := dev.Session.Storages[0].ID

		if handle, ok := findObjectByName(dev.Session, CommandFileName); ok {
			if err := dev.Session.DeleteObject(ctx, handle); err != nil {
				return err
			}
		}

		newHandle, err := dev.Session.SendObjectInfo(ctx, storageID, CommandFileName, len(body))
		if err != nil {
			return err
		}
		if err := dev.Session.SendObject(ctx, body); err != nil {
			return err
		}
		dev.Session.Storages[0].Objects = append(dev.Session.Storages[0].Objects, mtp.Object{
			Handle: newHandle,
			Info:   mtp.ObjectInfo{StorageID: storageID, ObjectFormat: mtp.ObjectFormatUndefined, CompressedSize: uint32(len(body)), ParentObject: mtp.RootParent, Filename: CommandFileName},
		})
		return nil
	})
}

// Download drives a large-object download on serial's device, holding
// its command mutex for the whole transfer (§5: a download occupies
// the device exclusively, same as any other transaction).
func (sv *Supervisor) Download(ctx context.Context, serial string, handle uint32, sink mtp.ChunkSink) error {
	dev, err := sv.lookup(serial)
	if err != nil {
		return err
	}
	return dev.withLock(func() error {
		return dev.Session.DownloadLarge(ctx, handle, serial, sink, func(p mtp.Progress) {
			sv.obs.Publish(observer.Event{Progress: &p})
		})
	})
}

// Disconnect handles a host-delivered disconnect: CloseSession is
// attempted only if Session-Open (or later) was reached, then USB
// resources are released and the device is dropped from the map
// (§4.7: "Disconnect and Eject both converge on Closing").
func (sv *Supervisor) Disconnect(ctx context.Context, serial string) error {
	return sv.teardown(ctx, serial, "Device removed")
}

// Eject performs a soft-eject: same teardown as Disconnect, without
// physically unplugging the device.
func (sv *Supervisor) Eject(ctx context.Context, serial string) error {
	return sv.teardown(ctx, serial, "Device ejected")
}

func (sv *Supervisor) teardown(ctx context.Context, serial, toastMessage string) error {
	sv.mu.Lock()
	dev, ok := sv.devices[serial]
	if ok {
		delete(sv.devices, serial)
	}
	sv.mu.Unlock()
	if !ok {
		return fmt.Errorf("mtp: unknown device %s", serial)
	}

	dev.setState(Closing)
	sv.closeSession(ctx, dev)

	sv.store.RemoveDevice(serial)
	sv.obs.Publish(observer.Event{Toast: &observer.Toast{
		Kind: observer.ToastDeviceRemoved, Serial: serial, Message: toastMessage, At: time.Now(),
	}})
	return nil
}

// closeSession issues CloseSession only if the MTP session is actually
// open. It reads that directly off the Session rather than off dev's
// own state field: every caller sets dev's state to Closing/Faulted
// just before calling closeSession, and those terminal states don't
// order against SessionOpen/Enumerated/Ready the way a live "was the
// session open" check needs, so the state field can't answer this.
func (sv *Supervisor) closeSession(ctx context.Context, dev *Device) {
	if dev.Session.IsOpen() {
		_ = dev.Session.CloseSession(ctx)
	}
	_ = dev.Transport.Close()
}

// checkBackend rejects a Transport whose concrete type is one of the
// two known backends but disagrees with Options.Backend. Connect takes
// an already-constructed Transport rather than doing its own device
// enumeration, so Backend can't steer which concrete type gets built;
// this at least catches the case that inertness would otherwise hide —
// a HanwenTransport handed to a Supervisor configured for BackendGousb,
// or vice versa — without rejecting Transport implementations it
// doesn't recognize (test doubles, future backends).
func (sv *Supervisor) checkBackend(t mtp.Transport) error {
	switch t.(type) {
	case *mtp.GousbTransport:
		if sv.opts.Backend != BackendGousb {
			return fmt.Errorf("mtp: Connect was given a gousb Transport, but Options.Backend selects %v", sv.opts.Backend)
		}
	case *mtp.HanwenTransport:
		if sv.opts.Backend != BackendHanwen {
			return fmt.Errorf("mtp: Connect was given a hanwen Transport, but Options.Backend selects %v", sv.opts.Backend)
		}
	}
	return nil
}

func (sv *Supervisor) lookup(serial string) (*Device, error) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	dev, ok := sv.devices[serial]
	if !ok {
		return nil, fmt.Errorf("mtp: unknown device %s", serial)
	}
	return dev, nil
}

func (sv *Supervisor) publish(dev *Device, wasUpdate bool) {
	rec := sv.toRecord(dev)

	kind := observer.ToastDeviceAdded
	msg := "Device added"
	if wasUpdate {
		sv.store.UpdateDevice(rec)
		kind = observer.ToastDeviceUpdated
		msg = "Device updated"
	} else {
		sv.store.AddDevice(rec)
	}
	sv.obs.Publish(observer.Event{Toast: &observer.Toast{
		Kind: kind, Serial: dev.Serial, Message: msg, At: time.Now(),
	}})
}

func (sv *Supervisor) toRecord(dev *Device) Record {
	summaries := make([]StorageSummary, len(dev.Session.Storages))
	for i, st := range dev.Session.Storages {
		summaries[i] = StorageSummary{
			ID:          st.ID,
			Description: st.Info.Description,
			TotalBytes:  st.Info.MaxCapacity,
			UsedBytes:   st.Info.Used(),
			ObjectCount: len(st.Objects),
		}
	}
	return Record{
		Serial:       dev.Serial,
		Storages:     summaries,
		Config:       dev.Config,
		HostPlatform: hostPlatformString(),
		State:        dev.State(),
		UpdatedAt:    time.Now(),
	}
}

// Devices returns the serial numbers of every currently tracked
// device, for UI listing.
func (sv *Supervisor) Devices() []string {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]string, 0, len(sv.devices))
	for s := range sv.devices {
		out = append(out, s)
	}
	return out
}
