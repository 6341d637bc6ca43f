package supervisor_test

import (
	"context"
	"sync"

	"github.com/hanwen/usb"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/choongmanee/mtprecd/mtp"
	"github.com/choongmanee/mtprecd/observer"
	"github.com/choongmanee/mtprecd/supervisor"
)

// recordingStore captures every AddDevice/UpdateDevice/RemoveDevice
// call, in order, for assertions.
type recordingStore struct {
	mu      sync.Mutex
	added   []supervisor.Record
	updated []supervisor.Record
	removed []string
}

func (s *recordingStore) AddDevice(r supervisor.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, r)
}
func (s *recordingStore) UpdateDevice(r supervisor.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, r)
}
func (s *recordingStore) RemoveDevice(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, serial)
}

// collector gathers published Events for assertions.
type collector struct {
	mu     sync.Mutex
	events []observer.Event
}

func (c *collector) Publish(e observer.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

const storageID = uint32(0x00010001)
const objectHandle = uint32(0x00000001)

// spySink is a minimal mtp.ChunkSink double recording every flush.
type spySink struct {
	chunks [][]byte
}

func (s *spySink) Append(ctx context.Context, deviceSerial string, chunkIndex int, data []byte) error {
	s.chunks = append(s.chunks, append([]byte{}, data...))
	return nil
}

// queueEnumeration loads ft with the full Connect sequence's replies:
// OpenSession, GetStorageIDs (one storage), GetStorageInfo,
// GetObjectHandles (one object), GetObjectInfo (named config.txt),
// then GetObject returning configBody. Transaction ids start at 0 and
// increment per §4.4, matching what a fresh Engine will allocate.
func queueEnumeration(ft *fakeTransport, configBody string) {
	ft.queue(responseContainer(mtp.RCOK, 0))

	ft.queue(
		dataContainer(mtp.OpGetStorageIDs, 1, mtp.EncodeIDArray([]uint32{storageID})),
		responseContainer(mtp.RCOK, 1),
	)

	info := mtp.StorageInfo{
		StorageType:      mtp.StorageTypeFixedRAM,
		MaxCapacity:      1 << 30,
		FreeSpaceInBytes: 1 << 29,
		Description:      "Internal",
	}
	ft.queue(
		dataContainer(mtp.OpGetStorageInfo, 2, mtp.EncodeStorageInfo(info)),
		responseContainer(mtp.RCOK, 2),
	)

	ft.queue(
		dataContainer(mtp.OpGetObjectHandles, 3, mtp.EncodeIDArray([]uint32{objectHandle})),
		responseContainer(mtp.RCOK, 3),
	)

	objInfo := mtp.ObjectInfo{StorageID: storageID, Filename: supervisor.ConfigFileName}
	ft.queue(
		dataContainer(mtp.OpGetObjectInfo, 4, mtp.EncodeObjectInfo(objInfo)),
		responseContainer(mtp.RCOK, 4),
	)

	ft.queue(
		dataContainer(mtp.OpGetObject, 5, []byte(configBody)),
		responseContainer(mtp.RCOK, 5),
	)
}

var _ = Describe("Supervisor.Connect", func() {
	It("drives a device through the full state machine and publishes an AddDevice record", func() {
		ft := &fakeTransport{}
		queueEnumeration(ft, "SerialNumber=ABC123\r\nAudioLength=42\r\n")

		store := &recordingStore{}
		obs := &collector{}
		sv := supervisor.New(supervisor.Options{}, store, obs)

		dev, err := sv.Connect(context.Background(), ft)
		Expect(err).NotTo(HaveOccurred())
		Expect(dev.Serial).To(Equal("ABC123"))
		Expect(dev.State()).To(Equal(supervisor.Ready))
		Expect(dev.Config["AudioLength"]).To(Equal("42"))

		Expect(store.added).To(HaveLen(1))
		Expect(store.added[0].Serial).To(Equal("ABC123"))
		Expect(store.added[0].Storages).To(HaveLen(1))
		Expect(store.added[0].Storages[0].ID).To(Equal(storageID))

		Expect(sv.Devices()).To(ConsistOf("ABC123"))

		var sawAdded bool
		for _, e := range obs.events {
			if e.Toast != nil && e.Toast.Kind == observer.ToastDeviceAdded {
				sawAdded = true
			}
		}
		Expect(sawAdded).To(BeTrue())
	})

	It("falls back to the USB descriptor serial when config.txt has none", func() {
		ft := &fakeTransport{serial: "USBSERIAL1"}
		queueEnumeration(ft, "AudioLength=42\r\n")

		sv := supervisor.New(supervisor.Options{}, supervisor.NullStore{}, observer.Func(func(observer.Event) {}))
		dev, err := sv.Connect(context.Background(), ft)
		Expect(err).NotTo(HaveOccurred())
		Expect(dev.Serial).To(Equal("USBSERIAL1"))
	})

	It("fails when neither config.txt nor the USB descriptor name a serial", func() {
		ft := &fakeTransport{}
		queueEnumeration(ft, "AudioLength=42\r\n")

		sv := supervisor.New(supervisor.Options{}, supervisor.NullStore{}, observer.Func(func(observer.Event) {}))
		_, err := sv.Connect(context.Background(), ft)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a hanwen Transport when Options.Backend selects gousb", func() {
		ht := mtp.NewHanwenTransport(nil, usb.DeviceDescriptor{}, usb.InterfaceDescriptor{})

		sv := supervisor.New(supervisor.Options{Backend: supervisor.BackendGousb}, supervisor.NullStore{}, observer.Func(func(observer.Event) {}))
		_, err := sv.Connect(context.Background(), ht)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Supervisor device operations", func() {
	var (
		sv *supervisor.Supervisor
		ft *fakeTransport
	)

	connect := func() {
		ft = &fakeTransport{}
		queueEnumeration(ft, "SerialNumber=ABC123\r\n")
		sv = supervisor.New(supervisor.Options{}, supervisor.NullStore{}, observer.Func(func(observer.Event) {}))
		_, err := sv.Connect(context.Background(), ft)
		Expect(err).NotTo(HaveOccurred())
	}

	It("UploadCommand deletes any stale command.txt, then SendObjectInfo/SendObject", func() {
		connect()
		// tx6: SendObjectInfo, no data-in phase, needs >=3 response params.
		ft.queue(responseContainer(mtp.RCOK, 6, 0, 0, 0x00000099))
		// tx7: SendObject, no data-in phase.
		ft.queue(responseContainer(mtp.RCOK, 7))

		err := sv.UploadCommand(context.Background(), "ABC123", []byte("do-thing"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("UploadCommand reports an error for an unknown serial", func() {
		connect()
		err := sv.UploadCommand(context.Background(), "NOSUCH", []byte("x"))
		Expect(err).To(HaveOccurred())
	})

	It("Download streams a large object through DownloadLarge", func() {
		connect()
		const total = 500 + mtp.MTPPacketMaxSize
		full := make([]byte, total)
		for i := range full {
			full[i] = byte(i)
		}
		// tx6: GetObject stream — first packet (512 bytes incl header
		// budget), then the full-size 512-byte remainder, then the
		// zero-length terminator a full last packet calls for, then
		// Response.
		ft.queue(append(append([]byte{}, mtp.EncodeDataHeader(mtp.OpGetObject, 6, total)...), full[:500]...))
		ft.queue(full[500:])
		ft.queue(nil)
		ft.queue(responseContainer(mtp.RCOK, 6))

		sink := &spySink{}
		err := sv.Download(context.Background(), "ABC123", objectHandle, sink)
		Expect(err).NotTo(HaveOccurred())

		var got []byte
		for _, c := range sink.chunks {
			got = append(got, c...)
		}
		Expect(got).To(Equal(full))
	})

	It("Disconnect closes the session, removes the device, and drops it from Devices", func() {
		connect()
		ft.queue(responseContainer(mtp.RCOK, 6)) // tx6: CloseSession
		Expect(sv.Disconnect(context.Background(), "ABC123")).To(Succeed())
		Expect(sv.Devices()).To(BeEmpty())

		err := sv.UploadCommand(context.Background(), "ABC123", []byte("x"))
		Expect(err).To(HaveOccurred())
	})
})
