package mtp_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/choongmanee/mtprecd/mtp"
)

type spySink struct {
	chunks  [][]byte
	serials []string
}

func (s *spySink) Append(ctx context.Context, deviceSerial string, chunkIndex int, data []byte) error {
	s.chunks = append(s.chunks, append([]byte{}, data...))
	s.serials = append(s.serials, deviceSerial)
	return nil
}

func fillRand(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

var _ = Describe("Session.DownloadLarge", func() {
	It("flushes chunk windows and reassembles the exact byte count", func() {
		ft := &fakeTransport{}
		session := mtp.NewSession(ft)
		session.ChunkWindow = 2

		// Transaction 0: OpenSession, no data phase.
		ft.queue(responseContainer(mtp.RCOK, 0))
		Expect(session.OpenSession(context.Background())).To(Succeed())

		// Transaction 1: GetObject stream. total=1200 bytes: first
		// packet carries 500, then two more packets (512 + 188) to
		// reach 1200. The last data packet (188 bytes) is short, so it
		// terminates the Data phase on its own; the Response follows
		// directly, with no zero-length packet in between.
		const total = 1200
		full := fillRand(total, 7)
		firstPayload := full[:500]
		pkt2 := full[500:1012]
		pkt3 := full[1012:1200]

		ft.queue(append(append([]byte{}, headerBytes(mtp.OpGetObject, 1, total+12)...), firstPayload...))
		ft.queue(pkt2)
		ft.queue(pkt3)
		ft.queue(responseContainer(mtp.RCOK, 1))

		sink := &spySink{}
		var progressEvents []mtp.Progress
		err := session.DownloadLarge(context.Background(), 0x5, "SER123", sink, func(p mtp.Progress) {
			progressEvents = append(progressEvents, p)
		})
		Expect(err).NotTo(HaveOccurred())

		var got []byte
		for _, c := range sink.chunks {
			got = append(got, c...)
		}
		Expect(got).To(Equal(full))
		Expect(len(sink.chunks)).To(Equal(2), "window=2 packets should flush once mid-stream and once at the end")
		Expect(sink.serials[0]).To(Equal("SER123"))

		last := progressEvents[len(progressEvents)-1]
		Expect(last.Phase).To(Equal(mtp.PhaseFinished))
		Expect(last.BytesTransferred).To(Equal(uint64(total)))
		Expect(last.Percent).To(Equal(100.0))
	})

	It("reads a trailing zero-length terminator only when the last data packet exactly filled a full packet", func() {
		ft := &fakeTransport{}
		session := mtp.NewSession(ft)

		ft.queue(responseContainer(mtp.RCOK, 0))
		Expect(session.OpenSession(context.Background())).To(Succeed())

		// total=1012: first packet carries 500, one more full 512-byte
		// packet reaches 1012 exactly. A last packet that exactly fills
		// MTPPacketMaxSize means a real device still owes an explicit
		// zero-length packet before the Response.
		const total = 500 + mtp.MTPPacketMaxSize
		full := fillRand(total, 3)
		firstPayload := full[:500]
		pkt2 := full[500:total]

		ft.queue(append(append([]byte{}, headerBytes(mtp.OpGetObject, 1, total+12)...), firstPayload...))
		ft.queue(pkt2)
		ft.queue(nil) // zero-length terminator, expected after a full-size last packet
		ft.queue(responseContainer(mtp.RCOK, 1))

		sink := &spySink{}
		err := session.DownloadLarge(context.Background(), 0x5, "SER123", sink, nil)
		Expect(err).NotTo(HaveOccurred())

		var got []byte
		for _, c := range sink.chunks {
			got = append(got, c...)
		}
		Expect(got).To(Equal(full))
	})

	It("fails the download if the device never sends a matching Response", func() {
		ft := &fakeTransport{}
		session := mtp.NewSession(ft)
		ft.queue(responseContainer(mtp.RCOK, 0))
		Expect(session.OpenSession(context.Background())).To(Succeed())

		ft.queue(append(append([]byte{}, headerBytes(mtp.OpGetObject, 1, 12)...)))
		// no terminator, no response queued: Recv will error out.
		sink := &spySink{}
		err := session.DownloadLarge(context.Background(), 0x5, "SER123", sink, nil)
		Expect(err).To(HaveOccurred())
	})
})

func headerBytes(code uint16, tx uint32, totalLen int) []byte {
	return mtp.EncodeDataHeader(code, tx, totalLen-12)
}
