package mtp_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/choongmanee/mtprecd/mtp"
)

var _ = Describe("Engine.Command", func() {
	var ft *fakeTransport
	var e *mtp.Engine

	BeforeEach(func() {
		ft = &fakeTransport{}
		e = mtp.NewEngine(ft)
	})

	It("uses transaction id 0 for the first command, then increments", func() {
		ft.queue(dataContainer(mtp.OpGetStorageIDs, 0, mtp.EncodeIDArray(nil)))
		ft.queue(responseContainer(mtp.RCOK, 0))
		_, err := e.Command(context.Background(), mtp.OpGetStorageIDs, nil, nil, true)
		Expect(err).NotTo(HaveOccurred())

		sentFirst, err := mtp.Decode(ft.sent[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(sentFirst.TransactionID).To(Equal(uint32(0)))

		ft.queue(dataContainer(mtp.OpGetStorageIDs, 1, mtp.EncodeIDArray(nil)))
		ft.queue(responseContainer(mtp.RCOK, 1))
		_, err = e.Command(context.Background(), mtp.OpGetStorageIDs, nil, nil, true)
		Expect(err).NotTo(HaveOccurred())

		sentSecond, err := mtp.Decode(ft.sent[1])
		Expect(err).NotTo(HaveOccurred())
		Expect(sentSecond.TransactionID).To(Equal(uint32(1)))
	})

	It("accepts the Data and Response containers in either wire order", func() {
		payload := mtp.EncodeIDArray([]uint32{0x00010001, 0x00010002})
		ft.queue(
			responseContainer(mtp.RCOK, 0),
			dataContainer(mtp.OpGetStorageIDs, 0, payload),
		)
		res, err := e.Command(context.Background(), mtp.OpGetStorageIDs, nil, nil, true)
		Expect(err).NotTo(HaveOccurred())
		ids, err := mtp.DecodeIDArray(res.Data)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(Equal([]uint32{0x00010001, 0x00010002}))
	})

	It("rejects a second Data container as a protocol error", func() {
		ft.queue(
			dataContainer(mtp.OpGetObjectInfo, 0, []byte{0x01}),
			dataContainer(mtp.OpGetObjectInfo, 0, []byte{0x02}),
		)
		_, err := e.Command(context.Background(), mtp.OpGetObjectInfo, []uint32{1}, nil, true)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("protocol error"))
	})

	It("elevates SESSION_ALREADY_OPEN to a non-error Result", func() {
		ft.queue(responseContainer(mtp.RCSessionAlreadyOpen, 0))
		res, err := e.Command(context.Background(), mtp.OpOpenSession, []uint32{1}, nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Code).To(Equal(mtp.RCSessionAlreadyOpen))
	})

	It("surfaces any other response code as MtpStatusError", func() {
		ft.queue(responseContainer(0xDEAD, 0))
		_, err := e.Command(context.Background(), mtp.OpDeleteObject, []uint32{2, 0}, nil, false)
		Expect(err).To(HaveOccurred())
		statusErr, ok := err.(mtp.MtpStatusError)
		Expect(ok).To(BeTrue())
		Expect(statusErr.Code).To(Equal(uint16(0xDEAD)))
	})
})

func dataContainer(code uint16, tx uint32, payload []byte) []byte {
	return mtp.EncodeData(code, tx, payload)
}

func responseContainer(code uint16, tx uint32) []byte {
	// Response containers share the Command wire shape: 12-byte
	// header, zero or more little-endian uint32 params. EncodeCommand
	// happens to produce that exact byte layout with Type=Command;
	// patch the type field to Response for this synthetic fixture.
	buf := mtp.EncodeCommand(code, tx, nil)
	buf[4] = byte(mtp.ContainerResponse)
	buf[5] = byte(mtp.ContainerResponse >> 8)
	return buf
}
