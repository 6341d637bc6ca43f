package mtp_test

import (
	"context"
	"fmt"

	"github.com/choongmanee/mtprecd/mtp"
)

// fakeTransport is an in-memory mtp.Transport double: Recv replays a
// pre-loaded queue of packets, Send records what was written so tests
// can assert on outbound framing.
type fakeTransport struct {
	recvQueue [][]byte
	recvIdx   int
	sent      [][]byte
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                    { return nil }
func (f *fakeTransport) SerialNumber() string             { return "FAKE0001" }

func (f *fakeTransport) Send(ctx context.Context, buf []byte) error {
	cp := append([]byte{}, buf...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) ([]byte, error) {
	if f.recvIdx >= len(f.recvQueue) {
		return nil, fmt.Errorf("fakeTransport: recv queue exhausted")
	}
	pkt := f.recvQueue[f.recvIdx]
	f.recvIdx++
	return pkt, nil
}

func (f *fakeTransport) queue(pkts ...[]byte) { f.recvQueue = append(f.recvQueue, pkts...) }

var _ mtp.Transport = (*fakeTransport)(nil)
