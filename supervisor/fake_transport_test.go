package supervisor_test

import (
	"context"
	"fmt"
)

// fakeTransport is an in-memory mtp.Transport double, mirroring the
// one in the mtp package's own tests: Recv replays a pre-loaded queue
// of packets, Send records what was written.
type fakeTransport struct {
	serial    string
	recvQueue [][]byte
	recvIdx   int
	sent      [][]byte
	openErr   error
}

func (f *fakeTransport) Open(ctx context.Context) error { return f.openErr }
func (f *fakeTransport) Close() error                   { return nil }
func (f *fakeTransport) SerialNumber() string           { return f.serial }

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
