package mtp

import (
	"context"
	"fmt"
	"strings"

	"github.com/hanwen/usb"

	log "github.com/choongmanee/mtprecd/internal/mlog"
)

// HanwenTransport is the secondary Transport backing, ported from the
// teacher's original direct-libusb device driver. It is kept as a
// fallback for hosts where gousb's cgo context cannot be initialized.
// Supervisor.Connect enforces that it's only used when
// Options.Backend is BackendHanwen (see supervisor/options.go).
type HanwenTransport struct {
	dev *usb.Device
	h   *usb.DeviceHandle

	claimed bool

	devDescr   usb.DeviceDescriptor
	ifaceDescr usb.InterfaceDescriptor
	sendEP     byte
	fetchEP    byte
	serial     string

	// Timeout, in milliseconds, for every bulk transfer. Defaults to
	// 2000 if unset.
	Timeout int
}

// NewHanwenTransport wraps an already-located hanwen/usb device (the
// caller is expected to have done vendor-id enumeration via
// usb.Devices()).
func NewHanwenTransport(dev *usb.Device, descr usb.DeviceDescriptor, iface usb.InterfaceDescriptor) *HanwenTransport {
	return &HanwenTransport{dev: dev, devDescr: descr, ifaceDescr: iface, Timeout: 2000}
}

func (t *HanwenTransport) claim() error {
	if t.h == nil {
		return fmt.Errorf("device not open")
	}
	if err := t.h.ClaimInterface(t.ifaceDescr.InterfaceNumber); err != nil {
		return fmt.Errorf("failed to claim: %w", err)
	}
	t.claimed = true
	return nil
}

func (t *HanwenTransport) Open(ctx context.Context) error {
	var err error
	t.h, err = t.dev.Open()
	if err != nil {
		return &TransportLostError{Op: "open", Err: err}
	}
	if err := t.claim(); err != nil {
		t.h.Close()
		return &TransportLostError{Op: "claim", Err: err}
	}

	if t.ifaceDescr.InterfaceStringIndex != 0 {
		iface, err := t.h.GetStringDescriptorASCII(t.ifaceDescr.InterfaceStringIndex)
		if err != nil {
			t.Close()
			return &TransportLostError{Op: "interface string", Err: err}
		}
		if !strings.Contains(iface, "MTP") {
			t.Close()
			return &TransportLostError{Op: "interface string", Err: fmt.Errorf("no MTP in interface string %q", iface)}
		}
	}

	in, out, err := t.discoverEndpoints()
	if err != nil {
		t.Close()
		return err
	}
	t.fetchEP, t.sendEP = in, out

	if s, err := t.h.GetStringDescriptorASCII(t.devDescr.SerialNumber); err == nil {
		t.serial = s
	}

	log.USB.WithFields(map[string]interface{}{"ep_in": in, "ep_out": out}).Debug("bulk endpoints claimed (hanwen backend)")
	return nil
}

// discoverEndpoints scans the claimed interface's endpoint list for
// the lowest-numbered bulk IN and OUT addresses, ignoring interrupt
// endpoints (§4.1).
func (t *HanwenTransport) discoverEndpoints() (in, out byte, err error) {
	var ins, outs []byte
	for _, ep := range t.ifaceDescr.Endpoints {
		if ep.Attributes&0x3 != 0x2 { // not bulk
			continue
		}
		if ep.EndpointAddress&usb.ENDPOINT_IN != 0 {
			ins = append(ins, ep.EndpointAddress)
		} else {
			outs = append(outs, ep.EndpointAddress)
		}
	}
	if len(ins) == 0 || len(outs) == 0 {
		return 0, 0, &TransportLostError{Op: "endpoints", Err: fmt.Errorf("EndpointMissing: bulk in=%d bulk out=%d", len(ins), len(outs))}
	}
	minOf := func(bs []byte) byte {
		m := bs[0]
		for _, b := range bs[1:] {
			if b < m {
				m = b
			}
		}
		return m
	}
	return minOf(ins), minOf(outs), nil
}

func (t *HanwenTransport) Send(ctx context.Context, buf []byte) error {
	_, err := t.h.BulkTransfer(t.sendEP, buf, t.Timeout)
	if err != nil {
		return classifyIOErr(ctx, "bulk send", err)
	}
	return nil
}

func (t *HanwenTransport) Recv(ctx context.Context) ([]byte, error) {
	buf := make([]byte, t.dev.GetMaxPacketSize(t.fetchEP))
	if len(buf) == 0 || len(buf) > MTPPacketMaxSize {
		buf = make([]byte, MTPPacketMaxSize)
	}
	n, err := t.h.BulkTransfer(t.fetchEP, buf, t.Timeout)
	if err != nil {
		return nil, classifyIOErr(ctx, "bulk recv", err)
	}
	return buf[:n], nil
}

func (t *HanwenTransport) SerialNumber() string { return t.serial }

func (t *HanwenTransport) Close() error {
	if t.h == nil {
		return nil
	}
	if t.claimed {
		t.h.ReleaseInterface(t.ifaceDescr.InterfaceNumber)
	}
	err := t.h.Close()
	t.h = nil
	return err
}
