package mtp

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/gousb"

	log "github.com/choongmanee/mtprecd/internal/mlog"
)

// GousbTransport is the primary Transport implementation, backed by
// google/gousb's libusb binding. It is the teacher's direct
// (non-indirect) USB dependency and the actively maintained one of the
// two backings this module carries (see transport_hanwen.go for the
// secondary path).
type GousbTransport struct {
	ctx *gousb.Context
	dev *gousb.Device
	cfg *gousb.Config
	intf *gousb.Interface

	inEP  *gousb.InEndpoint
	outEP *gousb.OutEndpoint

	serial string
}

// NewGousbTransport opens the first device matching vendorID on the
// given libusb context. The context's lifetime is owned by the
// caller (cmd/mtprecd's main opens one context for the process).
func NewGousbTransport(ctx *gousb.Context, vendorID gousb.ID) (*GousbTransport, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vendorID
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, &TransportLostError{Op: "OpenDevices", Err: err}
	}
	if len(devs) == 0 {
		return nil, &TransportLostError{Op: "OpenDevices", Err: fmt.Errorf("no device with vendor id %s", vendorID)}
	}
	// Keep the first match, close the rest: this profile drives one
	// device at a time per Transport instance.
	for _, d := range devs[1:] {
		d.Close()
	}
	return &GousbTransport{ctx: ctx, dev: devs[0]}, nil
}

func (t *GousbTransport) Open(ctx context.Context) error {
	t.dev.SetAutoDetach(true)

	cfg, err := t.dev.Config(1)
	if err != nil {
		return &TransportLostError{Op: "Config(1)", Err: err}
	}
	t.cfg = cfg

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		t.cfg.Close()
		return &TransportLostError{Op: "Interface(0,0)", Err: err}
	}
	t.intf = intf

	inAddr, outAddr, err := discoverBulkEndpoints(t.dev.Desc)
	if err != nil {
		t.intf.Close()
		t.cfg.Close()
		return err
	}

	t.inEP, err = intf.InEndpoint(int(inAddr))
	if err != nil {
		t.intf.Close()
		t.cfg.Close()
		return &TransportLostError{Op: "InEndpoint", Err: err}
	}
	t.outEP, err = intf.OutEndpoint(int(outAddr))
	if err != nil {
		t.intf.Close()
		t.cfg.Close()
		return &TransportLostError{Op: "OutEndpoint", Err: err}
	}

	if s, err := t.dev.SerialNumber(); err == nil {
		t.serial = s
	}

	log.USB.WithFields(map[string]interface{}{
		"ep_in":  inAddr,
		"ep_out": outAddr,
	}).Debug("bulk endpoints claimed")
	return nil
}

// discoverBulkEndpoints inspects the first interface's first
// alternate (§4.1) and returns the lowest-numbered bulk IN and OUT
// endpoint addresses, ignoring interrupt endpoints.
func discoverBulkEndpoints(desc *gousb.DeviceDesc) (in, out gousb.EndpointAddress, err error) {
	cfgDesc, ok := desc.Configs[1]
	if !ok {
		return 0, 0, &TransportLostError{Op: "endpoints", Err: fmt.Errorf("no configuration 1")}
	}
	ifaceDesc, ok := cfgDesc.Interfaces[0]
	if !ok || len(ifaceDesc.AltSettings) == 0 {
		return 0, 0, &TransportLostError{Op: "endpoints", Err: fmt.Errorf("no interface 0 alt 0")}
	}
	alt := ifaceDesc.AltSettings[0]

	var ins, outs []gousb.EndpointAddress
	for addr, ep := range alt.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			ins = append(ins, addr)
		} else {
			outs = append(outs, addr)
		}
	}
	if len(ins) == 0 || len(outs) == 0 {
		return 0, 0, &TransportLostError{Op: "endpoints", Err: fmt.Errorf("EndpointMissing: bulk in=%d bulk out=%d", len(ins), len(outs))}
	}
	sort.Slice(ins, func(i, j int) bool { return ins[i] < ins[j] })
	sort.Slice(outs, func(i, j int) bool { return outs[i] < outs[j] })
	return ins[0], outs[0], nil
}

func (t *GousbTransport) Send(ctx context.Context, buf []byte) error {
	n, err := t.outEP.WriteContext(ctx, buf)
	if err != nil {
		return classifyIOErr(ctx, "bulk send", err)
	}
	if n != len(buf) {
		return &TransportLostError{Op: "bulk send", Err: fmt.Errorf("short write: %d of %d bytes", n, len(buf))}
	}
	return nil
}

func (t *GousbTransport) Recv(ctx context.Context) ([]byte, error) {
	buf := make([]byte, MTPPacketMaxSize)
	n, err := t.inEP.ReadContext(ctx, buf)
	if err != nil {
		return nil, classifyIOErr(ctx, "bulk recv", err)
	}
	return buf[:n], nil
}

func (t *GousbTransport) SerialNumber() string { return t.serial }

func (t *GousbTransport) Close() error {
	var firstErr error
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		if err := t.cfg.Close(); err != nil {
			firstErr = err
		}
	}
	if t.dev != nil {
		if err := t.dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
