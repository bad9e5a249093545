// Package hostusb is the thin contract over the host USB stack that
// spec.md §4.1 names: open a device by (bus, device), reset it, set its
// configuration, query its speed, flush an endpoint, submit and cancel
// transfers. It is built on github.com/google/gousb, grounded on the
// teacher's usbio_libusb.go completion-channel pattern and
// guiperry-HASHER's idiomatic gousb call shape.
package hostusb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/xen-project/usbback/internal/usberr"
)

// Speed is the host controller speed class, per spec.md §4.1.
type Speed int

const (
	SpeedLowFull Speed = iota
	SpeedHigh
	SpeedSuper
)

func speedFromGousb(s gousb.Speed) Speed {
	switch s {
	case gousb.SpeedSuper:
		return SpeedSuper
	case gousb.SpeedHigh:
		return SpeedHigh
	default:
		return SpeedLowFull
	}
}

// Direction mirrors ring.Direction without importing the ring package,
// keeping hostusb usable independent of the wire protocol.
type Direction int

const (
	DirOut Direction = iota
	DirIn
)

// InterfaceDescriptor names one (interface, alt-setting) pair the
// device claimer iterates while claiming or releasing.
type InterfaceDescriptor struct {
	Config int
	Num    int
	Alt    int
}

// Result is one transfer's completion outcome.
type Result struct {
	ActualLength int
	Err          error
}

// Handle is one open reference to a physical device. Multiple Open
// calls against the same (bus, device) share the same Handle and a
// reference count, matching spec.md §4.1's open()/close() contract.
type Handle struct {
	mu      sync.Mutex
	dev     *gousb.Device
	refs    int
	cfgNum  int
	cfg     *gousb.Config
	ifaces  map[int]*gousb.Interface
	running bool

	endpointCancel map[uint8][]func()
}

// Adapter is the process-wide registry of open device handles, keyed by
// (bus, device). Handles are registered as devices arrive (via hotplug,
// outside this package's scope) and looked up by Open.
type Adapter struct {
	mu      sync.Mutex
	ctx     *gousb.Context
	handles map[busAddr]*Handle
}

type busAddr struct{ Bus, Addr int }

// NewAdapter creates an Adapter bound to a fresh gousb.Context.
func NewAdapter() *Adapter {
	return &Adapter{ctx: gousb.NewContext(), handles: make(map[busAddr]*Handle)}
}

// Arrive registers a newly discovered device as available to be Open'd.
// Called by the hotplug/enumeration layer (out of this package's
// scope) when a device matching (bus, addr) appears.
func (a *Adapter) Arrive(bus, addr int, dev *gousb.Device) *Handle {
	h := &Handle{
		dev:            dev,
		ifaces:         make(map[int]*gousb.Interface),
		running:        true,
		endpointCancel: make(map[uint8][]func()),
	}
	a.mu.Lock()
	a.handles[busAddr{bus, addr}] = h
	a.mu.Unlock()
	return h
}

// Discover scans the host's USB topology for a device at (bus, addr)
// and, if found, Arrives it so a subsequent Open succeeds. This is the
// gousb-native stand-in for the teacher's cgo libusb hotplug callback
// (hotplug.go): rather than a C callback firing a Go channel, gousb's
// own OpenDevices enumeration is filtered down to the one device the
// configuration store already told us to expect. Returns
// usberr.ErrNoSuchDevice if no matching device is currently attached.
func (a *Adapter) Discover(bus, addr int) error {
	var found *gousb.Device
	devs, err := a.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == addr
	})
	for _, d := range devs {
		if found == nil && d.Desc.Bus == bus && d.Desc.Address == addr {
			found = d
		} else {
			d.Close()
		}
	}
	if err != nil {
		return fmt.Errorf("hostusb: enumerate: %w", err)
	}
	if found == nil {
		return usberr.ErrNoSuchDevice
	}
	a.Arrive(bus, addr, found)
	return nil
}

// Open returns a device handle with one additional reference, or
// usberr.ErrNoSuchDevice if no device is known at (bus, addr). The
// locking order matters: take the device lock, increment the owning
// reference, drop the bus-lookup lock, release the device lock — this
// prevents a concurrent Close from dissolving the device between
// lookup and use, per spec.md §4.1.
func (a *Adapter) Open(bus, addr int) (*Handle, error) {
	a.mu.Lock()
	h, ok := a.handles[busAddr{bus, addr}]
	if !ok {
		a.mu.Unlock()
		return nil, usberr.ErrNoSuchDevice
	}
	h.mu.Lock()
	h.refs++
	a.mu.Unlock()
	h.mu.Unlock()
	return h, nil
}

// Close resets the device under the device lock — returning it to
// whichever native driver would otherwise claim it — then drops the
// owning reference. The underlying device is only actually closed, and
// the (bus, addr) entry removed, when the last reference goes away.
func (a *Adapter) Close(bus, addr int, h *Handle) error {
	h.mu.Lock()
	err := h.dev.Reset()
	h.refs--
	last := h.refs <= 0
	h.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("hostusb: reset on close: %w", err)
	}

	if last {
		a.mu.Lock()
		delete(a.handles, busAddr{bus, addr})
		a.mu.Unlock()
		h.mu.Lock()
		h.running = false
		h.dev.Close()
		h.mu.Unlock()
	}
	return err
}

// Reenumerate forces a re-probe of the identified device, simulating a
// hot unplug/replug to the guest — used for the "0.0" unplug
// simulation spec.md §4.7 describes.
func (a *Adapter) Reenumerate(bus, addr int) error {
	a.mu.Lock()
	h, ok := a.handles[busAddr{bus, addr}]
	a.mu.Unlock()
	if !ok {
		return usberr.ErrNoSuchDevice
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.Reset()
}

// SetConfiguration is idempotent with respect to the currently active
// configuration: if value already matches, it returns success without
// touching the device, per spec.md §4.1 and the scenario 2 property.
func (h *Handle) SetConfiguration(value int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg != nil && h.cfgNum == value {
		return nil
	}
	cfg, err := h.dev.Config(value)
	if err != nil {
		return fmt.Errorf("hostusb: set configuration %d: %w", value, err)
	}
	if h.cfg != nil {
		h.cfg.Close()
	}
	h.cfg = cfg
	h.cfgNum = value
	return nil
}

// Running reports whether the host controller backing this device is
// still up.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// ControllerSpeed reports the negotiated link speed.
func (h *Handle) ControllerSpeed() Speed {
	return speedFromGousb(h.dev.Desc.Speed)
}

// Interfaces lists every (config, interface, alt-setting) the device
// advertises, for the claimer to sweep.
func (h *Handle) Interfaces() []InterfaceDescriptor {
	var out []InterfaceDescriptor
	for cfgNum, cfg := range h.dev.Desc.Configs {
		for ifNum, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				out = append(out, InterfaceDescriptor{Config: cfgNum, Num: ifNum, Alt: alt.Alternate})
			}
		}
	}
	return out
}

// InterfaceForEndpoint reports which advertised interface owns the
// endpoint address epAddr, so the dispatch worker can look up the
// right interface to submit a transfer against purely from the ring
// request's endpoint number, per spec.md §4.6's "look up the endpoint
// descriptor" step.
func (h *Handle) InterfaceForEndpoint(epAddr uint8) (int, error) {
	for _, cfg := range h.dev.Desc.Configs {
		for ifNum, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				for _, ep := range alt.Endpoints {
					addr := uint8(ep.Number)
					if ep.Direction != 0 {
						addr |= 0x80
					}
					if addr == epAddr || uint8(ep.Number) == epAddr&0x7f {
						return ifNum, nil
					}
				}
			}
		}
	}
	return 0, fmt.Errorf("%w: endpoint %#x", usberr.ErrEndpointNotFound, epAddr)
}

// SetInterface activates alt-setting alt of interface num — the host
// call behind the backend's direct handling of SET_INTERFACE
// (spec.md §4.6).
func (h *Handle) SetInterface(num, alt int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg == nil {
		return fmt.Errorf("%w: no configuration set", usberr.ErrDeviceNotReady)
	}
	iface, err := h.cfg.Interface(num, alt)
	if err != nil {
		return fmt.Errorf("hostusb: set interface %d alt %d: %w", num, alt, err)
	}
	if old, ok := h.ifaces[num]; ok {
		old.Close()
	}
	h.ifaces[num] = iface
	return nil
}

// EndpointInterval reports the raw bInterval value the device
// advertised for one endpoint, needed by the dispatch worker to compute
// the wire interval per spec.md §4.6's exact formulas.
func (h *Handle) EndpointInterval(ifaceNum int, epAddr uint8) (uint8, error) {
	for _, cfg := range h.dev.Desc.Configs {
		intf, ok := cfg.Interfaces[ifaceNum]
		if !ok {
			continue
		}
		for _, alt := range intf.AltSettings {
			for _, ep := range alt.Endpoints {
				if uint8(ep.Number)|uint8(ep.Direction)<<7 == epAddr || uint8(ep.Number) == epAddr&0x7f {
					return uint8(ep.PollInterval), nil
				}
			}
		}
	}
	return 0, fmt.Errorf("%w: endpoint %#x on interface %d", usberr.ErrEndpointNotFound, epAddr, ifaceNum)
}

// ClaimInterface claims one interface at its default alt-setting under
// the current configuration.
func (h *Handle) ClaimInterface(num int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg == nil {
		return fmt.Errorf("%w: no configuration set", usberr.ErrDeviceNotReady)
	}
	iface, err := h.cfg.Interface(num, 0)
	if err != nil {
		return fmt.Errorf("hostusb: claim interface %d: %w", num, err)
	}
	h.ifaces[num] = iface
	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (h *Handle) ReleaseInterface(num int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	iface, ok := h.ifaces[num]
	if !ok {
		return nil
	}
	iface.Close()
	delete(h.ifaces, num)
	return nil
}

// ClearHalt forwards a CLEAR_FEATURE(ENDPOINT_HALT) to the device.
func (h *Handle) ClearHalt(epAddr uint8) error {
	_, err := h.dev.Control(
		0x02, // host-to-device, standard, endpoint recipient
		0x01, // CLEAR_FEATURE
		0x00, // ENDPOINT_HALT
		uint16(epAddr),
		nil,
	)
	return wrapHostError(err)
}

// Control issues a control transfer verbatim, used both for requests
// the worker forwards as-is and, indirectly, for SET_CONFIGURATION /
// SET_INTERFACE which are instead handled via SetConfiguration and
// SetInterface directly (spec.md §4.6).
func (h *Handle) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	n, err := h.dev.Control(requestType, request, value, index, data)
	return n, wrapHostError(err)
}

// Submit dispatches an asynchronous bulk or interrupt transfer on the
// given endpoint and returns a completion channel and a cancel
// function. Isochronous transfers are modeled the same way: gousb's
// endpoint abstraction already accounts for bInterval/polling from the
// descriptor it read at enumeration, so no separate interval value is
// threaded through here — the dispatch worker still computes the
// interval per spec.md §4.6 and logs it at trace level; it is not a
// parameter gousb's Read/Write needs.
func (h *Handle) Submit(ctx context.Context, ifaceNum int, epAddr uint8, dir Direction, buf []byte) (<-chan Result, func(), error) {
	h.mu.Lock()
	iface, ok := h.ifaces[ifaceNum]
	h.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: interface %d not claimed", usberr.ErrEndpointNotFound, ifaceNum)
	}

	xferCtx, cancel := context.WithCancel(ctx)
	result := make(chan Result, 1)

	go func() {
		defer cancel()
		var n int
		var err error
		if dir == DirIn {
			var ep *gousb.InEndpoint
			ep, err = iface.InEndpoint(int(epAddr & 0x7f))
			if err == nil {
				n, err = ep.ReadContext(xferCtx, buf)
			}
		} else {
			var ep *gousb.OutEndpoint
			ep, err = iface.OutEndpoint(int(epAddr & 0x7f))
			if err == nil {
				n, err = ep.WriteContext(xferCtx, buf)
			}
		}
		result <- Result{ActualLength: n, Err: translateTransferError(xferCtx, err)}
	}()

	h.mu.Lock()
	h.endpointCancel[epAddr] = append(h.endpointCancel[epAddr], cancel)
	h.mu.Unlock()

	wrappedCancel := func() {
		cancel()
		h.mu.Lock()
		list := h.endpointCancel[epAddr]
		for i, c := range list {
			if fmt.Sprintf("%p", c) == fmt.Sprintf("%p", cancel) {
				h.endpointCancel[epAddr] = append(list[:i], list[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}
	return result, wrappedCancel, nil
}

// FlushEndpoint cancels every in-flight transfer queued on the given
// endpoint, per spec.md §4.1.
func (h *Handle) FlushEndpoint(epAddr uint8) {
	h.mu.Lock()
	cancels := append([]func(){}, h.endpointCancel[epAddr]...)
	h.endpointCancel[epAddr] = nil
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func translateTransferError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return usberr.ErrCancelled
	}
	return wrapHostError(err)
}

// wrapHostError gives a plain gousb error the matching usberr sentinel
// when it looks like a stall or a vanished device; string matching here
// stands in for the status codes a real libusb/cgo boundary would hand
// back as typed constants (see the teacher's usbio_libusb.go UsbErrCode
// for that richer form).
func wrapHostError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case contains(msg, "stall") || contains(msg, "pipe"):
		return fmt.Errorf("%w: %s", usberr.ErrPipeStall, msg)
	case contains(msg, "no device") || contains(msg, "disconnected"):
		return fmt.Errorf("%w: %s", usberr.ErrNoDeviceOnWire, msg)
	default:
		return err
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
