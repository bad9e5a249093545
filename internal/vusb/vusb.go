// Package vusb is the device claimer: it takes exclusive ownership of a
// physical USB device's interfaces on behalf of one guest connection,
// survives reprobes and resets, and enforces that at most one
// connection owns a given (bus, device) pair at a time. Grounded
// directly on the original driver's vusb.c.
package vusb

import (
	"context"
	"fmt"
	"sync"

	"github.com/xen-project/usbback/internal/hostusb"
	"github.com/xen-project/usbback/internal/usblog"
)

// HostDevice is the full host USB adapter contract (spec.md §4.1) that
// both the claimer and the dispatch worker need against one physical
// device. It is an interface, rather than a concrete *hostusb.Handle,
// so tests can exercise claim/release/reclaim and dispatch bookkeeping
// against a fake without a real USB device attached; *hostusb.Handle
// satisfies it directly.
type HostDevice interface {
	Interfaces() []hostusb.InterfaceDescriptor
	ClaimInterface(num int) error
	ReleaseInterface(num int) error
	ControllerSpeed() hostusb.Speed
	Running() bool
	SetConfiguration(value int) error
	ClearHalt(epAddr uint8) error
	Control(requestType, request uint8, value, index uint16, data []byte) (int, error)
	Submit(ctx context.Context, ifaceNum int, epAddr uint8, dir hostusb.Direction, buf []byte) (<-chan hostusb.Result, func(), error)
	FlushEndpoint(epAddr uint8)
	EndpointInterval(ifaceNum int, epAddr uint8) (uint8, error)
	InterfaceForEndpoint(epAddr uint8) (int, error)
	SetInterface(num, alt int) error
}

// Device is one physical USB device claimed for one connection —
// spec.md §3's "Owned device".
type Device struct {
	mu sync.Mutex

	Bus, Addr   int
	GuestHandle uint32 // identifier minted by the guest

	Host HostDevice

	Active  bool
	Initted bool

	Speed                   hostusb.Speed
	ScatterGatherLimit      int
	UnalignedCopiesRequired bool

	Autosuspend bool

	RefCount   int
	Cancelling bool

	Anchor *Anchor

	// ifaceOwner records, per interface number, whether this device
	// record is the current vusb-side owner — spec.md §4.3's
	// "interfaces arriving this way are set as vusb-owned in a
	// per-interface side-channel slot".
	ifaceOwner map[int]bool
}

// SuperSpeed reports whether this device negotiated SuperSpeed, the
// condition under which the buffer mapper uses scatter/gather instead
// of a copy buffer (spec.md §4.2).
func (d *Device) SuperSpeed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Speed == hostusb.SpeedSuper
}

// SetCancelling sets or clears the advisory cancelling-requests flag.
// Setting it tells the submission side to stop producing new
// transfers; it does not itself cancel anything in flight (spec.md
// §5's cancellation semantics).
func (d *Device) SetCancelling(v bool) {
	d.mu.Lock()
	d.Cancelling = v
	d.mu.Unlock()
}

// IsCancelling reports the current value of the advisory flag.
func (d *Device) IsCancelling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Cancelling
}

// ResetGuard brackets an external device-reset operation: it sets
// Cancelling on entry and returns a function that clears it again,
// meant to run via defer on every exit path — spec.md §9's "scoped
// guard" redesign of pre_reset/post_reset.
func (d *Device) ResetGuard() func() {
	d.SetCancelling(true)
	return func() { d.SetCancelling(false) }
}

// String reports the physical-device pair in the "<bus>.<device>" hex
// form spec.md §6 exposes.
func (d *Device) String() string {
	return fmt.Sprintf("%x.%x", d.Bus, d.Addr)
}

func (d *Device) claimSweep() error {
	for _, ifd := range d.Host.Interfaces() {
		if err := d.Host.ClaimInterface(ifd.Num); err != nil {
			return fmt.Errorf("vusb: claim interface %d: %w", ifd.Num, err)
		}
		d.ifaceOwner[ifd.Num] = true
		d.RefCount++
	}
	return nil
}

func (d *Device) releaseSweep() {
	for num, owned := range d.ifaceOwner {
		if !owned {
			continue
		}
		d.Host.ReleaseInterface(num)
		d.ifaceOwner[num] = false
		if d.RefCount > 0 {
			d.RefCount--
		}
	}
}

type key struct{ Bus, Addr int }

// Registry is the process-wide (bus, device) -> Device map, spec.md
// §3's "process-wide device map", modeled per spec.md §9's redesign
// note as a single owned object constructed at initialization and
// shared by handle, rather than a raw global.
type Registry struct {
	mu      sync.Mutex
	bound   int
	devices map[key]*Device

	// Log is optional; when set, a claim that evicts a stale entry for
	// the same (bus, addr) is logged the way vusb_map_device logs the
	// overwrite in the original driver.
	Log *usblog.Logger
}

// NewRegistry creates an empty Registry bounded to hold at most bound
// simultaneously claimed devices.
func NewRegistry(bound int) *Registry {
	return &Registry{bound: bound, devices: make(map[key]*Device)}
}

// Claim takes exclusive ownership of host at (bus, addr) on behalf of
// guestHandle: every interface descriptor host.Interfaces() reports is
// claimed through host.ClaimInterface. There is no separate step that
// detaches another driver's hold first. The device lock is held across
// the whole claim sweep, per spec.md §4.3.
//
// The table enforces uniqueness on insert, not on lookup: per spec.md
// §3 a stale entry for the same (bus, addr) — e.g. left behind by an
// unclean teardown that never reached Release — is evicted rather than
// blocking the new claim, mirroring vusb_map_device's overwrite of any
// existing slot.
func (r *Registry) Claim(host HostDevice, bus, addr int, guestHandle uint32) (*Device, error) {
	r.mu.Lock()
	if stale, exists := r.devices[key{bus, addr}]; exists {
		delete(r.devices, key{bus, addr})
		if r.Log != nil {
			r.Log.Info("vusb: %x.%x: evicting stale claim (guest %08x) for new claim (guest %08x)", bus, addr, stale.GuestHandle, guestHandle)
		}
	}
	if len(r.devices) >= r.bound {
		r.mu.Unlock()
		return nil, fmt.Errorf("vusb: registry full (bound %d)", r.bound)
	}
	d := &Device{
		Bus:         bus,
		Addr:        addr,
		GuestHandle: guestHandle,
		Host:        host,
		Anchor:      NewAnchor(),
		ifaceOwner:  make(map[int]bool),
		Speed:       host.ControllerSpeed(),
	}
	d.UnalignedCopiesRequired = d.Speed != hostusb.SpeedSuper
	r.devices[key{bus, addr}] = d
	r.mu.Unlock()

	d.mu.Lock()
	err := d.claimSweep()
	if err == nil {
		d.Active = true
		d.Initted = true
		d.Autosuspend = false // disabled on first claim, per spec.md §4.3
	}
	d.mu.Unlock()

	if err != nil {
		r.mu.Lock()
		delete(r.devices, key{bus, addr})
		r.mu.Unlock()
		return nil, err
	}
	return d, nil
}

// Lookup returns the Device currently registered for (bus, addr), if
// any.
func (r *Registry) Lookup(bus, addr int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[key{bus, addr}]
	return d, ok
}

// Reclaim implements spec.md §4.3's reprobe path: if the host reprobes
// a device the connection still logically owns (e.g. after a reset),
// an inactive record is reinitialized to one reference and reactivated;
// an active record instead gets an added reference.
func (r *Registry) Reclaim(bus, addr int) (*Device, error) {
	r.mu.Lock()
	d, ok := r.devices[key{bus, addr}]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vusb: no owned-device record for %x.%x to reclaim", bus, addr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Active {
		d.RefCount = 1
		d.Active = true
	} else {
		d.RefCount++
	}
	return d, nil
}

// Release walks the active configuration's interfaces, releasing each
// one only if this device record is its current owner. When the
// reference count reaches zero the record is removed from the
// registry, per spec.md §4.3's "releasing triggers the host's
// disconnect callback, which drops the last reference and deletes the
// device record".
func (r *Registry) Release(d *Device) error {
	d.mu.Lock()
	d.releaseSweep()
	empty := d.RefCount <= 0
	if empty {
		d.Active = false
	}
	d.mu.Unlock()

	if empty {
		r.mu.Lock()
		delete(r.devices, key{d.Bus, d.Addr})
		r.mu.Unlock()
	}
	return nil
}

// SetAutosuspend changes a live claim's autosuspend flag immediately,
// per DESIGN.md's resolution of spec.md §9's open question (a toggle
// applies to the current claim, not only to the next one). Nothing in
// this backend watches the configuration-store autosuspend key, so no
// store write reaches this method.
func (r *Registry) SetAutosuspend(d *Device, enabled bool) {
	d.mu.Lock()
	d.Autosuspend = enabled
	d.mu.Unlock()
}

// Suspend, Resume, and ResetResume mirror the original driver's
// vusb_suspend/vusb_resume/vusb_reset_resume hooks: the host bus itself
// suspending independent of any guest-initiated reset. They do not
// change claim ownership, only the device's liveness bookkeeping —
// gousb has no bus-suspend hook to call through to, so these only
// update Initted (ResetResume also clears Cancelling) and leave Active
// as it is, regardless of what the USB core did underneath it.
func (d *Device) Suspend() {
	d.mu.Lock()
	d.Initted = false
	d.mu.Unlock()
}

func (d *Device) Resume() {
	d.mu.Lock()
	d.Initted = true
	d.mu.Unlock()
}

func (d *Device) ResetResume() {
	d.mu.Lock()
	d.Initted = true
	d.Cancelling = false
	d.mu.Unlock()
}

// Len reports the number of devices currently claimed, for tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
