// Package busevents publishes connection lifecycle transitions and
// statistics snapshots onto the session bus, the way system daemons
// (upower, udisks) announce device state changes to anything listening.
// This is additive instrumentation on top of the in-process stores
// (store.Tree for state, usbif.Stats for counters); nothing in this
// backend reads its own signals back. Neither the teacher's go.mod entry
// for github.com/godbus/dbus/v5 nor its github.com/holoplot/go-avahi
// entry is exercised by any of its own source — dnssd_avahi.go talks to
// libavahi straight through cgo — so this package is grounded on
// godbus's own public API shape rather than a teacher call site.
package busevents

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/xen-project/usbback/internal/store"
	"github.com/xen-project/usbback/internal/usblog"
	"github.com/xen-project/usbback/internal/usbif"
)

// interfaceName is the D-Bus interface every signal this package emits
// is published under.
const interfaceName = "org.xenproject.usbback.Connection"

// ObjectPath returns the object path a given guest's signals are
// published on, one object per guest connection.
func ObjectPath(guestID uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmtPath(guestID))
}

func fmtPath(guestID uint32) string {
	const hex = "0123456789abcdef"
	buf := [8]byte{}
	for i := 7; i >= 0; i-- {
		buf[i] = hex[guestID&0xf]
		guestID >>= 4
	}
	return "/org/xenproject/usbback/connection_" + string(buf[:])
}

// Publisher owns one session-bus connection shared across every guest
// connection's signals.
type Publisher struct {
	conn *dbus.Conn
	Log  *usblog.Logger
}

// NewPublisher connects to the session bus. The returned Publisher is
// safe for concurrent use by multiple connections' announce loops.
func NewPublisher(log *usblog.Logger) (*Publisher, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, Log: log}, nil
}

// Close releases the underlying bus connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// AnnounceState emits a StateChanged signal for one guest's lifecycle
// transition, spec.md §4.7's five states (plus Unknown).
func (p *Publisher) AnnounceState(guestID uint32, s store.State) error {
	err := p.conn.Emit(ObjectPath(guestID), interfaceName+".StateChanged", guestID, s.String())
	if err != nil {
		p.Log.Error("busevents: connection %08x: announce state %s: %v", guestID, s, err)
	}
	return err
}

// AnnounceStats emits a StatsChanged signal carrying one snapshot of
// spec.md §6's counter set. The argument order matches usbif.Stats'
// field order.
func (p *Publisher) AnnounceStats(guestID uint32, snap usbif.Stats) error {
	err := p.conn.Emit(ObjectPath(guestID), interfaceName+".StatsChanged",
		guestID,
		snap.OutOfOrder, snap.InReq, snap.OutReq, snap.Error, snap.Reset,
		snap.InBandwidth, snap.OutBandwidth,
		snap.ControlReq, snap.ISOReq, snap.BulkReq, snap.IntReq,
	)
	if err != nil {
		p.Log.Error("busevents: connection %08x: announce stats: %v", guestID, err)
	}
	return err
}

// RunStatsLoop periodically announces statsFn's current snapshot until
// ctx is done. One loop runs per guest connection, started alongside its
// dispatch worker and stopped with it.
func (p *Publisher) RunStatsLoop(ctx context.Context, guestID uint32, interval time.Duration, statsFn func() usbif.Stats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.AnnounceStats(guestID, statsFn())
		case <-ctx.Done():
			return
		}
	}
}
