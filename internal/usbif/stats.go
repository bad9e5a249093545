package usbif

import (
	"sync/atomic"

	"github.com/xen-project/usbback/internal/ring"
)

// Stats is the read-only statistics surface spec.md §6 names, one
// instance per connection.
type Stats struct {
	OutOfOrder   uint64 // oo_req
	InReq        uint64
	OutReq       uint64
	Error        uint64
	Reset        uint64
	InBandwidth  uint64
	OutBandwidth uint64
	ControlReq   uint64
	ISOReq       uint64
	BulkReq      uint64
	IntReq       uint64
}

func (s *Stats) addControl() { atomic.AddUint64(&s.ControlReq, 1) }
func (s *Stats) addISO()     { atomic.AddUint64(&s.ISOReq, 1) }
func (s *Stats) addBulk()    { atomic.AddUint64(&s.BulkReq, 1) }
func (s *Stats) addInt()     { atomic.AddUint64(&s.IntReq, 1) }
func (s *Stats) addError()   { atomic.AddUint64(&s.Error, 1) }
func (s *Stats) addReset()   { atomic.AddUint64(&s.Reset, 1) }
func (s *Stats) addOutOfOrder() { atomic.AddUint64(&s.OutOfOrder, 1) }

func (s *Stats) addCompletion(dir ring.Direction, actualLength int) {
	if dir == ring.DirIn {
		atomic.AddUint64(&s.InReq, 1)
		atomic.AddUint64(&s.InBandwidth, uint64(actualLength))
	} else {
		atomic.AddUint64(&s.OutReq, 1)
		atomic.AddUint64(&s.OutBandwidth, uint64(actualLength))
	}
}

// Snapshot returns a copy of the counters, safe to read concurrently
// with the dispatch worker updating them.
func (s *Stats) Snapshot() Stats {
	return Stats{
		OutOfOrder:   atomic.LoadUint64(&s.OutOfOrder),
		InReq:        atomic.LoadUint64(&s.InReq),
		OutReq:       atomic.LoadUint64(&s.OutReq),
		Error:        atomic.LoadUint64(&s.Error),
		Reset:        atomic.LoadUint64(&s.Reset),
		InBandwidth:  atomic.LoadUint64(&s.InBandwidth),
		OutBandwidth: atomic.LoadUint64(&s.OutBandwidth),
		ControlReq:   atomic.LoadUint64(&s.ControlReq),
		ISOReq:       atomic.LoadUint64(&s.ISOReq),
		BulkReq:      atomic.LoadUint64(&s.BulkReq),
		IntReq:       atomic.LoadUint64(&s.IntReq),
	}
}
