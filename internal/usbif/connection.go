// Package usbif implements the per-guest connection object and its
// dispatch worker: spec.md §4.5 and §4.6. A Connection owns the ring
// mapping, the single claimed device, the pending-request table, and
// statistics; exactly one worker goroutine drains it.
package usbif

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xen-project/usbback/internal/buffer"
	"github.com/xen-project/usbback/internal/hostusb"
	"github.com/xen-project/usbback/internal/ring"
	"github.com/xen-project/usbback/internal/usblog"
	"github.com/xen-project/usbback/internal/vusb"
)

// pendingRequest is one in-flight USB transfer, spec.md §3's "Pending
// request".
type pendingRequest struct {
	req       ring.Request
	ifaceNum  int
	clearHalt bool // true if this is a backend-forwarded CLEAR_FEATURE(ENDPOINT_HALT)

	// buffer bookkeeping for the inbound completion path
	pages          [][]byte
	grantRefs      []uint32
	descriptorPage []byte
	isoDescs       []buffer.ISODescriptor
	outBuf         []byte // non-nil only when the mapper used a copy buffer
	useSG          bool

	resultCh <-chan hostusb.Result
	cancel   func()

	submittedAt uint64 // submission sequence number, for oo_req detection
}

type completionEvent struct {
	id     uint64
	result hostusb.Result
}

// Connection is one guest<->backend pairing, spec.md §3's "Connection".
type Connection struct {
	GuestID uint32
	Since   time.Time

	Log *usblog.Logger

	Device  *vusb.Device
	Mapping *ring.Mapping

	// Grants resolves a request's guest grant references into the
	// actual backing pages; see buffer.GrantMapper. NewConnection
	// defaults it to a buffer.MemGrantMap so a Connection is always
	// usable, but a real deployment replaces it with one backed by a
	// genuine grant-mapping hypercall.
	Grants buffer.GrantMapper

	Stats Stats

	refCount int32
	refZero  chan struct{}

	mu          sync.Mutex
	pending     map[uint64]*pendingRequest
	perEndpoint map[uint8][]uint64 // endpoint -> submission-ordered ids still outstanding
	nextSeq     uint64

	notify      chan struct{}
	completions chan completionEvent
	shutdown    chan struct{}
	workerDone  chan struct{}
}

// NewConnection creates a Connection with a reference count of 1, per
// spec.md §4.5: "Initialization sets the reference count to 1...".
func NewConnection(guestID uint32, log *usblog.Logger) *Connection {
	return &Connection{
		GuestID:     guestID,
		Since:       time.Now(),
		Log:         log,
		Grants:      buffer.NewMemGrantMap(),
		refCount:    1,
		refZero:     make(chan struct{}, 1),
		pending:     make(map[uint64]*pendingRequest),
		perEndpoint: make(map[uint8][]uint64),
		notify:      make(chan struct{}, 1),
		completions: make(chan completionEvent, 64),
		shutdown:    make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
}

// AddRef increments the connection's reference count.
func (c *Connection) AddRef() { atomic.AddInt32(&c.refCount, 1) }

// Release decrements the reference count, notifying any DrainToZero
// waiter once it reaches zero.
func (c *Connection) Release() {
	if atomic.AddInt32(&c.refCount, -1) <= 0 {
		select {
		case c.refZero <- struct{}{}:
		default:
		}
	}
}

// RefCount reports the current reference count.
func (c *Connection) RefCount() int32 { return atomic.LoadInt32(&c.refCount) }

// DrainToZero blocks until the reference count reaches zero or ctx is
// done — spec.md §4.7's "decrement the connection reference, wait for
// drain-to-zero" and §3's invariant that the backend never unmaps the
// ring while any pending request could still dereference it.
func (c *Connection) DrainToZero(ctx context.Context) error {
	for atomic.LoadInt32(&c.refCount) > 0 {
		select {
		case <-c.refZero:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Notify wakes the worker to drain submissions — called when a guest
// notification arrives on the bound event channel.
func (c *Connection) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Shutdown signals the worker to stop and waits for it to exit.
func (c *Connection) Shutdown() {
	close(c.shutdown)
	<-c.workerDone
}

// PendingCount reports how many requests are currently in flight, for
// tests and diagnostics — after DrainToZero completes this must be 0
// per spec.md §8.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) addPending(p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	p.submittedAt = c.nextSeq
	c.pending[p.req.ID] = p
	c.perEndpoint[p.req.Endpoint] = append(c.perEndpoint[p.req.Endpoint], p.req.ID)
}

// removePending removes a request from the pending table and reports
// whether, at the moment its completion is handled, it was the oldest
// still-outstanding request on its endpoint (false means an earlier
// submission on that endpoint is still pending) — the signal DESIGN.md's
// oo_req decision uses.
func (c *Connection) removePending(id uint64) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)

	ids := c.perEndpoint[p.req.Endpoint]
	wasOldest := len(ids) == 0 || ids[0] == id
	for i, v := range ids {
		if v == id {
			c.perEndpoint[p.req.Endpoint] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return p, wasOldest
}

func (c *Connection) enqueueCompletion(id uint64, result hostusb.Result) {
	c.completions <- completionEvent{id: id, result: result}
}

func (c *Connection) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("usbif: connection %08x: "+format, append([]interface{}{c.GuestID}, args...)...)
}
