// Package ring implements the shared-memory producer/consumer ring
// between frontend and backend: the logical request/response model, the
// three on-wire byte layouts (native, x86_32-abi, x86_64-abi), and the
// mapping/binding state machine spec.md §4.4 requires (map before bind,
// unbind before unmap).
package ring

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/xen-project/usbback/internal/usberr"
)

// MaxSegments is the maximum number of guest-page grant references a
// single request can carry.
const MaxSegments = 16

// TransferType is the kind of USB transfer a request describes.
type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferISO
	TransferBulk
	TransferInterrupt
)

// Direction is the transfer direction as seen from the frontend.
type Direction uint8

const (
	DirOut Direction = iota
	DirIn
)

// Request is the layout-independent view of one ring request slot —
// the fields the dispatch worker actually uses, per spec.md §6.
type Request struct {
	ID                   uint64
	Endpoint             uint8
	Dir                  Direction
	Type                 TransferType
	Setup                [8]byte
	TransferBufferLength uint32
	Offset               uint32
	NumDataPages         uint8
	GrantRefs            [MaxSegments]uint32
	StartFrame           uint32
	NumPackets           uint16
	ASAP                 bool
	ShortOK              bool
}

// Response is the layout-independent view of one ring response slot.
type Response struct {
	ID           uint64
	Status       usberr.WireStatus
	ActualLength uint32
	StartFrame   uint32
}

// Layout encodes and decodes ring slots for one on-wire byte layout.
// The three implementations (Native, X86_32ABI, X86_64ABI) differ only
// in field offsets and slot size, reflecting the guest word-size's
// struct padding — the common request/response fields and their
// meaning are identical across all three, per spec.md §4.4.
type Layout interface {
	Name() string
	RequestSlotSize() int
	ResponseSlotSize() int
	DecodeRequest(slot []byte) Request
	EncodeResponse(slot []byte, resp Response)
	DecodeResponse(slot []byte) Response
}

// abiLayout is a table-driven Layout: one offset table fully describes
// where each field lives in a slot for a given guest ABI.
type abiLayout struct {
	name string

	reqSlotSize int
	id          int
	endpoint    int
	dir         int
	typ         int
	setup       int
	bufLen      int
	offset      int
	numPages    int
	grantRefs   int
	startFrame  int
	numPackets  int
	asap        int
	shortOK     int

	rspSlotSize      int
	respID           int
	respStatus       int
	respActualLength int
	respStartFrame   int
}

func (a *abiLayout) Name() string            { return a.name }
func (a *abiLayout) RequestSlotSize() int    { return a.reqSlotSize }
func (a *abiLayout) ResponseSlotSize() int   { return a.rspSlotSize }

func (a *abiLayout) DecodeRequest(slot []byte) Request {
	var r Request
	le := binary.LittleEndian

	r.ID = le.Uint64(slot[a.id:])
	r.Endpoint = slot[a.endpoint]
	r.Dir = Direction(slot[a.dir])
	r.Type = TransferType(slot[a.typ])
	copy(r.Setup[:], slot[a.setup:a.setup+8])
	r.TransferBufferLength = le.Uint32(slot[a.bufLen:])
	r.Offset = le.Uint32(slot[a.offset:])
	r.NumDataPages = slot[a.numPages]
	for i := 0; i < MaxSegments; i++ {
		r.GrantRefs[i] = le.Uint32(slot[a.grantRefs+i*4:])
	}
	r.StartFrame = le.Uint32(slot[a.startFrame:])
	r.NumPackets = le.Uint16(slot[a.numPackets:])
	r.ASAP = slot[a.asap] != 0
	r.ShortOK = slot[a.shortOK] != 0
	return r
}

func (a *abiLayout) EncodeResponse(slot []byte, resp Response) {
	le := binary.LittleEndian
	le.PutUint64(slot[a.respID:], resp.ID)
	le.PutUint32(slot[a.respStatus:], uint32(resp.Status))
	le.PutUint32(slot[a.respActualLength:], resp.ActualLength)
	le.PutUint32(slot[a.respStartFrame:], resp.StartFrame)
}

// DecodeResponse is EncodeResponse's inverse. The backend itself never
// decodes its own responses, but the Layout contract is symmetric with
// the frontend's view, and package tests use it to verify what
// Mapping.PublishResponse actually wrote to the shared page.
func (a *abiLayout) DecodeResponse(slot []byte) Response {
	var r Response
	le := binary.LittleEndian
	r.ID = le.Uint64(slot[a.respID:])
	r.Status = usberr.WireStatus(le.Uint32(slot[a.respStatus:]))
	r.ActualLength = le.Uint32(slot[a.respActualLength:])
	r.StartFrame = le.Uint32(slot[a.respStartFrame:])
	return r
}

// Native is the backend-host-native ABI: tightly packed, no
// cross-word-size padding concerns since both sides agree on word size.
var Native Layout = &abiLayout{
	name:        "native",
	id:          0,
	endpoint:    8,
	dir:         9,
	typ:         10,
	setup:       11,
	bufLen:      19,
	offset:      23,
	numPages:    27,
	grantRefs:   28,
	startFrame:  28 + MaxSegments*4,
	numPackets:  28 + MaxSegments*4 + 4,
	asap:        28 + MaxSegments*4 + 6,
	shortOK:     28 + MaxSegments*4 + 7,
	reqSlotSize: 28 + MaxSegments*4 + 8,

	respID:           0,
	respStatus:       8,
	respActualLength: 12,
	respStartFrame:   16,
	rspSlotSize:      20,
}

// X86_32ABI is the wire layout a 32-bit guest negotiates: fields are
// 4-byte aligned, matching the padding a 32-bit compiler inserts.
var X86_32ABI Layout = &abiLayout{
	name:        "x86_32-abi",
	id:          0,
	endpoint:    8,
	dir:         9,
	typ:         10,
	setup:       12,
	bufLen:      20,
	offset:      24,
	numPages:    28,
	grantRefs:   32,
	startFrame:  32 + MaxSegments*4,
	numPackets:  32 + MaxSegments*4 + 4,
	asap:        32 + MaxSegments*4 + 6,
	shortOK:     32 + MaxSegments*4 + 7,
	reqSlotSize: 32 + MaxSegments*4 + 8,

	respID:           0,
	respStatus:       8,
	respActualLength: 12,
	respStartFrame:   16,
	rspSlotSize:      20,
}

// X86_64ABI is the wire layout a 64-bit guest negotiates: fields are
// 8-byte aligned, matching the padding a 64-bit compiler inserts.
var X86_64ABI Layout = &abiLayout{
	name:        "x86_64-abi",
	id:          0,
	endpoint:    8,
	dir:         9,
	typ:         10,
	setup:       16,
	bufLen:      24,
	offset:      28,
	numPages:    32,
	grantRefs:   40,
	startFrame:  40 + MaxSegments*4,
	numPackets:  40 + MaxSegments*4 + 4,
	asap:        40 + MaxSegments*4 + 6,
	shortOK:     40 + MaxSegments*4 + 7,
	reqSlotSize: 40 + MaxSegments*4 + 8,

	respID:           0,
	respStatus:       8,
	respActualLength: 12,
	respStartFrame:   16,
	rspSlotSize:      24,
}

// ByProtocolName resolves a store.ParseProtocol-style string to a
// Layout. Unrecognized names (including "native") resolve to Native,
// per spec.md §6: unspecified protocol means native.
func ByProtocolName(name string) Layout {
	switch name {
	case "x86_32-abi":
		return X86_32ABI
	case "x86_64-abi":
		return X86_64ABI
	default:
		return Native
	}
}

const ringHeaderSize = 16 // req_prod (4) + pad (4) + rsp_prod (4) + pad (4)

// PageSize returns the number of bytes a shared page must provide to
// back a Mapping of nrEnts slots in the given layout — the size a real
// grant-mapped page would need to be, and the size the lifecycle layer
// allocates in place of one until a real hypercall layer supplies it.
func PageSize(layout Layout, nrEnts uint32) int {
	return ringHeaderSize + int(nrEnts)*(layout.RequestSlotSize()+layout.ResponseSlotSize())
}

// Mapping is the shared ring page plus the back-ring cursor. It enforces
// spec.md §4.4's ordering invariant: Bind fails before Map, Unmap fails
// before Unbind.
type Mapping struct {
	mu         sync.Mutex
	layout     Layout
	nrEnts     uint32
	page       []byte
	reqCons    uint32
	rspProdPvt uint32
	mapped     bool
	bound      bool
}

// NewMapping creates an unmapped Mapping for the given layout and ring
// capacity (number of request/response slots).
func NewMapping(layout Layout, nrEnts uint32) *Mapping {
	return &Mapping{layout: layout, nrEnts: nrEnts}
}

// Map installs the backing page (standing in for the guest-granted
// shared page once a real hypercall layer maps it into backend address
// space). page must be large enough for the header plus nrEnts
// request and response slots.
func (m *Mapping) Map(page []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	need := ringHeaderSize + int(m.nrEnts)*(m.layout.RequestSlotSize()+m.layout.ResponseSlotSize())
	if len(page) < need {
		return fmt.Errorf("%w: need %d bytes, got %d", usberr.ErrRingMapFailed, need, len(page))
	}
	m.page = page
	m.mapped = true
	m.reqCons = 0
	m.rspProdPvt = 0
	return nil
}

// Bind marks the event channel as bound. It is an error to bind before
// mapping.
func (m *Mapping) Bind() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mapped {
		return fmt.Errorf("%w: bind before map", usberr.ErrEventChannelBindFailed)
	}
	m.bound = true
	return nil
}

// Unbind marks the event channel as unbound. Idempotent.
func (m *Mapping) Unbind() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound = false
	return nil
}

// Unmap releases the backing page. It is an error to unmap while still
// bound.
func (m *Mapping) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound {
		return fmt.Errorf("ring: unmap while still bound")
	}
	m.mapped = false
	m.page = nil
	return nil
}

func (m *Mapping) reqProd() uint32 {
	return binary.LittleEndian.Uint32(m.page[0:4])
}

func (m *Mapping) setRspProd(v uint32) {
	binary.LittleEndian.PutUint32(m.page[8:12], v)
}

func (m *Mapping) requestSlot(idx uint32) []byte {
	sz := m.layout.RequestSlotSize()
	base := ringHeaderSize + int(idx%m.nrEnts)*sz
	return m.page[base : base+sz]
}

func (m *Mapping) responseSlot(idx uint32) []byte {
	reqArea := int(m.nrEnts) * m.layout.RequestSlotSize()
	sz := m.layout.ResponseSlotSize()
	base := ringHeaderSize + reqArea + int(idx%m.nrEnts)*sz
	return m.page[base : base+sz]
}

// ResponseAt decodes the idx'th published response slot, for tests and
// diagnostics that need to verify what PublishResponse actually wrote.
func (m *Mapping) ResponseAt(idx uint32) Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layout.DecodeResponse(m.responseSlot(idx))
}

// PendingRequests drains every request visible up to the front ring's
// producer cursor as observed right now, in order — spec.md §4.6 step
// 3's "consume each visible request... up to the ring's produced cursor
// at loop entry".
func (m *Mapping) PendingRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	prod := m.reqProd()
	var reqs []Request
	for m.reqCons != prod {
		reqs = append(reqs, m.layout.DecodeRequest(m.requestSlot(m.reqCons)))
		m.reqCons++
	}
	return reqs
}

// PublishResponse writes resp into the next response slot and advances
// the private response-producer cursor, publishing it to the shared
// header so the frontend can observe it.
func (m *Mapping) PublishResponse(resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.layout.EncodeResponse(m.responseSlot(m.rspProdPvt), resp)
	m.rspProdPvt++
	m.setRspProd(m.rspProdPvt)
}

// encodeRequest is the inverse of DecodeRequest. Production code never
// encodes a request (only the frontend does); it exists so package
// tests can exercise the encode/decode round trip across all three
// layouts and so test helpers can act as the frontend side of a
// Mapping.
func (a *abiLayout) encodeRequest(slot []byte, r Request) {
	le := binary.LittleEndian
	le.PutUint64(slot[a.id:], r.ID)
	slot[a.endpoint] = r.Endpoint
	slot[a.dir] = byte(r.Dir)
	slot[a.typ] = byte(r.Type)
	copy(slot[a.setup:a.setup+8], r.Setup[:])
	le.PutUint32(slot[a.bufLen:], r.TransferBufferLength)
	le.PutUint32(slot[a.offset:], r.Offset)
	slot[a.numPages] = r.NumDataPages
	for i := 0; i < MaxSegments; i++ {
		le.PutUint32(slot[a.grantRefs+i*4:], r.GrantRefs[i])
	}
	le.PutUint32(slot[a.startFrame:], r.StartFrame)
	le.PutUint16(slot[a.numPackets:], r.NumPackets)
	if r.ASAP {
		slot[a.asap] = 1
	}
	if r.ShortOK {
		slot[a.shortOK] = 1
	}
}

// simulateFrontendSubmit writes req into the ring's next request slot
// and advances the shared request-producer cursor, standing in for what
// the frontend would do. Used by tests in this package.
func (m *Mapping) simulateFrontendSubmit(req Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prod := m.reqProd()
	m.layout.(*abiLayout).encodeRequest(m.requestSlot(prod), req)
	binary.LittleEndian.PutUint32(m.page[0:4], prod+1)
}
