package usbif

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/xen-project/usbback/internal/buffer"
	"github.com/xen-project/usbback/internal/hostusb"
	"github.com/xen-project/usbback/internal/ring"
	"github.com/xen-project/usbback/internal/usberr"
	"github.com/xen-project/usbback/internal/usblog"
	"github.com/xen-project/usbback/internal/vusb"
)

type fakeWorkerHost struct {
	running bool
	speed   hostusb.Speed

	setConfig    []int
	setInterface [][2]int
	clearedHalt  []uint8
	controlCalls int
	controlErr   error

	submitResults map[uint8][]hostusb.Result
}

func newFakeWorkerHost() *fakeWorkerHost {
	return &fakeWorkerHost{running: true, speed: hostusb.SpeedHigh, submitResults: make(map[uint8][]hostusb.Result)}
}

func (f *fakeWorkerHost) Interfaces() []hostusb.InterfaceDescriptor {
	return []hostusb.InterfaceDescriptor{{Config: 0, Num: 0, Alt: 0}}
}
func (f *fakeWorkerHost) ControllerSpeed() hostusb.Speed { return f.speed }
func (f *fakeWorkerHost) ClaimInterface(num int) error   { return nil }
func (f *fakeWorkerHost) ReleaseInterface(num int) error { return nil }
func (f *fakeWorkerHost) Running() bool                  { return f.running }

func (f *fakeWorkerHost) SetConfiguration(value int) error {
	f.setConfig = append(f.setConfig, value)
	return nil
}

func (f *fakeWorkerHost) ClearHalt(epAddr uint8) error {
	f.clearedHalt = append(f.clearedHalt, epAddr)
	return nil
}

func (f *fakeWorkerHost) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	f.controlCalls++
	return len(data), f.controlErr
}

func (f *fakeWorkerHost) Submit(ctx context.Context, ifaceNum int, epAddr uint8, dir hostusb.Direction, buf []byte) (<-chan hostusb.Result, func(), error) {
	ch := make(chan hostusb.Result, 1)
	results := f.submitResults[epAddr]
	if len(results) > 0 {
		ch <- results[0]
		f.submitResults[epAddr] = results[1:]
	} else {
		ch <- hostusb.Result{ActualLength: len(buf)}
	}
	return ch, func() {}, nil
}

func (f *fakeWorkerHost) FlushEndpoint(epAddr uint8) {}

func (f *fakeWorkerHost) EndpointInterval(ifaceNum int, epAddr uint8) (uint8, error) { return 4, nil }

func (f *fakeWorkerHost) InterfaceForEndpoint(epAddr uint8) (int, error) { return 0, nil }

func (f *fakeWorkerHost) SetInterface(num, alt int) error {
	f.setInterface = append(f.setInterface, [2]int{num, alt})
	return nil
}

func newTestConnection(t *testing.T, host *fakeWorkerHost) (*Connection, *ring.Mapping) {
	t.Helper()
	reg := vusb.NewRegistry(8)
	device, err := reg.Claim(host, 1, 2, 0xabc)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	const nrEnts = 32
	layout := ring.Native
	page := make([]byte, 16+nrEnts*(layout.RequestSlotSize()+layout.ResponseSlotSize()))
	mapping := ring.NewMapping(layout, nrEnts)
	if err := mapping.Map(page); err != nil {
		t.Fatalf("map: %v", err)
	}

	log := usblog.NewLogger(io.Discard, usblog.LogAll)
	c := NewConnection(0x1234, log)
	c.Device = device
	c.Mapping = mapping
	return c, mapping
}

func setupPacket(bmRequestType, bRequest byte, wValue, wIndex uint16) [8]byte {
	var s [8]byte
	s[0] = bmRequestType
	s[1] = bRequest
	binary.LittleEndian.PutUint16(s[2:], wValue)
	binary.LittleEndian.PutUint16(s[4:], wIndex)
	return s
}

func TestDispatchControlSetConfigurationIsSynthesizedAndIdempotent(t *testing.T) {
	host := newFakeWorkerHost()
	c, mapping := newTestConnection(t, host)

	req := ring.Request{ID: 1, Type: ring.TransferControl, Setup: setupPacket(0x00, 0x09, 1, 0)}
	c.submit(context.Background(), buffer.Mapper{}, req)

	resp := mapping.ResponseAt(0)
	if resp.Status != usberr.StatusOK {
		t.Fatalf("status = %v, want StatusOK", resp.Status)
	}
	if len(host.setConfig) != 1 || host.setConfig[0] != 1 {
		t.Fatalf("setConfig calls = %v, want [1]", host.setConfig)
	}

	req2 := ring.Request{ID: 2, Type: ring.TransferControl, Setup: setupPacket(0x00, 0x09, 1, 0)}
	c.submit(context.Background(), buffer.Mapper{}, req2)
	if len(host.setConfig) != 2 {
		t.Fatalf("SET_CONFIGURATION should still be forwarded each time at this layer: got %v", host.setConfig)
	}
	if mapping.ResponseAt(1).Status != usberr.StatusOK {
		t.Fatal("repeated SET_CONFIGURATION to the same value must still succeed")
	}

	stats := c.Stats.Snapshot()
	if stats.ControlReq != 2 || stats.OutReq != 2 {
		t.Fatalf("stats = %+v, want ControlReq=2 OutReq=2 (device-to-host counters untouched)", stats)
	}
}

func TestDispatchControlSetInterface(t *testing.T) {
	host := newFakeWorkerHost()
	c, mapping := newTestConnection(t, host)

	req := ring.Request{ID: 1, Type: ring.TransferControl, Setup: setupPacket(0x01, 0x0b, 2, 3)}
	c.submit(context.Background(), buffer.Mapper{}, req)

	if len(host.setInterface) != 1 || host.setInterface[0] != [2]int{3, 2} {
		t.Fatalf("setInterface calls = %v, want [[3 2]]", host.setInterface)
	}
	if mapping.ResponseAt(0).Status != usberr.StatusOK {
		t.Fatal("SET_INTERFACE should synthesize a success response")
	}

	stats := c.Stats.Snapshot()
	if stats.ControlReq != 1 || stats.OutReq != 1 {
		t.Fatalf("stats = %+v, want ControlReq=1 OutReq=1", stats)
	}
}

func TestDispatchControlClearFeatureEndpointHalt(t *testing.T) {
	host := newFakeWorkerHost()
	c, mapping := newTestConnection(t, host)

	req := ring.Request{ID: 1, Type: ring.TransferControl, Setup: setupPacket(0x02, 0x01, 0, 0x81)}
	c.submit(context.Background(), buffer.Mapper{}, req)

	if len(host.clearedHalt) != 1 || host.clearedHalt[0] != 0x81 {
		t.Fatalf("clearedHalt = %v, want [0x81]", host.clearedHalt)
	}
	if mapping.ResponseAt(0).Status != usberr.StatusOK {
		t.Fatal("CLEAR_FEATURE(ENDPOINT_HALT) should report success")
	}

	stats := c.Stats.Snapshot()
	if stats.ControlReq != 1 || stats.OutReq != 1 {
		t.Fatalf("stats = %+v, want ControlReq=1 OutReq=1", stats)
	}
}

func TestDispatchControlForwardsOtherRequests(t *testing.T) {
	host := newFakeWorkerHost()
	c, mapping := newTestConnection(t, host)

	req := ring.Request{ID: 1, Type: ring.TransferControl, Setup: setupPacket(0x80, 0x06, 0x0100, 0), TransferBufferLength: 18}
	c.submit(context.Background(), buffer.Mapper{}, req)

	if host.controlCalls != 1 {
		t.Fatalf("Control should be called once for GET_DESCRIPTOR, got %d", host.controlCalls)
	}
	if mapping.ResponseAt(0).Status != usberr.StatusOK {
		t.Fatal("forwarded control request should report success")
	}

	// spec.md §8 scenario 1: cntrl_req and in_req each increment by 1.
	stats := c.Stats.Snapshot()
	if stats.ControlReq != 1 || stats.InReq != 1 {
		t.Fatalf("stats = %+v, want ControlReq=1 InReq=1", stats)
	}
}

func TestDispatchBulkOutCompletesThroughNormalPath(t *testing.T) {
	host := newFakeWorkerHost()
	c, mapping := newTestConnection(t, host)

	req := ring.Request{
		ID: 1, Type: ring.TransferBulk, Dir: ring.DirOut, Endpoint: 0x02,
		NumDataPages: 1, TransferBufferLength: 64,
	}
	c.submit(context.Background(), buffer.Mapper{}, req)

	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 before completion is drained", c.PendingCount())
	}

	ev := <-c.completions
	c.handleCompletion(buffer.Mapper{}, ev)

	if c.PendingCount() != 0 {
		t.Fatal("PendingCount should be 0 once completion is handled")
	}
	resp := mapping.ResponseAt(0)
	if resp.Status != usberr.StatusOK || resp.ActualLength != 64 {
		t.Fatalf("response = %+v, want OK/64", resp)
	}
	stats := c.Stats.Snapshot()
	if stats.OutReq != 1 || stats.OutBandwidth != 64 || stats.BulkReq != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDispatchISOCompletionWritesDescriptorResults(t *testing.T) {
	host := newFakeWorkerHost()
	c, mapping := newTestConnection(t, host)

	grants, ok := c.Grants.(*buffer.MemGrantMap)
	if !ok {
		t.Fatalf("Grants = %T, want *buffer.MemGrantMap", c.Grants)
	}

	const descRef, payloadRef = 11, 12
	descPage := grants.Page(descRef)
	descs := []buffer.ISODescriptor{{Offset: 0, Length: 32}, {Offset: 32, Length: 32}}
	for i, d := range descs {
		binary.LittleEndian.PutUint32(descPage[i*16:], d.Offset)
		binary.LittleEndian.PutUint32(descPage[i*16+4:], d.Length)
	}

	req := ring.Request{
		ID: 1, Type: ring.TransferISO, Dir: ring.DirIn, Endpoint: 0x83,
		NumDataPages: 2, NumPackets: 2, TransferBufferLength: 64,
	}
	req.GrantRefs[0] = descRef
	req.GrantRefs[1] = payloadRef
	host.submitResults[0x83] = []hostusb.Result{{ActualLength: 64}}
	c.submit(context.Background(), buffer.Mapper{}, req)

	// descPage is the same backing slice the worker resolved req.GrantRefs[0]
	// into via Grants.MapGrant, so the descriptor bytes seeded above are what
	// the worker actually read when it built p.isoDescs.
	ev := <-c.completions
	c.handleCompletion(buffer.Mapper{}, ev)

	p := grants.Page(descRef)

	for i, want := range descs {
		gotLen := binary.LittleEndian.Uint32(p[i*16+8:])
		gotStatus := usberr.WireStatus(binary.LittleEndian.Uint32(p[i*16+12:]))
		if gotLen != want.Length {
			t.Fatalf("descriptor %d actual length = %d, want %d", i, gotLen, want.Length)
		}
		if gotStatus != usberr.StatusOK {
			t.Fatalf("descriptor %d status = %v, want StatusOK", i, gotStatus)
		}
	}
	stats := c.Stats.Snapshot()
	if stats.ISOReq != 1 || stats.InReq != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSubmitRejectsWhenHostNotRunning(t *testing.T) {
	host := newFakeWorkerHost()
	host.running = false
	c, mapping := newTestConnection(t, host)

	req := ring.Request{ID: 1, Type: ring.TransferBulk, Dir: ring.DirOut, Endpoint: 0x01, NumDataPages: 1, TransferBufferLength: 8}
	c.submit(context.Background(), buffer.Mapper{}, req)

	if mapping.ResponseAt(0).Status != usberr.StatusError {
		t.Fatal("a device that has disappeared mid-submission should report StatusError")
	}
	if c.Stats.Snapshot().Error != 1 {
		t.Fatal("the error counter should be incremented")
	}
}

func TestOutOfOrderCompletionIsCounted(t *testing.T) {
	host := newFakeWorkerHost()
	c, _ := newTestConnection(t, host)

	req1 := ring.Request{ID: 1, Type: ring.TransferBulk, Dir: ring.DirIn, Endpoint: 0x81, NumDataPages: 1, TransferBufferLength: 16}
	req2 := ring.Request{ID: 2, Type: ring.TransferBulk, Dir: ring.DirIn, Endpoint: 0x81, NumDataPages: 1, TransferBufferLength: 16}
	c.submit(context.Background(), buffer.Mapper{}, req1)
	c.submit(context.Background(), buffer.Mapper{}, req2)

	// complete request 2 (the newer submission) before request 1,
	// regardless of which one the channel happened to deliver first
	events := map[uint64]completionEvent{}
	for i := 0; i < 2; i++ {
		ev := <-c.completions
		events[ev.id] = ev
	}
	c.handleCompletion(buffer.Mapper{}, events[2])
	c.handleCompletion(buffer.Mapper{}, events[1])

	if c.Stats.Snapshot().OutOfOrder != 1 {
		t.Fatalf("oo_req = %d, want 1", c.Stats.Snapshot().OutOfOrder)
	}
}

func TestShortNotOKInboundBulkIsReportedAsError(t *testing.T) {
	host := newFakeWorkerHost()
	c, mapping := newTestConnection(t, host)

	host.submitResults[0x81] = []hostusb.Result{{ActualLength: 8}}
	req := ring.Request{
		ID: 1, Type: ring.TransferBulk, Dir: ring.DirIn, Endpoint: 0x81,
		NumDataPages: 1, TransferBufferLength: 64, ShortOK: false,
	}
	c.submit(context.Background(), buffer.Mapper{}, req)

	ev := <-c.completions
	c.handleCompletion(buffer.Mapper{}, ev)

	if mapping.ResponseAt(0).Status != usberr.StatusError {
		t.Fatal("a short read with ShortOK=false must be reported as an error")
	}
}

func TestShortOKInboundBulkSucceeds(t *testing.T) {
	host := newFakeWorkerHost()
	c, mapping := newTestConnection(t, host)

	host.submitResults[0x81] = []hostusb.Result{{ActualLength: 8}}
	req := ring.Request{
		ID: 1, Type: ring.TransferBulk, Dir: ring.DirIn, Endpoint: 0x81,
		NumDataPages: 1, TransferBufferLength: 64, ShortOK: true,
	}
	c.submit(context.Background(), buffer.Mapper{}, req)

	ev := <-c.completions
	c.handleCompletion(buffer.Mapper{}, ev)

	resp := mapping.ResponseAt(0)
	if resp.Status != usberr.StatusOK || resp.ActualLength != 8 {
		t.Fatalf("response = %+v, want OK/8 when ShortOK is set", resp)
	}
}
