package lifecycle

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/xen-project/usbback/internal/hostusb"
	"github.com/xen-project/usbback/internal/ring"
	"github.com/xen-project/usbback/internal/store"
	"github.com/xen-project/usbback/internal/usblog"
	"github.com/xen-project/usbback/internal/vusb"
)

type fakeLifecycleHost struct{}

func (fakeLifecycleHost) Interfaces() []hostusb.InterfaceDescriptor {
	return []hostusb.InterfaceDescriptor{{Config: 0, Num: 0, Alt: 0}}
}
func (fakeLifecycleHost) ControllerSpeed() hostusb.Speed { return hostusb.SpeedHigh }
func (fakeLifecycleHost) ClaimInterface(num int) error   { return nil }
func (fakeLifecycleHost) ReleaseInterface(num int) error { return nil }
func (fakeLifecycleHost) Running() bool                  { return true }
func (fakeLifecycleHost) SetConfiguration(value int) error { return nil }
func (fakeLifecycleHost) ClearHalt(epAddr uint8) error   { return nil }
func (fakeLifecycleHost) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	return len(data), nil
}
func (fakeLifecycleHost) Submit(ctx context.Context, ifaceNum int, epAddr uint8, dir hostusb.Direction, buf []byte) (<-chan hostusb.Result, func(), error) {
	ch := make(chan hostusb.Result, 1)
	ch <- hostusb.Result{ActualLength: len(buf)}
	return ch, func() {}, nil
}
func (fakeLifecycleHost) FlushEndpoint(epAddr uint8)                                   {}
func (fakeLifecycleHost) EndpointInterval(ifaceNum int, epAddr uint8) (uint8, error)   { return 1, nil }
func (fakeLifecycleHost) InterfaceForEndpoint(epAddr uint8) (int, error)               { return 0, nil }
func (fakeLifecycleHost) SetInterface(num, alt int) error                             { return nil }

func newTestConn(t *testing.T) (*Connection, *vusb.Registry) {
	t.Helper()
	reg := vusb.NewRegistry(4)
	device, err := reg.Claim(fakeLifecycleHost{}, 1, 2, 7)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	mapping := ring.NewMapping(ring.Native, 8)
	page := make([]byte, ring.PageSize(ring.Native, 8))
	if err := mapping.Map(page); err != nil {
		t.Fatalf("map: %v", err)
	}
	if err := mapping.Bind(); err != nil {
		t.Fatalf("bind: %v", err)
	}

	tree := store.NewMemTree()
	c := &Connection{
		BackendNode:  "backend",
		FrontendNode: "frontend",
		Tree:         tree,
		Registry:     reg,
		Log:          usblog.NewLogger(io.Discard, usblog.LogAll),
		GuestID:      7,
		device:       device,
		mapping:      mapping,
	}
	return c, reg
}

func TestConnectPublishesFeatureBarrierAndStartsWorker(t *testing.T) {
	c, _ := newTestConn(t)

	if err := c.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if v, ok := c.Tree.Read("backend/feature-barrier"); !ok || v != "1" {
		t.Fatalf("feature-barrier = %q, %v, want \"1\", true", v, ok)
	}
	if v, _ := c.Tree.Read("backend/state"); v != "Connected" {
		t.Fatalf("state = %q, want Connected", v)
	}
	if c.worker == nil {
		t.Fatal("connect should have started the dispatch worker")
	}
}

func TestDisconnectAndTeardownFullSequence(t *testing.T) {
	c, reg := newTestConn(t)

	if err := c.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if v, _ := c.Tree.Read("backend/state"); v != "Closing" {
		t.Fatalf("state = %q, want Closing", v)
	}

	if err := c.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if v, _ := c.Tree.Read("backend/state"); v != "Closed" {
		t.Fatalf("state = %q, want Closed", v)
	}
	if _, ok := reg.Lookup(1, 2); ok {
		t.Fatal("the device record should be released on teardown")
	}
}

func TestBarrierRunsDisconnectThenTeardown(t *testing.T) {
	c, reg := newTestConn(t)

	if err := c.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Barrier(context.Background()); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	if v, _ := c.Tree.Read("backend/state"); v != "Closed" {
		t.Fatalf("state = %q, want Closed after an administrator-requested barrier", v)
	}
	if _, ok := reg.Lookup(1, 2); ok {
		t.Fatal("barrier should release the device same as a guest-initiated teardown")
	}
}

func TestWaitForFrontendStateBlocksUntilWritten(t *testing.T) {
	tree := store.NewMemTree()
	c := &Connection{Tree: tree, FrontendNode: "frontend", Log: usblog.NewLogger(io.Discard, 0)}

	done := make(chan error, 1)
	go func() { done <- c.waitForFrontendState(context.Background(), store.Closing) }()

	select {
	case <-done:
		t.Fatal("waitForFrontendState returned before the frontend wrote its state")
	case <-time.After(20 * time.Millisecond):
	}

	if err := tree.Write("frontend/state", "Closing"); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitForFrontendState: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waitForFrontendState did not return after the frontend wrote Closing")
	}
}
