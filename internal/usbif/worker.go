package usbif

import (
	"context"
	"encoding/binary"

	"github.com/xen-project/usbback/internal/buffer"
	"github.com/xen-project/usbback/internal/hostusb"
	"github.com/xen-project/usbback/internal/ring"
	"github.com/xen-project/usbback/internal/usberr"
	"github.com/xen-project/usbback/internal/vusb"
)

const (
	stdSetConfiguration = 0x09
	stdSetInterface     = 0x0b
	stdClearFeature     = 0x01
	featEndpointHalt    = 0x00

	recipientDevice    = 0x00
	recipientInterface = 0x01
	recipientEndpoint  = 0x02
	recipientMask      = 0x1f

	dirDeviceToHost = 0x80
)

func setupFields(setup [8]byte) (bmRequestType, bRequest byte, wValue, wIndex, wLength uint16) {
	bmRequestType = setup[0]
	bRequest = setup[1]
	wValue = binary.LittleEndian.Uint16(setup[2:4])
	wIndex = binary.LittleEndian.Uint16(setup[4:6])
	wLength = binary.LittleEndian.Uint16(setup[6:8])
	return
}

// intervalFor computes the wire interval per spec.md §4.6: isochronous
// transfers (and interrupt transfers at high/super speed) use
// 1 << min(15, bInterval-1); interrupt transfers at full/low speed use
// the raw bInterval; bulk transfers use 1.
func intervalFor(transferType ring.TransferType, speed hostusb.Speed, bInterval uint8) uint32 {
	switch transferType {
	case ring.TransferISO:
		return shiftInterval(bInterval)
	case ring.TransferInterrupt:
		if speed == hostusb.SpeedHigh || speed == hostusb.SpeedSuper {
			return shiftInterval(bInterval)
		}
		return uint32(bInterval)
	case ring.TransferBulk:
		return 1
	default:
		return 0
	}
}

func shiftInterval(bInterval uint8) uint32 {
	shift := int(bInterval) - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 15 {
		shift = 15
	}
	return 1 << uint(shift)
}

// Run is the single per-connection dispatch worker: spec.md §4.6's main
// loop. It blocks on a guest notification, a queued completion, or
// shutdown, and handles whichever fires: a completion is handled one at
// a time, and a notification drains submissions up to the ring's
// producer cursor as observed at that point.
func (c *Connection) Run(ctx context.Context, mapper buffer.Mapper) {
	defer close(c.workerDone)
	for {
		select {
		case <-c.shutdown:
			return
		case ev := <-c.completions:
			c.handleCompletion(mapper, ev)
		case <-c.notify:
			c.drainSubmissions(ctx, mapper)
		}
	}
}

func (c *Connection) drainSubmissions(ctx context.Context, mapper buffer.Mapper) {
	for _, req := range c.Mapping.PendingRequests() {
		c.submit(ctx, mapper, req)
	}
}

func (c *Connection) submit(ctx context.Context, mapper buffer.Mapper, req ring.Request) {
	device := c.Device
	if device == nil || !device.Host.Running() {
		c.publishStatus(req.ID, usberr.StatusError, 0)
		c.Stats.addError()
		return
	}
	if device.IsCancelling() {
		c.publishStatus(req.ID, usberr.StatusCancelled, 0)
		return
	}

	switch req.Type {
	case ring.TransferControl:
		c.Stats.addControl()
		c.dispatchControl(ctx, device, req)
	case ring.TransferISO:
		c.Stats.addISO()
		c.dispatchDataTransfer(ctx, mapper, device, req)
	case ring.TransferBulk:
		c.Stats.addBulk()
		c.dispatchDataTransfer(ctx, mapper, device, req)
	case ring.TransferInterrupt:
		c.Stats.addInt()
		c.dispatchDataTransfer(ctx, mapper, device, req)
	default:
		c.publishStatus(req.ID, usberr.StatusError, 0)
		c.Stats.addError()
	}
}

// dispatchControl implements spec.md §4.6's control special-casing:
// SET_CONFIGURATION and SET_INTERFACE are executed directly via the
// host adapter and their response synthesized; CLEAR_FEATURE(
// ENDPOINT_HALT) is forwarded as a clear-halt call with both success
// and stall counting as guest-visible success; everything else is
// forwarded verbatim on the control pipe.
func (c *Connection) dispatchControl(ctx context.Context, device *vusb.Device, req ring.Request) {
	bmRequestType, bRequest, wValue, wIndex, wLength := setupFields(req.Setup)
	recipient := bmRequestType & recipientMask
	hostToDevice := bmRequestType&dirDeviceToHost == 0

	dir := ring.DirIn
	if hostToDevice {
		dir = ring.DirOut
	}

	switch {
	case bRequest == stdSetConfiguration && recipient == recipientDevice && hostToDevice:
		err := device.Host.SetConfiguration(int(wValue))
		c.publishSynthesized(req.ID, dir, err)

	case bRequest == stdSetInterface && recipient == recipientInterface:
		err := device.Host.SetInterface(int(wIndex), int(wValue))
		c.publishSynthesized(req.ID, dir, err)

	case bRequest == stdClearFeature && recipient == recipientEndpoint && wValue == featEndpointHalt:
		err := device.Host.ClearHalt(uint8(wIndex))
		status := usberr.TranslateStatus(err, true)
		c.Stats.addCompletion(dir, 0)
		c.publishStatus(req.ID, status, 0)

	default:
		data := make([]byte, wLength)
		n, err := device.Host.Control(bmRequestType, bRequest, wValue, wIndex, data)
		c.Stats.addCompletion(dir, n)
		c.publishStatus(req.ID, usberr.TranslateStatus(err, false), uint32(n))
	}
}

// publishSynthesized reports the outcome of a control request the
// backend serviced itself (SET_CONFIGURATION/SET_INTERFACE) without a
// host USB transfer, alongside bandwidth/count stats — every control
// request bumps in_req or out_req per spec.md §8 scenario 1, not only
// cntrl_req, mirroring setup_control_urb's st_in_req/st_out_req.
func (c *Connection) publishSynthesized(id uint64, dir ring.Direction, err error) {
	c.Stats.addCompletion(dir, 0)
	if err != nil {
		c.publishStatus(id, usberr.StatusError, 0)
		c.Stats.addError()
		return
	}
	c.publishStatus(id, usberr.StatusOK, 0)
}

func (c *Connection) publishStatus(id uint64, status usberr.WireStatus, actualLength uint32) {
	c.Mapping.PublishResponse(ring.Response{ID: id, Status: status, ActualLength: actualLength})
}

// dispatchDataTransfer builds and submits a bulk, interrupt, or
// isochronous transfer: looks up the endpoint's owning interface,
// resolves guest pages into a transfer buffer or scatter/gather list,
// submits it via the host adapter attached to the device's anchor so a
// later flush can kill it, and arranges for its completion to reach the
// worker's normal completion path.
func (c *Connection) dispatchDataTransfer(ctx context.Context, mapper buffer.Mapper, device *vusb.Device, req ring.Request) {
	ifaceNum, err := device.Host.InterfaceForEndpoint(req.Endpoint)
	if err != nil {
		c.publishStatus(req.ID, usberr.StatusError, 0)
		c.Stats.addError()
		return
	}

	pages := make([][]byte, req.NumDataPages)
	grantRefs := make([]uint32, req.NumDataPages)
	mapped := 0
	unmapAll := func() {
		for i := 0; i < mapped; i++ {
			c.Grants.UnmapGrant(grantRefs[i], pages[i])
		}
	}
	for i := range pages {
		page, err := c.Grants.MapGrant(req.GrantRefs[i])
		if err != nil {
			unmapAll()
			c.publishStatus(req.ID, usberr.StatusError, 0)
			c.Stats.addError()
			return
		}
		pages[i] = page
		grantRefs[i] = req.GrantRefs[i]
		mapped++
	}

	iso := req.Type == ring.TransferISO
	var descriptorPage []byte
	var isoDescs []buffer.ISODescriptor
	if iso {
		descriptorPage = pages[0]
		isoDescs = buffer.ReadISODescriptors(descriptorPage, int(req.NumPackets))
		if err := buffer.ValidateISODescriptors(isoDescs, req.TransferBufferLength); err != nil {
			unmapAll()
			c.publishStatus(req.ID, usberr.StatusError, 0)
			c.Stats.addError()
			return
		}
	}

	if req.Type == ring.TransferISO || req.Type == ring.TransferInterrupt {
		if bInterval, err := device.Host.EndpointInterval(ifaceNum, req.Endpoint); err == nil {
			interval := intervalFor(req.Type, device.Speed, bInterval)
			c.Log.TraceUSB("req %d: endpoint %#x bInterval=%d -> interval=%d", req.ID, req.Endpoint, bInterval, interval)
		}
	}

	useSG := buffer.UseScatterGather(device.SuperSpeed())

	var outBuf []byte
	if req.Dir == ring.DirOut {
		outBuf, _, err = mapper.BuildOutbound(pages, int(req.Offset), int(req.TransferBufferLength), iso, useSG)
		if err != nil {
			unmapAll()
			c.publishStatus(req.ID, usberr.StatusError, 0)
			c.Stats.addError()
			return
		}
	} else if !useSG {
		outBuf = make([]byte, req.TransferBufferLength)
	}

	dir := hostusb.DirOut
	if req.Dir == ring.DirIn {
		dir = hostusb.DirIn
	}

	resultCh, cancel, err := device.Host.Submit(ctx, ifaceNum, req.Endpoint, dir, outBuf)
	if err != nil {
		unmapAll()
		c.publishStatus(req.ID, usberr.StatusError, 0)
		c.Stats.addError()
		return
	}

	device.Anchor.Add(req.ID, cancel)

	p := &pendingRequest{
		req:            req,
		ifaceNum:       ifaceNum,
		pages:          pages,
		grantRefs:      grantRefs,
		descriptorPage: descriptorPage,
		isoDescs:       isoDescs,
		outBuf:         outBuf,
		useSG:          useSG,
		resultCh:       resultCh,
		cancel:         cancel,
	}
	c.addPending(p)

	go func() {
		res := <-resultCh
		device.Anchor.Remove(req.ID)
		c.enqueueCompletion(req.ID, res)
	}()
}

func (c *Connection) handleCompletion(mapper buffer.Mapper, ev completionEvent) {
	p, wasOldest := c.removePending(ev.id)
	if p == nil {
		return
	}
	if !wasOldest {
		c.Stats.addOutOfOrder()
	}

	shortNotOK := p.req.Dir == ring.DirIn && !p.req.ShortOK
	status := usberr.TranslateStatus(ev.result.Err, p.clearHalt)
	if status == usberr.StatusOK && shortNotOK && ev.result.ActualLength < int(p.req.TransferBufferLength) && p.req.Type != ring.TransferISO {
		status = usberr.StatusError
	}

	if status == usberr.StatusOK && p.req.Dir == ring.DirIn {
		var buf []byte
		if !p.useSG {
			buf = p.outBuf[:ev.result.ActualLength]
		}
		if err := mapper.CompleteInbound(p.pages, int(p.req.Offset), ev.result.ActualLength, p.req.Type == ring.TransferISO, buf); err != nil {
			status = usberr.StatusError
		}
		if p.req.Type == ring.TransferISO {
			for i := range p.isoDescs {
				p.isoDescs[i].ActualLength = p.isoDescs[i].Length
				p.isoDescs[i].Status = usberr.StatusOK
			}
			buffer.WriteISOResults(p.descriptorPage, p.isoDescs)
		}
	}

	for i, ref := range p.grantRefs {
		c.Grants.UnmapGrant(ref, p.pages[i])
	}

	c.Stats.addCompletion(p.req.Dir, ev.result.ActualLength)
	c.publishStatus(ev.id, status, uint32(ev.result.ActualLength))
}
