// Package buffer implements the translation between a pending request's
// guest-granted pages and the transfer buffer (or scatter/gather list)
// the host USB adapter submits. Grounded directly on the original
// driver's buffers.c: segmented page-by-page copy, the scatter/gather
// vs. copy policy, and the isochronous descriptor-page convention.
package buffer

import (
	"encoding/binary"
	"fmt"

	"github.com/xen-project/usbback/internal/usberr"
)

// PageSize is the size of one guest-granted page.
const PageSize = 4096

// Segment describes one contiguous run of bytes within a single guest
// page, as produced by the segmented-copy walk.
type Segment struct {
	Page  int // index into the payload page list
	Start int
	Len   int
}

// Mapper turns a request's guest pages into a transfer buffer (or a
// scatter/gather list) and mirrors completions back.
type Mapper struct{}

// UseScatterGather reports whether the device's current state calls
// for handing the host adapter the guest pages directly instead of
// bouncing through a copy buffer. Per spec.md §4.2: SuperSpeed devices
// use scatter/gather; others copy, because high-speed-or-below
// controllers fail unaligned DMA.
func UseScatterGather(superSpeed bool) bool {
	return superSpeed
}

// segments walks payloadPages computing the exact chunk list
// buffers.c's copy_first_chunk/copy_chunk produce: the first segment
// runs from offset to the page end, later segments from 0 to the page
// end or until length is exhausted, whichever comes first. It never
// walks past len(payloadPages) pages and never produces a segment
// reaching past PageSize.
func segments(payloadPages int, offset, length int) []Segment {
	var segs []Segment
	remaining := length
	for i := 0; i < payloadPages && remaining > 0; i++ {
		start := 0
		if i == 0 {
			start = offset
		}
		avail := PageSize - start
		n := avail
		if n > remaining {
			n = remaining
		}
		if n <= 0 {
			break
		}
		segs = append(segs, Segment{Page: i, Start: start, Len: n})
		remaining -= n
	}
	return segs
}

// payloadPages returns the pages actually carrying transfer payload:
// for isochronous transfers, page 0 holds the descriptor array and the
// payload starts at page 1.
func payloadPages(pages [][]byte, iso bool) [][]byte {
	if iso && len(pages) > 0 {
		return pages[1:]
	}
	return pages
}

// BuildOutbound produces what the host adapter should submit for an
// OUT (or control-with-data-stage) transfer. When useScatterGather is
// true it returns a Segment list referencing the guest pages directly,
// with buf nil; otherwise it returns a freshly copied contiguous buf
// with segs nil.
func (Mapper) BuildOutbound(pages [][]byte, offset, transferBufferLength int, iso, useScatterGather bool) (buf []byte, segs []Segment, err error) {
	payload := payloadPages(pages, iso)
	segs = segments(len(payload), offset, transferBufferLength)

	if useScatterGather {
		return nil, segs, nil
	}

	total := 0
	for _, s := range segs {
		total += s.Len
	}
	buf = make([]byte, total)
	pos := 0
	for _, s := range segs {
		n := copy(buf[pos:pos+s.Len], payload[s.Page][s.Start:s.Start+s.Len])
		pos += n
	}
	return buf, nil, nil
}

// CompleteInbound mirrors a completed transfer's data back into the
// guest pages. When the transfer used scatter/gather the host adapter
// already wrote directly into the guest pages and buf is nil — nothing
// further to copy. Otherwise buf (the host adapter's copy buffer) is
// copied back into the guest pages using actualLength, not the
// originally requested transferBufferLength, per spec.md §4.2.
func (Mapper) CompleteInbound(pages [][]byte, offset int, actualLength int, iso bool, buf []byte) error {
	if buf == nil {
		return nil
	}
	payload := payloadPages(pages, iso)
	segs := segments(len(payload), offset, actualLength)

	pos := 0
	for _, s := range segs {
		n := copy(payload[s.Page][s.Start:s.Start+s.Len], buf[pos:pos+s.Len])
		pos += n
	}
	if pos != len(buf) && pos != actualLength {
		return fmt.Errorf("buffer: short inbound copy: copied %d of %d", pos, actualLength)
	}
	return nil
}

// ISODescriptor is one entry of an isochronous descriptor array, as
// marshalled into the descriptor page (page 0 of an ISO request).
type ISODescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       usberr.WireStatus
}

const isoDescriptorSize = 16

// ReadISODescriptors unmarshals count descriptors from the start of the
// descriptor page.
func ReadISODescriptors(descriptorPage []byte, count int) []ISODescriptor {
	descs := make([]ISODescriptor, count)
	le := binary.LittleEndian
	for i := range descs {
		base := i * isoDescriptorSize
		descs[i].Offset = le.Uint32(descriptorPage[base:])
		descs[i].Length = le.Uint32(descriptorPage[base+4:])
	}
	return descs
}

// WriteISOResults writes each descriptor's actual length and translated
// status back into the descriptor page, so the guest can demultiplex
// the stream, per spec.md §4.2 and scenario 4.
func WriteISOResults(descriptorPage []byte, descs []ISODescriptor) {
	le := binary.LittleEndian
	for i, d := range descs {
		base := i * isoDescriptorSize
		le.PutUint32(descriptorPage[base+8:], d.ActualLength)
		le.PutUint32(descriptorPage[base+12:], uint32(d.Status))
	}
}

// ValidateISODescriptors enforces spec.md §4.2/§8's invariant: the
// highest (offset + length) across all descriptors must not exceed
// transferBufferLength. Violating requests must be rejected before
// submission.
func ValidateISODescriptors(descs []ISODescriptor, transferBufferLength uint32) error {
	var maxEnd uint32
	for _, d := range descs {
		end := d.Offset + d.Length
		if end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd > transferBufferLength {
		return usberr.ErrInvalidISODescriptor
	}
	return nil
}
