// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package usbdevice implements USB 2.0 full-speed device enumeration
// and one bulk IN / one bulk OUT pipe (spec §4.5, C5): static
// descriptors, an EP0 control-transfer state machine, and the
// double-buffered bulk OUT handoff between the hardware ISR and
// application code.
//
// The enumeration state machine, the SET_ADDRESS-ack-before-hardware-
// address-write ordering, the MIN(descLen, wLength) truncation, and the
// default-to-STALL behavior for anything unrecognized are ported from
// nxtos/usb.c's usb_setup_isr. The trailing zero-length-packet rule
// applied uniformly here to DEVICE/CONFIG/STRING descriptors is the
// specification's own generalization (a short transfer needs an explicit
// ZLP iff its length is a nonzero multiple of the endpoint's max packet
// size) rather than a port of the original: nxtos/usb.c only ever sends
// one explicit trailing packet, for the CONFIG descriptor, gated on
// config_length < wLength with no max-packet-multiple test at all, and
// never does so for DEVICE or STRING regardless of length. Endpoint/
// SETUP packet field naming follows the struct-over-wire-bytes
// convention the tamago USB endpoint drivers in the retrieved pack use
// (a typed struct decoded from the raw 8-byte SETUP buffer via
// encoding/binary).
package usbdevice

import (
	"encoding/binary"
	"errors"
	"sync"
	"unicode/utf16"
)

// State is the enumeration state machine (spec §4.5).
type State int

const (
	Powered State = iota
	Default
	Addressed
	Configured
)

func (s State) String() string {
	switch s {
	case Powered:
		return "POWERED"
	case Default:
		return "DEFAULT"
	case Addressed:
		return "ADDRESSED"
	case Configured:
		return "CONFIGURED"
	default:
		return "UNKNOWN"
	}
}

// Standard request codes (USB 2.0 table 9-4).
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqSetDescriptor    = 0x07
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09
	reqGetInterface     = 0x0a
	reqSetInterface     = 0x0b
)

// Descriptor types (USB 2.0 table 9-5).
const (
	descTypeDevice = 1
	descTypeConfig = 2
	descTypeString = 3
)

const (
	ep0MaxPacket   = 8
	bulkMaxPacket  = 64
	vendorID       = 0x0694
	productID      = 0xff00
	deviceClass    = 2
	langIDEnglish  = 0x0809
	numEndpoints   = 2
	epInAddr       = 0x81
	epOutAddr      = 0x02
)

// SetupPacket is the decoded 8-byte EP0 SETUP transaction.
type SetupPacket struct {
	BmRequestType byte
	BRequest      byte
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// ErrShortSetup is returned by DecodeSetup for anything but exactly 8
// bytes — a malformed SETUP stage the hardware should never deliver.
var ErrShortSetup = errors.New("usbdevice: SETUP packet must be 8 bytes")

// DecodeSetup parses the 8-byte SETUP packet EP0 delivers into its
// fields.
func DecodeSetup(b []byte) (SetupPacket, error) {
	if len(b) != 8 {
		return SetupPacket{}, ErrShortSetup
	}
	return SetupPacket{
		BmRequestType: b[0],
		BRequest:      b[1],
		WValue:        binary.LittleEndian.Uint16(b[2:4]),
		WIndex:        binary.LittleEndian.Uint16(b[4:6]),
		WLength:       binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// ControlResponse is what HandleSetup decided to do with a SETUP
// transaction's data/status stage.
type ControlResponse struct {
	// Data, when non-nil, is sent as the IN data stage (possibly
	// followed by a hardware-level zero-length packet — see ZeroLength).
	Data []byte
	// ZeroLength requests a standalone zero-length status-stage packet:
	// either this is purely an ACK (no data stage at all) or Data's
	// transfer needs a trailing ZLP to terminate unambiguously.
	ZeroLength bool
	// Stall means the request is unsupported; EP0 should be force-
	// stalled instead of replying.
	Stall bool
}

// Descriptors bundles the fixed byte strings the device answers
// GET_DESCRIPTOR with (spec §4.5 and §6).
type Descriptors struct {
	Device  []byte
	Config  []byte
	Lang    []byte
	Strings [][]byte // index 0 = string descriptor index 1, etc.
}

// BuildDescriptors constructs the static descriptor set this device
// always reports: one configuration, one interface, bulk EP1 IN/EP2
// OUT, strings "LEGO"/"NXT", English (0x0809) language descriptor.
func BuildDescriptors() Descriptors {
	dev := []byte{
		18,                           // bLength
		descTypeDevice,               // bDescriptorType
		0x00, 0x02,                   // bcdUSB 2.00
		deviceClass, 0x00, 0x00,      // class, subclass, protocol
		ep0MaxPacket,                 // bMaxPacketSize0
		byte(vendorID & 0xff), byte(vendorID >> 8),
		byte(productID & 0xff), byte(productID >> 8),
		0x01, 0x00, // bcdDevice
		1, // iManufacturer
		2, // iProduct
		0, // iSerialNumber
		1, // bNumConfigurations
	}

	iface := []byte{
		9,              // bLength
		4,              // bDescriptorType (INTERFACE)
		0, 0,           // bInterfaceNumber, bAlternateSetting
		numEndpoints,   // bNumEndpoints
		0xff, 0xff, 0xff, // vendor-specific class/subclass/protocol
		0, // iInterface
	}
	epIn := []byte{7, 5, epInAddr, 0x02, bulkMaxPacket, 0x00, 0x00}
	epOut := []byte{7, 5, epOutAddr, 0x02, bulkMaxPacket, 0x00, 0x00}

	total := 9 + len(iface) + len(epIn) + len(epOut)
	cfg := []byte{
		9,                            // bLength
		descTypeConfig,               // bDescriptorType
		byte(total), byte(total >> 8), // wTotalLength
		1,    // bNumInterfaces
		1,    // bConfigurationValue
		0,    // iConfiguration
		0x80, // bmAttributes: bus-powered
		50,   // bMaxPower (100mA)
	}
	cfg = append(cfg, iface...)
	cfg = append(cfg, epIn...)
	cfg = append(cfg, epOut...)

	return Descriptors{
		Device:  dev,
		Config:  cfg,
		Lang:    []byte{4, descTypeString, byte(langIDEnglish & 0xff), byte(langIDEnglish >> 8)},
		Strings: [][]byte{stringDescriptor("LEGO"), stringDescriptor("NXT")},
	}
}

func stringDescriptor(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, 2+2*len(u16))
	b[0] = byte(len(b))
	b[1] = descTypeString
	for i, c := range u16 {
		binary.LittleEndian.PutUint16(b[2+2*i:], c)
	}
	return b
}

// Device is the USB device stack: enumeration state, EP0 control
// handling, and the two data endpoints. Exactly one exists per core;
// core.Lifecycle owns it.
type Device struct {
	mu sync.Mutex

	desc Descriptors

	state   State
	address byte
	config  byte
	suspend bool

	In  *BulkIn
	Out *BulkOut
}

// New creates a Device in state POWERED with fresh bulk endpoints.
func New() *Device {
	return &Device{
		desc: BuildDescriptors(),
		In:   NewBulkIn(),
		Out:  NewBulkOut(),
	}
}

// State returns the current enumeration state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset drives the device back to DEFAULT on a bus reset (spec §4.5
// Failures): any in-flight IN transfer is abandoned and EP0 is re-
// armed.
func (d *Device) Reset() {
	d.mu.Lock()
	d.state = Default
	d.address = 0
	d.config = 0
	d.mu.Unlock()
	d.In.Abort()
}

// Suspend and Resume track the orthogonal power-management flag spec
// §4.5 describes; they never change the enumeration State.
func (d *Device) Suspend() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspend = true
}

func (d *Device) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspend = false
}

func (d *Device) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspend
}

// HandleSetup processes one EP0 SETUP transaction. The returned
// deferred function, if non-nil, must be invoked by the caller only
// after the corresponding status-stage packet has actually completed
// on the wire — this is how SET_ADDRESS's "ACK first, then program the
// hardware address" ordering from nxtos/usb.c is preserved without EP0
// itself knowing about hardware completion interrupts.
func (d *Device) HandleSetup(pkt SetupPacket) (ControlResponse, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch pkt.BRequest {
	case reqGetStatus:
		return ControlResponse{Data: []byte{0x01, 0x00}}, nil

	case reqClearFeature, reqSetFeature, reqSetInterface:
		return ControlResponse{ZeroLength: true}, nil

	case reqSetAddress:
		newAddr := byte(pkt.WValue)
		deferred := func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.address = newAddr
			if newAddr > 0 {
				d.state = Addressed
			} else {
				d.state = Default
			}
		}
		return ControlResponse{ZeroLength: true}, deferred

	case reqGetDescriptor:
		descType := byte(pkt.WValue >> 8)
		index := byte(pkt.WValue)
		var full []byte
		switch descType {
		case descTypeDevice:
			full = d.desc.Device
		case descTypeConfig:
			full = d.desc.Config
		case descTypeString:
			if index == 0 {
				full = d.desc.Lang
			} else if int(index) <= len(d.desc.Strings) {
				full = d.desc.Strings[index-1]
			}
		}
		if full == nil {
			return ControlResponse{Stall: true}, nil
		}
		n := len(full)
		if int(pkt.WLength) < n {
			n = int(pkt.WLength)
		}
		sent := full[:n]
		needZLP := n < int(pkt.WLength) && n%ep0MaxPacket == 0
		return ControlResponse{Data: sent, ZeroLength: needZLP}, nil

	case reqGetConfiguration:
		return ControlResponse{Data: []byte{d.config}}, nil

	case reqSetConfiguration:
		d.config = byte(pkt.WValue)
		if d.config != 0 {
			d.state = Configured
		} else if d.address != 0 {
			d.state = Addressed
		} else {
			d.state = Default
		}
		return ControlResponse{ZeroLength: true}, nil

	default:
		return ControlResponse{Stall: true}, nil
	}
}

// BulkIn is EP1, the single hardware bulk-IN bank (spec §4.5 "Bulk
// send"). Send blocks until any previous transfer has drained; the
// per-packet completion interrupt calls OnPacketSent to advance it.
type BulkIn struct {
	mu       sync.Mutex
	transmit func([]byte)

	packets [][]byte
	idx     int
	busy    bool
	doneCh  chan struct{}
}

// NewBulkIn creates an idle BulkIn. SetTransmit must be called once
// with the hardware FIFO-feed hook before first use (tests instead
// install a fake that records packets).
func NewBulkIn() *BulkIn {
	return &BulkIn{doneCh: closedChan()}
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// SetTransmit installs the function that actually feeds one ≤64-byte
// packet to the EP1 FIFO.
func (e *BulkIn) SetTransmit(f func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transmit = f
}

// CanSend reports whether EP1 is idle (spec §4.5 can_send()).
func (e *BulkIn) CanSend() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.busy
}

// Send blocks until the previous send (if any) completes, then chunks
// data into ≤64-byte packets and starts feeding the EP1 FIFO.
func (e *BulkIn) Send(data []byte) {
	for {
		e.mu.Lock()
		if !e.busy {
			break
		}
		ch := e.doneCh
		e.mu.Unlock()
		<-ch
	}

	packets := chunk(data, bulkMaxPacket)
	if len(packets) == 0 {
		e.mu.Unlock()
		return
	}
	e.packets = packets
	e.idx = 0
	e.busy = true
	e.doneCh = make(chan struct{})
	tx := e.transmit
	e.mu.Unlock()

	if tx != nil {
		tx(packets[0])
	}
}

// OnPacketSent is the per-packet completion interrupt hook: it drains
// the remaining chunk count and refills, or marks EP1 idle once the
// last packet has gone out.
func (e *BulkIn) OnPacketSent() {
	e.mu.Lock()
	e.idx++
	if e.idx >= len(e.packets) {
		e.busy = false
		close(e.doneCh)
		e.mu.Unlock()
		return
	}
	next := e.packets[e.idx]
	tx := e.transmit
	e.mu.Unlock()
	if tx != nil {
		tx(next)
	}
}

// Abort abandons any in-flight transfer (spec §4.5 Failures: bus reset
// abandons an in-flight IN transfer).
func (e *BulkIn) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		e.busy = false
		close(e.doneCh)
	}
	e.packets = nil
	e.idx = 0
}

func chunk(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// BulkOut is EP2, the two-bank double-buffered bulk-OUT endpoint (spec
// §4.5 "Bulk receive"). DeliverPacket is the ISR-context hook; HasData/
// GetBuffer/FlushBuffer are application-context.
type BulkOut struct {
	mu       sync.Mutex
	userSlot []byte
	isrSlot  []byte
	overload bool
}

// NewBulkOut creates an empty BulkOut.
func NewBulkOut() *BulkOut {
	return &BulkOut{}
}

// DeliverPacket hands one received OUT packet to the endpoint. It
// prefers the user slot if empty; otherwise the ISR slot; if both are
// full the packet is dropped and Overloaded becomes true.
func (e *BulkOut) DeliverPacket(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := append([]byte(nil), p...)
	switch {
	case e.userSlot == nil:
		e.userSlot = cp
	case e.isrSlot == nil:
		e.isrSlot = cp
	default:
		e.overload = true
	}
}

// HasData returns the length currently held in the user slot.
func (e *BulkOut) HasData() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.userSlot)
}

// GetBuffer returns the user slot's current contents.
func (e *BulkOut) GetBuffer() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userSlot
}

// FlushBuffer copies the ISR slot into the user slot and clears the
// overload flag, freeing the ISR slot for the next incoming packet.
func (e *BulkOut) FlushBuffer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userSlot = e.isrSlot
	e.isrSlot = nil
	e.overload = false
}

// Overloaded reports whether a packet was dropped since the last
// FlushBuffer.
func (e *BulkOut) Overloaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overload
}
