// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"fmt"
	"time"
)

// Decoder states (internal)
const (
	stateSync = iota
	stateType
	stateLength
	stateSeq
	statePayload
	stateCRC1
	stateCRC2
)

// Decoder implements the packet decoder state machine
type Decoder struct {
	state    int
	buffer   []byte // type, length, seq, payload
	length   uint8
	crc      uint16
	lastByte time.Time
	now      func() time.Time

	rawBuffer []byte // Accumulate raw bytes including framing
}

// NewDecoder creates a new protocol decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateSync,
		buffer:    make([]byte, 0, HeaderSize+MaxPayloadSize),
		rawBuffer: make([]byte, 0, MaxPacketSize*2),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for timestamps and the parser timeout
func (d *Decoder) SetClock(now func() time.Time) {
	d.now = now
}

// Reset resets the decoder state to wait for SYNC
func (d *Decoder) Reset() {
	d.state = stateSync
	d.buffer = d.buffer[:0]
	d.length = 0
	d.crc = 0
	d.lastByte = time.Time{}
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the accumulated raw bytes since the last packet
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// InFrame reports whether a frame is partially received
func (d *Decoder) InFrame() bool {
	return d.state != stateSync
}

// CheckTimeout abandons a partial frame whose last byte arrived more than
// timeout before now. It reports whether a frame was abandoned.
func (d *Decoder) CheckTimeout(now time.Time, timeout time.Duration) bool {
	if d.state == stateSync || d.lastByte.IsZero() {
		return false
	}
	if now.Sub(d.lastByte) <= timeout {
		return false
	}
	d.Reset()
	return true
}

// DecodeByte processes a single byte through the decoder state machine
// Returns a completed packet, or nil if the packet is incomplete
// Returns an error if decoding fails
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	if d.state == stateSync {
		// Line noise between frames is skipped
		if b != SyncByte {
			return nil, nil
		}
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.lastByte = d.now()
		d.state = stateType
		return nil, nil
	}

	d.rawBuffer = append(d.rawBuffer, b)
	d.lastByte = d.now()

	switch d.state {
	case stateType:
		d.buffer = append(d.buffer, b)
		d.state = stateLength
		return nil, nil

	case stateLength:
		if b > MaxPayloadSize {
			d.Reset()
			return nil, fmt.Errorf("%w: %d (max %d)", ErrInvalidLength, b, MaxPayloadSize)
		}
		d.length = b
		d.buffer = append(d.buffer, b)
		d.state = stateSeq
		return nil, nil

	case stateSeq:
		d.buffer = append(d.buffer, b)
		if d.length == 0 {
			d.state = stateCRC1
		} else {
			d.state = statePayload
		}
		return nil, nil

	case statePayload:
		if len(d.buffer) >= cap(d.buffer) {
			d.Reset()
			return nil, fmt.Errorf("%w: packet exceeds max size", ErrBufferOverflow)
		}
		d.buffer = append(d.buffer, b)
		if len(d.buffer) >= 3+int(d.length) {
			d.state = stateCRC1
		}
		return nil, nil

	case stateCRC1:
		d.crc = uint16(b)
		d.state = stateCRC2
		return nil, nil

	case stateCRC2:
		d.crc |= uint16(b) << 8
		calculated := CalculateCRC(d.buffer)
		if d.crc != calculated {
			err := fmt.Errorf("%w: expected 0x%04X, got 0x%04X (type 0x%02X len %d seq %d)",
				ErrCRCMismatch, calculated, d.crc, d.buffer[0], d.buffer[1], d.buffer[2])
			d.Reset()
			return nil, err
		}
		packet := &Packet{
			msgType:   d.buffer[0],
			seq:       d.buffer[2],
			payload:   append([]byte(nil), d.buffer[3:]...),
			crc:       d.crc,
			timestamp: d.lastByte,
		}
		d.state = stateSync
		d.buffer = d.buffer[:0]
		return packet, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

// Decode runs data through a fresh decoder and returns every packet and error
// in order
func Decode(data []byte) ([]*Packet, []error) {
	d := NewDecoder()
	var packets []*Packet
	var errs []error
	for _, b := range data {
		p, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if p != nil {
			packets = append(packets, p)
		}
	}
	return packets, errs
}
