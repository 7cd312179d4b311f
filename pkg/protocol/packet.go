// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"bytes"
	"time"
)

// Packet represents a decoded protocol packet
type Packet struct {
	msgType   uint8
	seq       uint8
	payload   []byte
	crc       uint16
	timestamp time.Time
}

// NewPacket creates a packet and computes its CRC. The payload is copied.
func NewPacket(msgType, seq uint8, payload []byte) *Packet {
	p := &Packet{
		msgType:   msgType,
		seq:       seq,
		payload:   append([]byte(nil), payload...),
		timestamp: time.Now(),
	}
	p.crc = frameCRC(msgType, uint8(len(payload)), seq, payload)
	return p
}

// Type returns the packet's message type
func (p *Packet) Type() uint8 {
	return p.msgType
}

// Seq returns the packet's sequence number
func (p *Packet) Seq() uint8 {
	return p.seq
}

// Length returns the payload length
func (p *Packet) Length() uint8 {
	return uint8(len(p.payload))
}

// Payload returns the payload bytes
func (p *Packet) Payload() []byte {
	return p.payload
}

// CRC returns the packet's CRC value
func (p *Packet) CRC() uint16 {
	return p.crc
}

// Timestamp returns the packet's decode timestamp
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// IsCommand reports whether the packet carries a command
func (p *Packet) IsCommand() bool {
	return IsCommand(p.msgType)
}

// Equal compares type, sequence, payload and CRC
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.msgType == o.msgType && p.seq == o.seq && p.crc == o.crc && bytes.Equal(p.payload, o.payload)
}
