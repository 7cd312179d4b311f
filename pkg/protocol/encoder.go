// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"fmt"
)

// EncodeFrame creates a complete wire-formatted frame
func EncodeFrame(msgType, seq uint8, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)+CRCSize), msgType, seq, payload)
}

// AppendFrame appends a wire-formatted frame to dst
func AppendFrame(dst []byte, msgType, seq uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	length := uint8(len(payload))
	crc := frameCRC(msgType, length, seq, payload)

	dst = append(dst, SyncByte, msgType, length, seq)
	dst = append(dst, payload...)
	dst = append(dst, byte(crc), byte(crc>>8))
	return dst, nil
}

// Encode encodes a Packet to wire format
func Encode(p *Packet) ([]byte, error) {
	return EncodeFrame(p.msgType, p.seq, p.payload)
}

// EncodePacket encodes a Packet to wire format.
// Panics on encoding error (use Encode for error handling).
func EncodePacket(p *Packet) []byte {
	data, err := Encode(p)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode error: %v", err))
	}
	return data
}
