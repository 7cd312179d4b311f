// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LinkStats are the counters an Engine keeps
type LinkStats struct {
	PacketsSent       uint64
	PacketsReceived   uint64
	BytesSent         uint64
	BytesReceived     uint64
	CRCErrors         uint64
	PacketErrors      uint64
	ParserTimeouts    uint64
	SequenceErrors    uint64
	Retries           uint64
	AckTimeouts       uint64
	NacksSent         uint64
	NacksReceived     uint64
	DroppedWrites     uint64
	VersionMismatches uint64
	Pending           int
	Backpressure      bool
	Handshake         bool
	LastReceived      time.Time
}

// Errors returns the total of all communication error counters
func (s LinkStats) Errors() uint64 {
	return s.CRCErrors + s.PacketErrors + s.ParserTimeouts + s.SequenceErrors + s.AckTimeouts
}

func isCRCError(err error) bool {
	return errors.Is(err, ErrCRCMismatch)
}

// Statistics tracks packet statistics and error rates seen by a host tool
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets     uint64
	ValidPackets     uint64
	CRCErrors        uint64
	DecodeErrors     uint64
	MalformedPackets uint64
	LengthMismatches uint64
	AnomalousValues  uint64
	InvalidTemp      uint64
	InvalidDuty      uint64
	InvalidState     uint64
	InvalidPressure  uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a packet and its errors
func (s *Statistics) Update(packet *Packet, decodeErr error, validationErrors []ValidationError) {
	s.TotalPackets++

	if decodeErr != nil {
		if isCRCError(decodeErr) {
			s.CRCErrors++
		} else {
			s.DecodeErrors++
		}
		return
	}

	if len(validationErrors) == 0 {
		s.ValidPackets++
	}
	for _, err := range validationErrors {
		switch err.Type {
		case AnomalyLengthMismatch:
			s.LengthMismatches++
			s.MalformedPackets++
		case AnomalyInvalidTemp:
			s.InvalidTemp++
			s.AnomalousValues++
		case AnomalyInvalidDuty:
			s.InvalidDuty++
			s.AnomalousValues++
		case AnomalyInvalidState:
			s.InvalidState++
			s.AnomalousValues++
		case AnomalyInvalidPressure:
			s.InvalidPressure++
			s.AnomalousValues++
		default:
			s.AnomalousValues++
		}
	}

	s.LastUpdateTime = time.Now()
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		errorCount := s.CRCErrors + s.DecodeErrors + s.MalformedPackets + s.AnomalousValues
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalPackets == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalPackets)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", time.Since(s.StartTime).Seconds())
	fmt.Fprintf(&b, "Total Packets:   %8d\n", s.TotalPackets)
	fmt.Fprintf(&b, "Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, percent(s.ValidPackets))
	if s.CRCErrors > 0 {
		fmt.Fprintf(&b, "CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, percent(s.CRCErrors))
	}
	if s.DecodeErrors > 0 {
		fmt.Fprintf(&b, "Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors))
	}
	if s.MalformedPackets > 0 {
		fmt.Fprintf(&b, "Malformed Pkts:  %8d (%.1f%%)\n", s.MalformedPackets, percent(s.MalformedPackets))
	}
	if s.AnomalousValues > 0 {
		fmt.Fprintf(&b, "Anomalous Values:%8d (%.1f%%)\n", s.AnomalousValues, percent(s.AnomalousValues))
		if s.InvalidTemp > 0 {
			fmt.Fprintf(&b, "  Invalid Temp:     %5d\n", s.InvalidTemp)
		}
		if s.InvalidDuty > 0 {
			fmt.Fprintf(&b, "  Invalid Duty:     %5d\n", s.InvalidDuty)
		}
		if s.InvalidState > 0 {
			fmt.Fprintf(&b, "  Invalid State:    %5d\n", s.InvalidState)
		}
		if s.InvalidPressure > 0 {
			fmt.Fprintf(&b, "  Invalid Pressure: %5d\n", s.InvalidPressure)
		}
	}
	fmt.Fprintf(&b, "Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")
	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
