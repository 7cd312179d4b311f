// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Check both directions of the link and the protocol handshake",
	Long: `Check the link to the controller end to end.

  RX        - a valid packet arrives (passing CRC check)
  TX        - a MSG_PING is acknowledged
  Handshake - the controller announces a compatible protocol version

A running controller sends MSG_STATUS several times a second and answers the
host handshake, so a healthy link passes all three almost immediately. The
parser, CRC and sequence counters seen during the check are printed at the end.

Exit codes:
  0 - All checks passed
  1 - A check failed or timed out
  2 - Connection error

Useful for testing the serial wiring or a WebSocket bridge.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds for the whole check")
}

// linkCheck is the outcome of a packet_test run
type linkCheck struct {
	first     *protocol.Packet
	peer      *protocol.Handshake
	ready     bool
	pingErr   error
	rtt       time.Duration
	pingTried bool
	stats     protocol.LinkStats
}

func (c linkCheck) passed() bool {
	return c.first != nil && c.pingTried && c.pingErr == nil && c.ready
}

// observe records an inbound packet
func (c *linkCheck) observe(p *protocol.Packet) {
	if c.first == nil {
		c.first = p
	}
	if p.Type() == protocol.MsgHandshake && c.peer == nil {
		if h, err := protocol.DecodeHandshake(p.Payload()); err == nil {
			c.peer = &h
		}
	}
}

// report writes the check results
func (c linkCheck) report(w io.Writer, timeout time.Duration) {
	if c.first != nil {
		fmt.Fprintf(w, "RX:        OK   %s seq=%d len=%d crc=0x%04X\n",
			protocol.FormatMessageType(c.first.Type()), c.first.Seq(), c.first.Length(), c.first.CRC())
		if len(c.first.Payload()) > 0 {
			fmt.Fprint(w, protocol.FormatPayload(c.first.Type(), c.first.Payload()))
		}
	} else {
		fmt.Fprintf(w, "RX:        FAIL no valid packet within %v\n", timeout)
	}

	var nack *protocol.NackError
	switch {
	case !c.pingTried:
		fmt.Fprintf(w, "TX:        FAIL ping not sent\n")
	case c.pingErr == nil:
		fmt.Fprintf(w, "TX:        OK   ping acknowledged, rtt=%v\n", c.rtt.Round(time.Microsecond))
	case errors.As(c.pingErr, &nack):
		fmt.Fprintf(w, "TX:        FAIL ping refused (%s)\n", nack.Result)
	case errors.Is(c.pingErr, context.DeadlineExceeded):
		fmt.Fprintf(w, "TX:        FAIL no acknowledgment within %v\n", timeout)
	default:
		fmt.Fprintf(w, "TX:        FAIL %v\n", c.pingErr)
	}

	switch {
	case c.ready && c.peer != nil:
		fmt.Fprintf(w, "Handshake: OK   peer v%d.%d, %d retries, ack timeout %dms\n",
			c.peer.Major, c.peer.Minor, c.peer.MaxRetries, c.peer.AckTimeoutMs)
	case c.ready:
		fmt.Fprintf(w, "Handshake: OK\n")
	case c.stats.VersionMismatches > 0 && c.peer != nil:
		fmt.Fprintf(w, "Handshake: FAIL peer speaks v%d.%d, host needs v%d.x\n",
			c.peer.Major, c.peer.Minor, protocol.VersionMajor)
	default:
		fmt.Fprintf(w, "Handshake: FAIL controller never announced itself\n")
	}

	s := c.stats
	fmt.Fprintf(w, "\nLink counters:\n")
	fmt.Fprintf(w, "  packets rx/tx    %d/%d (%d/%d bytes)\n", s.PacketsReceived, s.PacketsSent, s.BytesReceived, s.BytesSent)
	fmt.Fprintf(w, "  CRC errors       %d\n", s.CRCErrors)
	fmt.Fprintf(w, "  packet errors    %d\n", s.PacketErrors)
	fmt.Fprintf(w, "  parser timeouts  %d\n", s.ParserTimeouts)
	fmt.Fprintf(w, "  sequence errors  %d\n", s.SequenceErrors)
	fmt.Fprintf(w, "  retransmissions  %d\n", s.Retries)
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	timeout := time.Duration(packetTestTimeout) * time.Second
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	s, err := openSession(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Crema - Packet Test\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %v\n\n", timeout)

	check, linkErr := runLinkCheck(ctx, s)
	check.report(os.Stdout, timeout)

	if linkErr != nil {
		fmt.Fprintf(os.Stderr, "\nRead error: %v\n", linkErr)
		os.Exit(2)
	}
	if !check.passed() {
		fmt.Fprintf(os.Stderr, "\nFAIL: link check did not pass\n")
		os.Exit(1)
	}
	fmt.Printf("\nSUCCESS: link healthy\n")
	return nil
}

// runLinkCheck pings the controller and watches inbound traffic until every
// check has an answer or ctx expires. The error is set when the link itself
// failed.
func runLinkCheck(ctx context.Context, s *session) (linkCheck, error) {
	var check linkCheck

	type pingResult struct {
		err error
		rtt time.Duration
	}
	pinged := make(chan pingResult, 1)
	go func() {
		start := time.Now()
		err := s.engine.Call(ctx, protocol.MsgPing, nil)
		pinged <- pingResult{err: err, rtt: time.Since(start)}
	}()

	readyErr := make(chan error, 1)
	go func() { readyErr <- s.engine.WaitReady(ctx) }()

	var linkErr error
	pingDone, readyDone := false, false
loop:
	for check.first == nil || !pingDone || !readyDone {
		select {
		case p := <-s.packets:
			check.observe(p)
		case r := <-pinged:
			check.pingTried, check.pingErr, check.rtt = true, r.err, r.rtt
			pingDone = true
		case err := <-readyErr:
			check.ready = err == nil
			readyDone = true
		case <-s.Done():
			linkErr = s.Err()
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	// The handshake reaches the handler after the engine marks the link
	// ready, so its packet may still be queued
	settle := time.After(serviceInterval)
	for settled := false; !settled; {
		select {
		case p := <-s.packets:
			check.observe(p)
		case r := <-pinged:
			check.pingTried, check.pingErr, check.rtt = true, r.err, r.rtt
		case <-settle:
			settled = true
		}
	}
	check.stats = s.engine.Stats()
	check.ready = check.ready || check.stats.Handshake
	return check, linkErr
}
