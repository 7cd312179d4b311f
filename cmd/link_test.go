// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointValidate(t *testing.T) {
	tests := []struct {
		name    string
		ep      endpoint
		wantErr string
	}{
		{"serial", endpoint{port: "/dev/ttyACM0", baud: protocol.BaudRate}, ""},
		{"auto", endpoint{port: autoPort, baud: protocol.BaudRate}, ""},
		{"websocket", endpoint{url: "ws://bridge.local/link"}, ""},
		{"nothing", endpoint{baud: protocol.BaudRate}, "either --port or --url"},
		{"both", endpoint{port: "/dev/ttyACM0", baud: protocol.BaudRate, url: "ws://bridge.local/link"}, "mutually exclusive"},
		{"bad baud", endpoint{port: "/dev/ttyACM0"}, "invalid baud rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ep.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "Serial: /dev/ttyACM0 @ 921600 baud",
		endpoint{port: "/dev/ttyACM0", baud: protocol.BaudRate}.String())
	assert.Equal(t, "WebSocket: wss://bridge.local/link",
		endpoint{url: "wss://bridge.local/link", username: "barista"}.String())
}

func TestOpenBridgeRejectsScheme(t *testing.T) {
	_, err := openBridge("http://bridge.local/link", "", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

// ============================================================
// raw_log
// ============================================================

func frame(t *testing.T, msgType, seq uint8, payload []byte) []byte {
	t.Helper()
	f, err := protocol.EncodeFrame(msgType, seq, payload)
	require.NoError(t, err)
	return f
}

func TestRawLoggerSequenceGaps(t *testing.T) {
	var out bytes.Buffer
	l := newRawLogger(&out, false)

	for _, seq := range []uint8{10, 11, 14, 14, 15} {
		l.feed(frame(t, protocol.MsgPing, seq, nil))
	}

	assert.Equal(t, uint64(1), l.seqGaps)
	assert.Equal(t, uint64(2), l.missed)
	assert.Equal(t, uint64(1), l.duplicates, "a repeated number is a retransmission")
	assert.Equal(t, uint64(5), l.stats.ValidPackets)
	assert.Contains(t, out.String(), "[GAP] sequence 11 -> 14, 2 frame(s) missing")
}

func TestRawLoggerSequenceWraps(t *testing.T) {
	l := newRawLogger(io.Discard, false)
	for _, seq := range []uint8{254, 255, 0, 1} {
		l.feed(frame(t, protocol.MsgPing, seq, nil))
	}
	assert.Zero(t, l.seqGaps)
	assert.Zero(t, l.duplicates)
}

func TestRawLoggerCountsCRCErrors(t *testing.T) {
	var out bytes.Buffer
	l := newRawLogger(&out, true)

	bad := frame(t, protocol.MsgPing, 0, nil)
	bad[len(bad)-1] ^= 0xFF
	l.feed(bad)
	l.feed(frame(t, protocol.MsgPing, 1, nil))

	assert.Equal(t, uint64(1), l.stats.CRCErrors)
	assert.Equal(t, uint64(1), l.stats.ValidPackets)
	assert.Contains(t, out.String(), "[ERROR]")
	assert.Contains(t, out.String(), "raw: ", "hex dump follows the packet")
	assert.Contains(t, l.summary(), "CRC Errors:")
}

func TestRawLoggerFlagsAnomalies(t *testing.T) {
	var out bytes.Buffer
	l := newRawLogger(&out, false)

	// A status frame three bytes long cannot be a real status
	l.feed(frame(t, protocol.MsgStatus, 0, []byte{1, 2, 3}))

	assert.Equal(t, uint64(1), l.stats.LengthMismatches)
	assert.Zero(t, l.stats.ValidPackets)
	assert.Contains(t, out.String(), "[ANOMALY]")
}

func TestRawLoggerParserTimeout(t *testing.T) {
	var out bytes.Buffer
	l := newRawLogger(&out, false)
	now := time.Unix(1000, 0)
	l.decoder.SetClock(func() time.Time { return now })

	f := frame(t, protocol.MsgPing, 0, nil)
	l.feed(f[:3])

	l.checkTimeout(now.Add(protocol.ParserTimeout / 2))
	assert.Zero(t, l.timeouts, "frame still within the timeout")

	l.checkTimeout(now.Add(2 * protocol.ParserTimeout))
	assert.Equal(t, uint64(1), l.timeouts)
	assert.Contains(t, out.String(), "[TIMEOUT]")

	// The decoder is back at SYNC and takes the next frame whole
	l.feed(f)
	assert.Equal(t, uint64(1), l.stats.ValidPackets)
	assert.Contains(t, l.summary(), "Parser Timeouts:        1")
}

// ============================================================
// packet_test
// ============================================================

// duplex is one end of an in-memory link
type duplex struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (d duplex) Close() error {
	for _, c := range d.closers {
		c.Close()
	}
	return nil
}

func linkPair() (host, peer duplex) {
	hostR, peerW := io.Pipe()
	peerR, hostW := io.Pipe()
	host = duplex{Reader: hostR, Writer: hostW, closers: []io.Closer{hostR, hostW}}
	peer = duplex{Reader: peerR, Writer: peerW, closers: []io.Closer{peerR, peerW}}
	return host, peer
}

// startPeer runs a controller-side engine that acknowledges pings
func startPeer(t *testing.T, conn duplex) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	peer := protocol.NewEngine(conn, protocol.Options{})
	peer.SetHandler(func(p *protocol.Packet) {
		if p.Type() == protocol.MsgPing {
			_ = peer.Respond(p, nil)
		}
	})
	go peer.Run(ctx, conn, serviceInterval)
}

func TestLinkCheckHealthyPeer(t *testing.T) {
	host, peer := linkPair()
	startPeer(t, peer)
	t.Cleanup(func() { peer.Close() })

	s := startSession(context.Background(), host, "pipe")
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	check, err := runLinkCheck(ctx, s)
	require.NoError(t, err)

	assert.True(t, check.passed())
	assert.NotNil(t, check.first)
	assert.NoError(t, check.pingErr)
	assert.True(t, check.ready)
	require.NotNil(t, check.peer, "peer handshake captured")
	assert.Equal(t, uint8(protocol.VersionMajor), check.peer.Major)
	assert.Zero(t, check.stats.CRCErrors)
	assert.Zero(t, check.stats.ParserTimeouts)

	var out bytes.Buffer
	check.report(&out, time.Second)
	assert.Contains(t, out.String(), "RX:        OK")
	assert.Contains(t, out.String(), "TX:        OK")
	assert.Contains(t, out.String(), "Handshake: OK   peer v")
	assert.Contains(t, out.String(), "CRC errors       0")
}

func TestLinkCheckSilentPeer(t *testing.T) {
	host, peer := linkPair()
	go io.Copy(io.Discard, peer)
	t.Cleanup(func() { peer.Close() })

	s := startSession(context.Background(), host, "pipe")
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	check, err := runLinkCheck(ctx, s)
	require.NoError(t, err)

	assert.False(t, check.passed())
	assert.Nil(t, check.first)
	assert.False(t, check.ready)
	assert.True(t, check.pingTried)
	assert.Error(t, check.pingErr)

	var out bytes.Buffer
	check.report(&out, 300*time.Millisecond)
	assert.Contains(t, out.String(), "RX:        FAIL")
	assert.Contains(t, out.String(), "TX:        FAIL")
	assert.Contains(t, out.String(), "Handshake: FAIL controller never announced itself")
}
