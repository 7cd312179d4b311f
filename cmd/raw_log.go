// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var (
	rawLogStatsInterval int
	rawLogHex           bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously decode and display link packets as they arrive.

Each packet is shown with its receive timestamp, message type, sequence number
and decoded payload. CRC and framing errors, sequence gaps and abandoned
partial frames are printed inline and counted. Payloads are checked against
their expected sizes and value ranges.

A summary of the counters is printed on exit, and every --stats-interval
seconds when set.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().IntVar(&rawLogStatsInterval, "stats-interval", 0, "Print statistics every N seconds (0 = on exit only)")
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Print the raw frame bytes of each packet")
}

// rawLogger decodes a received byte stream and accounts for everything that
// went wrong on the way
type rawLogger struct {
	out     io.Writer
	hex     bool
	decoder *protocol.Decoder
	stats   *protocol.Statistics

	lastSeq    uint8
	haveSeq    bool
	seqGaps    uint64
	missed     uint64
	duplicates uint64
	timeouts   uint64
}

func newRawLogger(out io.Writer, hex bool) *rawLogger {
	return &rawLogger{
		out:     out,
		hex:     hex,
		decoder: protocol.NewDecoder(),
		stats:   protocol.NewStatistics(),
	}
}

// feed runs received bytes through the decoder
func (l *rawLogger) feed(data []byte) {
	for _, b := range data {
		packet, err := l.decoder.DecodeByte(b)
		if err != nil {
			l.stats.Update(nil, err, nil)
			fmt.Fprintf(l.out, "[ERROR] %v\n", err)
			continue
		}
		if packet != nil {
			l.packet(packet)
		}
	}
}

func (l *rawLogger) packet(p *protocol.Packet) {
	raw := l.decoder.GetRawBytes()
	l.trackSequence(p.Seq())

	anomalies := protocol.ValidatePacket(p)
	l.stats.Update(p, nil, anomalies)

	fmt.Fprint(l.out, protocol.FormatPacket(p))
	if l.hex {
		fmt.Fprintf(l.out, "  raw: % X\n", raw)
	}
	for _, a := range anomalies {
		fmt.Fprintf(l.out, "  [ANOMALY] %s\n", a.Message)
	}
}

// trackSequence follows the sender's sequence counter. Every frame takes the
// next number except retransmissions, which repeat an earlier one.
func (l *rawLogger) trackSequence(seq uint8) {
	if !l.haveSeq {
		l.lastSeq, l.haveSeq = seq, true
		return
	}
	ahead := seq - l.lastSeq
	switch {
	case ahead == 1:
		l.lastSeq = seq
	case ahead == 0 || ahead >= 128:
		l.duplicates++
	default:
		l.seqGaps++
		l.missed += uint64(ahead - 1)
		fmt.Fprintf(l.out, "[GAP] sequence %d -> %d, %d frame(s) missing\n", l.lastSeq, seq, ahead-1)
		l.lastSeq = seq
	}
}

// checkTimeout abandons a partial frame that has stalled
func (l *rawLogger) checkTimeout(now time.Time) {
	if l.decoder.CheckTimeout(now, protocol.ParserTimeout) {
		l.timeouts++
		fmt.Fprintf(l.out, "[TIMEOUT] partial frame abandoned after %v\n", protocol.ParserTimeout)
	}
}

func (l *rawLogger) summary() string {
	return fmt.Sprintf("%sSequence Gaps:   %8d (%d frames missing)\nRetransmits:     %8d\nParser Timeouts: %8d\n",
		l.stats.String(), l.seqGaps, l.missed, l.duplicates, l.timeouts)
}

type readResult struct {
	data []byte
	err  error
}

func runRawLog(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fmt.Printf("Crema - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	logger := newRawLogger(os.Stdout, rawLogHex)
	defer func() { fmt.Print("\n" + logger.summary()) }()

	// Reads happen on their own goroutine so stalled frames still time out
	reads := make(chan readResult, 8)
	go func() {
		for {
			buf := make([]byte, 128)
			n, err := conn.Read(buf)
			select {
			case reads <- readResult{data: buf[:n], err: err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				return
			}
		}
	}()

	timeouts := time.NewTicker(protocol.ParserTimeout / 2)
	defer timeouts.Stop()

	var statsC <-chan time.Time
	if rawLogStatsInterval > 0 {
		ticker := time.NewTicker(time.Duration(rawLogStatsInterval) * time.Second)
		defer ticker.Stop()
		statsC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case r := <-reads:
			logger.feed(r.data)
			if r.err == nil {
				continue
			}
			if errors.Is(r.err, ErrConnectionClosed) || errors.Is(r.err, io.EOF) {
				glog.Infof("Connection closed")
				return nil
			}
			glog.Warningf("Read error: %v", r.err)

		case now := <-timeouts.C:
			logger.checkTimeout(now)

		case <-statsC:
			fmt.Print(logger.stats.String())
		}
	}
}
