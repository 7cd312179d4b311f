// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Options configures an Engine. Zero fields take the link defaults.
type Options struct {
	AckTimeout            time.Duration
	MaxRetries            int
	MaxPending            int
	ParserTimeout         time.Duration
	BackpressureThreshold int
	Capabilities          uint8

	// Now is the engine's time source
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = AckTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = MaxRetries
	}
	if o.MaxPending <= 0 {
		o.MaxPending = MaxPending
	}
	if o.ParserTimeout <= 0 {
		o.ParserTimeout = ParserTimeout
	}
	if o.BackpressureThreshold <= 0 {
		o.BackpressureThreshold = BackpressureThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Completion reports the outcome of a tracked command. Err is nil on a
// successful ACK, a *NackError when refused and wraps ErrAckTimeout after the
// retries ran out.
type Completion struct {
	Type uint8
	Seq  uint8
	Err  error
}

// Handler receives every valid inbound packet
type Handler func(p *Packet)

type pendingCommand struct {
	active  bool
	msgType uint8
	seq     uint8
	payload []byte
	retries int
	sent    time.Time
	waiter  chan Completion
}

// Engine runs the link: framing, acknowledgment tracking, retransmission and
// the version handshake.
//
// Transmit methods are safe for concurrent use. Feed and Service must be called
// from a single goroutine.
type Engine struct {
	opts Options

	txMu  sync.Mutex
	w     io.Writer
	txSeq uint8
	txBuf []byte

	mu          sync.Mutex
	pending     []pendingCommand
	stats       LinkStats
	lastSeq     int
	handler     Handler
	onComplete  func(Completion)
	handshakeTx bool
	readyCh     chan struct{}

	dec *Decoder
}

// NewEngine creates an engine writing frames to w
func NewEngine(w io.Writer, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:    opts,
		w:       w,
		txBuf:   make([]byte, 0, MaxPacketSize),
		pending: make([]pendingCommand, opts.MaxPending),
		lastSeq: -1,
		readyCh: make(chan struct{}),
		dec:     NewDecoder(),
	}
	e.dec.SetClock(opts.Now)
	return e
}

// SetHandler sets the callback for inbound packets
func (e *Engine) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// SetCompletionHandler sets the callback for tracked command outcomes
func (e *Engine) SetCompletionHandler(f func(Completion)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = f
}

// ============================================================================
// Transmit
// ============================================================================

// writeFrame writes one frame. With assign set the next sequence number is
// taken and seq is ignored.
func (e *Engine) writeFrame(msgType uint8, seq uint8, assign bool, payload []byte) (uint8, error) {
	e.txMu.Lock()
	defer e.txMu.Unlock()

	if assign {
		if len(payload) > MaxPayloadSize {
			return 0, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
		}
		seq = e.txSeq
		e.txSeq++
	}
	return seq, e.writeLocked(msgType, seq, payload)
}

// writeLocked encodes and writes a frame; txMu must be held
func (e *Engine) writeLocked(msgType, seq uint8, payload []byte) error {
	frame, err := AppendFrame(e.txBuf[:0], msgType, seq, payload)
	if err != nil {
		return err
	}
	_, werr := e.w.Write(frame)

	e.mu.Lock()
	if werr != nil {
		e.stats.DroppedWrites++
	} else {
		e.stats.PacketsSent++
		e.stats.BytesSent += uint64(len(frame))
		if msgType == MsgNack {
			e.stats.NacksSent++
		}
	}
	e.mu.Unlock()

	if werr != nil {
		return fmt.Errorf("failed to write %s: %w", FormatMessageType(msgType), werr)
	}
	if glog.V(2) {
		glog.Infof("protocol: tx %s seq=%d len=%d", FormatMessageType(msgType), seq, len(payload))
	}
	return nil
}

// Send transmits an untracked message and returns its sequence number
func (e *Engine) Send(msgType uint8, payload []byte) (uint8, error) {
	return e.writeFrame(msgType, 0, true, payload)
}

// SendCommand transmits a command tracked for acknowledgment. It fails with
// ErrBusy, without blocking, when the pending table is full.
func (e *Engine) SendCommand(msgType uint8, payload []byte) (uint8, error) {
	return e.sendTracked(msgType, payload, nil)
}

// Call sends a command and waits for its completion
func (e *Engine) Call(ctx context.Context, msgType uint8, payload []byte) error {
	done := make(chan Completion, 1)
	if _, err := e.sendTracked(msgType, payload, done); err != nil {
		return err
	}
	select {
	case c := <-done:
		return c.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) sendTracked(msgType uint8, payload []byte, waiter chan Completion) (uint8, error) {
	if len(payload) > MaxPayloadSize {
		return 0, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	e.txMu.Lock()
	defer e.txMu.Unlock()
	seq := e.txSeq

	e.mu.Lock()
	slot := -1
	for i := range e.pending {
		if !e.pending[i].active {
			slot = i
			break
		}
	}
	if slot < 0 {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrBusy, FormatMessageType(msgType))
	}
	e.pending[slot] = pendingCommand{
		active:  true,
		msgType: msgType,
		seq:     seq,
		payload: append([]byte(nil), payload...),
		sent:    e.opts.Now(),
		waiter:  waiter,
	}
	e.updatePendingLocked()
	e.mu.Unlock()
	e.txSeq++

	if err := e.writeLocked(msgType, seq, payload); err != nil {
		// The retry timer covers a failed write
		glog.Warningf("protocol: %v (will retry)", err)
	}
	return seq, nil
}

// SendAck answers a command. A success result goes out as MSG_ACK, any other
// result as MSG_NACK.
func (e *Engine) SendAck(cmdType, cmdSeq uint8, result Result) error {
	msgType := uint8(MsgAck)
	if result != ResultSuccess {
		msgType = MsgNack
	}
	_, err := e.Send(msgType, Ack{CmdType: cmdType, CmdSeq: cmdSeq, Result: result}.Encode())
	return err
}

// Respond answers p with the result for err
func (e *Engine) Respond(p *Packet, err error) error {
	result := ResultFor(err)
	if result != ResultSuccess {
		glog.Warningf("protocol: %s seq=%d refused: %v", FormatMessageType(p.Type()), p.Seq(), err)
	}
	return e.SendAck(p.Type(), p.Seq(), result)
}

// SendHandshake announces the local protocol version
func (e *Engine) SendHandshake() error {
	h := Handshake{
		Major:        VersionMajor,
		Minor:        VersionMinor,
		Capabilities: e.opts.Capabilities,
		MaxRetries:   uint8(e.opts.MaxRetries),
		AckTimeoutMs: uint16(e.opts.AckTimeout / time.Millisecond),
	}
	e.mu.Lock()
	e.handshakeTx = true
	e.mu.Unlock()
	_, err := e.Send(MsgHandshake, h.Encode())
	return err
}

// ============================================================================
// Receive
// ============================================================================

// Feed runs received bytes through the parser and dispatches complete packets
func (e *Engine) Feed(data []byte) {
	for _, b := range data {
		p, err := e.dec.DecodeByte(b)
		if err != nil {
			e.recordDecodeError(err)
			continue
		}
		if p != nil {
			e.dispatch(p)
		}
	}
	e.mu.Lock()
	e.stats.BytesReceived += uint64(len(data))
	e.mu.Unlock()
}

func (e *Engine) recordDecodeError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isCRCError(err) {
		e.stats.CRCErrors++
		// First five, then every tenth
		if n := e.stats.CRCErrors; n <= 5 || n%10 == 0 {
			glog.Warningf("protocol: %v (total %d)", err, n)
		}
		return
	}
	e.stats.PacketErrors++
	glog.Warningf("protocol: %v (total %d)", err, e.stats.PacketErrors)
}

func (e *Engine) dispatch(p *Packet) {
	var completions []pendingCompletion

	e.mu.Lock()
	e.stats.PacketsReceived++
	e.stats.LastReceived = p.timestamp

	if p.IsCommand() && e.lastSeq >= 0 {
		if want := uint8(e.lastSeq + 1); p.seq != want {
			e.stats.SequenceErrors++
			glog.Warningf("protocol: sequence gap (got %d, expected %d)", p.seq, want)
		}
	}
	e.lastSeq = int(p.seq)

	answerHandshake := false
	switch p.msgType {
	case MsgHandshake:
		answerHandshake = e.handleHandshakeLocked(p)
	case MsgAck, MsgNack:
		if p.msgType == MsgNack {
			e.stats.NacksReceived++
		}
		if ack, err := DecodeAck(p.payload); err == nil {
			completions = e.completeLocked(p.msgType, ack)
		}
	}
	handler := e.handler
	e.mu.Unlock()

	if answerHandshake {
		if err := e.SendHandshake(); err != nil {
			glog.Warningf("protocol: handshake reply: %v", err)
		}
	}
	e.deliver(completions)

	if glog.V(2) {
		glog.Infof("protocol: rx %s seq=%d len=%d", FormatMessageType(p.msgType), p.seq, len(p.payload))
	}
	if handler != nil {
		handler(p)
	}
}

// handleHandshakeLocked marks the link ready and reports whether a reply is owed
func (e *Engine) handleHandshakeLocked(p *Packet) bool {
	h, err := DecodeHandshake(p.payload)
	if err != nil {
		e.stats.PacketErrors++
		return false
	}
	if h.Major != VersionMajor {
		e.stats.VersionMismatches++
		glog.Errorf("protocol: peer speaks v%d.%d, need v%d.x", h.Major, h.Minor, VersionMajor)
		return false
	}
	if !e.stats.Handshake {
		e.stats.Handshake = true
		close(e.readyCh)
		glog.Infof("protocol: handshake complete (peer v%d.%d)", h.Major, h.Minor)
	}
	return !e.handshakeTx
}

type pendingCompletion struct {
	c      Completion
	waiter chan Completion
}

func (e *Engine) completeLocked(msgType uint8, ack Ack) []pendingCompletion {
	for i := range e.pending {
		pc := &e.pending[i]
		if !pc.active || pc.seq != ack.CmdSeq || pc.msgType != ack.CmdType {
			continue
		}
		c := Completion{Type: pc.msgType, Seq: pc.seq}
		if msgType == MsgNack || ack.Result != ResultSuccess {
			c.Err = &NackError{Type: pc.msgType, Seq: pc.seq, Result: ack.Result}
		}
		waiter := pc.waiter
		*pc = pendingCommand{}
		e.updatePendingLocked()
		return []pendingCompletion{{c: c, waiter: waiter}}
	}
	return nil
}

func (e *Engine) deliver(completions []pendingCompletion) {
	if len(completions) == 0 {
		return
	}
	e.mu.Lock()
	f := e.onComplete
	e.mu.Unlock()
	for _, pc := range completions {
		if pc.waiter != nil {
			pc.waiter <- pc.c
		}
		if f != nil {
			f(pc.c)
		}
	}
}

// ============================================================================
// Service
// ============================================================================

// Service abandons stalled partial frames and retransmits or expires
// unacknowledged commands. Call it once per control cycle.
func (e *Engine) Service() {
	now := e.opts.Now()

	if e.dec.CheckTimeout(now, e.opts.ParserTimeout) {
		e.mu.Lock()
		e.stats.ParserTimeouts++
		e.mu.Unlock()
		glog.Warningf("protocol: parser timeout, resynchronizing")
	}

	type resend struct {
		msgType uint8
		seq     uint8
		payload []byte
	}
	var resends []resend
	var expired []pendingCompletion

	e.mu.Lock()
	for i := range e.pending {
		pc := &e.pending[i]
		if !pc.active || now.Sub(pc.sent) < e.opts.AckTimeout {
			continue
		}
		if pc.retries < e.opts.MaxRetries {
			pc.retries++
			pc.sent = now
			e.stats.Retries++
			resends = append(resends, resend{pc.msgType, pc.seq, pc.payload})
			glog.Warningf("protocol: no ack for %s seq=%d, retry %d/%d",
				FormatMessageType(pc.msgType), pc.seq, pc.retries, e.opts.MaxRetries)
			continue
		}
		e.stats.AckTimeouts++
		glog.Errorf("protocol: %s seq=%d unacknowledged after %d retries",
			FormatMessageType(pc.msgType), pc.seq, pc.retries)
		expired = append(expired, pendingCompletion{
			c: Completion{
				Type: pc.msgType,
				Seq:  pc.seq,
				Err:  fmt.Errorf("%w: %s seq %d", ErrAckTimeout, FormatMessageType(pc.msgType), pc.seq),
			},
			waiter: pc.waiter,
		})
		*pc = pendingCommand{}
	}
	e.updatePendingLocked()
	e.mu.Unlock()

	for _, r := range resends {
		if _, err := e.writeFrame(r.msgType, r.seq, false, r.payload); err != nil {
			glog.Warningf("protocol: retransmit: %v", err)
		}
	}
	e.deliver(expired)
}

func (e *Engine) updatePendingLocked() {
	n := 0
	for i := range e.pending {
		if e.pending[i].active {
			n++
		}
	}
	e.stats.Pending = n
	e.stats.Backpressure = n >= e.opts.BackpressureThreshold
}

// Run drives the engine from r until ctx ends or r fails: bytes are fed as
// they arrive and Service runs every interval. It is meant for host tools that
// have no control loop of their own.
func (e *Engine) Run(ctx context.Context, r io.Reader, interval time.Duration) error {
	chunks := make(chan []byte, 16)
	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return fmt.Errorf("failed to read from link: %w", err)
		case chunk := <-chunks:
			e.Feed(chunk)
		case <-ticker.C:
			e.Service()
		}
	}
}

// ============================================================================
// Readiness and statistics
// ============================================================================

// Ready reports whether the handshake has completed
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Handshake
}

// ReadyChan is closed once the handshake completes
func (e *Engine) ReadyChan() <-chan struct{} {
	return e.readyCh
}

// WaitReady blocks until the handshake completes or ctx ends
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}

// Stats returns a snapshot of the link counters
func (e *Engine) Stats() LinkStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetErrorCounters zeroes the error counters
func (e *Engine) ResetErrorCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.CRCErrors = 0
	e.stats.PacketErrors = 0
	e.stats.ParserTimeouts = 0
	e.stats.SequenceErrors = 0
}
