// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/golang/glog"
)

// serviceInterval is how often host tools run retransmission and parser
// timeouts
const serviceInterval = 20 * time.Millisecond

// session is a host-side protocol engine running over a Connection. Inbound
// packets other than acknowledgments are delivered on Packets.
type session struct {
	conn    Connection
	info    string
	engine  *protocol.Engine
	packets chan *protocol.Packet
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// openSession opens the connection selected by the flags, starts the engine
// and announces the host protocol version
func openSession(ctx context.Context) (*session, error) {
	conn, info, err := OpenConnection()
	if err != nil {
		return nil, err
	}
	return startSession(ctx, conn, info), nil
}

func startSession(ctx context.Context, conn Connection, info string) *session {
	s := &session{
		conn:    conn,
		info:    info,
		engine:  protocol.NewEngine(conn, protocol.Options{}),
		packets: make(chan *protocol.Packet, 64),
		done:    make(chan struct{}),
	}
	s.engine.SetHandler(func(p *protocol.Packet) {
		if p.Type() == protocol.MsgAck || p.Type() == protocol.MsgNack {
			return
		}
		select {
		case s.packets <- p:
		default:
			glog.V(1).Infof("session: dropped %s, reader is behind", protocol.FormatMessageType(p.Type()))
		}
	})

	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		s.err = s.engine.Run(ctx, conn, serviceInterval)
	}()
	if err := s.engine.SendHandshake(); err != nil {
		glog.Warningf("session: handshake: %v", err)
	}
	return s
}

// Done is closed when the engine stops
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the engine stopped. It is valid once Done is closed.
func (s *session) Err() error {
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

// call sends a command and waits for its acknowledgment
func (s *session) call(ctx context.Context, msgType uint8, payload []byte) error {
	if err := s.engine.Call(ctx, msgType, payload); err != nil {
		return fmt.Errorf("%s: %w", protocol.FormatMessageType(msgType), err)
	}
	return nil
}

// request sends a command and returns the first reply of the wanted type.
// The reply may arrive before or after the acknowledgment.
func (s *session) request(ctx context.Context, msgType uint8, payload []byte, want uint8) (*protocol.Packet, error) {
	acked := make(chan error, 1)
	go func() { acked <- s.call(ctx, msgType, payload) }()

	var reply *protocol.Packet
	ackDone := false
	for reply == nil || !ackDone {
		select {
		case p := <-s.packets:
			if p.Type() == want && reply == nil {
				reply = p
			}
		case err := <-acked:
			if err != nil {
				return nil, err
			}
			ackDone = true
		case <-s.done:
			return nil, fmt.Errorf("link closed: %w", s.Err())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return reply, nil
}

// Close stops the engine and closes the connection
func (s *session) Close() error {
	s.cancel()
	return s.conn.Close()
}
