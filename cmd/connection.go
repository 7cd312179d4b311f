// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// Connection is a byte stream carrying link frames, over serial or a
// WebSocket bridge
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// passwordEnv holds the WebSocket bridge password
const passwordEnv = "CREMA_PASSWORD"

// autoPort selects the only serial port present
const autoPort = "auto"

// Bridge timings
const (
	bridgeDialTimeout = 15 * time.Second
	bridgeKeepalive   = 20 * time.Second
)

// ErrConnectionClosed is returned once the link is gone for good
var ErrConnectionClosed = errors.New("connection closed")

// endpoint is the link selected by the connection flags
type endpoint struct {
	port     string
	baud     int
	url      string
	username string
	insecure bool
}

func endpointFromFlags() endpoint {
	return endpoint{
		port:     portName,
		baud:     baudRate,
		url:      wsURL,
		username: wsUsername,
		insecure: wsNoSSLVerify,
	}
}

func (e endpoint) validate() error {
	switch {
	case e.port == "" && e.url == "":
		return errors.New("either --port or --url must be specified")
	case e.port != "" && e.url != "":
		return errors.New("--port and --url are mutually exclusive")
	case e.port != "" && e.baud <= 0:
		return fmt.Errorf("invalid baud rate %d", e.baud)
	}
	if e.port != "" && e.baud != protocol.BaudRate {
		glog.Warningf("baud rate %d differs from the controller's %d", e.baud, protocol.BaudRate)
	}
	return nil
}

func (e endpoint) String() string {
	if e.url != "" {
		return fmt.Sprintf("WebSocket: %s", e.url)
	}
	return fmt.Sprintf("Serial: %s @ %d baud", e.port, e.baud)
}

// open dials the endpoint. The returned endpoint has "auto" resolved.
func (e endpoint) open() (Connection, endpoint, error) {
	if e.url != "" {
		password := ""
		if e.username != "" {
			var err error
			if password, err = bridgePassword(); err != nil {
				return nil, e, err
			}
		}
		conn, err := openBridge(e.url, e.username, password, e.insecure)
		return conn, e, err
	}

	if e.port == autoPort {
		name, err := resolvePort()
		if err != nil {
			return nil, e, err
		}
		e.port = name
	}
	conn, err := openSerial(e.port, e.baud)
	return conn, e, err
}

// OpenConnection opens the link named by the flags. The second return value
// describes it for display.
func OpenConnection() (Connection, string, error) {
	ep := endpointFromFlags()
	if err := ep.validate(); err != nil {
		return nil, "", err
	}
	conn, ep, err := ep.open()
	if err != nil {
		return nil, "", err
	}
	glog.V(1).Infof("link open: %s", ep)
	return conn, ep.String(), nil
}

// ============================================================
// Serial
// ============================================================

// serialLink is the controller's UART, 8N1
type serialLink struct {
	port serial.Port
}

func (s *serialLink) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *serialLink) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialLink) Close() error {
	return s.port.Close()
}

func openSerial(name string, baud int) (Connection, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	// Bytes queued before we opened are half a frame at best
	if err := port.ResetInputBuffer(); err != nil {
		glog.V(1).Infof("serial: could not flush input on %s: %v", name, err)
	}
	return &serialLink{port: port}, nil
}

// resolvePort returns the serial port when exactly one is present
func resolvePort() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("failed to list serial ports: %w", err)
	}
	switch len(ports) {
	case 0:
		return "", errors.New("--port auto: no serial ports found")
	case 1:
		return ports[0], nil
	}
	return "", fmt.Errorf("--port auto: %d serial ports found (%s), name one", len(ports), strings.Join(ports, ", "))
}

// ============================================================
// WebSocket bridge
// ============================================================

// bridgeLink carries the link through a WebSocket bridge. Frames travel in
// binary messages; the bridge may split or merge them, so the message
// boundaries are ignored and the payloads read as one stream.
type bridgeLink struct {
	conn    *websocket.Conn
	msg     io.Reader
	closed  bool
	writeMu sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

func (b *bridgeLink) Read(p []byte) (int, error) {
	if b.closed {
		return 0, ErrConnectionClosed
	}
	for {
		if b.msg != nil {
			n, err := b.msg.Read(p)
			if errors.Is(err, io.EOF) {
				b.msg, err = nil, nil
			}
			if n > 0 || err != nil {
				return n, err
			}
			continue
		}

		kind, r, err := b.conn.NextReader()
		if err != nil {
			b.closed = true
			return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		if kind == websocket.BinaryMessage {
			b.msg = r
		}
	}
}

func (b *bridgeLink) Write(p []byte) (int, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *bridgeLink) Close() error {
	b.once.Do(func() { close(b.stop) })
	return b.conn.Close()
}

// keepalive pings the bridge so idle sessions survive proxies
func (b *bridgeLink) keepalive() {
	ticker := time.NewTicker(bridgeKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(bridgeKeepalive / 2)
			if err := b.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				glog.V(1).Infof("bridge: keepalive: %v", err)
				return
			}
		}
	}
}

func openBridge(rawURL, username, password string, insecure bool) (Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecure}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bridgeDialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	b := &bridgeLink{conn: conn, stop: make(chan struct{})}
	go b.keepalive()
	return b, nil
}

// bridgePassword reads the bridge password from the environment, or prompts
// for it without echo
func bridgePassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	// Piped input
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
