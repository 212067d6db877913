// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package q3rcon_test

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schultz-is/q3rcon-go"
)

const testPassword = "secret"

// oob prefixes s with the out-of-band marker.
func oob(s string) []byte {
	return append(bytes.Clone(q3rcon.OOBMarker[:]), s...)
}

// fakeServer is a scripted Quake III server listening on a loopback UDP socket. Each request
// datagram is recorded and answered with the datagrams returned by handler, gap apart.
type fakeServer struct {
	pc       net.PacketConn
	requests chan []byte
	handler  func(req []byte) [][]byte
	gap      time.Duration
}

func newFakeServer(t *testing.T, gap time.Duration, handler func(req []byte) [][]byte) *fakeServer {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{
		pc:       pc,
		requests: make(chan []byte, 64),
		handler:  handler,
		gap:      gap,
	}

	done := make(chan struct{})
	go s.serve(done)
	t.Cleanup(func() {
		_ = pc.Close()
		<-done
	})

	return s
}

func (s *fakeServer) serve(done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, 65535)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		req := bytes.Clone(buf[:n])
		select {
		case s.requests <- req:
		default:
		}

		for i, reply := range s.handler(req) {
			if i > 0 && s.gap > 0 {
				time.Sleep(s.gap)
			}
			if _, err := s.pc.WriteTo(reply, addr); err != nil {
				return
			}
		}
	}
}

func (s *fakeServer) port() int {
	return s.pc.LocalAddr().(*net.UDPAddr).Port
}

func (s *fakeServer) config() q3rcon.ClientConfig {
	return q3rcon.ClientConfig{
		Host:            "127.0.0.1",
		Port:            s.port(),
		Password:        testPassword,
		Timeout:         2 * time.Second,
		FragmentTimeout: 150 * time.Millisecond,
		Retries:         2,
	}
}

// nextRequest returns the next datagram received by the server.
func (s *fakeServer) nextRequest(t *testing.T) []byte {
	t.Helper()

	select {
	case req := <-s.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("Server received no request")
		return nil
	}
}

// parseRequest splits an RCON request datagram into password and command.
func parseRequest(req []byte) (password, command string, ok bool) {
	if !q3rcon.HasMarker(req) {
		return "", "", false
	}
	rest, ok := strings.CutPrefix(string(req[q3rcon.MarkerSize:]), `rcon "`)
	if !ok {
		return "", "", false
	}
	password, command, ok = strings.Cut(rest, `" `)
	return password, command, ok
}

// quake3 returns a handler that behaves like a Quake III server: the password is checked, the
// heartbeat command is acknowledged, and any command found in replies is answered with its
// fragments. Unknown commands are answered with the usual complaint.
func quake3(replies map[string][]string) func([]byte) [][]byte {
	return func(req []byte) [][]byte {
		password, command, ok := parseRequest(req)
		if !ok {
			return nil
		}
		if password != testPassword {
			return [][]byte{oob(q3rcon.AuthFailureReply)}
		}
		if command == q3rcon.HeartbeatCommand {
			return [][]byte{oob(q3rcon.PrintPrefix)}
		}
		fragments, ok := replies[command]
		if !ok {
			return [][]byte{oob("print\nUnknown command \"" + command + "\"\n")}
		}
		out := make([][]byte, 0, len(fragments))
		for _, f := range fragments {
			out = append(out, oob(f))
		}
		return out
	}
}

// countingDialer dials real connections after failing a set number of times.
type countingDialer struct {
	failures int32
	calls    atomic.Int32
	wrap     func(net.Conn) net.Conn
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	n := d.calls.Add(1)
	if n <= d.failures {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errDialRefused{n}}
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil || d.wrap == nil {
		return conn, err
	}
	return d.wrap(conn), nil
}

type errDialRefused struct{ attempt int32 }

func (e errDialRefused) Error() string {
	return "connection refused on attempt " + strconv.Itoa(int(e.attempt))
}

// flakyConn fails a number of writes before passing them through, and optionally fails Close.
type flakyConn struct {
	net.Conn
	writeFailures atomic.Int32
	writes        atomic.Int32
	closeErr      error
}

func (c *flakyConn) Write(b []byte) (int, error) {
	c.writes.Add(1)
	if c.writeFailures.Add(-1) >= 0 {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: syscall.ENOBUFS}
	}
	return c.Conn.Write(b)
}

func (c *flakyConn) Close() error {
	err := c.Conn.Close()
	if c.closeErr != nil {
		return c.closeErr
	}
	return err
}


// hangDialer blocks every dial until its context ends.
type hangDialer struct {
	calls atomic.Int32
}

func (d *hangDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	<-ctx.Done()
	return nil, &net.OpError{Op: "dial", Net: network, Err: ctx.Err()}
}

// cancelConn calls cancel after the first datagram it reads once armed.
type cancelConn struct {
	net.Conn
	armed  atomic.Bool
	cancel context.CancelFunc
}

func (c *cancelConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err == nil && c.armed.CompareAndSwap(true, false) {
		c.cancel()
	}
	return n, err
}
