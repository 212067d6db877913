// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs a minimal Quake III RCON responder on loopback and returns its port.
func startServer(t *testing.T, password string, replies map[string][]string) int {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		marker := []byte{0xFF, 0xFF, 0xFF, 0xFF}
		buf := make([]byte, 65535)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			rest, ok := strings.CutPrefix(string(buf[4:n]), `rcon "`)
			if !ok {
				continue
			}
			pw, cmd, _ := strings.Cut(rest, `" `)

			var out []string
			switch {
			case pw != password:
				out = []string{"Bad rconpassword."}
			case cmd == "heartbeat":
				out = []string{"print\n"}
			default:
				out = replies[cmd]
			}
			for _, o := range out {
				_, _ = pc.WriteTo(append(bytes.Clone(marker), o...), addr)
			}
		}
	}()
	t.Cleanup(func() {
		_ = pc.Close()
		<-done
	})

	return pc.LocalAddr().(*net.UDPAddr).Port
}

func noEnv(string) string { return "" }

func TestRunExec(t *testing.T) {
	port := startServer(t, "secret", map[string][]string{
		"status": {"print\nmap: q3dm17\n", "print\nplayers: 2\n"},
	})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"-c", "status", "-fragment-timeout", "100ms", "127.0.0.1:" + strconv.Itoa(port), "secret"},
		strings.NewReader(""), &stdout, &stderr, noEnv)

	require.Equal(t, exitOK, code, stderr.String())
	assert.Equal(t, "map: q3dm17players: 2\n", stdout.String())
}

func TestRunExecRaw(t *testing.T) {
	port := startServer(t, "secret", map[string][]string{"echo": {"print\n\"hi\"\n"}})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"-raw", "-c", "echo", "-p", strconv.Itoa(port), "-fragment-timeout", "100ms", "127.0.0.1", "secret"},
		strings.NewReader(""), &stdout, &stderr, noEnv)

	require.Equal(t, exitOK, code, stderr.String())
	assert.Equal(t, "print\n\"hi\"\n\n", stdout.String())
}

func TestRunWrongPassword(t *testing.T) {
	port := startServer(t, "secret", nil)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"-fragment-timeout", "100ms", "127.0.0.1:" + strconv.Itoa(port), "wrong"},
		strings.NewReader("status\n"), &stdout, &stderr, noEnv)

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr.String(), "incorrect password")
	assert.NotContains(t, stderr.String(), "wrong")
}

func TestRunInteractive(t *testing.T) {
	port := startServer(t, "secret", map[string][]string{
		"echo one": {"print\none\n"},
		"echo two": {"broadcast: \"two\""},
	})

	in := strings.NewReader("echo one\n\n   \necho two\nquit\necho never\n")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"-fragment-timeout", "100ms", "127.0.0.1:" + strconv.Itoa(port), "secret"},
		in, &stdout, &stderr, noEnv)

	require.Equal(t, exitOK, code, stderr.String())
	want := fmt.Sprintf("Connected to Quake 3 server at 127.0.0.1:%d\none\ntwo\n", port)
	assert.Equal(t, want, stdout.String())
}

func TestRunProfiles(t *testing.T) {
	portA := startServer(t, "alpha", map[string][]string{"status": {"print\nmap: q3dm6\n"}})
	portB := startServer(t, "bravo", map[string][]string{"status": {"print\nmap: q3tourney2\n"}})

	path := writeConfig(t, fmt.Sprintf(`
[defaults]
fragment_timeout = "100ms"

[profiles.a]
address = "127.0.0.1:%d"
password = "alpha"

[profiles.b]
address = "127.0.0.1"
port = %d
password = "bravo"
`, portA, portB))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"-config", path, "-profile", "b,a", "-c", "status"},
		strings.NewReader(""), &stdout, &stderr, noEnv)

	require.Equal(t, exitOK, code, stderr.String())
	assert.Equal(t, "[b] map: q3tourney2\n[a] map: q3dm6\n", stdout.String())

	stdout.Reset()
	stderr.Reset()
	code = run(context.Background(),
		[]string{"-config", path, "-profile", "a,b"},
		strings.NewReader(""), &stdout, &stderr, noEnv)
	assert.Equal(t, exitUsage, code)
}

func TestRunUsage(t *testing.T) {
	tests := map[string][]string{
		"no arguments":      {},
		"missing password":  {"127.0.0.1"},
		"port twice":        {"-p", "27961", "127.0.0.1:27960", "secret"},
		"bad port":          {"-p", "70000", "127.0.0.1", "secret"},
		"bad address":       {"not an address", "secret"},
		"zero retries":      {"-retries", "0", "127.0.0.1", "secret"},
		"negative timeout":  {"-timeout", "-1s", "127.0.0.1", "secret"},
		"unknown flag":      {"-bogus", "127.0.0.1", "secret"},
		"profile with args": {"-profile", "a", "127.0.0.1", "secret"},
	}

	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), args, strings.NewReader(""), &stdout, &stderr, noEnv)
			assert.Equal(t, exitUsage, code)
			assert.NotEmpty(t, stderr.String())
		})
	}
}

func TestRunUnreachable(t *testing.T) {
	// Grab a free port and release it so nothing answers there.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())

	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"-c", "status", "-timeout", "200ms", "-fragment-timeout", "50ms", "127.0.0.1:" + strconv.Itoa(port), "secret"},
		strings.NewReader(""), &stdout, &stderr, noEnv)

	assert.Equal(t, exitError, code)
	assert.Empty(t, stdout.String())
}
