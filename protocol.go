// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package q3rcon

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// MarkerSize is the length of the out-of-band marker that begins every datagram.
const MarkerSize = 4

// MaximumPacketSize is the largest datagram, marker included, that a [Packet] may be marshaled into.
// This is the largest UDP payload that fits in a single IPv4 datagram.
const MaximumPacketSize = 65507

// OOBMarker is the out-of-band marker that distinguishes connectionless datagrams such as RCON
// requests and replies from in-game traffic.
var OOBMarker = [MarkerSize]byte{0xFF, 0xFF, 0xFF, 0xFF}

const (
	// AuthFailureReply is the entire payload of the reply sent by a server that rejected the RCON
	// password.
	AuthFailureReply = "Bad rconpassword."

	// PrintPrefix begins the payload of ordinary console output.
	PrintPrefix = "print\n"

	// BroadcastPrefix begins the payload of a server broadcast.
	BroadcastPrefix = "broadcast: "

	printSpacePrefix = "print "
	displayCutset    = "\" \n\r"
)

// Packet is a single Quake III out-of-band datagram, either an RCON request sent by a client or a
// fragment of a reply sent by a server.
type Packet struct {
	// Payload is the ASCII text following the out-of-band marker. It may be empty.
	Payload []byte
}

// CommandPacket builds the request packet that asks the server to run command, authorized by
// password. Neither value is escaped, so embedded double quotes are the caller's responsibility.
// Both values must be ASCII.
func CommandPacket(password, command string) (Packet, error) {
	if !isASCII(password) {
		return Packet{}, newError(KindProtocol, "encode", errors.New("password contains non-ASCII bytes"))
	}
	if !isASCII(command) {
		return Packet{}, newError(KindProtocol, "encode", errors.New("command contains non-ASCII bytes"))
	}

	payload := make([]byte, 0, len(password)+len(command)+8)
	payload = append(payload, `rcon "`...)
	payload = append(payload, password...)
	payload = append(payload, `" `...)
	payload = append(payload, command...)

	return Packet{Payload: payload}, nil
}

// MarshalBinary encodes the receiving [Packet] into its wire form, the out-of-band marker followed by
// the payload. This satisfies the [encoding.BinaryMarshaler] interface.
func (p Packet) MarshalBinary() ([]byte, error) {
	size := MarkerSize + len(p.Payload)
	if size > MaximumPacketSize {
		return nil, newError(KindProtocol, "encode", errors.New("packet too large"))
	}

	b := make([]byte, 0, size)
	b = append(b, OOBMarker[:]...)
	b = append(b, p.Payload...)

	return b, nil
}

// WriteTo writes the wire form of the packet to [io.Writer] w in a single Write call, so that a
// packet written to a datagram connection is sent as exactly one datagram. This method satisfies the
// [io.WriterTo] interface.
func (p Packet) WriteTo(w io.Writer) (int64, error) {
	bs, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(bs)

	return int64(n), err
}

// UnmarshalBinary decodes the datagram b into the receiving [Packet]. It fails with [ErrProtocol]
// when b does not begin with the out-of-band marker. This satisfies the
// [encoding.BinaryUnmarshaler] interface.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if !HasMarker(b) {
		return newError(KindProtocol, "decode", errors.New("missing out-of-band marker"))
	}
	p.Payload = bytes.Clone(b[MarkerSize:])
	if p.Payload == nil {
		p.Payload = []byte{}
	}
	return nil
}

// IsAuthFailure reports whether the packet is the server's rejection of the RCON password.
func (p Packet) IsAuthFailure() bool {
	return string(p.Payload) == AuthFailureReply
}

// Display returns the payload normalized roughly the way a game client would show it in its
// console: a leading [PrintPrefix], or failing that a leading [BroadcastPrefix], is removed, then a
// leading "print " is removed, and finally double quotes, spaces, and line endings are trimmed
// from both ends.
func (p Packet) Display() []byte {
	b := p.Payload
	if rest, ok := bytes.CutPrefix(b, []byte(PrintPrefix)); ok {
		b = rest
	} else {
		b = bytes.TrimPrefix(b, []byte(BroadcastPrefix))
	}
	b = bytes.TrimPrefix(b, []byte(printSpacePrefix))

	return bytes.Trim(b, displayCutset)
}

// EqualTo determines if the provided Packet content matches the receiving Packet content.
func (p Packet) EqualTo(p2 Packet) bool {
	return bytes.Equal(p.Payload, p2.Payload)
}

// ProcessResponse validates a single reply datagram and returns its payload. It fails with
// [ErrProtocol] when data lacks the out-of-band marker and with [ErrUnauthorized] when the payload
// is exactly [AuthFailureReply]. A payload that is not ASCII text also fails with [ErrProtocol].
// When interpret is true the payload is normalized with [Packet.Display], otherwise it is returned
// unchanged.
func ProcessResponse(data []byte, interpret bool) ([]byte, error) {
	var p Packet
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	if p.IsAuthFailure() {
		return nil, newError(KindAuthentication, "", errors.New("server rejected the rcon password"))
	}
	if !isASCII(p.Payload) {
		return nil, newError(KindProtocol, "decode", errors.New("reply contains non-ASCII bytes"))
	}

	if interpret {
		return p.Display(), nil
	}
	return p.Payload, nil
}

// HasMarker reports whether b begins with the out-of-band marker.
func HasMarker(b []byte) bool {
	return bytes.HasPrefix(b, OOBMarker[:])
}

func isASCII[T string | []byte](s T) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}
