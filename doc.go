// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package q3rcon provides a client for the Quake III Arena remote console (RCON) protocol.

Quake III RCON is connectionless: every request and response is a single UDP datagram that begins
with the four byte out-of-band marker 0xFFFFFFFF followed by ASCII text. A request carries the
shared server password alongside the console command:

	\xff\xff\xff\xffrcon "<password>" <command>

The server answers with one or more datagrams, usually prefixed with "print\n". Long replies are
split across several datagrams, but the protocol has no continuation marker and no request
identifier, so a [Client] treats a reply as complete once no further datagram arrives within
[ClientConfig.FragmentTimeout]. For the same reason a single client only ever has one command in
flight.

A typical session connects, runs commands and closes:

	c := q3rcon.NewClient(q3rcon.ClientConfig{Host: "192.0.2.1", Password: "secret"})
	if err := c.Connect(ctx, true); err != nil {
		return err
	}
	defer c.Close()

	out, err := c.SendCommand(ctx, "status", true)
*/
package q3rcon
