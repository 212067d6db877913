// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package q3rcon

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// DefaultPort is the port Quake III servers listen on unless configured otherwise.
	DefaultPort = 27960

	// DefaultTimeout is the default limit on a single dial attempt and on a full command round trip.
	DefaultTimeout = 2 * time.Second

	// DefaultFragmentTimeout is the default amount of time a client waits for the next datagram of a
	// reply before considering the reply complete.
	DefaultFragmentTimeout = 250 * time.Millisecond

	// DefaultRetries is the default number of attempts made for each dial and send.
	DefaultRetries = 2

	// HeartbeatCommand is the harmless command sent by [Client.Connect] to verify that the remote end
	// speaks the protocol.
	HeartbeatCommand = "heartbeat"
)

// drainWait bounds each read that discards datagrams left over from an earlier command. A deadline
// already in the past would fail the read without looking at the socket queue.
const drainWait = time.Millisecond

// aLongTimeAgo is a non-zero time in the past, used to abort blocked reads and writes immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Dialer opens connections. [*net.Dialer] satisfies this interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig contains settings to control [Client] instances.
type ClientConfig struct {
	// Host is the server's host name or IP address.
	Host string

	// Port is the server's UDP port. A value of zero or less selects [DefaultPort].
	Port int

	// Password is the server's RCON password. It is only ever written into request datagrams and is
	// never logged.
	Password string

	// Timeout limits each dial attempt as well as a full command round trip, covering every send
	// attempt and the whole reply. A value of zero or less selects [DefaultTimeout].
	Timeout time.Duration

	// FragmentTimeout is how long a client waits for each datagram of a reply. A reply is considered
	// complete once a wait for the next datagram runs out. A value of zero or less selects
	// [DefaultFragmentTimeout].
	FragmentTimeout time.Duration

	// Retries is the number of attempts made for each dial and each send. A value of zero or less
	// selects [DefaultRetries].
	Retries int

	// Dialer opens the UDP connection. When nil a zero [net.Dialer] is used.
	Dialer Dialer

	// Logger receives debug log entries from a client. When nil the client is silent.
	Logger *slog.Logger

	// LogOutboundCommands enables debug logging of the commands a client sends. Commands are left out
	// of the logs by default since they may carry secrets of their own. The password is never logged
	// regardless of this flag.
	LogOutboundCommands bool
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = DefaultFragmentTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	return cfg
}

// Client is a Quake III RCON client that owns at most one UDP association with a server. A client
// is either disconnected or connected: [Client.Connect] opens the association and [Client.Close]
// releases it.
//
// Clients are safe for concurrent use. Commands are serialized, since replies carry no request
// identifier and overlapping commands would mix their replies. Independent clients share nothing
// and may talk to the same server in parallel.
type Client struct {
	// mu is held for each connect, close, and full send and receive cycle.
	mu sync.Mutex

	// conn is the connected UDP socket. It is non-nil exactly while the client is connected.
	conn net.Conn

	// buf receives datagrams. It is allocated on first use and guarded by mu.
	buf []byte

	config ClientConfig
}

// NewClient creates and returns a disconnected [Client] configured by the provided config. The
// config is copied, so later changes to it have no effect on the client.
func NewClient(config ClientConfig) *Client {
	return &Client{config: config.withDefaults()}
}

// Dial creates a [Client] and connects it with heartbeat verification. The caller must Close the
// returned client.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	c := NewClient(config)
	if err := c.Connect(ctx, true); err != nil {
		return nil, err
	}
	return c, nil
}

// Address returns the host:port the client connects to.
func (c *Client) Address() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// RemoteAddr returns the address of the connected server, or nil when disconnected.
func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Connect opens the UDP association with the server. Failed dial attempts are retried up to
// [ClientConfig.Retries] times, and all attempts together are limited by [ClientConfig.Timeout].
//
// When verify is true, Connect also sends [HeartbeatCommand] and requires the raw reply to begin
// with [PrintPrefix]. If it does not, the connection is closed and an error matching
// [ErrVerification] is returned. Any other failure of the heartbeat also closes the connection and
// is returned as is, so a wrong password yields [ErrUnauthorized]. On failure the client remains
// disconnected.
func (c *Client) Connect(ctx context.Context, verify bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return ErrAlreadyConnected
	}

	addr := c.Address()
	logDebug(ctx, c.config.Logger, "connecting", slog.String("addr", addr))

	dialCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, err := retry(dialCtx, c.config.Logger, "dial", c.config.Retries,
		func(ctx context.Context) (net.Conn, error) {
			conn, err := c.config.Dialer.DialContext(ctx, "udp", addr)
			if err != nil {
				return nil, transportError("dial", err)
			}
			return conn, nil
		},
	)
	if err != nil {
		return err
	}
	c.conn = conn

	if !verify {
		return nil
	}

	reply, err := c.request(ctx, HeartbeatCommand, false)
	if err != nil {
		c.closeLocked(ctx)
		return err
	}
	if !strings.HasPrefix(reply, PrintPrefix) {
		c.closeLocked(ctx)
		return newError(KindVerification, "verify",
			errors.Errorf("unexpected heartbeat reply from %s: %.64q", addr, reply))
	}

	logDebug(ctx, c.config.Logger, "connected", slog.String("addr", addr))
	return nil
}

// Close releases the client's connection and leaves the client disconnected. It may be called any
// number of times. A failure to release the socket is discarded once the client state is cleared,
// so Close always returns nil.
//
// Close waits for a command in flight to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked(context.Background())
	return nil
}

func (c *Client) closeLocked(ctx context.Context) {
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil

	logDebug(ctx, c.config.Logger, "closing", slog.String("addr", c.Address()))
	if err := conn.Close(); err != nil {
		logDebug(ctx, c.config.Logger, "close failed", slog.String("error", err.Error()))
	}
}

// SendCommand runs command on the server and returns its reply as text. When interpret is true each
// datagram of the reply is normalized with [Packet.Display], otherwise the payloads are returned
// unchanged. A reply carrying non-ASCII bytes fails with [ErrProtocol].
//
// Datagrams already queued on the socket when the command starts, such as the tail of a reply cut
// short by the deadline or the reply to a cancelled command, are discarded before sending. A reply
// still in flight at that point cannot be told apart from the new one.
//
// The whole round trip shares a single deadline of [ClientConfig.Timeout], or the deadline of ctx
// if that is earlier. A reply ends when no further datagram arrives within
// [ClientConfig.FragmentTimeout] or when the deadline is reached, whichever is first. An empty
// reply is not an error.
//
// Sending is retried up to [ClientConfig.Retries] times. A retried send may cause the server to run
// the command more than once, since the protocol has no way to deduplicate requests. Callers
// sending commands that change server state should keep this in mind.
//
// The client must be connected, otherwise [ErrNotConnected] is returned.
func (c *Client) SendCommand(ctx context.Context, command string, interpret bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.request(ctx, command, interpret)
}

// request performs one send and receive cycle. c.mu must be held.
func (c *Client) request(ctx context.Context, command string, interpret bool) (string, error) {
	conn := c.conn
	if conn == nil {
		return "", ErrNotConnected
	}

	req, err := CommandPacket(c.config.Password, command)
	if err != nil {
		return "", err
	}

	logger := c.config.Logger
	if logger != nil {
		logger = logger.With(slog.String("cycle", uuid.NewString()))
	}
	c.logCommand(ctx, logger, command)

	if err := c.discardStale(ctx, logger, conn); err != nil {
		return "", err
	}

	// Abort blocked reads and writes when the caller gives up. The wait on fired keeps a late
	// callback from clobbering the deadlines of the next cycle.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	deadline, _ := cycleCtx.Deadline()

	_, err = retry(cycleCtx, logger, "send", c.config.Retries,
		func(context.Context) (struct{}, error) {
			if err := conn.SetWriteDeadline(deadline); err != nil {
				return struct{}{}, transportError("send", err)
			}
			if _, err := req.WriteTo(conn); err != nil {
				return struct{}{}, ioError(ctx, "send", err)
			}
			return struct{}{}, nil
		},
	)
	if err != nil {
		return "", err
	}

	resp, err := c.readResponse(ctx, logger, conn, deadline, interpret)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// readResponse collects the datagrams of a reply. It reads until a wait for the next datagram
// exceeds the fragment timeout or the deadline is reached. Reaching the deadline before any datagram
// arrived is a timeout.
func (c *Client) readResponse(
	ctx context.Context,
	logger *slog.Logger,
	conn net.Conn,
	deadline time.Time,
	interpret bool,
) ([]byte, error) {
	if c.buf == nil {
		c.buf = make([]byte, MaximumPacketSize)
	}

	var (
		resp      []byte
		fragments int
	)
	for {
		// A new read deadline would undo the abort set on cancellation.
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return nil, contextError("read", err)
		}

		readDeadline := time.Now().Add(c.config.FragmentTimeout)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		if err := conn.SetReadDeadline(readDeadline); err != nil {
			return nil, transportError("read", err)
		}

		n, err := conn.Read(c.buf)
		if err != nil {
			switch {
			case errors.Is(ctx.Err(), context.Canceled):
				return nil, contextError("read", ctx.Err())
			case !IsTimeout(err):
				return nil, transportError("read", err)
			case time.Now().Before(deadline):
				// Nothing more within the fragment timeout.
				return resp, nil
			case fragments == 0:
				return nil, newError(KindTimeout, "read", errors.New("no reply before deadline"))
			default:
				logDebug(ctx, logger, "deadline reached, reply may be truncated",
					slog.Int("fragments", fragments))
				return resp, nil
			}
		}

		fragment := c.buf[:n]
		logDebug(ctx, logger, "received fragment",
			slog.Int("index", fragments),
			slog.Int("size", n),
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("packet", hex.EncodeToString(fragment)),
		)

		processed, err := ProcessResponse(fragment, interpret)
		if err != nil {
			return nil, err
		}
		resp = append(resp, processed...)
		fragments++
	}
}

// discardStale reads and drops every datagram already queued on conn so that it cannot be taken
// for part of the next reply.
func (c *Client) discardStale(ctx context.Context, logger *slog.Logger, conn net.Conn) error {
	if c.buf == nil {
		c.buf = make([]byte, MaximumPacketSize)
	}

	discarded := 0
	for {
		if err := ctx.Err(); err != nil {
			return contextError("drain", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(drainWait)); err != nil {
			return transportError("drain", err)
		}
		n, err := conn.Read(c.buf)
		if err != nil {
			if !IsTimeout(err) {
				logDebug(ctx, logger, "drain stopped", slog.String("error", err.Error()))
			}
			break
		}
		discarded++
		logDebug(ctx, logger, "discarded stale datagram",
			slog.Int("size", n),
			slog.String("packet", hex.EncodeToString(c.buf[:n])),
		)
	}

	if discarded > 0 {
		logDebug(ctx, logger, "discarded stale datagrams", slog.Int("count", discarded))
	}
	return nil
}

// ioError converts a failed socket operation into a package error, preferring the caller's
// context error when the operation was aborted on its behalf.
func ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(op, ctxErr)
	}
	return transportError(op, err)
}

// logCommand logs an outbound command. The command text is only included when the client is
// explicitly configured to log outbound commands, and the password never is.
func (c *Client) logCommand(ctx context.Context, logger *slog.Logger, command string) {
	if !c.config.LogOutboundCommands {
		logDebug(ctx, logger, "sending command", slog.Int("length", len(command)))
		return
	}
	logDebug(ctx, logger, "sending command", slog.String("command", command))
}

// logDebug sends a debug record to logger. When the logger is nil or is not level set for debug
// records, this function is essentially a NOP.
func logDebug(ctx context.Context, logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if logger == nil || !logger.Handler().Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}
