package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
	"github.com/lukeb-aidev/cohesix/internal/frame"
	"github.com/lukeb-aidev/cohesix/internal/logger"
)

// AuthState is the client-side connection state machine (spec.md §5).
type AuthState int

const (
	Start AuthState = iota
	Connected
	AuthSent
	WaitingAuthOK
	AuthOK
	AttachSent
	WaitingAttachOK
	Attached
	Failed
)

func (s AuthState) String() string {
	switch s {
	case Connected:
		return "connected"
	case AuthSent:
		return "auth_sent"
	case WaitingAuthOK:
		return "waiting_auth_ok"
	case AuthOK:
		return "auth_ok"
	case AttachSent:
		return "attach_sent"
	case WaitingAttachOK:
		return "waiting_attach_ok"
	case Attached:
		return "attached"
	case Failed:
		return "failed"
	default:
		return "start"
	}
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Endpoint    string
	MaxMsize    int
	ReadTimeout time.Duration
	AuthToken   string
	Role        string
	Ticket      string // empty selects token-based ATTACH

	MaxRetries   int
	RetryBackoff time.Duration
	RetryCeiling time.Duration

	OnStateChange func(state AuthState)
}

const ackQueueDepth = 32

// Client drives one console session as the host side: connect, AUTH,
// ATTACH, then verb request/response, reconnecting with backoff on drop
// and replaying the cached (role, ticket) pair (spec.md §5). It is not
// safe for concurrent use — callers needing that wrap it in SharedClient.
type Client struct {
	opts  ClientOptions
	state AuthState

	tr   *frame.Transport
	conn net.Conn

	ackBuf []AckLine // bounded out-of-band ack deque (spec.md §4.2 "ack muxing")
}

// NewClient builds a Client in the Start state. Connect must be called
// before any verb.
func NewClient(opts ClientOptions) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = 5 * time.Second
	}
	return &Client{opts: opts, state: Start}
}

func (c *Client) setState(s AuthState) {
	c.state = s
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// State returns the current AuthState.
func (c *Client) State() AuthState { return c.state }

// LastActivity returns the transport's most recently observed byte, zero
// before Connect succeeds. HeartbeatLoop polls this to notice idleness
// (spec.md §9).
func (c *Client) LastActivity() time.Time {
	if c.tr == nil {
		return time.Time{}
	}
	return c.tr.LastActivity()
}

// DrainAcks returns and clears the bounded out-of-band ack deque —
// protocol lines that parsed as acks for a verb other than the one
// actively awaiting a reply (spec.md §4.2).
func (c *Client) DrainAcks() []AckLine {
	out := c.ackBuf
	c.ackBuf = nil
	return out
}

func (c *Client) pushAck(a AckLine) {
	c.ackBuf = append(c.ackBuf, a)
	if len(c.ackBuf) > ackQueueDepth {
		c.ackBuf = c.ackBuf[len(c.ackBuf)-ackQueueDepth:]
	}
}

// Run connects and authenticates, reconnecting with exponential backoff on
// failure, until ctx is cancelled or attach succeeds and Run returns nil.
func (c *Client) Run(ctx context.Context) error {
	bo := frame.NewBackoff(c.opts.RetryBackoff, c.opts.RetryCeiling)
	for {
		err := c.Connect(ctx)
		if err == nil {
			bo.Reset()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.Next()
		logger.Err("session connect failed, retrying", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Connect dials the endpoint, sends AUTH, and sends ATTACH, leaving the
// client in Attached on success.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", c.opts.Endpoint)
	if err != nil {
		c.setState(Failed)
		return cherr.Wrap(cherr.Closed, "dial", err)
	}

	c.conn = nc
	c.tr = frame.New(nc, c.opts.MaxMsize)
	c.setState(Connected)

	if err := c.authenticate(); err != nil {
		nc.Close()
		c.setState(Failed)
		return err
	}
	if err := c.attach(); err != nil {
		nc.Close()
		c.setState(Failed)
		return err
	}
	return nil
}

// reconnect tears down the current connection (if any) and replays
// Connect, used to recover a verb whose connection was found closed
// (spec.md §4.2 "session recovery").
func (c *Client) reconnect() error {
	c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReadTimeout*time.Duration(c.opts.MaxRetries+1))
	defer cancel()
	return c.Connect(ctx)
}

// recoverable reports whether err warrants a reconnect-and-retry per
// spec.md §7 (transport-layer Timeout/Closed are retried; everything else
// surfaces immediately).
func recoverable(err error) bool {
	return cherr.Is(err, cherr.Closed) || cherr.Is(err, cherr.Timeout)
}

func (c *Client) authenticate() error {
	c.setState(AuthSent)
	if err := c.tr.Send("AUTH " + c.opts.AuthToken); err != nil {
		return err
	}
	c.setState(WaitingAuthOK)
	res := c.tr.Receive(time.Now().Add(c.opts.ReadTimeout))
	if res.Closed || res.Timeout || res.FrameError {
		return cherr.New(cherr.Timeout, "auth-timeout")
	}
	ack, ok := ParseAck(res.Line)
	if !ok || !ack.OK || ack.Verb != "AUTH" {
		return cherr.New(cherr.Permission, "auth-rejected")
	}
	c.setState(AuthOK)
	return nil
}

func (c *Client) attach() error {
	c.setState(AttachSent)
	line := "ATTACH role=" + c.opts.Role
	if c.opts.Ticket != "" {
		line += " ticket=" + c.opts.Ticket
	}
	if err := c.tr.Send(line); err != nil {
		return err
	}
	c.setState(WaitingAttachOK)
	// The server flushes its pre-auth buffer (ending in a summary line)
	// right after OK AUTH, so skip non-ack lines until the ATTACH ack.
	ack, err := c.readAckFor("ATTACH")
	if err != nil {
		return err
	}
	if !ack.OK {
		return cherr.New(cherr.Permission, "attach-rejected")
	}
	c.setState(Attached)
	return nil
}

// readAckFor blocks until a line parses as an ack for verb, pushing any
// other ack it sees in the meantime onto the out-of-band deque (spec.md
// §4.2: those acks "never terminate streaming commands unless their verb
// matches the active command").
func (c *Client) readAckFor(verb string) (AckLine, error) {
	for {
		res := c.tr.Receive(time.Now().Add(c.opts.ReadTimeout))
		if res.Timeout {
			return AckLine{}, cherr.New(cherr.Timeout, verb+"-timeout")
		}
		if res.Closed || res.FrameError {
			return AckLine{}, cherr.New(cherr.Closed, "connection-closed")
		}
		if res.Line == "PING" {
			c.tr.Send("PONG")
			continue
		}
		ack, ok := ParseAck(res.Line)
		if !ok {
			continue
		}
		if ack.Verb == verb {
			return ack, nil
		}
		c.pushAck(ack)
	}
}

// call sends a single-line verb request and waits for its matching ack.
func (c *Client) call(line, verb string) (AckLine, error) {
	if c.state != Attached {
		return AckLine{}, cherr.New(cherr.Protocol, "not-attached")
	}
	if err := c.tr.Send(line); err != nil {
		return AckLine{}, err
	}
	return c.readAckFor(verb)
}

// Ping sends PING and accepts either a bare PONG (transport heartbeat) or
// an OK PING application ack (spec.md §9 "heartbeat vs idle").
func (c *Client) Ping() error {
	if c.state != Attached {
		return cherr.New(cherr.Protocol, "not-attached")
	}
	if err := c.tr.Send("PING"); err != nil {
		return err
	}
	for {
		res := c.tr.Receive(time.Now().Add(c.opts.ReadTimeout))
		if res.Timeout {
			return cherr.New(cherr.Timeout, "ping-timeout")
		}
		if res.Closed || res.FrameError {
			return cherr.New(cherr.Closed, "connection-closed")
		}
		if res.Line == "PONG" {
			return nil
		}
		if res.Line == "PING" {
			c.tr.Send("PONG")
			continue
		}
		ack, ok := ParseAck(res.Line)
		if !ok {
			continue
		}
		if ack.Verb != "PING" {
			c.pushAck(ack)
			continue
		}
		if !ack.OK {
			return cherr.New(cherr.Protocol, ack.Reason)
		}
		return nil
	}
}

// streamCall sends a streaming verb request (TAIL/CAT/LS) and collects
// payload lines until the END sentinel (spec.md §6).
func (c *Client) streamCall(verb, path string) ([]string, error) {
	if c.state != Attached {
		return nil, cherr.New(cherr.Protocol, "not-attached")
	}
	line := verb
	if path != "" {
		line += " " + path
	}
	if err := c.tr.Send(line); err != nil {
		return nil, err
	}
	header, err := c.readAckFor(verb)
	if err != nil {
		return nil, err
	}
	if !header.OK {
		return nil, cherr.New(cherr.Protocol, header.Reason)
	}

	var lines []string
	for {
		res := c.tr.Receive(time.Now().Add(c.opts.ReadTimeout))
		if res.Timeout {
			return nil, cherr.New(cherr.Timeout, verb+"-timeout")
		}
		if res.Closed || res.FrameError {
			return nil, cherr.New(cherr.Closed, "connection-closed")
		}
		if res.Line == "END" {
			break
		}
		if res.Line == "PING" {
			c.tr.Send("PONG")
			continue
		}
		if ack, ok := ParseAck(res.Line); ok && ack.Verb != verb {
			c.pushAck(ack)
			continue
		}
		lines = append(lines, res.Line)
	}
	if len(lines) == 0 {
		if data, ok := strings.CutPrefix(header.Detail, "data="); ok {
			lines = []string{data}
		}
	}
	return lines, nil
}

// withVerbRecovery retries op up to MaxRetries times, reconnecting (and
// replaying ATTACH from the cached role/ticket) whenever op reports the
// connection timed out or closed (spec.md §4.2 "session recovery").
func (c *Client) withVerbRecovery(op func() error) error {
	var lastErr error
	bo := frame.NewBackoff(c.opts.RetryBackoff, c.opts.RetryCeiling)
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !recoverable(err) {
			return err
		}
		if attempt == c.opts.MaxRetries {
			break
		}
		time.Sleep(bo.Next())
		if reErr := c.reconnect(); reErr != nil {
			lastErr = reErr
			continue
		}
	}
	return lastErr
}

// Tail streams TAIL path, collecting lines until END (spec.md §4.2).
func (c *Client) Tail(path string) ([]string, error) {
	var out []string
	err := c.withVerbRecovery(func() error {
		lines, err := c.streamCall("TAIL", path)
		out = lines
		return err
	})
	return out, err
}

// Read streams CAT path, falling back to the header ack's inline
// data=<text> detail when the server sent no payload lines (spec.md §4.2).
func (c *Client) Read(path string) ([]string, error) {
	var out []string
	err := c.withVerbRecovery(func() error {
		lines, err := c.streamCall("CAT", path)
		out = lines
		return err
	})
	return out, err
}

// List streams LS path, collecting entry names until END.
func (c *Client) List(path string) ([]string, error) {
	var out []string
	err := c.withVerbRecovery(func() error {
		lines, err := c.streamCall("LS", path)
		out = lines
		return err
	})
	return out, err
}

// Write builds ECHO path payload, requiring a single-line UTF-8 payload
// with no embedded CR/LF (spec.md §4.2), and awaits OK ECHO.
func (c *Client) Write(path, payload string) (AckLine, error) {
	if !utf8.ValidString(payload) {
		return AckLine{}, cherr.New(cherr.InvalidInput, "non-utf8-payload")
	}
	if strings.ContainsAny(payload, "\r\n") {
		return AckLine{}, cherr.New(cherr.InvalidInput, "multi-line-payload")
	}
	var out AckLine
	err := c.withVerbRecovery(func() error {
		ack, err := c.call(fmt.Sprintf("ECHO %s %s", path, payload), "ECHO")
		out = ack
		return err
	})
	return out, err
}

// WriteBatch pipelines one ECHO per payload and awaits their acks in
// order. On a mid-batch disconnect it reconnects, re-attaches, and
// resumes from the last acked index, so the acks observed are always a
// prefix of the payloads committed remotely (spec.md §4.2, §5).
func (c *Client) WriteBatch(path string, payloads []string) ([]AckLine, error) {
	acked := make([]AckLine, 0, len(payloads))
	err := c.withVerbRecovery(func() error {
		if c.state != Attached {
			return cherr.New(cherr.Protocol, "not-attached")
		}
		start := len(acked)
		for i := start; i < len(payloads); i++ {
			if err := c.tr.Send(fmt.Sprintf("ECHO %s %s", path, payloads[i])); err != nil {
				return err
			}
		}
		for i := start; i < len(payloads); i++ {
			ack, err := c.readAckFor("ECHO")
			if err != nil {
				return err
			}
			acked = append(acked, ack)
		}
		return nil
	})
	return acked, err
}

// Quit sends QUIT and closes the connection. It is best-effort: any of
// ack, timeout, or close releases local state (spec.md §4.2).
func (c *Client) Quit() error {
	_, err := c.call("QUIT", "QUIT")
	c.Close()
	c.opts.Ticket = ""
	return err
}

// Close tears down the underlying connection without sending QUIT.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
