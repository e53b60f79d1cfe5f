// Package frame implements the Frame Transport (spec.md §4.1): a
// length-prefixed line protocol over a reliable byte stream, with
// heartbeat injection and partial-frame tolerance across read timeouts.
// The wire shape is u32_le(total_len) || payload, where total_len includes
// the four header bytes (spec.md §6).
package frame

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

// DefaultMaxMsize is the compiled-in MAX_MSIZE default (spec.md §3, §6).
const DefaultMaxMsize = 8192

// maxTimeoutRetries bounds how many consecutive read timeouts are
// tolerated while a partial frame header is being staged before giving up
// on it. A partially read body is kept across any number of timeouts.
const maxTimeoutRetries = 8

// Result is the outcome of a Receive/ReadHeader/ReadBody call.
type Result struct {
	Line    string
	Closed  bool
	Timeout bool

	// FrameError is set when a header declared a total length outside
	// [HeaderLen, MaxMsize]. PayloadLen is how many body bytes the sender
	// believes follow; the caller decides whether to DiscardN them and
	// stay connected (authenticated server) or close outright
	// (unauthenticated peer), per spec.md §4.1/§7.
	FrameError bool
	PayloadLen int
}

// Transport frames an underlying net.Conn. It is not safe for concurrent
// use from multiple goroutines — callers needing that must wrap it in a
// mutex (spec.md §5 "Frame Transport must not be used from multiple
// threads without an external mutex").
type Transport struct {
	conn     net.Conn
	r        *bufio.Reader
	MaxMsize int

	// staging buffer for a header read spanning multiple timeouts.
	pendingHeader []byte
	headerStreak  int

	// staging buffer for a body read spanning multiple timeouts.
	pendingBody        []byte
	pendingBodyLen     int
	havePendingBodyLen bool

	lastActivity time.Time
}

// New wraps conn with the given MAX_MSIZE (0 selects the default).
func New(conn net.Conn, maxMsize int) *Transport {
	if maxMsize <= 0 {
		maxMsize = DefaultMaxMsize
	}
	return &Transport{
		conn:         conn,
		r:            bufio.NewReader(conn),
		MaxMsize:     maxMsize,
		lastActivity: time.Now(),
	}
}

// Conn returns the underlying connection.
func (t *Transport) Conn() net.Conn { return t.conn }

// LastActivity returns the timestamp of the most recently observed byte
// (spec.md §9 "heartbeat vs idle": activity is since last received byte).
func (t *Transport) LastActivity() time.Time { return t.lastActivity }

// Send writes one framed line: u32_le(len+4) || bytes(line), then flushes.
func (t *Transport) Send(line string) error {
	total := HeaderLen + len(line)
	if total > t.MaxMsize {
		return cherr.New(cherr.InvalidInput, "frame-too-large")
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf, uint32(total))
	copy(buf[HeaderLen:], line)
	n, err := t.conn.Write(buf)
	if err != nil {
		return cherr.Wrap(cherr.Closed, "write-error", err)
	}
	if n != total {
		return cherr.Wrap(cherr.Closed, "short-write", io.ErrShortWrite)
	}
	return nil
}

// SendTruncated is a test hook: it writes only the first n bytes of the
// frame and leaves the remainder unsent, modeling "an optional test hook
// may inject a truncated write that writes N bytes then returns
// WriteZero" (spec.md §4.1).
func (t *Transport) SendTruncated(line string, n int) error {
	total := HeaderLen + len(line)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf, uint32(total))
	copy(buf[HeaderLen:], line)
	if n > total {
		n = total
	}
	if _, err := t.conn.Write(buf[:n]); err != nil {
		return cherr.Wrap(cherr.Closed, "write-error", err)
	}
	return cherr.New(cherr.Closed, "write-zero")
}

// ReadHeader reads exactly the 4-byte length prefix, honoring deadline and
// tolerating timeouts across calls (the partially-read header survives).
// It does NOT validate the declared length — callers decide how to react
// to an out-of-range value (spec.md §4.1's client/server asymmetry).
func (t *Transport) ReadHeader(deadline time.Time) (total uint32, res Result) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, Result{Closed: true}
	}
	need := HeaderLen - len(t.pendingHeader)
	if need > 0 {
		buf := make([]byte, need)
		n, err := io.ReadFull(t.r, buf)
		if n > 0 {
			t.lastActivity = time.Now()
		}
		t.pendingHeader = append(t.pendingHeader, buf[:n]...)
		if err != nil {
			if isTimeout(err) {
				// Only a timeout that leaves a held partial header where it
				// was counts toward giving up on it.
				if len(t.pendingHeader) == 0 || n > 0 {
					t.headerStreak = 0
					return 0, Result{Timeout: true}
				}
				t.headerStreak++
				if t.headerStreak > maxTimeoutRetries {
					t.pendingHeader = nil
					t.headerStreak = 0
					return 0, Result{Timeout: true}
				}
				return 0, Result{Timeout: true}
			}
			return 0, Result{Closed: true}
		}
	}
	total = binary.LittleEndian.Uint32(t.pendingHeader)
	t.pendingHeader = nil
	t.headerStreak = 0
	return total, Result{}
}

// ReadBody reads exactly n bytes, honoring deadline. Partial reads across
// timeouts are NOT preserved between separate ReadBody calls by design —
// callers that need that must retain the returned slice and re-invoke with
// the remainder; Receive below does this for the common case.
func (t *Transport) ReadBody(n int, deadline time.Time) ([]byte, Result) {
	if n == 0 {
		return nil, Result{}
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, Result{Closed: true}
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(t.r, buf)
	if read > 0 {
		t.lastActivity = time.Now()
	}
	if err != nil {
		if isTimeout(err) {
			return buf[:read], Result{Timeout: true}
		}
		return buf[:read], Result{Closed: true}
	}
	return buf, Result{}
}

// DiscardN reads and throws away exactly n bytes, used by an authenticated
// server recovering from an invalid-length frame (spec.md §4.1: "drop
// exactly payload_len bytes of incoming data before resuming framing").
func (t *Transport) DiscardN(n int, deadline time.Time) Result {
	if n <= 0 {
		return Result{}
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return Result{Closed: true}
	}
	if _, err := io.CopyN(io.Discard, t.r, int64(n)); err != nil {
		if isTimeout(err) {
			return Result{Timeout: true}
		}
		return Result{Closed: true}
	}
	t.lastActivity = time.Now()
	return Result{}
}

// Receive reads one complete frame: header then body, validating the
// declared length against [HeaderLen, MaxMsize]. Partial header bytes
// across a timeout are preserved via ReadHeader's own staging; a timeout
// that occurs mid-body is surfaced without losing the already-validated
// length, by way of pendingBodyLen bookkeeping on the Transport.
func (t *Transport) Receive(deadline time.Time) Result {
	if t.pendingBodyLen > 0 || t.havePendingBodyLen {
		return t.receiveBody(deadline)
	}
	total, res := t.ReadHeader(deadline)
	if res.Timeout || res.Closed {
		return res
	}
	if total < HeaderLen || int(total) > t.MaxMsize {
		payloadLen := int(total) - HeaderLen
		if payloadLen < 0 {
			payloadLen = 0
		}
		return Result{FrameError: true, PayloadLen: payloadLen}
	}
	t.pendingBodyLen = int(total) - HeaderLen
	t.havePendingBodyLen = true
	if t.pendingBodyLen == 0 {
		t.havePendingBodyLen = false
		return Result{Line: ""}
	}
	return t.receiveBody(deadline)
}

func (t *Transport) receiveBody(deadline time.Time) Result {
	need := t.pendingBodyLen - len(t.pendingBody)
	body, res := t.ReadBody(need, deadline)
	t.pendingBody = append(t.pendingBody, body...)
	if res.Timeout {
		return Result{Timeout: true}
	}
	if res.Closed {
		t.resetBody()
		return Result{Closed: true}
	}
	payload := t.pendingBody
	t.resetBody()
	if !utf8.Valid(payload) {
		return Result{Line: toValidUTF8(payload)}
	}
	return Result{Line: string(payload)}
}

func (t *Transport) resetBody() {
	t.pendingBody = nil
	t.pendingBodyLen = 0
	t.havePendingBodyLen = false
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// toValidUTF8 lossy-decodes invalid UTF-8 to a placeholder rather than
// closing the connection (spec.md §4.1).
func toValidUTF8(b []byte) string {
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			out = append(out, utf8.RuneError)
			b = b[1:]
			continue
		}
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}
