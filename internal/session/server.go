package session

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
	"github.com/lukeb-aidev/cohesix/internal/frame"
	"github.com/lukeb-aidev/cohesix/internal/logger"
	"github.com/lukeb-aidev/cohesix/internal/ticket"
)

// ConnState is the per-connection auth state on the server side
// (spec.md §5).
type ConnState int

const (
	Inactive ConnState = iota
	WaitingAuth
	Authenticated
)

func (s ConnState) String() string {
	switch s {
	case WaitingAuth:
		return "waiting_auth"
	case Authenticated:
		return "authenticated"
	default:
		return "inactive"
	}
}

// ServerOptions configures a Server; fields mirror config.ServerConfig so
// callers can pass it through directly.
type ServerOptions struct {
	MaxMsize          int
	AuthTimeout       time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration // 0 disables server-initiated heartbeats
	QueueDepth        int
	LatencySamples    int
	PreAuthFirst      int
	PreAuthLast       int
	AuthToken         string
	TicketPub         *ecdsa.PublicKey // nil disables ticket-based attach
}

// maxHeartbeatMisses bounds how many consecutive unanswered PINGs a
// connection tolerates before the heartbeat(deadline) operation reports it
// Closed (spec.md §4.1 "repeated timeouts yield Closed").
const maxHeartbeatMisses = 3

// Handler dispatches a successfully authenticated verb line and returns
// the ack to send back. Registered per verb by the daemon entrypoint.
type Handler func(*Conn, []string) AckLine

// StreamHandler backs a streaming verb (TAIL/CAT/LS): given the request
// path, it returns the payload lines to emit between the header ack and
// the END sentinel (spec.md §6).
type StreamHandler func(c *Conn, path string) ([]string, error)

// Server accepts console connections and runs the per-connection state
// machine (spec.md §5 begin_session).
type Server struct {
	opts           ServerOptions
	handlers       map[string]Handler
	streamHandlers map[string]StreamHandler

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		opts:           opts,
		handlers:       make(map[string]Handler),
		streamHandlers: make(map[string]StreamHandler),
		conns:          make(map[string]*Conn),
	}
}

// Handle registers a verb handler, e.g. Handle("PING", handlePing).
func (s *Server) Handle(verb string, h Handler) {
	s.handlers[strings.ToUpper(verb)] = h
}

// HandleStream registers a streaming verb handler, e.g.
// HandleStream("TAIL", tailHandler). TAIL/CAT/LS (spec.md §6) all reply
// with a header ack, zero or more payload lines, then the literal END
// sentinel, so they bypass the single-ack Handler shape.
func (s *Server) HandleStream(verb string, h StreamHandler) {
	s.streamHandlers[strings.ToUpper(verb)] = h
}

// Conn is one accepted connection walking the Inactive → WaitingAuth →
// Authenticated states.
type Conn struct {
	id      string
	tr      *frame.Transport
	state   ConnState
	role    ticket.Role
	subject string

	beganAt      time.Time
	authDeadline time.Time
	idleTimeout  time.Duration

	heartbeatInterval time.Duration
	lastHeartbeatSent time.Time
	heartbeatMisses   int

	preAuth  *PreAuthBuffer
	outbound *OutboundQueues
	inbound  *InboundQueue
	latency  *LatencyReservoir
	limiter  *rate.Limiter // nil until an attach ticket carries a budget claim

	server *Server
}

// ID returns the connection's opaque session id.
func (c *Conn) ID() string { return c.id }

// Role returns the authenticated role, valid only once Attached.
func (c *Conn) Role() ticket.Role { return c.role }

// Subject returns the authenticated subject, if any.
func (c *Conn) Subject() string { return c.subject }

// Push enqueues a console line for delivery on this connection, buffering
// it pre-auth and queueing it post-auth (spec.md §5).
func (c *Conn) Push(line string, priority bool) {
	if c.state != Authenticated {
		c.preAuth.Add(line)
		return
	}
	c.outbound.Push(line, priority)
}

// BeginSession accepts one connection and walks it through auth and the
// verb dispatch loop until it closes. It blocks until the connection ends.
func (s *Server) BeginSession(nc net.Conn) {
	id := fmt.Sprintf("%s-%d", nc.RemoteAddr(), time.Now().UnixNano())
	c := &Conn{
		id:                id,
		tr:                frame.New(nc, s.opts.MaxMsize),
		state:             WaitingAuth,
		beganAt:           time.Now(),
		authDeadline:      time.Now().Add(s.opts.AuthTimeout),
		idleTimeout:       s.opts.IdleTimeout,
		heartbeatInterval: s.opts.HeartbeatInterval,
		preAuth:           NewPreAuthBuffer(s.opts.PreAuthFirst, s.opts.PreAuthLast),
		outbound:          NewOutboundQueues(s.opts.QueueDepth),
		inbound:           NewInboundQueue(s.opts.QueueDepth),
		latency:           NewLatencyReservoir(s.opts.LatencySamples),
		server:            s,
	}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		if c.state != Authenticated {
			for _, line := range c.preAuth.Flush("teardown") {
				logger.Info("pre-auth buffer flushed at teardown", "id", id, "line", line)
			}
		}
		nc.Close()
	}()

	logger.Info("session begin", "id", id, "remote", nc.RemoteAddr().String())
	c.run()
}

func (c *Conn) run() {
	for {
		deadline := c.nextDeadline()
		res := c.tr.Receive(deadline)
		if res.FrameError {
			if c.state != Authenticated {
				logger.Info("frame error before auth, closing", "id", c.id)
				return
			}
			c.tr.Send(RenderAck(AckLine{Verb: "FRAME", Reason: "invalid-length"}))
			c.tr.DiscardN(res.PayloadLen, time.Now().Add(c.idleTimeout))
			c.drainConsole()
			continue
		}
		if res.Closed {
			logger.Info("session closed", "id", c.id, "state", c.state.String())
			return
		}
		if res.Timeout {
			if c.shouldTimeout() {
				reason := "idle_timeout"
				if c.state != Authenticated {
					reason = "auth_timed_out"
				}
				c.tr.Send(RenderAck(AckLine{Verb: "SESSION", Reason: reason}))
				logger.Info("session timed out", "id", c.id, "reason", reason)
				return
			}
			if c.shouldHeartbeat() {
				if err := c.sendHeartbeat(); err != nil {
					logger.Info("heartbeat unanswered, closing", "id", c.id)
					return
				}
			}
			c.drainConsole()
			continue
		}

		c.heartbeatMisses = 0
		if res.Line == "PONG" {
			c.drainConsole()
			continue
		}

		if err := c.dispatch(res.Line); err != nil {
			if cherr.Is(err, cherr.Closed) {
				return
			}
		}
		c.drainConsole()
	}
}

func (c *Conn) nextDeadline() time.Time {
	idle := time.Now().Add(500 * time.Millisecond)
	if c.state != Authenticated && c.authDeadline.Before(idle) {
		return c.authDeadline
	}
	return idle
}

func (c *Conn) shouldTimeout() bool {
	now := time.Now()
	if c.state != Authenticated {
		return !now.Before(c.authDeadline)
	}
	return now.Sub(c.tr.LastActivity()) >= c.idleTimeout
}

// shouldHeartbeat reports whether the Frame Transport's heartbeat(deadline)
// operation is due: the connection has gone quiet for heartbeatInterval and
// this side hasn't already pinged within that same window (spec.md §4.1,
// §9 "heartbeat vs idle").
func (c *Conn) shouldHeartbeat() bool {
	if c.state != Authenticated || c.heartbeatInterval <= 0 {
		return false
	}
	if time.Since(c.tr.LastActivity()) < c.heartbeatInterval {
		return false
	}
	return time.Since(c.lastHeartbeatSent) >= c.heartbeatInterval
}

// sendHeartbeat transmits PING and counts the attempt as a miss until a
// PONG (or any other traffic) is observed. maxHeartbeatMisses consecutive
// misses reports Closed so run's caller tears down a peer that has gone
// silent despite repeated probes (spec.md §4.1 "repeated timeouts yield
// Closed").
func (c *Conn) sendHeartbeat() error {
	c.heartbeatMisses++
	if c.heartbeatMisses > maxHeartbeatMisses {
		return cherr.New(cherr.Closed, "heartbeat_timeout")
	}
	c.lastHeartbeatSent = time.Now()
	return c.tr.Send("PING")
}

// dispatch handles one received line according to the current state.
func (c *Conn) dispatch(line string) error {
	switch c.state {
	case WaitingAuth:
		return c.handleAuth(line)
	case Authenticated:
		return c.handleVerb(line)
	default:
		return cherr.New(cherr.Protocol, "invalid-state")
	}
}

// handleAuth validates "AUTH <token>" with an exact-length check before
// comparing the token itself, matching spec.md §5's reason codes.
func (c *Conn) handleAuth(line string) error {
	const prefix = "AUTH "
	wantLen := len(prefix) + len(c.server.opts.AuthToken)
	if len(line) != wantLen {
		return c.authFail("invalid-length")
	}
	if !strings.HasPrefix(line, prefix) {
		return c.authFail("expected-token")
	}
	got := line[len(prefix):]
	if got != c.server.opts.AuthToken {
		return c.authFail("invalid-token")
	}
	c.state = Authenticated
	c.tr.Send(RenderAck(AckLine{OK: true, Verb: "AUTH"}))
	for _, buffered := range c.preAuth.Flush("auth-complete") {
		c.outbound.Push(buffered, false)
	}
	logger.Info("session authenticated", "id", c.id)
	return nil
}

func (c *Conn) authFail(reason string) error {
	c.tr.Send(RenderAck(AckLine{Verb: "AUTH", Reason: reason}))
	if reason == "invalid-token" {
		return nil
	}
	return cherr.New(cherr.Protocol, reason)
}

// handleVerb dispatches an authenticated verb line to its registered
// handler, replying with the ack it returns.
func (c *Conn) handleVerb(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	verb := strings.ToUpper(fields[0])
	switch verb {
	case "QUIT":
		c.tr.Send(RenderAck(AckLine{OK: true, Verb: "QUIT"}))
		return cherr.New(cherr.Closed, "quit")
	case "ATTACH":
		return c.tr.Send(RenderAck(c.handleAttach(fields[1:])))
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return c.tr.Send(RenderAck(AckLine{Verb: verb, Reason: "budget-exceeded"}))
	}
	if sh, ok := c.server.streamHandlers[verb]; ok {
		return c.dispatchStream(verb, sh, fields)
	}
	h, ok := c.server.handlers[verb]
	if !ok {
		c.tr.Send(RenderAck(AckLine{Verb: verb, Reason: "unknown-verb"}))
		return nil
	}
	ack := h(c, fields)
	if ack.Verb == "" {
		ack.Verb = verb
	}
	return c.tr.Send(RenderAck(ack))
}

// dispatchStream drives one streaming verb's reply: a header ack, the
// handler's payload lines, then the literal END sentinel (spec.md §6).
func (c *Conn) dispatchStream(verb string, h StreamHandler, fields []string) error {
	var path string
	if len(fields) > 1 {
		path = fields[1]
	}
	lines, err := h(c, path)
	if err != nil {
		return c.tr.Send(RenderAck(AckLine{Verb: verb, Reason: cherr.ReasonOf(err)}))
	}
	if err := c.tr.Send(RenderAck(AckLine{OK: true, Verb: verb, Detail: "path=" + path})); err != nil {
		return err
	}
	for _, line := range lines {
		if err := c.tr.Send(line); err != nil {
			return err
		}
	}
	return c.tr.Send("END")
}

// handleAttach parses "ATTACH role=<role>[ ticket=<jwt>]", verifying the
// ticket against the server's configured public key when one is
// configured (spec.md §4.2). A connection may re-ATTACH after a reconnect
// with the same (role, ticket) pair.
func (c *Conn) handleAttach(args []string) AckLine {
	var roleTok, rawTicket string
	for _, kv := range args {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch k {
		case "role":
			roleTok = v
		case "ticket":
			rawTicket = v
		}
	}

	role := ticket.Role(roleTok)
	if !role.Valid() {
		return AckLine{Verb: "ATTACH", Reason: "invalid-role"}
	}

	if c.server.opts.TicketPub == nil {
		c.role = role
		return AckLine{OK: true, Verb: "ATTACH", Detail: "role=" + string(role)}
	}
	if rawTicket == "" {
		return AckLine{Verb: "ATTACH", Reason: "ticket-required"}
	}
	claims, err := ticket.Verify(c.server.opts.TicketPub, rawTicket)
	if err != nil {
		return AckLine{Verb: "ATTACH", Reason: "invalid-ticket"}
	}
	if claims.Role != role {
		return AckLine{Verb: "ATTACH", Reason: "role-mismatch"}
	}
	c.role = role
	c.subject = claims.Subject
	if claims.Budget > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(claims.Budget), int(claims.Budget))
	}
	return AckLine{OK: true, Verb: "ATTACH", Detail: "role=" + string(role)}
}

func (c *Conn) drainConsole() {
	start := time.Now()
	lines := c.outbound.Drain()
	for _, line := range lines {
		if err := c.tr.Send(line); err != nil {
			return
		}
	}
	if len(lines) > 0 {
		c.latency.Record(time.Since(start))
	}
}
