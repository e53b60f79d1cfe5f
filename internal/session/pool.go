package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukeb-aidev/cohesix/internal/logger"
)

// SharedClient wraps a Client with a mutex so multiple goroutines may
// drive it, serializing every method behind the lock (spec.md §5, §9
// "Mutex-wrapped transport variants": "a single transport trait with
// lock-wrapping provided by a thin adapter").
type SharedClient struct {
	mu sync.Mutex
	c  *Client
}

// NewSharedClient wraps c for concurrent use.
func NewSharedClient(c *Client) *SharedClient {
	return &SharedClient{c: c}
}

func (s *SharedClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Connect(ctx)
}

func (s *SharedClient) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.State()
}

func (s *SharedClient) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Ping()
}

func (s *SharedClient) Tail(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Tail(path)
}

func (s *SharedClient) Read(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Read(path)
}

func (s *SharedClient) List(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.List(path)
}

func (s *SharedClient) Write(path, payload string) (AckLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Write(path, payload)
}

func (s *SharedClient) WriteBatch(path string, payloads []string) ([]AckLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.WriteBatch(path, payloads)
}

func (s *SharedClient) Quit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Quit()
}

func (s *SharedClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Close()
}

// HeartbeatLoop implements the host side of the Frame Transport's
// heartbeat(deadline) operation (spec.md §4.1, §9: "heartbeats are sent by
// whichever side notices idleness first"). It wakes every interval/2,
// and whenever the connection has gone quiet for interval or longer while
// Attached, sends a PING so an idle middlebox or peer doesn't mistake
// silence for a dead session. It runs until ctx is cancelled; a failed
// heartbeat is logged here and surfaces for real the next time a verb call
// hits withVerbRecovery, so a single missed beat is not itself fatal.
func (s *SharedClient) HeartbeatLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			due := s.c.state == Attached && time.Since(s.c.LastActivity()) >= interval
			var err error
			if due {
				err = s.c.Ping()
			}
			s.mu.Unlock()
			if err != nil {
				logger.Err("heartbeat ping failed", err)
			}
		}
	}
}

// PooledClient is a SharedClient plus an atomic session-id source: each
// Attach call dials, authenticates, and attaches fresh (no re-use of a
// cached connection) while stamping the result with a strictly
// increasing session id (spec.md §8 "Client pool: session_id strictly
// increases on each attach").
type PooledClient struct {
	*SharedClient
	nextID atomic.Uint64
}

// NewPooledClient wraps c, issuing session ids starting at 1.
func NewPooledClient(c *Client) *PooledClient {
	return &PooledClient{SharedClient: NewSharedClient(c)}
}

// PooledSession pairs a freshly attached client session with its
// strictly-increasing pool-local id.
type PooledSession struct {
	ID   uint64
	Role string
}

// Attach connects (or reconnects) and returns a new PooledSession; the
// underlying client's cached (role, ticket) is reused for the ATTACH, but
// the returned session id always increases.
func (p *PooledClient) Attach(ctx context.Context) (PooledSession, error) {
	if err := p.Connect(ctx); err != nil {
		return PooledSession{}, err
	}
	id := p.nextID.Add(1)
	return PooledSession{ID: id, Role: p.c.opts.Role}, nil
}
