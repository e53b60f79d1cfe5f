// Command cohesixd is the device-side daemon: it hosts the console
// session server, the CAS engine, and the trace consensus peer endpoint.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukeb-aidev/cohesix/internal/auth"
	"github.com/lukeb-aidev/cohesix/internal/cas"
	"github.com/lukeb-aidev/cohesix/internal/cherr"
	"github.com/lukeb-aidev/cohesix/internal/config"
	"github.com/lukeb-aidev/cohesix/internal/logger"
	"github.com/lukeb-aidev/cohesix/internal/session"
	"github.com/lukeb-aidev/cohesix/internal/store"
	"github.com/lukeb-aidev/cohesix/internal/trace"
)

func main() {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "cohesixd",
		Short: "cohesix device daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := config.ResolveAuthToken(cfg.AuthToken, "COHESIX_AUTH_TOKEN", false)
			if err != nil {
				return fmt.Errorf("resolve auth token: %w", err)
			}

			db, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			var verifyKey ed25519.PublicKey
			if cfg.CASVerifyKeyB64 != "" {
				verifyKey, err = cas.ParseVerifyKey(cfg.CASVerifyKeyB64)
				if err != nil {
					return fmt.Errorf("parse cas verify key: %w", err)
				}
			}
			casStore := cas.New(cfg.CASChunkBytes, cfg.CASRequireSign, verifyKey)
			casStore.SetPersister(db)

			srv := session.NewServer(session.ServerOptions{
				MaxMsize:          cfg.MaxMsize,
				AuthTimeout:       durationMS(cfg.AuthTimeoutMS),
				IdleTimeout:       durationMS(cfg.IdleTimeoutMS),
				HeartbeatInterval: durationMS(cfg.HeartbeatIntervalMS),
				QueueDepth:        cfg.QueueDepth,
				LatencySamples:    cfg.LatencySamples,
				PreAuthFirst:      cfg.PreAuthFirst,
				PreAuthLast:       cfg.PreAuthLast,
				AuthToken:         token,
			})
			registerVerbs(srv, casStore)

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer ln.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			longTermKey, pubB64, err := auth.EnsureLongTermKey(cfg.TraceKeyDir)
			if err != nil {
				return fmt.Errorf("load trace long-term key: %w", err)
			}
			localID := cfg.TraceLocalID
			if localID == "" {
				localID, _ = os.Hostname()
			}
			logger.Info("trace long-term identity", "id", localID, "pubkey", pubB64)

			tc := &traceCoordinator{
				localID:     localID,
				longTermKey: longTermKey,
				peerKeys:    parsePeerKeys(cfg.TracePeerKeys),
				policyPath:  cfg.TraceSecurityPolicyPath,
				db:          db,
				casStore:    casStore,
			}

			go serveTracePeerEndpoint(cfg.ListenAddr, tc)
			if len(cfg.TracePeers) > 0 {
				go tc.runPeriodically(ctx, cfg.TracePeers, durationMS(cfg.TraceRoundIntervalMS))
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("cohesixd listening", "addr", cfg.ListenAddr)
				errCh <- acceptLoop(ctx, ln, srv)
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to server config YAML")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func durationMS(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func acceptLoop(ctx context.Context, ln net.Listener, srv *session.Server) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go srv.BeginSession(nc)
	}
}

// registerVerbs wires the console verbs to the CAS namespace projection
// (spec.md §6): TAIL/CAT/LS read it, ECHO appends to it. TAIL additionally
// serves the CAS engine's own event log, the closest thing this daemon has
// to an "internal producer" feed in scope for the core (process spawning
// and sensor reading, the other producers spec.md names, are out of
// scope).
func registerVerbs(srv *session.Server, casStore *cas.Store) {
	srv.Handle("PING", func(c *session.Conn, fields []string) session.AckLine {
		return session.AckLine{OK: true, Verb: "PING", Detail: "reply=pong"}
	})
	srv.HandleStream("TAIL", func(c *session.Conn, path string) ([]string, error) {
		if path == "" || path == "/cas/events" {
			return casStore.Events(), nil
		}
		return casStore.Cat(path)
	})
	srv.HandleStream("CAT", func(c *session.Conn, path string) ([]string, error) {
		return casStore.Cat(path)
	})
	srv.HandleStream("LS", func(c *session.Conn, path string) ([]string, error) {
		return casStore.List(path)
	})
	srv.Handle("ECHO", func(c *session.Conn, fields []string) session.AckLine {
		if len(fields) < 2 {
			return session.AckLine{Verb: "ECHO", Reason: "missing-path"}
		}
		path := fields[1]
		var payload string
		if len(fields) > 2 {
			payload = strings.Join(fields[2:], " ")
		}
		if err := casStore.Write(path, []byte(payload)); err != nil {
			return session.AckLine{Verb: "ECHO", Reason: cherr.ReasonOf(err)}
		}
		return session.AckLine{OK: true, Verb: "ECHO"}
	})
}

// traceCoordinator holds what's needed to run both sides of trace
// consensus: the periodic round driver that POSTs to peers, and the HTTP
// handler that answers peers' POSTs to this node (spec.md §4.5, §6).
type traceCoordinator struct {
	localID     string
	longTermKey ed25519.PrivateKey
	peerKeys    map[string]ed25519.PublicKey // peer id (URL) -> long-term pubkey
	policyPath  string
	db          *store.Store
	casStore    *cas.Store
}

func parsePeerKeys(raw map[string]string) map[string]ed25519.PublicKey {
	out := make(map[string]ed25519.PublicKey, len(raw))
	for id, b64 := range raw {
		pub, err := cas.ParseVerifyKey(b64) // same base64-ed25519-pubkey shape as CAS's
		if err != nil {
			logger.Err("skipping malformed trace peer key", err, "peer", id)
			continue
		}
		out[id] = ed25519.PublicKey(pub)
	}
	return out
}

// runPeriodically drives one consensus round every interval, agreeing with
// peers on the current CAS event log as the segment content (spec.md §4.5).
func (tc *traceCoordinator) runPeriodically(ctx context.Context, peerURLs []string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	peers := make([]trace.Peer, len(peerURLs))
	for i, u := range peerURLs {
		peers[i] = trace.Peer{ID: u, URL: u}
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tc.runRound(ctx, httpClient, peers)
		}
	}
}

func (tc *traceCoordinator) runRound(ctx context.Context, httpClient *http.Client, peers []trace.Peer) {
	seg := trace.TraceSegment{
		SegmentID: strconv.FormatInt(time.Now().Unix(), 10),
		Entries:   tc.casStore.Events(),
	}
	result, err := trace.RunRound(ctx, httpClient, tc.localID, tc.longTermKey, seg, peers,
		func(peerID string) (ed25519.PublicKey, bool) { pub, ok := tc.peerKeys[peerID]; return pub, ok },
		tc.policyPath, tc.db.RecordConsensus, tc.db.RecordFault)
	if err != nil {
		logger.Err("trace consensus round failed", err, "segment_id", seg.SegmentID)
		return
	}
	logger.Info("trace consensus round complete", "segment_id", seg.SegmentID,
		"achieved", result.Achieved, "required", result.Required, "won", result.Won)
}

// serveTracePeerEndpoint exposes the HTTPS POST peer endpoint described in
// spec.md §6: it verifies the requester's envelope, then answers with this
// node's own signed envelope over the same segment. TLS termination/cert
// configuration is left to the deployment (reverse proxy or
// ListenAndServeTLS with operator-supplied certs) — spec.md's scope is the
// envelope protocol, not transport security provisioning.
func serveTracePeerEndpoint(addr string, tc *traceCoordinator) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trace/segment", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		env, err := trace.UnmarshalEnvelope(body)
		if err != nil {
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}

		peerPub, ok := tc.peerKeys[env.From]
		if !ok {
			http.Error(w, "unknown peer", http.StatusForbidden)
			return
		}
		if err := trace.Verify(env, env.From, peerPub, env.SegmentID); err != nil {
			http.Error(w, "envelope verification failed", http.StatusForbidden)
			return
		}

		reply := trace.BuildEnvelope(tc.localID, tc.longTermKey,
			trace.TraceSegment{SegmentID: env.SegmentID, Entries: env.Entries}, time.Now())
		out, err := trace.MarshalEnvelope(reply)
		if err != nil {
			http.Error(w, "encode reply", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	})
	port := ":" + strconv.Itoa(tracePort(addr))
	if err := http.ListenAndServe(port, mux); err != nil {
		logger.Err("trace peer endpoint stopped", err)
	}
}

func tracePort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 5641
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 5641
	}
	return p + 1
}
