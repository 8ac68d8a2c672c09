package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/metric"
	"github.com/HealthNoteLabs/HealthNote-Relay/satellite"
	"github.com/HealthNoteLabs/HealthNote-Relay/subscribe"
)

// Publisher runs an inbound event through the ingest pipeline. notify is
// called later, on the originating connection, if asynchronous satellite
// forwarding gives up.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event, notify func(string)) (ok bool, message string)
}

// Querier serves historical filter queries for backlog replay.
type Querier interface {
	Query(ctx context.Context, filters []event.Filter) ([]*event.Event, error)
}

// NodeRegistrar accepts satellite registrations.
type NodeRegistrar interface {
	Register(ctx context.Context, node satellite.Node) error
}

// Config holds the server's construction parameters.
type Config struct {
	ListenAddress string
	QueueSize     int

	// Information document fields.
	Name           string
	Description    string
	IdentityPubkey string
	Contact        string
	DefaultLimit   int
	MaxLimit       int

	ServeMetrics bool
}

// Server is the connection and protocol engine. Each accepted websocket
// gets its own Connection with an isolated read loop and writer; the
// HTTP mux additionally serves the information document, satellite
// registration, and metrics.
type Server struct {
	config    Config
	publisher Publisher
	querier   Querier
	subs      *subscribe.Registry
	nodes     NodeRegistrar

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	connsMu sync.Mutex
	conns   map[string]*Connection

	lifecycleMu sync.Mutex
	started     bool
	wg          sync.WaitGroup

	registry *metric.MetricsRegistry
	metrics  *metric.CoreMetrics
}

// NewServer wires the protocol engine to its collaborators.
func NewServer(
	config Config,
	publisher Publisher,
	querier Querier,
	subs *subscribe.Registry,
	nodes NodeRegistrar,
	registry *metric.MetricsRegistry,
) *Server {
	s := &Server{
		config:    config,
		publisher: publisher,
		querier:   querier,
		subs:      subs,
		nodes:     nodes,
		conns:     make(map[string]*Connection),
		registry:  registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
	if registry != nil {
		s.metrics = registry.Core
	}
	return s
}

// Start binds the listener and begins serving. Bind failures are fatal
// bootstrap errors.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "gateway", "Start", "check state")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleRoot(ctx, w, r)
	})
	mux.HandleFunc("/register-satellite", s.handleRegisterSatellite)
	if s.config.ServeMetrics && s.registry != nil {
		mux.Handle("/metrics", s.registry.Handler())
	}

	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return errors.WrapFatal(err, "gateway", "Start", "bind listener")
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()

	s.started = true
	slog.Info("gateway listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address; useful when the configured
// address had port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down: stop accepting, close every connection,
// wait for goroutines up to the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)

	s.connsMu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()
	for _, conn := range conns {
		conn.Close("")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"gateway", "Stop", "wait for goroutines")
	}

	s.started = false
	return nil
}

// handleRoot serves the websocket upgrade; plain HTTP requests get the
// relay information document.
func (s *Server) handleRoot(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if !isWebsocketRequest(r) {
		s.serveInfoDocument(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(ws, s.config.QueueSize, s.metrics, s.releaseConnection)

	s.connsMu.Lock()
	s.conns[conn.ID()] = conn
	s.connsMu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		conn.writePump()
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx, conn)
	}()
}

// releaseConnection is the connection teardown hook: drop its
// subscriptions and forget it.
func (s *Server) releaseConnection(conn *Connection) {
	s.subs.DropConnection(conn.ID())

	s.connsMu.Lock()
	_, known := s.conns[conn.ID()]
	delete(s.conns, conn.ID())
	s.connsMu.Unlock()

	if known && s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
}

// readLoop processes the inbound stream strictly in order. A panic tears
// down this connection only.
func (s *Server) readLoop(ctx context.Context, conn *Connection) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connection panic", "conn", conn.ID(), "panic", r)
		}
		conn.Close("")
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "conn", conn.ID(), "error", err)
			}
			return
		}
		if !conn.Open() {
			return
		}

		s.dispatch(ctx, conn, data)
	}
}

// dispatch routes one parsed command. Malformed frames and unknown verbs
// draw advisory frames; they never close the connection.
func (s *Server) dispatch(ctx context.Context, conn *Connection, data []byte) {
	cmd, err := parseClientMessage(data)
	if err != nil {
		conn.SendNotice(err.Error())
		return
	}

	switch c := cmd.(type) {
	case PublishCommand:
		ok, message := s.publisher.Publish(ctx, c.Event, conn.SendNotice)
		conn.SendOK(c.Event.ID, ok, message)

	case SubscribeCommand:
		s.handleSubscribe(conn, c)

	case CloseCommand:
		s.subs.Unsubscribe(conn.ID(), c.Label)
		conn.queue.DropLabel(c.Label)

	case UnknownCommand:
		conn.SendNotice("unknown command: " + c.Verb)
	}
}

// handleSubscribe installs the subscription (replacing any with the same
// label) and replays the backlog on its own goroutine so CLOSE and
// PUBLISH from the same client are not stalled behind a long replay.
func (s *Server) handleSubscribe(conn *Connection, cmd SubscribeCommand) {
	conn.queue.DropLabel(cmd.Label)
	sub := s.subs.Subscribe(conn, cmd.Label, cmd.Filters)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBacklog(conn, sub)
	}()
}

// runBacklog replays stored events for a new subscription, emits the
// EOSE sentinel, and promotes the subscription to live. Cancellation
// (replace, CLOSE, connection close) stops the replay at the next yield
// point with no sentinel.
func (s *Server) runBacklog(conn *Connection, sub *subscribe.Subscription) {
	events, err := s.querier.Query(sub.Context(), sub.Filters())
	if err != nil {
		if sub.Context().Err() != nil {
			return
		}
		slog.Warn("backlog query failed", "conn", conn.ID(), "label", sub.Label(), "error", err)
		conn.SendNotice("query failed for subscription " + sub.Label())
		conn.SendEOSE(sub.Label())
		sub.FinishBacklog(nil)
		return
	}

	delivered := make(map[string]bool, len(events))
	for _, e := range events {
		if sub.Context().Err() != nil {
			return
		}
		if err := conn.EnqueueBacklog(sub.Label(), e); err != nil {
			return
		}
		delivered[e.ID] = true
	}

	if sub.Context().Err() != nil {
		return
	}
	conn.SendEOSE(sub.Label())
	sub.FinishBacklog(delivered)
}

// handleRegisterSatellite accepts POST {url, pubkey, supported_kinds}.
func (s *Server) handleRegisterSatellite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var node satellite.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.nodes.Register(r.Context(), node); err != nil {
		if errors.IsInvalid(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func isWebsocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
