// Package server wires the Subscription Engine to an HTTP/WebSocket
// transport: an auth-gated upgrade endpoint, a request/response loop per
// connection, and translation from wire.Request to subscription.Task
// construction (spec.md §6, §7 categories 1-2).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starbelly/subscription-engine/auth"
	"github.com/starbelly/subscription-engine/crawldb"
	"github.com/starbelly/subscription-engine/jobtracker"
	"github.com/starbelly/subscription-engine/subscription"
	"github.com/starbelly/subscription-engine/wire"
)

// Server owns the collaborators needed to accept a socket connection and
// turn client Requests into running Subscription Tasks.
type Server struct {
	manager            *subscription.Manager
	seq                *subscription.Sequence
	tracker            *jobtracker.Tracker
	db                 crawldb.Store
	authManager        *auth.AuthManager
	minIntervalDefault time.Duration
	pollInterval       time.Duration

	upgrader websocket.Upgrader
}

// New constructs a Server. minIntervalDefault is used for a
// subscribe_job_status request that doesn't specify min_interval_seconds;
// pollInterval overrides the Crawl Sync replay loop's inter-poll sleep
// (spec.md §4.4 step 2e, §9 "acceptable for v1").
func New(
	manager *subscription.Manager,
	seq *subscription.Sequence,
	tracker *jobtracker.Tracker,
	db crawldb.Store,
	authManager *auth.AuthManager,
	minIntervalDefault time.Duration,
	pollInterval time.Duration,
) *Server {
	return &Server{
		manager:            manager,
		seq:                seq,
		tracker:            tracker,
		db:                 db,
		authManager:        authManager,
		minIntervalDefault: minIntervalDefault,
		pollInterval:       pollInterval,
	}
}

// Routes returns the HTTP handler: /auth for login/logout, /subscribe for
// the authenticated websocket upgrade.
func (s *Server) Routes() http.Handler {
	authHandler := auth.NewAuthHandler(s.authManager)

	mux := http.NewServeMux()
	mux.Handle("/auth", http.HandlerFunc(authHandler.HandleRequest))
	mux.Handle("/subscribe", s.authManager.Middleware(http.HandlerFunc(s.handleSubscribe)))
	return mux
}

// handleSubscribe upgrades the HTTP connection and runs the per-socket
// request loop until the client disconnects, at which point every
// subscription this socket owns is torn down (spec.md §4.3 close_for_socket).
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	socket := wire.NewWSSocket(conn)
	defer func() {
		s.manager.CloseForSocket(socket)
		_ = socket.Close()
	}()

	for {
		req, err := socket.ReadRequest()
		if err != nil {
			slog.Info("socket closed", "remote_addr", socket.RemoteAddr(), "error", err)
			return
		}
		s.handleRequest(socket, req)
	}
}

// handleRequest dispatches one decoded Request to the matching operation.
func (s *Server) handleRequest(socket *wire.WSSocket, req wire.Request) {
	switch req.Type {
	case wire.RequestSubscribeCrawlSync:
		s.handleSubscribeCrawlSync(socket, req)
	case wire.RequestSubscribeJobStatus:
		s.handleSubscribeJobStatus(socket, req)
	case wire.RequestUnsubscribe:
		s.manager.Unsubscribe(socket, req.SubscriptionID)
	default:
		s.sendError(socket, req.RequestID, fmt.Sprintf("unknown request type %q", req.Type))
	}
}

// handleSubscribeCrawlSync implements the subscribe_crawl_sync operation.
// An unparsable job_id or a job_id with no persisted job row is spec.md §7
// category 1/2: a negative response, no subscription registered.
func (s *Server) handleSubscribeCrawlSync(socket *wire.WSSocket, req wire.Request) {
	jobID, err := wire.ParseJobID(req.JobID)
	if err != nil {
		s.sendError(socket, req.RequestID, err.Error())
		return
	}

	ctx := context.Background()
	if _, err := s.db.FetchJobRow(ctx, jobID); err != nil {
		s.sendError(socket, req.RequestID, fmt.Sprintf("unknown job %s", jobID))
		return
	}

	var token []byte
	if len(req.SyncToken) > 0 {
		token = req.SyncToken
	}

	cs, err := subscription.NewCrawlSync(s.seq, s.tracker, s.db, socket, jobID, req.CompressionOK, token)
	if err != nil {
		s.sendError(socket, req.RequestID, err.Error())
		return
	}
	if s.pollInterval > 0 {
		cs.SetPollInterval(s.pollInterval)
	}

	if err := s.manager.Add(cs); err != nil {
		s.sendError(socket, req.RequestID, err.Error())
		return
	}

	s.sendAck(socket, req.RequestID, cs.ID())
}

// handleSubscribeJobStatus implements the subscribe_job_status operation.
func (s *Server) handleSubscribeJobStatus(socket *wire.WSSocket, req wire.Request) {
	minInterval := s.minIntervalDefault
	if req.MinIntervalSeconds > 0 {
		minInterval = time.Duration(req.MinIntervalSeconds * float64(time.Second))
	}

	js := subscription.NewJobStatus(s.seq, s.tracker, socket, minInterval)
	if err := s.manager.Add(js); err != nil {
		s.sendError(socket, req.RequestID, err.Error())
		return
	}

	s.sendAck(socket, req.RequestID, js.ID())
}

func (s *Server) sendAck(socket wire.Socket, requestID int64, subscriptionID wire.SubscriptionID) {
	msg := wire.ServerMessage{
		Response: &wire.Response{
			RequestID:      requestID,
			Success:        true,
			SubscriptionID: &subscriptionID,
		},
	}
	s.send(socket, msg)
}

func (s *Server) sendError(socket wire.Socket, requestID int64, message string) {
	msg := wire.ServerMessage{
		Response: &wire.Response{
			RequestID: requestID,
			Success:   false,
			Error:     message,
		},
	}
	s.send(socket, msg)
}

func (s *Server) send(socket wire.Socket, msg wire.ServerMessage) {
	payload, err := wire.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	if err := socket.Send(context.Background(), payload); err != nil {
		slog.Warn("failed to send response", "error", err, "remote_addr", socket.RemoteAddr())
	}
}
