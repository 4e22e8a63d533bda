package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Inbound event names, plus the relay events this package emits.
const (
	EventIdentify       = "identify"
	EventJoinQueue      = "joinQueue"
	EventLeaveQueue     = "leaveQueue"
	EventAcceptMatch    = "acceptMatch"
	EventDeclineMatch   = "declineMatch"
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventSendCode       = "sendCode"
	EventUserJoined     = domain.EventUserJoined
	EventUserLeft       = domain.EventUserLeft
	EventReceiveMessage = domain.EventReceiveMessage
	EventReceiveCode    = domain.EventReceiveCode
)

// QueueService is the matchmaking surface used by connections.
type QueueService interface {
	Join(ctx context.Context, queueID, userID string, size int) error
	Leave(ctx context.Context, queueID, userID string) error
}

// MatchNegotiator resolves pending matches.
type MatchNegotiator interface {
	Accept(ctx context.Context, pendingID, userID string) error
	Decline(ctx context.Context, pendingID, userID string) error
}

type Options struct {
	// StoreTimeout bounds every handler so a slow store never stalls a connection.
	StoreTimeout time.Duration
	// AutoLeave removes a disconnecting user from the queues joined on that connection.
	AutoLeave bool
	// CheckOrigin overrides the upgrader's origin check. Nil allows all origins.
	CheckOrigin func(r *http.Request) bool
}

// Server upgrades HTTP requests to websocket connections and dispatches their
// events.
type Server struct {
	hub      *Hub
	queues   QueueService
	matches  MatchNegotiator
	opts     Options
	upgrader websocket.Upgrader
	handlers map[string]HandlerFunc

	mu     sync.Mutex
	joined map[string]map[string]struct{}
}

func NewServer(hub *Hub, queues QueueService, matches MatchNegotiator, opts Options) *Server {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	s := &Server{
		hub:      hub,
		queues:   queues,
		matches:  matches,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		joined:   make(map[string]map[string]struct{}),
	}
	s.handlers = map[string]HandlerFunc{
		EventIdentify:     s.handleIdentify,
		EventJoinQueue:    s.handleJoinQueue,
		EventLeaveQueue:   s.handleLeaveQueue,
		EventAcceptMatch:  s.handleAcceptMatch,
		EventDeclineMatch: s.handleDeclineMatch,
		EventJoinRoom:     s.handleJoinRoom,
		EventLeaveRoom:    s.handleLeaveRoom,
		EventSendMessage:  s.handleSendMessage,
		EventSendCode:     s.handleSendCode,
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn)
	s.hub.Register(c)
	slog.Info("Client connected via WebSocket", "connID", c.id, "remoteAddr", conn.RemoteAddr())

	go c.writePump()
	c.readPump(func(env envelope) { s.dispatch(c, env) })

	c.close()
	s.disconnect(c.id)
}

func (s *Server) dispatch(c *Client, env envelope) {
	h, ok := s.handlers[env.Event]
	if !ok {
		slog.Debug("Unknown event", "connID", c.id, "event", env.Event)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()

	cc := ConnContext{ConnID: c.id, UserID: s.hub.UserOf(c.id)}
	if err := h(ctx, cc, env.Data); err != nil {
		slog.Warn("Event handler failed", "connID", c.id, "userID", cc.UserID, "event", env.Event, "error", err)
		_ = s.reply(c.id, domain.EventError, ErrorPayload{Event: env.Event, Message: clientMessage(err)})
	}
}

// reply writes directly to one local connection.
func (s *Server) reply(connID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := encode(event, data)
	if err != nil {
		return err
	}

	s.hub.mu.RLock()
	c, ok := s.hub.clients[connID]
	s.hub.mu.RUnlock()
	if ok {
		c.enqueue(msg)
	}
	return nil
}

func (s *Server) trackQueue(connID, queueID string, joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if joined {
		if s.joined[connID] == nil {
			s.joined[connID] = make(map[string]struct{})
		}
		s.joined[connID][queueID] = struct{}{}
		return
	}
	delete(s.joined[connID], queueID)
}

// disconnect removes both directions of the binding. Queue membership is left
// alone unless AutoLeave is set.
func (s *Server) disconnect(connID string) {
	userID := s.hub.Unregister(connID)

	s.mu.Lock()
	queues := s.joined[connID]
	delete(s.joined, connID)
	s.mu.Unlock()

	slog.Info("Client disconnected", "connID", connID, "userID", userID)

	if !s.opts.AutoLeave || userID == "" {
		return
	}
	for queueID := range queues {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
		if err := s.queues.Leave(ctx, queueID, userID); err != nil {
			slog.Error("Failed to leave queue on disconnect", "queueID", queueID, "userID", userID, "error", err)
		}
		cancel()
	}
}

// clientMessage hides internal failures behind a generic message.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, errNotIdentified):
		return "Please identify before using the queue."
	case errors.Is(err, errNotInRoom):
		return "You are not in this room."
	case errors.Is(err, errBadPayload):
		return "Malformed request."
	case domain.IsValidation(err):
		return domain.UserMessage(err)
	case errors.Is(err, context.DeadlineExceeded):
		return "The server is busy, please try again."
	default:
		return "Something went wrong, please try again."
	}
}
