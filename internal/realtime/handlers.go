package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dontdude/codeduel/internal/domain"
)

// ConnContext identifies the connection a message arrived on and the user
// bound to it, if any.
type ConnContext struct {
	ConnID string
	UserID string
}

// HandlerFunc handles one inbound event.
type HandlerFunc func(ctx context.Context, cc ConnContext, data json.RawMessage) error

var (
	errNotIdentified = errors.New("connection not identified")
	errNotInRoom     = errors.New("connection not in room")
	errBadPayload    = errors.New("malformed payload")
)

type identifyReq struct {
	UserID string `json:"userId"`
}

type queueReq struct {
	QueueID string `json:"queueId"`
	Size    int    `json:"size"`
}

type pendingReq struct {
	PendingID string `json:"pendingId"`
}

type roomReq struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

type messageReq struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	TS     string `json:"ts"`
}

type codeReq struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// Outbound payloads.
type (
	Identified struct {
		UserID string `json:"userId"`
	}
	Presence struct {
		RoomID      string `json:"roomId"`
		DisplayName string `json:"displayName"`
	}
	ChatMessage struct {
		RoomID string `json:"roomId"`
		Text   string `json:"text"`
		TS     string `json:"ts"`
	}
	CodeUpdate struct {
		RoomID string `json:"roomId"`
		Code   string `json:"code"`
	}
	ErrorPayload struct {
		Event   string `json:"event"`
		Message string `json:"message"`
	}
)

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errBadPayload
	}
	return nil
}

func (s *Server) handleIdentify(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	var req identifyReq
	if err := decode(data, &req); err != nil {
		return err
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return errBadPayload
	}
	s.hub.Bind(cc.ConnID, userID)
	return s.reply(cc.ConnID, domain.EventIdentified, Identified{UserID: userID})
}

func (s *Server) handleJoinQueue(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	if cc.UserID == "" {
		return errNotIdentified
	}
	var req queueReq
	if err := decode(data, &req); err != nil || req.QueueID == "" {
		return errBadPayload
	}
	if err := s.queues.Join(ctx, req.QueueID, cc.UserID, req.Size); err != nil {
		return err
	}
	s.trackQueue(cc.ConnID, req.QueueID, true)
	return nil
}

func (s *Server) handleLeaveQueue(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	if cc.UserID == "" {
		return errNotIdentified
	}
	var req queueReq
	if err := decode(data, &req); err != nil || req.QueueID == "" {
		return errBadPayload
	}
	if err := s.queues.Leave(ctx, req.QueueID, cc.UserID); err != nil {
		return err
	}
	s.trackQueue(cc.ConnID, req.QueueID, false)
	return nil
}

func (s *Server) handleAcceptMatch(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	if cc.UserID == "" {
		return errNotIdentified
	}
	var req pendingReq
	if err := decode(data, &req); err != nil || req.PendingID == "" {
		return errBadPayload
	}
	return s.matches.Accept(ctx, req.PendingID, cc.UserID)
}

func (s *Server) handleDeclineMatch(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	if cc.UserID == "" {
		return errNotIdentified
	}
	var req pendingReq
	if err := decode(data, &req); err != nil || req.PendingID == "" {
		return errBadPayload
	}
	return s.matches.Decline(ctx, req.PendingID, cc.UserID)
}

func (s *Server) handleJoinRoom(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	var req roomReq
	if err := decode(data, &req); err != nil || req.RoomID == "" {
		return errBadPayload
	}
	s.hub.Subscribe(cc.ConnID, req.RoomID)
	return s.hub.Broadcast(ctx, req.RoomID, EventUserJoined, Presence{RoomID: req.RoomID, DisplayName: req.DisplayName}, cc.ConnID)
}

func (s *Server) handleLeaveRoom(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	var req roomReq
	if err := decode(data, &req); err != nil || req.RoomID == "" {
		return errBadPayload
	}
	if !s.hub.InRoom(cc.ConnID, req.RoomID) {
		return nil
	}
	s.hub.Unsubscribe(cc.ConnID, req.RoomID)
	return s.hub.Broadcast(ctx, req.RoomID, EventUserLeft, Presence{RoomID: req.RoomID, DisplayName: req.DisplayName}, cc.ConnID)
}

func (s *Server) handleSendMessage(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	var req messageReq
	if err := decode(data, &req); err != nil || req.RoomID == "" {
		return errBadPayload
	}
	if !s.hub.InRoom(cc.ConnID, req.RoomID) {
		return errNotInRoom
	}
	return s.hub.Broadcast(ctx, req.RoomID, EventReceiveMessage, ChatMessage{RoomID: req.RoomID, Text: req.Text, TS: req.TS}, cc.ConnID)
}

func (s *Server) handleSendCode(ctx context.Context, cc ConnContext, data json.RawMessage) error {
	var req codeReq
	if err := decode(data, &req); err != nil || req.RoomID == "" {
		return errBadPayload
	}
	if !s.hub.InRoom(cc.ConnID, req.RoomID) {
		return errNotInRoom
	}
	return s.hub.Broadcast(ctx, req.RoomID, EventReceiveCode, CodeUpdate{RoomID: req.RoomID, Code: req.Code}, cc.ConnID)
}
