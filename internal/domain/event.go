package domain

import (
	"context"
	"encoding/json"
)

// EventTarget selects how an Event is addressed.
type EventTarget string

const (
	TargetUser EventTarget = "user"
	TargetRoom EventTarget = "room"
)

// Event is a realtime notification routed to every server replica, each of
// which delivers it to the matching local connections.
type Event struct {
	Target  EventTarget     `json:"target"`
	To      string          `json:"to"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// ExcludeConn skips the originating connection on room broadcasts.
	ExcludeConn string `json:"excludeConn,omitempty"`
}

// EventBus fans events out across processes.
type EventBus interface {
	PublishEvent(ctx context.Context, ev Event) error
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
}

// Realtime event names shared by the transport and the components that emit through it.
const (
	EventIdentified         = "identified"
	EventMatchProposed      = "matchProposed"
	EventMatchDeclined      = "matchDeclined"
	EventSessionCreated     = "sessionCreated"
	EventUserJoined         = "userJoined"
	EventUserLeft           = "userLeft"
	EventReceiveMessage     = "receiveMessage"
	EventReceiveCode        = "receiveCode"
	EventExecutionCompleted = "executionCompleted"
	EventError              = "error"
)
