package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dontdude/codeduel/internal/domain"
)

// Hub tracks the connections of this process: the connection <-> user
// binding in both directions and room membership.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	connUser map[string]string
	userConn map[string]string
	rooms    map[string]map[string]struct{}

	// bus, when set, routes every event through all replicas.
	bus domain.EventBus
}

var _ domain.Notifier = (*Hub)(nil)

func NewHub(bus domain.EventBus) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		connUser: make(map[string]string),
		userConn: make(map[string]string),
		rooms:    make(map[string]map[string]struct{}),
		bus:      bus,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// Unregister drops connID and its room memberships and returns the user it
// was bound to. The user binding is removed only if it still points at this
// connection, so a user who reconnected keeps the newer socket.
func (h *Hub) Unregister(connID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, connID)
	for room, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}

	userID, ok := h.connUser[connID]
	if !ok {
		return ""
	}
	delete(h.connUser, connID)
	if h.userConn[userID] == connID {
		delete(h.userConn, userID)
	}
	return userID
}

// Bind asserts that connID belongs to userID. The latest identify wins.
func (h *Hub) Bind(connID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.connUser[connID]; ok && prev != userID && h.userConn[prev] == connID {
		delete(h.userConn, prev)
	}
	h.connUser[connID] = userID
	h.userConn[userID] = connID
}

func (h *Hub) UserOf(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connUser[connID]
}

func (h *Hub) ConnOf(userID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.userConn[userID]
	return c, ok
}

func (h *Hub) Subscribe(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
	}
	members[connID] = struct{}{}
}

func (h *Hub) Unsubscribe(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) InRoom(connID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][connID]
	return ok
}

// EmitToUser sends an event to the connection userID is bound to, on
// whichever replica holds it.
func (h *Hub) EmitToUser(ctx context.Context, userID, event string, payload any) error {
	return h.emit(ctx, domain.TargetUser, userID, event, payload, "")
}

// EmitToRoom sends an event to every connection subscribed to roomID.
func (h *Hub) EmitToRoom(ctx context.Context, roomID, event string, payload any) error {
	return h.emit(ctx, domain.TargetRoom, roomID, event, payload, "")
}

// Broadcast is EmitToRoom minus the sending connection.
func (h *Hub) Broadcast(ctx context.Context, roomID, event string, payload any, excludeConn string) error {
	return h.emit(ctx, domain.TargetRoom, roomID, event, payload, excludeConn)
}

func (h *Hub) emit(ctx context.Context, target domain.EventTarget, to, event string, payload any, exclude string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	ev := domain.Event{Target: target, To: to, Name: event, Payload: data, ExcludeConn: exclude}
	if h.bus != nil {
		return h.bus.PublishEvent(ctx, ev)
	}
	h.Deliver(ev)
	return nil
}

// Deliver writes ev to the matching local connections. Events for users or
// rooms this process does not hold are ignored.
func (h *Hub) Deliver(ev domain.Event) {
	msg, err := encode(ev.Name, ev.Payload)
	if err != nil {
		slog.Error("Failed to encode event", "event", ev.Name, "error", err)
		return
	}

	h.mu.RLock()
	var targets []*Client
	switch ev.Target {
	case domain.TargetUser:
		if connID, ok := h.userConn[ev.To]; ok {
			if c, ok := h.clients[connID]; ok {
				targets = append(targets, c)
			}
		}
	case domain.TargetRoom:
		for connID := range h.rooms[ev.To] {
			if connID == ev.ExcludeConn {
				continue
			}
			if c, ok := h.clients[connID]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

// Listen delivers events from the bus until ctx is cancelled.
func (h *Hub) Listen(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	events, err := h.bus.SubscribeEvents(ctx)
	if err != nil {
		return err
	}
	slog.Info("Realtime event listener started")
	for ev := range events {
		h.Deliver(ev)
	}
	return nil
}
