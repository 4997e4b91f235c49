// Package ws streams the live usage feed: every ledger entry a team records
// is broadcast to the dashboard clients subscribed to that team.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by team ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples a payload with the team it concerns.
type message struct {
	teamID  string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	teamID string
	client Subscriber
}

// NewHub creates an initialized Hub. buffer bounds the broadcast backlog
// before publishers block.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.teamID]; !ok {
				h.clients[sub.teamID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.teamID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.teamID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.teamID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.teamID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.teamID)
				}
			}
		}
	}
}

// Register adds a client to a team's feed.
func (h *Hub) Register(teamID string, client Subscriber) {
	h.register <- subscription{teamID: teamID, client: client}
}

// Unregister removes a client from a team's feed.
func (h *Hub) Unregister(teamID string, client Subscriber) {
	h.unreg <- subscription{teamID: teamID, client: client}
}

// Broadcast fans a payload out to every subscriber of the team.
func (h *Hub) Broadcast(teamID string, payload []byte) {
	h.broadcast <- message{teamID: teamID, payload: payload}
}
