package ws

import (
	"context"
	"sync"
)

// Subscriber abstracts a streaming client. Send must not block; it reports
// false when the client cannot keep up.
type Subscriber interface {
	Send([]byte) bool
	Close()
}

// Hub fans deployment events out to subscribers by project ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	stopOnce  sync.Once
	count     chan chan int
}

type message struct {
	projectID string
	payload   []byte
}

type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates a Hub. Run must be called for it to deliver messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		done:      make(chan struct{}),
		count:     make(chan chan int),
	}
}

// Run processes subscriptions until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = map[string]map[Subscriber]struct{}{}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.projectID]; ok {
				if _, present := clients[sub.client]; present {
					delete(clients, sub.client)
					sub.client.Close()
				}
				if len(clients) == 0 {
					delete(h.clients, sub.projectID)
				}
			}
		case msg := <-h.broadcast:
			clients, ok := h.clients[msg.projectID]
			if !ok {
				continue
			}
			for c := range clients {
				if !c.Send(msg.payload) {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, msg.projectID)
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	select {
	case h.register <- subscription{projectID: projectID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes and closes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	select {
	case h.unreg <- subscription{projectID: projectID, client: client}:
	case <-h.done:
	}
}

// Publish queues payload for every subscriber of projectID. It drops the
// message when the hub is stopped.
func (h *Hub) Publish(projectID string, payload []byte) {
	select {
	case h.broadcast <- message{projectID: projectID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}
