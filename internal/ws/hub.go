package ws

import (
	"context"
	"strconv"
	"sync"
)

// AllStream receives every broadcast regardless of uid.
const AllStream = "all"

// StreamKey names the stream carrying samples for uid.
func StreamKey(uid int) string {
	return "uid:" + strconv.Itoa(uid)
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans sample payloads out to subscribers keyed by stream. Each
// subscriber may carry the identity it was opened for so the identity's
// streams can be cut off together.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]string
	register  chan subscription
	unreg     chan subscription
	evict     chan eviction
	broadcast chan message
	dropped   func()
	done      chan struct{}
}

type message struct {
	key     string
	payload []byte
}

type subscription struct {
	key    string
	owner  string
	client Subscriber
}

type eviction struct {
	owner string
	reply chan int
}

// NewHub creates a Hub; call Run to start delivering messages. buffer bounds
// the number of queued broadcasts before Broadcast starts dropping.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		clients:   make(map[string]map[Subscriber]string),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		evict:     make(chan eviction),
		broadcast: make(chan message, buffer),
		dropped:   func() {},
		done:      make(chan struct{}),
	}
}

// OnDrop installs a callback invoked whenever a broadcast is discarded.
func (h *Hub) OnDrop(fn func()) {
	if fn != nil {
		h.dropped = fn
	}
}

// Run delivers messages until ctx is cancelled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for key, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, key)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.key]; !ok {
				h.clients[sub.key] = make(map[Subscriber]string)
			}
			h.clients[sub.key][sub.client] = sub.owner
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.removeLocked(sub.key, sub.client)
			h.mu.Unlock()
		case ev := <-h.evict:
			h.mu.Lock()
			n := 0
			for key, clients := range h.clients {
				for c, owner := range clients {
					if owner == ev.owner {
						c.Close()
						h.removeLocked(key, c)
						n++
					}
				}
			}
			h.mu.Unlock()
			ev.reply <- n
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients[msg.key] {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					h.removeLocked(msg.key, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(key string, client Subscriber) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// Register adds an anonymous client to a stream. It returns false once the hub has stopped.
func (h *Hub) Register(key string, client Subscriber) bool {
	return h.RegisterFor(key, "", client)
}

// RegisterFor adds a client opened on behalf of owner.
func (h *Hub) RegisterFor(key, owner string, client Subscriber) bool {
	select {
	case h.register <- subscription{key: key, owner: owner, client: client}:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(key string, client Subscriber) {
	select {
	case h.unreg <- subscription{key: key, client: client}:
	case <-h.done:
	}
}

// DropOwner closes and removes every client registered for owner and
// reports how many were dropped. Broadcasts queued after it returns never
// reach those clients.
func (h *Hub) DropOwner(owner string) int {
	if owner == "" {
		return 0
	}
	ev := eviction{owner: owner, reply: make(chan int, 1)}
	select {
	case h.evict <- ev:
	case <-h.done:
		return 0
	}
	return <-ev.reply
}

// Broadcast queues payload for the stream without blocking; it reports false
// when the queue is full and the payload was dropped.
func (h *Hub) Broadcast(key string, payload []byte) bool {
	select {
	case h.broadcast <- message{key: key, payload: payload}:
		return true
	default:
		h.dropped()
		return false
	}
}

// Subscribers reports how many clients are attached to key.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

// Done is closed once Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
